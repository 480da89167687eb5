package metrics

type Counter interface {
	Inc()
}

type Gauge interface {
	Set(float64)
}

type Metrics struct {
	Harvests        Counter
	HarvestsFailed  Counter
	Tends           Counter
	TendsFailed     Counter
	Trades          Counter
	TradesClamped   Counter
	RebalanceFailed Counter
	LossesReported  Counter
	InsuranceDraws  Counter
	EmergencyExits  Counter

	DebtRatio       Gauge
	CollateralRatio Gauge
	TotalAssets     Gauge
}

type noopCounter struct{}

func (noopCounter) Inc() {}

type noopGauge struct{}

func (noopGauge) Set(float64) {}

func NewNoop() *Metrics {
	n := noopCounter{}
	g := noopGauge{}
	return &Metrics{
		Harvests:        n,
		HarvestsFailed:  n,
		Tends:           n,
		TendsFailed:     n,
		Trades:          n,
		TradesClamped:   n,
		RebalanceFailed: n,
		LossesReported:  n,
		InsuranceDraws:  n,
		EmergencyExits:  n,
		DebtRatio:       g,
		CollateralRatio: g,
		TotalAssets:     g,
	}
}
