package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "perp_strategy"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type promGauge struct {
	gauge prometheus.Gauge
}

func (p promGauge) Set(v float64) {
	p.gauge.Set(v)
}

type Prometheus struct {
	Metrics *Metrics

	registry        *prometheus.Registry
	harvests        prometheus.Counter
	harvestsFailed  prometheus.Counter
	tends           prometheus.Counter
	tendsFailed     prometheus.Counter
	trades          prometheus.Counter
	tradesClamped   prometheus.Counter
	rebalanceFailed prometheus.Counter
	lossesReported  prometheus.Counter
	insuranceDraws  prometheus.Counter
	emergencyExits  prometheus.Counter
	debtRatio       prometheus.Gauge
	collateralRatio prometheus.Gauge
	totalAssets     prometheus.Gauge
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
}

func newGauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
}

func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry:        prometheus.NewRegistry(),
		harvests:        newCounter("harvests_total", "Total number of completed harvests."),
		harvestsFailed:  newCounter("harvests_failed_total", "Total number of harvests that returned an error."),
		tends:           newCounter("tends_total", "Total number of completed tends."),
		tendsFailed:     newCounter("tends_failed_total", "Total number of tends that returned an error."),
		trades:          newCounter("venue_trades_total", "Total number of debt trades sent to the venue."),
		tradesClamped:   newCounter("venue_trades_clamped_total", "Total number of debt trades reduced to the slippage-bounded size."),
		rebalanceFailed: newCounter("rebalance_failed_total", "Total number of venue operations that failed during a rebalance."),
		lossesReported:  newCounter("losses_reported_total", "Total number of harvests that reported a loss."),
		insuranceDraws:  newCounter("insurance_draws_total", "Total number of insurance absorptions."),
		emergencyExits:  newCounter("emergency_exits_total", "Total number of emergency exit activations."),
		debtRatio:       newGauge("debt_ratio_bps", "Debt ratio after the last harvest or tend."),
		collateralRatio: newGauge("collateral_ratio_bps", "Collateral ratio after the last harvest or tend."),
		totalAssets:     newGauge("total_assets", "Estimated total assets in want units."),
	}

	p.registry.MustRegister(
		p.harvests, p.harvestsFailed, p.tends, p.tendsFailed,
		p.trades, p.tradesClamped, p.rebalanceFailed, p.lossesReported,
		p.insuranceDraws, p.emergencyExits,
		p.debtRatio, p.collateralRatio, p.totalAssets,
	)

	p.Metrics = &Metrics{
		Harvests:        promCounter{p.harvests},
		HarvestsFailed:  promCounter{p.harvestsFailed},
		Tends:           promCounter{p.tends},
		TendsFailed:     promCounter{p.tendsFailed},
		Trades:          promCounter{p.trades},
		TradesClamped:   promCounter{p.tradesClamped},
		RebalanceFailed: promCounter{p.rebalanceFailed},
		LossesReported:  promCounter{p.lossesReported},
		InsuranceDraws:  promCounter{p.insuranceDraws},
		EmergencyExits:  promCounter{p.emergencyExits},
		DebtRatio:       promGauge{p.debtRatio},
		CollateralRatio: promGauge{p.collateralRatio},
		TotalAssets:     promGauge{p.totalAssets},
	}
	return p
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
