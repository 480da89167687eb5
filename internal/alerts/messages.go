package alerts

import (
	"fmt"
	"math/big"
	"strings"

	"perp-strategy/internal/strategy"
	"perp-strategy/internal/units"
)

// FormatHarvest renders a harvest report for operators. Amounts are shown in
// whole want units.
func FormatHarvest(name, symbol string, decimals uint8, report strategy.HarvestReport) string {
	var b strings.Builder
	title := "harvest"
	if report.Emergency {
		title = "emergency harvest"
	}
	fmt.Fprintf(&b, "%s %s [%s]\n", name, title, report.State)
	amount := func(label string, v *big.Int) {
		if v == nil || v.Sign() == 0 {
			return
		}
		fmt.Fprintf(&b, "%s: %s %s\n", label, units.Format(v, decimals), symbol)
	}
	amount("profit", report.Profit)
	amount("loss", report.Loss)
	amount("debt payment", report.DebtPayment)
	amount("premium", report.Premium)
	amount("insurance", report.Absorbed)
	amount("total assets", report.TotalAssets)
	fmt.Fprintf(&b, "debt ratio: %s  collateral: %s\n", bps(report.DebtRatio), bps(report.CollateralRatio))
	if report.Failures > 0 {
		fmt.Fprintf(&b, "trades: %d  failed: %d\n", report.Trades, report.Failures)
	}
	return strings.TrimRight(b.String(), "\n")
}

func bps(v uint64) string {
	return fmt.Sprintf("%d.%02d%%", v/100, v%100)
}
