// Command scenario drives a paper deployment through deposit, harvest,
// funding, a price shock and a full withdrawal, printing the book after
// each step.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/big"
	"os"
	"time"

	"perp-strategy/internal/app"
	"perp-strategy/internal/config"
	"perp-strategy/internal/logging"
	"perp-strategy/internal/units"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var depositor = common.HexToAddress("0x00000000000000000000000000000000000000d1")

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	deposit := flag.String("deposit", "100000", "want deposited by the scenario user")
	fundingPeriods := flag.Int("funding-periods", 24, "funding intervals accrued before the second harvest")
	shockBps := flag.Int64("shock-bps", 300, "mark price move in bps before the withdrawal; positive raises the debt")
	maxLossBps := flag.Uint64("max-loss-bps", 500, "max loss accepted on the withdrawal")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	cfg.Log.File = ""
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()

	ctx := context.Background()
	clk := &clock{now: time.Now().UTC()}
	keeper := common.HexToAddress(cfg.Roles.Governance)
	if common.IsHexAddress(cfg.Roles.Keeper) {
		keeper = common.HexToAddress(cfg.Roles.Keeper)
	}
	d, err := app.Deploy(ctx, cfg, app.DeployOptions{Keeper: keeper, Log: log, Clock: clk.Now})
	if err != nil {
		fatal(err)
	}
	dec := cfg.Strategy.WantDecimals
	sym := cfg.Strategy.WantSymbol

	amount, err := units.ParseBase(*deposit, dec)
	if err != nil {
		fatal(fmt.Errorf("deposit: %w", err))
	}
	if err := d.Want.Mint(depositor, amount); err != nil {
		fatal(err)
	}
	shares, err := d.Vault.Deposit(ctx, depositor, amount)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("deposited %s %s for %s shares\n", units.Format(amount, dec), sym, units.Format(shares, d.Vault.Decimals()))

	harvest := func(label string) {
		clk.now = clk.now.Add(cfg.Strategy.MinReportDelay)
		report, err := d.Strategy.Harvest(ctx, keeper)
		if err != nil {
			fatal(fmt.Errorf("%s: %w", label, err))
		}
		fmt.Printf("%s: profit=%s loss=%s premium=%s absorbed=%s trades=%d failures=%d state=%s\n", label,
			units.Format(report.Profit, dec), units.Format(report.Loss, dec), units.Format(report.Premium, dec),
			units.Format(report.Absorbed, dec), report.Trades, report.Failures, report.State)
		printBook(ctx, d, dec, sym, log)
	}

	harvest("first harvest")

	rate := cfg.Venue.FundingRateBps
	if rate == 0 {
		rate = 1
	}
	for i := 0; i < *fundingPeriods; i++ {
		d.Paper.ApplyFundingRate(rate)
		clk.now = clk.now.Add(cfg.Venue.FundingInterval)
	}
	fmt.Printf("accrued %d funding periods at %d bps\n", *fundingPeriods, rate)
	harvest("second harvest")

	d.Paper.ShockPrice(*shockBps)
	fmt.Printf("mark price moved %d bps to %s\n", *shockBps, units.Format(d.Paper.MarkPrice(), units.PriceDecimals))
	if fire, err := d.Strategy.TendTrigger(ctx, big.NewInt(0)); err != nil {
		fatal(err)
	} else if fire {
		if err := d.Strategy.Tend(ctx, keeper); err != nil {
			fatal(err)
		}
		fmt.Println("tended")
	}
	printBook(ctx, d, dec, sym, log)

	out, err := d.Vault.Withdraw(ctx, depositor, nil, depositor, *maxLossBps)
	if err != nil {
		fatal(fmt.Errorf("withdraw: %w", err))
	}
	pnl := new(big.Int).Sub(out, amount)
	fmt.Printf("withdrew %s %s (pnl %s, %s%%)\n", units.Format(out, dec), sym, units.Format(pnl, dec),
		units.FromBase(pnl, dec).Div(units.FromBase(amount, dec)).Mul(decimal.NewFromInt(100)).StringFixed(4))
	printBook(ctx, d, dec, sym, log)
}

func printBook(ctx context.Context, d *app.Deployment, dec uint8, sym string, log *zap.Logger) {
	pos, err := d.Strategy.Position(ctx)
	if err != nil {
		log.Warn("position unavailable", zap.Error(err))
		return
	}
	fmt.Printf("  want=%s collateral=%s debt=%s pending=%s total=%s %s\n",
		units.Format(pos.WantBalance, dec), units.Format(pos.Collateral, dec), units.Format(pos.Debt, dec),
		units.Format(pos.PendingFunding, dec), units.Format(pos.EstimatedTotalAssets(), dec), sym)
	fmt.Printf("  debt_ratio=%dbps collateral=%dbps pps=%s vault_assets=%s %s\n",
		pos.DebtRatio(), pos.CollateralRatio(), units.Format(d.Vault.PricePerShare(), d.Vault.Decimals()),
		units.Format(d.Vault.TotalAssets(), dec), sym)
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
