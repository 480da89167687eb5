package strategy_test

import (
	"context"
	"math/big"
	"testing"
	"time"

	"perp-strategy/internal/insurance"
	"perp-strategy/internal/strategy"
	"perp-strategy/internal/token"
	"perp-strategy/internal/vault"
	"perp-strategy/internal/venue"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var (
	govAddr        = common.HexToAddress("0x0a")
	strategistAddr = common.HexToAddress("0x0b")
	keeperAddr     = common.HexToAddress("0x0c")
	userAddr       = common.HexToAddress("0x0d")
	randoAddr      = common.HexToAddress("0x0e")
	wantAddr       = common.HexToAddress("0x10")
	vaultAddr      = common.HexToAddress("0x20")
	venueAddr      = common.HexToAddress("0x30")
	strategyAddr   = common.HexToAddress("0x40")
	reserveAddr    = common.HexToAddress("0x50")
)

const depositUSD = 1_000_000

func usd(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000))
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type fixtureConfig struct {
	multiple   uint64
	policy     strategy.FailurePolicy
	liquidity  *big.Int
	reserve    *big.Int
	premiumBps uint64
}

type fixture struct {
	ctx     context.Context
	clock   *fakeClock
	want    *token.Token
	vault   *vault.Vault
	venue   *venue.Paper
	reserve *insurance.Reserve
	strat   *strategy.Strategy
}

func bandsFor(multiple uint64) (strategy.DebtThresholds, strategy.CollateralThresholds) {
	r := strategy.TargetDebtRatio(multiple)
	c := strategy.TargetCollateral(multiple)
	return strategy.DebtThresholds{Lower: r - r/20, Upper: r + r/20, Multiple: multiple},
		strategy.CollateralThresholds{Lower: c - c/20, Upper: c + c/20, Limit: c - c/10}
}

func newFixture(t *testing.T, cfg fixtureConfig) *fixture {
	t.Helper()
	ctx := context.Background()
	if cfg.multiple == 0 {
		cfg.multiple = 10_000
	}
	if cfg.liquidity == nil {
		cfg.liquidity = new(big.Int).Exp(big.NewInt(10), big.NewInt(20), nil)
	}
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	want := token.New(wantAddr, "USDC", 6)

	v, err := vault.New(vault.Options{Address: vaultAddr, Token: want, Governance: govAddr, Now: clock.Now})
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	pv, err := venue.NewPaper(venue.Options{
		Address:          venueAddr,
		Want:             want,
		InitialMarginBps: 500,
		Liquidity:        cfg.liquidity,
	})
	if err != nil {
		t.Fatalf("new venue: %v", err)
	}

	f := &fixture{ctx: ctx, clock: clock, want: want, vault: v, venue: pv}
	var ins strategy.Insurance
	if cfg.reserve != nil {
		f.reserve, err = insurance.New(insurance.Options{
			Address:    reserveAddr,
			Want:       want,
			Strategy:   strategyAddr,
			PremiumBps: cfg.premiumBps,
		})
		if err != nil {
			t.Fatalf("new reserve: %v", err)
		}
		if err := want.Mint(reserveAddr, cfg.reserve); err != nil {
			t.Fatalf("fund reserve: %v", err)
		}
		ins = f.reserve
	}

	debt, collat := bandsFor(cfg.multiple)
	f.strat, err = strategy.New(ctx, strategy.Options{
		Address:     strategyAddr,
		Name:        "test",
		Want:        want,
		Ledger:      v,
		Venue:       pv,
		Insurance:   ins,
		Roles:       strategy.Roles{Governance: govAddr, Strategist: strategistAddr, Keeper: keeperAddr},
		Debt:        debt,
		Collateral:  collat,
		SlippageAdj: 50,
		Dust:        usd(1),
		Policy:      cfg.policy,
		Now:         clock.Now,
		Harvest: strategy.HarvestParams{
			MinReportDelay:    time.Hour,
			MaxReportDelay:    24 * time.Hour,
			ProfitFactor:      100,
			DebtThreshold:     usd(1_000),
			NativePriceInWant: decimal.NewFromInt(2_000),
		},
	})
	if err != nil {
		t.Fatalf("new strategy: %v", err)
	}
	if err := v.AddStrategy(govAddr, f.strat, 10_000, nil, nil); err != nil {
		t.Fatalf("add strategy: %v", err)
	}
	if err := want.Mint(userAddr, usd(depositUSD)); err != nil {
		t.Fatalf("mint deposit: %v", err)
	}
	if _, err := v.Deposit(ctx, userAddr, usd(depositUSD)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	return f
}

func (f *fixture) harvest(t *testing.T) strategy.HarvestReport {
	t.Helper()
	report, err := f.strat.Harvest(f.ctx, keeperAddr)
	if err != nil {
		t.Fatalf("harvest: %v", err)
	}
	return report
}

func (f *fixture) tend(t *testing.T) {
	t.Helper()
	if err := f.strat.Tend(f.ctx, keeperAddr); err != nil {
		t.Fatalf("tend: %v", err)
	}
}

func (f *fixture) position(t *testing.T) strategy.Position {
	t.Helper()
	pos, err := f.strat.Position(f.ctx)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	return pos
}

// assertRel fails unless got is within rel of want, relative to want.
func assertRel(t *testing.T, name string, got, want *big.Int, rel float64) {
	t.Helper()
	if want.Sign() == 0 {
		if got.Sign() != 0 {
			t.Fatalf("%s: expected 0, got %s", name, got)
		}
		return
	}
	diff := new(big.Float).SetInt(new(big.Int).Sub(got, want))
	diff.Quo(diff, new(big.Float).SetInt(want))
	d, _ := diff.Float64()
	if d < 0 {
		d = -d
	}
	if d > rel {
		t.Fatalf("%s: got %s, want %s (rel diff %.6f > %.6f)", name, got, want, d, rel)
	}
}

func assertRelBps(t *testing.T, name string, got, want uint64, rel float64) {
	t.Helper()
	assertRel(t, name, new(big.Int).SetUint64(got), new(big.Int).SetUint64(want), rel)
}

func assetsToDebt(t *testing.T, f *fixture) *big.Float {
	t.Helper()
	total, err := f.strat.EstimatedTotalAssets(f.ctx)
	if err != nil {
		t.Fatalf("total assets: %v", err)
	}
	debt := f.vault.CurrentDebt(strategyAddr)
	return new(big.Float).Quo(new(big.Float).SetInt(total), new(big.Float).SetInt(debt))
}

func samePosition(a, b strategy.Position) bool {
	return a.WantBalance.Cmp(b.WantBalance) == 0 &&
		a.Collateral.Cmp(b.Collateral) == 0 &&
		a.Debt.Cmp(b.Debt) == 0 &&
		a.PendingFunding.Cmp(b.PendingFunding) == 0
}
