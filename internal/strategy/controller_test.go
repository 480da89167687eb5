package strategy_test

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"perp-strategy/internal/strategy"

	"github.com/ethereum/go-ethereum/common"
)

func TestHarvestConvergesToTargets(t *testing.T) {
	for _, multiple := range []uint64{10_000, 20_000, 50_000} {
		f := newFixture(t, fixtureConfig{multiple: multiple})
		report := f.harvest(t)
		if report.Trades == 0 {
			t.Fatalf("multiple %d: expected the credit to be deployed", multiple)
		}

		pos := f.position(t)
		assertRelBps(t, "debt ratio", pos.DebtRatio(), strategy.TargetDebtRatio(multiple), 0.01)
		assertRelBps(t, "collateral ratio", pos.CollateralRatio(), strategy.TargetCollateral(multiple), 0.01)
		assertRel(t, "total assets", pos.EstimatedTotalAssets(), usd(depositUSD), 0.01)
		if f.strat.State() != strategy.StateActive {
			t.Fatalf("multiple %d: expected %s, got %s", multiple, strategy.StateActive, f.strat.State())
		}
	}
}

func TestTendReconvergesAfterPriceMove(t *testing.T) {
	for _, shock := range []int64{-1_000, 700} {
		f := newFixture(t, fixtureConfig{})
		f.harvest(t)
		f.venue.ShockPrice(shock)

		ratio, err := f.strat.CalcDebtRatio(f.ctx)
		if err != nil {
			t.Fatalf("calc debt ratio: %v", err)
		}
		if ratio >= 9_500 && ratio <= 10_500 {
			t.Fatalf("shock %d: expected ratio out of band, got %d", shock, ratio)
		}

		f.tend(t)
		pos := f.position(t)
		assertRelBps(t, "debt ratio", pos.DebtRatio(), 10_000, 0.01)
		assertRelBps(t, "collateral ratio", pos.CollateralRatio(), strategy.TargetCollateral(10_000), 0.01)
	}
}

func TestRebalanceIsIdempotent(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	f.harvest(t)
	before := f.position(t)

	f.tend(t)
	f.tend(t)
	if err := f.strat.RebalanceCollateral(f.ctx, keeperAddr); err != nil {
		t.Fatalf("rebalance collateral: %v", err)
	}
	after := f.position(t)
	if !samePosition(before, after) {
		t.Fatalf("expected no venue activity, before %+v after %+v", before, after)
	}
}

func TestRebalanceCollateralRetargetsOnly(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	f.harvest(t)
	if err := f.strat.SetDebtThresholds(f.ctx, govAddr, strategy.DebtThresholds{Lower: 5_000, Upper: 15_000}); err != nil {
		t.Fatalf("widen debt band: %v", err)
	}
	// Debt rises 6%: the wide debt band holds while collateral drops out of its band.
	f.venue.ShockPrice(600)
	before := f.position(t)
	if ratio := before.CollateralRatio(); ratio >= 8_550 {
		t.Fatalf("expected collateral ratio below band, got %d", ratio)
	}

	if err := f.strat.RebalanceCollateral(f.ctx, keeperAddr); err != nil {
		t.Fatalf("rebalance collateral: %v", err)
	}
	after := f.position(t)
	if after.Debt.Cmp(before.Debt) != 0 {
		t.Fatalf("expected debt untouched, before %s after %s", before.Debt, after.Debt)
	}
	assertRelBps(t, "collateral ratio", after.CollateralRatio(), 9_000, 0.01)
}

func TestStrictPolicyAbortsBeforeMutation(t *testing.T) {
	f := newFixture(t, fixtureConfig{policy: strategy.PolicyStrict})
	f.harvest(t)
	f.venue.ShockPrice(-1_000)
	if err := f.venue.SetLiquidity(usd(1_000_000)); err != nil {
		t.Fatalf("set liquidity: %v", err)
	}
	before := f.position(t)

	err := f.strat.Tend(f.ctx, keeperAddr)
	if !errors.Is(err, strategy.ErrSlippageExceeded) {
		t.Fatalf("expected ErrSlippageExceeded, got %v", err)
	}
	if after := f.position(t); !samePosition(before, after) {
		t.Fatalf("expected no mutation, before %+v after %+v", before, after)
	}

	f.venue.SetHalted(true)
	if err := f.strat.Tend(f.ctx, keeperAddr); !errors.Is(err, strategy.ErrInsufficientLiquidity) {
		t.Fatalf("expected ErrInsufficientLiquidity, got %v", err)
	}
	debtBefore := f.vault.CurrentDebt(strategyAddr)
	if _, err := f.strat.Harvest(f.ctx, keeperAddr); !errors.Is(err, strategy.ErrInsufficientLiquidity) {
		t.Fatalf("expected harvest to abort with ErrInsufficientLiquidity, got %v", err)
	}
	if got := f.vault.CurrentDebt(strategyAddr); got.Cmp(debtBefore) != 0 {
		t.Fatalf("expected no report, debt moved from %s to %s", debtBefore, got)
	}
}

func TestAbsorbPolicyClampsToSlippageBound(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	f.harvest(t)
	f.venue.ShockPrice(-1_000)
	if err := f.venue.SetLiquidity(usd(1_000_000)); err != nil {
		t.Fatalf("set liquidity: %v", err)
	}
	limit, err := f.venue.MaxTradeSize(f.ctx, 50)
	if err != nil {
		t.Fatalf("max trade size: %v", err)
	}
	before := f.position(t)

	f.tend(t)
	after := f.position(t)
	grown := new(big.Int).Sub(after.Debt, before.Debt)
	if grown.Sign() <= 0 {
		t.Fatalf("expected partial progress, debt %s -> %s", before.Debt, after.Debt)
	}
	if grown.Cmp(limit) > 0 {
		t.Fatalf("expected growth bounded by %s, got %s", limit, grown)
	}
}

func TestAbsorbPolicyHarvestReportsThroughHaltedVenue(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	f.harvest(t)
	f.venue.ShockPrice(-1_000)
	f.venue.SetHalted(true)
	f.clock.Advance(2 * time.Hour)

	report := f.harvest(t)
	if report.Failures == 0 {
		t.Fatalf("expected venue failures to be recorded")
	}
	if report.Profit.Sign() <= 0 {
		t.Fatalf("expected the price drop to be reported as profit, got %s", report.Profit)
	}
}

var errRejected = errors.New("order rejected")

// rejectingVenue refuses every repayment and passes everything else through.
type rejectingVenue struct {
	strategy.Venue
}

func (v rejectingVenue) DecreaseDebt(ctx context.Context, account common.Address, order strategy.Order) (strategy.Fill, error) {
	return strategy.Fill{}, errRejected
}

func TestStrictPolicyRestoresCollateralAfterRejectedOrder(t *testing.T) {
	f := newFixture(t, fixtureConfig{policy: strategy.PolicyStrict})
	f.harvest(t)
	if err := f.strat.SetPerpVault(f.ctx, govAddr, rejectingVenue{f.venue}); err != nil {
		t.Fatalf("set perp vault: %v", err)
	}
	f.venue.ShockPrice(1_000)
	before := f.position(t)

	err := f.strat.Tend(f.ctx, keeperAddr)
	if !errors.Is(err, errRejected) {
		t.Fatalf("expected the rejection, got %v", err)
	}
	if after := f.position(t); !samePosition(before, after) {
		t.Fatalf("expected collateral restored, before %+v after %+v", before, after)
	}
	if got := f.strat.PerpVault(); got != venueAddr {
		t.Fatalf("expected venue %s, got %s", venueAddr, got)
	}
}
