package strategy_test

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"perp-strategy/internal/insurance"
	"perp-strategy/internal/strategy"
	"perp-strategy/internal/token"
	"perp-strategy/internal/venue"

	"github.com/ethereum/go-ethereum/common"
)

func TestGovernanceSettersRejectOtherCallers(t *testing.T) {
	f := newFixture(t, fixtureConfig{reserve: usd(10_000)})
	other, err := venue.NewPaper(venue.Options{
		Address:          common.HexToAddress("0x31"),
		Want:             f.want,
		InitialMarginBps: 500,
		Liquidity:        big.NewInt(1_000_000),
	})
	if err != nil {
		t.Fatalf("new venue: %v", err)
	}
	debt, collat := bandsFor(10_000)

	calls := map[string]func(caller common.Address) error{
		"debt thresholds": func(c common.Address) error {
			return f.strat.SetDebtThresholds(f.ctx, c, debt)
		},
		"collateral thresholds": func(c common.Address) error {
			return f.strat.SetCollateralThresholds(f.ctx, c, collat)
		},
		"slippage": func(c common.Address) error {
			return f.strat.SetSlippageConfig(c, 100)
		},
		"perp vault": func(c common.Address) error {
			return f.strat.SetPerpVault(f.ctx, c, other)
		},
		"insurance": func(c common.Address) error {
			return f.strat.SetInsurance(c, f.reserve)
		},
		"sweep": func(c common.Address) error {
			return f.strat.Sweep(f.ctx, c, token.New(common.HexToAddress("0x61"), "ARB", 18))
		},
	}
	for name, call := range calls {
		for _, caller := range []common.Address{strategistAddr, keeperAddr, randoAddr, {}} {
			if err := call(caller); !errors.Is(err, strategy.ErrUnauthorized) {
				t.Fatalf("%s by %s: expected ErrUnauthorized, got %v", name, caller.Hex(), err)
			}
		}
	}
	if got := f.strat.SlippageAdj(); got != 50 {
		t.Fatalf("expected slippage untouched, got %d", got)
	}
	if got := f.strat.PerpVault(); got != venueAddr {
		t.Fatalf("expected venue untouched, got %s", got.Hex())
	}
}

func TestVenueAndInsuranceSwap(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	if got := f.strat.Insurance(); got != (common.Address{}) {
		t.Fatalf("expected no insurance, got %s", got.Hex())
	}
	if err := f.strat.SetInsurance(govAddr, (*insurance.Reserve)(nil)); !errors.Is(err, strategy.ErrInvalidConfiguration) {
		t.Fatalf("expected a nil reserve rejected, got %v", err)
	}
	if err := f.strat.SetPerpVault(f.ctx, govAddr, (*venue.Paper)(nil)); !errors.Is(err, strategy.ErrInvalidConfiguration) {
		t.Fatalf("expected a nil venue rejected, got %v", err)
	}

	reserve, err := insurance.New(insurance.Options{
		Address:  common.HexToAddress("0x51"),
		Want:     f.want,
		Strategy: strategyAddr,
	})
	if err != nil {
		t.Fatalf("new reserve: %v", err)
	}
	if err := f.strat.SetInsurance(govAddr, reserve); err != nil {
		t.Fatalf("set insurance: %v", err)
	}
	if got := f.strat.Insurance(); got != common.HexToAddress("0x51") {
		t.Fatalf("expected insurance 0x51, got %s", got.Hex())
	}

	other, err := venue.NewPaper(venue.Options{
		Address:          common.HexToAddress("0x31"),
		Want:             f.want,
		InitialMarginBps: 500,
		Liquidity:        new(big.Int).Exp(big.NewInt(10), big.NewInt(20), nil),
	})
	if err != nil {
		t.Fatalf("new venue: %v", err)
	}
	if err := f.strat.SetPerpVault(f.ctx, govAddr, other); err != nil {
		t.Fatalf("set perp vault: %v", err)
	}
	if got := f.strat.PerpVault(); got != common.HexToAddress("0x31") {
		t.Fatalf("expected venue 0x31, got %s", got.Hex())
	}

	// The next harvest builds the book at the new venue.
	f.harvest(t)
	pos := f.position(t)
	assertRelBps(t, "debt ratio", pos.DebtRatio(), 10_000, 0.01)
	marks, err := other.MarkToMarket(f.ctx, strategyAddr)
	if err != nil {
		t.Fatalf("mark to market: %v", err)
	}
	if marks.Debt.Sign() == 0 {
		t.Fatalf("expected debt opened at the new venue")
	}
}

func TestKeeperEntryPointsRejectOtherCallers(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	if _, err := f.strat.Harvest(f.ctx, randoAddr); !errors.Is(err, strategy.ErrUnauthorized) {
		t.Fatalf("harvest: expected ErrUnauthorized, got %v", err)
	}
	if err := f.strat.Tend(f.ctx, userAddr); !errors.Is(err, strategy.ErrUnauthorized) {
		t.Fatalf("tend: expected ErrUnauthorized, got %v", err)
	}
	if err := f.strat.RebalanceCollateral(f.ctx, randoAddr); !errors.Is(err, strategy.ErrUnauthorized) {
		t.Fatalf("rebalance collateral: expected ErrUnauthorized, got %v", err)
	}
	if err := f.strat.SetHarvestTriggerParams(keeperAddr, f.strat.HarvestParams()); !errors.Is(err, strategy.ErrUnauthorized) {
		t.Fatalf("harvest params: expected ErrUnauthorized, got %v", err)
	}
	for _, caller := range []common.Address{govAddr, strategistAddr, keeperAddr} {
		if err := f.strat.Tend(f.ctx, caller); err != nil {
			t.Fatalf("tend by %s: %v", caller.Hex(), err)
		}
	}
}

func TestSettersValidateInput(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	cases := []struct {
		name string
		err  error
	}{
		{"inverted debt band", f.strat.SetDebtThresholds(f.ctx, govAddr, strategy.DebtThresholds{Lower: 10_500, Upper: 9_500})},
		{"multiple under initial margin", f.strat.SetDebtThresholds(f.ctx, govAddr, strategy.DebtThresholds{Lower: 1_000, Upper: 1_100, Multiple: 96_000})},
		{"inverted collateral band", f.strat.SetCollateralThresholds(f.ctx, govAddr, strategy.CollateralThresholds{Lower: 9_000, Upper: 8_000})},
		{"limit above band", f.strat.SetCollateralThresholds(f.ctx, govAddr, strategy.CollateralThresholds{Lower: 8_000, Upper: 9_000, Limit: 8_500})},
		{"slippage over 100%", f.strat.SetSlippageConfig(govAddr, 10_001)},
		{"nil venue", f.strat.SetPerpVault(f.ctx, govAddr, nil)},
		{"inverted report delays", f.strat.SetHarvestTriggerParams(strategistAddr, strategy.HarvestParams{MinReportDelay: time.Hour, MaxReportDelay: time.Minute})},
		{"zero keeper", f.strat.SetKeeper(govAddr, common.Address{})},
		{"zero strategist", f.strat.SetStrategist(govAddr, common.Address{})},
	}
	for _, tc := range cases {
		if !errors.Is(tc.err, strategy.ErrInvalidConfiguration) {
			t.Fatalf("%s: expected ErrInvalidConfiguration, got %v", tc.name, tc.err)
		}
	}
	if got := f.strat.DebtThresholds(); got.Multiple != 10_000 {
		t.Fatalf("expected the multiple untouched, got %d", got.Multiple)
	}

	strict, err := venue.NewPaper(venue.Options{
		Address:          common.HexToAddress("0x32"),
		Want:             f.want,
		InitialMarginBps: 9_500,
		Liquidity:        big.NewInt(1_000_000),
	})
	if err != nil {
		t.Fatalf("new venue: %v", err)
	}
	if err := f.strat.SetPerpVault(f.ctx, govAddr, strict); !errors.Is(err, strategy.ErrInvalidConfiguration) {
		t.Fatalf("expected a venue margin above the collateral target to be rejected, got %v", err)
	}
}

func TestGovernanceSettersApply(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	debt, collat := bandsFor(20_000)
	if err := f.strat.SetCollateralThresholds(f.ctx, govAddr, collat); err != nil {
		t.Fatalf("set collateral thresholds: %v", err)
	}
	if err := f.strat.SetDebtThresholds(f.ctx, govAddr, debt); err != nil {
		t.Fatalf("set debt thresholds: %v", err)
	}
	if got := f.strat.CollateralThresholds().Multiple; got != 20_000 {
		t.Fatalf("expected the collateral multiple to follow, got %d", got)
	}
	if err := f.strat.SetSlippageConfig(govAddr, 75); err != nil {
		t.Fatalf("set slippage: %v", err)
	}
	if got := f.strat.SlippageAdj(); got != 75 {
		t.Fatalf("expected slippage 75, got %d", got)
	}

	f.harvest(t)
	pos := f.position(t)
	assertRelBps(t, "debt ratio", pos.DebtRatio(), 5_000, 0.01)
	assertRelBps(t, "collateral ratio", pos.CollateralRatio(), strategy.TargetCollateral(20_000), 0.01)
}

func TestRoleRotation(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	if err := f.strat.SetKeeper(keeperAddr, randoAddr); !errors.Is(err, strategy.ErrUnauthorized) {
		t.Fatalf("expected a keeper to be unable to rotate itself, got %v", err)
	}
	if err := f.strat.SetKeeper(strategistAddr, randoAddr); err != nil {
		t.Fatalf("set keeper: %v", err)
	}
	if err := f.strat.Tend(f.ctx, keeperAddr); !errors.Is(err, strategy.ErrUnauthorized) {
		t.Fatalf("expected the old keeper to be rejected, got %v", err)
	}
	if err := f.strat.Tend(f.ctx, randoAddr); err != nil {
		t.Fatalf("tend by new keeper: %v", err)
	}

	if err := f.strat.SetStrategist(govAddr, userAddr); err != nil {
		t.Fatalf("set strategist: %v", err)
	}
	roles := f.strat.Roles()
	if roles.Strategist != userAddr || roles.Keeper != randoAddr || roles.Governance != govAddr {
		t.Fatalf("unexpected roles %+v", roles)
	}
	if err := f.strat.SetEmergencyExit(strategistAddr); !errors.Is(err, strategy.ErrUnauthorized) {
		t.Fatalf("expected the old strategist to be rejected, got %v", err)
	}
}

func TestSweepProtectsWantAndShares(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	f.harvest(t)

	err := f.strat.Sweep(f.ctx, govAddr, f.want)
	if !errors.Is(err, strategy.ErrUnsweepableWant) || !errors.Is(err, strategy.ErrUnsweepableAsset) {
		t.Fatalf("expected want to be unsweepable, got %v", err)
	}
	if err := f.vault.Transfer(userAddr, strategyAddr, usd(1)); err != nil {
		t.Fatalf("transfer shares: %v", err)
	}
	err = f.strat.Sweep(f.ctx, govAddr, f.vault)
	if !errors.Is(err, strategy.ErrUnsweepableShares) || !errors.Is(err, strategy.ErrUnsweepableAsset) {
		t.Fatalf("expected vault shares to be unsweepable, got %v", err)
	}
	if got := f.vault.BalanceOf(strategyAddr); got.Cmp(usd(1)) != 0 {
		t.Fatalf("expected shares to stay with the strategy, got %s", got)
	}

	airdrop := token.New(common.HexToAddress("0x60"), "ARB", 18)
	amount := big.NewInt(123_456_789)
	if err := airdrop.Mint(strategyAddr, amount); err != nil {
		t.Fatalf("mint: %v", err)
	}
	wantBefore := f.want.BalanceOf(strategyAddr)
	if err := f.strat.Sweep(f.ctx, govAddr, airdrop); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if got := airdrop.BalanceOf(govAddr); got.Cmp(amount) != 0 {
		t.Fatalf("expected governance to receive %s, got %s", amount, got)
	}
	if got := airdrop.BalanceOf(strategyAddr); got.Sign() != 0 {
		t.Fatalf("expected nothing left, got %s", got)
	}
	if got := f.want.BalanceOf(strategyAddr); got.Cmp(wantBefore) != 0 {
		t.Fatalf("expected want untouched, %s -> %s", wantBefore, got)
	}
}
