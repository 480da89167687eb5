package vault

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"perp-strategy/internal/token"

	"github.com/ethereum/go-ethereum/common"
)

var (
	govAddr      = common.HexToAddress("0x0a")
	userAddr     = common.HexToAddress("0x0d")
	otherAddr    = common.HexToAddress("0x0e")
	wantAddr     = common.HexToAddress("0x10")
	vaultAddr    = common.HexToAddress("0x20")
	strategyAddr = common.HexToAddress("0x40")
)

func usd(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000))
}

type fakeStrategy struct {
	address   common.Address
	want      *token.Token
	emergency bool
	loss      *big.Int
}

func (f *fakeStrategy) Address() common.Address { return f.address }

func (f *fakeStrategy) EmergencyExit() bool { return f.emergency }

func (f *fakeStrategy) Withdraw(ctx context.Context, caller common.Address, amount *big.Int) (*big.Int, error) {
	loss := new(big.Int)
	if f.loss != nil {
		loss = minBig(f.loss, amount)
	}
	send := minBig(new(big.Int).Sub(amount, loss), f.want.BalanceOf(f.address))
	if err := f.want.Transfer(f.address, caller, send); err != nil {
		return nil, err
	}
	return loss, nil
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

type harness struct {
	ctx   context.Context
	clock *clock
	want  *token.Token
	vault *Vault
	strat *fakeStrategy
}

// newHarness deposits 1000 want and lends half of it to a fake strategy.
func newHarness(t *testing.T, limit *big.Int) *harness {
	t.Helper()
	h := &harness{
		ctx:   context.Background(),
		clock: &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
		want:  token.New(wantAddr, "USDC", 6),
	}
	var err error
	h.vault, err = New(Options{Address: vaultAddr, Token: h.want, Governance: govAddr, DepositLimit: limit, Now: h.clock.Now})
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	h.strat = &fakeStrategy{address: strategyAddr, want: h.want}
	if err := h.vault.AddStrategy(govAddr, h.strat, 5_000, nil, nil); err != nil {
		t.Fatalf("add strategy: %v", err)
	}
	if err := h.want.Mint(userAddr, usd(1_000)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := h.vault.Deposit(h.ctx, userAddr, usd(1_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := h.vault.Report(h.ctx, strategyAddr, nil, nil, nil); err != nil {
		t.Fatalf("initial report: %v", err)
	}
	return h
}

func TestReportLendsCreditUpToDebtRatio(t *testing.T) {
	h := newHarness(t, nil)
	if got := h.vault.CurrentDebt(strategyAddr); got.Cmp(usd(500)) != 0 {
		t.Fatalf("expected debt 500, got %s", got)
	}
	if got := h.want.BalanceOf(strategyAddr); got.Cmp(usd(500)) != 0 {
		t.Fatalf("expected strategy to hold 500, got %s", got)
	}
	if got := h.vault.CreditAvailable(strategyAddr); got.Sign() != 0 {
		t.Fatalf("expected no further credit, got %s", got)
	}
	if got := h.vault.TotalAssets(); got.Cmp(usd(1_000)) != 0 {
		t.Fatalf("expected total assets unchanged, got %s", got)
	}
}

func TestProfitUnlocksOverDegradationWindow(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.want.Mint(strategyAddr, usd(100)); err != nil {
		t.Fatalf("mint gain: %v", err)
	}
	if _, err := h.vault.Report(h.ctx, strategyAddr, usd(100), nil, nil); err != nil {
		t.Fatalf("report: %v", err)
	}
	if got := h.vault.PricePerShare(); got.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("expected profit locked at report time, got %s", got)
	}
	h.clock.now = h.clock.now.Add(DegradationWindow / 2)
	if got := h.vault.PricePerShare(); got.Cmp(big.NewInt(1_050_000)) != 0 {
		t.Fatalf("expected half the profit unlocked, got %s", got)
	}
	h.clock.now = h.clock.now.Add(DegradationWindow)
	if got := h.vault.PricePerShare(); got.Cmp(big.NewInt(1_100_000)) != 0 {
		t.Fatalf("expected all profit unlocked, got %s", got)
	}
	params, _ := h.vault.StrategyParams(strategyAddr)
	if params.TotalGain.Cmp(usd(100)) != 0 || params.TotalDebt.Cmp(usd(500)) != 0 {
		t.Fatalf("unexpected params %+v", params)
	}
}

func TestReportedLossLowersSharePrice(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.vault.Report(h.ctx, strategyAddr, nil, usd(100), nil); err != nil {
		t.Fatalf("report: %v", err)
	}
	if got := h.vault.PricePerShare(); got.Cmp(big.NewInt(900_000)) != 0 {
		t.Fatalf("expected share price 0.9, got %s", got)
	}
	// 400 left after the loss, topped back up to half of the smaller vault.
	if got := h.vault.CurrentDebt(strategyAddr); got.Cmp(usd(450)) != 0 {
		t.Fatalf("expected debt 450, got %s", got)
	}
	if _, err := h.vault.Report(h.ctx, strategyAddr, nil, usd(1_000), nil); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected a loss above debt to be rejected, got %v", err)
	}
}

func TestReportRejectsShortBalance(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.vault.Report(h.ctx, strategyAddr, usd(100), nil, usd(500))
	if !errors.Is(err, ErrShortReport) {
		t.Fatalf("expected ErrShortReport, got %v", err)
	}
	if _, err := h.vault.Report(h.ctx, otherAddr, nil, nil, nil); !errors.Is(err, ErrUnknownStrategy) {
		t.Fatalf("expected ErrUnknownStrategy, got %v", err)
	}
}

func TestDebtOutstandingFollowsRatioAndExit(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.vault.UpdateStrategyDebtRatio(govAddr, strategyAddr, 2_000); err != nil {
		t.Fatalf("update ratio: %v", err)
	}
	if got := h.vault.DebtOutstanding(strategyAddr); got.Cmp(usd(300)) != 0 {
		t.Fatalf("expected 300 outstanding, got %s", got)
	}

	h.strat.emergency = true
	if got := h.vault.DebtOutstanding(strategyAddr); got.Cmp(usd(500)) != 0 {
		t.Fatalf("expected the whole debt outstanding, got %s", got)
	}
	if got := h.vault.CreditAvailable(strategyAddr); got.Sign() != 0 {
		t.Fatalf("expected no credit while exiting, got %s", got)
	}
	outstanding, err := h.vault.Report(h.ctx, strategyAddr, nil, nil, usd(500))
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if outstanding.Sign() != 0 || h.vault.TotalDebt().Sign() != 0 {
		t.Fatalf("expected debt repaid, outstanding %s total %s", outstanding, h.vault.TotalDebt())
	}
	if got := h.want.BalanceOf(vaultAddr); got.Cmp(usd(1_000)) != 0 {
		t.Fatalf("expected vault to hold everything, got %s", got)
	}
}

func TestShutdownStopsDepositsAndCredit(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.vault.SetEmergencyShutdown(userAddr, true); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := h.vault.SetEmergencyShutdown(govAddr, true); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := h.want.Mint(userAddr, usd(1)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := h.vault.Deposit(h.ctx, userAddr, usd(1)); !errors.Is(err, ErrShutdown) {
		t.Fatalf("expected ErrShutdown, got %v", err)
	}
	if got := h.vault.DebtOutstanding(strategyAddr); got.Cmp(usd(500)) != 0 {
		t.Fatalf("expected the whole debt outstanding, got %s", got)
	}
}

func TestStrategyRegistration(t *testing.T) {
	h := newHarness(t, nil)
	other := &fakeStrategy{address: otherAddr, want: h.want}
	if err := h.vault.AddStrategy(userAddr, other, 1_000, nil, nil); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := h.vault.AddStrategy(govAddr, h.strat, 1_000, nil, nil); !errors.Is(err, ErrStrategyExists) {
		t.Fatalf("expected ErrStrategyExists, got %v", err)
	}
	if err := h.vault.AddStrategy(govAddr, other, 6_000, nil, nil); !errors.Is(err, ErrDebtRatioLimit) {
		t.Fatalf("expected ErrDebtRatioLimit, got %v", err)
	}
	if err := h.vault.AddStrategy(govAddr, other, 5_000, nil, usd(100)); err != nil {
		t.Fatalf("add strategy: %v", err)
	}
	if got := h.vault.CreditAvailable(otherAddr); got.Cmp(usd(100)) != 0 {
		t.Fatalf("expected credit capped at 100 per harvest, got %s", got)
	}
	if got := h.vault.DebtRatio(); got != 10_000 {
		t.Fatalf("expected full allocation, got %d", got)
	}
}

func TestDepositLimit(t *testing.T) {
	h := newHarness(t, usd(1_500))
	if err := h.want.Mint(otherAddr, usd(600)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := h.vault.Deposit(h.ctx, otherAddr, usd(600)); !errors.Is(err, ErrDepositLimit) {
		t.Fatalf("expected ErrDepositLimit, got %v", err)
	}
	shares, err := h.vault.Deposit(h.ctx, otherAddr, usd(500))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if shares.Cmp(usd(500)) != 0 {
		t.Fatalf("expected 500 shares at par, got %s", shares)
	}
}

func TestWithdrawPullsFromStrategyWithLoss(t *testing.T) {
	h := newHarness(t, nil)
	h.strat.loss = usd(10)

	got, err := h.vault.Withdraw(h.ctx, userAddr, usd(800), userAddr, 200)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if got.Cmp(usd(790)) != 0 {
		t.Fatalf("expected 790 paid, got %s", got)
	}
	if bal := h.want.BalanceOf(userAddr); bal.Cmp(usd(790)) != 0 {
		t.Fatalf("expected user to receive 790, got %s", bal)
	}
	if shares := h.vault.BalanceOf(userAddr); shares.Cmp(usd(200)) != 0 {
		t.Fatalf("expected 200 shares left, got %s", shares)
	}
	params, _ := h.vault.StrategyParams(strategyAddr)
	if params.TotalDebt.Cmp(usd(200)) != 0 || params.TotalLoss.Cmp(usd(10)) != 0 {
		t.Fatalf("unexpected params debt %s loss %s", params.TotalDebt, params.TotalLoss)
	}
}

func TestWithdrawEnforcesMaxLoss(t *testing.T) {
	h := newHarness(t, nil)
	h.strat.loss = usd(10)
	_, err := h.vault.Withdraw(h.ctx, userAddr, usd(800), userAddr, 100)
	if !errors.Is(err, ErrMaxLoss) {
		t.Fatalf("expected ErrMaxLoss, got %v", err)
	}
	if shares := h.vault.BalanceOf(userAddr); shares.Cmp(usd(1_000)) != 0 {
		t.Fatalf("expected shares kept, got %s", shares)
	}
	params, _ := h.vault.StrategyParams(strategyAddr)
	if params.TotalLoss.Sign() != 0 {
		t.Fatalf("expected the rejected withdrawal to book no loss, got %s", params.TotalLoss)
	}
	if got := h.vault.TotalAssets(); got.Cmp(usd(1_000)) != 0 {
		t.Fatalf("expected vault assets unchanged at 1000, got %s", got)
	}
	if _, err := h.vault.Withdraw(h.ctx, userAddr, usd(2_000), userAddr, 100); !errors.Is(err, ErrInsufficientShares) {
		t.Fatalf("expected ErrInsufficientShares, got %v", err)
	}
}

func TestSharesAreTransferable(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.vault.Transfer(userAddr, otherAddr, usd(250)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if err := h.vault.Transfer(otherAddr, userAddr, usd(251)); !errors.Is(err, ErrInsufficientShares) {
		t.Fatalf("expected ErrInsufficientShares, got %v", err)
	}
	got, err := h.vault.Withdraw(h.ctx, otherAddr, nil, otherAddr, 0)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if got.Cmp(usd(250)) != 0 {
		t.Fatalf("expected 250 from idle want, got %s", got)
	}
	if supply := h.vault.TotalSupply(); supply.Cmp(usd(750)) != 0 {
		t.Fatalf("expected supply 750, got %s", supply)
	}
}
