// Package vault is an in-process capital pool that lends want to strategies and issues
// shares to depositors.
package vault

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

const (
	maxBps = 10_000
	// DegradationWindow is how long reported profit takes to unlock into the share price.
	DegradationWindow = 6 * time.Hour
)

var (
	ErrUnauthorized       = errors.New("caller not governance")
	ErrUnknownStrategy    = errors.New("unknown strategy")
	ErrStrategyExists     = errors.New("strategy already added")
	ErrDebtRatioLimit     = errors.New("debt ratio above 100%")
	ErrDepositLimit       = errors.New("deposit limit exceeded")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrInsufficientShares = errors.New("insufficient shares")
	ErrMaxLoss            = errors.New("withdrawal loss above max loss")
	ErrShortReport        = errors.New("strategy balance below reported amounts")
	ErrShutdown           = errors.New("vault shut down")
)

type Asset interface {
	Address() common.Address
	Decimals() uint8
	BalanceOf(owner common.Address) *big.Int
	Transfer(from, to common.Address, amount *big.Int) error
}

// Strategy is what the vault needs from a strategy it lends to.
type Strategy interface {
	Address() common.Address
	Withdraw(ctx context.Context, caller common.Address, amount *big.Int) (*big.Int, error)
	EmergencyExit() bool
}

// StrategyParams is the vault's accounting for one strategy.
type StrategyParams struct {
	DebtRatio         uint64
	MinDebtPerHarvest *big.Int
	MaxDebtPerHarvest *big.Int
	TotalDebt         *big.Int
	TotalGain         *big.Int
	TotalLoss         *big.Int
	Activation        time.Time
	LastReport        time.Time
}

type Options struct {
	Address      common.Address
	Token        Asset
	Governance   common.Address
	DepositLimit *big.Int
	Now          func() time.Time
	Log          *zap.Logger
}

type Vault struct {
	address    common.Address
	token      Asset
	governance common.Address
	now        func() time.Time
	log        *zap.Logger

	withdrawMu sync.Mutex

	mu           sync.Mutex
	depositLimit *big.Int
	shutdown     bool
	supply       *big.Int
	shares       map[common.Address]*big.Int
	strategies   map[common.Address]*StrategyParams
	handles      map[common.Address]Strategy
	queue        []common.Address
	debtRatio    uint64
	totalDebt    *big.Int
	lockedProfit *big.Int
	lastReport   time.Time
}

func New(opts Options) (*Vault, error) {
	if opts.Address == (common.Address{}) || opts.Token == nil {
		return nil, errors.New("vault address and token are required")
	}
	if opts.Governance == (common.Address{}) {
		return nil, errors.New("vault governance is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	var limit *big.Int
	if opts.DepositLimit != nil {
		limit = new(big.Int).Set(opts.DepositLimit)
	}
	return &Vault{
		address:      opts.Address,
		token:        opts.Token,
		governance:   opts.Governance,
		now:          now,
		log:          log,
		depositLimit: limit,
		supply:       new(big.Int),
		shares:       make(map[common.Address]*big.Int),
		strategies:   make(map[common.Address]*StrategyParams),
		handles:      make(map[common.Address]Strategy),
		totalDebt:    new(big.Int),
		lockedProfit: new(big.Int),
		lastReport:   now(),
	}, nil
}

func (v *Vault) Address() common.Address { return v.address }

// ShareToken is the vault itself: shares are transferable balances held here.
func (v *Vault) ShareToken() common.Address { return v.address }

func (v *Vault) Token() common.Address { return v.token.Address() }

func (v *Vault) Decimals() uint8 { return v.token.Decimals() }

func (v *Vault) AddStrategy(caller common.Address, strategy Strategy, debtRatio uint64, minDebtPerHarvest, maxDebtPerHarvest *big.Int) error {
	if caller != v.governance {
		return ErrUnauthorized
	}
	if strategy == nil {
		return fmt.Errorf("strategy required: %w", ErrUnknownStrategy)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	addr := strategy.Address()
	if _, ok := v.strategies[addr]; ok {
		return fmt.Errorf("%s: %w", addr.Hex(), ErrStrategyExists)
	}
	if v.debtRatio+debtRatio > maxBps {
		return fmt.Errorf("total %d bps: %w", v.debtRatio+debtRatio, ErrDebtRatioLimit)
	}
	now := v.now()
	v.strategies[addr] = &StrategyParams{
		DebtRatio:         debtRatio,
		MinDebtPerHarvest: orZero(minDebtPerHarvest),
		MaxDebtPerHarvest: copyOrNil(maxDebtPerHarvest),
		TotalDebt:         new(big.Int),
		TotalGain:         new(big.Int),
		TotalLoss:         new(big.Int),
		Activation:        now,
		LastReport:        now,
	}
	v.handles[addr] = strategy
	v.queue = append(v.queue, addr)
	v.debtRatio += debtRatio
	v.log.Info("strategy added", zap.String("strategy", addr.Hex()), zap.Uint64("debt_ratio_bps", debtRatio))
	return nil
}

func (v *Vault) UpdateStrategyDebtRatio(caller, strategy common.Address, debtRatio uint64) error {
	if caller != v.governance {
		return ErrUnauthorized
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	params, ok := v.strategies[strategy]
	if !ok {
		return fmt.Errorf("%s: %w", strategy.Hex(), ErrUnknownStrategy)
	}
	next := v.debtRatio - params.DebtRatio + debtRatio
	if next > maxBps {
		return fmt.Errorf("total %d bps: %w", next, ErrDebtRatioLimit)
	}
	v.debtRatio = next
	params.DebtRatio = debtRatio
	v.log.Info("strategy debt ratio updated", zap.String("strategy", strategy.Hex()), zap.Uint64("debt_ratio_bps", debtRatio))
	return nil
}

func (v *Vault) SetEmergencyShutdown(caller common.Address, active bool) error {
	if caller != v.governance {
		return ErrUnauthorized
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.shutdown = active
	return nil
}

func (v *Vault) StrategyParams(strategy common.Address) (StrategyParams, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	params, ok := v.strategies[strategy]
	if !ok {
		return StrategyParams{}, false
	}
	out := *params
	out.MinDebtPerHarvest = copyOrNil(params.MinDebtPerHarvest)
	out.MaxDebtPerHarvest = copyOrNil(params.MaxDebtPerHarvest)
	out.TotalDebt = new(big.Int).Set(params.TotalDebt)
	out.TotalGain = new(big.Int).Set(params.TotalGain)
	out.TotalLoss = new(big.Int).Set(params.TotalLoss)
	return out, true
}

func (v *Vault) DebtRatio() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.debtRatio
}

func (v *Vault) TotalAssets() *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.totalAssets()
}

func (v *Vault) TotalDebt() *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return new(big.Int).Set(v.totalDebt)
}

func (v *Vault) TotalSupply() *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return new(big.Int).Set(v.supply)
}

func (v *Vault) CurrentDebt(strategy common.Address) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	if params, ok := v.strategies[strategy]; ok {
		return new(big.Int).Set(params.TotalDebt)
	}
	return new(big.Int)
}

func (v *Vault) DebtOutstanding(strategy common.Address) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.debtOutstanding(strategy)
}

func (v *Vault) CreditAvailable(strategy common.Address) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.creditAvailable(strategy)
}

func (v *Vault) LastReport(strategy common.Address) time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	if params, ok := v.strategies[strategy]; ok {
		return params.LastReport
	}
	return time.Time{}
}

// PricePerShare is the want value of one whole share, net of locked profit.
func (v *Vault) PricePerShare() *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	one := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(v.token.Decimals())), nil)
	return v.shareValue(one)
}

func (v *Vault) totalAssets() *big.Int {
	return new(big.Int).Add(v.token.BalanceOf(v.address), v.totalDebt)
}

func (v *Vault) freeFunds() *big.Int {
	free := new(big.Int).Sub(v.totalAssets(), v.calculateLockedProfit())
	if free.Sign() < 0 {
		return free.SetInt64(0)
	}
	return free
}

func (v *Vault) calculateLockedProfit() *big.Int {
	elapsed := v.now().Sub(v.lastReport)
	if elapsed >= DegradationWindow || v.lockedProfit.Sign() == 0 {
		return new(big.Int)
	}
	if elapsed < 0 {
		elapsed = 0
	}
	remaining := new(big.Int).Mul(v.lockedProfit, big.NewInt(int64(DegradationWindow-elapsed)))
	return remaining.Quo(remaining, big.NewInt(int64(DegradationWindow)))
}

func (v *Vault) shareValue(shares *big.Int) *big.Int {
	if v.supply.Sign() == 0 {
		return new(big.Int).Set(shares)
	}
	out := new(big.Int).Mul(shares, v.freeFunds())
	return out.Quo(out, v.supply)
}

func (v *Vault) sharesForAmount(amount *big.Int) *big.Int {
	free := v.freeFunds()
	if free.Sign() == 0 {
		return new(big.Int)
	}
	out := new(big.Int).Mul(amount, v.supply)
	return out.Quo(out, free)
}

func (v *Vault) debtOutstanding(strategy common.Address) *big.Int {
	params, ok := v.strategies[strategy]
	if !ok {
		return new(big.Int)
	}
	if v.debtRatio == 0 || v.shutdown || v.inEmergency(strategy) {
		return new(big.Int).Set(params.TotalDebt)
	}
	limit := mulBps(v.totalAssets(), params.DebtRatio)
	if params.TotalDebt.Cmp(limit) <= 0 {
		return new(big.Int)
	}
	return new(big.Int).Sub(params.TotalDebt, limit)
}

func (v *Vault) creditAvailable(strategy common.Address) *big.Int {
	params, ok := v.strategies[strategy]
	if !ok || v.shutdown || v.inEmergency(strategy) {
		return new(big.Int)
	}
	total := v.totalAssets()
	vaultLimit := mulBps(total, v.debtRatio)
	strategyLimit := mulBps(total, params.DebtRatio)
	if strategyLimit.Cmp(params.TotalDebt) <= 0 || vaultLimit.Cmp(v.totalDebt) <= 0 {
		return new(big.Int)
	}
	available := new(big.Int).Sub(strategyLimit, params.TotalDebt)
	available = minBig(available, new(big.Int).Sub(vaultLimit, v.totalDebt))
	available = minBig(available, v.token.BalanceOf(v.address))
	if available.Cmp(params.MinDebtPerHarvest) < 0 {
		return new(big.Int)
	}
	if params.MaxDebtPerHarvest != nil {
		available = minBig(available, params.MaxDebtPerHarvest)
	}
	return available
}

func (v *Vault) inEmergency(strategy common.Address) bool {
	handle, ok := v.handles[strategy]
	return ok && handle.EmergencyExit()
}

func (v *Vault) reportLoss(params *StrategyParams, loss *big.Int) {
	loss = minBig(loss, params.TotalDebt)
	params.TotalLoss.Add(params.TotalLoss, loss)
	params.TotalDebt.Sub(params.TotalDebt, loss)
	v.totalDebt.Sub(v.totalDebt, loss)
}

func mulBps(amount *big.Int, bps uint64) *big.Int {
	out := new(big.Int).Mul(amount, new(big.Int).SetUint64(bps))
	return out.Quo(out, big.NewInt(maxBps))
}

func minBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

func copyOrNil(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
