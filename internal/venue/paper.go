// Package venue provides a paper perpetual venue: a single market with a mark price, linear
// price impact, a trading fee, initial margin checks and funding accrual.
package venue

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"perp-strategy/internal/strategy"
	"perp-strategy/internal/units"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

const bpsScale = 10_000

var (
	ErrInsufficientMargin = errors.New("insufficient margin")
	ErrHalted             = fmt.Errorf("venue halted: %w", strategy.ErrInsufficientLiquidity)
	ErrInvalidAmount      = errors.New("invalid amount")
)

var priceScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(units.PriceDecimals), nil)

// Asset is the want token. The venue mints and burns it for flows with the outside market.
type Asset interface {
	Address() common.Address
	BalanceOf(owner common.Address) *big.Int
	Transfer(from, to common.Address, amount *big.Int) error
	Mint(to common.Address, amount *big.Int) error
	Burn(from common.Address, amount *big.Int) error
}

type Options struct {
	Address          common.Address
	Want             Asset
	MarkPrice        *big.Int
	InitialMarginBps uint64
	FeeBps           uint64
	// Liquidity is the depth, in want, that moves the price by 100%.
	Liquidity *big.Int
	Log       *zap.Logger
}

type account struct {
	collateral *big.Int
	units      *big.Int
	pending    *big.Int
}

type Paper struct {
	address common.Address
	want    Asset
	log     *zap.Logger

	mu        sync.Mutex
	price     *big.Int
	imr       uint64
	feeBps    uint64
	liquidity *big.Int
	halted    bool
	accounts  map[common.Address]*account
	fills     map[string]strategy.Fill
}

func NewPaper(opts Options) (*Paper, error) {
	if opts.Address == (common.Address{}) || opts.Want == nil {
		return nil, errors.New("venue address and want token are required")
	}
	if opts.Liquidity == nil || opts.Liquidity.Sign() <= 0 {
		return nil, errors.New("venue liquidity must be positive")
	}
	if opts.InitialMarginBps == 0 || opts.InitialMarginBps > bpsScale {
		return nil, fmt.Errorf("initial margin %d bps out of range", opts.InitialMarginBps)
	}
	price := new(big.Int).Set(priceScale)
	if opts.MarkPrice != nil && opts.MarkPrice.Sign() > 0 {
		price.Set(opts.MarkPrice)
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Paper{
		address:   opts.Address,
		want:      opts.Want,
		log:       log,
		price:     price,
		imr:       opts.InitialMarginBps,
		feeBps:    opts.FeeBps,
		liquidity: new(big.Int).Set(opts.Liquidity),
		accounts:  make(map[common.Address]*account),
		fills:     make(map[string]strategy.Fill),
	}, nil
}

func (p *Paper) Address() common.Address { return p.address }

func (p *Paper) MarkToMarket(ctx context.Context, owner common.Address) (strategy.Marks, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	acct := p.account(owner)
	return strategy.Marks{
		Collateral:     new(big.Int).Set(acct.collateral),
		Debt:           p.debtValue(acct),
		PendingFunding: new(big.Int).Set(acct.pending),
	}, nil
}

func (p *Paper) InitialMarginBps(ctx context.Context) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.imr, nil
}

// MaxTradeSize is the largest trade whose fee plus impact stays within slippageBps.
func (p *Paper) MaxTradeSize(ctx context.Context, slippageBps uint64) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.halted || slippageBps <= p.feeBps {
		return new(big.Int), nil
	}
	out := new(big.Int).Mul(p.liquidity, new(big.Int).SetUint64(slippageBps-p.feeBps))
	return out.Quo(out, big.NewInt(bpsScale)), nil
}

func (p *Paper) SettleFunding(ctx context.Context, owner common.Address) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.halted {
		return ErrHalted
	}
	acct := p.account(owner)
	pending := acct.pending
	switch pending.Sign() {
	case 0:
		return nil
	case 1:
		if err := p.want.Mint(p.address, pending); err != nil {
			return fmt.Errorf("credit funding: %w", err)
		}
		acct.collateral.Add(acct.collateral, pending)
	default:
		owed := new(big.Int).Neg(pending)
		paid := minBig(owed, acct.collateral)
		if paid.Sign() > 0 {
			if err := p.want.Burn(p.address, paid); err != nil {
				return fmt.Errorf("debit funding: %w", err)
			}
			acct.collateral.Sub(acct.collateral, paid)
		}
		if rest := new(big.Int).Sub(owed, paid); rest.Sign() > 0 {
			acct.units.Add(acct.units, p.toUnits(rest))
		}
	}
	p.log.Debug("funding settled", zap.String("account", owner.Hex()), zap.String("amount", pending.String()))
	acct.pending = new(big.Int)
	return nil
}

func (p *Paper) PostCollateral(ctx context.Context, owner common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.halted {
		return ErrHalted
	}
	if err := p.want.Transfer(owner, p.address, amount); err != nil {
		return fmt.Errorf("post collateral: %w", err)
	}
	acct := p.account(owner)
	acct.collateral.Add(acct.collateral, amount)
	return nil
}

func (p *Paper) WithdrawCollateral(ctx context.Context, owner common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.halted {
		return ErrHalted
	}
	acct := p.account(owner)
	if amount.Cmp(acct.collateral) > 0 {
		return fmt.Errorf("withdraw %s of %s collateral: %w", amount, acct.collateral, ErrInsufficientMargin)
	}
	left := new(big.Int).Sub(acct.collateral, amount)
	if required := p.requiredMargin(p.debtValue(acct)); left.Cmp(required) < 0 {
		return fmt.Errorf("collateral %s below margin %s: %w", left, required, ErrInsufficientMargin)
	}
	if err := p.want.Transfer(p.address, owner, amount); err != nil {
		return fmt.Errorf("withdraw collateral: %w", err)
	}
	acct.collateral = left
	return nil
}

// IncreaseDebt sells order.Size of the borrowed asset and pays the proceeds to owner.
func (p *Paper) IncreaseDebt(ctx context.Context, owner common.Address, order strategy.Order) (strategy.Fill, error) {
	if order.Size == nil || order.Size.Sign() <= 0 {
		return strategy.Fill{}, ErrInvalidAmount
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if fill, ok := p.fills[order.ClientID]; ok && order.ClientID != "" {
		return fill, nil
	}
	if p.halted {
		return strategy.Fill{}, ErrHalted
	}
	acct := p.account(owner)
	next := new(big.Int).Add(p.debtValue(acct), order.Size)
	if required := p.requiredMargin(next); acct.collateral.Cmp(required) < 0 {
		return strategy.Fill{}, fmt.Errorf("collateral %s below margin %s for debt %s: %w", acct.collateral, required, next, ErrInsufficientMargin)
	}
	proceeds := new(big.Int).Sub(order.Size, p.tradeCost(order.Size))
	if proceeds.Sign() <= 0 || (order.Limit != nil && proceeds.Cmp(order.Limit) < 0) {
		return strategy.Fill{}, fmt.Errorf("proceeds %s below limit %s: %w", proceeds, order.Limit, strategy.ErrSlippageExceeded)
	}
	if err := p.want.Mint(owner, proceeds); err != nil {
		return strategy.Fill{}, fmt.Errorf("pay proceeds: %w", err)
	}
	acct.units.Add(acct.units, p.toUnits(order.Size))
	fill := strategy.Fill{ClientID: order.ClientID, Size: new(big.Int).Set(order.Size), Amount: proceeds}
	p.remember(fill)
	return fill, nil
}

// DecreaseDebt buys back order.Size of debt value, or all of it when Size covers the debt.
func (p *Paper) DecreaseDebt(ctx context.Context, owner common.Address, order strategy.Order) (strategy.Fill, error) {
	if order.Size == nil || order.Size.Sign() <= 0 {
		return strategy.Fill{}, ErrInvalidAmount
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if fill, ok := p.fills[order.ClientID]; ok && order.ClientID != "" {
		return fill, nil
	}
	if p.halted {
		return strategy.Fill{}, ErrHalted
	}
	acct := p.account(owner)
	value := p.debtValue(acct)
	if value.Sign() == 0 {
		return strategy.Fill{}, fmt.Errorf("no debt to repay: %w", ErrInvalidAmount)
	}
	closing := order.Size.Cmp(value) >= 0
	size := minBig(order.Size, value)
	cost := new(big.Int).Add(size, p.tradeCost(size))
	if order.Limit != nil && cost.Cmp(order.Limit) > 0 {
		return strategy.Fill{}, fmt.Errorf("cost %s above limit %s: %w", cost, order.Limit, strategy.ErrSlippageExceeded)
	}
	if err := p.want.Burn(owner, cost); err != nil {
		return strategy.Fill{}, fmt.Errorf("pay repayment: %w", err)
	}
	if closing {
		acct.units.SetInt64(0)
	} else {
		acct.units.Sub(acct.units, p.toUnits(size))
		if acct.units.Sign() < 0 {
			acct.units.SetInt64(0)
		}
	}
	fill := strategy.Fill{ClientID: order.ClientID, Size: size, Amount: cost}
	p.remember(fill)
	return fill, nil
}

func (p *Paper) account(owner common.Address) *account {
	acct, ok := p.accounts[owner]
	if !ok {
		acct = &account{collateral: new(big.Int), units: new(big.Int), pending: new(big.Int)}
		p.accounts[owner] = acct
	}
	return acct
}

func (p *Paper) remember(fill strategy.Fill) {
	if fill.ClientID != "" {
		p.fills[fill.ClientID] = fill
	}
}

func (p *Paper) debtValue(acct *account) *big.Int {
	out := new(big.Int).Mul(acct.units, p.price)
	return out.Quo(out, priceScale)
}

func (p *Paper) toUnits(value *big.Int) *big.Int {
	out := new(big.Int).Mul(value, priceScale)
	return out.Quo(out, p.price)
}

func (p *Paper) requiredMargin(debt *big.Int) *big.Int {
	out := new(big.Int).Mul(debt, new(big.Int).SetUint64(p.imr))
	out.Add(out, big.NewInt(bpsScale-1))
	return out.Quo(out, big.NewInt(bpsScale))
}

// tradeCost is the fee plus linear impact of trading size.
func (p *Paper) tradeCost(size *big.Int) *big.Int {
	fee := new(big.Int).Mul(size, new(big.Int).SetUint64(p.feeBps))
	fee.Quo(fee, big.NewInt(bpsScale))
	impact := new(big.Int).Mul(size, size)
	impact.Quo(impact, p.liquidity)
	return fee.Add(fee, impact)
}

func minBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}
