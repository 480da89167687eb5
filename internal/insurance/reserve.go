// Package insurance holds a want reserve that covers a single strategy's realized losses
// and is topped up by a premium on its reported profit.
package insurance

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"perp-strategy/internal/strategy"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

const bpsScale = 10_000

var ErrInvalidConfiguration = errors.New("invalid insurance configuration")

type Asset interface {
	Address() common.Address
	BalanceOf(owner common.Address) *big.Int
	Transfer(from, to common.Address, amount *big.Int) error
}

type Options struct {
	Address  common.Address
	Want     Asset
	Strategy common.Address
	// PremiumBps of reported profit is paid into the reserve.
	PremiumBps uint64
	// MaxReserve stops premium collection once the balance reaches it. Nil is unbounded.
	MaxReserve *big.Int
	Log        *zap.Logger
}

type Reserve struct {
	address    common.Address
	want       Asset
	strategy   common.Address
	premiumBps uint64
	maxReserve *big.Int
	log        *zap.Logger

	mu       sync.Mutex
	absorbed *big.Int
}

func New(opts Options) (*Reserve, error) {
	if opts.Address == (common.Address{}) || opts.Strategy == (common.Address{}) || opts.Want == nil {
		return nil, fmt.Errorf("address, strategy and want are required: %w", ErrInvalidConfiguration)
	}
	if opts.PremiumBps > bpsScale {
		return nil, fmt.Errorf("premium %d bps out of range: %w", opts.PremiumBps, ErrInvalidConfiguration)
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	var maxReserve *big.Int
	if opts.MaxReserve != nil {
		maxReserve = new(big.Int).Set(opts.MaxReserve)
	}
	return &Reserve{
		address:    opts.Address,
		want:       opts.Want,
		strategy:   opts.Strategy,
		premiumBps: opts.PremiumBps,
		maxReserve: maxReserve,
		log:        log,
		absorbed:   new(big.Int),
	}, nil
}

func (r *Reserve) Address() common.Address { return r.address }

func (r *Reserve) CoverableBalance(ctx context.Context) (*big.Int, error) {
	return r.want.BalanceOf(r.address), nil
}

// Absorb sends up to amount of want to the strategy. Only the strategy may draw.
func (r *Reserve) Absorb(ctx context.Context, caller common.Address, amount *big.Int) (*big.Int, error) {
	if caller != r.strategy {
		return nil, fmt.Errorf("%s cannot draw insurance: %w", caller.Hex(), strategy.ErrUnauthorized)
	}
	if amount == nil || amount.Sign() <= 0 {
		return new(big.Int), nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	covered := computeCoverage(amount, r.want.BalanceOf(r.address))
	if covered.Sign() == 0 {
		return covered, nil
	}
	if err := r.want.Transfer(r.address, r.strategy, covered); err != nil {
		return nil, fmt.Errorf("pay cover: %w", err)
	}
	r.absorbed.Add(r.absorbed, covered)
	r.log.Info("loss covered", zap.String("requested", amount.String()), zap.String("covered", covered.String()))
	return covered, nil
}

// Premium is the cut of profit the reserve charges, limited by MaxReserve headroom.
func (r *Reserve) Premium(ctx context.Context, profit *big.Int) (*big.Int, error) {
	if profit == nil || profit.Sign() <= 0 || r.premiumBps == 0 {
		return new(big.Int), nil
	}
	premium := new(big.Int).Mul(profit, new(big.Int).SetUint64(r.premiumBps))
	premium.Quo(premium, big.NewInt(bpsScale))
	if r.maxReserve != nil {
		headroom := new(big.Int).Sub(r.maxReserve, r.want.BalanceOf(r.address))
		if headroom.Sign() <= 0 {
			return new(big.Int), nil
		}
		if premium.Cmp(headroom) > 0 {
			premium = headroom
		}
	}
	return premium, nil
}

// TotalAbsorbed is the want paid out over the reserve's lifetime.
func (r *Reserve) TotalAbsorbed() *big.Int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return new(big.Int).Set(r.absorbed)
}

func computeCoverage(loss, balance *big.Int) *big.Int {
	if balance.Sign() <= 0 {
		return new(big.Int)
	}
	if loss.Cmp(balance) <= 0 {
		return new(big.Int).Set(loss)
	}
	return new(big.Int).Set(balance)
}
