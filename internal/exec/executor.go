package exec

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"perp-strategy/internal/state"
	"perp-strategy/internal/strategy"
	"perp-strategy/internal/token"
	"perp-strategy/internal/venue"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

const fillKeyPrefix = "fill:"

type Options struct {
	Attempts int
	Backoff  time.Duration
	// Retryable reports whether a failed call may be attempted again.
	// Defaults to DefaultRetryable.
	Retryable func(error) bool
	Store     state.Store
	Log       *zap.Logger
}

// Executor wraps a venue with bounded retries and a durable fill cache keyed by
// client ID, so a trade replayed after a restart returns the original fill.
// Collateral moves are not retried because they carry no idempotency key.
type Executor struct {
	venue     strategy.Venue
	store     state.Store
	log       *zap.Logger
	attempts  int
	backoff   time.Duration
	retryable func(error) bool

	mu    sync.Mutex
	cache map[string]strategy.Fill
}

var _ strategy.Venue = (*Executor)(nil)

func New(venue strategy.Venue, opts Options) *Executor {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = 5
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	retryable := opts.Retryable
	if retryable == nil {
		retryable = DefaultRetryable
	}
	return &Executor{
		venue:     venue,
		store:     opts.Store,
		log:       log,
		attempts:  attempts,
		backoff:   backoff,
		retryable: retryable,
		cache:     make(map[string]strategy.Fill),
	}
}

// DefaultRetryable treats market refusals, deterministic rejections and cancellation
// as final.
func DefaultRetryable(err error) bool {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, strategy.ErrSlippageExceeded), errors.Is(err, strategy.ErrInsufficientLiquidity):
		return false
	case errors.Is(err, strategy.ErrUnauthorized), errors.Is(err, strategy.ErrInvalidConfiguration):
		return false
	case errors.Is(err, venue.ErrInsufficientMargin), errors.Is(err, venue.ErrInvalidAmount):
		return false
	case errors.Is(err, token.ErrInsufficientBalance), errors.Is(err, token.ErrInvalidAmount):
		return false
	}
	return true
}

func (e *Executor) Address() common.Address { return e.venue.Address() }

func (e *Executor) MarkToMarket(ctx context.Context, account common.Address) (strategy.Marks, error) {
	var marks strategy.Marks
	err := e.retry(ctx, "mark_to_market", func() error {
		var err error
		marks, err = e.venue.MarkToMarket(ctx, account)
		return err
	})
	return marks, err
}

func (e *Executor) InitialMarginBps(ctx context.Context) (uint64, error) {
	var bps uint64
	err := e.retry(ctx, "initial_margin", func() error {
		var err error
		bps, err = e.venue.InitialMarginBps(ctx)
		return err
	})
	return bps, err
}

func (e *Executor) MaxTradeSize(ctx context.Context, slippageBps uint64) (*big.Int, error) {
	var size *big.Int
	err := e.retry(ctx, "max_trade_size", func() error {
		var err error
		size, err = e.venue.MaxTradeSize(ctx, slippageBps)
		return err
	})
	return size, err
}

func (e *Executor) SettleFunding(ctx context.Context, account common.Address) error {
	return e.retry(ctx, "settle_funding", func() error {
		return e.venue.SettleFunding(ctx, account)
	})
}

func (e *Executor) PostCollateral(ctx context.Context, account common.Address, amount *big.Int) error {
	return e.venue.PostCollateral(ctx, account, amount)
}

func (e *Executor) WithdrawCollateral(ctx context.Context, account common.Address, amount *big.Int) error {
	return e.venue.WithdrawCollateral(ctx, account, amount)
}

func (e *Executor) IncreaseDebt(ctx context.Context, account common.Address, order strategy.Order) (strategy.Fill, error) {
	return e.trade(ctx, "increase_debt", order, func() (strategy.Fill, error) {
		return e.venue.IncreaseDebt(ctx, account, order)
	})
}

func (e *Executor) DecreaseDebt(ctx context.Context, account common.Address, order strategy.Order) (strategy.Fill, error) {
	return e.trade(ctx, "decrease_debt", order, func() (strategy.Fill, error) {
		return e.venue.DecreaseDebt(ctx, account, order)
	})
}

func (e *Executor) trade(ctx context.Context, op string, order strategy.Order, place func() (strategy.Fill, error)) (strategy.Fill, error) {
	if order.ClientID == "" {
		return e.placeWithRetry(ctx, op, place)
	}
	if fill, ok, err := e.cachedFill(ctx, order.ClientID); err != nil {
		return strategy.Fill{}, err
	} else if ok {
		return fill, nil
	}
	fill, err := e.placeWithRetry(ctx, op, place)
	if err != nil {
		return strategy.Fill{}, err
	}
	if fill.ClientID == "" {
		fill.ClientID = order.ClientID
	}
	e.rememberFill(ctx, fill)
	return fill, nil
}

func (e *Executor) placeWithRetry(ctx context.Context, op string, place func() (strategy.Fill, error)) (strategy.Fill, error) {
	var fill strategy.Fill
	err := e.retry(ctx, op, func() error {
		var err error
		fill, err = place()
		return err
	})
	if err != nil {
		return strategy.Fill{}, err
	}
	if fill.Size == nil || fill.Amount == nil {
		return strategy.Fill{}, errors.New("venue returned an empty fill")
	}
	return fill, nil
}

type storedFill struct {
	ClientID string `msgpack:"client_id"`
	Size     string `msgpack:"size"`
	Amount   string `msgpack:"amount"`
}

func (e *Executor) cachedFill(ctx context.Context, clientID string) (strategy.Fill, bool, error) {
	key := fillKeyPrefix + clientID
	e.mu.Lock()
	if fill, ok := e.cache[key]; ok {
		e.mu.Unlock()
		return fill, true, nil
	}
	e.mu.Unlock()
	if e.store == nil {
		return strategy.Fill{}, false, nil
	}
	raw, ok, err := e.store.Get(ctx, key)
	if err != nil || !ok {
		return strategy.Fill{}, false, err
	}
	var stored storedFill
	if err := msgpack.Unmarshal(raw, &stored); err != nil {
		return strategy.Fill{}, false, fmt.Errorf("decode fill %s: %w", clientID, err)
	}
	size, okSize := new(big.Int).SetString(stored.Size, 10)
	amount, okAmount := new(big.Int).SetString(stored.Amount, 10)
	if !okSize || !okAmount {
		return strategy.Fill{}, false, fmt.Errorf("decode fill %s: bad amounts", clientID)
	}
	fill := strategy.Fill{ClientID: stored.ClientID, Size: size, Amount: amount}
	e.mu.Lock()
	e.cache[key] = fill
	e.mu.Unlock()
	return fill, true, nil
}

func (e *Executor) rememberFill(ctx context.Context, fill strategy.Fill) {
	key := fillKeyPrefix + fill.ClientID
	e.mu.Lock()
	e.cache[key] = fill
	e.mu.Unlock()
	if e.store == nil {
		return
	}
	payload, err := msgpack.Marshal(storedFill{ClientID: fill.ClientID, Size: fill.Size.String(), Amount: fill.Amount.String()})
	if err == nil {
		err = e.store.Set(ctx, key, payload)
	}
	if err != nil {
		e.log.Warn("failed to persist fill", zap.String("client_id", fill.ClientID), zap.Error(err))
	}
}

func (e *Executor) retry(ctx context.Context, op string, fn func() error) error {
	backoff := e.backoff
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !e.retryable(err) {
			return err
		}
		if attempt >= e.attempts {
			return fmt.Errorf("%s failed after %d attempts: %w", op, attempt, err)
		}
		e.log.Debug("venue call failed, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
}
