package strategy

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"perp-strategy/internal/metrics"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrUnauthorized          = errors.New("caller not authorized")
	ErrInvalidConfiguration  = errors.New("invalid configuration")
	ErrSlippageExceeded      = errors.New("slippage exceeded")
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	ErrUnsweepableAsset      = errors.New("not sweepable")
	ErrUnsweepableWant       = fmt.Errorf("want token %w", ErrUnsweepableAsset)
	ErrUnsweepableShares     = fmt.Errorf("vault shares %w", ErrUnsweepableAsset)
)

type Options struct {
	Address    common.Address
	Name       string
	Want       Asset
	Ledger     Ledger
	Venue      Venue
	Insurance  Insurance
	Roles      Roles
	Debt       DebtThresholds
	Collateral CollateralThresholds
	// SlippageAdj bounds every venue trade, in bps.
	SlippageAdj uint64
	Dust        *big.Int
	Harvest     HarvestParams
	Policy      FailurePolicy
	Log         *zap.Logger
	Metrics     *metrics.Metrics
	Now         func() time.Time
	ClientID    func() string
}

// Strategy runs a leveraged position on a perpetual venue for a single ledger.
// Every public call runs to completion under mu.
type Strategy struct {
	address common.Address
	name    string
	want    Asset
	ledger  Ledger
	access  *AccessControl
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	newClientID func() string

	mu            sync.Mutex
	venue         Venue
	insurance     Insurance
	debt          DebtThresholds
	collat        CollateralThresholds
	slippageAdj   uint64
	dust          *big.Int
	harvestParams HarvestParams
	policy        FailurePolicy

	emergency atomic.Bool
	lifecycle *StateMachine
}

func New(ctx context.Context, opts Options) (*Strategy, error) {
	if opts.Address == (common.Address{}) {
		return nil, fmt.Errorf("strategy address required: %w", ErrInvalidConfiguration)
	}
	if opts.Want == nil || opts.Ledger == nil || isNil(opts.Venue) {
		return nil, fmt.Errorf("want, ledger and venue are required: %w", ErrInvalidConfiguration)
	}
	access, err := NewAccessControl(opts.Roles, opts.Ledger.Address())
	if err != nil {
		return nil, err
	}
	if err := opts.Debt.validate(); err != nil {
		return nil, err
	}
	if err := opts.Collateral.validate(); err != nil {
		return nil, err
	}
	if opts.SlippageAdj > bpsScale {
		return nil, fmt.Errorf("slippage %d bps out of range: %w", opts.SlippageAdj, ErrInvalidConfiguration)
	}
	policy := opts.Policy
	switch policy {
	case "":
		policy = PolicyAbsorb
	case PolicyAbsorb, PolicyStrict:
	default:
		return nil, fmt.Errorf("unknown failure policy %q: %w", policy, ErrInvalidConfiguration)
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.NewNoop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	clientID := opts.ClientID
	if clientID == nil {
		clientID = uuid.NewString
	}
	params := opts.Harvest
	params.DebtThreshold = clone(params.DebtThreshold)

	s := &Strategy{
		address:       opts.Address,
		name:          opts.Name,
		want:          opts.Want,
		ledger:        opts.Ledger,
		access:        access,
		log:           log.With(zap.String("strategy", opts.Name)),
		metrics:       m,
		now:           now,
		newClientID:   clientID,
		venue:         opts.Venue,
		insurance:     insuranceOrNil(opts.Insurance),
		debt:          opts.Debt,
		collat:        opts.Collateral,
		slippageAdj:   opts.SlippageAdj,
		dust:          clone(opts.Dust),
		harvestParams: params,
		policy:        policy,
		lifecycle:     NewStateMachine(),
	}
	s.collat.Multiple = s.debt.Multiple
	if err := s.checkMultiple(ctx, s.venue, s.debt.Multiple); err != nil {
		return nil, err
	}
	return s, nil
}

// checkMultiple rejects multiples whose collateral level sits under the venue's initial margin.
func (s *Strategy) checkMultiple(ctx context.Context, venue Venue, multiple uint64) error {
	imr, err := venue.InitialMarginBps(ctx)
	if err != nil {
		return fmt.Errorf("initial margin: %w", err)
	}
	if level := TargetCollateral(multiple); level < imr {
		return fmt.Errorf("multiple %d needs collateral %d bps, venue requires %d: %w", multiple, level, imr, ErrInvalidConfiguration)
	}
	return nil
}

func (s *Strategy) Address() common.Address { return s.address }

func (s *Strategy) Name() string { return s.name }

func (s *Strategy) Want() common.Address { return s.want.Address() }

func (s *Strategy) Ledger() common.Address { return s.ledger.Address() }

func (s *Strategy) Roles() Roles { return s.access.Roles() }

// EmergencyExit reports the one-way exit flag without taking the strategy lock.
func (s *Strategy) EmergencyExit() bool { return s.emergency.Load() }

func (s *Strategy) State() State { return s.lifecycle.Current() }

func (s *Strategy) DebtThresholds() DebtThresholds {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.debt
}

func (s *Strategy) CollateralThresholds() CollateralThresholds {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collat
}

func (s *Strategy) SlippageAdj() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slippageAdj
}

func (s *Strategy) PerpVault() common.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.venue.Address()
}

func (s *Strategy) Insurance() common.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insurance == nil {
		return common.Address{}
	}
	return s.insurance.Address()
}

func (s *Strategy) HarvestParams() HarvestParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	params := s.harvestParams
	params.DebtThreshold = clone(params.DebtThreshold)
	return params
}

func (s *Strategy) Policy() FailurePolicy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policy
}

// SetDebtThresholds replaces the debt band. A zero Multiple keeps the current one.
func (s *Strategy) SetDebtThresholds(ctx context.Context, caller common.Address, cfg DebtThresholds) error {
	if err := s.access.RequireGovernance(caller); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.Multiple == 0 {
		cfg.Multiple = s.debt.Multiple
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	if err := s.checkMultiple(ctx, s.venue, cfg.Multiple); err != nil {
		return err
	}
	s.debt = cfg
	s.collat.Multiple = cfg.Multiple
	s.log.Info("debt thresholds updated",
		zap.Uint64("lower", cfg.Lower),
		zap.Uint64("upper", cfg.Upper),
		zap.Uint64("multiple", cfg.Multiple),
	)
	return nil
}

// SetCollateralThresholds replaces the collateral band. A non-zero Multiple also replaces
// the shared debt multiple.
func (s *Strategy) SetCollateralThresholds(ctx context.Context, caller common.Address, cfg CollateralThresholds) error {
	if err := s.access.RequireGovernance(caller); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := cfg.validate(); err != nil {
		return err
	}
	multiple := s.debt.Multiple
	if cfg.Multiple != 0 {
		if err := s.checkMultiple(ctx, s.venue, cfg.Multiple); err != nil {
			return err
		}
		multiple = cfg.Multiple
	}
	s.debt.Multiple = multiple
	cfg.Multiple = multiple
	s.collat = cfg
	s.log.Info("collateral thresholds updated",
		zap.Uint64("lower", cfg.Lower),
		zap.Uint64("upper", cfg.Upper),
		zap.Uint64("limit", cfg.Limit),
		zap.Uint64("multiple", multiple),
	)
	return nil
}

func (s *Strategy) SetSlippageConfig(caller common.Address, slippageBps uint64) error {
	if err := s.access.RequireGovernance(caller); err != nil {
		return err
	}
	if slippageBps > bpsScale {
		return fmt.Errorf("slippage %d bps out of range: %w", slippageBps, ErrInvalidConfiguration)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slippageAdj = slippageBps
	s.log.Info("slippage updated", zap.Uint64("slippage_bps", slippageBps))
	return nil
}

// SetPerpVault points the strategy at another venue. Positions at the old venue are not
// migrated.
func (s *Strategy) SetPerpVault(ctx context.Context, caller common.Address, venue Venue) error {
	if err := s.access.RequireGovernance(caller); err != nil {
		return err
	}
	if isNil(venue) || venue.Address() == (common.Address{}) {
		return fmt.Errorf("venue required: %w", ErrInvalidConfiguration)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkMultiple(ctx, venue, s.debt.Multiple); err != nil {
		return err
	}
	s.venue = venue
	s.log.Info("perp vault updated", zap.String("venue", venue.Address().Hex()))
	return nil
}

func (s *Strategy) SetInsurance(caller common.Address, insurance Insurance) error {
	if err := s.access.RequireGovernance(caller); err != nil {
		return err
	}
	if isNil(insurance) || insurance.Address() == (common.Address{}) {
		return fmt.Errorf("insurance required: %w", ErrInvalidConfiguration)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insurance = insurance
	s.log.Info("insurance updated", zap.String("insurance", insurance.Address().Hex()))
	return nil
}

func insuranceOrNil(ins Insurance) Insurance {
	if isNil(ins) {
		return nil
	}
	return ins
}

// isNil also catches a nil pointer stored in an interface.
func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Pointer && rv.IsNil()
}

func (s *Strategy) SetHarvestTriggerParams(caller common.Address, params HarvestParams) error {
	if err := s.access.RequireAuthorized(caller); err != nil {
		return err
	}
	if params.MaxReportDelay > 0 && params.MinReportDelay > params.MaxReportDelay {
		return fmt.Errorf("min report delay %s above max %s: %w", params.MinReportDelay, params.MaxReportDelay, ErrInvalidConfiguration)
	}
	if params.NativePriceInWant.IsNegative() {
		return fmt.Errorf("native price must not be negative: %w", ErrInvalidConfiguration)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	params.DebtThreshold = clone(params.DebtThreshold)
	s.harvestParams = params
	return nil
}

func (s *Strategy) SetKeeper(caller, keeper common.Address) error {
	if err := s.access.SetKeeper(caller, keeper); err != nil {
		return err
	}
	s.log.Info("keeper updated", zap.String("keeper", keeper.Hex()))
	return nil
}

func (s *Strategy) SetStrategist(caller, strategist common.Address) error {
	if err := s.access.SetStrategist(caller, strategist); err != nil {
		return err
	}
	s.log.Info("strategist updated", zap.String("strategist", strategist.Hex()))
	return nil
}

// Sweep sends the strategy's whole balance of token to governance. The want token and the
// ledger's share token are protected.
func (s *Strategy) Sweep(ctx context.Context, caller common.Address, token Asset) error {
	if err := s.access.RequireGovernance(caller); err != nil {
		return err
	}
	if token == nil {
		return fmt.Errorf("token required: %w", ErrInvalidConfiguration)
	}
	switch token.Address() {
	case s.want.Address():
		return ErrUnsweepableWant
	case s.ledger.ShareToken():
		return ErrUnsweepableShares
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	balance := token.BalanceOf(s.address)
	if balance.Sign() == 0 {
		return nil
	}
	if err := token.Transfer(s.address, caller, balance); err != nil {
		return fmt.Errorf("sweep %s: %w", token.Address().Hex(), err)
	}
	s.log.Info("swept token",
		zap.String("token", token.Address().Hex()),
		zap.String("amount", balance.String()),
	)
	return nil
}
