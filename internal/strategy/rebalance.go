package strategy

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

const maxResizeRounds = 4

// rebalanceResult collects venue activity for one public call. budget caps the total debt
// notional traded across every resize in the call. moves journals collateral transfers so a
// strict call can put them back.
type rebalanceResult struct {
	trades   int
	clamped  bool
	budget   *big.Int
	traded   *big.Int
	failures []error
	moves    []collateralMove
}

type collateralMove struct {
	amount *big.Int
	posted bool
}

func (r *rebalanceResult) journal(amount *big.Int, posted bool) {
	r.moves = append(r.moves, collateralMove{amount: clone(amount), posted: posted})
}

func (r *rebalanceResult) fail(err error) {
	r.failures = append(r.failures, err)
}

func (r *rebalanceResult) err() error {
	return errors.Join(r.failures...)
}

// negligible reports whether moving from current to target is below dust. Closing a leg
// to zero is never negligible.
func (s *Strategy) negligible(current, target *big.Int) bool {
	gap := absDiff(current, target)
	if gap.Sign() == 0 {
		return true
	}
	if orZero(target).Sign() == 0 {
		return false
	}
	return gap.Cmp(s.dust) <= 0
}

// debtTarget is the debt controller: out of band it returns the full target for equity.
func (s *Strategy) debtTarget(pos Position, equity *big.Int) (*big.Int, bool) {
	if CheckDebtBand(s.debt, bpsOf(pos.Debt, equity)) == nil {
		return clone(pos.Debt), false
	}
	target := targetDebt(equity, s.debt.Multiple)
	if s.negligible(pos.Debt, target) {
		return clone(pos.Debt), false
	}
	return target, true
}

// collateralTarget is the collateral controller for the current debt.
func (s *Strategy) collateralTarget(pos Position) (*big.Int, bool) {
	if CheckCollateralBand(s.collat, pos.CollateralRatio()) == nil {
		return clone(pos.Collateral), false
	}
	target := targetCollateralFor(pos.Debt, s.debt.Multiple)
	if s.negligible(pos.Collateral, target) {
		return clone(pos.Collateral), false
	}
	return target, true
}

// adjust runs the debt controller then the collateral controller, sizing the book for
// equity net of reserve and leaving reserve idle.
func (s *Strategy) adjust(ctx context.Context, res *rebalanceResult, reserve *big.Int) error {
	pos, err := s.readPosition(ctx)
	if err != nil {
		return err
	}
	equity := subFloor(pos.EstimatedTotalAssets(), reserve)
	if dTarget, moves := s.debtTarget(pos, equity); moves {
		cTarget := targetCollateralFor(dTarget, s.debt.Multiple)
		s.log.Info("rebalancing debt",
			zap.Uint64("ratio_bps", bpsOf(pos.Debt, equity)),
			zap.String("debt", pos.Debt.String()),
			zap.String("target_debt", dTarget.String()),
			zap.String("target_collateral", cTarget.String()),
		)
		if err := s.resize(ctx, res, dTarget, cTarget, reserve); err != nil {
			return err
		}
		if s.policy == PolicyStrict && len(res.failures) > 0 {
			return nil
		}
		if pos, err = s.readPosition(ctx); err != nil {
			return err
		}
	}
	if cTarget, moves := s.collateralTarget(pos); moves {
		s.log.Info("rebalancing collateral",
			zap.Uint64("ratio_bps", pos.CollateralRatio()),
			zap.String("collateral", pos.Collateral.String()),
			zap.String("target_collateral", cTarget.String()),
		)
		if err := s.resize(ctx, res, pos.Debt, cTarget, reserve); err != nil {
			return err
		}
	}
	return nil
}

// resize moves the book toward (dTarget, cTarget) in bounded rounds, re-reading the
// position each round. Venue failures are recorded on res; only read failures return.
func (s *Strategy) resize(ctx context.Context, res *rebalanceResult, dTarget, cTarget, reserve *big.Int) error {
	if res.budget == nil {
		budget, err := s.venue.MaxTradeSize(ctx, s.slippageAdj)
		if err != nil {
			res.fail(fmt.Errorf("max trade size: %w", err))
			s.metrics.RebalanceFailed.Inc()
			return nil
		}
		res.budget = clone(budget)
		res.traded = new(big.Int)
	}
	imr, err := s.venue.InitialMarginBps(ctx)
	if err != nil {
		res.fail(fmt.Errorf("initial margin: %w", err))
		s.metrics.RebalanceFailed.Inc()
		return nil
	}
	for round := 0; round < maxResizeRounds; round++ {
		pos, err := s.readPosition(ctx)
		if err != nil {
			return err
		}
		var progressed bool
		switch {
		case s.negligible(pos.Debt, dTarget):
			progressed, err = s.moveCollateral(ctx, res, pos, cTarget, reserve, imr)
		case dTarget.Cmp(pos.Debt) > 0:
			progressed, err = s.growDebt(ctx, res, pos, dTarget, cTarget, reserve)
		default:
			progressed, err = s.shrinkDebt(ctx, res, pos, dTarget, cTarget, imr)
		}
		if err != nil {
			res.fail(err)
			s.metrics.RebalanceFailed.Inc()
			s.log.Warn("venue operation failed", zap.Int("round", round), zap.Error(err))
			return nil
		}
		if !progressed {
			return nil
		}
	}
	return nil
}

// growDebt posts collateral for the new debt before borrowing, so the venue's margin
// check passes on the increase.
func (s *Strategy) growDebt(ctx context.Context, res *rebalanceResult, pos Position, dTarget, cTarget, reserve *big.Int) (bool, error) {
	progressed := false
	collateral := clone(pos.Collateral)
	if need := subFloor(cTarget, collateral); need.Sign() > 0 {
		post := minBig(need, subFloor(pos.WantBalance, reserve))
		if post.Sign() > 0 {
			if err := s.venue.PostCollateral(ctx, s.address, post); err != nil {
				return progressed, fmt.Errorf("post collateral %s: %w", post, err)
			}
			res.journal(post, true)
			collateral.Add(collateral, post)
			progressed = true
		}
	}
	size := subFloor(minBig(dTarget, debtCapacity(collateral, s.debt.Multiple)), pos.Debt)
	if size.Cmp(s.dust) <= 0 {
		return progressed, nil
	}
	if size = s.spend(res, size); size.Sign() == 0 {
		return progressed, nil
	}
	order := Order{
		Size:     size,
		Limit:    mulBps(size, bpsScale-s.slippageAdj),
		ClientID: s.newClientID(),
	}
	fill, err := s.venue.IncreaseDebt(ctx, s.address, order)
	if err != nil {
		return progressed, fmt.Errorf("increase debt by %s: %w", size, err)
	}
	s.recordTrade(res, "increase", fill)
	return true, nil
}

// shrinkDebt releases free margin, repays with idle want, then withdraws collateral the
// smaller debt no longer needs.
func (s *Strategy) shrinkDebt(ctx context.Context, res *rebalanceResult, pos Position, dTarget, cTarget *big.Int, imr uint64) (bool, error) {
	progressed, err := s.releaseCollateral(ctx, res, pos, cTarget, imr)
	if err != nil {
		return progressed, err
	}
	if progressed {
		if pos, err = s.readPosition(ctx); err != nil {
			return progressed, err
		}
	}
	size := subFloor(pos.Debt, dTarget)
	affordable := mulDiv(pos.WantBalance, bigBps, new(big.Int).SetUint64(bpsScale+s.slippageAdj))
	size = minBig(size, affordable)
	closing := dTarget.Sign() == 0 && size.Cmp(pos.Debt) == 0
	if size.Sign() == 0 || (!closing && size.Cmp(s.dust) <= 0) {
		return progressed, nil
	}
	if size = s.spend(res, size); size.Sign() == 0 {
		return progressed, nil
	}
	order := Order{
		Size:     size,
		Limit:    mulBpsUp(size, bpsScale+s.slippageAdj),
		ClientID: s.newClientID(),
	}
	fill, err := s.venue.DecreaseDebt(ctx, s.address, order)
	if err != nil {
		return progressed, fmt.Errorf("decrease debt by %s: %w", size, err)
	}
	s.recordTrade(res, "decrease", fill)
	if pos, err = s.readPosition(ctx); err != nil {
		return true, err
	}
	if _, err := s.releaseCollateral(ctx, res, pos, cTarget, imr); err != nil {
		return true, err
	}
	return true, nil
}

// moveCollateral adjusts collateral only, never posting reserve and never withdrawing
// below the venue's initial margin.
func (s *Strategy) moveCollateral(ctx context.Context, res *rebalanceResult, pos Position, cTarget, reserve *big.Int, imr uint64) (bool, error) {
	if s.negligible(pos.Collateral, cTarget) {
		return false, nil
	}
	if cTarget.Cmp(pos.Collateral) < 0 {
		return s.releaseCollateral(ctx, res, pos, cTarget, imr)
	}
	post := minBig(subFloor(cTarget, pos.Collateral), subFloor(pos.WantBalance, reserve))
	if post.Sign() == 0 {
		return false, nil
	}
	if err := s.venue.PostCollateral(ctx, s.address, post); err != nil {
		return false, fmt.Errorf("post collateral %s: %w", post, err)
	}
	res.journal(post, true)
	return true, nil
}

func (s *Strategy) releaseCollateral(ctx context.Context, res *rebalanceResult, pos Position, cTarget *big.Int, imr uint64) (bool, error) {
	floor := maxBig(cTarget, mulBpsUp(pos.Debt, imr))
	free := subFloor(pos.Collateral, floor)
	if free.Sign() == 0 {
		return false, nil
	}
	if err := s.venue.WithdrawCollateral(ctx, s.address, free); err != nil {
		return false, fmt.Errorf("withdraw collateral %s: %w", free, err)
	}
	res.journal(free, false)
	return true, nil
}

// spend clamps size to what is left of the call's slippage-bounded trade budget.
func (s *Strategy) spend(res *rebalanceResult, size *big.Int) *big.Int {
	left := subFloor(res.budget, res.traded)
	if size.Cmp(left) > 0 {
		if !res.clamped {
			res.clamped = true
			s.metrics.TradesClamped.Inc()
			if res.budget.Sign() == 0 {
				res.fail(fmt.Errorf("trade of %s at %d bps: %w", size, s.slippageAdj, ErrInsufficientLiquidity))
			} else {
				res.fail(fmt.Errorf("trade of %s clamped to %s at %d bps: %w", size, left, s.slippageAdj, ErrSlippageExceeded))
			}
		}
		size = left
	}
	res.traded.Add(res.traded, size)
	return size
}

func (s *Strategy) recordTrade(res *rebalanceResult, side string, fill Fill) {
	res.trades++
	s.metrics.Trades.Inc()
	s.log.Debug("debt trade filled",
		zap.String("side", side),
		zap.String("client_id", fill.ClientID),
		zap.String("size", orZero(fill.Size).String()),
		zap.String("amount", orZero(fill.Amount).String()),
	)
}

// preflight checks that the planned debt move fits the venue's slippage-bounded depth
// before anything is mutated.
func (s *Strategy) preflight(ctx context.Context, debt, dTarget *big.Int) error {
	if s.negligible(debt, dTarget) {
		return nil
	}
	gap := absDiff(debt, dTarget)
	budget, err := s.venue.MaxTradeSize(ctx, s.slippageAdj)
	if err != nil {
		return fmt.Errorf("max trade size: %w", err)
	}
	if budget.Sign() == 0 {
		return fmt.Errorf("debt change %s at %d bps: %w", gap, s.slippageAdj, ErrInsufficientLiquidity)
	}
	if gap.Cmp(budget) > 0 {
		return fmt.Errorf("debt change %s exceeds %s at %d bps: %w", gap, budget, s.slippageAdj, ErrSlippageExceeded)
	}
	return nil
}

// settleFailures applies the failure policy to venue shortfalls of a keeper call. A strict
// call puts back the collateral it moved before returning the failure.
func (s *Strategy) settleFailures(ctx context.Context, op string, res *rebalanceResult) error {
	if len(res.failures) == 0 {
		return nil
	}
	if s.policy == PolicyStrict {
		if err := s.restoreCollateral(ctx, res); err != nil {
			return fmt.Errorf("%s: %w", op, errors.Join(res.err(), err))
		}
		return fmt.Errorf("%s: %w", op, res.err())
	}
	s.log.Warn("rebalance shortfall absorbed",
		zap.String("op", op),
		zap.Int("failures", len(res.failures)),
		zap.Error(res.err()),
	)
	return nil
}

// restoreCollateral reverses the journaled collateral moves, newest first.
func (s *Strategy) restoreCollateral(ctx context.Context, res *rebalanceResult) error {
	for i := len(res.moves) - 1; i >= 0; i-- {
		m := res.moves[i]
		var err error
		if m.posted {
			err = s.venue.WithdrawCollateral(ctx, s.address, m.amount)
		} else {
			err = s.venue.PostCollateral(ctx, s.address, m.amount)
		}
		if err != nil {
			return fmt.Errorf("restore collateral %s: %w", m.amount, err)
		}
	}
	if len(res.moves) > 0 {
		s.log.Info("collateral moves reversed", zap.Int("moves", len(res.moves)))
	}
	res.moves = nil
	return nil
}

// RebalanceCollateral re-targets collateral for the current debt.
func (s *Strategy) RebalanceCollateral(ctx context.Context, caller common.Address) error {
	if err := s.access.RequireKeeper(caller); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.emergency.Load() {
		return nil
	}
	pos, err := s.readPosition(ctx)
	if err != nil {
		return err
	}
	cTarget, moves := s.collateralTarget(pos)
	if !moves {
		return nil
	}
	res := &rebalanceResult{}
	if err := s.resize(ctx, res, pos.Debt, cTarget, new(big.Int)); err != nil {
		return err
	}
	return s.settleFailures(ctx, "rebalance collateral", res)
}
