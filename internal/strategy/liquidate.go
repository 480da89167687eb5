package strategy

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// liquidatePosition frees up to need as idle want by resizing the book for the equity that
// remains. It never grows debt. What cannot be freed is returned as loss.
func (s *Strategy) liquidatePosition(ctx context.Context, need *big.Int) (*big.Int, *big.Int, error) {
	if orZero(need).Sign() <= 0 {
		return new(big.Int), new(big.Int), nil
	}
	pos, err := s.readPosition(ctx)
	if err != nil {
		return nil, nil, err
	}
	res := &rebalanceResult{}
	equity := subFloor(pos.EstimatedTotalAssets(), need)
	dTarget, moves := s.debtTarget(pos, equity)
	if equity.Sign() == 0 {
		dTarget, moves = new(big.Int), pos.Debt.Sign() > 0 || pos.Collateral.Sign() > 0
	}
	if moves && dTarget.Cmp(pos.Debt) <= 0 {
		cTarget := targetCollateralFor(dTarget, s.debt.Multiple)
		if err := s.resize(ctx, res, dTarget, cTarget, need); err != nil {
			return nil, nil, err
		}
		if pos, err = s.readPosition(ctx); err != nil {
			return nil, nil, err
		}
	}
	if pos.WantBalance.Cmp(need) < 0 && pos.Collateral.Sign() > 0 {
		imr, err := s.venue.InitialMarginBps(ctx)
		if err == nil {
			_, err = s.releaseCollateral(ctx, res, pos, new(big.Int), imr)
		}
		if err != nil {
			res.fail(err)
		}
		if pos, err = s.readPosition(ctx); err != nil {
			return nil, nil, err
		}
	}
	if len(res.failures) > 0 {
		s.log.Warn("liquidation shortfall", zap.String("need", need.String()), zap.Error(res.err()))
	}
	freed := minBig(pos.WantBalance, need)
	return freed, subFloor(need, freed), nil
}

// LiquidatePositionAuth frees amount as idle want on behalf of the strategist or governance.
func (s *Strategy) LiquidatePositionAuth(ctx context.Context, caller common.Address, amount *big.Int) (*big.Int, *big.Int, error) {
	if err := s.access.RequireAuthorized(caller); err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	freed, loss, err := s.liquidatePosition(ctx, amount)
	if err != nil {
		return nil, nil, err
	}
	s.log.Info("position liquidated",
		zap.String("amount", orZero(amount).String()),
		zap.String("freed", freed.String()),
		zap.String("loss", loss.String()),
	)
	return freed, loss, nil
}

// Withdraw returns amountNeeded of the ledger's debt. The withdrawer bears its share of any
// unrealized loss and the unwind cost, so the remaining assets-to-debt ratio is unchanged.
func (s *Strategy) Withdraw(ctx context.Context, caller common.Address, amountNeeded *big.Int) (*big.Int, error) {
	if err := s.access.RequireLedger(caller); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	debt := s.ledger.CurrentDebt(s.address)
	need := minBig(amountNeeded, debt)
	if need.Sign() <= 0 {
		return new(big.Int), nil
	}
	pos, err := s.readPosition(ctx)
	if err != nil {
		return nil, err
	}
	before := pos.EstimatedTotalAssets()
	lossShare := new(big.Int)
	if before.Cmp(debt) < 0 {
		lossShare = mulDiv(need, subFloor(debt, before), debt)
	}
	target := subFloor(need, lossShare)
	freed, _, err := s.liquidatePosition(ctx, target)
	if err != nil {
		return nil, err
	}
	after, err := s.readPosition(ctx)
	if err != nil {
		return nil, err
	}
	cost := subFloor(before, after.EstimatedTotalAssets())
	send := minBig(freed, subFloor(target, cost))
	loss := subFloor(need, send)
	if absorbed := s.drawInsurance(ctx, loss); absorbed.Sign() > 0 {
		send.Add(send, absorbed)
		loss.Sub(loss, absorbed)
	}
	if send.Sign() > 0 {
		if err := s.want.Transfer(s.address, caller, send); err != nil {
			return nil, fmt.Errorf("return want to ledger: %w", err)
		}
	}
	s.log.Info("ledger withdrawal",
		zap.String("requested", need.String()),
		zap.String("sent", send.String()),
		zap.String("loss", loss.String()),
		zap.String("unwind_cost", cost.String()),
	)
	return loss, nil
}

// SetEmergencyExit is one-way. The next harvest unwinds the book and returns everything.
func (s *Strategy) SetEmergencyExit(caller common.Address) error {
	if err := s.access.RequireAuthorized(caller); err != nil {
		return err
	}
	if !s.emergency.CompareAndSwap(false, true) {
		return nil
	}
	s.lifecycle.Apply(EventEmergency)
	s.metrics.EmergencyExits.Inc()
	s.log.Warn("emergency exit activated", zap.String("caller", caller.Hex()))
	return nil
}
