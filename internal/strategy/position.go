package strategy

import (
	"context"
	"fmt"
	"math/big"
)

// EstimatedTotalAssets is want + collateral - debt, clamped at zero when insolvent.
func (p Position) EstimatedTotalAssets() *big.Int {
	return subFloor(new(big.Int).Add(orZero(p.WantBalance), orZero(p.Collateral)), p.Debt)
}

// DebtRatio is debt over equity in bps.
func (p Position) DebtRatio() uint64 {
	return bpsOf(p.Debt, p.EstimatedTotalAssets())
}

// CollateralRatio is collateral over debt in bps.
func (p Position) CollateralRatio() uint64 {
	return bpsOf(p.Collateral, p.Debt)
}

// settled projects the position after pending funding is booked into collateral. Funding
// owed beyond posted collateral is added to debt.
func (p Position) settled() Position {
	out := Position{
		WantBalance:    clone(p.WantBalance),
		Collateral:     new(big.Int).Add(orZero(p.Collateral), orZero(p.PendingFunding)),
		Debt:           clone(p.Debt),
		PendingFunding: new(big.Int),
	}
	if out.Collateral.Sign() < 0 {
		out.Debt.Sub(out.Debt, out.Collateral)
		out.Collateral.SetInt64(0)
	}
	return out
}

func (s *Strategy) readPosition(ctx context.Context) (Position, error) {
	marks, err := s.venue.MarkToMarket(ctx, s.address)
	if err != nil {
		return Position{}, fmt.Errorf("mark to market: %w", err)
	}
	return Position{
		WantBalance:    s.want.BalanceOf(s.address),
		Collateral:     clone(marks.Collateral),
		Debt:           clone(marks.Debt),
		PendingFunding: clone(marks.PendingFunding),
	}, nil
}

func (s *Strategy) Position(ctx context.Context) (Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readPosition(ctx)
}

func (s *Strategy) EstimatedTotalAssets(ctx context.Context) (*big.Int, error) {
	pos, err := s.Position(ctx)
	if err != nil {
		return nil, err
	}
	return pos.EstimatedTotalAssets(), nil
}

func (s *Strategy) BalanceOfWant() *big.Int {
	return s.want.BalanceOf(s.address)
}

func (s *Strategy) CalcDebtRatio(ctx context.Context) (uint64, error) {
	pos, err := s.Position(ctx)
	if err != nil {
		return 0, err
	}
	return pos.DebtRatio(), nil
}

func (s *Strategy) CalcCollateral(ctx context.Context) (uint64, error) {
	pos, err := s.Position(ctx)
	if err != nil {
		return 0, err
	}
	return pos.CollateralRatio(), nil
}
