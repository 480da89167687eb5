package strategy

import (
	"math/big"

	"perp-strategy/internal/units"
)

// callCostInWant converts a keeper's gas cost into want at the configured native price.
func (s *Strategy) callCostInWant(callCostInWei *big.Int) *big.Int {
	return units.WeiToWant(callCostInWei, s.harvestParams.NativePriceInWant, s.want.Decimals())
}

// rebalanceNotional is the want that would move to bring pos back to its targets, or zero
// when both ratios are inside their bands.
func (s *Strategy) rebalanceNotional(pos Position) *big.Int {
	equity := pos.EstimatedTotalAssets()
	dTarget, debtMoves := s.debtTarget(pos, equity)
	if debtMoves {
		notional := absDiff(dTarget, pos.Debt)
		return notional.Add(notional, absDiff(targetCollateralFor(dTarget, s.debt.Multiple), pos.Collateral))
	}
	cTarget, collateralMoves := s.collateralTarget(pos)
	if collateralMoves {
		return absDiff(cTarget, pos.Collateral)
	}
	return new(big.Int)
}
