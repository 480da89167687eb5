package strategy

import (
	"math"
	"math/big"
)

const (
	bpsScale        = 10_000
	collateralScale = 100_000
)

var bigBps = big.NewInt(bpsScale)

// TargetCollateral is the collateral level, in bps of debt, implied by a debt multiple.
func TargetCollateral(multiple uint64) uint64 {
	if multiple >= collateralScale {
		return 0
	}
	return (collateralScale - multiple) / 10
}

// TargetDebtRatio is the debt ratio, in bps of equity, the debt controller steers to.
func TargetDebtRatio(multiple uint64) uint64 {
	if multiple == 0 {
		return 0
	}
	return bpsScale * bpsScale / multiple
}

func targetDebt(equity *big.Int, multiple uint64) *big.Int {
	if multiple == 0 || equity == nil || equity.Sign() <= 0 {
		return new(big.Int)
	}
	return mulDiv(equity, bigBps, new(big.Int).SetUint64(multiple))
}

func targetCollateralFor(debt *big.Int, multiple uint64) *big.Int {
	return mulBps(debt, TargetCollateral(multiple))
}

// debtCapacity is the largest debt collateral can carry at the target collateral level.
func debtCapacity(collateral *big.Int, multiple uint64) *big.Int {
	level := TargetCollateral(multiple)
	if level == 0 {
		return new(big.Int)
	}
	return mulDiv(collateral, bigBps, new(big.Int).SetUint64(level))
}

func mulBps(amount *big.Int, bps uint64) *big.Int {
	if amount == nil || amount.Sign() <= 0 || bps == 0 {
		return new(big.Int)
	}
	return mulDiv(amount, new(big.Int).SetUint64(bps), bigBps)
}

// mulBpsUp is mulBps rounded away from zero.
func mulBpsUp(amount *big.Int, bps uint64) *big.Int {
	if amount == nil || amount.Sign() <= 0 || bps == 0 {
		return new(big.Int)
	}
	num := new(big.Int).Mul(amount, new(big.Int).SetUint64(bps))
	num.Add(num, big.NewInt(bpsScale-1))
	return num.Quo(num, bigBps)
}

func mulDiv(a, b, c *big.Int) *big.Int {
	if c.Sign() == 0 {
		return new(big.Int)
	}
	out := new(big.Int).Mul(a, b)
	return out.Quo(out, c)
}

// bpsOf returns part/whole in bps, 0 when whole is not positive.
func bpsOf(part, whole *big.Int) uint64 {
	if part == nil || whole == nil || whole.Sign() <= 0 || part.Sign() <= 0 {
		return 0
	}
	ratio := mulDiv(part, bigBps, whole)
	if !ratio.IsUint64() {
		return math.MaxUint64
	}
	return ratio.Uint64()
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func clone(v *big.Int) *big.Int {
	return new(big.Int).Set(orZero(v))
}

func minBig(a, b *big.Int) *big.Int {
	if orZero(a).Cmp(orZero(b)) <= 0 {
		return clone(a)
	}
	return clone(b)
}

func maxBig(a, b *big.Int) *big.Int {
	if orZero(a).Cmp(orZero(b)) >= 0 {
		return clone(a)
	}
	return clone(b)
}

// subFloor returns max(a-b, 0).
func subFloor(a, b *big.Int) *big.Int {
	out := new(big.Int).Sub(orZero(a), orZero(b))
	if out.Sign() < 0 {
		return out.SetInt64(0)
	}
	return out
}

func absDiff(a, b *big.Int) *big.Int {
	out := new(big.Int).Sub(orZero(a), orZero(b))
	return out.Abs(out)
}
