package strategy

import (
	"errors"
	"fmt"
)

var (
	ErrDebtBelowBand        = errors.New("debt ratio below band")
	ErrDebtAboveBand        = errors.New("debt ratio above band")
	ErrCollateralBelowBand  = errors.New("collateral ratio below band")
	ErrCollateralAboveBand  = errors.New("collateral ratio above band")
	ErrCollateralBelowLimit = errors.New("collateral ratio below limit")
)

func CheckDebtBand(cfg DebtThresholds, ratio uint64) error {
	if ratio < cfg.Lower {
		return fmt.Errorf("debt ratio %d below %d: %w", ratio, cfg.Lower, ErrDebtBelowBand)
	}
	if ratio > cfg.Upper {
		return fmt.Errorf("debt ratio %d above %d: %w", ratio, cfg.Upper, ErrDebtAboveBand)
	}
	return nil
}

func CheckCollateralBand(cfg CollateralThresholds, ratio uint64) error {
	if cfg.Limit > 0 && ratio < cfg.Limit {
		return fmt.Errorf("collateral ratio %d below limit %d: %w", ratio, cfg.Limit, ErrCollateralBelowLimit)
	}
	if ratio < cfg.Lower {
		return fmt.Errorf("collateral ratio %d below %d: %w", ratio, cfg.Lower, ErrCollateralBelowBand)
	}
	if ratio > cfg.Upper {
		return fmt.Errorf("collateral ratio %d above %d: %w", ratio, cfg.Upper, ErrCollateralAboveBand)
	}
	return nil
}

func (d DebtThresholds) validate() error {
	if d.Lower >= d.Upper {
		return fmt.Errorf("debt band lower %d must be below upper %d: %w", d.Lower, d.Upper, ErrInvalidConfiguration)
	}
	if d.Multiple == 0 || d.Multiple >= collateralScale {
		return fmt.Errorf("debt multiple %d out of range: %w", d.Multiple, ErrInvalidConfiguration)
	}
	if r := TargetDebtRatio(d.Multiple); r < d.Lower || r > d.Upper {
		return fmt.Errorf("target debt ratio %d outside band [%d, %d]: %w", r, d.Lower, d.Upper, ErrInvalidConfiguration)
	}
	return nil
}

func (c CollateralThresholds) validate() error {
	if c.Lower >= c.Upper {
		return fmt.Errorf("collateral band lower %d must be below upper %d: %w", c.Lower, c.Upper, ErrInvalidConfiguration)
	}
	if c.Limit > c.Lower {
		return fmt.Errorf("collateral limit %d above lower band %d: %w", c.Limit, c.Lower, ErrInvalidConfiguration)
	}
	if c.Multiple >= collateralScale {
		return fmt.Errorf("collateral multiple %d out of range: %w", c.Multiple, ErrInvalidConfiguration)
	}
	return nil
}
