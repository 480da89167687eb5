package app

import (
	"context"
	"time"

	"perp-strategy/internal/state"
	"perp-strategy/internal/strategy"
	"perp-strategy/internal/timescale"
	"perp-strategy/internal/units"

	"go.uber.org/zap"
)

// persistHarvest stores the report as the latest snapshot, signed by the
// keeper key when one is configured.
func (a *App) persistHarvest(ctx context.Context, report strategy.HarvestReport, at time.Time) {
	snapshot := state.NewHarvestSnapshot(a.deploy.Strategy.Name(), report, at)
	if a.signer != nil {
		payload, err := snapshot.Payload()
		if err == nil {
			snapshot.Signature, err = a.signer.Sign(payload)
		}
		if err != nil {
			a.log.Warn("snapshot signing failed", zap.Error(err))
		} else {
			snapshot.Signer = a.signer.Address().Hex()
		}
	}
	if err := state.SaveHarvestSnapshot(ctx, a.store, snapshot, a.cfg.State.HistoryLimit); err != nil {
		a.log.Warn("snapshot persist failed", zap.Error(err))
	}
}

func (a *App) recordHarvest(report strategy.HarvestReport, at time.Time) {
	if a.timescale == nil {
		return
	}
	dec := a.cfg.Strategy.WantDecimals
	a.timescale.EnqueueHarvest(timescale.HarvestRecord{
		Time:            at.UTC(),
		Strategy:        a.deploy.Strategy.Name(),
		State:           string(report.State),
		Profit:          units.FromBase(report.Profit, dec),
		Loss:            units.FromBase(report.Loss, dec),
		DebtPayment:     units.FromBase(report.DebtPayment, dec),
		DebtOutstanding: units.FromBase(report.DebtOutstanding, dec),
		Premium:         units.FromBase(report.Premium, dec),
		Absorbed:        units.FromBase(report.Absorbed, dec),
		TotalAssets:     units.FromBase(report.TotalAssets, dec),
		DebtRatioBps:    report.DebtRatio,
		CollateralBps:   report.CollateralRatio,
		Trades:          report.Trades,
		Failures:        report.Failures,
		Emergency:       report.Emergency,
	})
}

func (a *App) recordPosition(ctx context.Context) {
	if a.timescale == nil {
		return
	}
	s := a.deploy.Strategy
	pos, err := s.Position(ctx)
	if err != nil {
		a.log.Debug("position read failed", zap.Error(err))
		return
	}
	dec := a.cfg.Strategy.WantDecimals
	a.timescale.EnqueuePosition(timescale.PositionSnapshot{
		Time:            a.now().UTC(),
		Strategy:        s.Name(),
		State:           string(s.State()),
		WantBalance:     units.FromBase(pos.WantBalance, dec),
		Collateral:      units.FromBase(pos.Collateral, dec),
		Debt:            units.FromBase(pos.Debt, dec),
		PendingFunding:  units.FromBase(pos.PendingFunding, dec),
		TotalAssets:     units.FromBase(pos.EstimatedTotalAssets(), dec),
		MarkPrice:       units.FromBase(a.deploy.Paper.MarkPrice(), units.PriceDecimals),
		DebtRatioBps:    pos.DebtRatio(),
		CollateralBps:   pos.CollateralRatio(),
		PricePerShare:   units.FromBase(a.deploy.Vault.PricePerShare(), a.deploy.Vault.Decimals()),
		VaultTotalAsset: units.FromBase(a.deploy.Vault.TotalAssets(), dec),
	})
}
