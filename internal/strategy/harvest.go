package strategy

import (
	"context"
	"fmt"
	"math/big"

	"perp-strategy/internal/units"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// Harvest settles funding, rebalances the book for the equity left after the report,
// reports profit or loss to the ledger once and deploys any credit the ledger sends back.
// Under emergency exit it unwinds instead of rebalancing.
func (s *Strategy) Harvest(ctx context.Context, caller common.Address) (HarvestReport, error) {
	if err := s.access.RequireKeeper(caller); err != nil {
		return HarvestReport{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	report, err := s.harvest(ctx)
	if err != nil {
		s.metrics.HarvestsFailed.Inc()
		s.log.Warn("harvest failed", zap.Error(err))
		return HarvestReport{}, err
	}
	s.metrics.Harvests.Inc()
	s.log.Info("harvested",
		zap.String("profit", report.Profit.String()),
		zap.String("loss", report.Loss.String()),
		zap.String("debt_payment", report.DebtPayment.String()),
		zap.String("debt_outstanding", report.DebtOutstanding.String()),
		zap.String("total_assets", report.TotalAssets.String()),
		zap.Uint64("debt_ratio_bps", report.DebtRatio),
		zap.Uint64("collateral_ratio_bps", report.CollateralRatio),
		zap.Bool("emergency", report.Emergency),
	)
	return report, nil
}

func (s *Strategy) harvest(ctx context.Context) (HarvestReport, error) {
	emergency := s.emergency.Load()
	pos, err := s.readPosition(ctx)
	if err != nil {
		return HarvestReport{}, err
	}
	debt := s.ledger.CurrentDebt(s.address)
	outstanding := s.ledger.DebtOutstanding(s.address)

	if s.policy == PolicyStrict {
		projected := pos.settled()
		dTarget := new(big.Int)
		if !emergency {
			total := projected.EstimatedTotalAssets()
			reserve := new(big.Int).Add(subFloor(total, debt), minBig(outstanding, total))
			dTarget, _ = s.debtTarget(projected, subFloor(total, reserve))
		}
		if err := s.preflight(ctx, projected.Debt, dTarget); err != nil {
			return HarvestReport{}, err
		}
	}

	if orZero(pos.PendingFunding).Sign() != 0 {
		if err := s.venue.SettleFunding(ctx, s.address); err != nil {
			return HarvestReport{}, fmt.Errorf("settle funding: %w", err)
		}
		if pos, err = s.readPosition(ctx); err != nil {
			return HarvestReport{}, err
		}
	}

	res := &rebalanceResult{}
	if emergency {
		if err := s.resize(ctx, res, new(big.Int), new(big.Int), new(big.Int)); err != nil {
			return HarvestReport{}, err
		}
	} else {
		total := pos.EstimatedTotalAssets()
		reserve := new(big.Int).Add(subFloor(total, debt), minBig(outstanding, total))
		if err := s.adjust(ctx, res, reserve); err != nil {
			return HarvestReport{}, err
		}
	}
	if err := s.settleFailures(ctx, "harvest", res); err != nil {
		return HarvestReport{}, err
	}

	if pos, err = s.readPosition(ctx); err != nil {
		return HarvestReport{}, err
	}
	total := pos.EstimatedTotalAssets()
	want := s.freeWant(pos)
	profit := subFloor(total, debt)
	loss := minBig(subFloor(debt, total), debt)
	absorbed := new(big.Int)
	if loss.Sign() > 0 {
		absorbed = s.drawInsurance(ctx, loss)
		loss.Sub(loss, absorbed)
		want.Add(want, absorbed)
	}
	profit = minBig(profit, want)
	premium := new(big.Int)
	if profit.Sign() > 0 {
		premium = s.payPremium(ctx, profit)
		profit.Sub(profit, premium)
		want.Sub(want, premium)
	}
	debtPayment := minBig(outstanding, subFloor(want, profit))
	if loss.Sign() > 0 {
		s.metrics.LossesReported.Inc()
	}

	newOutstanding, err := s.ledger.Report(ctx, s.address, profit, loss, debtPayment)
	if err != nil {
		return HarvestReport{}, fmt.Errorf("ledger report: %w", err)
	}

	if !emergency {
		deploy := &rebalanceResult{budget: res.budget, traded: res.traded}
		if err := s.adjust(ctx, deploy, new(big.Int)); err != nil {
			s.log.Warn("credit deployment failed", zap.Error(err))
		} else if len(deploy.failures) > 0 {
			s.log.Warn("credit deployment incomplete", zap.Error(deploy.err()))
		}
		res.trades += deploy.trades
		res.failures = append(res.failures, deploy.failures...)
	}

	report := HarvestReport{
		Profit:          profit,
		Loss:            loss,
		DebtPayment:     debtPayment,
		DebtOutstanding: clone(newOutstanding),
		Premium:         premium,
		Absorbed:        absorbed,
		Trades:          res.trades,
		Failures:        len(res.failures),
		Emergency:       emergency,
	}
	if pos, err = s.readPosition(ctx); err != nil {
		s.log.Warn("post-harvest read failed", zap.Error(err))
		report.TotalAssets = new(big.Int)
		report.State = s.lifecycle.Current()
		return report, nil
	}
	report.TotalAssets = pos.EstimatedTotalAssets()
	report.DebtRatio = pos.DebtRatio()
	report.CollateralRatio = pos.CollateralRatio()
	report.State = s.track(pos)
	return report, nil
}

// Tend runs the debt and collateral controllers without reporting.
func (s *Strategy) Tend(ctx context.Context, caller common.Address) error {
	if err := s.access.RequireKeeper(caller); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.tend(ctx); err != nil {
		s.metrics.TendsFailed.Inc()
		s.log.Warn("tend failed", zap.Error(err))
		return err
	}
	s.metrics.Tends.Inc()
	return nil
}

func (s *Strategy) tend(ctx context.Context) error {
	if s.emergency.Load() {
		s.log.Info("emergency exit active, tend skipped")
		return nil
	}
	if s.policy == PolicyStrict {
		pos, err := s.readPosition(ctx)
		if err != nil {
			return err
		}
		dTarget, _ := s.debtTarget(pos, pos.EstimatedTotalAssets())
		if err := s.preflight(ctx, pos.Debt, dTarget); err != nil {
			return err
		}
	}
	res := &rebalanceResult{}
	if err := s.adjust(ctx, res, new(big.Int)); err != nil {
		return err
	}
	if err := s.settleFailures(ctx, "tend", res); err != nil {
		return err
	}
	pos, err := s.readPosition(ctx)
	if err != nil {
		return err
	}
	s.track(pos)
	return nil
}

// HarvestTrigger reports whether a harvest is worth callCostInWei to a keeper.
func (s *Strategy) HarvestTrigger(ctx context.Context, callCostInWei *big.Int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, err := s.readPosition(ctx)
	if err != nil {
		return false, err
	}
	total := pos.settled().EstimatedTotalAssets()
	if s.emergency.Load() {
		return total.Sign() > 0 || pos.Debt.Sign() > 0, nil
	}
	params := s.harvestParams
	since := s.now().Sub(s.ledger.LastReport(s.address))
	if since < params.MinReportDelay {
		return false, nil
	}
	if params.MaxReportDelay > 0 && since >= params.MaxReportDelay {
		return true, nil
	}
	threshold := orZero(params.DebtThreshold)
	if s.ledger.DebtOutstanding(s.address).Cmp(threshold) > 0 {
		return true, nil
	}
	debt := s.ledger.CurrentDebt(s.address)
	if new(big.Int).Add(total, threshold).Cmp(debt) < 0 {
		return true, nil
	}
	gain := new(big.Int).Add(subFloor(total, debt), s.ledger.CreditAvailable(s.address))
	cost := new(big.Int).Mul(s.callCostInWant(callCostInWei), new(big.Int).SetUint64(params.ProfitFactor))
	return cost.Cmp(gain) < 0, nil
}

// TendTrigger fires below the collateral limit, or when a ratio is out of band and the
// rebalance notional outweighs the call cost.
func (s *Strategy) TendTrigger(ctx context.Context, callCostInWei *big.Int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.emergency.Load() {
		return false, nil
	}
	pos, err := s.readPosition(ctx)
	if err != nil {
		return false, err
	}
	if s.collat.Limit > 0 && pos.Debt.Sign() > 0 && pos.CollateralRatio() < s.collat.Limit {
		return true, nil
	}
	notional := s.rebalanceNotional(pos)
	if notional.Cmp(s.dust) <= 0 {
		return false, nil
	}
	return notional.Cmp(s.callCostInWant(callCostInWei)) > 0, nil
}

// freeWant is idle want net of what closing the open debt at the slippage bound would
// still cost beyond posted collateral. Only this much can leave in a report.
func (s *Strategy) freeWant(pos Position) *big.Int {
	closing := subFloor(mulBpsUp(pos.Debt, bpsScale+s.slippageAdj), pos.Collateral)
	return subFloor(pos.WantBalance, closing)
}

// track moves the lifecycle from the observed book and emits gauges.
func (s *Strategy) track(pos Position) State {
	total := pos.EstimatedTotalAssets()
	s.metrics.DebtRatio.Set(float64(pos.DebtRatio()))
	s.metrics.CollateralRatio.Set(float64(pos.CollateralRatio()))
	s.metrics.TotalAssets.Set(units.Float(total, s.want.Decimals()))
	open := orZero(pos.Debt).Sign() > 0 || orZero(pos.Collateral).Sign() > 0
	if s.emergency.Load() {
		if !open && total.Cmp(s.dust) <= 0 {
			return s.lifecycle.Apply(EventUnwound)
		}
		return s.lifecycle.Current()
	}
	if open {
		return s.lifecycle.Apply(EventDeploy)
	}
	return s.lifecycle.Apply(EventUnwound)
}

// drawInsurance asks the reserve to cover loss and returns the want it sent.
func (s *Strategy) drawInsurance(ctx context.Context, loss *big.Int) *big.Int {
	if s.insurance == nil || loss.Sign() <= 0 {
		return new(big.Int)
	}
	coverable, err := s.insurance.CoverableBalance(ctx)
	if err != nil {
		s.log.Warn("insurance balance unavailable", zap.Error(err))
		return new(big.Int)
	}
	amount := minBig(loss, coverable)
	if amount.Sign() == 0 {
		return amount
	}
	absorbed, err := s.insurance.Absorb(ctx, s.address, amount)
	if err != nil {
		s.log.Warn("insurance absorb failed", zap.String("amount", amount.String()), zap.Error(err))
		return new(big.Int)
	}
	absorbed = minBig(absorbed, amount)
	s.metrics.InsuranceDraws.Inc()
	s.log.Info("insurance absorbed loss",
		zap.String("loss", loss.String()),
		zap.String("absorbed", absorbed.String()),
	)
	return absorbed
}

// payPremium transfers the reserve's premium on profit and returns what was paid.
func (s *Strategy) payPremium(ctx context.Context, profit *big.Int) *big.Int {
	collector, ok := s.insurance.(PremiumCollector)
	if !ok {
		return new(big.Int)
	}
	premium, err := collector.Premium(ctx, profit)
	if err != nil {
		s.log.Warn("insurance premium unavailable", zap.Error(err))
		return new(big.Int)
	}
	premium = minBig(premium, profit)
	if premium.Sign() == 0 {
		return premium
	}
	if err := s.want.Transfer(s.address, s.insurance.Address(), premium); err != nil {
		s.log.Warn("insurance premium transfer failed", zap.Error(err))
		return new(big.Int)
	}
	return premium
}
