package vault

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// Report books a strategy's harvest: loss first, then gain, then the debt payment, and
// settles the net want flow with the strategy. It returns the debt still outstanding, or
// the strategy's whole debt once it is exiting.
func (v *Vault) Report(ctx context.Context, strategy common.Address, gain, loss, debtPayment *big.Int) (*big.Int, error) {
	gain, loss, debtPayment = orZero(gain), orZero(loss), orZero(debtPayment)
	if gain.Sign() < 0 || loss.Sign() < 0 || debtPayment.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	params, ok := v.strategies[strategy]
	if !ok {
		return nil, fmt.Errorf("%s: %w", strategy.Hex(), ErrUnknownStrategy)
	}
	owed := new(big.Int).Add(gain, debtPayment)
	if have := v.token.BalanceOf(strategy); have.Cmp(owed) < 0 {
		return nil, fmt.Errorf("strategy holds %s, reported %s: %w", have, owed, ErrShortReport)
	}
	if loss.Sign() > 0 {
		if loss.Cmp(params.TotalDebt) > 0 {
			return nil, fmt.Errorf("loss %s above debt %s: %w", loss, params.TotalDebt, ErrInvalidAmount)
		}
		v.reportLoss(params, loss)
	}
	params.TotalGain.Add(params.TotalGain, gain)

	credit := v.creditAvailable(strategy)
	outstanding := v.debtOutstanding(strategy)
	debtPayment = minBig(debtPayment, outstanding)
	if debtPayment.Sign() > 0 {
		params.TotalDebt.Sub(params.TotalDebt, debtPayment)
		v.totalDebt.Sub(v.totalDebt, debtPayment)
		outstanding.Sub(outstanding, debtPayment)
	}
	if credit.Sign() > 0 {
		params.TotalDebt.Add(params.TotalDebt, credit)
		v.totalDebt.Add(v.totalDebt, credit)
	}

	available := new(big.Int).Add(gain, debtPayment)
	switch available.Cmp(credit) {
	case -1:
		if err := v.token.Transfer(v.address, strategy, new(big.Int).Sub(credit, available)); err != nil {
			return nil, fmt.Errorf("send credit: %w", err)
		}
	case 1:
		if err := v.token.Transfer(strategy, v.address, new(big.Int).Sub(available, credit)); err != nil {
			return nil, fmt.Errorf("pull report: %w", err)
		}
	}

	locked := new(big.Int).Add(v.calculateLockedProfit(), gain)
	if locked.Cmp(loss) > 0 {
		locked.Sub(locked, loss)
	} else {
		locked.SetInt64(0)
	}
	now := v.now()
	v.lockedProfit = locked
	v.lastReport = now
	params.LastReport = now

	v.log.Info("strategy reported",
		zap.String("strategy", strategy.Hex()),
		zap.String("gain", gain.String()),
		zap.String("loss", loss.String()),
		zap.String("debt_payment", debtPayment.String()),
		zap.String("credit", credit.String()),
		zap.String("total_debt", params.TotalDebt.String()),
	)

	if v.shutdown || v.inEmergency(strategy) {
		return new(big.Int).Set(params.TotalDebt), nil
	}
	return outstanding, nil
}
