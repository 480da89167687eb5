package vault

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

func (v *Vault) BalanceOf(owner common.Address) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return orZero(v.shares[owner])
}

// Transfer moves shares between holders.
func (v *Vault) Transfer(from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.debitShares(from, amount); err != nil {
		return err
	}
	v.creditShares(to, amount)
	return nil
}

// Deposit pulls amount of want from depositor and mints shares at the current free-funds price.
func (v *Vault) Deposit(ctx context.Context, depositor common.Address, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.shutdown {
		return nil, ErrShutdown
	}
	if v.depositLimit != nil {
		if next := new(big.Int).Add(v.totalAssets(), amount); next.Cmp(v.depositLimit) > 0 {
			return nil, fmt.Errorf("total %s above %s: %w", next, v.depositLimit, ErrDepositLimit)
		}
	}
	shares := new(big.Int).Set(amount)
	if v.supply.Sign() > 0 {
		shares = v.sharesForAmount(amount)
	}
	if shares.Sign() == 0 {
		return nil, fmt.Errorf("deposit too small for a share: %w", ErrInvalidAmount)
	}
	if err := v.token.Transfer(depositor, v.address, amount); err != nil {
		return nil, fmt.Errorf("pull deposit: %w", err)
	}
	v.creditShares(depositor, shares)
	v.supply.Add(v.supply, shares)
	v.log.Info("deposit",
		zap.String("depositor", depositor.Hex()),
		zap.String("amount", amount.String()),
		zap.String("shares", shares.String()),
	)
	return shares, nil
}

// Withdraw burns shares for want, pulling from strategies in queue order when idle want is
// short. Losses the strategies realize are shared by the withdrawer up to maxLossBps of
// the requested value. A nil shares withdraws the owner's whole balance.
func (v *Vault) Withdraw(ctx context.Context, owner common.Address, shares *big.Int, recipient common.Address, maxLossBps uint64) (*big.Int, error) {
	if maxLossBps > maxBps {
		return nil, fmt.Errorf("max loss %d bps: %w", maxLossBps, ErrInvalidAmount)
	}
	v.withdrawMu.Lock()
	defer v.withdrawMu.Unlock()

	v.mu.Lock()
	balance := orZero(v.shares[owner])
	if shares == nil {
		shares = balance
	}
	if shares.Sign() <= 0 {
		v.mu.Unlock()
		return nil, ErrInvalidAmount
	}
	if shares.Cmp(balance) > 0 {
		v.mu.Unlock()
		return nil, fmt.Errorf("%s holds %s: %w", owner.Hex(), balance, ErrInsufficientShares)
	}
	shares = new(big.Int).Set(shares)
	value := v.shareValue(shares)
	queue := append([]common.Address(nil), v.queue...)
	v.mu.Unlock()

	idle := v.token.BalanceOf(v.address)
	totalLoss := new(big.Int)
	var losses []strategyLoss
	if value.Cmp(idle) > 0 {
		for _, addr := range queue {
			if value.Cmp(idle) <= 0 {
				break
			}
			v.mu.Lock()
			params := v.strategies[addr]
			handle := v.handles[addr]
			needed := minBig(new(big.Int).Sub(value, idle), params.TotalDebt)
			v.mu.Unlock()
			if needed.Sign() == 0 {
				continue
			}

			before := v.token.BalanceOf(v.address)
			loss, err := handle.Withdraw(ctx, v.address, needed)
			if err != nil {
				return nil, fmt.Errorf("withdraw from strategy %s: %w", addr.Hex(), err)
			}
			withdrawn := new(big.Int).Sub(v.token.BalanceOf(v.address), before)
			idle.Add(idle, withdrawn)

			v.mu.Lock()
			owed := params.TotalDebt
			if loss != nil && loss.Sign() > 0 {
				value.Sub(value, loss)
				totalLoss.Add(totalLoss, loss)
				losses = append(losses, strategyLoss{params: params, loss: new(big.Int).Set(loss)})
				owed = new(big.Int).Sub(owed, minBig(loss, owed))
			}
			paid := minBig(withdrawn, owed)
			params.TotalDebt.Sub(params.TotalDebt, paid)
			v.totalDebt.Sub(v.totalDebt, paid)
			v.mu.Unlock()
		}
	}

	v.mu.Lock()
	if value.Cmp(idle) > 0 {
		value.Set(idle)
		shares = minBig(v.sharesForAmount(new(big.Int).Add(value, totalLoss)), shares)
	}
	requested := new(big.Int).Add(value, totalLoss)
	if limit := mulBps(requested, maxLossBps); totalLoss.Cmp(limit) > 0 {
		v.mu.Unlock()
		return nil, fmt.Errorf("loss %s above %d bps of %s: %w", totalLoss, maxLossBps, requested, ErrMaxLoss)
	}
	for _, l := range losses {
		v.reportLoss(l.params, l.loss)
	}
	if err := v.debitShares(owner, shares); err != nil {
		v.mu.Unlock()
		return nil, err
	}
	v.supply.Sub(v.supply, shares)
	v.mu.Unlock()

	if err := v.token.Transfer(v.address, recipient, value); err != nil {
		return nil, fmt.Errorf("pay withdrawal: %w", err)
	}
	v.log.Info("withdraw",
		zap.String("owner", owner.Hex()),
		zap.String("shares", shares.String()),
		zap.String("value", value.String()),
		zap.String("loss", totalLoss.String()),
	)
	return value, nil
}

// strategyLoss is a loss realized during a withdrawal. It is booked only once the
// withdrawal clears the max loss check; otherwise the next report carries it.
type strategyLoss struct {
	params *StrategyParams
	loss   *big.Int
}

func (v *Vault) creditShares(owner common.Address, amount *big.Int) {
	bal, ok := v.shares[owner]
	if !ok {
		bal = new(big.Int)
		v.shares[owner] = bal
	}
	bal.Add(bal, amount)
}

func (v *Vault) debitShares(owner common.Address, amount *big.Int) error {
	bal, ok := v.shares[owner]
	if !ok || bal.Cmp(amount) < 0 {
		return fmt.Errorf("%s: %w", owner.Hex(), ErrInsufficientShares)
	}
	bal.Sub(bal, amount)
	return nil
}
