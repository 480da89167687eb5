package venue

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// SetMarkPrice sets the 1e18 fixed-point price of the borrowed asset in want. It is the
// sink the mark-price feed writes to.
func (p *Paper) SetMarkPrice(price *big.Int) {
	if price == nil || price.Sign() <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.price = new(big.Int).Set(price)
}

func (p *Paper) MarkPrice() *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return new(big.Int).Set(p.price)
}

// ShockPrice moves the mark price by bps, negative for a drop.
func (p *Paper) ShockPrice(bps int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := new(big.Int).Mul(p.price, big.NewInt(bpsScale+bps))
	next.Quo(next, big.NewInt(bpsScale))
	if next.Sign() > 0 {
		p.price = next
	}
	p.log.Info("mark price shocked", zap.Int64("bps", bps), zap.String("price", p.price.String()))
}

func (p *Paper) SetHalted(halted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.halted = halted
}

func (p *Paper) SetLiquidity(liquidity *big.Int) error {
	if liquidity == nil || liquidity.Sign() <= 0 {
		return errors.New("venue liquidity must be positive")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.liquidity = new(big.Int).Set(liquidity)
	return nil
}

func (p *Paper) SetInitialMarginBps(bps uint64) error {
	if bps == 0 || bps > bpsScale {
		return errors.New("initial margin out of range")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.imr = bps
	return nil
}

// AccrueFunding adds a signed funding amount, in want, to an account's unsettled balance.
func (p *Paper) AccrueFunding(owner common.Address, amount *big.Int) {
	if amount == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	acct := p.account(owner)
	acct.pending.Add(acct.pending, amount)
}

// ApplyFundingRate accrues rateBps of each account's debt value. A positive rate pays the
// borrowed leg.
func (p *Paper) ApplyFundingRate(rateBps int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, acct := range p.accounts {
		payment := new(big.Int).Mul(p.debtValue(acct), big.NewInt(rateBps))
		payment.Quo(payment, big.NewInt(bpsScale))
		acct.pending.Add(acct.pending, payment)
	}
}
