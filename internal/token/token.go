// Package token is an in-process fungible token ledger.
package token

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("invalid amount")
)

type Token struct {
	address  common.Address
	symbol   string
	decimals uint8

	mu       sync.RWMutex
	balances map[common.Address]*big.Int
	supply   *big.Int
}

func New(address common.Address, symbol string, decimals uint8) *Token {
	return &Token{
		address:  address,
		symbol:   symbol,
		decimals: decimals,
		balances: make(map[common.Address]*big.Int),
		supply:   new(big.Int),
	}
}

func (t *Token) Address() common.Address { return t.address }

func (t *Token) Symbol() string { return t.symbol }

func (t *Token) Decimals() uint8 { return t.decimals }

func (t *Token) BalanceOf(owner common.Address) *big.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if bal, ok := t.balances[owner]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

func (t *Token) TotalSupply() *big.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return new(big.Int).Set(t.supply)
}

func (t *Token) Mint(to common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.credit(to, amount)
	t.supply.Add(t.supply, amount)
	return nil
}

func (t *Token) Burn(from common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.debit(from, amount); err != nil {
		return err
	}
	t.supply.Sub(t.supply, amount)
	return nil
}

func (t *Token) Transfer(from, to common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	if amount.Sign() == 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.debit(from, amount); err != nil {
		return err
	}
	t.credit(to, amount)
	return nil
}

func (t *Token) credit(owner common.Address, amount *big.Int) {
	bal, ok := t.balances[owner]
	if !ok {
		bal = new(big.Int)
		t.balances[owner] = bal
	}
	bal.Add(bal, amount)
}

func (t *Token) debit(owner common.Address, amount *big.Int) error {
	bal, ok := t.balances[owner]
	if !ok || bal.Cmp(amount) < 0 {
		have := new(big.Int)
		if ok {
			have.Set(bal)
		}
		return fmt.Errorf("%s has %s, needs %s: %w", owner.Hex(), have, amount, ErrInsufficientBalance)
	}
	bal.Sub(bal, amount)
	return nil
}

func checkAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	return nil
}
