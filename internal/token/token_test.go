package token

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestTransferMovesBalance(t *testing.T) {
	tok := New(common.HexToAddress("0x10"), "USDC", 6)
	alice := common.HexToAddress("0xa1")
	bob := common.HexToAddress("0xb0")
	if err := tok.Mint(alice, big.NewInt(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := tok.Transfer(alice, bob, big.NewInt(40)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if got := tok.BalanceOf(alice); got.Cmp(big.NewInt(60)) != 0 {
		t.Fatalf("expected alice 60, got %s", got)
	}
	if got := tok.BalanceOf(bob); got.Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("expected bob 40, got %s", got)
	}
	if got := tok.TotalSupply(); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected supply 100, got %s", got)
	}
}

func TestTransferRejectsOverdraft(t *testing.T) {
	tok := New(common.HexToAddress("0x10"), "USDC", 6)
	alice := common.HexToAddress("0xa1")
	err := tok.Transfer(alice, common.HexToAddress("0xb0"), big.NewInt(1))
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if err := tok.Transfer(alice, alice, big.NewInt(-1)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestBalanceOfReturnsCopy(t *testing.T) {
	tok := New(common.HexToAddress("0x10"), "USDC", 6)
	alice := common.HexToAddress("0xa1")
	_ = tok.Mint(alice, big.NewInt(5))
	bal := tok.BalanceOf(alice)
	bal.SetInt64(1000)
	if got := tok.BalanceOf(alice); got.Cmp(big.NewInt(5)) != 0 {
		t.Fatalf("balance mutated through returned value: %s", got)
	}
}
