package strategy

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Asset is a fungible token held by address.
type Asset interface {
	Address() common.Address
	Decimals() uint8
	BalanceOf(owner common.Address) *big.Int
	Transfer(from, to common.Address, amount *big.Int) error
}

// Ledger is the capital pool the strategy borrows from and reports to.
type Ledger interface {
	Address() common.Address
	ShareToken() common.Address
	Report(ctx context.Context, strategy common.Address, gain, loss, debtPayment *big.Int) (*big.Int, error)
	CurrentDebt(strategy common.Address) *big.Int
	DebtOutstanding(strategy common.Address) *big.Int
	CreditAvailable(strategy common.Address) *big.Int
	PricePerShare() *big.Int
	LastReport(strategy common.Address) time.Time
}

// Marks is the venue's view of an account, valued in want base units.
type Marks struct {
	Collateral     *big.Int
	Debt           *big.Int
	PendingFunding *big.Int
}

// Order sizes a debt trade in want. Limit bounds the fill: minimum proceeds when
// increasing debt, maximum cost when decreasing it.
type Order struct {
	Size     *big.Int
	Limit    *big.Int
	ClientID string
}

// Fill reports the want that moved for an order.
type Fill struct {
	ClientID string
	Size     *big.Int
	Amount   *big.Int
}

// Venue is the perpetual venue capability set.
type Venue interface {
	Address() common.Address
	MarkToMarket(ctx context.Context, account common.Address) (Marks, error)
	InitialMarginBps(ctx context.Context) (uint64, error)
	SettleFunding(ctx context.Context, account common.Address) error
	PostCollateral(ctx context.Context, account common.Address, amount *big.Int) error
	WithdrawCollateral(ctx context.Context, account common.Address, amount *big.Int) error
	IncreaseDebt(ctx context.Context, account common.Address, order Order) (Fill, error)
	DecreaseDebt(ctx context.Context, account common.Address, order Order) (Fill, error)
	MaxTradeSize(ctx context.Context, slippageBps uint64) (*big.Int, error)
}

// Insurance covers realized losses up to its balance.
type Insurance interface {
	Address() common.Address
	CoverableBalance(ctx context.Context) (*big.Int, error)
	Absorb(ctx context.Context, caller common.Address, amount *big.Int) (*big.Int, error)
}

// PremiumCollector is implemented by reserves that charge a premium on reported profit.
type PremiumCollector interface {
	Premium(ctx context.Context, profit *big.Int) (*big.Int, error)
}
