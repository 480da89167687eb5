package strategy

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

type State string

type Event string

const (
	StateIdle    State = "IDLE"
	StateActive  State = "ACTIVE"
	StateExiting State = "EXITING"
	StateExited  State = "EXITED"
)

const (
	EventDeploy    Event = "DEPLOY"
	EventUnwound   Event = "UNWOUND"
	EventEmergency Event = "EMERGENCY"
)

// FailurePolicy decides what a harvest does when the venue cannot fill a planned trade.
type FailurePolicy string

const (
	PolicyAbsorb FailurePolicy = "absorb"
	PolicyStrict FailurePolicy = "strict"
)

// Position is read from the venue and the want token on every call and never cached.
type Position struct {
	WantBalance    *big.Int
	Collateral     *big.Int
	Debt           *big.Int
	PendingFunding *big.Int
}

type DebtThresholds struct {
	Lower    uint64
	Upper    uint64
	Multiple uint64
}

type CollateralThresholds struct {
	Lower    uint64
	Upper    uint64
	Limit    uint64
	Multiple uint64
}

type HarvestParams struct {
	MinReportDelay    time.Duration
	MaxReportDelay    time.Duration
	ProfitFactor      uint64
	DebtThreshold     *big.Int
	NativePriceInWant decimal.Decimal
}

type HarvestReport struct {
	Profit          *big.Int
	Loss            *big.Int
	DebtPayment     *big.Int
	DebtOutstanding *big.Int
	Premium         *big.Int
	Absorbed        *big.Int
	TotalAssets     *big.Int
	DebtRatio       uint64
	CollateralRatio uint64
	Trades          int
	Failures        int
	Emergency       bool
	State           State
}
