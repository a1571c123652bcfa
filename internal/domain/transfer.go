package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PlanReason says why a transfer was proposed.
type PlanReason string

const (
	PlanFeeSweep    PlanReason = "fee_sweep"
	PlanSweep       PlanReason = "sweep"
	PlanCompounding PlanReason = "compounding"
)

// TransferPlan is an advisory fund movement. The planner never executes it.
type TransferPlan struct {
	ID         string          `json:"id"`
	FromWallet string          `json:"from_wallet"`
	ToWallet   string          `json:"to_wallet"`
	AmountUSD  decimal.Decimal `json:"amount_usd"`
	Reason     PlanReason      `json:"reason"`
	Note       string          `json:"note,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// AppliedTransfer records that an operator executed a TransferPlan. Applied
// transfers are replayed together with ledger trades when balances are
// rebuilt.
type AppliedTransfer struct {
	Plan      TransferPlan `json:"plan"`
	AppliedAt time.Time    `json:"applied_at"`
	Operator  string       `json:"operator,omitempty"`
}
