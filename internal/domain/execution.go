package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ExecutionMode governs whether a dispatch can ever reach a real network.
type ExecutionMode string

const (
	ModePaper        ExecutionMode = "PAPER"
	ModePaperOnchain ExecutionMode = "PAPER_ONCHAIN"
	ModeLive         ExecutionMode = "LIVE"
)

// ParseExecutionMode parses a mode string; empty means PAPER.
func ParseExecutionMode(s string) (ExecutionMode, error) {
	switch ExecutionMode(strings.ToUpper(strings.TrimSpace(s))) {
	case "", ModePaper:
		return ModePaper, nil
	case ModePaperOnchain:
		return ModePaperOnchain, nil
	case ModeLive:
		return ModeLive, nil
	}
	return "", &ConfigError{Field: "execution.mode", Value: s, Msg: "want PAPER, PAPER_ONCHAIN or LIVE"}
}

// IntentState is the position of an intent in the execution state machine.
type IntentState string

const (
	StateReceived       IntentState = "RECEIVED"
	StateRiskChecked    IntentState = "RISK_CHECKED"
	StateWalletSelected IntentState = "WALLET_SELECTED"
	StateDispatched     IntentState = "DISPATCHED"
	StateFilled         IntentState = "FILLED"
	StateFailed         IntentState = "FAILED"
)

// Terminal reports whether no further transition is possible.
func (s IntentState) Terminal() bool {
	return s == StateFilled || s == StateFailed
}

// Failure reasons recorded on ExecutionResult.
const (
	ReasonTxGuardBlocked  = "tx_guard_blocked"
	ReasonInsufficient    = "insufficient_balance"
	ReasonLedgerFailure   = "ledger_write_failure"
	ReasonNoWallet        = "no_eligible_wallet"
	ReasonRiskRejected    = "risk_rejected"
	ReasonRiskEjected     = "risk_ejected"
	ReasonLiveUnavailable = "live_unavailable"
	ReasonVenueError      = "venue_error"
	ReasonInvalidIntent   = "invalid_intent"
	ReasonNoPosition      = "no_position"
)

// ExecutionResult is the outcome of one intent.
type ExecutionResult struct {
	SignalID     string          `json:"signal_id"`
	WalletID     string          `json:"wallet_id,omitempty"`
	Mode         ExecutionMode   `json:"mode"`
	State        IntentState     `json:"state"`
	Success      bool            `json:"success"`
	Reason       string          `json:"reason,omitempty"`
	Decision     Decision        `json:"decision,omitempty"`
	Price        decimal.Decimal `json:"price"`
	Quantity     decimal.Decimal `json:"quantity"`
	NotionalUSD  decimal.Decimal `json:"notional_usd"`
	FeeUSD       decimal.Decimal `json:"fee_usd"`
	Timestamp    time.Time       `json:"timestamp"`
	TradeID      string          `json:"trade_id,omitempty"`
	PriceMissing bool            `json:"price_missing,omitempty"`
}

// LiveOrder is the venue-facing form of an approved intent. Signature and
// Signer are filled by the order signer before dispatch.
type LiveOrder struct {
	SignalID       string          `json:"signal_id"`
	WalletID       string          `json:"wallet_id"`
	Chain          string          `json:"chain,omitempty"`
	Symbol         string          `json:"symbol"`
	Side           Side            `json:"side"`
	NotionalUSD    decimal.Decimal `json:"notional_usd"`
	ReferencePrice decimal.Decimal `json:"reference_price"`
	Nonce          int64           `json:"nonce"`
	Signer         string          `json:"signer,omitempty"`
	Signature      string          `json:"signature,omitempty"`
}

// LiveFill is what a venue reports for an executed LiveOrder.
type LiveFill struct {
	VenueOrderID string
	Price        decimal.Decimal
	Quantity     decimal.Decimal
	NotionalUSD  decimal.Decimal
	FeeUSD       decimal.Decimal
}
