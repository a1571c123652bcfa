package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade is one immutable ledger record. The JSON encoding is the on-disk
// NDJSON line format.
type Trade struct {
	ID             string           `json:"id"`
	Seq            int64            `json:"seq"`
	SignalID       string           `json:"signal_id"`
	StrategyID     string           `json:"strategy_id,omitempty"`
	WalletID       string           `json:"wallet_id"`
	Symbol         string           `json:"symbol"`
	Side           Side             `json:"side"` // buy or sell
	Price          decimal.Decimal  `json:"price"`
	Quantity       decimal.Decimal  `json:"quantity"`
	NotionalUSD    decimal.Decimal  `json:"notional_usd"`
	FeeUSD         decimal.Decimal  `json:"fee_usd"`
	Mode           ExecutionMode    `json:"mode"`
	Timestamp      time.Time        `json:"timestamp"`
	RealizedPnLUSD *decimal.Decimal `json:"realized_pnl_usd"`
	CompensatesID  string           `json:"compensates_id,omitempty"`
}

// Position is an open inventory line rebuilt from the ledger with an
// average-cost model.
type Position struct {
	WalletID string          `json:"wallet_id"`
	Symbol   string          `json:"symbol"`
	Quantity decimal.Decimal `json:"quantity"`
	AvgPrice decimal.Decimal `json:"avg_price"`
	CostUSD  decimal.Decimal `json:"cost_usd"`
}

// PnLStats aggregates ledger trades for one wallet (or all wallets).
type PnLStats struct {
	WalletID    string          `json:"wallet_id,omitempty"`
	Since       time.Time       `json:"since"`
	RealizedUSD decimal.Decimal `json:"realized_usd"`
	FeesUSD     decimal.Decimal `json:"fees_usd"`
	VolumeUSD   decimal.Decimal `json:"volume_usd"`
	NbTrades    int             `json:"nb_trades"`
	Winners     int             `json:"winners"`
	Losers      int             `json:"losers"`
	WinRate     decimal.Decimal `json:"win_rate"`
}
