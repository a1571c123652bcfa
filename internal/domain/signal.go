package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction requested by a strategy.
type Side string

const (
	SideBuy   Side = "buy"
	SideSell  Side = "sell"
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Direction folds long/short onto buy/sell, which is what the ledger records.
func (s Side) Direction() Side {
	switch s {
	case SideLong:
		return SideBuy
	case SideShort:
		return SideSell
	default:
		return s
	}
}

// ParseSide parses a side string case-insensitively.
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToLower(strings.TrimSpace(s))) {
	case SideBuy:
		return SideBuy, nil
	case SideSell:
		return SideSell, nil
	case SideLong:
		return SideLong, nil
	case SideShort:
		return SideShort, nil
	}
	return "", fmt.Errorf("%w: unknown side %q", ErrInvalidSignal, s)
}

// SignalKind says whether a signal opens or closes exposure.
type SignalKind string

const (
	KindEntry      SignalKind = "entry"
	KindExit       SignalKind = "exit"
	KindTakeProfit SignalKind = "take_profit"
	KindStopLoss   SignalKind = "stop_loss"
)

// IsExit reports whether the kind reduces exposure.
func (k SignalKind) IsExit() bool {
	return k == KindExit || k == KindTakeProfit || k == KindStopLoss
}

// Well-known signal metadata keys.
const (
	MetaEntryPrice = "entry_price"
	MetaATRPct     = "atr_pct"
	MetaChain      = "chain"
	MetaProfile    = "profile"
)

// TradeSignal is a proposed trade produced upstream by a strategy. It is
// never modified after creation.
type TradeSignal struct {
	ID          string            `json:"id"`
	StrategyID  string            `json:"strategy_id"`
	WalletID    string            `json:"wallet_id,omitempty"`
	Symbol      string            `json:"symbol"`
	Side        Side              `json:"side"`
	NotionalUSD decimal.Decimal   `json:"notional_usd"`
	Kind        SignalKind        `json:"kind"`
	Meta        map[string]string `json:"meta,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Validate checks the fields every downstream stage relies on.
func (s TradeSignal) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidSignal)
	}
	if strings.TrimSpace(s.Symbol) == "" {
		return fmt.Errorf("%w: %s: missing symbol", ErrInvalidSignal, s.ID)
	}
	if _, err := ParseSide(string(s.Side)); err != nil {
		return err
	}
	switch s.Kind {
	case KindEntry, KindExit, KindTakeProfit, KindStopLoss:
	default:
		return fmt.Errorf("%w: %s: unknown kind %q", ErrInvalidSignal, s.ID, s.Kind)
	}
	if !s.NotionalUSD.IsPositive() {
		return fmt.Errorf("%w: %s: notional must be positive", ErrInvalidSignal, s.ID)
	}
	return nil
}

// MetaDecimal returns a decimal meta value, or false when absent or unparsable.
func (s TradeSignal) MetaDecimal(key string) (decimal.Decimal, bool) {
	raw, ok := s.Meta[key]
	if !ok || strings.TrimSpace(raw) == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}
