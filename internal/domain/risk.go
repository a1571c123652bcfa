package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Decision is the verdict of the risk engine.
type Decision string

const (
	DecisionAccept Decision = "ACCEPT"
	DecisionAdjust Decision = "ADJUST"
	DecisionReject Decision = "REJECT"
	DecisionEject  Decision = "EJECT"
)

// Approves reports whether the decision allows a trade to be created.
func (d Decision) Approves() bool {
	return d == DecisionAccept || d == DecisionAdjust
}

// RiskDecision carries the verdict, its reason and the notional the engine
// is willing to trade. For REJECT and EJECT the notional is zero.
type RiskDecision struct {
	Decision         Decision
	Reason           string
	ApprovedNotional decimal.Decimal
}

// MarketRisk is the market and portfolio context a signal is evaluated in.
type MarketRisk struct {
	ATRPct               *decimal.Decimal // nil when unknown
	OpenExposureUSD      decimal.Decimal  // notional already open in the wallet
	PortfolioEquityUSD   decimal.Decimal
	PortfolioPnLTodayUSD decimal.Decimal
	KillSwitch           bool // global kill switch
}

// OrderIntent is a risk-approved request to trade. It only lives on the
// execution path and is never persisted on its own.
type OrderIntent struct {
	Signal           TradeSignal
	ApprovedNotional decimal.Decimal
	Decision         Decision
	Reason           string
}

// SafetyMode scales the per-trade budget.
type SafetyMode string

const (
	SafetySafe   SafetyMode = "SAFE"
	SafetyNormal SafetyMode = "NORMAL"
	SafetyDegen  SafetyMode = "DEGEN"
)

// ParseSafetyMode parses a safety mode; empty means NORMAL.
func ParseSafetyMode(s string) (SafetyMode, error) {
	switch SafetyMode(strings.ToUpper(strings.TrimSpace(s))) {
	case "", SafetyNormal:
		return SafetyNormal, nil
	case SafetySafe:
		return SafetySafe, nil
	case SafetyDegen:
		return SafetyDegen, nil
	}
	return "", &ConfigError{Field: "risk.safety_mode", Value: s, Msg: "want SAFE, NORMAL or DEGEN"}
}

// Factor is the multiplier applied to the per-trade risk budget.
func (m SafetyMode) Factor() decimal.Decimal {
	switch m {
	case SafetySafe:
		return decimal.RequireFromString("0.5")
	case SafetyDegen:
		return decimal.RequireFromString("1.5")
	default:
		return decimal.NewFromInt(1)
	}
}
