// Package risk evaluates trade signals against per-trade, per-market and
// portfolio budgets and decides whether they may be executed.
package risk

import (
	"github.com/alanyoungcy/riskgate/internal/domain"
	"github.com/shopspring/decimal"
)

// Bucket is one volatility band. Buckets are matched in declaration order.
type Bucket struct {
	Name           string
	ATRPctMax      decimal.Decimal
	RiskMultiplier decimal.Decimal
}

// MarketLimits overrides the per-trade budget for one symbol. Zero values
// mean "not set".
type MarketLimits struct {
	RiskPerTradePct decimal.Decimal
	MaxNotionalUSD  decimal.Decimal
}

// Config holds the engine's budgets. Percentages are 0-100; a zero limit
// disables the corresponding check unless noted otherwise.
type Config struct {
	Enabled bool
	Safety  domain.SafetyMode

	// DefaultRiskPerTradePct falls back to MaxRiskPerTradePct when zero.
	DefaultRiskPerTradePct decimal.Decimal
	MaxRiskPerTradePct     decimal.Decimal
	MaxGlobalRiskPct       decimal.Decimal
	MaxDailyLossPct        decimal.Decimal
	GlobalMaxDailyLossPct  decimal.Decimal
	SoftStopRatio          decimal.Decimal
	MinNotionalUSD         decimal.Decimal
	MaxOpenPositions       int
	MaxConsecutiveLosses   int

	Buckets   []Bucket
	PerMarket map[string]MarketLimits
}

// DefaultConfig returns conservative budgets.
func DefaultConfig() Config {
	return Config{
		Enabled:               true,
		Safety:                domain.SafetyNormal,
		MaxRiskPerTradePct:    decimal.NewFromInt(2),
		MaxGlobalRiskPct:      decimal.NewFromInt(100),
		MaxDailyLossPct:       decimal.NewFromInt(5),
		GlobalMaxDailyLossPct: decimal.NewFromInt(10),
		SoftStopRatio:         decimal.RequireFromString("0.5"),
		MaxOpenPositions:      10,
		MaxConsecutiveLosses:  5,
		PerMarket:             map[string]MarketLimits{},
	}
}
