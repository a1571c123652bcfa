package risk

import (
	"github.com/shopspring/decimal"
)

var (
	hundred = decimal.NewFromInt(100)
	half    = decimal.RequireFromString("0.5")
	unit    = decimal.NewFromInt(1)
)

// beyondLastBucket is applied when ATR exceeds every configured bucket.
var beyondLastBucket = half

// volatilityMultiplier picks the multiplier of the first bucket whose ceiling
// exceeds atr. Unknown ATR means no adjustment.
func volatilityMultiplier(buckets []Bucket, atr *decimal.Decimal) (decimal.Decimal, string) {
	if atr == nil {
		return unit, ""
	}
	for _, b := range buckets {
		if atr.LessThan(b.ATRPctMax) {
			return b.RiskMultiplier, b.Name
		}
	}
	return beyondLastBucket, "beyond_last_bucket"
}

// riskPerTradePct resolves the per-trade budget for symbol, capped by the
// global maximum and scaled by the safety mode.
func (e *Engine) riskPerTradePct(symbol string) decimal.Decimal {
	pct := e.cfg.DefaultRiskPerTradePct
	if m, ok := e.cfg.PerMarket[symbol]; ok && m.RiskPerTradePct.IsPositive() {
		pct = m.RiskPerTradePct
	}
	if !pct.IsPositive() || pct.GreaterThan(e.cfg.MaxRiskPerTradePct) {
		pct = e.cfg.MaxRiskPerTradePct
	}
	return pct.Mul(e.cfg.Safety.Factor())
}

// lossBreached reports whether pnl is a loss of at least pct percent of the
// equity the period started with.
func lossBreached(pnl, equityNow, pct decimal.Decimal) bool {
	if !pct.IsPositive() || !pnl.IsNegative() {
		return false
	}
	start := equityNow.Sub(pnl)
	if !start.IsPositive() {
		return true
	}
	limit := start.Mul(pct).Div(hundred)
	return pnl.Neg().GreaterThanOrEqual(limit)
}
