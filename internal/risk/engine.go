package risk

import (
	"log/slog"

	"github.com/alanyoungcy/riskgate/internal/domain"
	"github.com/shopspring/decimal"
)

// Decision reasons.
const (
	ReasonDisabled          = "risk_disabled"
	ReasonKillSwitch        = "kill_switch"
	ReasonGlobalDrawdown    = "global_drawdown"
	ReasonWalletDrawdown    = "wallet_drawdown"
	ReasonExit              = "exit"
	ReasonNoBalance         = "no_balance"
	ReasonMaxOpenPositions  = "max_open_positions"
	ReasonBelowMinNotional  = "below_min_notional"
	ReasonMaxGlobalRisk     = "max_global_risk"
	ReasonOK                = "ok"
	ReasonPerTradeLimit     = "per_trade_limit"
	ReasonMarketCap         = "market_notional_cap"
	ReasonSoftStop          = "drawdown_soft_stop"
	ReasonConsecutiveLosses = "consecutive_losses"
)

// Engine is the composed risk engine: volatility-adjusted sizing followed by
// the portfolio limit gate. It holds no mutable state.
type Engine struct {
	cfg    Config
	logger *slog.Logger
}

// NewEngine creates an Engine.
func NewEngine(cfg Config, logger *slog.Logger) *Engine {
	if cfg.PerMarket == nil {
		cfg.PerMarket = map[string]MarketLimits{}
	}
	if cfg.Safety == "" {
		cfg.Safety = domain.SafetyNormal
	}
	return &Engine{cfg: cfg, logger: logger.With(slog.String("component", "risk"))}
}

// Evaluate decides whether sig may trade from wallet in the given market
// context. The approved notional never exceeds the requested one.
func (e *Engine) Evaluate(sig domain.TradeSignal, wallet domain.WalletState, market domain.MarketRisk) domain.RiskDecision {
	d := e.evaluate(sig, wallet, market)

	attrs := []any{
		slog.String("signal_id", sig.ID),
		slog.String("wallet_id", wallet.WalletID),
		slog.String("decision", string(d.Decision)),
		slog.String("reason", d.Reason),
		slog.String("requested", sig.NotionalUSD.String()),
		slog.String("approved", d.ApprovedNotional.String()),
	}
	switch d.Decision {
	case domain.DecisionEject:
		e.logger.Warn("risk: eject", attrs...)
	case domain.DecisionReject:
		e.logger.Info("risk: reject", attrs...)
	default:
		e.logger.Debug("risk: approved", attrs...)
	}
	return d
}

func (e *Engine) evaluate(sig domain.TradeSignal, wallet domain.WalletState, market domain.MarketRisk) domain.RiskDecision {
	requested := sig.NotionalUSD

	if !e.cfg.Enabled {
		return accept(requested, ReasonDisabled)
	}

	// Ejection takes precedence over every other path for the wallet.
	if market.KillSwitch || wallet.KillSwitch {
		return eject(ReasonKillSwitch)
	}
	if lossBreached(market.PortfolioPnLTodayUSD, market.PortfolioEquityUSD, e.cfg.GlobalMaxDailyLossPct) {
		return eject(ReasonGlobalDrawdown)
	}
	if lossBreached(wallet.PnLTodayUSD, wallet.BalanceUSD, e.cfg.MaxDailyLossPct) {
		return eject(ReasonWalletDrawdown)
	}

	if sig.Kind.IsExit() {
		return accept(requested, ReasonExit)
	}

	balance := wallet.BalanceUSD
	if !balance.IsPositive() {
		return reject(ReasonNoBalance)
	}
	if e.cfg.MaxOpenPositions > 0 && wallet.OpenPositions >= e.cfg.MaxOpenPositions {
		return reject(ReasonMaxOpenPositions)
	}

	allowed, binding := e.allowedNotional(sig, wallet, market)
	approved := decimal.Min(requested, allowed)

	if !approved.IsPositive() || approved.LessThan(e.cfg.MinNotionalUSD) {
		return reject(ReasonBelowMinNotional)
	}

	if e.cfg.MaxGlobalRiskPct.IsPositive() {
		exposurePct := market.OpenExposureUSD.Add(approved).Div(balance).Mul(hundred)
		if exposurePct.GreaterThan(e.cfg.MaxGlobalRiskPct) {
			return reject(ReasonMaxGlobalRisk)
		}
	}

	if approved.Equal(requested) {
		return accept(requested, ReasonOK)
	}
	return domain.RiskDecision{
		Decision:         domain.DecisionAdjust,
		Reason:           binding,
		ApprovedNotional: approved,
	}
}

// allowedNotional is the largest notional the per-trade budget permits and
// the name of the limit that produced it.
func (e *Engine) allowedNotional(sig domain.TradeSignal, wallet domain.WalletState, market domain.MarketRisk) (decimal.Decimal, string) {
	pct := e.riskPerTradePct(sig.Symbol)
	mult, _ := volatilityMultiplier(e.cfg.Buckets, market.ATRPct)

	allowed := wallet.BalanceUSD.Mul(pct).Div(hundred).Mul(mult)
	binding := ReasonPerTradeLimit

	if e.cfg.MaxConsecutiveLosses > 0 && wallet.ConsecutiveLosses >= e.cfg.MaxConsecutiveLosses {
		allowed = allowed.Mul(half)
		binding = ReasonConsecutiveLosses
	}
	softPct := e.cfg.MaxDailyLossPct.Mul(e.cfg.SoftStopRatio)
	if lossBreached(wallet.PnLTodayUSD, wallet.BalanceUSD, softPct) {
		allowed = allowed.Mul(half)
		binding = ReasonSoftStop
	}
	if m, ok := e.cfg.PerMarket[sig.Symbol]; ok && m.MaxNotionalUSD.IsPositive() && allowed.GreaterThan(m.MaxNotionalUSD) {
		allowed = m.MaxNotionalUSD
		binding = ReasonMarketCap
	}
	return allowed, binding
}

func accept(n decimal.Decimal, reason string) domain.RiskDecision {
	return domain.RiskDecision{Decision: domain.DecisionAccept, Reason: reason, ApprovedNotional: n}
}

func reject(reason string) domain.RiskDecision {
	return domain.RiskDecision{Decision: domain.DecisionReject, Reason: reason, ApprovedNotional: decimal.Zero}
}

func eject(reason string) domain.RiskDecision {
	return domain.RiskDecision{Decision: domain.DecisionEject, Reason: reason, ApprovedNotional: decimal.Zero}
}

// Intent builds the order intent for an approving decision.
func Intent(sig domain.TradeSignal, d domain.RiskDecision) domain.OrderIntent {
	return domain.OrderIntent{
		Signal:           sig,
		ApprovedNotional: d.ApprovedNotional,
		Decision:         d.Decision,
		Reason:           d.Reason,
	}
}
