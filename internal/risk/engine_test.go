package risk

import (
	"io"
	"log/slog"
	"testing"

	"github.com/alanyoungcy/riskgate/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func dp(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func entry(notional string) domain.TradeSignal {
	return domain.TradeSignal{
		ID:          "sig-1",
		StrategyID:  "test",
		Symbol:      "ETH",
		Side:        domain.SideBuy,
		Kind:        domain.KindEntry,
		NotionalUSD: d(notional),
	}
}

func wallet(balance string) domain.WalletState {
	return domain.WalletState{WalletID: "main", Role: domain.RoleMain, BalanceUSD: d(balance)}
}

func TestEvaluate_AdjustsToPerTradeBudget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRiskPerTradePct = d("50")
	e := NewEngine(cfg, testLogger())

	got := e.Evaluate(entry("2000"), wallet("1000"), domain.MarketRisk{})

	assert.Equal(t, domain.DecisionAdjust, got.Decision)
	assert.Equal(t, ReasonPerTradeLimit, got.Reason)
	assert.True(t, got.ApprovedNotional.Equal(d("500")), "approved=%s", got.ApprovedNotional)
}

func TestEvaluate_AcceptsWithinBudget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRiskPerTradePct = d("50")
	e := NewEngine(cfg, testLogger())

	got := e.Evaluate(entry("400"), wallet("1000"), domain.MarketRisk{})
	assert.Equal(t, domain.DecisionAccept, got.Decision)
	assert.True(t, got.ApprovedNotional.Equal(d("400")))
}

func TestEvaluate_PerMarketOverrideAndCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRiskPerTradePct = d("50")
	cfg.PerMarket = map[string]MarketLimits{
		"ETH": {RiskPerTradePct: d("10")},
		"BTC": {RiskPerTradePct: d("80"), MaxNotionalUSD: d("120")},
	}
	e := NewEngine(cfg, testLogger())

	got := e.Evaluate(entry("2000"), wallet("1000"), domain.MarketRisk{})
	assert.True(t, got.ApprovedNotional.Equal(d("100")))

	btc := entry("2000")
	btc.Symbol = "BTC"
	got = e.Evaluate(btc, wallet("1000"), domain.MarketRisk{})
	// 80% is capped at the 50% maximum, then by the market notional cap.
	assert.Equal(t, ReasonMarketCap, got.Reason)
	assert.True(t, got.ApprovedNotional.Equal(d("120")))
}

func TestEvaluate_SafetyModeScalesBudget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRiskPerTradePct = d("50")
	cfg.Safety = domain.SafetySafe
	e := NewEngine(cfg, testLogger())

	got := e.Evaluate(entry("2000"), wallet("1000"), domain.MarketRisk{})
	assert.True(t, got.ApprovedNotional.Equal(d("250")))
}

func TestVolatilityMultiplier(t *testing.T) {
	buckets := []Bucket{
		{Name: "calm", ATRPctMax: d("1"), RiskMultiplier: d("1.5")},
		{Name: "normal", ATRPctMax: d("3"), RiskMultiplier: d("1")},
		{Name: "normal_dup", ATRPctMax: d("3"), RiskMultiplier: d("0.9")},
		{Name: "wild", ATRPctMax: d("8"), RiskMultiplier: d("0.7")},
	}
	tests := []struct {
		name string
		atr  *decimal.Decimal
		want string
		tag  string
	}{
		{"unknown atr", nil, "1", ""},
		{"first bucket", dp("0.5"), "1.5", "calm"},
		{"boundary moves to next bucket", dp("1"), "1", "normal"},
		{"ties resolved by declaration order", dp("2.9"), "1", "normal"},
		{"last bucket", dp("7.99"), "0.7", "wild"},
		{"beyond last bucket", dp("12"), "0.5", "beyond_last_bucket"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, name := volatilityMultiplier(buckets, tt.atr)
			assert.True(t, got.Equal(d(tt.want)), "got %s", got)
			assert.Equal(t, tt.tag, name)
		})
	}
}

func TestEvaluate_VolatilityShrinksNotional(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRiskPerTradePct = d("50")
	cfg.Buckets = []Bucket{{Name: "wild", ATRPctMax: d("5"), RiskMultiplier: d("0.4")}}
	e := NewEngine(cfg, testLogger())

	got := e.Evaluate(entry("2000"), wallet("1000"), domain.MarketRisk{ATRPct: dp("4")})
	assert.True(t, got.ApprovedNotional.Equal(d("200")))
}

func TestEvaluate_GlobalRiskBreachRejects(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRiskPerTradePct = d("50")
	cfg.MaxGlobalRiskPct = d("60")
	e := NewEngine(cfg, testLogger())

	got := e.Evaluate(entry("300"), wallet("1000"), domain.MarketRisk{OpenExposureUSD: d("400")})
	assert.Equal(t, domain.DecisionReject, got.Decision)
	assert.Equal(t, ReasonMaxGlobalRisk, got.Reason)
	assert.True(t, got.ApprovedNotional.IsZero())
}

func TestEvaluate_EjectTakesPrecedence(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRiskPerTradePct = d("50")
	e := NewEngine(cfg, testLogger())

	w := wallet("900")
	w.OpenPositions = 99 // would also be rejected
	w.KillSwitch = true
	got := e.Evaluate(entry("100"), w, domain.MarketRisk{})
	assert.Equal(t, domain.DecisionEject, got.Decision)
	assert.Equal(t, ReasonKillSwitch, got.Reason)

	got = e.Evaluate(entry("100"), wallet("900"), domain.MarketRisk{KillSwitch: true})
	assert.Equal(t, domain.DecisionEject, got.Decision)

	// Exits are ejected too while the wallet is being de-risked.
	exit := entry("100")
	exit.Kind = domain.KindStopLoss
	got = e.Evaluate(exit, w, domain.MarketRisk{})
	assert.Equal(t, domain.DecisionEject, got.Decision)
}

func TestEvaluate_Drawdowns(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRiskPerTradePct = d("50")
	cfg.MaxDailyLossPct = d("5")
	cfg.GlobalMaxDailyLossPct = d("10")
	e := NewEngine(cfg, testLogger())

	// Started the day at 1000, lost 60 (6%).
	w := wallet("940")
	w.PnLTodayUSD = d("-60")
	got := e.Evaluate(entry("100"), w, domain.MarketRisk{})
	assert.Equal(t, domain.DecisionEject, got.Decision)
	assert.Equal(t, ReasonWalletDrawdown, got.Reason)

	// Portfolio started at 10000 and lost 1000 (10%).
	got = e.Evaluate(entry("100"), wallet("1000"), domain.MarketRisk{
		PortfolioEquityUSD:   d("9000"),
		PortfolioPnLTodayUSD: d("-1000"),
	})
	assert.Equal(t, domain.DecisionEject, got.Decision)
	assert.Equal(t, ReasonGlobalDrawdown, got.Reason)

	// Lost 30 of 1000 (3%): past the 2.5% soft stop, budget halves.
	w = wallet("970")
	w.PnLTodayUSD = d("-30")
	got = e.Evaluate(entry("2000"), w, domain.MarketRisk{})
	assert.Equal(t, domain.DecisionAdjust, got.Decision)
	assert.Equal(t, ReasonSoftStop, got.Reason)
	assert.True(t, got.ApprovedNotional.Equal(d("242.5")), "approved=%s", got.ApprovedNotional)
}

func TestEvaluate_RejectsOnLimits(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRiskPerTradePct = d("50")
	cfg.MaxOpenPositions = 2
	cfg.MinNotionalUSD = d("10")
	e := NewEngine(cfg, testLogger())

	got := e.Evaluate(entry("100"), wallet("0"), domain.MarketRisk{})
	assert.Equal(t, ReasonNoBalance, got.Reason)

	w := wallet("1000")
	w.OpenPositions = 2
	got = e.Evaluate(entry("100"), w, domain.MarketRisk{})
	assert.Equal(t, ReasonMaxOpenPositions, got.Reason)

	got = e.Evaluate(entry("5"), wallet("1000"), domain.MarketRisk{})
	assert.Equal(t, domain.DecisionReject, got.Decision)
	assert.Equal(t, ReasonBelowMinNotional, got.Reason)
}

func TestEvaluate_ConsecutiveLossesHalve(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRiskPerTradePct = d("50")
	cfg.MaxConsecutiveLosses = 3
	e := NewEngine(cfg, testLogger())

	w := wallet("1000")
	w.ConsecutiveLosses = 3
	got := e.Evaluate(entry("2000"), w, domain.MarketRisk{})
	assert.Equal(t, ReasonConsecutiveLosses, got.Reason)
	assert.True(t, got.ApprovedNotional.Equal(d("250")))
}

func TestEvaluate_DisabledAcceptsAndExitsPass(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	e := NewEngine(cfg, testLogger())
	got := e.Evaluate(entry("5000"), wallet("10"), domain.MarketRisk{})
	assert.Equal(t, domain.DecisionAccept, got.Decision)
	assert.Equal(t, ReasonDisabled, got.Reason)

	e = NewEngine(DefaultConfig(), testLogger())
	exit := entry("5000")
	exit.Kind = domain.KindExit
	got = e.Evaluate(exit, wallet("10"), domain.MarketRisk{})
	assert.Equal(t, domain.DecisionAccept, got.Decision)
	assert.Equal(t, ReasonExit, got.Reason)
}

// Property: ADJUST never raises the notional and REJECT/EJECT approve nothing.
func TestEvaluate_NeverIncreasesNotional(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRiskPerTradePct = d("25")
	cfg.MaxGlobalRiskPct = d("80")
	cfg.MaxOpenPositions = 5
	cfg.Buckets = []Bucket{
		{Name: "calm", ATRPctMax: d("1"), RiskMultiplier: d("3")},
		{Name: "normal", ATRPctMax: d("4"), RiskMultiplier: d("1")},
	}
	e := NewEngine(cfg, testLogger())

	for _, notional := range []string{"1", "10", "99.99", "250", "251", "1000", "100000"} {
		for _, balance := range []string{"0", "50", "1000", "25000"} {
			for _, atr := range []*decimal.Decimal{nil, dp("0.5"), dp("2"), dp("9")} {
				for _, open := range []int{0, 4, 5} {
					w := wallet(balance)
					w.OpenPositions = open
					got := e.Evaluate(entry(notional), w, domain.MarketRisk{ATRPct: atr, OpenExposureUSD: d("100")})
					require.True(t, got.ApprovedNotional.LessThanOrEqual(d(notional)),
						"notional=%s balance=%s approved=%s", notional, balance, got.ApprovedNotional)
					if !got.Decision.Approves() {
						require.True(t, got.ApprovedNotional.IsZero())
					}
				}
			}
		}
	}
}

func TestIntent(t *testing.T) {
	sig := entry("2000")
	in := Intent(sig, domain.RiskDecision{Decision: domain.DecisionAdjust, Reason: ReasonPerTradeLimit, ApprovedNotional: d("500")})
	assert.Equal(t, sig.ID, in.Signal.ID)
	assert.Equal(t, domain.DecisionAdjust, in.Decision)
	assert.True(t, in.ApprovedNotional.Equal(d("500")))
}
