// Package metrics holds the process-wide Prometheus collectors.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	RiskDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "riskgate_risk_decisions_total",
		Help: "Risk decisions by outcome and reason",
	}, []string{"decision", "reason"})

	ExecutionResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "riskgate_execution_results_total",
		Help: "Execution results by mode and terminal state",
	}, []string{"mode", "state"})

	GuardBlocks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "riskgate_txguard_blocks_total",
		Help: "Transactions refused by the send guard",
	}, []string{"reason"})

	DuplicateSignals = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "riskgate_duplicate_signals_total",
		Help: "Signals collapsed by idempotency",
	})

	LedgerAppendSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "riskgate_ledger_append_seconds",
		Help:    "Time to durably append one ledger record",
		Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	LedgerAppendErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "riskgate_ledger_append_errors_total",
		Help: "Failed ledger appends",
	})

	TransferPlans = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "riskgate_transfer_plans_total",
		Help: "Transfer plans emitted by reason",
	}, []string{"reason"})

	WalletBalance = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "riskgate_wallet_balance_usd",
		Help: "Wallet balance after the last applied trade or snapshot",
	}, []string{"wallet"})

	FanoutErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "riskgate_fanout_errors_total",
		Help: "Best-effort publish or mirror failures by sink",
	}, []string{"sink"})
)

func init() {
	prometheus.MustRegister(
		RiskDecisions,
		ExecutionResults,
		GuardBlocks,
		DuplicateSignals,
		LedgerAppendSeconds,
		LedgerAppendErrors,
		TransferPlans,
		WalletBalance,
		FanoutErrors,
	)
}
