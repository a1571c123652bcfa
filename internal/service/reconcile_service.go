// Package service holds the operator-facing workflows that sit on top of the
// execution core: rebuilding wallet balances from the ledger and applying
// accepted transfer plans.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/riskgate/internal/domain"
	"github.com/alanyoungcy/riskgate/internal/wallet"
)

// EventReconcileMismatch is the notification event for wallets whose live
// balance disagrees with the ledger.
const EventReconcileMismatch = "reconcile_mismatch"

// TradeHistory is the ledger read side used for reconstruction.
type TradeHistory interface {
	Trades(walletID string, since time.Time) []domain.Trade
	PnLStats(walletID string, since time.Time) domain.PnLStats
}

// Report is the outcome of one reconciliation.
type Report struct {
	CheckedAt  time.Time          `json:"checked_at"`
	Wallets    int                `json:"wallets"`
	Trades     int                `json:"trades"`
	Transfers  int                `json:"transfers"`
	Mismatches []wallet.Mismatch  `json:"mismatches,omitempty"`
	Overdrafts []wallet.Overdraft `json:"overdrafts,omitempty"`
}

// OK reports whether every wallet matched and none is overdrawn.
func (r Report) OK() bool { return len(r.Mismatches) == 0 && len(r.Overdrafts) == 0 }

// Rebuilt is the wallet state implied by the ledger.
type Rebuilt struct {
	States     []domain.WalletState
	Trades     int
	Overdrafts []wallet.Overdraft
}

// ReconcileService recomputes wallet state from the configured starting
// balances, the ledger and applied transfers.
type ReconcileService struct {
	initial  []domain.WalletState
	ledger   TradeHistory
	audit    domain.AuditStore
	notifier Notifier
	logger   *slog.Logger
}

// NewReconcileService creates a ReconcileService. audit and notifier may be
// nil.
func NewReconcileService(initial []domain.WalletState, ledger TradeHistory, audit domain.AuditStore, notifier Notifier, logger *slog.Logger) *ReconcileService {
	return &ReconcileService{
		initial:  initial,
		ledger:   ledger,
		audit:    audit,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "reconcile_service")),
	}
}

// Rebuild returns the wallet states implied by the ledger. Today's PnL
// fields only count trades booked since UTC midnight of now. Overdrawn
// wallets are reported, not fatal.
func (s *ReconcileService) Rebuild(now time.Time, transfers []domain.AppliedTransfer) (Rebuilt, error) {
	trades := s.ledger.Trades("", time.Time{})
	states, overdrafts, err := wallet.RebuildWithTransfers(s.initial, trades, transfers)
	if err != nil {
		return Rebuilt{}, fmt.Errorf("reconcile_service: %w", err)
	}
	midnight := now.UTC().Truncate(24 * time.Hour)
	for i := range states {
		today := s.ledger.PnLStats(states[i].WalletID, midnight).RealizedUSD
		states[i].PnLTodayUSD = today
		states[i].RealizedPnLTodayUSD = today
	}
	return Rebuilt{States: states, Trades: len(trades), Overdrafts: overdrafts}, nil
}

// Check compares live states with the ledger. Mismatches are logged,
// audited and notified; they are never repaired here.
func (s *ReconcileService) Check(ctx context.Context, live []domain.WalletState, transfers []domain.AppliedTransfer) (Report, error) {
	now := time.Now().UTC()
	rebuilt, err := s.Rebuild(now, transfers)
	if err != nil {
		return Report{}, err
	}
	rep := Report{
		CheckedAt:  now,
		Wallets:    len(rebuilt.States),
		Trades:     rebuilt.Trades,
		Transfers:  len(transfers),
		Mismatches: wallet.Diff(live, rebuilt.States),
		Overdrafts: rebuilt.Overdrafts,
	}
	if rep.OK() {
		s.logger.InfoContext(ctx, "wallets reconcile with ledger",
			slog.Int("wallets", rep.Wallets),
			slog.Int("trades", rep.Trades),
			slog.Int("transfers", rep.Transfers),
		)
		return rep, nil
	}

	lines := make([]string, 0, len(rep.Mismatches)+len(rep.Overdrafts))
	for _, o := range rep.Overdrafts {
		s.logger.WarnContext(ctx, "ledger overdraws wallet",
			slog.String("wallet_id", o.WalletID),
			slog.String("ref", o.Ref),
			slog.String("balance_usd", o.BalanceUSD.String()),
		)
		lines = append(lines, fmt.Sprintf("%s: overdrawn to %s by %s", o.WalletID, o.BalanceUSD.StringFixed(2), o.Ref))
	}
	for _, m := range rep.Mismatches {
		s.logger.WarnContext(ctx, "wallet balance differs from ledger",
			slog.String("wallet_id", m.WalletID),
			slog.String("live_usd", m.Live.String()),
			slog.String("ledger_usd", m.Ledger.String()),
		)
		lines = append(lines, fmt.Sprintf("%s: live %s, ledger %s", m.WalletID, m.Live.StringFixed(2), m.Ledger.StringFixed(2)))
	}
	if s.audit != nil {
		detail := map[string]any{
			"mismatches": len(rep.Mismatches),
			"overdrafts": len(rep.Overdrafts),
			"wallets":    strings.Join(walletIDs(rep), ","),
		}
		if err := s.audit.Log(ctx, EventReconcileMismatch, detail); err != nil {
			s.logger.WarnContext(ctx, "reconcile audit failed", slog.String("error", err.Error()))
		}
	}
	if s.notifier != nil {
		title := fmt.Sprintf("%d wallet(s) out of sync with ledger", len(walletIDs(rep)))
		if err := s.notifier.Notify(ctx, EventReconcileMismatch, title, strings.Join(lines, "\n")); err != nil {
			s.logger.WarnContext(ctx, "reconcile notification failed", slog.String("error", err.Error()))
		}
	}
	return rep, nil
}

// walletIDs lists the flagged wallets once each, in report order.
func walletIDs(rep Report) []string {
	seen := map[string]bool{}
	var out []string
	add := func(id string) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, o := range rep.Overdrafts {
		add(o.WalletID)
	}
	for _, m := range rep.Mismatches {
		add(m.WalletID)
	}
	return out
}
