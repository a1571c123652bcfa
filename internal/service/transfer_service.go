package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/riskgate/internal/domain"
	"github.com/alanyoungcy/riskgate/internal/finance"
	"github.com/alanyoungcy/riskgate/internal/store/file"
)

// EventTransferApplied is the notification event for an executed plan.
const EventTransferApplied = "transfer_applied"

// Notifier delivers operator alerts filtered by event type.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// TransferApplier moves funds between wallets for one plan.
type TransferApplier interface {
	ApplyTransfer(ctx context.Context, plan domain.TransferPlan) error
}

// TransferService is the explicit, operator-triggered path that executes an
// advisory TransferPlan. Every application is recorded in an fsynced NDJSON
// log so balances can be rebuilt from the ledger plus applied transfers. A
// plan is applied at most once.
type TransferService struct {
	wallets   TransferApplier
	plansPath string
	log       *file.Appender
	audit     domain.AuditStore
	notifier  Notifier
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	applied map[string]bool
	history []domain.AppliedTransfer
}

// OpenTransferService replays the applied-transfer log at path, cutting off
// a torn final line, and opens it for appending. audit and notifier may be
// nil.
func OpenTransferService(path, plansPath string, wallets TransferApplier, audit domain.AuditStore, notifier Notifier, logger *slog.Logger) (*TransferService, error) {
	history, err := ReadAppliedTransfers(path)
	if err != nil {
		return nil, err
	}
	app, err := file.OpenAppender(path)
	if err != nil {
		return nil, fmt.Errorf("transfer_service: %w", err)
	}
	s := &TransferService{
		wallets:   wallets,
		plansPath: plansPath,
		log:       app,
		audit:     audit,
		notifier:  notifier,
		logger:    logger.With(slog.String("component", "transfer_service")),
		now:       func() time.Time { return time.Now().UTC() },
		applied:   make(map[string]bool, len(history)),
		history:   history,
	}
	for _, rec := range history {
		s.applied[rec.Plan.ID] = true
	}
	return s, nil
}

// ReadAppliedTransfers loads the applied-transfer log in application order.
// A torn final line is truncated away; an undecodable complete line is an
// error because silently dropping a fund movement would corrupt a rebuild.
func ReadAppliedTransfers(path string) ([]domain.AppliedTransfer, error) {
	res, err := file.Scan(path)
	if err != nil {
		return nil, fmt.Errorf("transfer_service: %w", err)
	}
	if res.TornTail {
		if err := file.Truncate(path, res.ValidSize); err != nil {
			return nil, fmt.Errorf("transfer_service: repair %s: %w", path, err)
		}
	}
	out := make([]domain.AppliedTransfer, 0, len(res.Records))
	for _, r := range res.Records {
		var rec domain.AppliedTransfer
		if err := json.Unmarshal(r.Line, &rec); err != nil {
			return nil, fmt.Errorf("transfer_service: %s at offset %d: %w", path, r.Offset, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Apply executes the plan with the given id from the plans log.
func (s *TransferService) Apply(ctx context.Context, planID, operator string) (domain.AppliedTransfer, error) {
	planID = strings.TrimSpace(planID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.applied[planID] {
		return domain.AppliedTransfer{}, fmt.Errorf("transfer_service: plan %s: %w", planID, domain.ErrAlreadyExists)
	}
	plan, err := s.findPlan(planID)
	if err != nil {
		return domain.AppliedTransfer{}, err
	}

	if err := s.wallets.ApplyTransfer(ctx, plan); err != nil {
		s.logger.WarnContext(ctx, "transfer refused",
			slog.String("plan_id", plan.ID),
			slog.String("error", err.Error()),
		)
		return domain.AppliedTransfer{}, fmt.Errorf("transfer_service: apply %s: %w", plan.ID, err)
	}

	rec := domain.AppliedTransfer{Plan: plan, AppliedAt: s.now(), Operator: operator}
	if err := s.log.Append(rec); err != nil {
		// Undo the movement so wallets never hold an unrecorded transfer.
		reverse := plan
		reverse.ID = plan.ID + ".revert"
		reverse.FromWallet, reverse.ToWallet = plan.ToWallet, plan.FromWallet
		if rerr := s.wallets.ApplyTransfer(ctx, reverse); rerr != nil {
			s.logger.ErrorContext(ctx, "transfer applied but neither recorded nor reverted",
				slog.String("plan_id", plan.ID),
				slog.String("record_error", err.Error()),
				slog.String("revert_error", rerr.Error()),
			)
		}
		return domain.AppliedTransfer{}, fmt.Errorf("transfer_service: record %s: %w", plan.ID, err)
	}
	s.applied[plan.ID] = true
	s.history = append(s.history, rec)

	s.logger.InfoContext(ctx, "transfer plan applied",
		slog.String("plan_id", plan.ID),
		slog.String("operator", operator),
		slog.String("reason", string(plan.Reason)),
		slog.String("amount_usd", plan.AmountUSD.String()),
	)
	s.record(ctx, rec)
	return rec, nil
}

func (s *TransferService) findPlan(id string) (domain.TransferPlan, error) {
	plans, err := finance.ReadPlans(s.plansPath, 0)
	if err != nil {
		return domain.TransferPlan{}, fmt.Errorf("transfer_service: %w", err)
	}
	for _, p := range plans {
		if p.ID == id {
			return p, nil
		}
	}
	return domain.TransferPlan{}, fmt.Errorf("transfer_service: plan %s: %w", id, domain.ErrNotFound)
}

func (s *TransferService) record(ctx context.Context, rec domain.AppliedTransfer) {
	if s.audit != nil {
		if err := s.audit.Log(ctx, EventTransferApplied, map[string]any{
			"plan_id":    rec.Plan.ID,
			"from":       rec.Plan.FromWallet,
			"to":         rec.Plan.ToWallet,
			"amount_usd": rec.Plan.AmountUSD.String(),
			"reason":     string(rec.Plan.Reason),
			"operator":   rec.Operator,
		}); err != nil {
			s.logger.WarnContext(ctx, "transfer audit failed", slog.String("error", err.Error()))
		}
	}
	if s.notifier != nil {
		msg := fmt.Sprintf("%s: %s -> %s %s USD (by %s)", rec.Plan.Reason, rec.Plan.FromWallet,
			rec.Plan.ToWallet, rec.Plan.AmountUSD.StringFixed(2), rec.Operator)
		if err := s.notifier.Notify(ctx, EventTransferApplied, "Transfer applied", msg); err != nil {
			s.logger.WarnContext(ctx, "transfer notification failed", slog.String("error", err.Error()))
		}
	}
}

// Applied returns every applied transfer in application order.
func (s *TransferService) Applied() []domain.AppliedTransfer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.AppliedTransfer(nil), s.history...)
}

// Close closes the applied-transfer log.
func (s *TransferService) Close() error { return s.log.Close() }
