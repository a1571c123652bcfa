package finance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/riskgate/internal/domain"
	"github.com/alanyoungcy/riskgate/internal/metrics"
)

// EventTransferPlan is the notification event for emitted plans.
const EventTransferPlan = "transfer_plan"

// Snapshotter returns a consistent copy of all wallet states.
type Snapshotter interface {
	Snapshot() []domain.WalletState
}

// CursorStore persists planning cursors.
type CursorStore interface {
	SetCursors(values map[string]string) error
}

// Notifier delivers operator alerts.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// PipelineDeps are the collaborators of a Pipeline. Bus, Mirror, Notifier
// and Audit are optional.
type PipelineDeps struct {
	Planner  *Planner
	Wallets  Snapshotter
	Log      *PlanLog
	Cursors  CursorStore
	Bus      domain.SignalBus
	Mirror   domain.PlanMirror
	Notifier Notifier
	Audit    domain.AuditStore
}

// Pipeline runs the planner periodically and records what it emits.
type Pipeline struct {
	deps     PipelineDeps
	interval time.Duration
	logger   *slog.Logger
}

// NewPipeline creates a Pipeline.
func NewPipeline(deps PipelineDeps, interval time.Duration, logger *slog.Logger) *Pipeline {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Pipeline{
		deps:     deps,
		interval: interval,
		logger:   logger.With(slog.String("component", "finance_pipeline")),
	}
}

// RunOnce plans from one consistent snapshot, makes every plan durable, then
// advances the ledger cursors. Publishing, mirroring and notification are
// best-effort and happen last.
func (p *Pipeline) RunOnce(ctx context.Context) ([]domain.TransferPlan, error) {
	snap := p.deps.Wallets.Snapshot()
	run, err := p.deps.Planner.Prepare(snap)
	if err != nil {
		return nil, fmt.Errorf("finance: plan: %w", err)
	}

	for _, plan := range run.Plans {
		if err := p.deps.Log.Append(plan); err != nil {
			return nil, err
		}
		metrics.TransferPlans.WithLabelValues(string(plan.Reason)).Inc()
	}
	if len(run.Cursors) > 0 && p.deps.Cursors != nil {
		if err := p.deps.Cursors.SetCursors(run.Cursors); err != nil {
			return run.Plans, fmt.Errorf("finance: store cursors: %w", err)
		}
	}

	p.logger.InfoContext(ctx, "finance pass complete",
		slog.Int("wallets", len(snap)),
		slog.Int("plans", len(run.Plans)),
		slog.Int64("upto_seq", run.UptoSeq),
	)
	if len(run.Plans) == 0 {
		return nil, nil
	}
	p.fanout(ctx, run.Plans)
	return run.Plans, nil
}

func (p *Pipeline) fanout(ctx context.Context, plans []domain.TransferPlan) {
	total := decimal.Zero
	lines := make([]string, 0, len(plans))
	for _, plan := range plans {
		total = total.Add(plan.AmountUSD)
		lines = append(lines, fmt.Sprintf("%s: %s -> %s %s USD", plan.Reason, plan.FromWallet, plan.ToWallet, plan.AmountUSD.StringFixed(2)))
		if p.deps.Bus != nil {
			payload, err := json.Marshal(plan)
			if err != nil {
				continue
			}
			if err := p.deps.Bus.Publish(ctx, domain.ChannelPlans, payload); err != nil {
				metrics.FanoutErrors.WithLabelValues("bus").Inc()
				p.logger.WarnContext(ctx, "plan publish failed", slog.String("plan_id", plan.ID), slog.String("error", err.Error()))
			}
		}
	}
	if p.deps.Mirror != nil {
		if err := p.deps.Mirror.InsertPlans(ctx, plans); err != nil {
			metrics.FanoutErrors.WithLabelValues("mirror").Inc()
			p.logger.WarnContext(ctx, "plan mirror insert failed", slog.String("error", err.Error()))
		}
	}
	if p.deps.Notifier != nil {
		title := fmt.Sprintf("%d transfer plan(s), %s USD", len(plans), total.StringFixed(2))
		if err := p.deps.Notifier.Notify(ctx, EventTransferPlan, title, strings.Join(lines, "\n")); err != nil {
			p.logger.WarnContext(ctx, "plan notification failed", slog.String("error", err.Error()))
		}
	}
	if p.deps.Audit != nil {
		if err := p.deps.Audit.Log(ctx, "transfer_plans", map[string]any{
			"count":     len(plans),
			"total_usd": total.String(),
		}); err != nil {
			p.logger.WarnContext(ctx, "plan audit failed", slog.String("error", err.Error()))
		}
	}
}

// Run calls RunOnce every interval until ctx is cancelled. A failed pass is
// logged and retried at the next tick.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("finance pipeline started", slog.Duration("interval", p.interval))
	defer p.logger.Info("finance pipeline stopped")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := p.RunOnce(ctx); err != nil {
				p.logger.ErrorContext(ctx, "finance pass failed", slog.String("error", err.Error()))
			}
		}
	}
}
