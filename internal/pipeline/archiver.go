package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/riskgate/internal/domain"
	"github.com/alanyoungcy/riskgate/internal/finance"
	"github.com/alanyoungcy/riskgate/internal/ledger"
)

// TradeSource is the ledger read side used by the archiver.
type TradeSource interface {
	TradesAfter(seq int64, limit int) []domain.Trade
}

// CursorStore persists the archive progress next to the ledger.
type CursorStore interface {
	Cursor(name string) (string, bool)
	CursorSeq(name string) int64
	SetCursor(name, value string) error
}

// ArchiveResult counts what one run copied to cold storage.
type ArchiveResult struct {
	Trades int64
	Plans  int64
}

// Archiver copies ledger trades and emitted plans to object storage. Local
// files are never deleted; the cursors only record what has been copied.
type Archiver struct {
	blob      domain.Archiver
	trades    TradeSource
	cursors   CursorStore
	plansPath string
	batch     int
	logger    *slog.Logger
}

// NewArchiver creates a new Archiver.
func NewArchiver(blob domain.Archiver, trades TradeSource, cursors CursorStore, plansPath string, batch int, logger *slog.Logger) *Archiver {
	if batch <= 0 {
		batch = 5000
	}
	return &Archiver{
		blob:      blob,
		trades:    trades,
		cursors:   cursors,
		plansPath: plansPath,
		batch:     batch,
		logger:    logger.With(slog.String("component", "archiver")),
	}
}

// Run executes a single archive run. Trades advance archive.last_seq one
// batch at a time, so an interrupted run resumes from the last uploaded
// batch.
func (a *Archiver) Run(ctx context.Context) (ArchiveResult, error) {
	var res ArchiveResult
	seq := a.cursors.CursorSeq(ledger.CursorArchiveSeq)
	a.logger.Info("starting archive run", slog.Int64("after_seq", seq))

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		batch := a.trades.TradesAfter(seq, a.batch)
		if len(batch) == 0 {
			break
		}
		n, err := a.blob.ArchiveTrades(ctx, batch)
		if err != nil {
			return res, fmt.Errorf("archiving trades after seq %d: %w", seq, err)
		}
		seq = batch[len(batch)-1].Seq
		if err := a.cursors.SetCursor(ledger.CursorArchiveSeq, ledger.FormatSeq(seq)); err != nil {
			return res, fmt.Errorf("archive cursor: %w", err)
		}
		res.Trades += n
	}

	if a.plansPath != "" {
		n, err := a.archivePlans(ctx)
		if err != nil {
			return res, err
		}
		res.Plans = n
	}

	a.logger.Info("archive run complete",
		slog.Int64("trades_archived", res.Trades),
		slog.Int64("plans_archived", res.Plans),
		slog.Int64("last_seq", seq),
	)
	return res, nil
}

func (a *Archiver) archivePlans(ctx context.Context) (int64, error) {
	var since time.Time
	if raw, ok := a.cursors.Cursor(ledger.CursorArchivePlan); ok {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			a.logger.Warn("unparsable plan archive cursor, archiving all plans", slog.String("value", raw))
		}
		since = t
	}

	all, err := finance.ReadPlans(a.plansPath, 0)
	if err != nil {
		return 0, fmt.Errorf("archiving plans: %w", err)
	}
	// ReadPlans is newest first.
	var pending []domain.TransferPlan
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].CreatedAt.After(since) {
			pending = append(pending, all[i])
		}
	}
	if len(pending) == 0 {
		return 0, nil
	}

	n, err := a.blob.ArchivePlans(ctx, pending)
	if err != nil {
		return 0, fmt.Errorf("archiving plans: %w", err)
	}
	latest := since
	for _, p := range pending {
		if p.CreatedAt.After(latest) {
			latest = p.CreatedAt
		}
	}
	if err := a.cursors.SetCursor(ledger.CursorArchivePlan, ledger.FormatTime(latest)); err != nil {
		return n, fmt.Errorf("plan archive cursor: %w", err)
	}
	return n, nil
}

// RunCron runs the archiver on a 5-field cron schedule until ctx is
// cancelled. A failed run is logged and retried at the next trigger.
//
// Example: "0 3 1 * *" runs at 03:00 UTC on the 1st of every month.
func (a *Archiver) RunCron(ctx context.Context, cronExpr string) error {
	sched, err := parseCron(cronExpr)
	if err != nil {
		return fmt.Errorf("parsing cron expression %q: %w", cronExpr, err)
	}
	a.logger.Info("archiver cron started", slog.String("cron", cronExpr))

	for {
		next, err := sched.next(time.Now().UTC())
		if err != nil {
			return err
		}
		wait := time.Until(next)
		a.logger.Debug("archiver waiting for next cron trigger", slog.Time("next_run", next), slog.Duration("wait", wait))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			a.logger.Info("archiver cron stopped")
			return ctx.Err()
		case <-timer.C:
			if _, err := a.Run(ctx); err != nil {
				a.logger.Error("archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}
