package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/riskgate/internal/domain"
	"github.com/alanyoungcy/riskgate/internal/executor"
	"github.com/alanyoungcy/riskgate/internal/feed"
	"github.com/alanyoungcy/riskgate/internal/finance"
	"github.com/alanyoungcy/riskgate/internal/ledger"
	"github.com/alanyoungcy/riskgate/internal/metrics"
	"github.com/alanyoungcy/riskgate/internal/pipeline"
	"github.com/alanyoungcy/riskgate/internal/risk"
	"github.com/alanyoungcy/riskgate/internal/server"
	"github.com/alanyoungcy/riskgate/internal/server/handler"
	"github.com/alanyoungcy/riskgate/internal/server/middleware"
	"github.com/alanyoungcy/riskgate/internal/server/ws"
	"github.com/alanyoungcy/riskgate/internal/service"
	"github.com/alanyoungcy/riskgate/internal/wallet"
)

// ErrReconcileMismatch is returned by reconcile mode when any wallet
// disagrees with the ledger.
var ErrReconcileMismatch = errors.New("wallet balances differ from the ledger")

const (
	walletLockTTL   = 10 * time.Second
	shutdownTimeout = 5 * time.Second
	backfillBatch   = 1000
)

// core is the state every mode starts from: the ledger, wallets rebuilt from
// it, and the transfer log.
type core struct {
	initial   []domain.WalletState
	ledger    *ledger.Store
	wallets   *wallet.Manager
	reconcile *service.ReconcileService
	transfers *service.TransferService
}

// openCore opens the ledger and rebuilds wallet balances from the configured
// starting balances, every booked trade and every applied transfer.
func (a *App) openCore(ctx context.Context, deps *Dependencies) (*core, error) {
	initial, err := a.cfg.WalletStates()
	if err != nil {
		return nil, fmt.Errorf("app: wallets: %w", err)
	}

	store, err := ledger.Open(a.cfg.Ledger.Dir, a.logger)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.closers = append(a.closers, func() {
		if err := store.Close(); err != nil {
			a.logger.Error("ledger close failed", slog.String("error", err.Error()))
		}
	})

	history, err := service.ReadAppliedTransfers(a.cfg.Ledger.TransfersPath)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	rec := service.NewReconcileService(initial, store, deps.AuditStore, deps.Notifier, a.logger)
	out, err := rec.Rebuild(time.Now().UTC(), history)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	rebuilt := out.States
	for _, o := range out.Overdrafts {
		a.logger.WarnContext(ctx, "ledger overdraws wallet, starting with a negative balance",
			slog.String("wallet_id", o.WalletID),
			slog.String("ref", o.Ref),
			slog.String("balance_usd", o.BalanceUSD.String()),
		)
	}
	a.logger.InfoContext(ctx, "wallets rebuilt from ledger",
		slog.Int("wallets", len(rebuilt)),
		slog.Int("trades", out.Trades),
		slog.Int("transfers", len(history)),
		slog.Int64("last_seq", store.LastSeq()),
	)

	snap, err := wallet.ReadSnapshotFile(a.cfg.Ledger.SnapshotPath)
	switch {
	case errors.Is(err, domain.ErrNotFound):
	case err != nil:
		a.logger.WarnContext(ctx, "wallet snapshot unreadable", slog.String("error", err.Error()))
	default:
		if diffs := wallet.Diff(wallet.Overlay(initial, snap), rebuilt); len(diffs) > 0 {
			a.logger.InfoContext(ctx, "snapshot is behind the ledger, using ledger balances",
				slog.Int("wallets", len(diffs)),
			)
		}
	}

	var opts []wallet.Option
	if deps.LockManager != nil {
		opts = append(opts, wallet.WithLockManager(deps.LockManager, walletLockTTL))
	}
	wm, err := wallet.NewManager(rebuilt, a.logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	transfers, err := service.OpenTransferService(
		a.cfg.Ledger.TransfersPath, a.cfg.Ledger.PlansPath, wm, deps.AuditStore, deps.Notifier, a.logger,
	)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.closers = append(a.closers, func() { _ = transfers.Close() })

	return &core{
		initial:   initial,
		ledger:    store,
		wallets:   wm,
		reconcile: rec,
		transfers: transfers,
	}, nil
}

// ExecuteMode runs the signal feed, the executor, the finance pipeline, the
// background jobs and the query server until ctx is cancelled.
func (a *App) ExecuteMode(ctx context.Context, deps *Dependencies) error {
	c, err := a.openCore(ctx, deps)
	if err != nil {
		return err
	}

	eng, err := a.newExecutor(c, deps)
	if err != nil {
		return err
	}
	a.logger.InfoContext(ctx, "starting execute mode",
		slog.String("execution_mode", string(eng.Mode())),
		slog.String("profile", a.cfg.Execution.Profile),
		slog.String("feed", a.cfg.Feed.Source),
	)

	var pipe *finance.Pipeline
	if a.cfg.Finance.Enabled {
		if pipe, err = a.newFinancePipeline(c, deps); err != nil {
			return err
		}
	}
	orch, err := a.backgroundJobs(c, deps)
	if err != nil {
		return err
	}
	if strings.EqualFold(a.cfg.Feed.Source, "redis") && deps.SignalBus == nil {
		return fmt.Errorf("app: feed: redis source without a signal bus")
	}

	g, gctx := errgroup.WithContext(ctx)

	signals := make(chan domain.TradeSignal, 64)
	a.startFeed(gctx, g, c, deps, signals)
	g.Go(func() error { return eng.Run(gctx, signals) })
	if pipe != nil {
		g.Go(func() error { return pipe.Run(gctx) })
	}
	g.Go(func() error { return orch.Run(gctx) })

	if a.cfg.Server.Enabled {
		a.startServer(gctx, g, c, deps, true)
	}

	err = g.Wait()
	a.saveSnapshot(c)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	a.logger.Info("execute mode stopped")
	return nil
}

// PlanMode runs the finance pipeline once and prints the emitted plans.
func (a *App) PlanMode(ctx context.Context, deps *Dependencies) error {
	c, err := a.openCore(ctx, deps)
	if err != nil {
		return err
	}
	if a.snapshotFile != "" {
		snap, err := wallet.ReadSnapshotFile(a.snapshotFile)
		if err != nil {
			return fmt.Errorf("app: %w", err)
		}
		n := c.wallets.Restore(snap)
		a.logger.InfoContext(ctx, "planning from snapshot file",
			slog.String("path", a.snapshotFile),
			slog.Int("wallets", n),
		)
	}

	pipe, err := a.newFinancePipeline(c, deps)
	if err != nil {
		return err
	}
	plans, err := pipe.RunOnce(ctx)
	if err != nil {
		return err
	}
	a.logger.InfoContext(ctx, "plan run complete", slog.Int("plans", len(plans)))
	if plans == nil {
		plans = []domain.TransferPlan{}
	}
	return writeJSON(a.out, plans)
}

// ReconcileMode compares the wallet snapshot file with balances rebuilt from
// the ledger and prints the report.
func (a *App) ReconcileMode(ctx context.Context, deps *Dependencies) error {
	c, err := a.openCore(ctx, deps)
	if err != nil {
		return err
	}
	path := a.snapshotFile
	if path == "" {
		path = a.cfg.Ledger.SnapshotPath
	}
	snap, err := wallet.ReadSnapshotFile(path)
	if err != nil {
		return fmt.Errorf("app: reconcile: %w", err)
	}

	rep, err := c.reconcile.Check(ctx, wallet.Overlay(c.initial, snap), c.transfers.Applied())
	if err != nil {
		return err
	}
	if err := writeJSON(a.out, rep); err != nil {
		return err
	}
	if !rep.OK() {
		return fmt.Errorf("app: reconcile: %d mismatch(es), %d overdraft(s): %w",
			len(rep.Mismatches), len(rep.Overdrafts), ErrReconcileMismatch)
	}
	return nil
}

// ServeMode runs only the read-only query server over the ledger. The admin
// routes stay closed because this process does not own the wallets.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	c, err := a.openCore(ctx, deps)
	if err != nil {
		return err
	}
	a.logger.InfoContext(ctx, "starting serve mode", slog.Int("port", a.cfg.Server.Port))

	g, gctx := errgroup.WithContext(ctx)
	a.startServer(gctx, g, c, deps, false)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (a *App) newExecutor(c *core, deps *Dependencies) (*executor.Engine, error) {
	rcfg, err := riskConfig(a.cfg)
	if err != nil {
		return nil, fmt.Errorf("app: risk config: %w", err)
	}
	ecfg, err := executorConfig(a.cfg)
	if err != nil {
		return nil, fmt.Errorf("app: executor config: %w", err)
	}

	prices := priceChain{newStaticPrices(a.cfg.Execution.Prices)}
	if deps.PriceCache != nil {
		prices = append(prices, deps.PriceCache)
	}

	ed := executor.Deps{
		Risk:     risk.NewEngine(rcfg, a.logger),
		Wallets:  c.wallets,
		Ledger:   c.ledger,
		Prices:   prices,
		Bus:      deps.SignalBus,
		Audit:    deps.AuditStore,
		Notifier: deps.Notifier,
	}
	if deps.TradeMirror != nil {
		ed.Mirror = deps.TradeMirror
	}
	if ecfg.Mode == domain.ModeLive {
		signer, err := liveSigner(a.cfg)
		if err != nil {
			return nil, err
		}
		if signer != nil {
			ed.Signer = signer
			a.logger.Info("live signer loaded", slog.String("address", signer.Address().Hex()))
		}
		a.logger.Warn("live mode has no venue configured; live signals will be refused")
	}
	return executor.NewEngine(ecfg, ed, a.logger)
}

// startFeed launches the configured signal source. The stream position is
// saved to the ledger meta file when the source stops.
func (a *App) startFeed(ctx context.Context, g *errgroup.Group, c *core, deps *Dependencies, out chan<- domain.TradeSignal) {
	poll := a.cfg.Feed.PollInterval.Duration
	switch strings.ToLower(a.cfg.Feed.Source) {
	case "file":
		src := feed.NewFileSource(a.cfg.Feed.Path, poll, a.logger)
		g.Go(func() error { return src.Run(ctx, out) })
	case "redis":
		last, _ := c.ledger.Cursor(ledger.CursorStreamID)
		src := feed.NewStreamSource(deps.SignalBus, domain.StreamSignals, last, a.cfg.Feed.BatchSize, poll, a.logger)
		g.Go(func() error {
			err := src.Run(ctx, out)
			if serr := c.ledger.SetCursor(ledger.CursorStreamID, src.LastID()); serr != nil {
				a.logger.Error("save stream position failed", slog.String("error", serr.Error()))
			}
			return err
		})
	default:
		a.logger.Info("no signal feed configured")
	}
}

func (a *App) newFinancePipeline(c *core, deps *Dependencies) (*finance.Pipeline, error) {
	plans, err := finance.OpenPlanLog(a.cfg.Ledger.PlansPath)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.closers = append(a.closers, func() { _ = plans.Close() })

	planner := finance.NewPlanner(financeConfig(a.cfg), c.ledger, c.wallets, a.logger)
	return finance.NewPipeline(finance.PipelineDeps{
		Planner:  planner,
		Wallets:  c.wallets,
		Log:      plans,
		Cursors:  c.ledger,
		Bus:      deps.SignalBus,
		Mirror:   deps.PlanMirror,
		Notifier: deps.Notifier,
		Audit:    deps.AuditStore,
	}, a.cfg.Finance.Interval.Duration, a.logger), nil
}

// backgroundJobs registers the snapshot saver, the daily reset, the ledger
// archive and the mirror backfill.
func (a *App) backgroundJobs(c *core, deps *Dependencies) (*pipeline.Orchestrator, error) {
	orch := pipeline.NewOrchestrator(a.logger)

	orch.Every("snapshot_save", a.cfg.Ledger.SnapshotSave.Duration, func(context.Context) error {
		return a.writeSnapshot(c)
	})
	if err := orch.Cron("daily_reset", "0 0 * * *", func(context.Context) error {
		c.wallets.ResetDaily()
		return nil
	}); err != nil {
		return nil, err
	}

	if a.cfg.Archive.Enabled && deps.Archiver != nil {
		arch := pipeline.NewArchiver(deps.Archiver, c.ledger, c.ledger, a.cfg.Ledger.PlansPath, 0, a.logger)
		orch.Add("archive", func(ctx context.Context) error {
			return arch.RunCron(ctx, a.cfg.Archive.Cron)
		})
	}

	if deps.TradeMirror != nil {
		mirror := deps.TradeMirror
		orch.Every("mirror_backfill", time.Minute, func(ctx context.Context) error {
			return backfillMirror(ctx, c.ledger, mirror, a.logger)
		})
	}
	return orch, nil
}

// mirrorTarget is the part of the Postgres trade mirror the backfill needs.
type mirrorTarget interface {
	MaxSeq(ctx context.Context) (int64, error)
	InsertBatch(ctx context.Context, trades []domain.Trade) error
}

// backfillMirror copies ledger trades the best-effort fan-out missed.
func backfillMirror(ctx context.Context, src pipeline.TradeSource, mirror mirrorTarget, logger *slog.Logger) error {
	seq, err := mirror.MaxSeq(ctx)
	if err != nil {
		return err
	}
	for {
		batch := src.TradesAfter(seq, backfillBatch)
		if len(batch) == 0 {
			return nil
		}
		if err := mirror.InsertBatch(ctx, batch); err != nil {
			return err
		}
		seq = batch[len(batch)-1].Seq
		logger.Info("mirror backfilled", slog.Int("trades", len(batch)), slog.Int64("upto_seq", seq))
	}
}

func (a *App) writeSnapshot(c *core) error {
	states := c.wallets.Snapshot()
	for _, s := range states {
		metrics.SetBalance(s.WalletID, s.BalanceUSD)
	}
	return wallet.WriteSnapshotFile(a.cfg.Ledger.SnapshotPath, states)
}

func (a *App) saveSnapshot(c *core) {
	if err := a.writeSnapshot(c); err != nil {
		a.logger.Error("final wallet snapshot failed", slog.String("error", err.Error()))
		return
	}
	a.logger.Info("wallet snapshot saved", slog.String("path", a.cfg.Ledger.SnapshotPath))
}

// startServer runs the HTTP server, and the WebSocket hub when a bus is
// available, until ctx ends. admin opens the signed state-changing routes.
func (a *App) startServer(ctx context.Context, g *errgroup.Group, c *core, deps *Dependencies, admin bool) {
	mode, _ := a.cfg.ExecutionMode()
	profile := a.cfg.Execution.Profile

	var limiter domain.RateLimiter = middleware.NewLocalLimiter()
	if deps.RateLimiter != nil {
		limiter = deps.RateLimiter
	}
	scfg := server.Config{
		Port:            a.cfg.Server.Port,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		APIKey:          a.cfg.Server.APIKey,
		Limiter:         limiter,
		RateLimit:       a.cfg.Server.RateLimit,
		RateLimitWindow: a.cfg.Server.RateLimitWindow.Duration,
	}

	var mirror domain.TradeMirror
	if deps.TradeMirror != nil {
		mirror = deps.TradeMirror
	}
	handlers := server.Handlers{
		Health:    handler.NewHealthHandler(string(mode), profile, deps.Health, a.logger),
		Wallets:   handler.NewWalletHandler(c.wallets, deps.AuditStore, a.logger),
		Trades:    handler.NewTradeHandler(c.ledger, mirror, a.logger),
		Positions: handler.NewPositionHandler(c.ledger, a.logger),
		Plans:     handler.NewPlanHandler(a.cfg.Ledger.PlansPath, a.logger),
		TxGuard:   handler.NewTxGuardHandler(guardConfig(a.cfg), mode, profile, a.logger),
	}
	if admin {
		scfg.Admin = adminAuth(a.cfg)
		handlers.Transfers = handler.NewTransferHandler(c.transfers, a.logger)
	}

	var hub *ws.Hub
	if deps.SignalBus != nil {
		hub = ws.NewHub(deps.SignalBus, a.logger, ws.Config{Mode: string(mode), Profile: profile})
		g.Go(func() error { return hub.Run(ctx) })
	}

	srv := server.NewServer(scfg, handlers, hub, a.logger)
	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("app: write output: %w", err)
	}
	return nil
}
