// Package executor drives approved intents through wallet selection,
// dispatch, the ledger and wallet accounting.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/riskgate/internal/domain"
	"github.com/alanyoungcy/riskgate/internal/metrics"
	"github.com/alanyoungcy/riskgate/internal/risk"
	"github.com/alanyoungcy/riskgate/internal/txguard"
	"github.com/alanyoungcy/riskgate/internal/wallet"
)

// Ledger is the durable trade record the executor writes to.
type Ledger interface {
	Append(ctx context.Context, t domain.Trade) (domain.Trade, error)
	FindBySignal(signalID string) (domain.Trade, bool)
	Positions(walletID string) []domain.Position
	Position(walletID, symbol string) (domain.Position, bool)
	ExitPnL(walletID, symbol string, qty, price decimal.Decimal) decimal.Decimal
}

// LiveVenue executes a signed order on a real network.
type LiveVenue interface {
	Execute(ctx context.Context, order domain.LiveOrder) (domain.LiveFill, error)
}

// OrderSigner attaches the wallet signature to a live order.
type OrderSigner interface {
	SignOrder(order *domain.LiveOrder) error
}

// Notifier delivers operator alerts filtered by event type.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Notification event types raised by the executor.
const (
	EventGuardBlocked      = "tx_guard_blocked"
	EventRiskEject         = "risk_eject"
	EventLedgerFailure     = "ledger_failure"
	EventWalletApplyFailed = "wallet_apply_failed"
)

// Config controls dispatch.
type Config struct {
	Mode    domain.ExecutionMode
	Profile string
	Guard   txguard.Config

	Workers         int
	DedupTTL        time.Duration
	CleanupInterval time.Duration
	LiveTimeout     time.Duration

	PaperFeeRate     decimal.Decimal
	PaperSlippageBps decimal.Decimal
}

// DefaultConfig is PAPER with the guard fully closed.
func DefaultConfig() Config {
	return Config{
		Mode:            domain.ModePaper,
		Profile:         "PAPER",
		Guard:           txguard.DefaultConfig(),
		Workers:         4,
		DedupTTL:        24 * time.Hour,
		CleanupInterval: time.Minute,
		LiveTimeout:     30 * time.Second,
	}
}

// Deps are the collaborators of an Engine. Risk, Wallets and Ledger are
// required; the rest are optional.
type Deps struct {
	Risk    *risk.Engine
	Wallets *wallet.Manager
	Ledger  Ledger

	Prices   domain.PriceSource
	Venue    LiveVenue
	Signer   OrderSigner
	Bus      domain.SignalBus
	Mirror   domain.TradeMirror
	Audit    domain.AuditStore
	Notifier Notifier
}

// Engine is safe for concurrent use.
type Engine struct {
	cfg    Config
	deps   Deps
	dedup  *Dedup
	logger *slog.Logger
	now    func() time.Time

	// sells serializes sells of one wallet and symbol from the inventory
	// check to the ledger append.
	sells sync.Map
}

// NewEngine creates an Engine.
func NewEngine(cfg Config, deps Deps, logger *slog.Logger) (*Engine, error) {
	if deps.Risk == nil || deps.Wallets == nil || deps.Ledger == nil {
		return nil, fmt.Errorf("executor: risk engine, wallet manager and ledger are required")
	}
	if cfg.Mode == "" {
		cfg.Mode = domain.ModePaper
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 24 * time.Hour
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	if cfg.LiveTimeout <= 0 {
		cfg.LiveTimeout = 30 * time.Second
	}
	return &Engine{
		cfg:    cfg,
		deps:   deps,
		dedup:  NewDedup(cfg.DedupTTL),
		logger: logger.With(slog.String("component", "executor"), slog.String("mode", string(cfg.Mode))),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Mode returns the configured execution mode.
func (e *Engine) Mode() domain.ExecutionMode { return e.cfg.Mode }

// Submit evaluates sig against the risk engine and executes the resulting
// intent.
func (e *Engine) Submit(ctx context.Context, sig domain.TradeSignal) (domain.ExecutionResult, error) {
	return e.once(ctx, sig, func() (domain.ExecutionResult, error) {
		walletID, st, res, err := e.selectWallet(sig)
		if err != nil {
			return res, err
		}
		d := e.deps.Risk.Evaluate(sig, st, e.marketRisk(sig, walletID))
		metrics.RiskDecisions.WithLabelValues(string(d.Decision), d.Reason).Inc()
		return e.execute(ctx, risk.Intent(sig, d), walletID)
	})
}

// Process executes an intent whose risk decision was made elsewhere.
func (e *Engine) Process(ctx context.Context, intent domain.OrderIntent) (domain.ExecutionResult, error) {
	return e.once(ctx, intent.Signal, func() (domain.ExecutionResult, error) {
		walletID, _, res, err := e.selectWallet(intent.Signal)
		if err != nil {
			return res, err
		}
		return e.execute(ctx, intent, walletID)
	})
}

// once validates sig and runs fn at most once per signal id. A repeated
// signal gets the original result back together with ErrDuplicateSignal.
func (e *Engine) once(ctx context.Context, sig domain.TradeSignal, fn func() (domain.ExecutionResult, error)) (domain.ExecutionResult, error) {
	if err := sig.Validate(); err != nil {
		res := e.result(sig)
		return e.fail(res, domain.ReasonInvalidIntent), fmt.Errorf("executor: %w", err)
	}

	claim, err := e.dedup.Acquire(ctx, sig.ID)
	if err != nil {
		return e.result(sig), fmt.Errorf("executor: signal %s: %w", sig.ID, err)
	}
	if claim.Dup {
		metrics.DuplicateSignals.Inc()
		return claim.Result, fmt.Errorf("executor: signal %s: %w", sig.ID, domain.ErrDuplicateSignal)
	}
	if t, ok := e.deps.Ledger.FindBySignal(sig.ID); ok {
		res := resultFromTrade(t)
		claim.Finish(res, nil)
		metrics.DuplicateSignals.Inc()
		return res, fmt.Errorf("executor: signal %s already in ledger: %w", sig.ID, domain.ErrDuplicateSignal)
	}

	res, err := fn()
	claim.Finish(res, err)
	metrics.ExecutionResults.WithLabelValues(string(res.Mode), string(res.State)).Inc()
	return res, err
}

func (e *Engine) result(sig domain.TradeSignal) domain.ExecutionResult {
	return domain.ExecutionResult{
		SignalID:    sig.ID,
		Mode:        e.cfg.Mode,
		State:       domain.StateReceived,
		Price:       decimal.Zero,
		Quantity:    decimal.Zero,
		NotionalUSD: decimal.Zero,
		FeeUSD:      decimal.Zero,
		Timestamp:   e.now(),
	}
}

func (e *Engine) fail(res domain.ExecutionResult, reason string) domain.ExecutionResult {
	res.State = domain.StateFailed
	res.Success = false
	res.Reason = reason
	return res
}

// selectWallet resolves the executing wallet and its current state.
func (e *Engine) selectWallet(sig domain.TradeSignal) (string, domain.WalletState, domain.ExecutionResult, error) {
	walletID, err := e.deps.Wallets.SelectWallet(sig, e.cfg.Mode)
	if err != nil {
		res := e.fail(e.result(sig), domain.ReasonNoWallet)
		return "", domain.WalletState{}, res, fmt.Errorf("executor: signal %s: %w", sig.ID, err)
	}
	st, err := e.deps.Wallets.Get(walletID)
	if err != nil {
		res := e.fail(e.result(sig), domain.ReasonNoWallet)
		return "", domain.WalletState{}, res, fmt.Errorf("executor: signal %s: %w", sig.ID, err)
	}
	return walletID, st, domain.ExecutionResult{}, nil
}

// marketRisk assembles the portfolio context for a risk evaluation.
func (e *Engine) marketRisk(sig domain.TradeSignal, walletID string) domain.MarketRisk {
	exposure := decimal.Zero
	for _, p := range e.deps.Ledger.Positions(walletID) {
		exposure = exposure.Add(p.CostUSD)
	}
	equity, pnl := e.deps.Wallets.Portfolio()
	mr := domain.MarketRisk{
		OpenExposureUSD:      exposure,
		PortfolioEquityUSD:   equity,
		PortfolioPnLTodayUSD: pnl,
		KillSwitch:           e.deps.Wallets.GlobalKillSwitch().Tripped,
	}
	if atr, ok := sig.MetaDecimal(domain.MetaATRPct); ok {
		mr.ATRPct = &atr
	}
	return mr
}

// execute runs the state machine from RISK_CHECKED onwards.
func (e *Engine) execute(ctx context.Context, intent domain.OrderIntent, walletID string) (domain.ExecutionResult, error) {
	sig := intent.Signal
	log := e.logger.With(
		slog.String("signal_id", sig.ID),
		slog.String("wallet_id", walletID),
		slog.String("symbol", sig.Symbol),
	)
	res := e.result(sig)
	res.State = domain.StateRiskChecked
	res.Decision = intent.Decision

	switch intent.Decision {
	case domain.DecisionAccept, domain.DecisionAdjust:
	case domain.DecisionEject:
		res.WalletID = walletID
		e.onEject(ctx, intent, walletID, log)
		return e.fail(res, domain.ReasonRiskEjected),
			fmt.Errorf("executor: signal %s: %w: %s", sig.ID, domain.ErrRiskEjected, intent.Reason)
	default:
		log.InfoContext(ctx, "intent rejected by risk", slog.String("reason", intent.Reason))
		return e.fail(res, domain.ReasonRiskRejected),
			fmt.Errorf("executor: signal %s: %w: %s", sig.ID, domain.ErrRiskRejected, intent.Reason)
	}
	if !intent.ApprovedNotional.IsPositive() || intent.ApprovedNotional.GreaterThan(sig.NotionalUSD) {
		return e.fail(res, domain.ReasonInvalidIntent),
			fmt.Errorf("executor: signal %s: %w: approved %s outside (0, %s]",
				sig.ID, domain.ErrInvalidSignal, intent.ApprovedNotional, sig.NotionalUSD)
	}

	res.State = domain.StateWalletSelected
	res.WalletID = walletID

	if sig.Side.Direction() == domain.SideSell {
		unlock := e.lockSells(walletID, sig.Symbol)
		defer unlock()
	}
	held, err := e.inventory(sig, walletID)
	if err != nil {
		log.InfoContext(ctx, "intent refused, nothing to sell", slog.String("error", err.Error()))
		return e.fail(res, domain.ReasonNoPosition), err
	}

	var f fill
	switch e.cfg.Mode {
	case domain.ModeLive:
		f, res, err = e.dispatchLive(ctx, intent, walletID, held, res, log)
	default:
		f, res, err = e.dispatchPaper(ctx, intent, walletID, held, res, log)
	}
	if err != nil {
		return res, err
	}
	return e.book(ctx, intent, walletID, f, res, log)
}

// inventory returns the quantity a sell may dispose of, zero for buys.
// Wallets hold spot inventory: a sell needs an open long and never opens a
// short, and an exit never buys.
func (e *Engine) inventory(sig domain.TradeSignal, walletID string) (decimal.Decimal, error) {
	if sig.Side.Direction() == domain.SideBuy {
		if sig.Kind.IsExit() {
			return decimal.Zero, fmt.Errorf("executor: signal %s: %w: %s buy of %s",
				sig.ID, domain.ErrNoPosition, sig.Kind, sig.Symbol)
		}
		return decimal.Zero, nil
	}
	p, ok := e.deps.Ledger.Position(walletID, sig.Symbol)
	if !ok {
		return decimal.Zero, fmt.Errorf("executor: signal %s: %w: %s in wallet %s",
			sig.ID, domain.ErrNoPosition, sig.Symbol, walletID)
	}
	return p.Quantity, nil
}

func (e *Engine) lockSells(walletID, symbol string) func() {
	v, _ := e.sells.LoadOrStore(walletID+"|"+symbol, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// book writes the fill to the ledger and then to the wallet.
func (e *Engine) book(ctx context.Context, intent domain.OrderIntent, walletID string, f fill, res domain.ExecutionResult, log *slog.Logger) (domain.ExecutionResult, error) {
	sig := intent.Signal
	res.Price = f.price
	res.Quantity = f.qty
	res.NotionalUSD = f.notional
	res.FeeUSD = f.fee
	res.PriceMissing = f.priceMissing

	t := domain.Trade{
		SignalID:    sig.ID,
		StrategyID:  sig.StrategyID,
		WalletID:    walletID,
		Symbol:      sig.Symbol,
		Side:        sig.Side.Direction(),
		Price:       f.price,
		Quantity:    f.qty,
		NotionalUSD: f.notional,
		FeeUSD:      f.fee,
		Mode:        e.cfg.Mode,
		Timestamp:   e.now(),
	}
	if sig.Kind.IsExit() {
		pnl := decimal.Zero
		if t.Side == domain.SideSell {
			pnl = e.deps.Ledger.ExitPnL(walletID, sig.Symbol, f.qty, f.price)
		}
		pnl = pnl.Sub(f.fee)
		t.RealizedPnLUSD = &pnl
	}

	stored, err := e.deps.Ledger.Append(ctx, t)
	if err != nil {
		e.deps.Wallets.Release(walletID, sig.ID)
		log.ErrorContext(ctx, "ledger append failed, intent not filled", slog.String("error", err.Error()))
		e.notify(ctx, EventLedgerFailure, "Ledger write failure",
			fmt.Sprintf("signal %s wallet %s: %v", sig.ID, walletID, err))
		e.audit(ctx, EventLedgerFailure, map[string]any{"signal_id": sig.ID, "wallet_id": walletID, "error": err.Error()})
		if !errors.Is(err, domain.ErrLedgerWriteFailure) {
			err = fmt.Errorf("%w: %v", domain.ErrLedgerWriteFailure, err)
		}
		return e.fail(res, domain.ReasonLedgerFailure), fmt.Errorf("executor: signal %s: %w", sig.ID, err)
	}
	res.State = domain.StateFilled
	res.Success = true
	res.TradeID = stored.ID
	res.Timestamp = stored.Timestamp

	st, applyErr := e.deps.Wallets.ApplyTrade(ctx, stored)
	if applyErr != nil {
		// The ledger stays authoritative; reconcile repairs the wallet.
		e.deps.Wallets.Release(walletID, sig.ID)
		log.ErrorContext(ctx, "wallet update failed after durable append",
			slog.String("trade_id", stored.ID),
			slog.String("error", applyErr.Error()),
		)
		e.notify(ctx, EventWalletApplyFailed, "Wallet out of sync with ledger",
			fmt.Sprintf("trade %s wallet %s: %v", stored.ID, walletID, applyErr))
		e.audit(ctx, EventWalletApplyFailed, map[string]any{"trade_id": stored.ID, "wallet_id": walletID, "error": applyErr.Error()})
	} else {
		metrics.SetBalance(walletID, st.BalanceUSD)
	}

	log.InfoContext(ctx, "intent filled",
		slog.String("trade_id", stored.ID),
		slog.Int64("seq", stored.Seq),
		slog.String("decision", string(intent.Decision)),
		slog.String("notional_usd", f.notional.String()),
		slog.String("price", f.price.String()),
		slog.Bool("price_missing", f.priceMissing),
	)
	e.fanout(ctx, stored)

	if applyErr != nil {
		return res, fmt.Errorf("executor: signal %s: apply trade: %w", sig.ID, applyErr)
	}
	return res, nil
}

func (e *Engine) onEject(ctx context.Context, intent domain.OrderIntent, walletID string, log *slog.Logger) {
	log.WarnContext(ctx, "intent ejected by risk", slog.String("reason", intent.Reason))
	if intent.Reason == risk.ReasonGlobalDrawdown {
		e.deps.Wallets.TripGlobalKillSwitch(intent.Reason)
	}
	e.notify(ctx, EventRiskEject, "Risk eject",
		fmt.Sprintf("signal %s wallet %s: %s", intent.Signal.ID, walletID, intent.Reason))
	e.audit(ctx, EventRiskEject, map[string]any{
		"signal_id": intent.Signal.ID,
		"wallet_id": walletID,
		"reason":    intent.Reason,
	})
}

// Run consumes signals with a bounded worker pool until ctx is cancelled or
// the channel is closed. Signals still buffered at cancellation are drained
// with a short deadline.
func (e *Engine) Run(ctx context.Context, signals <-chan domain.TradeSignal) error {
	e.logger.Info("executor started", slog.Int("workers", e.cfg.Workers))
	defer e.logger.Info("executor stopped")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := time.NewTicker(e.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if n := e.dedup.Cleanup(); n > 0 {
					e.logger.Debug("dedup entries expired", slog.Int("removed", n))
				}
			}
		}
	})

	workers, wctx := errgroup.WithContext(gctx)
	for i := 0; i < e.cfg.Workers; i++ {
		workers.Go(func() error {
			for {
				select {
				case <-wctx.Done():
					return nil
				case sig, ok := <-signals:
					if !ok {
						return nil
					}
					e.handle(wctx, sig)
				}
			}
		})
	}
	g.Go(func() error {
		if err := workers.Wait(); err != nil {
			return err
		}
		// Returning an error stops the cleanup loop once the feed is done.
		return errFeedDone
	})

	err := g.Wait()
	if ctx.Err() != nil {
		e.drain(signals)
		return ctx.Err()
	}
	if errors.Is(err, errFeedDone) {
		return nil
	}
	return err
}

var errFeedDone = errors.New("executor: feed closed")

func (e *Engine) handle(ctx context.Context, sig domain.TradeSignal) {
	res, err := e.Submit(ctx, sig)
	if err == nil {
		return
	}
	attrs := []any{
		slog.String("signal_id", sig.ID),
		slog.String("state", string(res.State)),
		slog.String("reason", res.Reason),
		slog.String("error", err.Error()),
	}
	switch {
	case errors.Is(err, domain.ErrDuplicateSignal):
		e.logger.DebugContext(ctx, "duplicate signal skipped", attrs...)
	case errors.Is(err, domain.ErrRiskRejected), errors.Is(err, domain.ErrInvalidSignal):
		e.logger.InfoContext(ctx, "signal not executed", attrs...)
	default:
		e.logger.WarnContext(ctx, "signal execution failed", attrs...)
	}
}

// drain processes any signals already buffered in the channel after context
// cancellation, so accepted input is not silently dropped.
func (e *Engine) drain(signals <-chan domain.TradeSignal) {
	for {
		select {
		case sig, ok := <-signals:
			if !ok {
				return
			}
			e.logger.Warn("draining signal after shutdown", slog.String("signal_id", sig.ID))
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			e.handle(drainCtx, sig)
			cancel()
		default:
			return
		}
	}
}

func resultFromTrade(t domain.Trade) domain.ExecutionResult {
	return domain.ExecutionResult{
		SignalID:    t.SignalID,
		WalletID:    t.WalletID,
		Mode:        t.Mode,
		State:       domain.StateFilled,
		Success:     true,
		Price:       t.Price,
		Quantity:    t.Quantity,
		NotionalUSD: t.NotionalUSD,
		FeeUSD:      t.FeeUSD,
		Timestamp:   t.Timestamp,
		TradeID:     t.ID,
	}
}
