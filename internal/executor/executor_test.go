package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/riskgate/internal/domain"
	"github.com/alanyoungcy/riskgate/internal/ledger"
	"github.com/alanyoungcy/riskgate/internal/metrics"
	"github.com/alanyoungcy/riskgate/internal/risk"
	"github.com/alanyoungcy/riskgate/internal/txguard"
	"github.com/alanyoungcy/riskgate/internal/wallet"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) has(e string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, got := range r.events {
		if got == e {
			return true
		}
	}
	return false
}

type fakeNotifier struct{ recorder }

func (n *fakeNotifier) Notify(_ context.Context, event, _, _ string) error {
	n.add(event)
	return nil
}

type fakeAudit struct{ recorder }

func (a *fakeAudit) Log(_ context.Context, event string, _ map[string]any) error {
	a.add(event)
	return nil
}

func (a *fakeAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

type fakeBus struct{ recorder }

func (b *fakeBus) Publish(_ context.Context, channel string, _ []byte) error {
	b.add(channel)
	return nil
}

func (b *fakeBus) Subscribe(context.Context, string) (<-chan []byte, error) { return nil, nil }

func (b *fakeBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *fakeBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

type fakePrices map[string]decimal.Decimal

func (p fakePrices) Price(_ context.Context, symbol string) (decimal.Decimal, error) {
	v, ok := p[symbol]
	if !ok {
		return decimal.Zero, domain.ErrNotFound
	}
	return v, nil
}

type fakeVenue struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, o domain.LiveOrder) (domain.LiveFill, error)
}

func (v *fakeVenue) Execute(ctx context.Context, o domain.LiveOrder) (domain.LiveFill, error) {
	v.mu.Lock()
	v.calls++
	v.mu.Unlock()
	return v.fn(ctx, o)
}

func (v *fakeVenue) Calls() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls
}

type fakeSigner struct{}

func (fakeSigner) SignOrder(o *domain.LiveOrder) error {
	o.Signer = "0xabc"
	o.Signature = "0xsig"
	return nil
}

type failingLedger struct{ *ledger.Store }

func (f failingLedger) Append(context.Context, domain.Trade) (domain.Trade, error) {
	return domain.Trade{}, fmt.Errorf("%w: disk full", domain.ErrLedgerWriteFailure)
}

type failingLocks struct{}

func (failingLocks) Acquire(context.Context, string, time.Duration) (func(), error) {
	return nil, domain.ErrLockHeld
}

type harness struct {
	eng      *Engine
	wallets  *wallet.Manager
	ledger   *ledger.Store
	notifier *fakeNotifier
	audit    *fakeAudit
	bus      *fakeBus
}

type option func(*harnessOpts)

type harnessOpts struct {
	cfg        Config
	risk       risk.Config
	states     []domain.WalletState
	walletOpts []wallet.Option
	deps       func(*Deps)
}

func withConfig(fn func(*Config)) option   { return func(o *harnessOpts) { fn(&o.cfg) } }
func withRisk(fn func(*risk.Config)) option { return func(o *harnessOpts) { fn(&o.risk) } }
func withDeps(fn func(*Deps)) option        { return func(o *harnessOpts) { o.deps = fn } }
func withStates(s ...domain.WalletState) option {
	return func(o *harnessOpts) { o.states = s }
}
func withWalletOpts(w ...wallet.Option) option {
	return func(o *harnessOpts) { o.walletOpts = w }
}

func defaultStates() []domain.WalletState {
	return []domain.WalletState{
		{WalletID: "main", Role: domain.RoleMain, Chain: "ethereum", BalanceUSD: d("1000")},
		{WalletID: "scalp", Role: domain.RoleScalping, Chain: "solana", Tags: []string{domain.TagLive}, BalanceUSD: d("1000")},
	}
}

func newHarness(t *testing.T, opts ...option) *harness {
	t.Helper()
	o := harnessOpts{cfg: DefaultConfig(), risk: risk.DefaultConfig(), states: defaultStates()}
	o.risk.MaxRiskPerTradePct = d("50")
	for _, opt := range opts {
		opt(&o)
	}

	wm, err := wallet.NewManager(o.states, testLogger(), o.walletOpts...)
	require.NoError(t, err)
	store, err := ledger.Open(t.TempDir(), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	h := &harness{wallets: wm, ledger: store, notifier: &fakeNotifier{}, audit: &fakeAudit{}, bus: &fakeBus{}}
	deps := Deps{
		Risk:     risk.NewEngine(o.risk, testLogger()),
		Wallets:  wm,
		Ledger:   store,
		Bus:      h.bus,
		Audit:    h.audit,
		Notifier: h.notifier,
	}
	if o.deps != nil {
		o.deps(&deps)
	}
	h.eng, err = NewEngine(o.cfg, deps, testLogger())
	require.NoError(t, err)
	return h
}

func (h *harness) balance(t *testing.T, id string) decimal.Decimal {
	t.Helper()
	st, err := h.wallets.Get(id)
	require.NoError(t, err)
	return st.BalanceUSD
}

func signal(id, notional string) domain.TradeSignal {
	return domain.TradeSignal{
		ID:          id,
		StrategyID:  "test",
		WalletID:    "main",
		Symbol:      "ETH",
		Side:        domain.SideBuy,
		Kind:        domain.KindEntry,
		NotionalUSD: d(notional),
		Meta:        map[string]string{domain.MetaEntryPrice: "100"},
	}
}

func TestSubmit_AdjustedFillUsesApprovedNotional(t *testing.T) {
	h := newHarness(t)

	res, err := h.eng.Submit(context.Background(), signal("s1", "2000"))
	require.NoError(t, err)

	assert.Equal(t, domain.StateFilled, res.State)
	assert.True(t, res.Success)
	assert.Equal(t, domain.DecisionAdjust, res.Decision)
	assert.True(t, res.NotionalUSD.Equal(d("500")), "notional=%s", res.NotionalUSD)
	assert.True(t, res.Quantity.Equal(d("5")))
	assert.True(t, h.balance(t, "main").Equal(d("500")))

	trades := h.ledger.RecentTrades("main", 0)
	require.Len(t, trades, 1)
	assert.True(t, trades[0].NotionalUSD.Equal(d("500")))
	assert.Equal(t, res.TradeID, trades[0].ID)
	assert.True(t, h.bus.has(domain.ChannelTrades))
}

func TestSubmit_RejectLeavesNoTrace(t *testing.T) {
	h := newHarness(t, withRisk(func(c *risk.Config) { c.MinNotionalUSD = d("100") }))

	res, err := h.eng.Submit(context.Background(), signal("s1", "50"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrRiskRejected))
	assert.Equal(t, domain.StateFailed, res.State)
	assert.Equal(t, domain.ReasonRiskRejected, res.Reason)
	assert.Equal(t, domain.DecisionReject, res.Decision)
	assert.Empty(t, h.ledger.RecentTrades("", 0))
	assert.True(t, h.balance(t, "main").Equal(d("1000")))
}

func TestSubmit_GlobalDrawdownTripsKillSwitch(t *testing.T) {
	states := defaultStates()
	states[0].BalanceUSD = d("800")
	states[0].PnLTodayUSD = d("-200")
	h := newHarness(t, withStates(states...))

	res, err := h.eng.Submit(context.Background(), signal("s1", "10"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrRiskEjected))
	assert.Equal(t, domain.DecisionEject, res.Decision)
	assert.True(t, h.wallets.GlobalKillSwitch().Tripped)
	assert.True(t, h.notifier.has(EventRiskEject))
	assert.True(t, h.audit.has(EventRiskEject))

	// Sticky: even a healthy wallet is now ejected.
	sig := signal("s2", "10")
	sig.WalletID = "scalp"
	_, err = h.eng.Submit(context.Background(), sig)
	assert.True(t, errors.Is(err, domain.ErrRiskEjected))
	assert.Empty(t, h.ledger.RecentTrades("", 0))
	assert.True(t, h.balance(t, "main").Equal(d("800")))
}

func TestSubmit_Idempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.eng.Submit(ctx, signal("s1", "100"))
	require.NoError(t, err)
	second, err := h.eng.Submit(ctx, signal("s1", "100"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrDuplicateSignal))
	assert.Equal(t, first.TradeID, second.TradeID)
	assert.Len(t, h.ledger.RecentTrades("", 0), 1)
	assert.True(t, h.balance(t, "main").Equal(d("900")))
}

func TestSubmit_ConcurrentDuplicatesCollapse(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, dups := 0, 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.eng.Submit(ctx, signal("same", "100"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, domain.ErrDuplicateSignal):
				dups++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
	assert.Equal(t, 19, dups)
	assert.Len(t, h.ledger.RecentTrades("", 0), 1)
	assert.True(t, h.balance(t, "main").Equal(d("900")))
}

func TestSubmit_LedgerIsDurableDedup(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first, err := h.eng.Submit(ctx, signal("s1", "100"))
	require.NoError(t, err)

	// A fresh engine has an empty in-memory table but the same ledger.
	fresh, err := NewEngine(DefaultConfig(), h.eng.deps, testLogger())
	require.NoError(t, err)
	res, err := fresh.Submit(ctx, signal("s1", "100"))
	assert.True(t, errors.Is(err, domain.ErrDuplicateSignal))
	assert.Equal(t, first.TradeID, res.TradeID)
	assert.Len(t, h.ledger.RecentTrades("", 0), 1)
}

func TestSubmit_InvalidSignal(t *testing.T) {
	h := newHarness(t)
	sig := signal("", "100")
	res, err := h.eng.Submit(context.Background(), sig)
	assert.True(t, errors.Is(err, domain.ErrInvalidSignal))
	assert.Equal(t, domain.StateFailed, res.State)
}

func TestSubmit_NoEligibleWallet(t *testing.T) {
	h := newHarness(t)
	sig := signal("s1", "100")
	sig.WalletID = "ghost"
	res, err := h.eng.Submit(context.Background(), sig)
	assert.True(t, errors.Is(err, domain.ErrWalletNotEligible))
	assert.Equal(t, domain.ReasonNoWallet, res.Reason)
}

func TestSubmit_InsufficientAfterFees(t *testing.T) {
	h := newHarness(t,
		withRisk(func(c *risk.Config) { c.MaxRiskPerTradePct = d("100") }),
		withConfig(func(c *Config) { c.PaperFeeRate = d("0.01") }),
	)
	res, err := h.eng.Submit(context.Background(), signal("s1", "1000"))
	assert.True(t, errors.Is(err, domain.ErrInsufficientBalance))
	assert.Equal(t, domain.ReasonInsufficient, res.Reason)
	assert.Empty(t, h.ledger.RecentTrades("", 0))
	st, _ := h.wallets.Get("main")
	assert.True(t, st.ReservedUSD.IsZero())
}

func TestSubmit_ExitRealizesPnL(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.eng.Submit(ctx, signal("open", "500"))
	require.NoError(t, err)

	exit := signal("close", "600")
	exit.Side = domain.SideSell
	exit.Kind = domain.KindTakeProfit
	exit.Meta[domain.MetaEntryPrice] = "120"
	res, err := h.eng.Submit(ctx, exit)
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionAccept, res.Decision)

	tr, ok := h.ledger.Get(res.TradeID)
	require.True(t, ok)
	require.NotNil(t, tr.RealizedPnLUSD)
	assert.True(t, tr.RealizedPnLUSD.Equal(d("100")), "pnl=%s", tr.RealizedPnLUSD)

	st, _ := h.wallets.Get("main")
	assert.True(t, st.BalanceUSD.Equal(d("1100")))
	assert.True(t, st.RealizedPnLTodayUSD.Equal(d("100")))
	assert.Equal(t, 0, st.OpenPositions)
}

func TestSubmit_SellsNeedInventory(t *testing.T) {
	h := newHarness(t, withRisk(func(c *risk.Config) { c.MaxGlobalRiskPct = d("60") }))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		sig := signal(fmt.Sprintf("short-%d", i), "2000")
		sig.Side = domain.SideShort
		res, err := h.eng.Submit(ctx, sig)
		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrNoPosition))
		assert.Equal(t, domain.StateFailed, res.State)
		assert.Equal(t, domain.ReasonNoPosition, res.Reason)
	}
	assert.Empty(t, h.ledger.RecentTrades("", 0))
	assert.True(t, h.balance(t, "main").Equal(d("1000")))

	// Global risk still binds on the long side.
	res, err := h.eng.Submit(ctx, signal("long", "2000"))
	require.NoError(t, err)
	assert.True(t, res.NotionalUSD.Equal(d("500")))
	_, err = h.eng.Submit(ctx, signal("long-2", "2000"))
	assert.True(t, errors.Is(err, domain.ErrRiskRejected))
}

func TestSubmit_SellCappedAtHeldQuantity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.eng.Submit(ctx, signal("open", "500"))
	require.NoError(t, err)

	exit := signal("close", "1000")
	exit.Side = domain.SideSell
	exit.Kind = domain.KindExit
	res, err := h.eng.Submit(ctx, exit)
	require.NoError(t, err)
	assert.True(t, res.Quantity.Equal(d("5")), "qty=%s", res.Quantity)
	assert.True(t, res.NotionalUSD.Equal(d("500")), "notional=%s", res.NotionalUSD)
	assert.True(t, h.balance(t, "main").Equal(d("1000")))
	assert.Empty(t, h.ledger.Positions("main"))

	again := signal("close-again", "100")
	again.Side = domain.SideSell
	again.Kind = domain.KindExit
	_, err = h.eng.Submit(ctx, again)
	assert.True(t, errors.Is(err, domain.ErrNoPosition))

	cover := signal("cover", "100")
	cover.Kind = domain.KindStopLoss
	_, err = h.eng.Submit(ctx, cover)
	assert.True(t, errors.Is(err, domain.ErrNoPosition))
	assert.Len(t, h.ledger.RecentTrades("", 0), 2)
}

func TestPaperFill_PriceSources(t *testing.T) {
	t.Run("missing price falls back to one", func(t *testing.T) {
		h := newHarness(t)
		sig := signal("s1", "10")
		sig.Meta = nil
		res, err := h.eng.Submit(context.Background(), sig)
		require.NoError(t, err)
		assert.True(t, res.PriceMissing)
		assert.True(t, res.Price.Equal(d("1")))
		assert.True(t, res.Quantity.Equal(d("10")))
	})

	t.Run("price source with slippage and fee", func(t *testing.T) {
		h := newHarness(t,
			withConfig(func(c *Config) {
				c.PaperSlippageBps = d("10")
				c.PaperFeeRate = d("0.001")
			}),
			withDeps(func(dp *Deps) { dp.Prices = fakePrices{"ETH": d("200")} }),
		)
		sig := signal("s1", "100")
		sig.Meta = nil
		res, err := h.eng.Submit(context.Background(), sig)
		require.NoError(t, err)
		assert.False(t, res.PriceMissing)
		assert.True(t, res.Price.Equal(d("200.2")), "price=%s", res.Price)
		assert.True(t, res.FeeUSD.Equal(d("0.1")))
		assert.True(t, h.balance(t, "main").Equal(d("899.9")))
	})
}

func TestPaperOnchain_FillsWithoutSending(t *testing.T) {
	venue := &fakeVenue{fn: func(context.Context, domain.LiveOrder) (domain.LiveFill, error) {
		return domain.LiveFill{}, errors.New("must not be called")
	}}
	h := newHarness(t,
		withConfig(func(c *Config) {
			c.Mode = domain.ModePaperOnchain
			c.Profile = "LIVE_150"
			c.Guard = txguard.NewConfig(true, []string{"LIVE_150"}, false)
		}),
		withDeps(func(dp *Deps) { dp.Venue = venue }),
	)
	res, err := h.eng.Submit(context.Background(), signal("s1", "100"))
	require.NoError(t, err)
	assert.Equal(t, domain.ModePaperOnchain, res.Mode)
	assert.Equal(t, 0, venue.Calls())
	assert.True(t, h.audit.has("paper_onchain_guard"))
}

func liveSignal(id, notional string) domain.TradeSignal {
	sig := signal(id, notional)
	sig.WalletID = ""
	return sig
}

func TestLive_GuardBlocks(t *testing.T) {
	tests := []struct {
		name   string
		guard  txguard.Config
		reason string
	}{
		{"hard disabled", txguard.NewConfig(true, []string{"LIVE_150"}, false), txguard.ReasonHardDisabled},
		{"profile not allowed", txguard.NewConfig(false, []string{"OTHER"}, false), txguard.ReasonProfileNotAllowed},
		{"log only", txguard.NewConfig(false, []string{"LIVE_150"}, true), txguard.ReasonLogOnly},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			venue := &fakeVenue{fn: func(context.Context, domain.LiveOrder) (domain.LiveFill, error) {
				return domain.LiveFill{}, nil
			}}
			h := newHarness(t,
				withConfig(func(c *Config) {
					c.Mode = domain.ModeLive
					c.Profile = "LIVE_150"
					c.Guard = tt.guard
				}),
				withDeps(func(dp *Deps) { dp.Venue = venue }),
			)
			before := testutil.ToFloat64(metrics.GuardBlocks.WithLabelValues(tt.reason))

			res, err := h.eng.Submit(context.Background(), liveSignal("s1", "100"))
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrTxGuardBlocked))
			assert.Equal(t, domain.StateFailed, res.State)
			assert.Equal(t, domain.ReasonTxGuardBlocked, res.Reason)
			assert.Equal(t, 0, venue.Calls())
			assert.Empty(t, h.ledger.RecentTrades("", 0))
			assert.True(t, h.balance(t, "scalp").Equal(d("1000")))
			assert.True(t, h.notifier.has(EventGuardBlocked))
			assert.True(t, h.audit.has(EventGuardBlocked))
			assert.True(t, h.bus.has(domain.ChannelGuard))
			assert.Equal(t, before+1, testutil.ToFloat64(metrics.GuardBlocks.WithLabelValues(tt.reason)))
		})
	}
}

func TestLive_LogOnlyWarnsWouldSend(t *testing.T) {
	h := newHarness(t, withConfig(func(c *Config) {
		c.Mode = domain.ModeLive
		c.Profile = "LIVE_150"
		c.Guard = txguard.NewConfig(false, []string{"LIVE_150"}, true)
	}))
	var buf bytes.Buffer
	eng, err := NewEngine(h.eng.cfg, h.eng.deps, slog.New(slog.NewJSONHandler(&buf, nil)))
	require.NoError(t, err)

	_, err = eng.Submit(context.Background(), liveSignal("s1", "100"))
	require.True(t, errors.Is(err, domain.ErrTxGuardBlocked))

	levels := map[string]string{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var rec struct {
			Level string `json:"level"`
			Msg   string `json:"msg"`
		}
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		levels[rec.Msg] = rec.Level
	}
	assert.Equal(t, "WARN", levels["log only: would have sent real transaction"])
	assert.Equal(t, "WARN", levels["tx guard blocked live dispatch"])
}

func TestLive_NoVenue(t *testing.T) {
	h := newHarness(t, withConfig(func(c *Config) {
		c.Mode = domain.ModeLive
		c.Profile = "LIVE_150"
		c.Guard = txguard.NewConfig(false, []string{"LIVE_150"}, false)
	}))
	res, err := h.eng.Submit(context.Background(), liveSignal("s1", "100"))
	assert.True(t, errors.Is(err, domain.ErrLiveUnavailable))
	assert.Equal(t, domain.ReasonLiveUnavailable, res.Reason)
}

func TestLive_SignalProfileOverridesConfigured(t *testing.T) {
	venue := &fakeVenue{fn: func(context.Context, domain.LiveOrder) (domain.LiveFill, error) {
		return domain.LiveFill{VenueOrderID: "v1", Price: d("100"), Quantity: d("1"), FeeUSD: decimal.Zero}, nil
	}}
	h := newHarness(t,
		withConfig(func(c *Config) {
			c.Mode = domain.ModeLive
			c.Profile = "PAPER"
			c.Guard = txguard.NewConfig(false, []string{"LIVE_150"}, false)
		}),
		withDeps(func(dp *Deps) {
			dp.Venue = venue
			dp.Signer = fakeSigner{}
		}),
	)

	_, err := h.eng.Submit(context.Background(), liveSignal("plain", "100"))
	assert.True(t, errors.Is(err, domain.ErrTxGuardBlocked))

	sig := liveSignal("profiled", "100")
	sig.Meta[domain.MetaProfile] = "LIVE_150"
	res, err := h.eng.Submit(context.Background(), sig)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFilled, res.State)
	assert.Equal(t, 1, venue.Calls())
}

func TestLive_VenueCallDoesNotHoldWalletLock(t *testing.T) {
	var h *harness
	venue := &fakeVenue{}
	h = newHarness(t,
		withConfig(func(c *Config) {
			c.Mode = domain.ModeLive
			c.Profile = "LIVE_150"
			c.Guard = txguard.NewConfig(false, []string{"LIVE_150"}, false)
		}),
		withDeps(func(dp *Deps) {
			dp.Venue = venue
			dp.Signer = fakeSigner{}
		}),
	)
	venue.fn = func(ctx context.Context, o domain.LiveOrder) (domain.LiveFill, error) {
		assert.Equal(t, "0xsig", o.Signature)
		assert.Equal(t, "scalp", o.WalletID)

		st, err := h.wallets.Get("scalp")
		assert.NoError(t, err)
		assert.True(t, st.ReservedUSD.Equal(d("500")))

		// Another intent on the same wallet proceeds during the call but
		// cannot spend the reserved funds.
		other := domain.Trade{ID: "x", SignalID: "other", WalletID: "scalp", Symbol: "SOL",
			Side: domain.SideBuy, NotionalUSD: d("100"), FeeUSD: decimal.Zero}
		_, err = h.wallets.ApplyTrade(ctx, other)
		assert.NoError(t, err)
		other.SignalID, other.NotionalUSD = "greedy", d("450")
		_, err = h.wallets.ApplyTrade(ctx, other)
		assert.True(t, errors.Is(err, domain.ErrInsufficientBalance))

		return domain.LiveFill{VenueOrderID: "v1", Price: d("100"), Quantity: d("5"), FeeUSD: d("0.5")}, nil
	}

	done := make(chan struct{})
	var res domain.ExecutionResult
	var err error
	go func() {
		defer close(done)
		res, err = h.eng.Submit(context.Background(), liveSignal("s1", "500"))
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("live submit did not return")
	}
	require.NoError(t, err)
	assert.Equal(t, domain.StateFilled, res.State)
	assert.Equal(t, domain.ModeLive, res.Mode)
	assert.True(t, res.NotionalUSD.Equal(d("500")))
	assert.True(t, h.balance(t, "scalp").Equal(d("399.5")))
	assert.Equal(t, 1, venue.Calls())
}

func TestLive_VenueErrorReleasesHold(t *testing.T) {
	venue := &fakeVenue{fn: func(context.Context, domain.LiveOrder) (domain.LiveFill, error) {
		return domain.LiveFill{}, errors.New("connection reset")
	}}
	h := newHarness(t,
		withConfig(func(c *Config) {
			c.Mode = domain.ModeLive
			c.Profile = "LIVE_150"
			c.Guard = txguard.NewConfig(false, []string{"LIVE_150"}, false)
		}),
		withDeps(func(dp *Deps) { dp.Venue = venue }),
	)
	res, err := h.eng.Submit(context.Background(), liveSignal("s1", "100"))
	require.Error(t, err)
	assert.Equal(t, domain.ReasonVenueError, res.Reason)
	st, _ := h.wallets.Get("scalp")
	assert.True(t, st.ReservedUSD.IsZero())
	assert.Equal(t, 1, venue.Calls(), "no retries")
}

func TestSubmit_LedgerFailureIsNotFilled(t *testing.T) {
	h := newHarness(t)
	deps := h.eng.deps
	deps.Ledger = failingLedger{h.ledger}
	eng, err := NewEngine(DefaultConfig(), deps, testLogger())
	require.NoError(t, err)

	res, err := eng.Submit(context.Background(), signal("s1", "100"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrLedgerWriteFailure))
	assert.Equal(t, domain.StateFailed, res.State)
	assert.Equal(t, domain.ReasonLedgerFailure, res.Reason)
	assert.False(t, res.Success)

	st, _ := h.wallets.Get("main")
	assert.True(t, st.BalanceUSD.Equal(d("1000")))
	assert.True(t, st.ReservedUSD.IsZero())
	assert.True(t, h.notifier.has(EventLedgerFailure))
}

func TestSubmit_WalletFailureAfterAppendStaysFilled(t *testing.T) {
	h := newHarness(t, withWalletOpts(wallet.WithLockManager(failingLocks{}, time.Second)))

	res, err := h.eng.Submit(context.Background(), signal("s1", "100"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrLockHeld))
	assert.Equal(t, domain.StateFilled, res.State)
	assert.True(t, res.Success)
	assert.Len(t, h.ledger.RecentTrades("", 0), 1)
	assert.True(t, h.notifier.has(EventWalletApplyFailed))

	st, _ := h.wallets.Get("main")
	assert.True(t, st.ReservedUSD.IsZero())
}

func TestProcess_RefusesNonApprovingIntents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.eng.Process(ctx, domain.OrderIntent{
		Signal: signal("s1", "100"), Decision: domain.DecisionReject, Reason: "test",
	})
	assert.True(t, errors.Is(err, domain.ErrRiskRejected))

	_, err = h.eng.Process(ctx, domain.OrderIntent{
		Signal: signal("s2", "100"), Decision: domain.DecisionAdjust, ApprovedNotional: d("150"),
	})
	assert.True(t, errors.Is(err, domain.ErrInvalidSignal))

	res, err := h.eng.Process(ctx, domain.OrderIntent{
		Signal: signal("s3", "100"), Decision: domain.DecisionAdjust, ApprovedNotional: d("40"),
	})
	require.NoError(t, err)
	assert.True(t, res.NotionalUSD.Equal(d("40")))
	assert.Len(t, h.ledger.RecentTrades("", 0), 1)
}

func TestRun_ProcessesFeedUntilClosed(t *testing.T) {
	h := newHarness(t,
		withConfig(func(c *Config) { c.Workers = 4 }),
		withRisk(func(c *risk.Config) { c.MaxOpenPositions = 0 }),
	)

	feed := make(chan domain.TradeSignal, 30)
	for i := 0; i < 20; i++ {
		feed <- signal(fmt.Sprintf("s%d", i), "10")
	}
	feed <- signal("s0", "10") // duplicate
	close(feed)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, h.eng.Run(ctx, feed))

	assert.Len(t, h.ledger.RecentTrades("", 0), 20)
	assert.True(t, h.balance(t, "main").Equal(d("800")))
}

func TestDedup_Cleanup(t *testing.T) {
	dd := NewDedup(time.Millisecond)
	claim, err := dd.Acquire(context.Background(), "a")
	require.NoError(t, err)
	require.False(t, claim.Dup)
	claim.Finish(domain.ExecutionResult{SignalID: "a"}, nil)
	assert.Equal(t, 1, dd.Len())

	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 1, dd.Cleanup())
	again, err := dd.Acquire(context.Background(), "a")
	require.NoError(t, err)
	assert.False(t, again.Dup)
}

func TestDedup_WaitHonoursContext(t *testing.T) {
	dd := NewDedup(time.Minute)
	_, err := dd.Acquire(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = dd.Acquire(ctx, "a")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
