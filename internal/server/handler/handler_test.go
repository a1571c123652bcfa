package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/riskgate/internal/domain"
	"github.com/alanyoungcy/riskgate/internal/finance"
	"github.com/alanyoungcy/riskgate/internal/txguard"
	"github.com/alanyoungcy/riskgate/internal/wallet"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeLedger struct {
	trades []domain.Trade // newest first
	since  time.Time
}

func (f *fakeLedger) RecentTrades(walletID string, limit int) []domain.Trade {
	var out []domain.Trade
	for _, t := range f.trades {
		if walletID != "" && t.WalletID != walletID {
			continue
		}
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, t)
	}
	return out
}

func (f *fakeLedger) PnLStats(walletID string, since time.Time) domain.PnLStats {
	f.since = since
	return domain.PnLStats{WalletID: walletID, Since: since, NbTrades: len(f.trades)}
}

func (f *fakeLedger) Positions(string) []domain.Position { return nil }

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestListTrades_Pagination(t *testing.T) {
	ledger := &fakeLedger{}
	for i := 5; i > 0; i-- {
		ledger.trades = append(ledger.trades, domain.Trade{ID: fmt.Sprintf("t%d", i), WalletID: "main"})
	}
	h := NewTradeHandler(ledger, nil, testLogger())

	rec := httptest.NewRecorder()
	h.ListTrades(rec, httptest.NewRequest(http.MethodGet, "/api/trades?limit=2&offset=1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[listTradesResponse](t, rec)
	require.Len(t, resp.Trades, 2)
	assert.Equal(t, "t4", resp.Trades[0].ID)
	assert.Equal(t, "t3", resp.Trades[1].ID)
	assert.Equal(t, "ledger", resp.Source)

	rec = httptest.NewRecorder()
	h.ListTrades(rec, httptest.NewRequest(http.MethodGet, "/api/trades?offset=10", nil))
	assert.Equal(t, `{"trades":[],"source":"ledger"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	h.ListTrades(rec, httptest.NewRequest(http.MethodGet, "/api/trades?source=mirror&wallet=main", nil))
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestPnL_Since(t *testing.T) {
	ledger := &fakeLedger{}
	h := NewPositionHandler(ledger, testLogger())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return now }

	rec := httptest.NewRecorder()
	h.PnL(rec, httptest.NewRequest(http.MethodGet, "/api/pnl?since=24h", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, now.Add(-24*time.Hour), ledger.since)

	rec = httptest.NewRecorder()
	h.PnL(rec, httptest.NewRequest(http.MethodGet, "/api/pnl?since=yesterday", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealth_DegradedDependency(t *testing.T) {
	h := NewHealthHandler("PAPER", "", map[string]HealthCheck{
		"redis":    func(context.Context) error { return nil },
		"postgres": func(context.Context) error { return errors.New("connection refused") },
	}, testLogger())

	rec := httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	resp := decode[healthResponse](t, rec)
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "ok", resp.Dependencies["redis"])
	assert.Equal(t, "connection refused", resp.Dependencies["postgres"])
}

type recordingAudit struct{ events []string }

func (a *recordingAudit) Log(_ context.Context, event string, _ map[string]any) error {
	a.events = append(a.events, event)
	return nil
}

func (a *recordingAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func newWallets(t *testing.T) *wallet.Manager {
	t.Helper()
	wm, err := wallet.NewManager([]domain.WalletState{
		{WalletID: "main", Role: domain.RoleMain, BalanceUSD: d("1000")},
		{WalletID: "scalp", Role: domain.RoleScalping, BalanceUSD: d("500")},
	}, testLogger())
	require.NoError(t, err)
	return wm
}

func postJSON(path, body string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	return r
}

func TestKillSwitch(t *testing.T) {
	wm := newWallets(t)
	audit := &recordingAudit{}
	h := NewWalletHandler(wm, audit, testLogger())

	rec := httptest.NewRecorder()
	h.KillSwitch(rec, postJSON("/api/admin/kill-switch", `{"wallet_id":"scalp","action":"trip","reason":"drawdown"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	st, err := wm.Get("scalp")
	require.NoError(t, err)
	assert.True(t, st.KillSwitch)

	rec = httptest.NewRecorder()
	h.KillSwitch(rec, postJSON("/api/admin/kill-switch", `{"action":"trip","reason":"halt"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[listWalletsResponse](t, rec)
	assert.True(t, resp.GlobalKillSwitch.Tripped)
	assert.Equal(t, "halt", resp.GlobalKillSwitch.Reason)
	assert.NotNil(t, resp.GlobalKillSwitch.TrippedAt)
	assert.Len(t, resp.Wallets, 2)

	rec = httptest.NewRecorder()
	h.KillSwitch(rec, postJSON("/api/admin/kill-switch", `{"action":"clear"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, wm.GlobalKillSwitch().Tripped)
	assert.Equal(t, []string{EventKillSwitchTripped, EventKillSwitchTripped, EventKillSwitchCleared}, audit.events)

	rec = httptest.NewRecorder()
	h.KillSwitch(rec, postJSON("/api/admin/kill-switch", `{"wallet_id":"ghost","action":"trip"}`))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	h.KillSwitch(rec, postJSON("/api/admin/kill-switch", `{"action":"toggle"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.KillSwitch(rec, postJSON("/api/admin/kill-switch", `{"action":"trip","wallet":"scalp"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Len(t, audit.events, 3)
}

func TestTxGuardStatus(t *testing.T) {
	h := NewTxGuardHandler(txguard.NewConfig(false, []string{"LIVE_150", "LIVE_50"}, false), domain.ModeLive, "PAPER", testLogger())

	rec := httptest.NewRecorder()
	h.Status(rec, httptest.NewRequest(http.MethodGet, "/api/txguard", nil))
	resp := decode[txguardResponse](t, rec)
	assert.False(t, resp.Allowed)
	assert.Equal(t, txguard.ReasonProfileNotAllowed, resp.Reason)
	assert.Equal(t, []string{"LIVE_150", "LIVE_50"}, resp.AllowedProfiles)

	rec = httptest.NewRecorder()
	h.Status(rec, httptest.NewRequest(http.MethodGet, "/api/txguard?profile=LIVE_150", nil))
	resp = decode[txguardResponse](t, rec)
	assert.True(t, resp.Allowed)
	assert.Equal(t, "LIVE_150", resp.Profile)
}

func TestListPlans(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plans.ndjson")
	h := NewPlanHandler(path, testLogger())

	rec := httptest.NewRecorder()
	h.ListPlans(rec, httptest.NewRequest(http.MethodGet, "/api/plans", nil))
	assert.Equal(t, `{"plans":[]}`, rec.Body.String())

	log, err := finance.OpenPlanLog(path)
	require.NoError(t, err)
	for _, id := range []string{"p1", "p2", "p3"} {
		require.NoError(t, log.Append(domain.TransferPlan{ID: id, FromWallet: "fees", ToWallet: "treasury", AmountUSD: d("10")}))
	}
	require.NoError(t, log.Close())

	rec = httptest.NewRecorder()
	h.ListPlans(rec, httptest.NewRequest(http.MethodGet, "/api/plans?limit=2", nil))
	resp := decode[listPlansResponse](t, rec)
	require.Len(t, resp.Plans, 2)
	assert.Equal(t, "p3", resp.Plans[0].ID)
}

type fakeTransfers struct {
	err     error
	applied []domain.AppliedTransfer
}

func (f *fakeTransfers) Apply(_ context.Context, planID, operator string) (domain.AppliedTransfer, error) {
	if f.err != nil {
		return domain.AppliedTransfer{}, f.err
	}
	rec := domain.AppliedTransfer{Plan: domain.TransferPlan{ID: planID}, Operator: operator}
	f.applied = append(f.applied, rec)
	return rec, nil
}

func (f *fakeTransfers) Applied() []domain.AppliedTransfer { return f.applied }

func TestTransferApply(t *testing.T) {
	mux := func(h *TransferHandler) *http.ServeMux {
		m := http.NewServeMux()
		m.HandleFunc("POST /api/admin/plans/{id}/apply", h.Apply)
		m.HandleFunc("GET /api/transfers", h.ListApplied)
		return m
	}

	ft := &fakeTransfers{}
	m := mux(NewTransferHandler(ft, testLogger()))
	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, postJSON("/api/admin/plans/p1/apply", `{"operator":"ops"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[domain.AppliedTransfer](t, rec)
	assert.Equal(t, "p1", got.Plan.ID)
	assert.Equal(t, "ops", got.Operator)

	rec = httptest.NewRecorder()
	m.ServeHTTP(rec, postJSON("/api/admin/plans/p2/apply", ""))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "admin", ft.applied[1].Operator)

	rec = httptest.NewRecorder()
	m.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/transfers?limit=1", nil))
	list := decode[listTransfersResponse](t, rec)
	require.Len(t, list.Transfers, 1)
	assert.Equal(t, "p2", list.Transfers[0].Plan.ID)

	tests := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("x: %w", domain.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("x: %w", domain.ErrAlreadyExists), http.StatusConflict},
		{fmt.Errorf("x: %w", domain.ErrInsufficientBalance), http.StatusUnprocessableEntity},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		m := mux(NewTransferHandler(&fakeTransfers{err: tt.err}, testLogger()))
		rec := httptest.NewRecorder()
		m.ServeHTTP(rec, postJSON("/api/admin/plans/p9/apply", `{}`))
		assert.Equal(t, tt.code, rec.Code, tt.err.Error())
	}
}
