package server

import (
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

	"github.com/alanyoungcy/riskgate/internal/crypto"
	"github.com/alanyoungcy/riskgate/internal/domain"
	"github.com/alanyoungcy/riskgate/internal/ledger"
	"github.com/alanyoungcy/riskgate/internal/server/handler"
	"github.com/alanyoungcy/riskgate/internal/server/middleware"
	"github.com/alanyoungcy/riskgate/internal/txguard"
	"github.com/alanyoungcy/riskgate/internal/wallet"
)

func newTestServer(t *testing.T, cfg Config) (*Server, *wallet.Manager) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	wm, err := wallet.NewManager([]domain.WalletState{
		{WalletID: "main", Role: domain.RoleMain, BalanceUSD: decimal.NewFromInt(1000)},
	}, logger)
	require.NoError(t, err)
	store, err := ledger.Open(t.TempDir(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	srv := NewServer(cfg, Handlers{
		Health:    handler.NewHealthHandler("PAPER", "", nil, logger),
		Wallets:   handler.NewWalletHandler(wm, nil, logger),
		Trades:    handler.NewTradeHandler(store, nil, logger),
		Positions: handler.NewPositionHandler(store, logger),
		Plans:     handler.NewPlanHandler(filepath.Join(t.TempDir(), "plans.ndjson"), logger),
		TxGuard:   handler.NewTxGuardHandler(txguard.DefaultConfig(), domain.ModePaper, "", logger),
	}, nil, logger)
	return srv, wm
}

func do(h http.Handler, r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func TestServer_APIKey(t *testing.T) {
	srv, _ := newTestServer(t, Config{APIKey: "k"})
	h := srv.Handler()

	assert.Equal(t, http.StatusOK, do(h, httptest.NewRequest(http.MethodGet, "/api/health", nil)).Code)
	assert.Equal(t, http.StatusOK, do(h, httptest.NewRequest(http.MethodGet, "/metrics", nil)).Code)
	assert.Equal(t, http.StatusUnauthorized, do(h, httptest.NewRequest(http.MethodGet, "/api/wallets", nil)).Code)

	r := httptest.NewRequest(http.MethodGet, "/api/wallets", nil)
	r.Header.Set("Authorization", "Bearer k")
	rec := do(h, r)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"wallet_id":"main"`)
}

func TestServer_AdminRequiresSignature(t *testing.T) {
	auth := &crypto.HMACAuth{Key: "ops", Secret: "s3cret", MaxSkew: time.Minute}
	srv, wm := newTestServer(t, Config{Admin: auth})
	h := srv.Handler()
	body := `{"wallet_id":"main","action":"trip","reason":"test"}`

	rec := do(h, httptest.NewRequest(http.MethodPost, "/api/admin/kill-switch", strings.NewReader(body)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	st, err := wm.Get("main")
	require.NoError(t, err)
	assert.False(t, st.KillSwitch)

	r := httptest.NewRequest(http.MethodPost, "/api/admin/kill-switch", strings.NewReader(body))
	for k, v := range auth.Headers(http.MethodPost, "/api/admin/kill-switch", body) {
		r.Header.Set(k, v)
	}
	rec = do(h, r)
	require.Equal(t, http.StatusOK, rec.Code)
	st, err = wm.Get("main")
	require.NoError(t, err)
	assert.True(t, st.KillSwitch)
}

func TestServer_AdminClosedWithoutSecret(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	rec := do(srv.Handler(), httptest.NewRequest(http.MethodPost, "/api/admin/kill-switch", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Transfer routes are absent without a transfer service.
	rec = do(srv.Handler(), httptest.NewRequest(http.MethodGet, "/api/transfers", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_RateLimit(t *testing.T) {
	srv, _ := newTestServer(t, Config{Limiter: middleware.NewLocalLimiter(), RateLimit: 2, RateLimitWindow: time.Minute})
	h := srv.Handler()
	for range 2 {
		assert.Equal(t, http.StatusOK, do(h, httptest.NewRequest(http.MethodGet, "/api/txguard", nil)).Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, do(h, httptest.NewRequest(http.MethodGet, "/api/txguard", nil)).Code)
}
