package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/riskgate/internal/domain"
)

// LedgerReader is the slice of the ledger the query endpoints read.
type LedgerReader interface {
	RecentTrades(walletID string, limit int) []domain.Trade
	PnLStats(walletID string, since time.Time) domain.PnLStats
	Positions(walletID string) []domain.Position
}

// PositionHandler serves positions and realized PnL rebuilt from the ledger.
type PositionHandler struct {
	ledger LedgerReader
	now    func() time.Time
	logger *slog.Logger
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(ledger LedgerReader, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		ledger: ledger,
		now:    time.Now,
		logger: logHandler(logger, "position"),
	}
}

type listPositionsResponse struct {
	Positions []domain.Position `json:"positions"`
}

// ListPositions returns open average-cost positions. Without wallet it
// covers every wallet.
// GET /api/positions?wallet=scalp
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions := h.ledger.Positions(r.URL.Query().Get("wallet"))
	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions})
}

// PnL returns realized PnL statistics since the given time.
// GET /api/pnl?wallet=scalp&since=24h
func (h *PositionHandler) PnL(w http.ResponseWriter, r *http.Request) {
	since, err := parseSince(r, h.now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	wallet := r.URL.Query().Get("wallet")
	stats := h.ledger.PnLStats(wallet, since)
	h.logger.DebugContext(r.Context(), "pnl query",
		slog.String("wallet", wallet),
		slog.Int("nb_trades", stats.NbTrades),
	)
	writeJSON(w, http.StatusOK, stats)
}
