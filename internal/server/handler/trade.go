package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/riskgate/internal/domain"
)

// TradeHandler lists booked trades. The ledger answers by default; the
// Postgres mirror answers when source=mirror is requested and configured.
type TradeHandler struct {
	ledger LedgerReader
	mirror domain.TradeMirror
	logger *slog.Logger
}

// NewTradeHandler creates a TradeHandler. mirror may be nil.
func NewTradeHandler(ledger LedgerReader, mirror domain.TradeMirror, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{
		ledger: ledger,
		mirror: mirror,
		logger: logHandler(logger, "trade"),
	}
}

type listTradesResponse struct {
	Trades []domain.Trade `json:"trades"`
	Source string         `json:"source"`
}

// ListTrades returns trades newest first.
// GET /api/trades?wallet=scalp&limit=50&offset=0&source=ledger|mirror
func (h *TradeHandler) ListTrades(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	wallet := q.Get("wallet")
	opts := parseListOpts(r)

	if q.Get("source") == "mirror" {
		if h.mirror == nil {
			writeError(w, http.StatusNotImplemented, "trade mirror not configured")
			return
		}
		if wallet == "" {
			writeError(w, http.StatusBadRequest, "wallet query parameter required for source=mirror")
			return
		}
		trades, err := h.mirror.ListByWallet(r.Context(), wallet, opts)
		if err != nil {
			h.logger.ErrorContext(r.Context(), "mirror query failed",
				slog.String("wallet", wallet),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusBadGateway, "failed to query trade mirror")
			return
		}
		if trades == nil {
			trades = []domain.Trade{}
		}
		writeJSON(w, http.StatusOK, listTradesResponse{Trades: trades, Source: "mirror"})
		return
	}

	trades := h.ledger.RecentTrades(wallet, opts.Limit+opts.Offset)
	if opts.Offset >= len(trades) {
		trades = []domain.Trade{}
	} else {
		trades = trades[opts.Offset:]
	}
	writeJSON(w, http.StatusOK, listTradesResponse{Trades: trades, Source: "ledger"})
}
