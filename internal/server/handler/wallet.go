package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/riskgate/internal/domain"
	"github.com/alanyoungcy/riskgate/internal/wallet"
)

// WalletControl is the slice of the wallet manager the wallet endpoints use.
type WalletControl interface {
	Snapshot() []domain.WalletState
	GlobalKillSwitch() wallet.KillSwitchState
	TripKillSwitch(walletID, reason string) error
	ClearKillSwitch(walletID string) error
	TripGlobalKillSwitch(reason string)
	ClearGlobalKillSwitch()
}

// Kill switch audit events.
const (
	EventKillSwitchTripped = "kill_switch_tripped"
	EventKillSwitchCleared = "kill_switch_cleared"
)

// WalletHandler serves wallet balances and the admin kill switches.
type WalletHandler struct {
	wallets WalletControl
	audit   domain.AuditStore
	logger  *slog.Logger
}

// NewWalletHandler creates a WalletHandler. audit may be nil.
func NewWalletHandler(wallets WalletControl, audit domain.AuditStore, logger *slog.Logger) *WalletHandler {
	return &WalletHandler{
		wallets: wallets,
		audit:   audit,
		logger:  logHandler(logger, "wallet"),
	}
}

type killSwitchView struct {
	Tripped   bool       `json:"tripped"`
	Reason    string     `json:"reason,omitempty"`
	TrippedAt *time.Time `json:"tripped_at,omitempty"`
}

type listWalletsResponse struct {
	Wallets          []domain.WalletState `json:"wallets"`
	GlobalKillSwitch killSwitchView       `json:"global_kill_switch"`
}

func viewKillSwitch(ks wallet.KillSwitchState) killSwitchView {
	v := killSwitchView{Tripped: ks.Tripped, Reason: ks.Reason}
	if !ks.TrippedAt.IsZero() {
		at := ks.TrippedAt
		v.TrippedAt = &at
	}
	return v
}

// ListWallets returns every wallet and the global kill switch.
// GET /api/wallets
func (h *WalletHandler) ListWallets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, listWalletsResponse{
		Wallets:          h.wallets.Snapshot(),
		GlobalKillSwitch: viewKillSwitch(h.wallets.GlobalKillSwitch()),
	})
}

type killSwitchRequest struct {
	WalletID string `json:"wallet_id"`
	Action   string `json:"action"`
	Reason   string `json:"reason"`
	Operator string `json:"operator"`
}

// KillSwitch trips or clears a kill switch. An empty wallet_id targets the
// global switch.
// POST /api/admin/kill-switch {"wallet_id":"scalp","action":"trip","reason":"manual"}
func (h *WalletHandler) KillSwitch(w http.ResponseWriter, r *http.Request) {
	var req killSwitchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "manual"
	}

	var (
		err   error
		event string
	)
	switch req.Action {
	case "trip":
		event = EventKillSwitchTripped
		if req.WalletID == "" {
			h.wallets.TripGlobalKillSwitch(req.Reason)
		} else {
			err = h.wallets.TripKillSwitch(req.WalletID, req.Reason)
		}
	case "clear":
		event = EventKillSwitchCleared
		if req.WalletID == "" {
			h.wallets.ClearGlobalKillSwitch()
		} else {
			err = h.wallets.ClearKillSwitch(req.WalletID)
		}
	default:
		writeError(w, http.StatusBadRequest, `action must be "trip" or "clear"`)
		return
	}
	if errors.Is(err, domain.ErrUnknownWallet) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "kill switch update failed")
		return
	}

	scope := req.WalletID
	if scope == "" {
		scope = "global"
	}
	h.logger.WarnContext(r.Context(), "kill switch updated",
		slog.String("scope", scope),
		slog.String("action", req.Action),
		slog.String("reason", req.Reason),
		slog.String("operator", req.Operator),
	)
	if h.audit != nil {
		if aerr := h.audit.Log(r.Context(), event, map[string]any{
			"scope":    scope,
			"reason":   req.Reason,
			"operator": req.Operator,
		}); aerr != nil {
			h.logger.WarnContext(r.Context(), "audit write failed", slog.String("error", aerr.Error()))
		}
	}
	h.ListWallets(w, r)
}
