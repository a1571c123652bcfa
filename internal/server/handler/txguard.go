package handler

import (
	"log/slog"
	"net/http"
	"sort"

	"github.com/alanyoungcy/riskgate/internal/domain"
	"github.com/alanyoungcy/riskgate/internal/txguard"
)

// TxGuardHandler exposes the transaction guard settings and the verdict the
// running process would get.
type TxGuardHandler struct {
	cfg     txguard.Config
	mode    domain.ExecutionMode
	profile string
	logger  *slog.Logger
}

// NewTxGuardHandler creates a TxGuardHandler.
func NewTxGuardHandler(cfg txguard.Config, mode domain.ExecutionMode, profile string, logger *slog.Logger) *TxGuardHandler {
	return &TxGuardHandler{cfg: cfg, mode: mode, profile: profile, logger: logHandler(logger, "txguard")}
}

type txguardResponse struct {
	HardDisableSendTx bool     `json:"hard_disable_send_tx"`
	AllowedProfiles   []string `json:"allowed_profiles"`
	LogOnly           bool     `json:"log_only"`
	Mode              string   `json:"mode"`
	Profile           string   `json:"profile"`
	Allowed           bool     `json:"allowed"`
	WouldSend         bool     `json:"would_send"`
	Reason            string   `json:"reason"`
}

// Status reports the guard configuration. The optional profile parameter
// previews the verdict for a signal carrying that profile.
// GET /api/txguard?profile=LIVE_150
func (h *TxGuardHandler) Status(w http.ResponseWriter, r *http.Request) {
	profile := h.profile
	if p := r.URL.Query().Get("profile"); p != "" {
		profile = p
	}
	v := txguard.Evaluate(h.cfg, h.mode, profile, "api_status")

	profiles := make([]string, 0, len(h.cfg.AllowedProfiles))
	for p, ok := range h.cfg.AllowedProfiles {
		if ok {
			profiles = append(profiles, p)
		}
	}
	sort.Strings(profiles)

	writeJSON(w, http.StatusOK, txguardResponse{
		HardDisableSendTx: h.cfg.HardDisableSendTx,
		AllowedProfiles:   profiles,
		LogOnly:           h.cfg.LogOnly,
		Mode:              string(v.Mode),
		Profile:           v.Profile,
		Allowed:           v.Allowed,
		WouldSend:         v.WouldSend,
		Reason:            v.Reason,
	})
}
