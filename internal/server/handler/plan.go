package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/riskgate/internal/domain"
	"github.com/alanyoungcy/riskgate/internal/finance"
)

// PlanHandler lists emitted transfer plans from the plans log.
type PlanHandler struct {
	path   string
	logger *slog.Logger
}

// NewPlanHandler creates a PlanHandler reading the log at path.
func NewPlanHandler(path string, logger *slog.Logger) *PlanHandler {
	return &PlanHandler{path: path, logger: logHandler(logger, "plan")}
}

type listPlansResponse struct {
	Plans []domain.TransferPlan `json:"plans"`
}

// ListPlans returns the most recent plans, newest first.
// GET /api/plans?limit=50
func (h *PlanHandler) ListPlans(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	plans, err := finance.ReadPlans(h.path, opts.Limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "read plans failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to read plans")
		return
	}
	if plans == nil {
		plans = []domain.TransferPlan{}
	}
	writeJSON(w, http.StatusOK, listPlansResponse{Plans: plans})
}
