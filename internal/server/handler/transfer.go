package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/riskgate/internal/domain"
)

// TransferApplier executes emitted plans and remembers what it applied.
type TransferApplier interface {
	Apply(ctx context.Context, planID, operator string) (domain.AppliedTransfer, error)
	Applied() []domain.AppliedTransfer
}

// TransferHandler lists applied transfers and applies plans on request.
type TransferHandler struct {
	transfers TransferApplier
	logger    *slog.Logger
}

// NewTransferHandler creates a TransferHandler.
func NewTransferHandler(transfers TransferApplier, logger *slog.Logger) *TransferHandler {
	return &TransferHandler{transfers: transfers, logger: logHandler(logger, "transfer")}
}

type listTransfersResponse struct {
	Transfers []domain.AppliedTransfer `json:"transfers"`
}

// ListApplied returns applied transfers, newest first.
// GET /api/transfers?limit=50
func (h *TransferHandler) ListApplied(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	all := h.transfers.Applied()
	out := make([]domain.AppliedTransfer, 0, min(opts.Limit, len(all)))
	for i := len(all) - 1; i >= 0 && len(out) < opts.Limit; i-- {
		out = append(out, all[i])
	}
	writeJSON(w, http.StatusOK, listTransfersResponse{Transfers: out})
}

type applyRequest struct {
	Operator string `json:"operator"`
}

// Apply moves funds for one emitted plan. A plan applies at most once.
// POST /api/admin/plans/{id}/apply {"operator":"alice"}
func (h *TransferHandler) Apply(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "plan id required")
		return
	}
	var req applyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Operator == "" {
		req.Operator = "admin"
	}

	rec, err := h.transfers.Apply(r.Context(), id, req.Operator)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, rec)
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "plan not found")
	case errors.Is(err, domain.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "plan already applied")
	case errors.Is(err, domain.ErrInsufficientBalance), errors.Is(err, domain.ErrUnknownWallet):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		h.logger.ErrorContext(r.Context(), "apply plan failed",
			slog.String("plan_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to apply plan")
	}
}
