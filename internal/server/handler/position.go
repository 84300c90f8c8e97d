package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/arbguard/internal/domain"
)

// OpenPositionLister exposes the monitor's open positions.
type OpenPositionLister interface {
	OpenPositions() []domain.Position
}

// PositionHistory lists closed positions from the store.
type PositionHistory interface {
	ListHistory(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error)
}

// PositionHandler serves GET /api/positions.
type PositionHandler struct {
	open    OpenPositionLister
	history PositionHistory
	logger  *slog.Logger
}

// NewPositionHandler creates a PositionHandler. history may be nil.
func NewPositionHandler(open OpenPositionLister, history PositionHistory, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{open: open, history: history, logger: logger}
}

// ListPositions returns open positions, or closed ones with status=closed.
// GET /api/positions?status=open|closed&limit=&offset=&since=&until=
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	var positions []domain.Position
	switch status := r.URL.Query().Get("status"); status {
	case "", "open":
		positions = h.open.OpenPositions()
	case "closed":
		if h.history == nil {
			writeError(w, http.StatusServiceUnavailable, "position history requires postgres")
			return
		}
		var err error
		positions, err = h.history.ListHistory(r.Context(), parseListOpts(r))
		if err != nil {
			h.logger.ErrorContext(r.Context(), "handler: list position history failed",
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to list positions")
			return
		}
	default:
		writeError(w, http.StatusBadRequest, "status must be open or closed")
		return
	}
	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": positions})
}
