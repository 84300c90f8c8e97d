package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/arbguard/internal/domain"
)

// RecentOpportunities is the in-memory record of detected opportunities.
type RecentOpportunities interface {
	Recent(limit int) []domain.ArbitrageOpportunity
}

// OpportunityStore is the persisted history, when Postgres is configured.
type OpportunityStore interface {
	ListRecent(ctx context.Context, limit int) ([]domain.ArbitrageOpportunity, error)
}

// OpportunityHandler serves GET /api/opportunities.
type OpportunityHandler struct {
	recent RecentOpportunities
	store  OpportunityStore
	logger *slog.Logger
}

// NewOpportunityHandler reads from store when it is non-nil and from recent
// otherwise.
func NewOpportunityHandler(recent RecentOpportunities, store OpportunityStore, logger *slog.Logger) *OpportunityHandler {
	return &OpportunityHandler{recent: recent, store: store, logger: logger}
}

// ListOpportunities returns the newest opportunities.
// GET /api/opportunities?limit=N
func (h *OpportunityHandler) ListOpportunities(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r)
	var (
		opps []domain.ArbitrageOpportunity
		err  error
	)
	switch {
	case h.store != nil:
		opps, err = h.store.ListRecent(r.Context(), limit)
	case h.recent != nil:
		opps = h.recent.Recent(limit)
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list opportunities failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list opportunities")
		return
	}
	if opps == nil {
		opps = []domain.ArbitrageOpportunity{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"opportunities": opps})
}
