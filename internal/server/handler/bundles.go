package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/arbguard/internal/domain"
)

// BundleLister exposes the execution engine's bundles.
type BundleLister interface {
	Active() []domain.ProtectedBundle
	Recent(limit int) []domain.ProtectedBundle
	Bundle(id string) (domain.ProtectedBundle, bool)
}

// BundleStore looks up bundles no longer held in memory.
type BundleStore interface {
	GetByID(ctx context.Context, id string) (domain.ProtectedBundle, error)
}

// BundleHandler serves bundle endpoints.
type BundleHandler struct {
	bundles BundleLister
	store   BundleStore
	logger  *slog.Logger
}

// NewBundleHandler creates a BundleHandler. store may be nil.
func NewBundleHandler(bundles BundleLister, store BundleStore, logger *slog.Logger) *BundleHandler {
	return &BundleHandler{bundles: bundles, store: store, logger: logger}
}

type listBundlesResponse struct {
	Active []domain.ProtectedBundle `json:"active"`
	Recent []domain.ProtectedBundle `json:"recent"`
}

// ListBundles returns in-flight bundles and the most recently finished ones.
// GET /api/bundles?limit=N
func (h *BundleHandler) ListBundles(w http.ResponseWriter, r *http.Request) {
	resp := listBundlesResponse{
		Active: h.bundles.Active(),
		Recent: h.bundles.Recent(parseLimit(r)),
	}
	if resp.Active == nil {
		resp.Active = []domain.ProtectedBundle{}
	}
	if resp.Recent == nil {
		resp.Recent = []domain.ProtectedBundle{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetBundle returns one bundle by id.
// GET /api/bundles/{id}
func (h *BundleHandler) GetBundle(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if b, ok := h.bundles.Bundle(id); ok {
		writeJSON(w, http.StatusOK, b)
		return
	}
	if h.store == nil {
		writeError(w, http.StatusNotFound, "bundle not found")
		return
	}
	b, err := h.store.GetByID(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "bundle not found")
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: get bundle failed",
			slog.String("bundle_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to load bundle")
		return
	}
	writeJSON(w, http.StatusOK, b)
}
