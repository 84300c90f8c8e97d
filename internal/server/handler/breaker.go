package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/arbguard/internal/domain"
)

// BreakerState reads the circuit breaker.
type BreakerState interface {
	State() domain.EmergencyState
}

// BreakerControl trips and resets the circuit breaker.
type BreakerControl interface {
	BreakerState
	Trip(ctx context.Context, reason domain.BreachReason, detail string) bool
	Reset(ctx context.Context, by string) error
}

// BreakerHandler serves the breaker endpoints.
type BreakerHandler struct {
	breaker BreakerControl
	logger  *slog.Logger
}

func NewBreakerHandler(breaker BreakerControl, logger *slog.Logger) *BreakerHandler {
	return &BreakerHandler{breaker: breaker, logger: logger}
}

type breakerRequest struct {
	Detail string `json:"detail"`
	By     string `json:"by"`
}

func decodeBreakerRequest(r *http.Request) (breakerRequest, error) {
	var req breakerRequest
	err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req)
	if errors.Is(err, io.EOF) {
		return req, nil
	}
	return req, err
}

// GetState returns the current emergency state.
// GET /api/breaker
func (h *BreakerHandler) GetState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.breaker.State())
}

// Trip halts trading manually. Tripping an already tripped breaker is a 409.
// POST /api/breaker/trip {"detail": "..."}
func (h *BreakerHandler) Trip(w http.ResponseWriter, r *http.Request) {
	req, err := decodeBreakerRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	detail := strings.TrimSpace(req.Detail)
	if detail == "" {
		detail = "manual trip via ops api"
	}
	if !h.breaker.Trip(r.Context(), domain.BreachManual, detail) {
		writeJSON(w, http.StatusConflict, h.breaker.State())
		return
	}
	h.logger.WarnContext(r.Context(), "breaker tripped via api", slog.String("detail", detail))
	writeJSON(w, http.StatusOK, h.breaker.State())
}

// Reset clears a tripped breaker. A clear breaker answers 409.
// POST /api/breaker/reset {"by": "operator"}
func (h *BreakerHandler) Reset(w http.ResponseWriter, r *http.Request) {
	req, err := decodeBreakerRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	by := strings.TrimSpace(req.By)
	if by == "" {
		by = "ops api"
	}
	if err := h.breaker.Reset(r.Context(), by); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	h.logger.InfoContext(r.Context(), "breaker reset via api", slog.String("by", by))
	writeJSON(w, http.StatusOK, h.breaker.State())
}
