package handler

import (
	"net/http"
	"time"

	"github.com/alanyoungcy/arbguard/internal/domain"
	"github.com/alanyoungcy/arbguard/internal/source"
)

// VenueStatuser reports the health of every price source.
type VenueStatuser interface {
	Statuses() []source.Status
}

// StatusSources are the live components summarized by GET /api/status. Any
// of them may be nil in modes that do not run it.
type StatusSources struct {
	Breaker   BreakerState
	Bundles   BundleLister
	Positions OpenPositionLister
	Prices    PriceLister
	Sources   VenueStatuser
}

// StatusHandler serves GET /api/status.
type StatusHandler struct {
	mode      string
	startedAt time.Time
	src       StatusSources
	now       func() time.Time
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(mode string, startedAt time.Time, src StatusSources) *StatusHandler {
	return &StatusHandler{mode: mode, startedAt: startedAt, src: src, now: time.Now}
}

type statusResponse struct {
	Mode           string                 `json:"mode"`
	UptimeSeconds  int64                  `json:"uptime_seconds"`
	Emergency      *domain.EmergencyState `json:"emergency,omitempty"`
	PendingBundles int                    `json:"pending_bundles"`
	OpenPositions  int                    `json:"open_positions"`
	PricedTokens   int                    `json:"priced_tokens"`
	Sources        []source.Status        `json:"sources,omitempty"`
}

// GetStatus reports the mode and a summary of live state.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Snapshot())
}

// Snapshot builds the status summary. The websocket hub sends it to new
// clients.
func (h *StatusHandler) Snapshot() any {
	resp := statusResponse{
		Mode:          h.mode,
		UptimeSeconds: max(int64(h.now().Sub(h.startedAt).Seconds()), 0),
	}
	if h.src.Breaker != nil {
		st := h.src.Breaker.State()
		resp.Emergency = &st
	}
	if h.src.Bundles != nil {
		resp.PendingBundles = len(h.src.Bundles.Active())
	}
	if h.src.Positions != nil {
		resp.OpenPositions = len(h.src.Positions.OpenPositions())
	}
	if h.src.Prices != nil {
		resp.PricedTokens = len(h.src.Prices.All())
	}
	if h.src.Sources != nil {
		resp.Sources = h.src.Sources.Statuses()
	}
	return resp
}
