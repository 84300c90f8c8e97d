package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbguard/internal/domain"
	"github.com/alanyoungcy/arbguard/internal/source"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeBreaker struct {
	state  domain.EmergencyState
	resets []string
}

func (f *fakeBreaker) State() domain.EmergencyState { return f.state }

func (f *fakeBreaker) Trip(_ context.Context, reason domain.BreachReason, detail string) bool {
	if f.state.Tripped {
		return false
	}
	f.state = domain.EmergencyState{Tripped: true, Reason: reason, Detail: detail, ManualResetRequired: true}
	return true
}

func (f *fakeBreaker) Reset(_ context.Context, by string) error {
	if !f.state.Tripped {
		return errors.New("breaker: reset: not tripped")
	}
	f.state = domain.EmergencyState{}
	f.resets = append(f.resets, by)
	return nil
}

type fakeBundles struct {
	active []domain.ProtectedBundle
	recent []domain.ProtectedBundle
}

func (f fakeBundles) Active() []domain.ProtectedBundle { return f.active }
func (f fakeBundles) Recent(limit int) []domain.ProtectedBundle {
	return f.recent[:min(limit, len(f.recent))]
}
func (f fakeBundles) Bundle(id string) (domain.ProtectedBundle, bool) {
	for _, b := range append(f.active, f.recent...) {
		if b.ID == id {
			return b, true
		}
	}
	return domain.ProtectedBundle{}, false
}

type fakeBundleStore map[string]domain.ProtectedBundle

func (f fakeBundleStore) GetByID(_ context.Context, id string) (domain.ProtectedBundle, error) {
	b, ok := f[id]
	if !ok {
		return domain.ProtectedBundle{}, domain.ErrNotFound
	}
	return b, nil
}

type fakePositions []domain.Position

func (f fakePositions) OpenPositions() []domain.Position { return f }

type fakeHistory struct {
	got  domain.ListOpts
	rows []domain.Position
	err  error
}

func (f *fakeHistory) ListHistory(_ context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	f.got = opts
	return f.rows, f.err
}

type fakePrices map[string]domain.NormalizedPrice

func (f fakePrices) All() []domain.NormalizedPrice {
	out := make([]domain.NormalizedPrice, 0, len(f))
	for _, p := range f {
		out = append(out, p)
	}
	return out
}

func (f fakePrices) Latest(token string) (domain.NormalizedPrice, bool) {
	p, ok := f[token]
	return p, ok
}

type fakeRecent []domain.ArbitrageOpportunity

func (f fakeRecent) Recent(limit int) []domain.ArbitrageOpportunity { return f[:min(limit, len(f))] }

type fakeOppStore struct{ err error }

func (f fakeOppStore) ListRecent(_ context.Context, limit int) ([]domain.ArbitrageOpportunity, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []domain.ArbitrageOpportunity{{ID: "from-store"}}, nil
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestHealthCheck(t *testing.T) {
	ok := func(context.Context) error { return nil }
	bad := func(context.Context) error { return errors.New("connection refused") }

	tests := []struct {
		name   string
		checks map[string]Check
		code   int
		status string
	}{
		{"no checks", nil, http.StatusOK, "ok"},
		{"all healthy", map[string]Check{"postgres": ok, "redis": ok}, http.StatusOK, "ok"},
		{"one failing", map[string]Check{"postgres": ok, "redis": bad}, http.StatusServiceUnavailable, "degraded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			NewHealthHandler(tt.checks).HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
			assert.Equal(t, tt.code, rec.Code)

			var body struct {
				Status string            `json:"status"`
				Checks map[string]string `json:"checks"`
			}
			decode(t, rec, &body)
			assert.Equal(t, tt.status, body.Status)
			assert.Len(t, body.Checks, len(tt.checks))
		})
	}
}

func TestGetStatus(t *testing.T) {
	started := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	h := NewStatusHandler("full", started, StatusSources{
		Breaker:   &fakeBreaker{},
		Bundles:   fakeBundles{active: []domain.ProtectedBundle{{ID: "b1"}, {ID: "b2"}}},
		Positions: fakePositions{{ID: "p1"}},
		Prices:    fakePrices{"ETH": {Token: "ETH"}},
	})
	h.now = func() time.Time { return started.Add(90 * time.Second) }

	rec := httptest.NewRecorder()
	h.GetStatus(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body statusResponse
	decode(t, rec, &body)
	assert.Equal(t, "full", body.Mode)
	assert.EqualValues(t, 90, body.UptimeSeconds)
	require.NotNil(t, body.Emergency)
	assert.False(t, body.Emergency.Tripped)
	assert.Equal(t, 2, body.PendingBundles)
	assert.Equal(t, 1, body.OpenPositions)
	assert.Equal(t, 1, body.PricedTokens)
}

type fakeVenues []source.Status

func (f fakeVenues) Statuses() []source.Status { return f }

func TestStatusSnapshotIncludesSources(t *testing.T) {
	h := NewStatusHandler("monitor", time.Now(), StatusSources{
		Sources: fakeVenues{
			{ID: "uni-eth", Kind: domain.SourceKindPool, Healthy: true},
			{ID: "oracle-a", Kind: domain.SourceKindOracle, LastError: "timeout"},
		},
	})
	snap, ok := h.Snapshot().(statusResponse)
	require.True(t, ok)
	require.Len(t, snap.Sources, 2)
	assert.Equal(t, "timeout", snap.Sources[1].LastError)
	assert.Nil(t, snap.Emergency)
}

func TestGetStatusDetectMode(t *testing.T) {
	rec := httptest.NewRecorder()
	NewStatusHandler("detect", time.Now(), StatusSources{}).GetStatus(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "emergency")
}

func TestPrices(t *testing.T) {
	mux := http.NewServeMux()
	h := NewPriceHandler(fakePrices{"ETH": {Token: "ETH", Price: decimal.NewFromInt(3000), Confidence: 0.9}})
	mux.HandleFunc("GET /api/prices", h.ListPrices)
	mux.HandleFunc("GET /api/prices/{token}", h.GetPrice)

	t.Run("list", func(t *testing.T) {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/prices", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		var body struct {
			Prices []domain.NormalizedPrice `json:"prices"`
		}
		decode(t, rec, &body)
		require.Len(t, body.Prices, 1)
		assert.True(t, body.Prices[0].Price.Equal(decimal.NewFromInt(3000)))
	})
	t.Run("token is case insensitive", func(t *testing.T) {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/prices/eth", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	})
	t.Run("unknown token", func(t *testing.T) {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/prices/BTC", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestListOpportunities(t *testing.T) {
	recent := fakeRecent{{ID: "o3"}, {ID: "o2"}, {ID: "o1"}}

	tests := []struct {
		name  string
		store OpportunityStore
		url   string
		code  int
		ids   []string
	}{
		{"memory fallback", nil, "/api/opportunities?limit=2", http.StatusOK, []string{"o3", "o2"}},
		{"store preferred", fakeOppStore{}, "/api/opportunities", http.StatusOK, []string{"from-store"}},
		{"store failure", fakeOppStore{err: errors.New("boom")}, "/api/opportunities", http.StatusInternalServerError, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			NewOpportunityHandler(recent, tt.store, discard()).ListOpportunities(rec, httptest.NewRequest(http.MethodGet, tt.url, nil))
			require.Equal(t, tt.code, rec.Code)
			if tt.code != http.StatusOK {
				return
			}
			var body struct {
				Opportunities []domain.ArbitrageOpportunity `json:"opportunities"`
			}
			decode(t, rec, &body)
			ids := make([]string, 0, len(body.Opportunities))
			for _, o := range body.Opportunities {
				ids = append(ids, o.ID)
			}
			assert.Equal(t, tt.ids, ids)
		})
	}
}

func TestBundles(t *testing.T) {
	lister := fakeBundles{
		active: []domain.ProtectedBundle{{ID: "live", State: domain.BundleSubmitted}},
		recent: []domain.ProtectedBundle{{ID: "done", State: domain.BundleConfirmed}},
	}
	store := fakeBundleStore{"old": {ID: "old", State: domain.BundleExpired}}

	mux := http.NewServeMux()
	h := NewBundleHandler(lister, store, discard())
	mux.HandleFunc("GET /api/bundles", h.ListBundles)
	mux.HandleFunc("GET /api/bundles/{id}", h.GetBundle)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/bundles", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var list listBundlesResponse
	decode(t, rec, &list)
	require.Len(t, list.Active, 1)
	require.Len(t, list.Recent, 1)
	assert.Equal(t, "live", list.Active[0].ID)

	for id, code := range map[string]int{"live": 200, "old": 200, "missing": 404} {
		t.Run(id, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/bundles/"+id, nil))
			assert.Equal(t, code, rec.Code)
		})
	}
}

func TestListPositions(t *testing.T) {
	open := fakePositions{{ID: "p1", Status: domain.PositionStatusOpen}}

	t.Run("open by default", func(t *testing.T) {
		rec := httptest.NewRecorder()
		NewPositionHandler(open, nil, discard()).ListPositions(rec, httptest.NewRequest(http.MethodGet, "/api/positions", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"p1"`)
	})
	t.Run("closed reads history with filters", func(t *testing.T) {
		hist := &fakeHistory{rows: []domain.Position{{ID: "p0", Status: domain.PositionStatusClosed}}}
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/positions?status=closed&limit=900&offset=10&since=2025-01-01T00:00:00Z", nil)
		NewPositionHandler(open, hist, discard()).ListPositions(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"p0"`)
		assert.Equal(t, 500, hist.got.Limit)
		assert.Equal(t, 10, hist.got.Offset)
		require.NotNil(t, hist.got.Since)
		assert.Nil(t, hist.got.Until)
	})
	t.Run("closed without store", func(t *testing.T) {
		rec := httptest.NewRecorder()
		NewPositionHandler(open, nil, discard()).ListPositions(rec, httptest.NewRequest(http.MethodGet, "/api/positions?status=closed", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
	t.Run("bad status", func(t *testing.T) {
		rec := httptest.NewRecorder()
		NewPositionHandler(open, nil, discard()).ListPositions(rec, httptest.NewRequest(http.MethodGet, "/api/positions?status=all", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestBreakerTripAndReset(t *testing.T) {
	br := &fakeBreaker{}
	h := NewBreakerHandler(br, discard())

	post := func(fn http.HandlerFunc, body string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		fn(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)))
		return rec
	}

	rec := post(h.Reset, "")
	assert.Equal(t, http.StatusConflict, rec.Code, "reset of a clear breaker")

	rec = post(h.Trip, `{"detail":"relay outage"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var st domain.EmergencyState
	decode(t, rec, &st)
	assert.True(t, st.Tripped)
	assert.Equal(t, domain.BreachManual, st.Reason)
	assert.Equal(t, "relay outage", st.Detail)

	rec = post(h.Trip, "")
	assert.Equal(t, http.StatusConflict, rec.Code, "second trip")

	rec = post(h.Trip, "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = post(h.Reset, `{"by":"alice"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, br.state.Tripped)
	assert.Equal(t, []string{"alice"}, br.resets)

	get := httptest.NewRecorder()
	h.GetState(get, httptest.NewRequest(http.MethodGet, "/api/breaker", nil))
	assert.Equal(t, http.StatusOK, get.Code)
	assert.Contains(t, get.Body.String(), `"tripped":false`)
}
