package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbguard/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// --- fakes ---

type memPositionStore struct {
	mu      sync.Mutex
	byID    map[string]domain.Position
	failing bool
}

func newMemPositionStore() *memPositionStore {
	return &memPositionStore{byID: make(map[string]domain.Position)}
}

func (s *memPositionStore) Create(_ context.Context, pos domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.New("db down")
	}
	s.byID[pos.ID] = pos
	return nil
}

func (s *memPositionStore) Close(_ context.Context, id string, reason domain.CloseReason, exit, pnl decimal.Decimal, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.New("db down")
	}
	pos := s.byID[id]
	pos.Status = domain.PositionStatusClosed
	pos.CloseReason = reason
	pos.ExitPrice = exit
	pos.PnL = pnl
	pos.ClosedAt = &at
	s.byID[id] = pos
	return nil
}

func (s *memPositionStore) GetOpen(context.Context) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for _, p := range s.byID {
		if p.Status == domain.PositionStatusOpen {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memPositionStore) GetByID(_ context.Context, id string) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, nil
}

func (s *memPositionStore) ListHistory(_ context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for _, p := range s.byID {
		if p.Status != domain.PositionStatusClosed {
			continue
		}
		if opts.Since != nil && p.ClosedAt.Before(*opts.Since) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *memPositionStore) ListClosedBetween(context.Context, time.Time, time.Time) ([]domain.Position, error) {
	return nil, nil
}

type recordingBus struct {
	mu       sync.Mutex
	messages map[string][][]byte
}

func (b *recordingBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.messages == nil {
		b.messages = make(map[string][][]byte)
	}
	b.messages[channel] = append(b.messages[channel], payload)
	return nil
}

func (b *recordingBus) Subscribe(context.Context, string) (<-chan []byte, error) { return nil, nil }
func (b *recordingBus) StreamAppend(context.Context, string, []byte) error       { return nil }
func (b *recordingBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func (b *recordingBus) count(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.messages[channel])
}

type recordingAudit struct {
	mu     sync.Mutex
	events []string
}

func (a *recordingAudit) Log(_ context.Context, event string, _ map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *recordingAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

// --- position monitor ---

func newMonitor(store domain.PositionStore) (*PositionMonitor, *recordingBus, *recordingAudit, *time.Time) {
	bus := &recordingBus{}
	audit := &recordingAudit{}
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	m := NewPositionMonitor(PositionConfig{
		StopLossPct:   dec("0.05"),
		TakeProfitPct: dec("0.10"),
	}, store, bus, audit, nil, discardLogger())
	m.SetClock(func() time.Time { return now })
	return m, bus, audit, &now
}

func price(token, p string) domain.NormalizedPrice {
	return domain.NormalizedPrice{Token: token, Price: dec(p), Confidence: 1}
}

func TestPositionMonitor_OpenDerivesLevels(t *testing.T) {
	m, bus, audit, _ := newMonitor(nil)

	pos, err := m.Open(context.Background(), domain.Position{Token: "ETH", EntryPrice: dec("100"), Size: dec("2")})
	require.NoError(t, err)
	assert.NotEmpty(t, pos.ID)
	assert.Equal(t, domain.PositionStatusOpen, pos.Status)
	assert.True(t, pos.StopLossPrice.Equal(dec("95")))
	assert.True(t, pos.TakeProfitPrice.Equal(dec("110")))
	assert.Equal(t, 1, bus.count(domain.ChannelPositions))
	assert.Equal(t, []string{domain.EventPositionOpened}, audit.events)

	explicit, err := m.Open(context.Background(), domain.Position{
		Token: "ETH", EntryPrice: dec("100"), Size: dec("1"),
		StopLossPrice: dec("90"), TakeProfitPrice: dec("130"),
	})
	require.NoError(t, err)
	assert.True(t, explicit.StopLossPrice.Equal(dec("90")))
	assert.True(t, explicit.TakeProfitPrice.Equal(dec("130")))
}

func TestPositionMonitor_OpenValidation(t *testing.T) {
	m, _, _, _ := newMonitor(nil)
	tests := []struct {
		name string
		pos  domain.Position
	}{
		{"zero entry", domain.Position{Token: "ETH", Size: dec("1")}},
		{"zero size", domain.Position{Token: "ETH", EntryPrice: dec("100")}},
		{"stop above entry", domain.Position{Token: "ETH", EntryPrice: dec("100"), Size: dec("1"), StopLossPrice: dec("101")}},
		{"take profit below entry", domain.Position{Token: "ETH", EntryPrice: dec("100"), Size: dec("1"), TakeProfitPrice: dec("99")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Open(context.Background(), tt.pos)
			require.Error(t, err)
		})
	}
	assert.Empty(t, m.OpenPositions())
}

func TestPositionMonitor_ExitsOnPrice(t *testing.T) {
	tests := []struct {
		name       string
		price      string
		wantReason domain.CloseReason
		wantPnL    string
	}{
		{name: "inside band stays open", price: "101"},
		{name: "stop loss", price: "94", wantReason: domain.CloseReasonStopLoss, wantPnL: "-12"},
		{name: "stop loss at level", price: "95", wantReason: domain.CloseReasonStopLoss, wantPnL: "-10"},
		{name: "take profit", price: "110", wantReason: domain.CloseReasonTakeProfit, wantPnL: "20"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _, _, _ := newMonitor(nil)
			ctx := context.Background()
			pos, err := m.Open(ctx, domain.Position{Token: "ETH", EntryPrice: dec("100"), Size: dec("2")})
			require.NoError(t, err)
			_, err = m.Open(ctx, domain.Position{Token: "BTC", EntryPrice: dec("100"), Size: dec("1")})
			require.NoError(t, err)

			m.OnPrice(ctx, price("ETH", tt.price))

			got, ok := m.Get(pos.ID)
			require.True(t, ok)
			if tt.wantReason == "" {
				assert.Equal(t, domain.PositionStatusOpen, got.Status)
				assert.True(t, got.CurrentPrice.Equal(dec(tt.price)))
				assert.Len(t, m.OpenPositions(), 2)
				return
			}
			assert.Equal(t, domain.PositionStatusClosed, got.Status)
			assert.Equal(t, tt.wantReason, got.CloseReason)
			assert.True(t, got.PnL.Equal(dec(tt.wantPnL)), got.PnL.String())
			require.NotNil(t, got.ClosedAt)
			assert.Len(t, m.OpenPositions(), 1, "the other token is untouched")
		})
	}
}

func TestPositionMonitor_CloseIsOneWay(t *testing.T) {
	m, _, audit, _ := newMonitor(nil)
	ctx := context.Background()
	pos, err := m.Open(ctx, domain.Position{Token: "ETH", EntryPrice: dec("100"), Size: dec("1")})
	require.NoError(t, err)

	first, err := m.Close(ctx, pos.ID, domain.CloseReasonStopLoss, dec("94"))
	require.NoError(t, err)

	second, err := m.Close(ctx, pos.ID, domain.CloseReasonTakeProfit, dec("120"))
	require.NoError(t, err)
	assert.Equal(t, domain.CloseReasonStopLoss, second.CloseReason)
	assert.True(t, second.ExitPrice.Equal(first.ExitPrice))
	assert.Equal(t, []string{domain.EventPositionOpened, domain.EventPositionClosed}, audit.events)

	_, err = m.Close(ctx, "missing", domain.CloseReasonManual, dec("1"))
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPositionMonitor_OnPriceMarksPnL(t *testing.T) {
	m, _, _, _ := newMonitor(nil)
	ctx := context.Background()
	pos, err := m.Open(ctx, domain.Position{Token: "ETH", EntryPrice: dec("100"), Size: dec("2")})
	require.NoError(t, err)

	m.OnPrice(ctx, price("ETH", "103"))
	got, ok := m.Get(pos.ID)
	require.True(t, ok)
	assert.Equal(t, domain.PositionStatusOpen, got.Status)
	assert.True(t, got.PnL.Equal(dec("6")), got.PnL.String())

	m.OnPrice(ctx, price("ETH", "99"))
	got, _ = m.Get(pos.ID)
	assert.True(t, got.PnL.Equal(dec("-2")), got.PnL.String())
}

func TestPositionMonitor_CloseAfterRetentionUsesStore(t *testing.T) {
	store := newMemPositionStore()
	m, _, _, now := newMonitor(store)
	ctx := context.Background()

	old, err := m.Open(ctx, domain.Position{Token: "ETH", EntryPrice: dec("100"), Size: dec("1")})
	require.NoError(t, err)
	_, err = m.Close(ctx, old.ID, domain.CloseReasonStopLoss, dec("94"))
	require.NoError(t, err)

	// A later close prunes the first one from memory.
	*now = now.Add(25 * time.Hour)
	other, err := m.Open(ctx, domain.Position{Token: "BTC", EntryPrice: dec("100"), Size: dec("1")})
	require.NoError(t, err)
	_, err = m.Close(ctx, other.ID, domain.CloseReasonManual, dec("100"))
	require.NoError(t, err)
	_, inMemory := m.Get(old.ID)
	require.False(t, inMemory)

	again, err := m.Close(ctx, old.ID, domain.CloseReasonTakeProfit, dec("120"))
	require.NoError(t, err)
	assert.Equal(t, domain.CloseReasonStopLoss, again.CloseReason)
	assert.True(t, again.ExitPrice.Equal(dec("94")))
}

func TestPositionMonitor_CloseAllAndLossRatio(t *testing.T) {
	m, _, _, now := newMonitor(nil)
	ctx := context.Background()

	_, err := m.Open(ctx, domain.Position{Token: "ETH", EntryPrice: dec("100"), Size: dec("1")})
	require.NoError(t, err)
	_, err = m.Open(ctx, domain.Position{Token: "BTC", EntryPrice: dec("200"), Size: dec("1")})
	require.NoError(t, err)
	m.OnPrice(ctx, price("ETH", "97"))

	closed := m.CloseAll(ctx, domain.CloseReasonEmergency)
	require.Len(t, closed, 2)
	for _, p := range closed {
		assert.Equal(t, domain.CloseReasonEmergency, p.CloseReason)
	}
	assert.Empty(t, m.OpenPositions())

	// ETH lost 3 on 100 notional; BTC closed flat at entry on 200 notional.
	assert.InDelta(t, 0.01, m.RealizedLossRatio(now.Add(-time.Hour)), 1e-9)
	assert.Zero(t, m.RealizedLossRatio(now.Add(time.Hour)))
}

func TestPositionMonitor_Restore(t *testing.T) {
	store := newMemPositionStore()
	m, _, _, now := newMonitor(store)
	ctx := context.Background()

	open, err := m.Open(ctx, domain.Position{Token: "ETH", EntryPrice: dec("100"), Size: dec("1")})
	require.NoError(t, err)
	lost, err := m.Open(ctx, domain.Position{Token: "BTC", EntryPrice: dec("100"), Size: dec("1")})
	require.NoError(t, err)
	_, err = m.Close(ctx, lost.ID, domain.CloseReasonStopLoss, dec("90"))
	require.NoError(t, err)

	restored, _, _, _ := newMonitor(store)
	require.NoError(t, restored.Restore(ctx))

	got := restored.OpenPositions()
	require.Len(t, got, 1)
	assert.Equal(t, open.ID, got[0].ID)
	assert.InDelta(t, 0.1, restored.RealizedLossRatio(now.Add(-time.Minute)), 1e-9)
}

func TestPositionMonitor_StoreFailureIsNotFatal(t *testing.T) {
	store := newMemPositionStore()
	store.failing = true
	m, _, _, _ := newMonitor(store)

	pos, err := m.Open(context.Background(), domain.Position{Token: "ETH", EntryPrice: dec("100"), Size: dec("1")})
	require.NoError(t, err)
	_, err = m.Close(context.Background(), pos.ID, domain.CloseReasonManual, dec("100"))
	require.NoError(t, err)
}

// --- arb service ---

type memOpportunityStore struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (s *memOpportunityStore) Insert(_ context.Context, opp domain.ArbitrageOpportunity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen == nil {
		s.seen = make(map[string]bool)
	}
	if s.seen[opp.ID] {
		return domain.ErrAlreadyExists
	}
	s.seen[opp.ID] = true
	return nil
}

func (s *memOpportunityStore) MarkExecuted(context.Context, string, string) error { return nil }
func (s *memOpportunityStore) ListRecent(context.Context, int) ([]domain.ArbitrageOpportunity, error) {
	return nil, nil
}
func (s *memOpportunityStore) ListBetween(context.Context, time.Time, time.Time) ([]domain.ArbitrageOpportunity, error) {
	return nil, nil
}

func TestArbService_Record(t *testing.T) {
	bus := &recordingBus{}
	audit := &recordingAudit{}
	s := NewArbService(&memOpportunityStore{}, bus, audit, discardLogger())
	opp := domain.ArbitrageOpportunity{ID: "abc", Token: "ETH", BuyPrice: dec("100"), SellPrice: dec("102")}

	require.NoError(t, s.Record(context.Background(), opp))
	require.NoError(t, s.Record(context.Background(), opp), "duplicates are not an error")

	assert.Equal(t, 1, bus.count(domain.ChannelOpportunities))
	assert.Equal(t, []string{"opportunity_detected"}, audit.events)

	var decoded domain.ArbitrageOpportunity
	require.NoError(t, json.Unmarshal(bus.messages[domain.ChannelOpportunities][0], &decoded))
	assert.Equal(t, "abc", decoded.ID)

	require.NoError(t, s.Record(context.Background(), domain.ArbitrageOpportunity{ID: "def", Token: "ETH"}))
	recent := s.Recent(10)
	require.Len(t, recent, 2)
	assert.Equal(t, "def", recent[0].ID)
	assert.Len(t, s.Recent(1), 1)
}

// --- risk gates ---

func TestStaticRiskGate(t *testing.T) {
	tests := []struct {
		name  string
		allow []string
		deny  []string
		token string
		safe  bool
	}{
		{name: "no lists", token: "ETH", safe: true},
		{name: "denied", deny: []string{"scam"}, token: "SCAM", safe: false},
		{name: "allowed", allow: []string{"ETH"}, token: "eth", safe: true},
		{name: "outside allow list", allow: []string{"ETH"}, token: "BTC", safe: false},
		{name: "deny wins", allow: []string{"ETH"}, deny: []string{"ETH"}, token: "ETH", safe: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := NewStaticRiskGate(tt.allow, tt.deny).IsSafe(context.Background(), tt.token)
			require.NoError(t, err)
			assert.Equal(t, tt.safe, a.Safe)
		})
	}
}

func TestHTTPRiskGate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ETH":
			_, _ = w.Write([]byte(`{"safe":true,"risk_level":"LOW"}`))
		case "/RUG":
			_, _ = w.Write([]byte(`{"safe":false,"risk_level":"high","reasons":["honeypot"]}`))
		default:
			http.Error(w, "boom", http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	g := NewHTTPRiskGate(srv.URL+"/", time.Second)
	ctx := context.Background()

	a, err := g.IsSafe(ctx, "ETH")
	require.NoError(t, err)
	assert.True(t, a.Safe)
	assert.Equal(t, domain.RiskLevelLow, a.RiskLevel)

	a, err = g.IsSafe(ctx, "RUG")
	require.NoError(t, err)
	assert.False(t, a.Safe)
	assert.Equal(t, []string{"honeypot"}, a.Reasons)

	_, err = g.IsSafe(ctx, "OTHER")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 500")
}

type countingGate struct {
	calls int
	err   error
}

func (g *countingGate) IsSafe(_ context.Context, token string) (domain.RiskAssessment, error) {
	g.calls++
	if g.err != nil {
		return domain.RiskAssessment{}, g.err
	}
	return domain.RiskAssessment{Token: token, Safe: true, RiskLevel: domain.RiskLevelLow}, nil
}

func TestCachedRiskGate(t *testing.T) {
	inner := &countingGate{}
	g := NewCachedRiskGate(inner, time.Minute, discardLogger())
	now := time.Now()
	g.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := g.IsSafe(ctx, "ETH")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, inner.calls)

	now = now.Add(2 * time.Minute)
	_, err := g.IsSafe(ctx, "ETH")
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls)

	g.Invalidate("ETH")
	inner.err = errors.New("timeout")
	_, err = g.IsSafe(ctx, "ETH")
	require.Error(t, err)
	_, err = g.IsSafe(ctx, "ETH")
	require.Error(t, err)
	assert.Equal(t, 4, inner.calls, "errors are not cached")
}

// --- params and prices ---

func TestStaticParams(t *testing.T) {
	p := NewStaticParams(domain.TradingParams{MinSpread: dec("0.01")})
	got, err := p.Params(context.Background())
	require.NoError(t, err)
	assert.True(t, got.MinSpread.Equal(dec("0.01")))

	p.Set(domain.TradingParams{MinSpread: dec("0.02")})
	got, _ = p.Params(context.Background())
	assert.True(t, got.MinSpread.Equal(dec("0.02")))
}

type memPriceCache struct {
	prices map[string]domain.NormalizedPrice
}

func (c *memPriceCache) SetPrice(_ context.Context, p domain.NormalizedPrice) error {
	if c.prices == nil {
		c.prices = make(map[string]domain.NormalizedPrice)
	}
	c.prices[p.Token] = p
	return nil
}

func (c *memPriceCache) GetPrice(_ context.Context, token string) (domain.NormalizedPrice, error) {
	p, ok := c.prices[token]
	if !ok {
		return domain.NormalizedPrice{}, domain.ErrNotFound
	}
	return p, nil
}

func (c *memPriceCache) GetPrices(context.Context, []string) (map[string]domain.NormalizedPrice, error) {
	return c.prices, nil
}

func TestPricePublisher(t *testing.T) {
	cache := &memPriceCache{}
	bus := &recordingBus{}
	pub := NewPricePublisher(cache, bus, discardLogger())

	pub.Handle(context.Background(), price("ETH", "100.5"))

	got, err := cache.GetPrice(context.Background(), "ETH")
	require.NoError(t, err)
	assert.True(t, got.Price.Equal(dec("100.5")))
	assert.Equal(t, 1, bus.count(domain.ChannelPrices))
}
