package source

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbguard/internal/domain"
	"github.com/alanyoungcy/arbguard/internal/retry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastPolicy() retry.Policy {
	return retry.Policy{Attempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, CallTimeout: time.Second}
}

type quoteSink struct {
	mu     sync.Mutex
	quotes []domain.Quote
}

func (s *quoteSink) put(_ context.Context, q domain.Quote) {
	s.mu.Lock()
	s.quotes = append(s.quotes, q)
	s.mu.Unlock()
}

func (s *quoteSink) all() []domain.Quote {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Quote, len(s.quotes))
	copy(out, s.quotes)
	return out
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestTracker_ValidatePrice(t *testing.T) {
	o := defaultOptions()
	o.logger = testLogger()
	tr := newTracker("venue", o)

	assert.False(t, tr.validate("ETH", d("100")), "no last-known price")

	tr.record(context.Background(), domain.Quote{SourceID: "venue", Token: "ETH", Price: d("100"), ObservedAt: time.Now()})

	tests := []struct {
		candidate string
		want      bool
	}{
		{"100", true},
		{"105", true},
		{"95", true},
		{"105.01", false},
		{"94.99", false},
		{"0", false},
		{"-100", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tr.validate("ETH", d(tt.candidate)), "candidate %s", tt.candidate)
	}
}

func TestTracker_DegradedReportsAbsent(t *testing.T) {
	o := defaultOptions()
	o.logger = testLogger()
	tr := newTracker("venue", o)
	ctx := context.Background()

	now := time.Now()
	tr.record(ctx, domain.Quote{SourceID: "venue", Token: "ETH", Price: d("100"), Liquidity: d("5"), ObservedAt: now})
	_, ok := tr.price("ETH")
	require.True(t, ok)

	tr.markDegraded(errors.New("timeout"))
	_, ok = tr.price("ETH")
	assert.False(t, ok)
	_, ok = tr.liquidity("ETH")
	assert.False(t, ok)
	assert.True(t, tr.validate("ETH", d("101")), "validation still uses the last-known price")

	tr.record(ctx, domain.Quote{SourceID: "venue", Token: "ETH", Price: d("101"), ObservedAt: now.Add(time.Second)})
	assert.True(t, tr.healthy())
}

func TestTracker_IgnoresRegression(t *testing.T) {
	o := defaultOptions()
	o.logger = testLogger()
	tr := newTracker("venue", o)
	ctx := context.Background()
	now := time.Now()

	assert.True(t, tr.record(ctx, domain.Quote{Token: "ETH", Price: d("100"), ObservedAt: now}))
	assert.False(t, tr.record(ctx, domain.Quote{Token: "ETH", Price: d("90"), ObservedAt: now.Add(-time.Second)}))
	q, _ := tr.price("ETH")
	assert.True(t, q.Price.Equal(d("100")))
}

// --- pool ---

type fakeCaller struct {
	mu    sync.Mutex
	r0    *big.Int
	r1    *big.Int
	err   error
	calls int
}

func (f *fakeCaller) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return pairABI.Methods["getReserves"].Outputs.Pack(f.r0, f.r1, uint32(1700000000))
}

func exp10(n int64) *big.Int { return new(big.Int).Exp(big.NewInt(10), big.NewInt(n), nil) }

func TestReservePrice(t *testing.T) {
	base := new(big.Int).Mul(big.NewInt(1000), exp10(18))
	quote := new(big.Int).Mul(big.NewInt(2_000_000), exp10(6))

	price, liq, err := reservePrice(base, quote, 18, 6)
	require.NoError(t, err)
	assert.True(t, price.Equal(d("2000")), "got %s", price)
	assert.True(t, liq.Equal(d("2000000")), "got %s", liq)

	_, _, err = reservePrice(big.NewInt(0), quote, 18, 6)
	require.Error(t, err)
}

func TestPoolSource_PollsReserves(t *testing.T) {
	caller := &fakeCaller{
		r0: new(big.Int).Mul(big.NewInt(2_000_000), exp10(6)), // USDC
		r1: new(big.Int).Mul(big.NewInt(1000), exp10(18)),     // WETH
	}
	sink := &quoteSink{}
	p := NewPoolSource(PoolConfig{
		ID:            "uni-eth",
		Token:         "ETH",
		PairAddress:   common.HexToAddress("0xB4e16d0168e52d35CaCD2c6185b44281Ec28C9Dc"),
		BaseIsToken0:  false,
		BaseDecimals:  18,
		QuoteDecimals: 6,
		PollInterval:  10 * time.Millisecond,
	}, caller, fastPolicy(), WithSink(sink.put), WithLogger(testLogger()))

	done := make(chan error, 1)
	go func() { done <- p.Start(context.Background()) }()

	require.Eventually(t, func() bool { return len(sink.all()) > 0 }, time.Second, 5*time.Millisecond)

	q, ok := p.GetPrice("ETH")
	require.True(t, ok)
	assert.Equal(t, "uni-eth", q.SourceID)
	assert.True(t, q.Price.Equal(d("2000")))
	liq, ok := p.GetLiquidity("ETH")
	require.True(t, ok)
	assert.True(t, liq.Equal(d("2000000")))
	assert.True(t, p.ValidatePrice("ETH", d("2050")))
	assert.False(t, p.ValidatePrice("ETH", d("2200")))

	require.NoError(t, p.Stop())
	require.NoError(t, <-done)
}

func TestPoolSource_DegradesOnFailure(t *testing.T) {
	caller := &fakeCaller{err: errors.New("rpc down")}
	p := NewPoolSource(PoolConfig{
		ID:           "uni-eth",
		Token:        "ETH",
		PairAddress:  common.HexToAddress("0x01"),
		PollInterval: time.Hour,
	}, caller, fastPolicy(), WithLogger(testLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Start(ctx) }()

	require.Eventually(t, func() bool { return !p.Healthy() }, time.Second, 5*time.Millisecond)
	_, ok := p.GetPrice("ETH")
	assert.False(t, ok)
	assert.ErrorIs(t, p.LastError(), domain.ErrSourceUnavailable)

	cancel()
	require.NoError(t, <-done)
}

func TestPoolSource_StartTwice(t *testing.T) {
	caller := &fakeCaller{err: errors.New("x")}
	p := NewPoolSource(PoolConfig{ID: "p", Token: "ETH", PollInterval: time.Hour}, caller, fastPolicy(), WithLogger(testLogger()))

	go p.Start(context.Background())
	require.Eventually(t, func() bool { return !p.Healthy() }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, p.Start(context.Background()), ErrAlreadyRunning)
	require.NoError(t, p.Stop())
	require.NoError(t, p.Stop(), "stopping a stopped adapter is a no-op")
}

// --- oracle ---

func TestOracleSource_Fetch(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("X-API-Key") != "k" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/v1/feeds/eth-usd":
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{"feed": "eth-usd", "price": "1999.5", "updated_at": 1700000000})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	sink := &quoteSink{}
	s := NewOracleSource(OracleConfig{
		ID:               "oracle-a",
		URL:              server.URL,
		APIKey:           "k",
		Feeds:            map[string]string{"ETH": "eth-usd", "BTC": "btc-usd"},
		NominalLiquidity: d("50000"),
	}, server.Client(), fastPolicy(), WithSink(sink.put), WithLogger(testLogger()))

	s.pollAll(context.Background())

	quotes := sink.all()
	require.Len(t, quotes, 1)
	q := quotes[0]
	assert.Equal(t, "ETH", q.Token)
	assert.True(t, q.Price.Equal(d("1999.5")))
	assert.True(t, q.Liquidity.Equal(d("50000")))
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), q.ObservedAt)
	assert.True(t, s.Healthy(), "one failing feed does not degrade the venue")
	// 404 is permanent: one hit for BTC, one for ETH.
	assert.Equal(t, int32(2), hits.Load())
}

func TestOracleSource_RetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"price": "10", "updated_at": 1700000000})
	}))
	defer server.Close()

	s := NewOracleSource(OracleConfig{ID: "o", URL: server.URL, Feeds: map[string]string{"X": "x"}},
		server.Client(), fastPolicy(), WithLogger(testLogger()))
	s.pollAll(context.Background())

	q, ok := s.GetPrice("X")
	require.True(t, ok)
	assert.True(t, q.Price.Equal(d("10")))
	assert.Equal(t, int32(2), hits.Load())
}

func TestOracleSource_AllFeedsFailing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	s := NewOracleSource(OracleConfig{ID: "o", URL: server.URL, Feeds: map[string]string{"X": "x"}},
		server.Client(), fastPolicy(), WithLogger(testLogger()))
	s.pollAll(context.Background())
	assert.False(t, s.Healthy())
}

// --- exchange ---

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func TestExchangeSource_StreamsTicker(t *testing.T) {
	var subscribed atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()

		var cmd subscribeCommand
		if err := c.ReadJSON(&cmd); err != nil {
			return
		}
		subscribed.Store(cmd)

		msgs := []string{
			`{"type":"heartbeat"}`,
			`{"type":"ticker","symbol":"UNKNOWN","bid":"1","ask":"2"}`,
			`{"type":"ticker","symbol":"ETHUSDT","bid":"101","ask":"100","bid_size":"1","ask_size":"1","ts":1700000000000}`,
			`{"type":"ticker","symbol":"ETHUSDT","bid":"99","ask":"101","bid_size":"2","ask_size":"3","ts":1700000001000}`,
		}
		for _, m := range msgs {
			if err := c.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
				return
			}
		}
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	sink := &quoteSink{}
	e := NewExchangeSource(ExchangeConfig{
		ID:      "cex-a",
		URL:     "ws" + strings.TrimPrefix(server.URL, "http"),
		Symbols: map[string]string{"ETH": "ETHUSDT"},
	}, WithSink(sink.put), WithLogger(testLogger()))

	done := make(chan error, 1)
	go func() { done <- e.Start(context.Background()) }()

	require.Eventually(t, func() bool { return len(sink.all()) == 1 }, 2*time.Second, 5*time.Millisecond)

	cmd := subscribed.Load().(subscribeCommand)
	assert.Equal(t, "subscribe", cmd.Op)
	assert.Equal(t, []string{"ETHUSDT"}, cmd.Symbols)

	q := sink.all()[0]
	assert.Equal(t, "ETH", q.Token)
	assert.True(t, q.Price.Equal(d("100")), "mid of 99/101")
	assert.True(t, q.Liquidity.Equal(d("501")), "99*2 + 101*3")
	assert.Equal(t, time.UnixMilli(1700000001000).UTC(), q.ObservedAt)

	require.NoError(t, e.Stop())
	require.NoError(t, <-done)
}

func TestExchangeSource_Reconnects(t *testing.T) {
	var conns atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		n := conns.Add(1)
		var cmd subscribeCommand
		if err := c.ReadJSON(&cmd); err != nil {
			c.Close()
			return
		}
		if n == 1 {
			c.Close() // drop the first session
			return
		}
		defer c.Close()
		c.WriteMessage(websocket.TextMessage, []byte(`{"type":"ticker","symbol":"ETHUSDT","bid":"10","ask":"10","bid_size":"1","ask_size":"1"}`))
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	e := NewExchangeSource(ExchangeConfig{
		ID:                "cex-a",
		URL:               "ws" + strings.TrimPrefix(server.URL, "http"),
		Symbols:           map[string]string{"ETH": "ETHUSDT"},
		ReconnectDelay:    5 * time.Millisecond,
		MaxReconnectDelay: 10 * time.Millisecond,
	}, WithLogger(testLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Start(ctx) }()

	require.Eventually(t, func() bool {
		_, ok := e.GetPrice("ETH")
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, conns.Load(), int32(2))

	cancel()
	require.NoError(t, <-done)
}

// --- set ---

func TestSet(t *testing.T) {
	a := NewOracleSource(OracleConfig{ID: "b-oracle"}, nil, fastPolicy(), WithLogger(testLogger()))
	b := NewExchangeSource(ExchangeConfig{ID: "a-cex"}, WithLogger(testLogger()))

	set, err := NewSet(a, b)
	require.NoError(t, err)
	assert.Equal(t, 2, set.Len())
	assert.Equal(t, "a-cex", set.All()[0].ID())

	_, err = NewSet(a, a)
	require.Error(t, err)

	b.t.record(context.Background(), domain.Quote{SourceID: "a-cex", Token: "ETH", Price: d("100"), ObservedAt: time.Now()})
	assert.True(t, set.ValidatePrice("a-cex", "ETH", d("102")))
	assert.False(t, set.ValidatePrice("missing", "ETH", d("102")))

	b.t.markDegraded(errors.New("down"))
	statuses := set.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, "a-cex", statuses[0].ID)
	assert.False(t, statuses[0].Healthy)
	assert.Equal(t, "down", statuses[0].LastError)
	assert.True(t, statuses[1].Healthy)
}
