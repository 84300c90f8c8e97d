// Package normalizer fuses the per-venue quotes of each token into one
// confidence-scored price.
package normalizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/arbguard/internal/domain"
	"github.com/alanyoungcy/arbguard/internal/metrics"
)

// Confidence weights.
const (
	weightSources    = 0.3
	weightFreshness  = 0.4
	weightVolatility = 0.3
)

// Config holds the fusion parameters.
type Config struct {
	MinSources int
	// ExpectedSources is the denominator of the source-count ratio. Zero
	// means the number of quotes offered for the token.
	ExpectedSources    int
	OutlierThreshold   float64
	StalenessWindow    time.Duration
	FreshnessHorizon   time.Duration
	HistorySize        int
	StabilityThreshold float64
	VolatilityCeiling  float64
	TickInterval       time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MinSources:         2,
		OutlierThreshold:   2.0,
		StalenessWindow:    30 * time.Second,
		FreshnessHorizon:   60 * time.Second,
		HistorySize:        100,
		StabilityThreshold: 0.02,
		VolatilityCeiling:  0.05,
		TickInterval:       time.Second,
	}
}

// Fusion is the outcome of fusing one token's quotes.
type Fusion struct {
	Price     decimal.Decimal
	Survivors []domain.Quote
	Outliers  []domain.Quote
	Stale     []domain.Quote
	// OldestAge is the age of the oldest surviving quote.
	OldestAge time.Duration
}

type scoredQuote struct {
	q   domain.Quote
	dev float64
}

// Fuse applies the staleness filter, the outlier filter with its min-sources
// floor and the liquidity-weighted mean to quotes. It returns
// ErrInsufficientSources when fewer than MinSources quotes survive.
func Fuse(quotes []domain.Quote, now time.Time, cfg Config) (Fusion, error) {
	var f Fusion
	fresh := make([]domain.Quote, 0, len(quotes))
	for _, q := range quotes {
		if q.IsStale(now, cfg.StalenessWindow) || !q.Price.IsPositive() {
			f.Stale = append(f.Stale, q)
			continue
		}
		fresh = append(fresh, q)
	}
	minSources := cfg.MinSources
	if minSources < 1 {
		minSources = 1
	}
	if len(fresh) < minSources {
		return f, fmt.Errorf("normalizer: %w: %d fresh of %d required", domain.ErrInsufficientSources, len(fresh), minSources)
	}

	prices := make([]float64, len(fresh))
	for i, q := range fresh {
		prices[i] = q.Price.InexactFloat64()
	}
	m := mean(prices)
	sd := populationStdDev(prices)

	var survivors, outliers []scoredQuote
	for i, q := range fresh {
		s := scoredQuote{q: q, dev: math.Abs(prices[i] - m)}
		if sd > 0 && s.dev > cfg.OutlierThreshold*sd {
			outliers = append(outliers, s)
		} else {
			survivors = append(survivors, s)
		}
	}

	// Restore the least-deviant outliers until the floor holds.
	if len(survivors) < minSources && len(outliers) > 0 {
		sort.Slice(outliers, func(i, j int) bool {
			if outliers[i].dev != outliers[j].dev {
				return outliers[i].dev < outliers[j].dev
			}
			return outliers[i].q.SourceID < outliers[j].q.SourceID
		})
		for len(survivors) < minSources && len(outliers) > 0 {
			survivors = append(survivors, outliers[0])
			outliers = outliers[1:]
		}
	}

	for _, s := range survivors {
		f.Survivors = append(f.Survivors, s.q)
		if age := s.q.Age(now); age > f.OldestAge {
			f.OldestAge = age
		}
	}
	for _, s := range outliers {
		f.Outliers = append(f.Outliers, s.q)
	}
	sort.Slice(f.Survivors, func(i, j int) bool { return f.Survivors[i].SourceID < f.Survivors[j].SourceID })
	sort.Slice(f.Outliers, func(i, j int) bool { return f.Outliers[i].SourceID < f.Outliers[j].SourceID })

	f.Price = weightedPrice(f.Survivors)
	return f, nil
}

// weightedPrice returns Σ(price·liquidity)/Σ(liquidity), or the plain mean
// when no quote carries liquidity, clamped into [min, max] of the prices.
// Negative liquidity counts as zero.
func weightedPrice(quotes []domain.Quote) decimal.Decimal {
	lo, hi := quotes[0].Price, quotes[0].Price
	sum, weighted, total := decimal.Zero, decimal.Zero, decimal.Zero
	for _, q := range quotes {
		if q.Price.LessThan(lo) {
			lo = q.Price
		}
		if q.Price.GreaterThan(hi) {
			hi = q.Price
		}
		sum = sum.Add(q.Price)
		if q.Liquidity.IsPositive() {
			weighted = weighted.Add(q.Price.Mul(q.Liquidity))
			total = total.Add(q.Liquidity)
		}
	}

	var price decimal.Decimal
	if total.IsZero() {
		price = sum.Div(decimal.NewFromInt(int64(len(quotes))))
	} else {
		price = weighted.Div(total)
	}
	if price.LessThan(lo) {
		price = lo
	}
	if price.GreaterThan(hi) {
		price = hi
	}
	return price
}

// Confidence combines the source-count ratio, data freshness and volatility
// into a score in [0, 1].
func Confidence(survivors, expected int, age, horizon time.Duration, volatility, ceiling float64) float64 {
	ratio := 0.0
	if expected > 0 {
		ratio = math.Min(float64(survivors)/float64(expected), 1)
	}

	freshness := 1.0
	if horizon > 0 {
		freshness = 1 - math.Min(float64(age)/float64(horizon), 1)
	}

	calm := 1.0
	if ceiling > 0 {
		calm = math.Max(0, 1-volatility/ceiling)
	}

	c := weightSources*ratio + weightFreshness*freshness + weightVolatility*calm
	switch {
	case math.IsNaN(c) || c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}

// PriceHandler receives every emitted normalized price.
type PriceHandler func(ctx context.Context, p domain.NormalizedPrice)

// QuoteSnapshotter provides a consistent view of all live quotes.
type QuoteSnapshotter interface {
	Snapshot() map[string][]domain.Quote
}

// state is replaced wholesale on every tick; published states are never
// modified.
type state struct {
	latest  map[string]domain.NormalizedPrice
	history map[string]history
}

// Normalizer runs Fuse for every tracked token on a fixed tick and keeps
// the latest result and a rolling price history per token.
type Normalizer struct {
	cfg    Config
	quotes QuoteSnapshotter
	tokens []string
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex // serializes ticks
	state atomic.Pointer[state]

	subMu    sync.RWMutex
	handlers []PriceHandler
}

// New creates a Normalizer. When tokens is empty every token present in the
// quote snapshot is normalized.
func New(cfg Config, quotes QuoteSnapshotter, tokens []string, logger *slog.Logger) *Normalizer {
	n := &Normalizer{
		cfg:    cfg,
		quotes: quotes,
		tokens: append([]string(nil), tokens...),
		logger: logger.With(slog.String("component", "normalizer")),
		now:    time.Now,
	}
	n.state.Store(&state{
		latest:  map[string]domain.NormalizedPrice{},
		history: map[string]history{},
	})
	return n
}

// SetClock overrides the time source. Intended for tests.
func (n *Normalizer) SetClock(now func() time.Time) { n.now = now }

// Subscribe registers h to receive every emitted price.
func (n *Normalizer) Subscribe(h PriceHandler) {
	n.subMu.Lock()
	n.handlers = append(n.handlers, h)
	n.subMu.Unlock()
}

// Run ticks until ctx is cancelled.
func (n *Normalizer) Run(ctx context.Context) error {
	interval := n.cfg.TickInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	n.logger.InfoContext(ctx, "normalizer started", slog.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			n.logger.Info("normalizer stopped")
			return nil
		case <-ticker.C:
			n.Tick(ctx)
		}
	}
}

// Tick normalizes every tracked token from one quote snapshot. Failures are
// isolated per token; a token that fails has no latest price until it
// succeeds again.
func (n *Normalizer) Tick(ctx context.Context) []domain.NormalizedPrice {
	n.mu.Lock()
	start := time.Now()
	snap := n.quotes.Snapshot()
	now := n.now()

	tokens := n.tokens
	if len(tokens) == 0 {
		tokens = make([]string, 0, len(snap))
		for tok := range snap {
			tokens = append(tokens, tok)
		}
		sort.Strings(tokens)
	}

	old := n.state.Load()
	next := &state{
		latest:  make(map[string]domain.NormalizedPrice, len(old.latest)),
		history: make(map[string]history, len(old.history)),
	}
	for tok, p := range old.latest {
		next.latest[tok] = p
	}
	for tok, h := range old.history {
		next.history[tok] = h
	}

	emitted := make([]domain.NormalizedPrice, 0, len(tokens))
	for _, token := range tokens {
		np, h, err := n.normalize(token, snap[token], next.history[token], now)
		if err != nil {
			delete(next.latest, token)
			reason := "error"
			if errors.Is(err, domain.ErrInsufficientSources) {
				reason = "insufficient_sources"
			}
			metrics.RecordNormalizeFailure(token, reason)
			n.logger.DebugContext(ctx, "no normalized price",
				slog.String("token", token),
				slog.String("error", err.Error()),
			)
			continue
		}
		next.history[token] = h
		next.latest[token] = np
		emitted = append(emitted, np)
	}
	n.state.Store(next)
	n.mu.Unlock()

	metrics.ObserveTick("normalizer", time.Since(start).Seconds())

	n.subMu.RLock()
	handlers := n.handlers
	n.subMu.RUnlock()
	for _, np := range emitted {
		for _, h := range handlers {
			h(ctx, np)
		}
	}
	return emitted
}

func (n *Normalizer) normalize(token string, quotes []domain.Quote, h history, now time.Time) (domain.NormalizedPrice, history, error) {
	f, err := Fuse(quotes, now, n.cfg)
	if err != nil {
		return domain.NormalizedPrice{}, h, err
	}

	for _, q := range f.Outliers {
		metrics.RecordAnomaly(token, q.SourceID)
		n.logger.Warn("quote dropped as outlier",
			slog.String("token", token),
			slog.String("source", q.SourceID),
			slog.String("price", q.Price.String()),
			slog.String("error", domain.ErrPriceAnomaly.Error()),
		)
	}

	h = h.push(f.Price.InexactFloat64(), n.cfg.HistorySize)
	vol := h.volatility()

	expected := n.cfg.ExpectedSources
	if expected <= 0 {
		expected = len(quotes)
	}
	conf := Confidence(len(f.Survivors), expected, f.OldestAge, n.cfg.FreshnessHorizon, vol, n.cfg.VolatilityCeiling)
	metrics.SetConfidence(token, conf)

	np := domain.NormalizedPrice{
		Token:               token,
		Price:               f.Price,
		Confidence:          conf,
		Volatility:          vol,
		Stable:              vol < n.cfg.StabilityThreshold,
		ContributingSources: sourceIDs(f.Survivors),
		DroppedSources:      sourceIDs(f.Outliers),
		ComputedAt:          now,
	}
	return np, h, nil
}

// Latest returns the most recent normalized price for token. It is absent
// when the last tick could not produce one.
func (n *Normalizer) Latest(token string) (domain.NormalizedPrice, bool) {
	p, ok := n.state.Load().latest[token]
	return p, ok
}

// All returns every current normalized price ordered by token.
func (n *Normalizer) All() []domain.NormalizedPrice {
	latest := n.state.Load().latest
	out := make([]domain.NormalizedPrice, 0, len(latest))
	for _, p := range latest {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out
}

// Volatility returns the current volatility of token's price history.
func (n *Normalizer) Volatility(token string) float64 {
	return n.state.Load().history[token].volatility()
}

func sourceIDs(qs []domain.Quote) []string {
	if len(qs) == 0 {
		return nil
	}
	out := make([]string, len(qs))
	for i, q := range qs {
		out[i] = q.SourceID
	}
	return out
}
