// Package memory holds the in-process quote cache shared by the price
// sources, the normalizer and the arbitrage detector, plus single-process
// stand-ins for the Redis-backed bus, price cache, lock and rate limiter.
package memory

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/arbguard/internal/domain"
)

type entry struct {
	quote     domain.Quote
	expiresAt time.Time
}

// table is an immutable token → source → entry map. A new table is built on
// every write; published tables are never modified.
type table map[string]map[string]entry

// QuoteCache stores the latest quote per (token, source) with a per-entry TTL.
// Readers load one published table and never observe a partial write.
type QuoteCache struct {
	ttl       time.Duration
	mu        sync.Mutex // serializes writers
	current   atomic.Pointer[table]
	mirror    domain.QuoteMirror
	mirrorTTL time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a QuoteCache.
type Option func(*QuoteCache)

// WithMirror writes every accepted quote through to a shared cache.
func WithMirror(m domain.QuoteMirror, ttl time.Duration) Option {
	return func(c *QuoteCache) {
		c.mirror = m
		c.mirrorTTL = ttl
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *QuoteCache) { c.now = now }
}

// NewQuoteCache creates an empty cache whose entries expire ttl after they
// were observed at their source.
func NewQuoteCache(ttl time.Duration, logger *slog.Logger, opts ...Option) *QuoteCache {
	c := &QuoteCache{
		ttl:    ttl,
		logger: logger.With(slog.String("component", "quote_cache")),
		now:    time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	empty := table{}
	c.current.Store(&empty)
	return c
}

// Put stores q as the latest quote for its (token, source). A quote observed
// before the one already held is dropped and Put returns false.
func (c *QuoteCache) Put(ctx context.Context, q domain.Quote) bool {
	if q.Token == "" || q.SourceID == "" || !q.Price.IsPositive() {
		return false
	}

	c.mu.Lock()
	old := *c.current.Load()
	if prev, ok := old[q.Token][q.SourceID]; ok && q.ObservedAt.Before(prev.quote.ObservedAt) {
		c.mu.Unlock()
		c.logger.Debug("dropping out-of-order quote",
			slog.String("token", q.Token),
			slog.String("source", q.SourceID),
			slog.Time("observed_at", q.ObservedAt),
			slog.Time("held", prev.quote.ObservedAt),
		)
		return false
	}

	next := make(table, len(old)+1)
	for tok, bySource := range old {
		next[tok] = bySource
	}
	bySource := make(map[string]entry, len(old[q.Token])+1)
	for src, e := range old[q.Token] {
		bySource[src] = e
	}
	// Expiry runs from observation, so re-delivering a frozen quote does
	// not keep it alive.
	observed := q.ObservedAt
	if observed.IsZero() {
		observed = c.now()
	}
	bySource[q.SourceID] = entry{quote: q, expiresAt: observed.Add(c.ttl)}
	next[q.Token] = bySource
	c.current.Store(&next)
	c.mu.Unlock()

	if c.mirror != nil {
		if err := c.mirror.SetQuote(ctx, q, c.mirrorTTL); err != nil {
			c.logger.DebugContext(ctx, "quote mirror write failed",
				slog.String("token", q.Token),
				slog.String("source", q.SourceID),
				slog.String("error", err.Error()),
			)
		}
	}
	return true
}

// Get returns the live quote for (token, source).
func (c *QuoteCache) Get(token, sourceID string) (domain.Quote, bool) {
	e, ok := (*c.current.Load())[token][sourceID]
	if !ok || !c.now().Before(e.expiresAt) {
		return domain.Quote{}, false
	}
	return e.quote, true
}

// Quotes returns the live quotes for token ordered by source id.
func (c *QuoteCache) Quotes(token string) []domain.Quote {
	return liveQuotes((*c.current.Load())[token], c.now())
}

// Snapshot returns every live quote, grouped by token, read from a single
// published table.
func (c *QuoteCache) Snapshot() map[string][]domain.Quote {
	t := *c.current.Load()
	now := c.now()
	out := make(map[string][]domain.Quote, len(t))
	for tok, bySource := range t {
		if qs := liveQuotes(bySource, now); len(qs) > 0 {
			out[tok] = qs
		}
	}
	return out
}

// Tokens returns the tokens with at least one stored entry.
func (c *QuoteCache) Tokens() []string {
	t := *c.current.Load()
	out := make([]string, 0, len(t))
	for tok := range t {
		out = append(out, tok)
	}
	sort.Strings(out)
	return out
}

// Prune removes expired entries and returns how many were dropped.
func (c *QuoteCache) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	old := *c.current.Load()
	now := c.now()
	removed := 0
	next := make(table, len(old))
	for tok, bySource := range old {
		kept := make(map[string]entry, len(bySource))
		for src, e := range bySource {
			if now.Before(e.expiresAt) {
				kept[src] = e
			} else {
				removed++
			}
		}
		if len(kept) > 0 {
			next[tok] = kept
		}
	}
	if removed > 0 {
		c.current.Store(&next)
	}
	return removed
}

// Run prunes expired entries every interval until ctx is cancelled.
func (c *QuoteCache) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := c.Prune(); n > 0 {
				c.logger.Debug("pruned expired quotes", slog.Int("count", n))
			}
		}
	}
}

func liveQuotes(bySource map[string]entry, now time.Time) []domain.Quote {
	out := make([]domain.Quote, 0, len(bySource))
	for _, e := range bySource {
		if now.Before(e.expiresAt) {
			out = append(out, e.quote)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out
}
