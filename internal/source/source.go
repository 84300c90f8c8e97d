// Package source implements the price source adapters: constant-product
// pools read on-chain, centralized exchange ticker streams and HTTP price
// oracles. Every adapter satisfies PriceSource and reports absent rather
// than blocking when its venue misbehaves.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/arbguard/internal/domain"
)

// DefaultMaxDeviation is the relative deviation ValidatePrice accepts when no
// other value is configured.
const DefaultMaxDeviation = 0.05

// ErrAlreadyRunning is returned by Start on an adapter that is running.
var ErrAlreadyRunning = errors.New("source: already running")

// PriceSource is one venue adapter.
type PriceSource interface {
	ID() string
	Kind() domain.SourceKind
	// Start runs the adapter until ctx is cancelled or Stop is called. An
	// adapter may be started again after it returns.
	Start(ctx context.Context) error
	Stop() error
	GetPrice(token string) (domain.Quote, bool)
	GetLiquidity(token string) (decimal.Decimal, bool)
	// ValidatePrice reports whether candidate is within the configured
	// relative deviation of the adapter's last-known price for token.
	ValidatePrice(token string, candidate decimal.Decimal) bool
	Healthy() bool
}

// Sink receives every quote an adapter accepts.
type Sink func(ctx context.Context, q domain.Quote)

// Option configures an adapter.
type Option func(*options)

type options struct {
	sink         Sink
	now          func() time.Time
	maxDeviation float64
	maxAge       time.Duration
	logger       *slog.Logger
}

func defaultOptions() options {
	return options{
		now:          time.Now,
		maxDeviation: DefaultMaxDeviation,
		logger:       slog.Default(),
	}
}

// WithSink sets the quote sink, normally QuoteCache.Put.
func WithSink(s Sink) Option {
	return func(o *options) { o.sink = s }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithMaxDeviation sets the ValidatePrice tolerance.
func WithMaxDeviation(d float64) Option {
	return func(o *options) {
		if d > 0 {
			o.maxDeviation = d
		}
	}
}

// WithMaxAge makes GetPrice report absent for quotes older than d.
func WithMaxAge(d time.Duration) Option {
	return func(o *options) { o.maxAge = d }
}

// WithLogger sets the adapter logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// tracker holds the last accepted quote per token and the degraded flag.
type tracker struct {
	id   string
	opts options

	mu       sync.RWMutex
	quotes   map[string]domain.Quote
	degraded bool
	lastErr  error
}

func newTracker(id string, opts options) *tracker {
	return &tracker{id: id, opts: opts, quotes: make(map[string]domain.Quote)}
}

// record stores q and forwards it to the sink. Quotes observed before the
// held one are ignored.
func (t *tracker) record(ctx context.Context, q domain.Quote) bool {
	t.mu.Lock()
	if prev, ok := t.quotes[q.Token]; ok && q.ObservedAt.Before(prev.ObservedAt) {
		t.mu.Unlock()
		return false
	}
	t.quotes[q.Token] = q
	t.degraded = false
	t.lastErr = nil
	t.mu.Unlock()

	if t.opts.sink != nil {
		t.opts.sink(ctx, q)
	}
	return true
}

func (t *tracker) markDegraded(err error) {
	t.mu.Lock()
	wasDegraded := t.degraded
	t.degraded = true
	t.lastErr = err
	t.mu.Unlock()

	if !wasDegraded {
		t.opts.logger.Warn("source degraded",
			slog.String("source", t.id),
			slog.String("error", err.Error()),
		)
	}
}

func (t *tracker) price(token string) (domain.Quote, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.degraded {
		return domain.Quote{}, false
	}
	q, ok := t.quotes[token]
	if !ok {
		return domain.Quote{}, false
	}
	if q.IsStale(t.opts.now(), t.opts.maxAge) {
		return domain.Quote{}, false
	}
	return q, true
}

func (t *tracker) liquidity(token string) (decimal.Decimal, bool) {
	q, ok := t.price(token)
	if !ok {
		return decimal.Zero, false
	}
	return q.Liquidity, true
}

// validate compares candidate against the last-known price regardless of the
// degraded flag; an adapter that has never quoted token accepts nothing.
func (t *tracker) validate(token string, candidate decimal.Decimal) bool {
	if !candidate.IsPositive() {
		return false
	}
	t.mu.RLock()
	last, ok := t.quotes[token]
	t.mu.RUnlock()
	if !ok || !last.Price.IsPositive() {
		return false
	}
	dev := candidate.Sub(last.Price).Abs().Div(last.Price)
	return dev.LessThanOrEqual(decimal.NewFromFloat(t.opts.maxDeviation))
}

func (t *tracker) healthy() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return !t.degraded
}

func (t *tracker) err() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastErr
}

// lifecycle makes a blocking loop stoppable and restartable.
type lifecycle struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func (l *lifecycle) run(ctx context.Context, loop func(ctx context.Context)) error {
	l.mu.Lock()
	if l.cancel != nil {
		l.mu.Unlock()
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	l.cancel, l.done = cancel, done
	l.mu.Unlock()

	defer func() {
		cancel()
		l.mu.Lock()
		l.cancel, l.done = nil, nil
		l.mu.Unlock()
		close(done)
	}()

	loop(ctx)
	return nil
}

func (l *lifecycle) stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Status is the health summary of one adapter.
type Status struct {
	ID        string            `json:"id"`
	Kind      domain.SourceKind `json:"kind"`
	Healthy   bool              `json:"healthy"`
	LastError string            `json:"last_error,omitempty"`
}

// Set is the collection of configured adapters, addressed by id.
type Set struct {
	byID    map[string]PriceSource
	ordered []PriceSource
}

// NewSet builds a Set. Source ids must be unique.
func NewSet(sources ...PriceSource) (*Set, error) {
	s := &Set{byID: make(map[string]PriceSource, len(sources))}
	for _, src := range sources {
		if _, dup := s.byID[src.ID()]; dup {
			return nil, fmt.Errorf("source: duplicate id %q", src.ID())
		}
		s.byID[src.ID()] = src
		s.ordered = append(s.ordered, src)
	}
	sort.Slice(s.ordered, func(i, j int) bool { return s.ordered[i].ID() < s.ordered[j].ID() })
	return s, nil
}

// All returns the adapters ordered by id.
func (s *Set) All() []PriceSource {
	out := make([]PriceSource, len(s.ordered))
	copy(out, s.ordered)
	return out
}

// Len returns the number of adapters.
func (s *Set) Len() int { return len(s.ordered) }

// Get returns the adapter with the given id.
func (s *Set) Get(id string) (PriceSource, bool) {
	src, ok := s.byID[id]
	return src, ok
}

// ValidatePrice asks the named venue whether candidate is a plausible price
// for token. Unknown venues accept nothing.
func (s *Set) ValidatePrice(sourceID, token string, candidate decimal.Decimal) bool {
	src, ok := s.byID[sourceID]
	if !ok {
		return false
	}
	return src.ValidatePrice(token, candidate)
}

// Statuses reports the health of every adapter.
func (s *Set) Statuses() []Status {
	out := make([]Status, 0, len(s.ordered))
	for _, src := range s.ordered {
		st := Status{ID: src.ID(), Kind: src.Kind(), Healthy: src.Healthy()}
		if e, ok := src.(interface{ LastError() error }); ok {
			if err := e.LastError(); err != nil {
				st.LastError = err.Error()
			}
		}
		out = append(out, st)
	}
	return out
}

// StopAll stops every adapter and joins their errors.
func (s *Set) StopAll() error {
	var errs []error
	for _, src := range s.ordered {
		if err := src.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("source %s: %w", src.ID(), err))
		}
	}
	return errors.Join(errs...)
}
