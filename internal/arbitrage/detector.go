package arbitrage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/arbguard/internal/domain"
	"github.com/alanyoungcy/arbguard/internal/metrics"
)

// QuoteSnapshotter provides a consistent copy of every live quote.
type QuoteSnapshotter interface {
	Snapshot() map[string][]domain.Quote
}

// PriceReader returns the latest normalized price of a token.
type PriceReader interface {
	Latest(token string) (domain.NormalizedPrice, bool)
}

// FeeReader returns the current fee estimate. An estimate above the ceiling
// is returned together with domain.ErrFeeTooHigh.
type FeeReader interface {
	Latest() (domain.FeeEstimate, error)
}

// Halter reports whether new work is forbidden.
type Halter interface {
	Halted() bool
}

// Recorder persists and publishes an accepted opportunity.
type Recorder interface {
	Record(ctx context.Context, opp domain.ArbitrageOpportunity) error
}

// Submitter starts protected execution of an opportunity.
type Submitter interface {
	Submit(ctx context.Context, opp domain.ArbitrageOpportunity) (domain.ProtectedBundle, error)
}

// DetectorConfig configures the detector.
type DetectorConfig struct {
	Strategy Strategy
	Quotes   QuoteSnapshotter
	Prices   PriceReader
	Fees     FeeReader
	Params   domain.ParameterProvider
	Risk     domain.RiskGate
	Halt     Halter
	Recorder Recorder
	// Executor receives every accepted opportunity when AutoExecute is set.
	Executor    Submitter
	AutoExecute bool

	Tokens       []string
	TickInterval time.Duration
	// StalenessWindow drops quotes observed longer ago than this.
	StalenessWindow time.Duration
	GasToken        string
	GasLimit        uint64
	GasCostFallback decimal.Decimal
	DedupTTL        time.Duration
	Now             func() time.Time
	Logger          *slog.Logger
}

// Detector runs the selected strategy over a per-tick quote snapshot.
type Detector struct {
	cfg    DetectorConfig
	dedup  *Dedup
	now    func() time.Time
	logger *slog.Logger
}

// NewDetector creates a detector that runs the given strategy.
func NewDetector(cfg DetectorConfig) *Detector {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 5 * time.Second
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = time.Minute
	}
	return &Detector{
		cfg:    cfg,
		dedup:  NewDedup(cfg.DedupTTL, now),
		now:    now,
		logger: cfg.Logger.With(slog.String("component", "arb_detector")),
	}
}

// Run ticks until ctx is cancelled.
func (d *Detector) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()

	d.logger.InfoContext(ctx, "arb detector started",
		slog.String("strategy", d.cfg.Strategy.Name()),
		slog.Duration("interval", d.cfg.TickInterval),
		slog.Bool("auto_execute", d.cfg.AutoExecute),
	)
	defer d.logger.Info("arb detector stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := d.Tick(ctx); err != nil && !errors.Is(err, domain.ErrEmergencyTriggered) {
				d.logger.WarnContext(ctx, "arb tick failed", slog.String("error", err.Error()))
			}
			d.dedup.Cleanup()
		}
	}
}

// Tick runs one detection pass and dispatches the accepted opportunities. It
// returns domain.ErrEmergencyTriggered without doing any work while halted.
func (d *Detector) Tick(ctx context.Context) ([]domain.ArbitrageOpportunity, error) {
	if d.halted() {
		return nil, domain.ErrEmergencyTriggered
	}
	start := time.Now()
	defer func() { metrics.ObserveTick("detector", time.Since(start).Seconds()) }()

	snap := d.cfg.Quotes.Snapshot()
	now := d.now()

	params, err := d.cfg.Params.Params(ctx)
	if err != nil {
		return nil, fmt.Errorf("arbitrage: load params: %w", err)
	}
	gas := d.gasCost()

	var found []domain.ArbitrageOpportunity
	for _, token := range d.tokens(snap) {
		quotes := freshQuotes(snap[token], now, d.cfg.StalenessWindow)
		if len(quotes) < 2 {
			continue
		}
		m := Market{
			Token:   token,
			Quotes:  quotes,
			GasCost: gas,
			Params:  params,
			Now:     now,
		}
		if np, ok := d.cfg.Prices.Latest(token); ok {
			m.Confidence = np.Confidence
		}

		opps, err := d.cfg.Strategy.Detect(ctx, m)
		if err != nil {
			d.logger.WarnContext(ctx, "strategy detect failed",
				slog.String("token", token),
				slog.String("error", err.Error()),
			)
			continue
		}
		if len(opps) == 0 {
			continue
		}
		if !d.safe(ctx, token) {
			metrics.RecordSkipped("unsafe_token")
			continue
		}
		for _, opp := range opps {
			if d.dedup.IsDuplicate(opp.ID) {
				metrics.RecordSkipped("duplicate")
				continue
			}
			found = append(found, opp)
		}
	}
	SortOpportunities(found)

	for _, opp := range found {
		// A trip during the scan stops dispatch immediately.
		if d.halted() {
			return found, domain.ErrEmergencyTriggered
		}
		d.dispatch(ctx, opp)
	}
	return found, nil
}

func (d *Detector) dispatch(ctx context.Context, opp domain.ArbitrageOpportunity) {
	metrics.RecordOpportunity(opp.Token)
	d.logger.InfoContext(ctx, "arbitrage opportunity",
		slog.String("opp_id", opp.ID),
		slog.String("token", opp.Token),
		slog.String("buy", opp.BuyVenue),
		slog.String("sell", opp.SellVenue),
		slog.String("spread_pct", opp.SpreadPct.StringFixed(6)),
		slog.String("profit", opp.EstimatedProfit.StringFixed(4)),
		slog.Float64("confidence", opp.Confidence),
	)

	if d.cfg.Recorder != nil {
		if err := d.cfg.Recorder.Record(ctx, opp); err != nil {
			d.logger.WarnContext(ctx, "arb record failed",
				slog.String("opp_id", opp.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	if !d.cfg.AutoExecute || d.cfg.Executor == nil {
		return
	}
	if _, err := d.cfg.Executor.Submit(ctx, opp); err != nil {
		level := slog.LevelWarn
		if errors.Is(err, domain.ErrPendingLimit) || errors.Is(err, domain.ErrEmergencyTriggered) {
			level = slog.LevelInfo
		}
		// Refusals caused by transient load stay eligible on the next tick.
		if errors.Is(err, domain.ErrFeeTooHigh) || errors.Is(err, domain.ErrPendingLimit) {
			d.dedup.Forget(opp.ID)
		}
		d.logger.Log(ctx, level, "arb submit refused",
			slog.String("opp_id", opp.ID),
			slog.String("error", err.Error()),
		)
	}
}

func freshQuotes(qs []domain.Quote, now time.Time, window time.Duration) []domain.Quote {
	out := make([]domain.Quote, 0, len(qs))
	for _, q := range qs {
		if q.IsStale(now, window) {
			metrics.RecordSkipped("stale_quote")
			continue
		}
		out = append(out, q)
	}
	return out
}

func (d *Detector) halted() bool {
	return d.cfg.Halt != nil && d.cfg.Halt.Halted()
}

// safe consults the risk gate. Errors fail closed.
func (d *Detector) safe(ctx context.Context, token string) bool {
	if d.cfg.Risk == nil {
		return true
	}
	a, err := d.cfg.Risk.IsSafe(ctx, token)
	if err != nil {
		d.logger.WarnContext(ctx, "risk gate unavailable",
			slog.String("token", token),
			slog.String("error", err.Error()),
		)
		return false
	}
	if !a.Safe {
		d.logger.InfoContext(ctx, "token rejected by risk gate",
			slog.String("token", token),
			slog.String("risk_level", string(a.RiskLevel)),
			slog.Any("reasons", a.Reasons),
		)
	}
	return a.Safe
}

func (d *Detector) gasCost() decimal.Decimal {
	if d.cfg.Fees == nil {
		return d.cfg.GasCostFallback
	}
	fee, err := d.cfg.Fees.Latest()
	if err != nil && !errors.Is(err, domain.ErrFeeTooHigh) {
		return d.cfg.GasCostFallback
	}
	var price decimal.Decimal
	if np, ok := d.cfg.Prices.Latest(d.cfg.GasToken); ok {
		price = np.Price
	}
	return GasCost(&fee, d.cfg.GasLimit, price, d.cfg.GasCostFallback)
}

func (d *Detector) tokens(snap map[string][]domain.Quote) []string {
	if len(d.cfg.Tokens) > 0 {
		return d.cfg.Tokens
	}
	out := make([]string, 0, len(snap))
	for tok := range snap {
		out = append(out, tok)
	}
	sort.Strings(out)
	return out
}

// SortOpportunities orders by estimated profit descending, then confidence
// descending, then id ascending.
func SortOpportunities(opps []domain.ArbitrageOpportunity) {
	sort.SliceStable(opps, func(i, j int) bool {
		if c := opps[i].EstimatedProfit.Cmp(opps[j].EstimatedProfit); c != 0 {
			return c > 0
		}
		if opps[i].Confidence != opps[j].Confidence {
			return opps[i].Confidence > opps[j].Confidence
		}
		return opps[i].ID < opps[j].ID
	})
}
