package arbitrage

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/alanyoungcy/arbguard/internal/domain"
)

// CrossVenueSpreadName is the registry name of CrossVenueSpread.
const CrossVenueSpreadName = "cross_venue_spread"

// CrossVenueConfig configures the cross-venue spread strategy.
type CrossVenueConfig struct {
	// AgeGapPenalty is subtracted from confidence per second of age gap
	// between the buy and sell quotes.
	AgeGapPenalty float64
	EpochBucket   time.Duration
}

// CrossVenueSpread buys on the cheapest venue and sells on the dearest one
// when the relative spread pays for gas plus the minimum profit.
type CrossVenueSpread struct {
	cfg    CrossVenueConfig
	logger *slog.Logger
}

// NewCrossVenueSpread creates the strategy.
func NewCrossVenueSpread(cfg CrossVenueConfig, logger *slog.Logger) *CrossVenueSpread {
	if cfg.EpochBucket <= 0 {
		cfg.EpochBucket = time.Minute
	}
	return &CrossVenueSpread{cfg: cfg, logger: logger.With(slog.String("arb_strategy", CrossVenueSpreadName))}
}

// Name returns the strategy identifier.
func (s *CrossVenueSpread) Name() string { return CrossVenueSpreadName }

// Detect picks the minimum- and maximum-priced venues among the live quotes
// and emits one opportunity when spread_pct > min_spread and
// trade_size × spread_pct > gas_cost + min_profit_threshold.
func (s *CrossVenueSpread) Detect(ctx context.Context, m Market) ([]domain.ArbitrageOpportunity, error) {
	buy, sell, ok := extremes(m.Quotes)
	if !ok || buy.SourceID == sell.SourceID {
		return nil, nil
	}

	spread := sell.Price.Sub(buy.Price).Div(buy.Price)
	if !spread.GreaterThan(m.Params.MinSpread) {
		return nil, nil
	}
	profit := m.Params.TradeSize.Mul(spread)
	if !profit.GreaterThan(m.GasCost.Add(m.Params.MinProfitThreshold)) {
		s.logger.DebugContext(ctx, "spread does not cover costs",
			slog.String("token", m.Token),
			slog.String("spread_pct", spread.StringFixed(6)),
			slog.String("profit", profit.String()),
			slog.String("gas_cost", m.GasCost.String()),
		)
		return nil, nil
	}

	opp := domain.ArbitrageOpportunity{
		ID:              OpportunityID(m.Token, buy.SourceID, sell.SourceID, m.Now, s.cfg.EpochBucket),
		Token:           m.Token,
		BuyVenue:        buy.SourceID,
		SellVenue:       sell.SourceID,
		BuyPrice:        buy.Price,
		SellPrice:       sell.Price,
		SpreadPct:       spread,
		TradeSize:       m.Params.TradeSize,
		EstimatedProfit: profit,
		GasCost:         m.GasCost,
		Confidence:      penalize(m.Confidence, ageGap(buy, sell), s.cfg.AgeGapPenalty),
		CreatedAt:       m.Now,
	}
	s.logger.DebugContext(ctx, "cross venue opportunity detected",
		slog.String("token", m.Token),
		slog.String("buy", opp.BuyVenue),
		slog.String("sell", opp.SellVenue),
		slog.String("spread_pct", spread.StringFixed(6)),
	)
	return []domain.ArbitrageOpportunity{opp}, nil
}

// extremes returns the cheapest and dearest positive quotes. Equal prices
// resolve to the lexicographically smallest source id.
func extremes(quotes []domain.Quote) (lo, hi domain.Quote, ok bool) {
	for _, q := range quotes {
		if !q.Price.IsPositive() {
			continue
		}
		if !ok {
			lo, hi, ok = q, q, true
			continue
		}
		if c := q.Price.Cmp(lo.Price); c < 0 || (c == 0 && q.SourceID < lo.SourceID) {
			lo = q
		}
		if c := q.Price.Cmp(hi.Price); c > 0 || (c == 0 && q.SourceID < hi.SourceID) {
			hi = q
		}
	}
	return lo, hi, ok
}

func ageGap(a, b domain.Quote) time.Duration {
	gap := a.ObservedAt.Sub(b.ObservedAt)
	if gap < 0 {
		gap = -gap
	}
	return gap
}

func penalize(confidence float64, gap time.Duration, perSecond float64) float64 {
	c := confidence - perSecond*gap.Seconds()
	switch {
	case math.IsNaN(c) || c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}

var _ Strategy = (*CrossVenueSpread)(nil)
