package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SourceKind identifies the venue type behind a price source.
type SourceKind string

const (
	SourceKindPool     SourceKind = "pool"
	SourceKindExchange SourceKind = "exchange"
	SourceKindOracle   SourceKind = "oracle"
)

// Quote is one venue's view of a token price at a point in time. Quotes are
// values: they are replaced, never mutated.
type Quote struct {
	SourceID   string          `json:"source_id"`
	Token      string          `json:"token"`
	Price      decimal.Decimal `json:"price"`
	Liquidity  decimal.Decimal `json:"liquidity"`
	ObservedAt time.Time       `json:"observed_at"`
	LatencyMs  int64           `json:"latency_ms"`
}

// Age returns how old the quote is relative to now.
func (q Quote) Age(now time.Time) time.Duration {
	if q.ObservedAt.After(now) {
		return 0
	}
	return now.Sub(q.ObservedAt)
}

// IsStale reports whether the quote is older than window.
func (q Quote) IsStale(now time.Time, window time.Duration) bool {
	return window > 0 && q.Age(now) > window
}

// NormalizedPrice is the fused, confidence-scored price of a token across all
// healthy sources. It is recomputed every tick.
type NormalizedPrice struct {
	Token               string          `json:"token"`
	Price               decimal.Decimal `json:"price"`
	Confidence          float64         `json:"confidence"`
	Volatility          float64         `json:"volatility"`
	Stable              bool            `json:"stable"`
	ContributingSources []string        `json:"contributing_sources"`
	DroppedSources      []string        `json:"dropped_sources,omitempty"`
	ComputedAt          time.Time       `json:"computed_at"`
}
