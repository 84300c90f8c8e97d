// Package arbitrage detects cross-venue price discrepancies from the raw
// per-venue quote set and hands actionable opportunities to the recorder and
// the execution engine.
package arbitrage

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/arbguard/internal/domain"
)

// Market is everything a strategy sees for one token during one tick. Quotes
// come from the snapshot taken at tick start.
type Market struct {
	Token  string
	Quotes []domain.Quote
	// Confidence is the normalizer's confidence for the token, or 0 when no
	// normalized price is available.
	Confidence float64
	GasCost    decimal.Decimal
	Params     domain.TradingParams
	Now        time.Time
}

// Strategy turns one token's market view into zero or more opportunities.
type Strategy interface {
	Name() string
	Detect(ctx context.Context, m Market) ([]domain.ArbitrageOpportunity, error)
}
