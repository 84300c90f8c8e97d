package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ArbitrageOpportunity is a buy-low/sell-high pair across two venues for the
// same token. ID is stable for the same token, venues and time bucket.
type ArbitrageOpportunity struct {
	ID              string          `json:"id"`
	Token           string          `json:"token"`
	BuyVenue        string          `json:"buy_venue"`
	SellVenue       string          `json:"sell_venue"`
	BuyPrice        decimal.Decimal `json:"buy_price"`
	SellPrice       decimal.Decimal `json:"sell_price"`
	SpreadPct       decimal.Decimal `json:"spread_pct"`
	TradeSize       decimal.Decimal `json:"trade_size"`
	EstimatedProfit decimal.Decimal `json:"estimated_profit"`
	GasCost         decimal.Decimal `json:"gas_cost"`
	Confidence      float64         `json:"confidence"`
	CreatedAt       time.Time       `json:"created_at"`
}

// TradingParams are the tunable thresholds consumed by detection and
// execution. A ParameterProvider may replace them at runtime.
type TradingParams struct {
	MinSpread          decimal.Decimal
	MinProfitThreshold decimal.Decimal
	TradeSize          decimal.Decimal
	MaxSlippage        decimal.Decimal
}
