package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus tracks whether a position is open or closed.
type PositionStatus string

const (
	PositionStatusOpen   PositionStatus = "OPEN"
	PositionStatusClosed PositionStatus = "CLOSED"
)

// CloseReason records why a position was closed.
type CloseReason string

const (
	CloseReasonStopLoss   CloseReason = "stop_loss"
	CloseReasonTakeProfit CloseReason = "take_profit"
	CloseReasonEmergency  CloseReason = "emergency_unwind"
	CloseReasonManual     CloseReason = "manual"
)

// Position is a long position opened from a confirmed bundle. Once CLOSED it
// is immutable.
type Position struct {
	ID              string          `json:"id"`
	Token           string          `json:"token"`
	EntryPrice      decimal.Decimal `json:"entry_price"`
	Size            decimal.Decimal `json:"size"`
	StopLossPrice   decimal.Decimal `json:"stop_loss_price"`
	TakeProfitPrice decimal.Decimal `json:"take_profit_price"`
	CurrentPrice    decimal.Decimal `json:"current_price"`
	Status          PositionStatus  `json:"status"`
	CloseReason     CloseReason     `json:"close_reason,omitempty"`
	ExitPrice       decimal.Decimal `json:"exit_price"`
	PnL             decimal.Decimal `json:"pnl"`
	OpportunityID   string          `json:"opportunity_id,omitempty"`
	BundleID        string          `json:"bundle_id,omitempty"`
	OpenedAt        time.Time       `json:"opened_at"`
	ClosedAt        *time.Time      `json:"closed_at,omitempty"`
}

// Notional returns entry price times size.
func (p Position) Notional() decimal.Decimal {
	return p.EntryPrice.Mul(p.Size)
}

// UnrealizedPnL returns (price - entry) * size.
func (p Position) UnrealizedPnL(price decimal.Decimal) decimal.Decimal {
	return price.Sub(p.EntryPrice).Mul(p.Size)
}
