package domain

import (
	"context"
	"math/big"
)

// RiskLevel is the coarse risk score returned by a RiskGate.
type RiskLevel string

const (
	RiskLevelLow     RiskLevel = "low"
	RiskLevelMedium  RiskLevel = "medium"
	RiskLevelHigh    RiskLevel = "high"
	RiskLevelUnknown RiskLevel = "unknown"
)

// RiskAssessment is the verdict of a RiskGate for one token.
type RiskAssessment struct {
	Token     string    `json:"token"`
	Safe      bool      `json:"safe"`
	RiskLevel RiskLevel `json:"risk_level"`
	Reasons   []string  `json:"reasons,omitempty"`
}

// RiskGate decides whether a token may be traded at all.
type RiskGate interface {
	IsSafe(ctx context.Context, token string) (RiskAssessment, error)
}

// ParameterProvider supplies tunable trading thresholds.
type ParameterProvider interface {
	Params(ctx context.Context) (TradingParams, error)
}

// TxParams are the outgoing transaction fields a TxShaper may alter before
// signing.
type TxParams struct {
	To        string
	Value     *big.Int
	Data      []byte
	GasLimit  uint64
	GasTipCap *big.Int
	GasFeeCap *big.Int
	Nonce     uint64
}

// TxShaper transforms outgoing transaction parameters. Implementations must
// not change To, Data or Nonce.
type TxShaper interface {
	Shape(ctx context.Context, p TxParams) TxParams
}

// PassThroughShaper is a TxShaper that returns its input unchanged.
type PassThroughShaper struct{}

// Shape returns p unchanged.
func (PassThroughShaper) Shape(_ context.Context, p TxParams) TxParams { return p }

// Notifier delivers operator alerts. Implementations filter by event.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Notification and audit event names.
const (
	EventEmergency       = "emergency"
	EventBreakerReset    = "breaker_reset"
	EventBundleConfirmed = "bundle_confirmed"
	EventBundleRejected  = "bundle_rejected"
	EventBundleExpired   = "bundle_expired"
	EventBundleCancelled = "bundle_cancelled"
	// EventBundleUnsimulated is audited when a bundle goes out without a
	// simulation.
	EventBundleUnsimulated = "bundle_unsimulated"
	EventPositionOpened    = "position_opened"
	EventPositionClosed    = "position_closed"
)
