package domain

import "time"

// BreachReason names the health signal that tripped the circuit breaker.
type BreachReason string

const (
	BreachLowBalance BreachReason = "LOW_BALANCE"
	BreachGasTooHigh BreachReason = "GAS_TOO_HIGH"
	BreachLossLimit  BreachReason = "LOSS_LIMIT"
	BreachManual     BreachReason = "MANUAL"
)

// EmergencyState is the circuit breaker state. Once Tripped with
// ManualResetRequired, only an explicit reset clears it.
type EmergencyState struct {
	Tripped             bool         `json:"tripped"`
	Reason              BreachReason `json:"reason,omitempty"`
	Detail              string       `json:"detail,omitempty"`
	TrippedAt           *time.Time   `json:"tripped_at,omitempty"`
	ManualResetRequired bool         `json:"manual_reset_required"`
}
