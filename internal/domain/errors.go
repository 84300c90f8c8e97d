package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrLockHeld      = errors.New("lock already held")
	ErrWSDisconnect  = errors.New("websocket disconnected")

	// Price pipeline.
	ErrSourceUnavailable   = errors.New("price source unavailable")
	ErrStaleQuote          = errors.New("stale quote")
	ErrInsufficientSources = errors.New("insufficient sources")
	ErrPriceAnomaly        = errors.New("price anomaly")

	// Execution.
	ErrFeeTooHigh       = errors.New("fee above ceiling")
	ErrSimulationFailed = errors.New("bundle simulation failed")
	ErrSubmissionFailed = errors.New("bundle submission failed")
	ErrExpired          = errors.New("bundle expired")
	ErrUnprotected      = errors.New("bundle missing protection bounds")
	ErrPendingLimit     = errors.New("pending bundle limit reached")
	ErrUnsafeToken      = errors.New("token rejected by risk gate")

	// ErrEmergencyTriggered is returned to every caller asking for new work
	// while the circuit breaker is tripped.
	ErrEmergencyTriggered = errors.New("emergency triggered")
)
