// Package breaker implements the circuit breaker: a monotonic safety state
// that halts detection and execution when a health signal is breached and
// stays tripped until an explicit reset.
package breaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/arbguard/internal/domain"
	"github.com/alanyoungcy/arbguard/internal/metrics"
)

// BalanceReader returns the wallet balance in wei.
type BalanceReader interface {
	BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error)
}

// FeeReader returns the current fee estimate. An estimate returned together
// with domain.ErrFeeTooHigh is still used.
type FeeReader interface {
	Estimate() (domain.FeeEstimate, error)
}

// LossReader reports the realized loss ratio of positions closed since a time.
type LossReader interface {
	RealizedLossRatio(since time.Time) float64
}

// BundleCanceller is the execution engine's emergency surface.
type BundleCanceller interface {
	CancelPending(ctx context.Context, reason string) int
	ReplaceSubmitted(ctx context.Context) error
}

// PositionUnwinder closes every open position at market.
type PositionUnwinder interface {
	CloseAll(ctx context.Context, reason domain.CloseReason) []domain.Position
}

// Config holds the breach thresholds. A nil MinBalance or MaxGas disables
// that check; a non-positive MaxLossThreshold disables the loss check.
type Config struct {
	TickInterval     time.Duration
	Wallet           common.Address
	MinBalance       *big.Int // wei
	MaxGas           *big.Int // wei, compared against base + priority fee
	MaxLossThreshold float64
	LossWindow       time.Duration
}

// Deps are the breaker's collaborators. Every field may be nil; a missing
// signal is never a breach and a missing reaction target is skipped.
type Deps struct {
	Balances  BalanceReader
	Fees      FeeReader
	Losses    LossReader
	Bundles   BundleCanceller
	Positions PositionUnwinder

	Bus      domain.SignalBus
	Audit    domain.AuditStore
	Notifier domain.Notifier

	Now    func() time.Time
	Logger *slog.Logger
}

// Breaker polls health signals and trips on the first breach.
type Breaker struct {
	cfg    Config
	deps   Deps
	now    func() time.Time
	logger *slog.Logger

	tripped atomic.Bool

	mu    sync.Mutex
	state domain.EmergencyState
}

// New creates a Breaker in the clear state.
func New(cfg Config, deps Deps) *Breaker {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 5 * time.Second
	}
	if cfg.LossWindow <= 0 {
		cfg.LossWindow = 24 * time.Hour
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Breaker{
		cfg:    cfg,
		deps:   deps,
		now:    now,
		logger: deps.Logger.With(slog.String("component", "breaker")),
	}
}

// Halted reports whether the breaker is tripped.
func (b *Breaker) Halted() bool { return b.tripped.Load() }

// State returns a copy of the emergency state.
func (b *Breaker) State() domain.EmergencyState {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.state
	if s.TrippedAt != nil {
		at := *s.TrippedAt
		s.TrippedAt = &at
	}
	return s
}

// Run ticks until ctx is cancelled.
func (b *Breaker) Run(ctx context.Context) error {
	b.logger.InfoContext(ctx, "circuit breaker started", slog.Duration("interval", b.cfg.TickInterval))
	ticker := time.NewTicker(b.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			start := time.Now()
			b.Tick(ctx)
			metrics.ObserveTick("breaker", time.Since(start).Seconds())
		}
	}
}

// Tick evaluates every signal once and trips on the first breach. A tripped
// breaker skips evaluation.
func (b *Breaker) Tick(ctx context.Context) domain.EmergencyState {
	if b.Halted() {
		return b.State()
	}
	if reason, detail, breached := b.Check(ctx); breached {
		b.Trip(ctx, reason, detail)
	}
	return b.State()
}

// Check evaluates balance, gas and loss in that order and returns the first
// breach. Signals that cannot be read are logged and skipped.
func (b *Breaker) Check(ctx context.Context) (domain.BreachReason, string, bool) {
	if b.deps.Balances != nil && b.cfg.MinBalance != nil {
		bal, err := b.deps.Balances.BalanceAt(ctx, b.cfg.Wallet)
		switch {
		case err != nil:
			b.logger.WarnContext(ctx, "balance unavailable", slog.String("error", err.Error()))
		case bal.Cmp(b.cfg.MinBalance) <= 0:
			return domain.BreachLowBalance, fmt.Sprintf("balance %s wei does not exceed minimum %s wei", bal, b.cfg.MinBalance), true
		}
	}

	if b.deps.Fees != nil && b.cfg.MaxGas != nil {
		est, err := b.deps.Fees.Estimate()
		switch {
		case err != nil && !errors.Is(err, domain.ErrFeeTooHigh):
			b.logger.WarnContext(ctx, "fee estimate unavailable", slog.String("error", err.Error()))
		case est.Total().Cmp(b.cfg.MaxGas) > 0:
			return domain.BreachGasTooHigh, fmt.Sprintf("fee %s wei above threshold %s wei", est.Total(), b.cfg.MaxGas), true
		}
	}

	if b.deps.Losses != nil && b.cfg.MaxLossThreshold > 0 {
		ratio := b.deps.Losses.RealizedLossRatio(b.now().Add(-b.cfg.LossWindow))
		if ratio > b.cfg.MaxLossThreshold {
			return domain.BreachLossLimit, fmt.Sprintf("loss ratio %.4f above %.4f over %s", ratio, b.cfg.MaxLossThreshold, b.cfg.LossWindow), true
		}
	}
	return "", "", false
}

// Trip sets the emergency state and runs the emergency reactions: cancel
// pending bundles, replace submitted ones, unwind positions and notify. It
// returns false when the breaker was already tripped.
func (b *Breaker) Trip(ctx context.Context, reason domain.BreachReason, detail string) bool {
	now := b.now().UTC()

	b.mu.Lock()
	if b.state.Tripped {
		b.mu.Unlock()
		return false
	}
	b.state = domain.EmergencyState{
		Tripped:             true,
		Reason:              reason,
		Detail:              detail,
		TrippedAt:           &now,
		ManualResetRequired: true,
	}
	b.tripped.Store(true)
	state := b.state
	b.mu.Unlock()

	metrics.RecordBreakerTrip(string(reason))
	b.logger.ErrorContext(ctx, "circuit breaker tripped",
		slog.String("reason", string(reason)),
		slog.String("detail", detail),
	)

	cancelled, replaceErr, unwound := 0, error(nil), 0
	if b.deps.Bundles != nil {
		cancelled = b.deps.Bundles.CancelPending(ctx, string(reason))
		if replaceErr = b.deps.Bundles.ReplaceSubmitted(ctx); replaceErr != nil {
			b.logger.WarnContext(ctx, "replace submitted bundles failed", slog.String("error", replaceErr.Error()))
		}
	}
	if b.deps.Positions != nil {
		unwound = len(b.deps.Positions.CloseAll(ctx, domain.CloseReasonEmergency))
	}

	detailMap := map[string]any{
		"reason":            string(reason),
		"detail":            detail,
		"cancelled_bundles": cancelled,
		"closed_positions":  unwound,
	}
	if replaceErr != nil {
		detailMap["replace_error"] = replaceErr.Error()
	}
	b.report(ctx, domain.EventEmergency, "breaker_trip", detailMap, state,
		"EMERGENCY: circuit breaker tripped",
		fmt.Sprintf("%s: %s (cancelled %d bundles, closed %d positions)", reason, detail, cancelled, unwound))
	return true
}

// Reset clears a tripped breaker. by names the operator for the audit log.
func (b *Breaker) Reset(ctx context.Context, by string) error {
	b.mu.Lock()
	if !b.state.Tripped {
		b.mu.Unlock()
		return fmt.Errorf("breaker: reset: not tripped")
	}
	prev := b.state
	b.state = domain.EmergencyState{}
	b.tripped.Store(false)
	b.mu.Unlock()

	metrics.RecordBreakerReset()
	b.logger.WarnContext(ctx, "circuit breaker reset",
		slog.String("by", by),
		slog.String("previous_reason", string(prev.Reason)),
	)
	b.report(ctx, domain.EventBreakerReset, "breaker_reset", map[string]any{
		"by":              by,
		"previous_reason": string(prev.Reason),
	}, domain.EmergencyState{}, "Circuit breaker reset", fmt.Sprintf("reset by %s after %s", by, prev.Reason))
	return nil
}

const (
	restorePage = 500
	// restoreAuditPages bounds the audit scan on start.
	restoreAuditPages = 20
)

// Restore reloads the last published emergency state so a trip survives a
// restart. The emergency stream is read first; when it is empty the newest
// breaker_trip or breaker_reset audit entry decides. A restored trip does
// not rerun the emergency reactions.
func (b *Breaker) Restore(ctx context.Context) (domain.EmergencyState, error) {
	state, found, err := b.lastStreamed(ctx)
	if err != nil {
		b.logger.WarnContext(ctx, "emergency stream unavailable", slog.String("error", err.Error()))
	}
	if !found {
		if state, found, err = b.lastAudited(ctx); err != nil {
			return domain.EmergencyState{}, fmt.Errorf("breaker: restore: %w", err)
		}
	}
	if !found || !state.Tripped {
		return b.State(), nil
	}

	state.ManualResetRequired = true
	b.mu.Lock()
	if !b.state.Tripped {
		b.state = state
		b.tripped.Store(true)
	}
	state = b.state
	b.mu.Unlock()

	metrics.SetBreakerTripped(true)
	b.logger.ErrorContext(ctx, "circuit breaker restored in tripped state",
		slog.String("reason", string(state.Reason)),
		slog.String("detail", state.Detail),
	)
	return b.State(), nil
}

func (b *Breaker) lastStreamed(ctx context.Context) (domain.EmergencyState, bool, error) {
	if b.deps.Bus == nil {
		return domain.EmergencyState{}, false, nil
	}
	var last []byte
	lastID := "0"
	for {
		msgs, err := b.deps.Bus.StreamRead(ctx, domain.StreamEmergency, lastID, restorePage)
		if err != nil {
			return domain.EmergencyState{}, false, err
		}
		if len(msgs) == 0 {
			break
		}
		last = msgs[len(msgs)-1].Payload
		lastID = msgs[len(msgs)-1].ID
		if len(msgs) < restorePage {
			break
		}
	}
	if last == nil {
		return domain.EmergencyState{}, false, nil
	}
	var state domain.EmergencyState
	if err := json.Unmarshal(last, &state); err != nil {
		return domain.EmergencyState{}, false, fmt.Errorf("decode emergency state: %w", err)
	}
	return state, true, nil
}

// lastAudited scans audit entries newest first.
func (b *Breaker) lastAudited(ctx context.Context) (domain.EmergencyState, bool, error) {
	if b.deps.Audit == nil {
		return domain.EmergencyState{}, false, nil
	}
	for page := 0; page < restoreAuditPages; page++ {
		entries, err := b.deps.Audit.List(ctx, domain.ListOpts{Limit: restorePage, Offset: page * restorePage})
		if err != nil {
			return domain.EmergencyState{}, false, err
		}
		for _, e := range entries {
			switch e.Event {
			case "breaker_reset":
				return domain.EmergencyState{}, true, nil
			case "breaker_trip":
				at := e.CreatedAt.UTC()
				reason, _ := e.Detail["reason"].(string)
				detail, _ := e.Detail["detail"].(string)
				return domain.EmergencyState{
					Tripped:   true,
					Reason:    domain.BreachReason(reason),
					Detail:    detail,
					TrippedAt: &at,
				}, true, nil
			}
		}
		if len(entries) < restorePage {
			break
		}
	}
	return domain.EmergencyState{}, false, nil
}

func (b *Breaker) report(ctx context.Context, event, auditEvent string, detail map[string]any, state domain.EmergencyState, title, msg string) {
	if b.deps.Audit != nil {
		if err := b.deps.Audit.Log(ctx, auditEvent, detail); err != nil {
			b.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
		}
	}
	if b.deps.Bus != nil {
		payload, _ := json.Marshal(state)
		if err := b.deps.Bus.Publish(ctx, domain.ChannelEmergency, payload); err != nil {
			b.logger.WarnContext(ctx, "publish emergency state failed", slog.String("error", err.Error()))
		}
	}
	if b.deps.Notifier != nil {
		if err := b.deps.Notifier.Notify(ctx, event, title, msg); err != nil {
			b.logger.WarnContext(ctx, "notify failed", slog.String("error", err.Error()))
		}
	}
}
