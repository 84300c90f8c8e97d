package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/arbguard/internal/domain"
	"github.com/alanyoungcy/arbguard/internal/metrics"
)

// PositionConfig holds the default exit levels applied to new positions.
type PositionConfig struct {
	StopLossPct   decimal.Decimal
	TakeProfitPct decimal.Decimal
	// Retention bounds how long closed positions stay in memory for loss
	// accounting.
	Retention time.Duration
}

// PositionMonitor owns every open position. It closes positions when a
// normalized price crosses their stop-loss or take-profit level and
// unwinds all of them on an emergency.
type PositionMonitor struct {
	cfg      PositionConfig
	store    domain.PositionStore
	bus      domain.SignalBus
	audit    domain.AuditStore
	notifier domain.Notifier
	now      func() time.Time
	logger   *slog.Logger

	mu     sync.Mutex
	open   map[string]domain.Position
	closed map[string]domain.Position
	last   map[string]decimal.Decimal // token -> last normalized price
}

// NewPositionMonitor creates a PositionMonitor. store, bus, audit and
// notifier may be nil.
func NewPositionMonitor(
	cfg PositionConfig,
	store domain.PositionStore,
	bus domain.SignalBus,
	audit domain.AuditStore,
	notifier domain.Notifier,
	logger *slog.Logger,
) *PositionMonitor {
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	return &PositionMonitor{
		cfg:      cfg,
		store:    store,
		bus:      bus,
		audit:    audit,
		notifier: notifier,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "positions")),
		open:     make(map[string]domain.Position),
		closed:   make(map[string]domain.Position),
		last:     make(map[string]decimal.Decimal),
	}
}

// SetClock replaces the time source. Intended for tests.
func (m *PositionMonitor) SetClock(now func() time.Time) { m.now = now }

// Open registers a new long position. Zero stop-loss or take-profit prices
// are derived from the configured percentages. The exit levels must satisfy
// stop_loss < entry < take_profit.
func (m *PositionMonitor) Open(ctx context.Context, pos domain.Position) (domain.Position, error) {
	if !pos.EntryPrice.IsPositive() || !pos.Size.IsPositive() {
		return domain.Position{}, fmt.Errorf("position_monitor: open: entry %s and size %s must be positive", pos.EntryPrice, pos.Size)
	}
	one := decimal.NewFromInt(1)
	if pos.StopLossPrice.IsZero() {
		pos.StopLossPrice = pos.EntryPrice.Mul(one.Sub(m.cfg.StopLossPct))
	}
	if pos.TakeProfitPrice.IsZero() {
		pos.TakeProfitPrice = pos.EntryPrice.Mul(one.Add(m.cfg.TakeProfitPct))
	}
	if !pos.StopLossPrice.LessThan(pos.EntryPrice) || !pos.TakeProfitPrice.GreaterThan(pos.EntryPrice) {
		return domain.Position{}, fmt.Errorf("position_monitor: open: need stop_loss %s < entry %s < take_profit %s",
			pos.StopLossPrice, pos.EntryPrice, pos.TakeProfitPrice)
	}
	if pos.ID == "" {
		pos.ID = uuid.NewString()
	}
	pos.Status = domain.PositionStatusOpen
	pos.CurrentPrice = pos.EntryPrice
	pos.CloseReason = ""
	pos.ClosedAt = nil
	if pos.OpenedAt.IsZero() {
		pos.OpenedAt = m.now().UTC()
	}

	m.mu.Lock()
	if _, ok := m.open[pos.ID]; ok {
		m.mu.Unlock()
		return domain.Position{}, fmt.Errorf("position_monitor: open %s: %w", pos.ID, domain.ErrAlreadyExists)
	}
	m.open[pos.ID] = pos
	n := len(m.open)
	m.mu.Unlock()
	metrics.SetOpenPositions(n)

	if m.store != nil {
		if err := m.store.Create(ctx, pos); err != nil {
			m.logger.WarnContext(ctx, "persist position failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	m.publish(ctx, domain.EventPositionOpened, pos)
	m.logAudit(ctx, domain.EventPositionOpened, pos)
	m.notify(ctx, domain.EventPositionOpened, "Position opened",
		fmt.Sprintf("%s size %s @ %s (SL %s / TP %s)", pos.Token, pos.Size, pos.EntryPrice, pos.StopLossPrice, pos.TakeProfitPrice))

	m.logger.InfoContext(ctx, "position opened",
		slog.String("position_id", pos.ID),
		slog.String("token", pos.Token),
		slog.String("entry_price", pos.EntryPrice.String()),
		slog.String("size", pos.Size.String()),
	)
	return pos, nil
}

// OnPrice marks every open position of the token to market, recomputing its
// pnl, and closes those whose stop-loss or take-profit level was crossed. It
// has the signature of a normalizer subscriber.
func (m *PositionMonitor) OnPrice(ctx context.Context, p domain.NormalizedPrice) {
	type exit struct {
		id     string
		reason domain.CloseReason
	}
	var exits []exit

	m.mu.Lock()
	m.last[p.Token] = p.Price
	for id, pos := range m.open {
		if pos.Token != p.Token {
			continue
		}
		pos.CurrentPrice = p.Price
		pos.PnL = pos.UnrealizedPnL(p.Price)
		m.open[id] = pos
		switch {
		case p.Price.LessThanOrEqual(pos.StopLossPrice):
			exits = append(exits, exit{id, domain.CloseReasonStopLoss})
		case p.Price.GreaterThanOrEqual(pos.TakeProfitPrice):
			exits = append(exits, exit{id, domain.CloseReasonTakeProfit})
		}
	}
	m.mu.Unlock()

	for _, e := range exits {
		if _, err := m.Close(ctx, e.id, e.reason, p.Price); err != nil {
			m.logger.ErrorContext(ctx, "close position failed",
				slog.String("position_id", e.id),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Close closes a position at exitPrice. Closing an already closed position
// is a no-op that returns it with its original reason.
func (m *PositionMonitor) Close(ctx context.Context, id string, reason domain.CloseReason, exitPrice decimal.Decimal) (domain.Position, error) {
	now := m.now().UTC()

	m.mu.Lock()
	if done, ok := m.closed[id]; ok {
		m.mu.Unlock()
		return done, nil
	}
	pos, ok := m.open[id]
	if !ok {
		m.mu.Unlock()
		return m.closedInStore(ctx, id)
	}
	pos.Status = domain.PositionStatusClosed
	pos.CloseReason = reason
	pos.ExitPrice = exitPrice
	pos.CurrentPrice = exitPrice
	pos.PnL = pos.UnrealizedPnL(exitPrice)
	pos.ClosedAt = &now
	delete(m.open, id)
	m.closed[id] = pos
	m.pruneLocked(now)
	n := len(m.open)
	m.mu.Unlock()

	loss, _ := pos.PnL.Neg().Float64()
	if loss < 0 {
		loss = 0
	}
	metrics.SetOpenPositions(n)
	metrics.RecordPositionClosed(string(reason), loss)

	if m.store != nil {
		if err := m.store.Close(ctx, id, reason, exitPrice, pos.PnL, now); err != nil {
			m.logger.WarnContext(ctx, "persist position close failed",
				slog.String("position_id", id),
				slog.String("error", err.Error()),
			)
		}
	}

	m.publish(ctx, domain.EventPositionClosed, pos)
	m.logAudit(ctx, domain.EventPositionClosed, pos)
	m.notify(ctx, domain.EventPositionClosed, "Position closed",
		fmt.Sprintf("%s %s @ %s, pnl %s", pos.Token, reason, exitPrice, pos.PnL.StringFixed(4)))

	m.logger.InfoContext(ctx, "position closed",
		slog.String("position_id", id),
		slog.String("reason", string(reason)),
		slog.String("exit_price", exitPrice.String()),
		slog.String("pnl", pos.PnL.String()),
	)
	return pos, nil
}

// closedInStore answers a repeated close for a position already pruned from
// memory.
func (m *PositionMonitor) closedInStore(ctx context.Context, id string) (domain.Position, error) {
	if m.store != nil {
		pos, err := m.store.GetByID(ctx, id)
		if err == nil && pos.Status == domain.PositionStatusClosed {
			return pos, nil
		}
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return domain.Position{}, fmt.Errorf("position_monitor: close %s: %w", id, err)
		}
	}
	return domain.Position{}, fmt.Errorf("position_monitor: close %s: %w", id, domain.ErrNotFound)
}

// CloseAll closes every open position at the last known market price and
// returns the closed positions.
func (m *PositionMonitor) CloseAll(ctx context.Context, reason domain.CloseReason) []domain.Position {
	type exit struct {
		id    string
		price decimal.Decimal
	}
	m.mu.Lock()
	exits := make([]exit, 0, len(m.open))
	for id, pos := range m.open {
		price, ok := m.last[pos.Token]
		if !ok || !price.IsPositive() {
			price = pos.CurrentPrice
		}
		exits = append(exits, exit{id, price})
	}
	m.mu.Unlock()

	var out []domain.Position
	for _, e := range exits {
		pos, err := m.Close(ctx, e.id, reason, e.price)
		if err != nil {
			m.logger.ErrorContext(ctx, "unwind position failed",
				slog.String("position_id", e.id),
				slog.String("error", err.Error()),
			)
			continue
		}
		out = append(out, pos)
	}
	return out
}

// RealizedLossRatio returns realized losses divided by the entry notional of
// the positions closed since the given time. Gains do not offset losses.
func (m *PositionMonitor) RealizedLossRatio(since time.Time) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	losses := decimal.Zero
	notional := decimal.Zero
	for _, pos := range m.closed {
		if pos.ClosedAt == nil || pos.ClosedAt.Before(since) {
			continue
		}
		notional = notional.Add(pos.Notional())
		if pos.PnL.IsNegative() {
			losses = losses.Add(pos.PnL.Neg())
		}
	}
	if !notional.IsPositive() {
		return 0
	}
	ratio, _ := losses.Div(notional).Float64()
	return ratio
}

// OpenPositions returns the open positions ordered by open time.
func (m *PositionMonitor) OpenPositions() []domain.Position {
	m.mu.Lock()
	out := make([]domain.Position, 0, len(m.open))
	for _, pos := range m.open {
		out = append(out, pos)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

// Get returns a position by id, open or recently closed.
func (m *PositionMonitor) Get(id string) (domain.Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pos, ok := m.open[id]; ok {
		return pos, true
	}
	pos, ok := m.closed[id]
	return pos, ok
}

// Restore loads open positions and recently closed ones from the store so
// exits and loss accounting survive a restart.
func (m *PositionMonitor) Restore(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	open, err := m.store.GetOpen(ctx)
	if err != nil {
		return fmt.Errorf("position_monitor: restore open: %w", err)
	}
	since := m.now().Add(-m.cfg.Retention)
	history, err := m.store.ListHistory(ctx, domain.ListOpts{Since: &since, Limit: 10_000})
	if err != nil {
		return fmt.Errorf("position_monitor: restore history: %w", err)
	}

	m.mu.Lock()
	for _, pos := range open {
		m.open[pos.ID] = pos
	}
	for _, pos := range history {
		if pos.Status == domain.PositionStatusClosed {
			m.closed[pos.ID] = pos
		}
	}
	n := len(m.open)
	m.mu.Unlock()
	metrics.SetOpenPositions(n)

	m.logger.InfoContext(ctx, "positions restored",
		slog.Int("open", len(open)),
		slog.Int("closed", len(history)),
	)
	return nil
}

func (m *PositionMonitor) pruneLocked(now time.Time) {
	cutoff := now.Add(-m.cfg.Retention)
	for id, pos := range m.closed {
		if pos.ClosedAt != nil && pos.ClosedAt.Before(cutoff) {
			delete(m.closed, id)
		}
	}
}

func (m *PositionMonitor) publish(ctx context.Context, event string, pos domain.Position) {
	if m.bus == nil {
		return
	}
	evt, _ := json.Marshal(map[string]any{
		"event":    event,
		"position": pos,
	})
	if err := m.bus.Publish(ctx, domain.ChannelPositions, evt); err != nil {
		m.logger.WarnContext(ctx, "publish position event failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (m *PositionMonitor) logAudit(ctx context.Context, event string, pos domain.Position) {
	if m.audit == nil {
		return
	}
	detail := map[string]any{
		"position_id": pos.ID,
		"token":       pos.Token,
		"entry_price": pos.EntryPrice.String(),
		"size":        pos.Size.String(),
		"bundle_id":   pos.BundleID,
	}
	if pos.Status == domain.PositionStatusClosed {
		detail["reason"] = string(pos.CloseReason)
		detail["exit_price"] = pos.ExitPrice.String()
		detail["pnl"] = pos.PnL.String()
	}
	if err := m.audit.Log(ctx, event, detail); err != nil {
		m.logger.WarnContext(ctx, "audit log failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (m *PositionMonitor) notify(ctx context.Context, event, title, msg string) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Notify(ctx, event, title, msg); err != nil {
		m.logger.WarnContext(ctx, "notify failed", slog.String("error", err.Error()))
	}
}
