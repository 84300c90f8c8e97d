package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionStore persists positions.
type PositionStore interface {
	Create(ctx context.Context, pos Position) error
	Close(ctx context.Context, id string, reason CloseReason, exitPrice, pnl decimal.Decimal, closedAt time.Time) error
	GetOpen(ctx context.Context) ([]Position, error)
	GetByID(ctx context.Context, id string) (Position, error)
	ListHistory(ctx context.Context, opts ListOpts) ([]Position, error)
	ListClosedBetween(ctx context.Context, from, to time.Time) ([]Position, error)
}

// BundleStore persists bundle lifecycle snapshots.
type BundleStore interface {
	Upsert(ctx context.Context, b ProtectedBundle) error
	GetByID(ctx context.Context, id string) (ProtectedBundle, error)
	ListRecent(ctx context.Context, limit int) ([]ProtectedBundle, error)
	ListTerminalBetween(ctx context.Context, from, to time.Time) ([]ProtectedBundle, error)
}

// OpportunityStore persists detected opportunities. Insert returns
// ErrAlreadyExists for an id that was recorded before.
type OpportunityStore interface {
	Insert(ctx context.Context, opp ArbitrageOpportunity) error
	MarkExecuted(ctx context.Context, id, bundleID string) error
	ListRecent(ctx context.Context, limit int) ([]ArbitrageOpportunity, error)
	ListBetween(ctx context.Context, from, to time.Time) ([]ArbitrageOpportunity, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
