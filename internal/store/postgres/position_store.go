package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/arbguard/internal/domain"
)

// PositionStore implements domain.PositionStore.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a PositionStore backed by pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionCols = `id, token, entry_price, size, stop_loss_price, take_profit_price,
	status, close_reason, exit_price, pnl, opportunity_id, bundle_id, opened_at, closed_at`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var (
		p              domain.Position
		status, reason string
	)
	err := row.Scan(
		&p.ID, &p.Token, &p.EntryPrice, &p.Size, &p.StopLossPrice, &p.TakeProfitPrice,
		&status, &reason, &p.ExitPrice, &p.PnL, &p.OpportunityID, &p.BundleID,
		&p.OpenedAt, &p.ClosedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Status = domain.PositionStatus(status)
	p.CloseReason = domain.CloseReason(reason)
	p.CurrentPrice = p.EntryPrice
	if p.Status == domain.PositionStatusClosed {
		p.CurrentPrice = p.ExitPrice
	}
	return p, nil
}

func collectPositions(rows pgx.Rows) ([]domain.Position, error) {
	defer rows.Close()
	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Create inserts a new position.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			id, token, entry_price, size, stop_loss_price, take_profit_price,
			status, close_reason, exit_price, pnl, opportunity_id, bundle_id,
			opened_at, closed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.Token, p.EntryPrice, p.Size, p.StopLossPrice, p.TakeProfitPrice,
		string(p.Status), string(p.CloseReason), p.ExitPrice, p.PnL, p.OpportunityID, p.BundleID,
		p.OpenedAt, p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	return nil
}

// Close marks an open position closed. Closing an already closed position
// leaves the stored row untouched.
func (s *PositionStore) Close(ctx context.Context, id string, reason domain.CloseReason, exitPrice, pnl decimal.Decimal, closedAt time.Time) error {
	const query = `
		UPDATE positions SET
			status       = 'CLOSED',
			close_reason = $2,
			exit_price   = $3,
			pnl          = $4,
			closed_at    = $5,
			updated_at   = NOW()
		WHERE id = $1 AND status = 'OPEN'`

	tag, err := s.pool.Exec(ctx, query, id, string(reason), exitPrice, pnl, closedAt)
	if err != nil {
		return fmt.Errorf("postgres: close position %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetByID(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// GetOpen returns every open position, oldest first.
func (s *PositionStore) GetOpen(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionCols+` FROM positions WHERE status = 'OPEN' ORDER BY opened_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: get open positions: %w", err)
	}
	out, err := collectPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: get open positions: %w", err)
	}
	return out, nil
}

// GetByID returns one position or domain.ErrNotFound.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx, `SELECT `+positionCols+` FROM positions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Position{}, fmt.Errorf("postgres: position %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// ListHistory returns closed positions, most recently closed first.
func (s *PositionStore) ListHistory(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	query, args := listFilter(`SELECT `+positionCols+` FROM positions WHERE status = 'CLOSED'`, nil,
		"closed_at", opts.Since, opts.Until, opts.Limit, opts.Offset)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list position history: %w", err)
	}
	out, err := collectPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: list position history: %w", err)
	}
	return out, nil
}

// ListClosedBetween returns positions closed in [from, to), for archiving.
func (s *PositionStore) ListClosedBetween(ctx context.Context, from, to time.Time) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionCols+` FROM positions
		WHERE status = 'CLOSED' AND closed_at >= $1 AND closed_at < $2 ORDER BY closed_at`, from, to)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed positions: %w", err)
	}
	out, err := collectPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed positions: %w", err)
	}
	return out, nil
}
