package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/arbguard/internal/domain"
)

// BundleStore implements domain.BundleStore. The whole bundle is kept as a
// JSONB snapshot next to a few indexed columns.
type BundleStore struct {
	pool *pgxpool.Pool
}

// NewBundleStore creates a BundleStore backed by pool.
func NewBundleStore(pool *pgxpool.Pool) *BundleStore {
	return &BundleStore{pool: pool}
}

// Upsert writes the latest snapshot of b. A stored terminal state is never
// overwritten by a non-terminal one.
func (s *BundleStore) Upsert(ctx context.Context, b domain.ProtectedBundle) error {
	snapshot, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("postgres: marshal bundle %s: %w", b.ID, err)
	}
	const query = `
		INSERT INTO bundles (
			id, opportunity_id, token, state, reason, relay_bundle_hash,
			target_block, snapshot, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			state             = EXCLUDED.state,
			reason            = EXCLUDED.reason,
			relay_bundle_hash = EXCLUDED.relay_bundle_hash,
			target_block      = EXCLUDED.target_block,
			snapshot          = EXCLUDED.snapshot,
			updated_at        = EXCLUDED.updated_at
		WHERE bundles.state NOT IN ('CONFIRMED', 'REJECTED', 'EXPIRED', 'CANCELLED')`

	_, err = s.pool.Exec(ctx, query,
		b.ID, b.OpportunityID, b.Token, string(b.State), b.Reason, b.RelayBundleHash,
		int64(b.TargetBlock), snapshot, b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert bundle %s: %w", b.ID, err)
	}
	return nil
}

func scanBundle(row pgx.Row) (domain.ProtectedBundle, error) {
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		return domain.ProtectedBundle{}, err
	}
	var b domain.ProtectedBundle
	if err := json.Unmarshal(raw, &b); err != nil {
		return domain.ProtectedBundle{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return b, nil
}

func collectBundles(rows pgx.Rows) ([]domain.ProtectedBundle, error) {
	defer rows.Close()
	var out []domain.ProtectedBundle
	for rows.Next() {
		b, err := scanBundle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// GetByID returns one bundle or domain.ErrNotFound.
func (s *BundleStore) GetByID(ctx context.Context, id string) (domain.ProtectedBundle, error) {
	b, err := scanBundle(s.pool.QueryRow(ctx, `SELECT snapshot FROM bundles WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ProtectedBundle{}, fmt.Errorf("postgres: bundle %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.ProtectedBundle{}, fmt.Errorf("postgres: get bundle %s: %w", id, err)
	}
	return b, nil
}

// ListRecent returns the most recently updated bundles.
func (s *BundleStore) ListRecent(ctx context.Context, limit int) ([]domain.ProtectedBundle, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `SELECT snapshot FROM bundles ORDER BY updated_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list bundles: %w", err)
	}
	out, err := collectBundles(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: list bundles: %w", err)
	}
	return out, nil
}

// ListTerminalBetween returns finished bundles last updated in [from, to).
func (s *BundleStore) ListTerminalBetween(ctx context.Context, from, to time.Time) ([]domain.ProtectedBundle, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT snapshot FROM bundles
		WHERE state IN ('CONFIRMED', 'REJECTED', 'EXPIRED', 'CANCELLED')
			AND updated_at >= $1 AND updated_at < $2
		ORDER BY updated_at`, from, to)
	if err != nil {
		return nil, fmt.Errorf("postgres: list terminal bundles: %w", err)
	}
	out, err := collectBundles(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: list terminal bundles: %w", err)
	}
	return out, nil
}
