package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/arbguard/internal/domain"
)

// OpportunityStore implements domain.OpportunityStore.
type OpportunityStore struct {
	pool *pgxpool.Pool
}

// NewOpportunityStore creates an OpportunityStore backed by pool.
func NewOpportunityStore(pool *pgxpool.Pool) *OpportunityStore {
	return &OpportunityStore{pool: pool}
}

const opportunityCols = `id, token, buy_venue, sell_venue, buy_price, sell_price, spread_pct,
	trade_size, estimated_profit, gas_cost, confidence, created_at`

// Insert stores opp. A second insert of the same id returns
// domain.ErrAlreadyExists.
func (s *OpportunityStore) Insert(ctx context.Context, opp domain.ArbitrageOpportunity) error {
	const query = `
		INSERT INTO opportunities (` + opportunityCols + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING`

	tag, err := s.pool.Exec(ctx, query,
		opp.ID, opp.Token, opp.BuyVenue, opp.SellVenue, opp.BuyPrice, opp.SellPrice, opp.SpreadPct,
		opp.TradeSize, opp.EstimatedProfit, opp.GasCost, opp.Confidence, opp.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert opportunity %s: %w", opp.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: insert opportunity %s: %w", opp.ID, domain.ErrAlreadyExists)
	}
	return nil
}

// MarkExecuted links the opportunity to the bundle that executed it.
func (s *OpportunityStore) MarkExecuted(ctx context.Context, id, bundleID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE opportunities SET executed = TRUE, bundle_id = $2, executed_at = NOW()
		WHERE id = $1`, id, bundleID)
	if err != nil {
		return fmt.Errorf("postgres: mark opportunity executed %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: opportunity %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func collectOpportunities(rows pgx.Rows) ([]domain.ArbitrageOpportunity, error) {
	defer rows.Close()
	var out []domain.ArbitrageOpportunity
	for rows.Next() {
		var o domain.ArbitrageOpportunity
		if err := rows.Scan(
			&o.ID, &o.Token, &o.BuyVenue, &o.SellVenue, &o.BuyPrice, &o.SellPrice, &o.SpreadPct,
			&o.TradeSize, &o.EstimatedProfit, &o.GasCost, &o.Confidence, &o.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ListRecent returns the newest opportunities.
func (s *OpportunityStore) ListRecent(ctx context.Context, limit int) ([]domain.ArbitrageOpportunity, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+opportunityCols+` FROM opportunities ORDER BY created_at DESC, id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list opportunities: %w", err)
	}
	out, err := collectOpportunities(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: list opportunities: %w", err)
	}
	return out, nil
}

// ListBetween returns opportunities created in [from, to), for archiving.
func (s *OpportunityStore) ListBetween(ctx context.Context, from, to time.Time) ([]domain.ArbitrageOpportunity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+opportunityCols+` FROM opportunities
		WHERE created_at >= $1 AND created_at < $2 ORDER BY created_at`, from, to)
	if err != nil {
		return nil, fmt.Errorf("postgres: list old opportunities: %w", err)
	}
	out, err := collectOpportunities(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: list old opportunities: %w", err)
	}
	return out, nil
}
