package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/arbguard/internal/domain"
)

// QuoteMirror implements domain.QuoteMirror. Each venue quote lives in a
// hash at "quote:{token}:{source}" that expires with the quote TTL.
type QuoteMirror struct {
	rdb *redis.Client
}

// NewQuoteMirror creates a QuoteMirror backed by c.
func NewQuoteMirror(c *Client) *QuoteMirror {
	return &QuoteMirror{rdb: c.Underlying()}
}

func quoteKey(token, sourceID string) string {
	return "quote:" + token + ":" + sourceID
}

// SetQuote writes q and sets its expiry.
func (m *QuoteMirror) SetQuote(ctx context.Context, q domain.Quote, ttl time.Duration) error {
	key := quoteKey(q.Token, q.SourceID)
	pipe := m.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"price":      q.Price.String(),
		"liquidity":  q.Liquidity.String(),
		"ts":         strconv.FormatInt(q.ObservedAt.UnixNano(), 10),
		"latency_ms": strconv.FormatInt(q.LatencyMs, 10),
	})
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set quote %s: %w", key, err)
	}
	return nil
}

// GetQuote reads a mirrored quote. It returns domain.ErrNotFound when the
// key is missing or expired.
func (m *QuoteMirror) GetQuote(ctx context.Context, token, sourceID string) (domain.Quote, error) {
	key := quoteKey(token, sourceID)
	vals, err := m.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return domain.Quote{}, fmt.Errorf("redis: get quote %s: %w", key, err)
	}
	if len(vals) == 0 {
		return domain.Quote{}, domain.ErrNotFound
	}

	q := domain.Quote{SourceID: sourceID, Token: token}
	if q.Price, err = decimal.NewFromString(vals["price"]); err != nil {
		return domain.Quote{}, fmt.Errorf("redis: parse quote price %s: %w", key, err)
	}
	if q.Liquidity, err = decimal.NewFromString(vals["liquidity"]); err != nil {
		return domain.Quote{}, fmt.Errorf("redis: parse quote liquidity %s: %w", key, err)
	}
	ts, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("redis: parse quote ts %s: %w", key, err)
	}
	q.ObservedAt = time.Unix(0, ts).UTC()
	q.LatencyMs, _ = strconv.ParseInt(vals["latency_ms"], 10, 64)
	return q, nil
}

var _ domain.QuoteMirror = (*QuoteMirror)(nil)
