package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/arbguard/internal/domain"
)

// PriceCache implements domain.PriceCache. The latest normalized price of a
// token is stored as JSON at "price:{token}".
type PriceCache struct {
	rdb *redis.Client
}

// NewPriceCache creates a PriceCache backed by c.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{rdb: c.Underlying()}
}

func priceKey(token string) string {
	return "price:" + token
}

// SetPrice stores p as the latest price of its token.
func (pc *PriceCache) SetPrice(ctx context.Context, p domain.NormalizedPrice) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("redis: marshal price %s: %w", p.Token, err)
	}
	if err := pc.rdb.Set(ctx, priceKey(p.Token), data, 0).Err(); err != nil {
		return fmt.Errorf("redis: set price %s: %w", p.Token, err)
	}
	return nil
}

// GetPrice returns the latest price or domain.ErrNotFound.
func (pc *PriceCache) GetPrice(ctx context.Context, token string) (domain.NormalizedPrice, error) {
	data, err := pc.rdb.Get(ctx, priceKey(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.NormalizedPrice{}, domain.ErrNotFound
		}
		return domain.NormalizedPrice{}, fmt.Errorf("redis: get price %s: %w", token, err)
	}
	var p domain.NormalizedPrice
	if err := json.Unmarshal(data, &p); err != nil {
		return domain.NormalizedPrice{}, fmt.Errorf("redis: unmarshal price %s: %w", token, err)
	}
	return p, nil
}

// GetPrices fetches several tokens with one MGET. Missing or undecodable
// entries are omitted.
func (pc *PriceCache) GetPrices(ctx context.Context, tokens []string) (map[string]domain.NormalizedPrice, error) {
	out := make(map[string]domain.NormalizedPrice, len(tokens))
	if len(tokens) == 0 {
		return out, nil
	}
	keys := make([]string, len(tokens))
	for i, t := range tokens {
		keys[i] = priceKey(t)
	}
	vals, err := pc.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: get prices: %w", err)
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var p domain.NormalizedPrice
		if err := json.Unmarshal([]byte(s), &p); err != nil {
			continue
		}
		out[tokens[i]] = p
	}
	return out, nil
}

var _ domain.PriceCache = (*PriceCache)(nil)
