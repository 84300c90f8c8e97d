package memory

import (
	"context"
	"sync"

	"github.com/alanyoungcy/arbguard/internal/domain"
)

// PriceCache keeps the latest normalized price per token in process.
type PriceCache struct {
	mu     sync.RWMutex
	prices map[string]domain.NormalizedPrice
}

// NewPriceCache creates an empty PriceCache.
func NewPriceCache() *PriceCache {
	return &PriceCache{prices: make(map[string]domain.NormalizedPrice)}
}

func (c *PriceCache) SetPrice(_ context.Context, p domain.NormalizedPrice) error {
	c.mu.Lock()
	c.prices[p.Token] = p
	c.mu.Unlock()
	return nil
}

func (c *PriceCache) GetPrice(_ context.Context, token string) (domain.NormalizedPrice, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.prices[token]
	if !ok {
		return domain.NormalizedPrice{}, domain.ErrNotFound
	}
	return p, nil
}

func (c *PriceCache) GetPrices(_ context.Context, tokens []string) (map[string]domain.NormalizedPrice, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]domain.NormalizedPrice, len(tokens))
	for _, t := range tokens {
		if p, ok := c.prices[t]; ok {
			out[t] = p
		}
	}
	return out, nil
}

var _ domain.PriceCache = (*PriceCache)(nil)
