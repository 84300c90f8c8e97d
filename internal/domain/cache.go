package domain

import (
	"context"
	"time"
)

// QuoteMirror publishes raw venue quotes to a shared cache for other
// processes. Writes are best effort.
type QuoteMirror interface {
	SetQuote(ctx context.Context, q Quote, ttl time.Duration) error
	GetQuote(ctx context.Context, token, sourceID string) (Quote, error)
}

// PriceCache provides fast access to the latest normalized prices.
type PriceCache interface {
	SetPrice(ctx context.Context, p NormalizedPrice) error
	GetPrice(ctx context.Context, token string) (NormalizedPrice, error)
	GetPrices(ctx context.Context, tokens []string) (map[string]NormalizedPrice, error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string, limit int, window time.Duration) error
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// Bus channel names.
const (
	ChannelPrices        = "prices"
	ChannelOpportunities = "opportunities"
	ChannelBundles       = "bundles"
	ChannelPositions     = "positions"
	ChannelEmergency     = "emergency"
)

// StreamEmergency keeps every breaker state published on ChannelEmergency so
// the last one can be replayed after a restart.
const StreamEmergency = "stream:emergency"
