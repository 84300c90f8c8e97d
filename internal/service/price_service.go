package service

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/alanyoungcy/arbguard/internal/domain"
)

// PricePublisher mirrors normalized prices into the shared price cache and
// the signal bus.
type PricePublisher struct {
	cache  domain.PriceCache
	bus    domain.SignalBus
	logger *slog.Logger
}

// NewPricePublisher creates a PricePublisher. cache and bus may be nil.
func NewPricePublisher(cache domain.PriceCache, bus domain.SignalBus, logger *slog.Logger) *PricePublisher {
	return &PricePublisher{
		cache:  cache,
		bus:    bus,
		logger: logger.With(slog.String("component", "price_publisher")),
	}
}

// Handle publishes p. It has the signature of a normalizer subscriber.
// Failures are logged and never propagate.
func (s *PricePublisher) Handle(ctx context.Context, p domain.NormalizedPrice) {
	if s.cache != nil {
		if err := s.cache.SetPrice(ctx, p); err != nil {
			s.logger.WarnContext(ctx, "set price failed",
				slog.String("token", p.Token),
				slog.String("error", err.Error()),
			)
		}
	}
	if s.bus != nil {
		evt, err := json.Marshal(p)
		if err != nil {
			return
		}
		if err := s.bus.Publish(ctx, domain.ChannelPrices, evt); err != nil {
			s.logger.DebugContext(ctx, "publish price failed",
				slog.String("token", p.Token),
				slog.String("error", err.Error()),
			)
		}
	}
}
