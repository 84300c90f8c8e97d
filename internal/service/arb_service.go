package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alanyoungcy/arbguard/internal/domain"
)

const recentOpportunities = 200

// ArbService records detected opportunities: it persists them, publishes
// them on the signal bus and writes an audit entry. The newest ones are also
// kept in memory for the ops API.
type ArbService struct {
	store  domain.OpportunityStore
	bus    domain.SignalBus
	audit  domain.AuditStore
	logger *slog.Logger

	mu     sync.Mutex
	recent []domain.ArbitrageOpportunity
}

// NewArbService creates an ArbService. Any dependency may be nil.
func NewArbService(
	store domain.OpportunityStore,
	bus domain.SignalBus,
	audit domain.AuditStore,
	logger *slog.Logger,
) *ArbService {
	return &ArbService{
		store:  store,
		bus:    bus,
		audit:  audit,
		logger: logger.With(slog.String("component", "arb_service")),
	}
}

// Record persists opp and fans it out. An opportunity already stored is not
// published again.
func (s *ArbService) Record(ctx context.Context, opp domain.ArbitrageOpportunity) error {
	if s.store != nil {
		err := s.store.Insert(ctx, opp)
		if errors.Is(err, domain.ErrAlreadyExists) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("arb_service: insert opportunity: %w", err)
		}
	}
	s.remember(opp)

	if s.bus != nil {
		evt, _ := json.Marshal(opp)
		if err := s.bus.Publish(ctx, domain.ChannelOpportunities, evt); err != nil {
			s.logger.WarnContext(ctx, "publish event failed",
				slog.String("opp_id", opp.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	if s.audit != nil {
		err := s.audit.Log(ctx, "opportunity_detected", map[string]any{
			"opp_id":     opp.ID,
			"token":      opp.Token,
			"buy_venue":  opp.BuyVenue,
			"sell_venue": opp.SellVenue,
			"spread_pct": opp.SpreadPct.String(),
			"profit":     opp.EstimatedProfit.String(),
			"gas_cost":   opp.GasCost.String(),
			"confidence": opp.Confidence,
		})
		if err != nil {
			s.logger.WarnContext(ctx, "audit log failed",
				slog.String("opp_id", opp.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

func (s *ArbService) remember(opp domain.ArbitrageOpportunity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recent = append(s.recent, opp)
	if len(s.recent) > recentOpportunities {
		s.recent = s.recent[len(s.recent)-recentOpportunities:]
	}
}

// Recent returns up to limit recorded opportunities, newest first.
func (s *ArbService) Recent(limit int) []domain.ArbitrageOpportunity {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.recent) {
		limit = len(s.recent)
	}
	out := make([]domain.ArbitrageOpportunity, 0, limit)
	for i := len(s.recent) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.recent[i])
	}
	return out
}
