package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/arbguard/internal/domain"
)

var terminalEvents = map[domain.BundleState]string{
	domain.BundleConfirmed: domain.EventBundleConfirmed,
	domain.BundleRejected:  domain.EventBundleRejected,
	domain.BundleExpired:   domain.EventBundleExpired,
	domain.BundleCancelled: domain.EventBundleCancelled,
}

// report logs, audits, publishes and notifies a terminal bundle. Every sink
// is best effort.
func (e *Engine) report(ctx context.Context, b domain.ProtectedBundle) {
	event := terminalEvents[b.State]
	attrs := []any{
		slog.String("bundle_id", b.ID),
		slog.String("opp_id", b.OpportunityID),
		slog.String("token", b.Token),
		slog.String("state", string(b.State)),
		slog.String("reason", b.Reason),
	}
	if b.State == domain.BundleConfirmed {
		e.logger.InfoContext(ctx, "bundle finished", attrs...)
	} else {
		e.logger.WarnContext(ctx, "bundle finished", attrs...)
	}

	if e.deps.Audit != nil {
		err := e.deps.Audit.Log(ctx, event, map[string]any{
			"bundle_id":      b.ID,
			"opportunity_id": b.OpportunityID,
			"token":          b.Token,
			"state":          string(b.State),
			"reason":         b.Reason,
			"relay_hash":     b.RelayBundleHash,
			"unsimulated":    b.Unsimulated,
		})
		if err != nil {
			e.logger.Warn("audit bundle failed", slog.String("bundle_id", b.ID), slog.String("error", err.Error()))
		}
	}

	if e.deps.Bus != nil {
		if payload, err := json.Marshal(b); err == nil {
			if err := e.deps.Bus.Publish(ctx, domain.ChannelBundles, payload); err != nil {
				e.logger.Debug("publish bundle failed", slog.String("error", err.Error()))
			}
		}
	}

	if e.deps.Notifier != nil {
		title := fmt.Sprintf("Bundle %s", b.State)
		msg := fmt.Sprintf("%s opportunity %s (bundle %s)", b.Token, b.OpportunityID, b.ID)
		if b.Reason != "" {
			msg += ": " + b.Reason
		}
		if err := e.deps.Notifier.Notify(ctx, event, title, msg); err != nil {
			e.logger.Warn("notify bundle failed", slog.String("error", err.Error()))
		}
	}
}

func (e *Engine) auditUnsimulated(ctx context.Context, b domain.ProtectedBundle, note string) {
	if e.deps.Audit == nil {
		return
	}
	err := e.deps.Audit.Log(ctx, domain.EventBundleUnsimulated, map[string]any{
		"bundle_id":      b.ID,
		"opportunity_id": b.OpportunityID,
		"token":          b.Token,
		"reason":         note,
	})
	if err != nil {
		e.logger.Warn("audit bundle failed", slog.String("bundle_id", b.ID), slog.String("error", err.Error()))
	}
}
