// Package notify delivers operator alerts to Telegram and Discord. Alerts are
// filtered by event type; emergency events always go out.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/arbguard/internal/domain"
	"github.com/alanyoungcy/arbguard/internal/retry"
)

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier implements domain.Notifier over a set of Senders.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	policy  retry.Policy
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. An empty events list allows every event.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		policy: retry.Policy{
			Attempts:    3,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    5 * time.Second,
			CallTimeout: 10 * time.Second,
		},
		logger: logger.With(slog.String("component", "notifier")),
	}
}

// SetRetryPolicy replaces the per-sender retry policy.
func (n *Notifier) SetRetryPolicy(p retry.Policy) { n.policy = p }

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool { return len(n.senders) > 0 }

// Notify sends to every sender when event passes the filter. Each sender is
// retried independently; failures are joined.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if !n.allowed(event) {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	return n.dispatch(ctx, title, message)
}

func (n *Notifier) allowed(event string) bool {
	return len(n.events) == 0 || n.events[event] || event == domain.EventEmergency
}

func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		err := retry.Do(ctx, n.policy, func(ctx context.Context) error {
			return s.Send(ctx, title, message)
		})
		if err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}

var _ domain.Notifier = (*Notifier)(nil)
