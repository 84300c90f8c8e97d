package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/arbguard/internal/domain"
)

// RateLimiter is a per-key token bucket for single-process deployments. A
// limit of n per window becomes a bucket of size n refilled at n/window.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRateLimiter creates an empty RateLimiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{limiters: make(map[string]*rate.Limiter)}
}

func (r *RateLimiter) get(key string, limit int, window time.Duration) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	every := rate.Every(window / time.Duration(limit))
	l, ok := r.limiters[key]
	if !ok {
		l = rate.NewLimiter(every, limit)
		r.limiters[key] = l
		return l
	}
	if l.Limit() != every || l.Burst() != limit {
		l.SetLimit(every)
		l.SetBurst(limit)
	}
	return l
}

func (r *RateLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 || window <= 0 {
		return false, nil
	}
	return r.get(key, limit, window).Allow(), nil
}

func (r *RateLimiter) Wait(ctx context.Context, key string, limit int, window time.Duration) error {
	if limit <= 0 || window <= 0 {
		return fmt.Errorf("memory: rate limit %s: non-positive limit", key)
	}
	if err := r.get(key, limit, window).Wait(ctx); err != nil {
		return fmt.Errorf("memory: rate limit wait %s: %w", key, err)
	}
	return nil
}

var _ domain.RateLimiter = (*RateLimiter)(nil)
