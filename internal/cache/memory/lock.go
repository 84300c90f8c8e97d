package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/arbguard/internal/domain"
)

// LockManager is an in-process domain.LockManager with expiring keys.
type LockManager struct {
	mu   sync.Mutex
	held map[string]lockEntry
	seq  uint64
	now  func() time.Time
}

type lockEntry struct {
	token     uint64
	expiresAt time.Time
}

// NewLockManager creates an empty LockManager.
func NewLockManager() *LockManager {
	return &LockManager{held: make(map[string]lockEntry), now: time.Now}
}

// Acquire takes key for ttl or returns domain.ErrLockHeld.
func (l *LockManager) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if e, ok := l.held[key]; ok && now.Before(e.expiresAt) {
		return nil, fmt.Errorf("memory: lock %s: %w", key, domain.ErrLockHeld)
	}
	l.seq++
	token := l.seq
	l.held[key] = lockEntry{token: token, expiresAt: now.Add(ttl)}

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if e, ok := l.held[key]; ok && e.token == token {
			delete(l.held, key)
		}
	}, nil
}

var _ domain.LockManager = (*LockManager)(nil)
