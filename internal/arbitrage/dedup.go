package arbitrage

import (
	"sync"
	"time"
)

// Dedup drops opportunity ids already seen within a time-to-live window. It
// is safe for concurrent use.
type Dedup struct {
	seen map[string]time.Time // opportunity id -> first seen
	ttl  time.Duration
	now  func() time.Time
	mu   sync.Mutex
}

// NewDedup creates a Dedup that treats an id as a duplicate for ttl after it
// was first recorded.
func NewDedup(ttl time.Duration, now func() time.Time) *Dedup {
	if now == nil {
		now = time.Now
	}
	return &Dedup{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  now,
	}
}

// IsDuplicate reports whether id was seen within the TTL. An unseen or
// expired id is recorded and false is returned.
func (d *Dedup) IsDuplicate(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if first, ok := d.seen[id]; ok && now.Sub(first) < d.ttl {
		return true
	}
	d.seen[id] = now
	return false
}

// Forget drops id so the next IsDuplicate call treats it as new.
func (d *Dedup) Forget(id string) {
	d.mu.Lock()
	delete(d.seen, id)
	d.mu.Unlock()
}

// Cleanup removes expired entries and returns how many were dropped.
func (d *Dedup) Cleanup() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	n := 0
	for id, ts := range d.seen {
		if now.Sub(ts) >= d.ttl {
			delete(d.seen, id)
			n++
		}
	}
	return n
}
