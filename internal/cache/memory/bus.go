package memory

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"sync"

	"github.com/alanyoungcy/arbguard/internal/domain"
)

const (
	subscriberBuffer = 128
	streamCap        = 1000
)

type subscriber struct {
	pattern string
	ch      chan []byte
}

// Bus is an in-process domain.SignalBus used when no Redis is configured.
// Slow subscribers drop messages rather than block publishers.
type Bus struct {
	mu      sync.RWMutex
	subs    map[*subscriber]struct{}
	streams map[string][]domain.StreamMessage
	seq     uint64
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{
		subs:    make(map[*subscriber]struct{}),
		streams: make(map[string][]domain.StreamMessage),
	}
}

// Publish delivers payload to every subscriber whose channel or glob
// pattern matches channel. Emergency payloads are also kept on
// domain.StreamEmergency.
func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.fanOut(channel, payload)
	if channel == domain.ChannelEmergency {
		return b.StreamAppend(ctx, domain.StreamEmergency, payload)
	}
	return nil
}

func (b *Bus) fanOut(channel string, payload []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if ok, _ := path.Match(s.pattern, channel); !ok {
			continue
		}
		msg := append([]byte(nil), payload...)
		select {
		case s.ch <- msg:
		default:
		}
	}
}

// Subscribe returns a channel fed until ctx ends.
func (b *Bus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	if _, err := path.Match(channel, ""); err != nil {
		return nil, fmt.Errorf("memory: subscribe %s: %w", channel, err)
	}
	s := &subscriber{pattern: channel, ch: make(chan []byte, subscriberBuffer)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, s)
		close(s.ch)
		b.mu.Unlock()
	}()
	return s.ch, nil
}

// StreamAppend appends payload to stream, keeping the newest streamCap
// entries.
func (b *Bus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	msgs := append(b.streams[stream], domain.StreamMessage{
		ID:      strconv.FormatUint(b.seq, 10),
		Payload: append([]byte(nil), payload...),
	})
	if len(msgs) > streamCap {
		msgs = msgs[len(msgs)-streamCap:]
	}
	b.streams[stream] = msgs
	return nil
}

// StreamRead returns up to count entries after lastID. "0" and "" read from
// the start.
func (b *Bus) StreamRead(_ context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	var after uint64
	if lastID != "" && lastID != "0" && lastID != "0-0" {
		v, err := strconv.ParseUint(lastID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("memory: stream read %s: bad id %q", stream, lastID)
		}
		after = v
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []domain.StreamMessage
	for _, m := range b.streams[stream] {
		id, _ := strconv.ParseUint(m.ID, 10, 64)
		if id <= after {
			continue
		}
		out = append(out, m)
		if count > 0 && len(out) == count {
			break
		}
	}
	return out, nil
}

var _ domain.SignalBus = (*Bus)(nil)
