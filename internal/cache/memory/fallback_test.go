package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbguard/internal/domain"
)

func TestBus_PublishSubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	bus := NewBus()

	exact, err := bus.Subscribe(ctx, domain.ChannelBundles)
	require.NoError(t, err)
	all, err := bus.Subscribe(ctx, "*")
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, domain.ChannelBundles, []byte("b1")))
	require.NoError(t, bus.Publish(ctx, domain.ChannelPrices, []byte("p1")))

	assert.Equal(t, []byte("b1"), <-exact)
	assert.Equal(t, []byte("b1"), <-all)
	assert.Equal(t, []byte("p1"), <-all)
	assert.Empty(t, exact)

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, open := <-exact:
			return !open
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestBus_Streams(t *testing.T) {
	ctx := context.Background()
	bus := NewBus()
	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, bus.StreamAppend(ctx, "s", []byte(p)))
	}

	msgs, err := bus.StreamRead(ctx, "s", "0", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "a", string(msgs[0].Payload))

	rest, err := bus.StreamRead(ctx, "s", msgs[1].ID, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "c", string(rest[0].Payload))

	_, err = bus.StreamRead(ctx, "s", "x", 1)
	require.Error(t, err)
}

func TestBus_EmergencyKeptOnStream(t *testing.T) {
	ctx := context.Background()
	bus := NewBus()
	require.NoError(t, bus.Publish(ctx, domain.ChannelPrices, []byte(`{}`)))
	require.NoError(t, bus.Publish(ctx, domain.ChannelEmergency, []byte(`{"tripped":true}`)))

	msgs, err := bus.StreamRead(ctx, domain.StreamEmergency, "0", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.JSONEq(t, `{"tripped":true}`, string(msgs[0].Payload))
}

func TestPriceCache(t *testing.T) {
	ctx := context.Background()
	c := NewPriceCache()
	require.NoError(t, c.SetPrice(ctx, domain.NormalizedPrice{Token: "ETH", Price: decimal.NewFromInt(3000)}))

	p, err := c.GetPrice(ctx, "ETH")
	require.NoError(t, err)
	assert.True(t, p.Price.Equal(decimal.NewFromInt(3000)))

	_, err = c.GetPrice(ctx, "BTC")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	all, err := c.GetPrices(ctx, []string{"ETH", "BTC"})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRateLimiter(t *testing.T) {
	ctx := context.Background()
	rl := NewRateLimiter()

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "k", 3, time.Hour)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := rl.Allow(ctx, "k", 3, time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = rl.Allow(ctx, "other", 3, time.Hour)
	require.NoError(t, err)
	assert.True(t, ok, "keys are independent")

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.Error(t, rl.Wait(waitCtx, "k", 3, time.Hour))
}

func TestLockManager(t *testing.T) {
	ctx := context.Background()
	clk := &fakeClock{now: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
	lm := NewLockManager()
	lm.now = clk.Now

	unlock, err := lm.Acquire(ctx, "bundle:1", time.Minute)
	require.NoError(t, err)

	_, err = lm.Acquire(ctx, "bundle:1", time.Minute)
	assert.True(t, errors.Is(err, domain.ErrLockHeld))

	clk.Advance(2 * time.Minute)
	second, err := lm.Acquire(ctx, "bundle:1", time.Minute)
	require.NoError(t, err, "expired locks can be taken")

	// A stale release does not drop the new holder's lock.
	unlock()
	_, err = lm.Acquire(ctx, "bundle:1", time.Minute)
	assert.True(t, errors.Is(err, domain.ErrLockHeld))

	second()
	_, err = lm.Acquire(ctx, "bundle:1", time.Minute)
	assert.NoError(t, err)
}
