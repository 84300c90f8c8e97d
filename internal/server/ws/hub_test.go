package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbguard/internal/cache/memory"
	"github.com/alanyoungcy/arbguard/internal/domain"
)

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, kind)
	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func TestHubForwardsBusEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := memory.NewBus()
	hub := NewHub(bus, func() any {
		return map[string]string{"mode": "monitor"}
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	go func() { _ = hub.Run(ctx) }()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	status := readEnvelope(t, conn)
	assert.Equal(t, "status", status.Channel)
	assert.JSONEq(t, `{"mode":"monitor"}`, string(status.Data))

	require.NoError(t, bus.Publish(ctx, domain.ChannelEmergency, []byte(`{"tripped":true}`)))
	env := readEnvelope(t, conn)
	assert.Equal(t, domain.ChannelEmergency, env.Channel)
	assert.JSONEq(t, `{"tripped":true}`, string(env.Data))

	require.NoError(t, conn.WriteJSON(subscribeMsg{Action: "unsubscribe", Channels: []string{domain.ChannelPrices}}))
	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		for c := range hub.clients {
			if c.isSubscribed(domain.ChannelPrices) {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, bus.Publish(ctx, domain.ChannelPrices, []byte(`{"token":"ETH"}`)))
	require.NoError(t, bus.Publish(ctx, domain.ChannelBundles, []byte(`{"id":"b1"}`)))
	env = readEnvelope(t, conn)
	assert.Equal(t, domain.ChannelBundles, env.Channel)
}

func TestEncode(t *testing.T) {
	frame, err := encode("positions", []byte(`{"id":"p1"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"channel":"positions","data":{"id":"p1"}}`, string(frame))

	frame, err = encode("positions", []byte("not json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"channel":"positions","data":"not json"}`, string(frame))
}
