package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbguard/internal/domain"
	"github.com/alanyoungcy/arbguard/internal/retry"
)

type recordingSender struct {
	mu     sync.Mutex
	titles []string
	fail   int
	calls  int
}

func (r *recordingSender) Send(_ context.Context, title, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.calls <= r.fail {
		return errors.New("temporary")
	}
	r.titles = append(r.titles, title)
	return nil
}

func (r *recordingSender) Name() string { return "recording" }

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func fastRetry() retry.Policy {
	return retry.Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, CallTimeout: time.Second}
}

func TestNotifier_Filter(t *testing.T) {
	tests := []struct {
		name   string
		events []string
		event  string
		want   bool
	}{
		{name: "no filter", event: domain.EventBundleConfirmed, want: true},
		{name: "listed", events: []string{" bundle_rejected "}, event: domain.EventBundleRejected, want: true},
		{name: "not listed", events: []string{"bundle_rejected"}, event: domain.EventPositionOpened, want: false},
		{name: "emergency always", events: []string{"bundle_rejected"}, event: domain.EventEmergency, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &recordingSender{}
			n := NewNotifier([]Sender{s}, tt.events, quietLogger())
			require.NoError(t, n.Notify(context.Background(), tt.event, "title", "msg"))
			assert.Equal(t, tt.want, len(s.titles) == 1)
		})
	}
}

func TestNotifier_RetriesAndJoinsErrors(t *testing.T) {
	flaky := &recordingSender{fail: 2}
	dead := &recordingSender{fail: 100}
	n := NewNotifier([]Sender{flaky, dead}, nil, quietLogger())
	n.SetRetryPolicy(fastRetry())

	err := n.Notify(context.Background(), domain.EventEmergency, "Breaker tripped", "LOW_BALANCE")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recording")
	assert.Equal(t, []string{"Breaker tripped"}, flaky.titles)
	assert.Equal(t, 3, dead.calls)
}

func TestTelegramSender(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN", "42").WithBaseURL(srv.URL + "/")
	require.NoError(t, s.Send(context.Background(), "Bundle CONFIRMED", "included in block 10"))
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "*Bundle CONFIRMED*\nincluded in block 10", got["text"])
	assert.Equal(t, "telegram", s.Name())
}

func TestDiscordSender_StatusHandling(t *testing.T) {
	var calls atomic.Int32
	var status atomic.Int32
	status.Store(http.StatusBadRequest)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		assert.Equal(t, "**t**\nm", body["content"])
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	n := NewNotifier([]Sender{NewDiscordSender(srv.URL)}, nil, quietLogger())
	n.SetRetryPolicy(fastRetry())

	require.Error(t, n.Notify(context.Background(), domain.EventBundleRejected, "t", "m"))
	assert.Equal(t, int32(1), calls.Load(), "client errors are not retried")

	calls.Store(0)
	status.Store(http.StatusBadGateway)
	require.Error(t, n.Notify(context.Background(), domain.EventBundleRejected, "t", "m"))
	assert.Equal(t, int32(3), calls.Load())

	calls.Store(0)
	status.Store(http.StatusNoContent)
	require.NoError(t, n.Notify(context.Background(), domain.EventBundleRejected, "t", "m"))
	assert.Equal(t, int32(1), calls.Load())
}
