package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbguard/internal/domain"
)

type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
}

func newMemBlobs() *memBlobs { return &memBlobs{objects: map[string][]byte{}} }

func (m *memBlobs) Put(_ context.Context, path string, data io.Reader, _ string) error {
	if m.putErr != nil {
		return m.putErr
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.objects[path] = b
	m.mu.Unlock()
	return nil
}

func (m *memBlobs) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return m.Put(ctx, path, data, "")
}

func (m *memBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memBlobs) Exists(_ context.Context, path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[path]
	return ok, nil
}

type fakeArchiveStores struct {
	positions []domain.Position
	bundles   []domain.ProtectedBundle
	opps      []domain.ArbitrageOpportunity
	oppErr    error
}

func inRange(t, from, to time.Time) bool { return !t.Before(from) && t.Before(to) }

func (f *fakeArchiveStores) ListClosedBetween(_ context.Context, from, to time.Time) ([]domain.Position, error) {
	var out []domain.Position
	for _, p := range f.positions {
		if p.ClosedAt != nil && inRange(*p.ClosedAt, from, to) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeArchiveStores) ListTerminalBetween(_ context.Context, from, to time.Time) ([]domain.ProtectedBundle, error) {
	var out []domain.ProtectedBundle
	for _, b := range f.bundles {
		if inRange(b.UpdatedAt, from, to) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fakeArchiveStores) ListBetween(_ context.Context, from, to time.Time) ([]domain.ArbitrageOpportunity, error) {
	if f.oppErr != nil {
		return nil, f.oppErr
	}
	var out []domain.ArbitrageOpportunity
	for _, o := range f.opps {
		if inRange(o.CreatedAt, from, to) {
			out = append(out, o)
		}
	}
	return out, nil
}

func closedAt(t time.Time) *time.Time { return &t }

type auditLog struct {
	mu     sync.Mutex
	events []string
}

func (a *auditLog) Log(_ context.Context, event string, _ map[string]any) error {
	a.mu.Lock()
	a.events = append(a.events, event)
	a.mu.Unlock()
	return nil
}

func (a *auditLog) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func newTestArchiver(blobs *memBlobs, stores *fakeArchiveStores, audit *auditLog) *ArchiveImpl {
	a := NewArchiver(blobs, blobs, stores, stores, stores, audit, slog.New(slog.NewTextHandler(io.Discard, nil)))
	a.now = func() time.Time { return time.Date(2025, 3, 15, 10, 0, 0, 0, time.UTC) }
	return a
}

func TestArchivePath(t *testing.T) {
	assert.Equal(t, "archive/bundles/2025-01.jsonl", archivePath("bundles", time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "archive/positions/2025-02.jsonl", archivePath("positions", time.Date(2025, 2, 20, 0, 0, 0, 0, time.UTC)))
}

func TestArchiver_RunOnce(t *testing.T) {
	blobs := newMemBlobs()
	audit := &auditLog{}
	stores := &fakeArchiveStores{
		positions: []domain.Position{
			{ID: "p1", Token: "ETH", Status: domain.PositionStatusClosed, PnL: decimal.NewFromInt(5),
				ClosedAt: closedAt(time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC))},
			{ID: "p2", Token: "ETH", Status: domain.PositionStatusClosed, PnL: decimal.NewFromInt(-2),
				ClosedAt: closedAt(time.Date(2025, 1, 31, 23, 59, 0, 0, time.UTC))},
		},
		bundles: []domain.ProtectedBundle{
			{ID: "b1", State: domain.BundleConfirmed, UpdatedAt: time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)},
		},
	}
	a := newTestArchiver(blobs, stores, audit)

	// 30 days before 2025-03-15 is in February, so the cutoff is 2025-02-01.
	require.NoError(t, a.RunOnce(context.Background(), 30*24*time.Hour))

	raw, ok := blobs.objects["archive/positions/2025-01.jsonl"]
	require.True(t, ok)
	lines := 0
	sc := bufio.NewScanner(bytes.NewReader(raw))
	for sc.Scan() {
		var p domain.Position
		require.NoError(t, json.Unmarshal(sc.Bytes(), &p))
		lines++
	}
	assert.Equal(t, 2, lines)
	assert.Contains(t, blobs.objects, "archive/bundles/2025-01.jsonl")
	assert.NotContains(t, blobs.objects, "archive/opportunities/2025-01.jsonl", "empty kinds are skipped")
	assert.ElementsMatch(t, []string{"archive.positions", "archive.bundles"}, audit.events)

	// A second run in the same month finds the files and uploads nothing.
	stores.positions = append(stores.positions, domain.Position{ID: "p3",
		ClosedAt: closedAt(time.Date(2025, 1, 20, 0, 0, 0, 0, time.UTC))})
	require.NoError(t, a.RunOnce(context.Background(), 30*24*time.Hour))
	assert.Len(t, audit.events, 2)
}

func TestArchiver_ErrorsAreJoined(t *testing.T) {
	blobs := newMemBlobs()
	blobs.putErr = errors.New("bucket gone")
	stores := &fakeArchiveStores{
		positions: []domain.Position{{ID: "p1", ClosedAt: closedAt(time.Date(2025, 2, 10, 0, 0, 0, 0, time.UTC))}},
		oppErr:    errors.New("db down"),
	}
	a := newTestArchiver(blobs, stores, &auditLog{})

	err := a.RunOnce(context.Background(), 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket gone")
	assert.Contains(t, err.Error(), "db down")
}

func TestArchiver_OneMonthPerFile(t *testing.T) {
	blobs := newMemBlobs()
	day := func(y int, m time.Month, d int) *time.Time {
		return closedAt(time.Date(y, m, d, 12, 0, 0, 0, time.UTC))
	}
	stores := &fakeArchiveStores{
		positions: []domain.Position{
			{ID: "dec", ClosedAt: day(2024, 12, 30)},
			{ID: "jan-1", ClosedAt: day(2025, 1, 5)},
			{ID: "jan-2", ClosedAt: day(2025, 1, 25)},
			{ID: "feb", ClosedAt: day(2025, 2, 2)},
		},
	}
	a := newTestArchiver(blobs, stores, &auditLog{})
	ctx := context.Background()

	for _, cutoff := range []time.Time{
		time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
	} {
		_, err := a.ArchivePositions(ctx, cutoff)
		require.NoError(t, err)
	}

	ids := func(path string) []string {
		var out []string
		sc := bufio.NewScanner(bytes.NewReader(blobs.objects[path]))
		for sc.Scan() {
			var p domain.Position
			require.NoError(t, json.Unmarshal(sc.Bytes(), &p))
			out = append(out, p.ID)
		}
		return out
	}
	assert.Equal(t, []string{"dec"}, ids("archive/positions/2024-12.jsonl"))
	assert.Equal(t, []string{"jan-1", "jan-2"}, ids("archive/positions/2025-01.jsonl"))
	assert.Equal(t, []string{"feb"}, ids("archive/positions/2025-02.jsonl"))
}

type truncatingBlobs struct{ *memBlobs }

func (b truncatingBlobs) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("{}\n")), nil
}

func TestArchiver_VerifiesUpload(t *testing.T) {
	blobs := truncatingBlobs{newMemBlobs()}
	audit := &auditLog{}
	stores := &fakeArchiveStores{positions: []domain.Position{
		{ID: "p1", ClosedAt: closedAt(time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC))},
		{ID: "p2", ClosedAt: closedAt(time.Date(2025, 1, 4, 0, 0, 0, 0, time.UTC))},
	}}
	a := NewArchiver(blobs, blobs, stores, stores, stores, audit, slog.New(slog.NewTextHandler(io.Discard, nil)))

	n, err := a.ArchivePositions(context.Background(), time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wrote 2 records, read back 1")
	assert.Zero(t, n)
	assert.Empty(t, audit.events, "an unverified file is not audited")
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://minio:9000", normaliseEndpoint("minio:9000", true))
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("minio:9000", false))
	assert.Equal(t, "http://already", normaliseEndpoint("http://already", true))
}

func TestNew_RequiresBucketAndRegion(t *testing.T) {
	_, err := New(context.Background(), ClientConfig{Region: "us-east-1"})
	require.Error(t, err)
	_, err = New(context.Background(), ClientConfig{Bucket: "b"})
	require.Error(t, err)
}

func TestReaderWriter_AgainstHTTP(t *testing.T) {
	var (
		mu   sync.Mutex
		puts []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut:
			mu.Lock()
			puts = append(puts, r.URL.Path)
			mu.Unlock()
			_, _ = io.Copy(io.Discard, r.Body)
			w.Header().Set("ETag", `"abc"`)
			w.WriteHeader(http.StatusOK)
		case http.MethodHead:
			if strings.HasSuffix(r.URL.Path, "/present.jsonl") {
				w.Header().Set("Content-Length", "0")
				w.WriteHeader(http.StatusOK)
				return
			}
			w.WriteHeader(http.StatusNotFound)
		case http.MethodGet:
			if strings.HasSuffix(r.URL.Path, "/present.jsonl") {
				w.Header().Set("Content-Type", "application/x-ndjson")
				_, _ = io.WriteString(w, "{\"id\":\"b1\"}\n")
				return
			}
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := New(ctx, ClientConfig{
		Endpoint:       srv.URL,
		Region:         "us-east-1",
		Bucket:         "archive-bucket",
		AccessKey:      "key",
		SecretKey:      "secret",
		ForcePathStyle: true,
	})
	require.NoError(t, err)

	w := NewWriter(client)
	require.NoError(t, w.Put(ctx, "archive/bundles/2025-01.jsonl", strings.NewReader("{}\n"), "application/x-ndjson"))
	mu.Lock()
	assert.Equal(t, []string{"/archive-bucket/archive/bundles/2025-01.jsonl"}, puts)
	mu.Unlock()

	r := NewReader(client)
	ok, err := r.Exists(ctx, "archive/bundles/present.jsonl")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.Exists(ctx, "archive/bundles/missing.jsonl")
	require.NoError(t, err)
	assert.False(t, ok)

	body, err := r.Get(ctx, "archive/bundles/present.jsonl")
	require.NoError(t, err)
	raw, err := io.ReadAll(body)
	require.NoError(t, body.Close())
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"b1"}`, strings.TrimSpace(string(raw)))

	_, err = r.Get(ctx, "archive/bundles/missing.jsonl")
	require.ErrorIs(t, err, domain.ErrNotFound)
}
