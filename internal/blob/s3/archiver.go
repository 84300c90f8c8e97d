package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/arbguard/internal/domain"
)

// Archive stores narrowed to the listing each kind needs.
type (
	PositionArchiveStore interface {
		ListClosedBetween(ctx context.Context, from, to time.Time) ([]domain.Position, error)
	}
	BundleArchiveStore interface {
		ListTerminalBetween(ctx context.Context, from, to time.Time) ([]domain.ProtectedBundle, error)
	}
	OpportunityArchiveStore interface {
		ListBetween(ctx context.Context, from, to time.Time) ([]domain.ArbitrageOpportunity, error)
	}
)

// ArchiveImpl implements domain.Archiver. Each kind of settled record is
// written once per calendar month as JSONL at archive/<kind>/YYYY-MM.jsonl.
// Rows stay in Postgres; pruning them is a separate step.
type ArchiveImpl struct {
	writer    domain.BlobWriter
	reader    domain.BlobReader
	positions PositionArchiveStore
	bundles   BundleArchiveStore
	opps      OpportunityArchiveStore
	audit     domain.AuditStore
	logger    *slog.Logger
	now       func() time.Time
}

// NewArchiver creates an ArchiveImpl. reader may be nil, in which case
// existing archives are overwritten and uploads are not read back.
func NewArchiver(
	writer domain.BlobWriter,
	reader domain.BlobReader,
	positions PositionArchiveStore,
	bundles BundleArchiveStore,
	opps OpportunityArchiveStore,
	audit domain.AuditStore,
	logger *slog.Logger,
) *ArchiveImpl {
	return &ArchiveImpl{
		writer:    writer,
		reader:    reader,
		positions: positions,
		bundles:   bundles,
		opps:      opps,
		audit:     audit,
		logger:    logger.With(slog.String("component", "archiver")),
		now:       time.Now,
	}
}

// ArchivePositions uploads positions closed in the calendar month that ends
// at the cutoff.
func (a *ArchiveImpl) ArchivePositions(ctx context.Context, before time.Time) (int64, error) {
	return archive(ctx, a, "positions", before, a.positions.ListClosedBetween)
}

// ArchiveBundles uploads bundles that reached a terminal state in the
// calendar month that ends at the cutoff.
func (a *ArchiveImpl) ArchiveBundles(ctx context.Context, before time.Time) (int64, error) {
	return archive(ctx, a, "bundles", before, a.bundles.ListTerminalBetween)
}

// ArchiveOpportunities uploads opportunities detected in the calendar month
// that ends at the cutoff.
func (a *ArchiveImpl) ArchiveOpportunities(ctx context.Context, before time.Time) (int64, error) {
	return archive(ctx, a, "opportunities", before, a.opps.ListBetween)
}

func archive[T any](
	ctx context.Context,
	a *ArchiveImpl,
	kind string,
	before time.Time,
	list func(ctx context.Context, from, to time.Time) ([]T, error),
) (int64, error) {
	path := archivePath(kind, before)
	from := monthStart(before.Add(-time.Nanosecond))
	if a.reader != nil {
		exists, err := a.reader.Exists(ctx, path)
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive %s: %w", kind, err)
		}
		if exists {
			return 0, nil
		}
	}

	records, err := list(ctx, from, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s query: %w", kind, err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s marshal: %w", kind, err)
	}

	if int64(len(buf)) > minPartSize {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson")
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s upload: %w", kind, err)
	}

	count := int64(len(records))
	if err := a.verify(ctx, path, count); err != nil {
		return 0, fmt.Errorf("s3blob: archive %s: %w", kind, err)
	}
	if err := a.audit.Log(ctx, "archive."+kind, map[string]any{
		"path":   path,
		"count":  count,
		"from":   from.Format(time.RFC3339),
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive %s audit log: %w", kind, err)
	}
	return count, nil
}

// verify reads the uploaded file back and checks its record count.
func (a *ArchiveImpl) verify(ctx context.Context, path string, want int64) error {
	if a.reader == nil {
		return nil
	}
	body, err := a.reader.Get(ctx, path)
	if err != nil {
		return fmt.Errorf("verify %s: %w", path, err)
	}
	defer body.Close()

	var got int64
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), maxRecordSize)
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) > 0 {
			got++
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("verify %s: %w", path, err)
	}
	if got != want {
		return fmt.Errorf("verify %s: wrote %d records, read back %d", path, want, got)
	}
	return nil
}

// RunOnce archives, for every kind, the calendar month that ends at the start
// of the month containing now minus retention.
func (a *ArchiveImpl) RunOnce(ctx context.Context, retention time.Duration) error {
	cutoff := monthStart(a.now().Add(-retention))
	var errs []error
	for _, step := range []struct {
		kind string
		fn   func(context.Context, time.Time) (int64, error)
	}{
		{"positions", a.ArchivePositions},
		{"bundles", a.ArchiveBundles},
		{"opportunities", a.ArchiveOpportunities},
	} {
		n, err := step.fn(ctx, cutoff)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if n > 0 {
			a.logger.InfoContext(ctx, "archived records",
				slog.String("kind", step.kind),
				slog.Int64("count", n),
				slog.Time("before", cutoff),
			)
		}
	}
	return errors.Join(errs...)
}

// Run calls RunOnce every interval until ctx is cancelled.
func (a *ArchiveImpl) Run(ctx context.Context, interval, retention time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := a.RunOnce(ctx, retention); err != nil {
			a.logger.WarnContext(ctx, "archive run failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

const maxRecordSize = 4 << 20

func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// archivePath names the file holding records before the cutoff by the month
// they belong to, e.g. a 2025-02-01 cutoff gives archive/bundles/2025-01.jsonl.
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.UTC().Add(-time.Nanosecond).Format("2006-01"))
}

func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*ArchiveImpl)(nil)
