package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jtradehq/jtrade/internal/domain"
)

// ArchiveStore is the slice of the store the archiver drains: aged raw
// signals, copy logs, and execution failures, plus the audit trail.
type ArchiveStore interface {
	domain.SignalStore
	domain.CopyStore
	domain.FailureStore
	domain.AuditStore
}

// Archiver moves aged rows to the bucket as JSONL, then deletes them.
// The delete only runs after the upload and its audit row land, so a
// failed upload leaves the rows in place for the next cycle.
type Archiver struct {
	writer domain.BlobWriter
	store  ArchiveStore
	retain time.Duration
	logger *slog.Logger
	now    func() time.Time
}

func NewArchiver(writer domain.BlobWriter, store ArchiveStore, retainDays int, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	if retainDays <= 0 {
		retainDays = 30
	}
	return &Archiver{
		writer: writer,
		store:  store,
		retain: time.Duration(retainDays) * 24 * time.Hour,
		logger: logger.With(slog.String("component", "archiver")),
		now:    time.Now,
	}
}

// Run archives every aged kind once. Kinds fail independently.
func (a *Archiver) Run(ctx context.Context) error {
	before := a.now().UTC().Add(-a.retain)

	var firstErr error
	for _, step := range []struct {
		kind string
		run  func(context.Context, time.Time) (int64, error)
	}{
		{"signals", a.archiveSignals},
		{"copy_logs", a.archiveCopyLogs},
		{"failures", a.archiveFailures},
	} {
		n, err := step.run(ctx, before)
		if err != nil {
			a.logger.Error("archive cycle failed",
				slog.String("kind", step.kind),
				slog.String("error", err.Error()))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if n > 0 {
			a.logger.Info("rows archived",
				slog.String("kind", step.kind),
				slog.Int64("rows", n))
		}
	}
	return firstErr
}

func (a *Archiver) archiveSignals(ctx context.Context, before time.Time) (int64, error) {
	rows, err := a.store.ListSignalsBefore(ctx, before)
	if err != nil {
		return 0, err
	}
	if err := uploadRows(ctx, a, "signals", before, rows); err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return a.store.DeleteSignalsBefore(ctx, before)
}

func (a *Archiver) archiveCopyLogs(ctx context.Context, before time.Time) (int64, error) {
	rows, err := a.store.ListCopyLogsBefore(ctx, before)
	if err != nil {
		return 0, err
	}
	if err := uploadRows(ctx, a, "copy_logs", before, rows); err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return a.store.DeleteCopyLogsBefore(ctx, before)
}

func (a *Archiver) archiveFailures(ctx context.Context, before time.Time) (int64, error) {
	rows, err := a.store.ListFailuresBefore(ctx, before)
	if err != nil {
		return 0, err
	}
	if err := uploadRows(ctx, a, "failures", before, rows); err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return a.store.DeleteFailuresBefore(ctx, before)
}

// uploadRows writes a JSONL object and records the audit row. Empty
// row sets produce no object.
func uploadRows[T any](ctx context.Context, a *Archiver, kind string, before time.Time, rows []T) error {
	if len(rows) == 0 {
		return nil
	}
	body, err := marshalJSONL(rows)
	if err != nil {
		return fmt.Errorf("s3blob: marshal %s: %w", kind, err)
	}

	key := archiveKey(kind, before)
	if err := a.writer.Put(ctx, key, bytes.NewReader(body), "application/x-ndjson"); err != nil {
		return err
	}
	if err := a.store.AppendAudit(ctx, "archive."+kind, map[string]any{
		"key":    key,
		"rows":   len(rows),
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return fmt.Errorf("s3blob: audit %s: %w", kind, err)
	}
	return nil
}

func archiveKey(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006/01/02"))
}

// marshalJSONL encodes a slice as one JSON object per line.
func marshalJSONL[T any](rows []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range rows {
		if err := enc.Encode(r); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
