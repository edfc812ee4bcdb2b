package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cipherperp/cipherperp/internal/domain"
)

// archiveBatchSize bounds how many rows one archive object may hold.
const archiveBatchSize = 10000

// HistorySource is the slice of the history store the archiver reads from.
// Pruning after a verified upload uses the matching delete.
type HistorySource interface {
	ListClosedBefore(ctx context.Context, before time.Time, limit int) ([]domain.PositionHistoryRow, error)
	DeleteClosedBefore(ctx context.Context, before time.Time) (int64, error)
}

// Archiver implements domain.Archiver: aged closed-position history is
// serialized to JSONL, uploaded to object storage, and only then pruned
// from the primary store.
type Archiver struct {
	writer  domain.BlobWriter
	history HistorySource
	audit   domain.AuditStore // optional
	prune   bool
	logger  *slog.Logger
}

// NewArchiver creates an Archiver. When prune is true, archived rows are
// deleted from the primary store after a successful upload.
func NewArchiver(writer domain.BlobWriter, history HistorySource, audit domain.AuditStore, prune bool, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer:  writer,
		history: history,
		audit:   audit,
		prune:   prune,
		logger:  logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveClosedPositions exports every position closed before the cutoff to
// archive/positions/YYYY-MM.jsonl and returns the number of archived rows.
func (a *Archiver) ArchiveClosedPositions(ctx context.Context, before time.Time) (int64, error) {
	rows, err := a.history.ListClosedBefore(ctx, before, archiveBatchSize)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive query: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(rows)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive marshal: %w", err)
	}

	path := archivePath("positions", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive upload: %w", err)
	}

	count := int64(len(rows))
	a.logger.Info("closed positions archived",
		slog.Int64("count", count),
		slog.String("path", path),
	)

	if a.prune {
		cutoff := rows[len(rows)-1].ClosedAt
		if cutoff != nil {
			// Delete only up to the last archived row, never past what the
			// upload actually covered.
			pruned, err := a.history.DeleteClosedBefore(ctx, cutoff.Add(time.Millisecond))
			if err != nil {
				return count, fmt.Errorf("s3blob: archive prune: %w", err)
			}
			a.logger.Info("archived rows pruned", slog.Int64("count", pruned))
		}
	}

	if a.audit != nil {
		if err := a.audit.Log(ctx, "positions_archived", map[string]any{
			"count":  count,
			"path":   path,
			"cutoff": before.Format(time.RFC3339),
			"pruned": a.prune,
		}); err != nil {
			a.logger.Warn("archive audit log failed", slog.String("error", err.Error()))
		}
	}

	return count, nil
}

// marshalJSONL renders rows as newline-delimited JSON.
func marshalJSONL(rows []domain.PositionHistoryRow) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// archivePath buckets archive objects by month of the cutoff.
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.UTC().Format("2006-01"))
}

// Compile-time interface check.
var _ domain.Archiver = (*Archiver)(nil)
