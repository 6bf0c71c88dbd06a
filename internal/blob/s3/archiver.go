package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/quantfall/liqhunter/internal/config"
	"github.com/quantfall/liqhunter/internal/domain"
)

// archivePageLimit bounds how many trades one pass pulls from the store.
const archivePageLimit = 10000

// Archiver periodically copies aged closed trades out of the hot store into
// JSONL objects partitioned by close month. Months older than the cutoff
// month are immutable once written and are skipped on later passes; the
// cutoff month is re-put as it accretes. Rows are never deleted from the
// primary store here; pruning is a separate, explicit operation run after an
// archive has been verified.
type Archiver struct {
	cfg    config.S3
	writer domain.BlobWriter
	reader domain.BlobReader
	trades domain.TradeStore
	logger *slog.Logger
}

// NewArchiver creates an Archiver. The reader may be nil, in which case
// sealed months are re-uploaded instead of skipped.
func NewArchiver(cfg config.S3, writer domain.BlobWriter, reader domain.BlobReader, trades domain.TradeStore, logger *slog.Logger) *Archiver {
	return &Archiver{
		cfg:    cfg,
		writer: writer,
		reader: reader,
		trades: trades,
		logger: logger.With(slog.String("component", "trade_archiver")),
	}
}

// Run archives once at startup and then on every interval tick until ctx is
// cancelled.
func (a *Archiver) Run(ctx context.Context) error {
	a.logger.Info("trade archiver started",
		slog.Duration("interval", a.cfg.ArchiveInterval.Duration),
		slog.Int("retention_days", a.cfg.RetentionDays),
	)
	defer a.logger.Info("trade archiver stopped")

	ticker := time.NewTicker(a.cfg.ArchiveInterval.Duration)
	defer ticker.Stop()

	for {
		a.archivePass(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (a *Archiver) archivePass(ctx context.Context) {
	before := time.Now().UTC().AddDate(0, 0, -a.cfg.RetentionDays)
	path, n, err := a.ArchiveTrades(ctx, before)
	if err != nil {
		a.logger.Warn("archive pass failed", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		a.logger.Info("trades archived",
			slog.Int("count", n),
			slog.String("newest_object", path),
		)
	}
}

// ArchiveTrades uploads every trade closed before the cutoff, grouped into
// one JSONL object per close month. It returns the newest object key written
// and the total number of rows uploaded.
func (a *Archiver) ArchiveTrades(ctx context.Context, before time.Time) (string, int, error) {
	trades, err := a.trades.ListClosedBefore(ctx, before, archivePageLimit)
	if err != nil {
		return "", 0, fmt.Errorf("s3blob: archive trades query: %w", err)
	}
	if len(trades) == 0 {
		return "", 0, nil
	}

	byMonth := make(map[string][]domain.Trade)
	for _, t := range trades {
		m := t.ClosedAt.UTC().Format("2006-01")
		byMonth[m] = append(byMonth[m], t)
	}

	months := make([]string, 0, len(byMonth))
	for m := range byMonth {
		months = append(months, m)
	}
	sort.Strings(months)

	cutoffMonth := before.UTC().Format("2006-01")

	var lastPath string
	var total int
	for _, m := range months {
		path := archivePath(m)

		// A fully elapsed month never gains rows; skip it once written.
		if m < cutoffMonth && a.reader != nil {
			exists, err := a.reader.Exists(ctx, path)
			if err != nil {
				return lastPath, total, fmt.Errorf("s3blob: check %s: %w", path, err)
			}
			if exists {
				continue
			}
		}

		buf, err := marshalJSONL(byMonth[m])
		if err != nil {
			return lastPath, total, fmt.Errorf("s3blob: archive trades marshal: %w", err)
		}
		if err := a.writer.Put(ctx, path, buf, "application/x-ndjson"); err != nil {
			return lastPath, total, fmt.Errorf("s3blob: archive trades upload: %w", err)
		}
		lastPath = path
		total += len(byMonth[m])
	}

	return lastPath, total, nil
}

// archivePath builds the object key for one close month.
//
//	archive/trades/2026-08.jsonl
func archivePath(month string) string {
	return "archive/trades/" + month + ".jsonl"
}

// marshalJSONL serializes records as newline-delimited JSON, one compact
// line per record.
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

// Compile-time interface check.
var _ domain.Archiver = (*Archiver)(nil)
