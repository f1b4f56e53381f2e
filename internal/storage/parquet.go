// Package storage lands raw market-data events in Parquet files.
//
// Events are buffered in memory and flushed either when the batch limit is
// reached or on the ingest's flush timer. Each flush writes one file per
// (event, market) group under <base>/<YYYY-MM-DD>/<event>/, so daily
// partitions stay cheap to list and to expire.
package storage

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"
)

// Record is one archived event row.
type Record struct {
	IngestedAt time.Time `parquet:"ingested_at,timestamp(microsecond)"`
	Event      string    `parquet:"event"`
	Market     string    `parquet:"market"`
	Payload    string    `parquet:"payload"` // raw JSON as received
}

// Sink buffers records and writes Parquet batches. Safe for concurrent use.
type Sink struct {
	baseDir    string
	batchLimit int
	logger     *slog.Logger

	mu  sync.Mutex
	buf []Record
}

// NewSink creates a sink writing under baseDir. batchLimit bounds the buffer;
// reaching it triggers an inline flush.
func NewSink(baseDir string, batchLimit int, logger *slog.Logger) *Sink {
	if batchLimit <= 0 {
		batchLimit = 500
	}
	return &Sink{
		baseDir:    baseDir,
		batchLimit: batchLimit,
		logger:     logger.With("component", "parquet_sink"),
	}
}

// Add buffers one record, flushing inline when the batch limit is reached.
func (s *Sink) Add(rec Record) error {
	s.mu.Lock()
	s.buf = append(s.buf, rec)
	full := len(s.buf) >= s.batchLimit
	s.mu.Unlock()

	if full {
		return s.Flush()
	}
	return nil
}

// Pending returns the number of buffered records.
func (s *Sink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// Flush writes all buffered records, one file per (event, market) group.
// A write failure for one group is logged and the remaining groups are still
// written; the failed group's records are dropped rather than retried, since
// the archive is best-effort and the stream remains the source of truth.
func (s *Sink) Flush() error {
	s.mu.Lock()
	batch := s.buf
	s.buf = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	type groupKey struct{ event, market string }
	groups := make(map[groupKey][]Record)
	for _, rec := range batch {
		k := groupKey{rec.Event, rec.Market}
		groups[k] = append(groups[k], rec)
	}

	var firstErr error
	for k, recs := range groups {
		if err := s.writeGroup(k.event, k.market, recs); err != nil {
			s.logger.Error("parquet write failed", "event", k.event, "market", k.market, "rows", len(recs), "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (s *Sink) writeGroup(event, market string, recs []Record) error {
	now := time.Now().UTC()
	dir := filepath.Join(s.baseDir, now.Format("2006-01-02"), event)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	name := fmt.Sprintf("%s-%s-%s.parquet", market, now.Format("150405"), uuid.NewString()[:8])
	path := filepath.Join(dir, name)
	if err := parquet.WriteFile(path, recs); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	s.logger.Debug("parquet batch written", "path", path, "rows", len(recs))
	return nil
}
