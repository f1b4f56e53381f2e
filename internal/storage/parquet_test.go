package storage

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSinkFlushWritesPartitionedFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	sink := NewSink(dir, 100, discardLogger())

	now := time.Now().UTC().Truncate(time.Microsecond)
	for i := 0; i < 3; i++ {
		if err := sink.Add(Record{IngestedAt: now, Event: "book", Market: "BTC-EUR", Payload: `{"n":1}`}); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if err := sink.Add(Record{IngestedAt: now, Event: "trade", Market: "ETH-EUR", Payload: `{"p":"2000"}`}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := sink.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if sink.Pending() != 0 {
		t.Fatalf("pending = %d after flush", sink.Pending())
	}

	day := now.Format("2006-01-02")
	bookFiles, err := filepath.Glob(filepath.Join(dir, day, "book", "BTC-EUR-*.parquet"))
	if err != nil || len(bookFiles) != 1 {
		t.Fatalf("book files = %v (err %v), want exactly one", bookFiles, err)
	}
	tradeFiles, _ := filepath.Glob(filepath.Join(dir, day, "trade", "ETH-EUR-*.parquet"))
	if len(tradeFiles) != 1 {
		t.Fatalf("trade files = %v, want exactly one", tradeFiles)
	}

	rows, err := parquet.ReadFile[Record](bookFiles[0])
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(rows))
	}
	if rows[0].Payload != `{"n":1}` || rows[0].Market != "BTC-EUR" {
		t.Errorf("row = %+v", rows[0])
	}
}

func TestSinkFlushesAtBatchLimit(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	sink := NewSink(dir, 2, discardLogger())

	now := time.Now().UTC()
	sink.Add(Record{IngestedAt: now, Event: "ticker24h", Market: "BTC-EUR", Payload: "{}"})
	sink.Add(Record{IngestedAt: now, Event: "ticker24h", Market: "BTC-EUR", Payload: "{}"})

	if sink.Pending() != 0 {
		t.Fatalf("pending = %d, want inline flush at batch limit", sink.Pending())
	}
	files, _ := filepath.Glob(filepath.Join(dir, "*", "ticker24h", "*.parquet"))
	if len(files) != 1 {
		t.Fatalf("files = %v, want one", files)
	}
}

func TestSinkEmptyFlushIsNoop(t *testing.T) {
	t.Parallel()

	sink := NewSink(t.TempDir(), 10, discardLogger())
	if err := sink.Flush(); err != nil {
		t.Fatalf("empty flush: %v", err)
	}
}
