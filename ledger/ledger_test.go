package ledger_test

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/duckcoding/proxyfleet/ledger"
)

func openTestDB(t *testing.T) *ledger.DB {
	t.Helper()
	dir := t.TempDir()
	db, err := ledger.Open(filepath.Join(dir, "token_stats.db"), zerolog.New(io.Discard))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestWriterFlushesOnRowThreshold(t *testing.T) {
	db := openTestDB(t)
	w := ledger.NewWriter(db, zerolog.New(io.Discard), 3, time.Hour, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	for i := 0; i < 3; i++ {
		w.WriteLog(ledger.TokenLog{
			ToolID: "claude-code", SessionID: "s1", TimestampMs: time.Now().UnixMilli(),
			Model: "claude-3-5-sonnet-20241022", Status: "success", ResponseType: "sse",
		})
	}

	// The time threshold is an hour, so only the row count can flush
	// these before Stop.
	var rows []ledger.TokenLog
	var err error
	for deadline := time.Now().Add(time.Second); time.Now().Before(deadline); time.Sleep(5 * time.Millisecond) {
		rows, err = db.RecentForSession(context.Background(), "claude-code", "s1", 10)
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(rows) == 3 {
			break
		}
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows flushed by count threshold, got %d", len(rows))
	}
}

func TestWriterFlushesOnTimer(t *testing.T) {
	db := openTestDB(t)
	w := ledger.NewWriter(db, zerolog.New(io.Discard), 100, 20*time.Millisecond, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	w.WriteLog(ledger.TokenLog{ToolID: "codex", SessionID: "s2", TimestampMs: time.Now().UnixMilli(), Model: "gpt-5-codex", Status: "success", ResponseType: "json"})

	time.Sleep(100 * time.Millisecond)

	rows, err := db.RecentForSession(context.Background(), "codex", "s2", 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row flushed by timer, got %d", len(rows))
	}
}

func TestRetentionByRowCount(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	w := ledger.NewWriter(db, zerolog.New(io.Discard), 1, time.Millisecond, time.Hour)
	w.Start(ctx)
	for i := 0; i < 5; i++ {
		w.WriteLog(ledger.TokenLog{ToolID: "claude-code", SessionID: "s3", TimestampMs: int64(i), Model: "m", Status: "success", ResponseType: "json"})
		time.Sleep(5 * time.Millisecond)
	}
	w.Stop()

	if err := db.Retain(ctx, 0, 2); err != nil {
		t.Fatalf("retain: %v", err)
	}
	rows, err := db.RecentForSession(ctx, "claude-code", "s3", 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected retention to keep 2 newest rows, got %d", len(rows))
	}
}
