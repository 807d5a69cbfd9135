package recorder_test

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/duckcoding/proxyfleet/ledger"
	"github.com/duckcoding/proxyfleet/pricing"
	"github.com/duckcoding/proxyfleet/recorder"
	"github.com/duckcoding/proxyfleet/tokenproc"
)

func newHarness(t *testing.T) (*recorder.Recorder, *ledger.DB, *ledger.Writer) {
	t.Helper()
	dir := t.TempDir()
	log := zerolog.New(io.Discard)

	db, err := ledger.Open(filepath.Join(dir, "token_stats.db"), log)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	pricingStore := pricing.NewStore(dir, log)
	if err := pricingStore.Load(); err != nil {
		t.Fatalf("load pricing: %v", err)
	}

	writer := ledger.NewWriter(db, log, 1, time.Millisecond, time.Hour)
	writer.Start(context.Background())
	t.Cleanup(writer.Stop)

	rec := recorder.New(tokenproc.NewRegistry(), pricingStore, writer, log)
	return rec, db, writer
}

func TestRecordUpstreamErrorStatus(t *testing.T) {
	rec, db, _ := newHarness(t)

	ctx := recorder.RequestContext{ToolID: "claude-code", SessionID: "s1", RequestBody: []byte(`{"model":"claude-3-5-sonnet-20241022"}`)}
	rec.Record(ctx, 429, "Too Many Requests", recorder.ParsedResponse{Kind: recorder.KindJSON, JSONBytes: []byte(`{}`)})

	time.Sleep(20 * time.Millisecond)
	rows, err := db.RecentForSession(context.Background(), "claude-code", "s1", 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0].Status != "failed" || rows[0].ErrorKind != "upstream_error" || rows[0].ErrorDetail != "HTTP 429: Too Many Requests" {
		t.Fatalf("unexpected row: %+v", rows[0])
	}
}

func TestRecordClaudeSSESuccess(t *testing.T) {
	rec, db, _ := newHarness(t)

	reqBody := []byte(`{"model":"claude-3-5-sonnet-20241022"}`)
	sse := []byte(`data: {"type":"message_start","message":{"id":"m1","usage":{"input_tokens":100,"output_tokens":1}}}` + "\n" +
		`data: {"type":"message_delta","usage":{"output_tokens":50}}` + "\n")

	ctx := recorder.RequestContext{ToolID: "claude-code", SessionID: "s2", RequestBody: reqBody}
	rec.Record(ctx, 200, "OK", recorder.ParsedResponse{Kind: recorder.KindSSE, SSEBytes: sse})

	time.Sleep(20 * time.Millisecond)
	rows, err := db.RecentForSession(context.Background(), "claude-code", "s2", 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	row := rows[0]
	if row.Status != "success" || row.InputTokens != 100 || row.OutputTokens != 50 {
		t.Fatalf("unexpected row: %+v", row)
	}
	if row.TotalCost <= 0 || row.PricingTemplateID != "builtin_claude" {
		t.Fatalf("expected priced row against builtin_claude, got %+v", row)
	}
}

func TestRecordPricingMissStillSucceeds(t *testing.T) {
	rec, db, _ := newHarness(t)

	reqBody := []byte(`{"model":"claude-experimental-2099"}`)
	sse := []byte(`data: {"type":"message_start","message":{"id":"m1","usage":{"input_tokens":10,"output_tokens":1}}}` + "\n")

	ctx := recorder.RequestContext{ToolID: "claude-code", SessionID: "s3", RequestBody: reqBody}
	rec.Record(ctx, 200, "OK", recorder.ParsedResponse{Kind: recorder.KindSSE, SSEBytes: sse})

	time.Sleep(20 * time.Millisecond)
	rows, err := db.RecentForSession(context.Background(), "claude-code", "s3", 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	row := rows[0]
	if row.Status != "success" || row.TotalCost != 0 || row.PricingTemplateID != "" {
		t.Fatalf("expected zero-cost success row on pricing miss, got %+v", row)
	}
}
