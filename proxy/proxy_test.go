package proxy_test

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/duckcoding/proxyfleet/ledger"
	"github.com/duckcoding/proxyfleet/pricing"
	"github.com/duckcoding/proxyfleet/proxy"
	"github.com/duckcoding/proxyfleet/session"
	"github.com/duckcoding/proxyfleet/tokenproc"
	"github.com/duckcoding/proxyfleet/toolconfig"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func newHarness(t *testing.T, upstreamURL string) (*proxy.Manager, *toolconfig.Store, *ledger.DB, int) {
	t.Helper()
	dir := t.TempDir()
	log := zerolog.New(io.Discard)

	store := toolconfig.NewStore(dir, log)
	if err := store.Load(); err != nil {
		t.Fatalf("load toolconfig: %v", err)
	}
	port := freePort(t)
	if err := store.Set("claude-code", &toolconfig.ToolProxyConfig{
		Port:              port,
		LocalSharedSecret: "local-secret",
		UpstreamBaseURL:   upstreamURL,
		UpstreamAPIKey:    "sk-upstream",
		Enabled:           true,
	}); err != nil {
		t.Fatalf("set toolconfig: %v", err)
	}

	sessions := session.NewManager(dir, log, nil)
	if err := sessions.Load(); err != nil {
		t.Fatalf("load sessions: %v", err)
	}
	sessions.Start(context.Background())
	t.Cleanup(sessions.Stop)

	pricingStore := pricing.NewStore(dir, log)
	if err := pricingStore.Load(); err != nil {
		t.Fatalf("load pricing: %v", err)
	}

	db, err := ledger.Open(filepath.Join(dir, "token_stats.db"), log)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	writer := ledger.NewWriter(db, log, 1, time.Millisecond, time.Hour)
	writer.Start(context.Background())
	t.Cleanup(writer.Stop)

	mgr := proxy.NewManager(store, sessions, tokenproc.NewRegistry(), pricingStore, writer, 20*time.Millisecond, log)
	return mgr, store, db, port
}

func waitListening(t *testing.T, port int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", "127.0.0.1:"+strconv.Itoa(port), 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("listener on port %d never came up", port)
}

func TestAuthRejectsMissingCredentials(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream should never be reached for an unauthenticated request")
	}))
	defer upstream.Close()

	mgr, _, _, port := newHarness(t, upstream.URL)
	if err := mgr.Start("claude-code"); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer mgr.StopAll()
	waitListening(t, port)

	resp, err := http.Get("http://127.0.0.1:" + strconv.Itoa(port) + "/v1/messages")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestDenylistedPathReturns403(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream should never be reached for a denylisted path")
	}))
	defer upstream.Close()

	mgr, _, _, port := newHarness(t, upstream.URL)
	if err := mgr.Start("claude-code"); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer mgr.StopAll()
	waitListening(t, port)

	req, _ := http.NewRequest(http.MethodPost, "http://127.0.0.1:"+strconv.Itoa(port)+"/v1/messages/count_tokens", nil)
	req.Header.Set("Authorization", "Bearer local-secret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

func TestLoopDetectionReturns508(t *testing.T) {
	mgr, store, _, port := newHarness(t, "")
	// Point the tool's upstream at its own listening port to trigger the
	// loop guard before any listener exists to answer it.
	cfg, _ := store.Get("claude-code")
	cfg.UpstreamBaseURL = "http://127.0.0.1:" + strconv.Itoa(port)
	if err := store.Set("claude-code", cfg); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := mgr.Start("claude-code"); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer mgr.StopAll()
	waitListening(t, port)

	req, _ := http.NewRequest(http.MethodPost, "http://127.0.0.1:"+strconv.Itoa(port)+"/v1/messages", nil)
	req.Header.Set("Authorization", "Bearer local-secret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusLoopDetected {
		t.Fatalf("expected 508, got %d", resp.StatusCode)
	}
}

func TestHappyPathRecordsUsage(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-upstream" {
			t.Errorf("expected rewritten Authorization header, got %q", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"m1","usage":{"input_tokens":100,"output_tokens":20}}`))
	}))
	defer upstream.Close()

	mgr, _, db, port := newHarness(t, upstream.URL)
	if err := mgr.Start("claude-code"); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer mgr.StopAll()
	waitListening(t, port)

	body := []byte(`{"model":"claude-3-5-sonnet-20241022","metadata":{"user_id":"u_session_abc"}}`)
	req, _ := http.NewRequest(http.MethodPost, "http://127.0.0.1:"+strconv.Itoa(port)+"/v1/messages", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer local-secret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	time.Sleep(50 * time.Millisecond)
	rows, err := db.RecentForSession(context.Background(), "claude-code", "abc", 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0].InputTokens != 100 || rows[0].OutputTokens != 20 {
		t.Fatalf("unexpected row: %+v", rows[0])
	}
}

func TestAmpRecordsUsageAgainstClassifiedSubProvider(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"m1","usage":{"input_tokens":40,"output_tokens":5}}`))
	}))
	defer upstream.Close()

	mgr, store, db, _ := newHarness(t, upstream.URL)
	ampPort := freePort(t)
	if err := store.Set("amp", &toolconfig.ToolProxyConfig{
		Port:              ampPort,
		LocalSharedSecret: "amp-secret",
		Enabled:           true,
	}); err != nil {
		t.Fatalf("set amp toolconfig: %v", err)
	}

	if err := mgr.Start("amp"); err != nil {
		t.Fatalf("start amp: %v", err)
	}
	defer mgr.StopAll()
	waitListening(t, ampPort)

	// A /v1/messages path classifies as claude-code (reqproc.Classify),
	// even though the listener's own tool id is "amp".
	body := []byte(`{"model":"claude-3-5-sonnet-20241022","metadata":{"user_id":"u_session_xyz"}}`)
	req, _ := http.NewRequest(http.MethodPost, "http://127.0.0.1:"+strconv.Itoa(ampPort)+"/v1/messages", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer amp-secret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	time.Sleep(50 * time.Millisecond)
	rows, err := db.RecentForSession(context.Background(), "amp", "xyz", 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row recorded under the amp tool id, got %d", len(rows))
	}
	if rows[0].Status != "success" {
		t.Fatalf("expected a success row, not %q (amp token accounting must not fall back to parse_error)", rows[0].Status)
	}
	if rows[0].InputTokens != 40 || rows[0].OutputTokens != 5 {
		t.Fatalf("unexpected row: %+v", rows[0])
	}
}
