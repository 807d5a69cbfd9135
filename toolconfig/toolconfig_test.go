package toolconfig_test

import (
	"io"
	"testing"

	"github.com/rs/zerolog"

	"github.com/duckcoding/proxyfleet/toolconfig"
)

func TestSetAndGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	log := zerolog.New(io.Discard)
	store := toolconfig.NewStore(dir, log)
	if err := store.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	cfg := &toolconfig.ToolProxyConfig{
		Port:              8317,
		LocalSharedSecret: "local-secret",
		UpstreamBaseURL:   "https://api.anthropic.com",
		UpstreamAPIKey:    "sk-upstream",
		Enabled:           true,
	}
	if err := store.Set("claude-code", cfg); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, ok := store.Get("claude-code")
	if !ok {
		t.Fatal("expected claude-code config to exist")
	}
	if got.Port != 8317 || got.UpstreamBaseURL != "https://api.anthropic.com" {
		t.Fatalf("unexpected config: %+v", got)
	}

	// Reload from disk into a fresh store to confirm persistence.
	reloaded := toolconfig.NewStore(dir, log)
	if err := reloaded.Load(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	got2, ok := reloaded.Get("claude-code")
	if !ok || got2.UpstreamAPIKey != "sk-upstream" {
		t.Fatalf("expected persisted config to survive reload, got %+v", got2)
	}
}

func TestOnChangeFiresOnSet(t *testing.T) {
	dir := t.TempDir()
	log := zerolog.New(io.Discard)
	store := toolconfig.NewStore(dir, log)
	_ = store.Load()

	fired := make(chan string, 1)
	store.OnChange(func(toolID string, cfg *toolconfig.ToolProxyConfig) {
		fired <- toolID
	})

	_ = store.Set("codex", &toolconfig.ToolProxyConfig{Port: 8318})

	select {
	case id := <-fired:
		if id != "codex" {
			t.Fatalf("expected codex, got %s", id)
		}
	default:
		t.Fatal("expected OnChange listener to fire synchronously")
	}
}

func TestSnapshotIsolation(t *testing.T) {
	dir := t.TempDir()
	log := zerolog.New(io.Discard)
	store := toolconfig.NewStore(dir, log)
	_ = store.Load()
	_ = store.Set("gemini-cli", &toolconfig.ToolProxyConfig{Port: 8319})

	snap, _ := store.Get("gemini-cli")
	snap.Port = 9999

	got, _ := store.Get("gemini-cli")
	if got.Port != 8319 {
		t.Fatalf("mutating a snapshot must not affect the store, got port %d", got.Port)
	}
}
