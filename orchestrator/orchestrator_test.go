package orchestrator_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/duckcoding/proxyfleet/config"
	"github.com/duckcoding/proxyfleet/orchestrator"
)

func TestNewWiresEverySubsystem(t *testing.T) {
	cfg := &config.Config{
		Env:                   "test",
		DataDir:               t.TempDir(),
		LedgerFlushRows:       10,
		LedgerFlushEvery:      100 * time.Millisecond,
		LedgerCheckpointEvery: time.Hour,
		CheckinHTTPTimeout:    5 * time.Second,
		CheckinTickEvery:      time.Minute,
		RemotePricingURL:      "https://example.invalid/prices.json",
		SSESettleDelay:        2 * time.Second,
	}
	log := zerolog.New(io.Discard)

	app, err := orchestrator.New(cfg, log)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if app.ToolConfig == nil || app.Sessions == nil || app.Pricing == nil || app.Ledger == nil || app.Writer == nil || app.Proxies == nil || app.Checkins == nil {
		t.Fatal("expected every subsystem to be initialized")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	app.Shutdown(ctx)
}
