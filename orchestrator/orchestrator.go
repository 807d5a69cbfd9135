// Package orchestrator wires every subsystem together at startup and
// coordinates graceful shutdown, generalizing the teacher's main.go
// (Redis → registry → router → background pollers → signal wait →
// ordered shutdown) into the proxy fleet's own dependency graph: ledger
// DB → pricing store → session manager → proxy fleet → schedulers.
package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rs/zerolog"

	"github.com/duckcoding/proxyfleet/checkin"
	"github.com/duckcoding/proxyfleet/config"
	"github.com/duckcoding/proxyfleet/ledger"
	"github.com/duckcoding/proxyfleet/pricing"
	"github.com/duckcoding/proxyfleet/proxy"
	"github.com/duckcoding/proxyfleet/redisclient"
	"github.com/duckcoding/proxyfleet/session"
	"github.com/duckcoding/proxyfleet/tokenproc"
	"github.com/duckcoding/proxyfleet/toolconfig"
)

// App holds every long-lived subsystem started by Start, so Shutdown can
// tear them down in reverse dependency order.
type App struct {
	cfg    *config.Config
	logger zerolog.Logger

	redis *redisclient.Client

	ToolConfig *toolconfig.Store
	Sessions   *session.Manager
	Pricing    *pricing.Store
	Ledger     *ledger.DB
	Writer     *ledger.Writer
	Proxies    *proxy.Manager
	Checkins   *checkin.Scheduler
	syncer     *pricing.Syncer
}

// New builds every subsystem; Start launches them. Independent initialization
// steps (pricing load, toolconfig load, session load) run concurrently
// via errgroup, mirroring how the teacher's registerProviders loop
// registers independent providers before the router is built — here the
// independence is formalized with errgroup instead of sequential calls.
func New(cfg *config.Config, logger zerolog.Logger) (*App, error) {
	app := &App{cfg: cfg, logger: logger}

	if cfg.RedisURL != "" {
		rc, err := redisclient.New(cfg)
		if err != nil {
			logger.Warn().Err(err).Msg("redis init failed — continuing without Redis")
		} else if err := rc.Ping(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("redis ping failed — continuing without Redis")
		} else {
			app.redis = rc
			logger.Info().Msg("redis connected")
		}
	}

	app.ToolConfig = toolconfig.NewStore(cfg.DataDir, logger)
	app.Sessions = session.NewManager(cfg.DataDir, logger, app.redis)
	app.Pricing = pricing.NewStore(cfg.DataDir, logger)

	g, _ := errgroup.WithContext(context.Background())
	g.Go(app.ToolConfig.Load)
	g.Go(app.Sessions.Load)
	g.Go(app.Pricing.Load)
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("startup init: %w", err)
	}

	if err := app.ToolConfig.Watch(); err != nil {
		logger.Warn().Err(err).Msg("tool config file watch unavailable")
	}

	db, err := ledger.Open(filepath.Join(cfg.DataDir, "token_stats.db"), logger)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	app.Ledger = db
	app.Writer = ledger.NewWriter(db, logger, cfg.LedgerFlushRows, cfg.LedgerFlushEvery, cfg.LedgerCheckpointEvery)

	app.syncer = pricing.NewSyncer(app.Pricing, cfg.DataDir, cfg.RemotePricingURL, logger)

	app.Proxies = proxy.NewManager(
		app.ToolConfig,
		app.Sessions,
		tokenproc.NewRegistry(),
		app.Pricing,
		app.Writer,
		cfg.SSESettleDelay,
		logger,
	)

	providerStore := checkin.NewFileStore(cfg.DataDir, logger)
	if err := providerStore.Load(); err != nil {
		return nil, fmt.Errorf("load checkin providers: %w", err)
	}
	app.Checkins = checkin.NewScheduler(providerStore, cfg.CheckinHTTPTimeout, cfg.CheckinTickEvery, logger)

	return app, nil
}

// Start launches the proxy fleet and every background task. Ordering
// matters here (unlike the independent Load calls in New): listeners
// must not accept traffic before the ledger writer is ready to receive
// rows from the recorder they invoke.
func (a *App) Start(ctx context.Context) error {
	a.Sessions.Start(ctx)
	a.Writer.Start(ctx)

	if err := a.Proxies.StartAll(); err != nil {
		return fmt.Errorf("start proxy fleet: %w", err)
	}

	go a.syncer.Run(ctx)
	a.Checkins.Start()

	a.logger.Info().Msg("duckcoding proxy fleet started")
	return nil
}

// Shutdown stops every subsystem in reverse dependency order, draining
// the ledger writer last so no in-flight recorder call loses its row.
func (a *App) Shutdown(ctx context.Context) {
	a.Checkins.Stop()
	a.Proxies.StopAll()
	a.Sessions.Stop()

	a.Writer.Stop()
	if err := a.Ledger.Checkpoint(ctx, "TRUNCATE"); err != nil {
		a.logger.Warn().Err(err).Msg("final checkpoint failed")
	}
	if err := a.Ledger.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("error closing ledger")
	}
	if err := a.ToolConfig.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("error closing tool config watcher")
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("error closing redis client")
		}
	}

	a.logger.Info().Msg("duckcoding proxy fleet stopped gracefully")
}

// GracefulTimeout is how long Shutdown is allotted end to end, analogous
// to the teacher's cfg.GracefulTimeout used around srv.Shutdown.
const GracefulTimeout = 15 * time.Second
