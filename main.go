package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/duckcoding/proxyfleet/config"
	"github.com/duckcoding/proxyfleet/logger"
	"github.com/duckcoding/proxyfleet/orchestrator"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg)

	log.Info().Str("env", cfg.Env).Str("data_dir", cfg.DataDir).Msg("duckcoding proxy fleet starting")

	app, err := orchestrator.New(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize proxy fleet")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start proxy fleet")
	}

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), orchestrator.GracefulTimeout)
	defer cancel()
	app.Shutdown(shutdownCtx)
}
