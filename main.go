/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Process entry point: load config, start logging, open
             the event-sourced engine (registry + event log +
             projection + selection + delivery pump), start the
             delivery pump, serve HTTP, and shut down gracefully on
             SIGINT/SIGTERM.
Root Cause:  Single composition point wiring every package into a
             running process.
Context:     Entry point wiring config → logger → engine → httpapi →
             HTTP server with OS signal handling.
Suitability: L3 model for graceful shutdown and system wiring.
──────────────────────────────────────────────────────────────
*/

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/crystalford/flyback/config"
	"github.com/crystalford/flyback/delivery"
	"github.com/crystalford/flyback/engine"
	"github.com/crystalford/flyback/httpapi"
	"github.com/crystalford/flyback/logger"
	"github.com/crystalford/flyback/metrics"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg)

	log.Info().Str("env", cfg.Env).Str("role", cfg.Role).Msg("flyback starting")

	eng, err := engine.Open(engine.Options{
		DataDir:          cfg.DataDir,
		Role:             cfg.Role,
		LockTimeout:      cfg.LockTimeout,
		LockRetry:        cfg.LockRetry,
		SnapshotInterval: cfg.SnapshotInterval,
		Webhook: delivery.Options{
			Dir:          cfg.DataDir,
			URL:          cfg.WebhookURL,
			Timeout:      cfg.WebhookTimeout,
			Secret:       cfg.WebhookSecret,
			MaxRetries:   cfg.WebhookMaxRetry,
			BaseBackoff:  cfg.WebhookBaseBack,
			MaxBackoff:   cfg.WebhookMaxBack,
			TickInterval: cfg.WebhookTick,
		},
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open engine")
	}

	ctx, cancelBackground := context.WithCancel(context.Background())
	eng.Start(ctx)

	m := metrics.New()
	r := httpapi.NewRouter(cfg, eng, m, log)

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("flyback listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-done
	log.Info().Msg("shutdown signal received")

	cancelBackground()
	eng.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	} else {
		log.Info().Msg("flyback stopped gracefully")
	}
}
