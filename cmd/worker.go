package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/compresr/credit-reconciler/internal/config"
	"github.com/compresr/credit-reconciler/internal/queue"
)

// runWorkerCommand consumes the SQS queue until SIGINT/SIGTERM.
func runWorkerCommand(args []string) {
	opts, err := parseCommonOptions(args)
	if err != nil {
		fatal(err)
	}
	cfg := loadConfig(opts)
	if cfg.Queue.URL == "" {
		fatal(errors.New("queue.url is required for the worker"))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		fatal(err)
	}
	if err := a.closeAfter(func() error { return work(ctx, cfg, a) }); err != nil {
		fatal(err)
	}
}

// work runs the consumer until ctx is cancelled, then drains it.
func work(ctx context.Context, cfg *config.Config, a *app) error {
	consumer, err := queue.NewFromConfig(ctx, cfg.Queue, a.harness)
	if err != nil {
		return err
	}

	var statsServer *http.Server
	if cfg.Worker.StatsAddr != "" {
		statsServer = &http.Server{
			Addr:              cfg.Worker.StatsAddr,
			Handler:           a.metrics.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info().Str("addr", cfg.Worker.StatsAddr).Msg("stats server listening")
			if err := statsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("stats server failed")
			}
		}()
	}

	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	<-ctx.Done()
	log.Info().Dur("timeout", cfg.Worker.ShutdownTimeout).Msg("shutdown: draining in-flight batch")

	select {
	case err := <-done:
		if err != nil {
			log.Error().Err(err).Msg("shutdown: consumer error")
		}
	case <-time.After(cfg.Worker.ShutdownTimeout):
		log.Warn().Msg("shutdown: timed out, unfinished messages will be redelivered")
	}

	if statsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = statsServer.Shutdown(shutdownCtx)
	}

	stats := a.metrics.FullStats()
	fmt.Fprintf(os.Stderr, "processed %d messages (%d failed), %d settlements\n",
		stats.Messages.Received, stats.Messages.Failed, stats.Settlements.Committed)
	return nil
}
