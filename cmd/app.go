package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"

	"github.com/compresr/credit-reconciler/internal/config"
	"github.com/compresr/credit-reconciler/internal/conversation"
	"github.com/compresr/credit-reconciler/internal/costcontrol"
	"github.com/compresr/credit-reconciler/internal/ledger"
	"github.com/compresr/credit-reconciler/internal/monitoring"
	"github.com/compresr/credit-reconciler/internal/reconcile"
	"github.com/compresr/credit-reconciler/internal/reservation"
	"github.com/compresr/credit-reconciler/internal/retry"
	"github.com/compresr/credit-reconciler/internal/store"
	"github.com/compresr/credit-reconciler/internal/upstream"
	"github.com/compresr/credit-reconciler/internal/utils"
)

// app holds the wired pipeline shared by every command.
type app struct {
	cfg       *config.Config
	metrics   *monitoring.MetricsCollector
	kv        store.KV
	ledgerIO  io.Closer
	audit     *monitoring.AuditLog
	repo      *reservation.Repository
	committer *reconcile.Committer
	harness   *reconcile.Harness
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	units, err := costcontrol.NewUnits(cfg.Billing.UnitScale, cfg.Billing.MarkupDecimal())
	if err != nil {
		return nil, err
	}

	metrics := monitoring.NewMetricsCollector()

	kv, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	l, ledgerIO, err := ledger.Open(cfg.Ledger, cfg.Retry)
	if err != nil {
		_ = kv.Close()
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	updater := store.NewUpdater(kv, cfg.Store.MaxConflictRetries, metrics)
	repo := reservation.NewRepository(updater, cfg.Store.ReservationsTable)

	client := upstream.NewClient(cfg.Upstream.BaseURL, cfg.Upstream.APIKey, units,
		upstream.WithPath(cfg.Upstream.Path),
		upstream.WithTimeout(cfg.Upstream.Timeout),
		upstream.WithRetryPolicy(retry.FromConfig(cfg.Retry)),
		upstream.WithMetrics(metrics),
	)

	estimator := conversation.NewEstimator(units, nil)
	annotator := conversation.NewAnnotator(updater, cfg.Store.ConversationsTable, units, estimator)

	var audit *monitoring.AuditLog
	if cfg.Worker.AuditLogPath != "" {
		if audit, err = monitoring.NewAuditLog(cfg.Worker.AuditLogPath); err != nil {
			_ = ledgerIO.Close()
			_ = kv.Close()
			return nil, fmt.Errorf("open audit log: %w", err)
		}
	}

	committer := reconcile.NewCommitter(repo, l, cfg.Worker.SettleClaimTTL, metrics).WithAudit(audit)
	engine := reconcile.NewEngine(client, repo, committer, annotator, metrics)

	log.Info().
		Str("store", cfg.Store.Driver).
		Str("ledger", cfg.Ledger.Driver).
		Str("upstream", cfg.Upstream.BaseURL).
		Str("upstream_key", utils.MaskKey(cfg.Upstream.APIKey)).
		Int64("unit_scale", units.Scale).
		Str("markup", units.Markup.String()).
		Msg("reconciler initialized")

	return &app{
		cfg:       cfg,
		metrics:   metrics,
		kv:        kv,
		ledgerIO:  ledgerIO,
		audit:     audit,
		repo:      repo,
		committer: committer,
		harness:   reconcile.NewHarness(engine, cfg.Worker.Concurrency, metrics),
	}, nil
}

func (a *app) sweeper() *reconcile.Sweeper {
	return reconcile.NewSweeper(a.repo, a.committer)
}

// closeAfter runs fn, then closes a. fn's error wins over a close error, which
// is only logged in that case.
func (a *app) closeAfter(fn func() error) error {
	err := fn()
	if cerr := a.Close(); cerr != nil {
		if err == nil {
			return cerr
		}
		log.Warn().Err(cerr).Msg("shutdown: close failed")
	}
	return err
}

func (a *app) Close() error {
	return errors.Join(a.audit.Close(), a.ledgerIO.Close(), a.kv.Close())
}
