package cli

import (
	"fmt"
	"log/slog"

	"github.com/ppiankov/tributary/internal/connector"
	"github.com/ppiankov/tributary/internal/dedup"
	"github.com/ppiankov/tributary/internal/enrich"
	"github.com/ppiankov/tributary/internal/limiter"
	"github.com/ppiankov/tributary/internal/manager"
	"github.com/ppiankov/tributary/internal/metrics"
	"github.com/ppiankov/tributary/internal/model"
	"github.com/ppiankov/tributary/internal/store"
	"github.com/ppiankov/tributary/internal/util"
)

// app wires the full ingestion stack from one configuration. Commands
// build it, use what they need, and Close it on the way out.
type app struct {
	cfg     *model.Config
	logger  *slog.Logger
	backend *store.Backend

	items   *store.ItemRepository
	runs    *store.RunRepository
	states  *store.StateRepository
	metrics *metrics.Registry
	gateway *enrich.Gateway
	sweeper *enrich.Sweeper
	manager *manager.Manager

	connDeps connector.Deps
}

func newApp(cfg *model.Config, logger *slog.Logger) (*app, error) {
	backend, err := store.Open(cfg.Storage.Path, cfg.Storage.InMemory)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		backend: backend,
		items:   store.NewItemRepository(backend),
		runs:    store.NewRunRepository(backend),
		states:  store.NewStateRepository(backend),
		metrics: metrics.NewRegistry(),
	}

	provider, err := enrich.NewProvider(cfg.Enrichment)
	if err != nil {
		backend.Close()
		return nil, fmt.Errorf("enrichment provider: %w", err)
	}
	a.gateway = enrich.NewGateway(provider, cfg.Enrichment.Timeout, logger)
	a.sweeper = enrich.NewSweeper(a.gateway, a.items, cfg.Enrichment.SweepInterval, cfg.Enrichment.MaxDeferredAttempts, logger)

	a.connDeps = connector.Deps{
		HTTP:   cfg.HTTP,
		Robots: util.NewRobotsChecker(cfg.HTTP.UserAgent, cfg.HTTP.Timeout, 0),
		Fingerprint: dedup.FingerprintConfig{
			BodyPrefix:   cfg.Dedup.BodyPrefix,
			MinBodyBytes: cfg.Dedup.MinBodyBytes,
		},
	}

	a.manager, err = manager.New(cfg, manager.Deps{
		Limiter: limiter.New(cfg.Rate),
		// Fingerprints outlive the retention window by the max item age
		// so resurfacing items never read as new
		Index: dedup.NewBadgerIndex(backend, cfg.Dedup.Retention+cfg.Dedup.MaxItemAge),
		Gateway: a.gateway,
		Items:   a.items,
		Runs:    a.runs,
		States:  a.states,
		Metrics: a.metrics,
		Logger:  logger,
		Conn:    a.connDeps,
	})
	if err != nil {
		backend.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) Close() {
	if err := a.backend.Close(); err != nil {
		a.logger.Error("close storage", "error", err)
	}
}
