package enrich

import (
	"context"
	"log/slog"
	"time"

	"github.com/ppiankov/tributary/internal/model"
	"github.com/ppiankov/tributary/internal/store"
)

// Sweeper re-attempts deferred enrichments on a slower cadence than the
// main pipeline. After maxAttempts an item is marked permanently failed
// and never revisited.
type Sweeper struct {
	gateway     *Gateway
	items       *store.ItemRepository
	interval    time.Duration
	maxAttempts int
	batchSize   int
	logger      *slog.Logger
}

// NewSweeper creates a deferred-enrichment sweeper
func NewSweeper(gateway *Gateway, items *store.ItemRepository, interval time.Duration, maxAttempts int, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		gateway:     gateway,
		items:       items,
		interval:    interval,
		maxAttempts: maxAttempts,
		batchSize:   100,
		logger:      logger,
	}
}

// Run sweeps until the context is cancelled
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("deferred sweep failed", "error", err)
			}
		}
	}
}

// Sweep processes one batch of deferred items and returns how many were
// settled (enriched or permanently failed)
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	if !s.gateway.Enabled() {
		return 0, nil
	}

	deferred, err := s.items.ListDeferred(ctx, s.batchSize)
	if err != nil {
		return 0, err
	}

	settled := 0
	for _, item := range deferred {
		if ctx.Err() != nil {
			return settled, ctx.Err()
		}

		attempts := item.EnrichAttempts
		retried, err := s.gateway.Enrich(ctx, item.RawItem, item.Locale)
		if err != nil {
			attempts++
			item.EnrichAttempts = attempts
			if attempts >= s.maxAttempts {
				item.EnrichmentStatus = model.EnrichmentFailed
				settled++
				s.logger.Warn("enrichment permanently failed",
					"fingerprint", item.Fingerprint,
					"attempts", attempts)
			} else {
				item.EnrichmentStatus = model.EnrichmentDeferred
			}
		} else {
			item.Enrichment = retried.Enrichment
			item.EnrichmentStatus = model.EnrichmentDone
			item.EnrichAttempts = attempts + 1
			settled++
		}

		if err := s.items.Upsert(ctx, item.Fingerprint, item); err != nil {
			return settled, err
		}
	}
	return settled, nil
}
