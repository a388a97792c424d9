package enrich

import (
	"context"
	"log/slog"
	"time"

	"github.com/ppiankov/tributary/internal/model"
)

// Gateway wraps a Provider with a hard timeout. Failure or timeout
// yields an EnrichedItem with status deferred; the item is always
// returned and can always be persisted.
type Gateway struct {
	provider Provider
	timeout  time.Duration
	logger   *slog.Logger
}

// NewGateway creates an enrichment gateway. provider may be nil, which
// disables enrichment entirely.
func NewGateway(provider Provider, timeout time.Duration, logger *slog.Logger) *Gateway {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		provider: provider,
		timeout:  timeout,
		logger:   logger,
	}
}

// Enabled reports whether a provider is configured
func (g *Gateway) Enabled() bool {
	return g.provider != nil
}

// Enrich analyzes one item within the gateway timeout. The returned
// item is always usable for persistence; err is informational.
func (g *Gateway) Enrich(ctx context.Context, raw model.RawItem, locale string) (model.EnrichedItem, error) {
	item := model.EnrichedItem{
		RawItem:          raw,
		EnrichmentStatus: model.EnrichmentDone,
	}
	if g.provider == nil {
		return item, nil
	}

	enrichCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	text := raw.Title
	if raw.Body != "" {
		text += "\n\n" + raw.Body
	}

	enrichment, err := g.provider.Analyze(enrichCtx, text, locale)
	if err != nil {
		g.logger.Warn("enrichment deferred",
			"source", raw.SourceID,
			"fingerprint", raw.Fingerprint,
			"error", err)
		item.EnrichmentStatus = model.EnrichmentDeferred
		item.EnrichAttempts = 1
		return item, err
	}

	item.Enrichment = enrichment
	return item, nil
}
