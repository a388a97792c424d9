// Package enrich adapts RawItems to the external text-analysis
// capability, with a hard timeout and graceful degradation: enrichment
// failure never causes data loss.
package enrich

import (
	"context"
	"fmt"

	"github.com/ppiankov/tributary/internal/model"
)

// Provider defines the interface for text-analysis backends
type Provider interface {
	// Name returns the provider name
	Name() string

	// Analyze extracts entities, sentiment, topics, and reading
	// difficulty from the text
	Analyze(ctx context.Context, text, locale string) (*model.Enrichment, error)
}

// NewProvider creates a provider from configuration. An empty provider
// name disables enrichment.
func NewProvider(cfg model.EnrichmentConfig) (Provider, error) {
	switch cfg.Provider {
	case "":
		return nil, nil
	case "openai":
		return NewOpenAIProvider(cfg)
	default:
		return nil, fmt.Errorf("unknown enrichment provider: %s", cfg.Provider)
	}
}
