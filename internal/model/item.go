package model

import "time"

// RawItem is one fetched unit (article or API record). Immutable once a
// connector produces it; consumed exactly once by the dedup stage.
type RawItem struct {
	SourceID    string    `json:"source_id"`
	FetchedAt   time.Time `json:"fetched_at"`
	Title       string    `json:"title"`
	Body        string    `json:"body,omitempty"`
	URL         string    `json:"url"`
	PublishedAt time.Time `json:"published_at,omitempty"`
	Locale      string    `json:"locale,omitempty"`
	Fingerprint string    `json:"fingerprint"` // Content/URL fingerprint, set by the connector
}

// EnrichmentStatus tracks the outcome of the text-analysis step
type EnrichmentStatus string

const (
	EnrichmentDone     EnrichmentStatus = "enriched" // Enrichment completed
	EnrichmentDeferred EnrichmentStatus = "deferred" // Enrichment failed/timed out, retried by the sweeper
	EnrichmentFailed   EnrichmentStatus = "failed"   // Deferred retries exhausted, permanent
)

// Enrichment is the output of the external text-analysis capability
type Enrichment struct {
	Entities   []string `json:"entities,omitempty"`
	Sentiment  float64  `json:"sentiment"` // -1 (negative) .. 1 (positive)
	Topics     []string `json:"topics,omitempty"`
	Difficulty int      `json:"difficulty,omitempty"` // Reading difficulty 1-10
}

// EnrichedItem is a RawItem plus its enrichment result or failure marker.
// Enrichment failure never blocks persistence; the item is stored with
// status deferred and picked up by the background sweep.
type EnrichedItem struct {
	RawItem
	Enrichment       *Enrichment      `json:"enrichment,omitempty"`
	EnrichmentStatus EnrichmentStatus `json:"enrichment_status"`
	EnrichAttempts   int              `json:"enrich_attempts,omitempty"` // Deferred retry count
	PersistedAt      time.Time        `json:"persisted_at,omitempty"`
}
