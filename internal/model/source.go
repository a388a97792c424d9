package model

import "time"

// SourceKind selects the connector variant for a source
type SourceKind string

const (
	KindAPI     SourceKind = "api"     // Rate-limited REST/government API
	KindScraper SourceKind = "scraper" // HTML news site
)

// HealthStatus reflects the recent run history of a source
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"   // Last run succeeded
	HealthDegraded  HealthStatus = "degraded"  // Recent failures below the circuit threshold
	HealthSuspended HealthStatus = "suspended" // Circuit open, skipped by the scheduler
)

// RatePolicy bounds request cadence and in-flight concurrency per source
type RatePolicy struct {
	RequestsPerSecond float64       `json:"requests_per_second" yaml:"requests_per_second"` // Sustained refill rate
	Burst             int           `json:"burst" yaml:"burst"`                             // Bucket capacity
	MaxConcurrent     int           `json:"max_concurrent" yaml:"max_concurrent"`           // In-flight request ceiling
	MaxWait           time.Duration `json:"max_wait" yaml:"max_wait"`                       // Longest a caller blocks for a token
}

// FieldMap maps API response fields onto RawItem fields
type FieldMap struct {
	Items     string `json:"items,omitempty" yaml:"items,omitempty"`         // Path to the item array ("" = top-level array)
	Title     string `json:"title,omitempty" yaml:"title,omitempty"`         // Default "title"
	Body      string `json:"body,omitempty" yaml:"body,omitempty"`           // Default "body"
	URL       string `json:"url,omitempty" yaml:"url,omitempty"`             // Default "url"
	Published string `json:"published,omitempty" yaml:"published,omitempty"` // Default "published_at", RFC 3339
	Cursor    string `json:"cursor,omitempty" yaml:"cursor,omitempty"`       // Path to the next-page cursor
}

// Selectors locates article fragments inside a scraped page
type Selectors struct {
	Item  string `json:"item" yaml:"item"`                       // CSS selector for one article block
	Title string `json:"title" yaml:"title"`                     // Title within the item
	Link  string `json:"link" yaml:"link"`                       // Anchor within the item
	Body  string `json:"body,omitempty" yaml:"body,omitempty"`   // Summary/teaser within the item
	Date  string `json:"date,omitempty" yaml:"date,omitempty"`   // Optional publication date node
}

// DataSource is one configured external source. Created at configuration
// load; health and counters are mutated by the SourceManager after every
// run. Sources are never deleted at runtime, only disabled.
type DataSource struct {
	ID        string        `json:"id" yaml:"id"`
	Name      string        `json:"name" yaml:"name"`
	Kind      SourceKind    `json:"kind" yaml:"kind"`
	Endpoint  string        `json:"endpoint" yaml:"endpoint"`
	Cadence   time.Duration `json:"cadence" yaml:"cadence"`
	Rate      RatePolicy    `json:"rate" yaml:"rate"`
	Delay     time.Duration `json:"delay,omitempty" yaml:"delay,omitempty"` // Extra politeness delay between scrape requests
	Locale    string        `json:"locale,omitempty" yaml:"locale,omitempty"`
	Disabled  bool          `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	Fields    FieldMap      `json:"fields,omitempty" yaml:"fields,omitempty"`       // API sources
	Selectors Selectors     `json:"selectors,omitempty" yaml:"selectors,omitempty"` // Scraper sources
}

// SourceState is the mutable, persisted side of a DataSource
type SourceState struct {
	SourceID            string       `json:"source_id"`
	Health              HealthStatus `json:"health"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	SuspendedUntil      time.Time    `json:"suspended_until,omitempty"` // Zero unless the circuit is open
	Cursor              string       `json:"cursor,omitempty"`          // Committed resumption cursor
	LastRunID           string       `json:"last_run_id,omitempty"`
	LastRunAt           time.Time    `json:"last_run_at,omitempty"`
}

// Validate checks a source definition for configuration errors
func (s *DataSource) Validate() error {
	if s.ID == "" {
		return ErrSourceIDRequired
	}
	if s.Endpoint == "" {
		return ErrEndpointRequired
	}
	switch s.Kind {
	case KindAPI, KindScraper:
	default:
		return ErrUnknownSourceKind
	}
	if s.Cadence <= 0 {
		return ErrCadenceRequired
	}
	return nil
}
