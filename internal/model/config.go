package model

import (
	"fmt"
	"time"
)

// Config is the complete tributary configuration tree
type Config struct {
	HTTP       HTTPConfig       `json:"http" yaml:"http"`
	Rate       RatePolicy       `json:"rate" yaml:"rate"` // Default policy for sources that omit one
	Manager    ManagerConfig    `json:"manager" yaml:"manager"`
	Dedup      DedupConfig      `json:"dedup" yaml:"dedup"`
	Enrichment EnrichmentConfig `json:"enrichment" yaml:"enrichment"`
	Storage    StorageConfig    `json:"storage" yaml:"storage"`
	Ops        OpsConfig        `json:"ops" yaml:"ops"`
	Sources    []DataSource     `json:"sources" yaml:"sources"`
}

// HTTPConfig controls outbound HTTP behavior shared by all connectors
type HTTPConfig struct {
	Timeout      time.Duration `json:"timeout" yaml:"timeout"`
	UserAgent    string        `json:"user_agent" yaml:"user_agent"`
	MaxBodyBytes int64         `json:"max_body_bytes" yaml:"max_body_bytes"`
	HTTPProxy    string        `json:"http_proxy,omitempty" yaml:"http_proxy,omitempty"`
	HTTPSProxy   string        `json:"https_proxy,omitempty" yaml:"https_proxy,omitempty"`
	InsecureTLS  bool          `json:"insecure_tls,omitempty" yaml:"insecure_tls,omitempty"`
}

// ManagerConfig bounds run concurrency and the retry/circuit policy
type ManagerConfig struct {
	MaxConcurrentRuns int           `json:"max_concurrent_runs" yaml:"max_concurrent_runs"`
	ItemWorkers       int           `json:"item_workers" yaml:"item_workers"` // Parallel enrich+persist per run
	MaxAttempts       int           `json:"max_attempts" yaml:"max_attempts"` // Transient retry budget per batch
	BackoffBase       time.Duration `json:"backoff_base" yaml:"backoff_base"`
	BackoffMax        time.Duration `json:"backoff_max" yaml:"backoff_max"`
	SuspendThreshold  int           `json:"suspend_threshold" yaml:"suspend_threshold"`   // Consecutive failed runs before the circuit opens
	CooldownCadences  int           `json:"cooldown_cadences" yaml:"cooldown_cadences"`   // Suspension length in units of source cadence
}

// DedupConfig controls fingerprint retention
type DedupConfig struct {
	Retention    time.Duration `json:"retention" yaml:"retention"`           // Rolling window for DedupRecords
	MaxItemAge   time.Duration `json:"max_item_age" yaml:"max_item_age"`     // Conservative eviction margin
	BodyPrefix   int           `json:"body_prefix" yaml:"body_prefix"`       // Bytes of body hashed into the fingerprint
	MinBodyBytes int           `json:"min_body_bytes" yaml:"min_body_bytes"` // Below this, fall back to the canonical URL
}

// EnrichmentConfig configures the text-analysis gateway
type EnrichmentConfig struct {
	Provider            string        `json:"provider,omitempty" yaml:"provider,omitempty"` // "openai" or "" (disabled)
	Model               string        `json:"model,omitempty" yaml:"model,omitempty"`
	APIKey              string        `json:"-" yaml:"-"` // From environment only, never serialized
	BaseURL             string        `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Timeout             time.Duration `json:"timeout" yaml:"timeout"`
	MaxDeferredAttempts int           `json:"max_deferred_attempts" yaml:"max_deferred_attempts"`
	SweepInterval       time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
}

// StorageConfig locates the backing store
type StorageConfig struct {
	Path     string `json:"path" yaml:"path"`
	InMemory bool   `json:"in_memory,omitempty" yaml:"in_memory,omitempty"` // Tests only
}

// OpsConfig configures the operational HTTP surface
type OpsConfig struct {
	Listen string `json:"listen" yaml:"listen"` // "" disables the server
}

// DefaultConfig returns the built-in defaults, overridden by config file,
// environment, and flags in that order
func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Timeout:      30 * time.Second,
			UserAgent:    "Tributary/0.1 (+https://github.com/ppiankov/tributary)",
			MaxBodyBytes: 2_000_000,
		},
		Rate: RatePolicy{
			RequestsPerSecond: 1,
			Burst:             3,
			MaxConcurrent:     2,
			MaxWait:           30 * time.Second,
		},
		Manager: ManagerConfig{
			MaxConcurrentRuns: 4,
			ItemWorkers:       4,
			MaxAttempts:       3,
			BackoffBase:       500 * time.Millisecond,
			BackoffMax:        30 * time.Second,
			SuspendThreshold:  3,
			CooldownCadences:  3,
		},
		Dedup: DedupConfig{
			Retention:    30 * 24 * time.Hour,
			MaxItemAge:   7 * 24 * time.Hour,
			BodyPrefix:   512,
			MinBodyBytes: 64,
		},
		Enrichment: EnrichmentConfig{
			Timeout:             15 * time.Second,
			MaxDeferredAttempts: 5,
			SweepInterval:       10 * time.Minute,
		},
		Storage: StorageConfig{
			Path: "./tributary-data",
		},
		Ops: OpsConfig{
			Listen: "127.0.0.1:8390",
		},
	}
}

// ApplyDefaults fills zero-valued per-source settings from the global
// defaults and validates every source definition
func (c *Config) ApplyDefaults() error {
	seen := make(map[string]bool, len(c.Sources))
	for i := range c.Sources {
		src := &c.Sources[i]
		if src.Rate.RequestsPerSecond == 0 {
			src.Rate.RequestsPerSecond = c.Rate.RequestsPerSecond
		}
		if src.Rate.Burst == 0 {
			src.Rate.Burst = c.Rate.Burst
		}
		if src.Rate.MaxConcurrent == 0 {
			src.Rate.MaxConcurrent = c.Rate.MaxConcurrent
		}
		if src.Rate.MaxWait == 0 {
			src.Rate.MaxWait = c.Rate.MaxWait
		}
		if err := src.Validate(); err != nil {
			return fmt.Errorf("source %q: %w", src.ID, err)
		}
		if seen[src.ID] {
			return fmt.Errorf("source %q: duplicate id", src.ID)
		}
		seen[src.ID] = true
	}
	return nil
}

// Source returns the source with the given id, nil if absent
func (c *Config) Source(id string) *DataSource {
	for i := range c.Sources {
		if c.Sources[i].ID == id {
			return &c.Sources[i]
		}
	}
	return nil
}
