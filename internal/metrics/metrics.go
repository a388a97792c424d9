// Package metrics accumulates per-source counters and run latencies for
// external dashboards. This core emits numbers; it never renders them.
package metrics

import (
	"sync"
	"time"

	"github.com/ppiankov/tributary/internal/model"
)

// SourceSnapshot is one source's accumulated numbers
type SourceSnapshot struct {
	Fetched     int64         `json:"fetched"`
	Duplicate   int64         `json:"duplicate"`
	Enriched    int64         `json:"enriched"`
	Deferred    int64         `json:"deferred"`
	Failed      int64         `json:"failed"`
	Persisted   int64         `json:"persisted"`
	Runs        int64         `json:"runs"`
	FailedRuns  int64         `json:"failed_runs"`
	LastRunTime time.Duration `json:"last_run_ns"`
	TotalTime   time.Duration `json:"total_run_ns"`
}

type sourceMetrics struct {
	mu   sync.Mutex
	snap SourceSnapshot
}

// Registry tracks metrics per source. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]*sourceMetrics
}

// NewRegistry creates an empty metrics registry
func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]*sourceMetrics)}
}

// RecordRun folds one finished run into the source counters
func (r *Registry) RecordRun(sourceID string, counts model.RunCounts, outcome model.RunOutcome, elapsed time.Duration) {
	sm := r.get(sourceID)
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.snap.Fetched += int64(counts.Fetched)
	sm.snap.Duplicate += int64(counts.Duplicate)
	sm.snap.Enriched += int64(counts.Enriched)
	sm.snap.Deferred += int64(counts.Deferred)
	sm.snap.Failed += int64(counts.Failed)
	sm.snap.Persisted += int64(counts.Persisted)
	sm.snap.Runs++
	if outcome == model.OutcomeFailed {
		sm.snap.FailedRuns++
	}
	sm.snap.LastRunTime = elapsed
	sm.snap.TotalTime += elapsed
}

// Snapshot returns a copy of all per-source numbers
func (r *Registry) Snapshot() map[string]SourceSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]SourceSnapshot, len(r.sources))
	for id, sm := range r.sources {
		sm.mu.Lock()
		out[id] = sm.snap
		sm.mu.Unlock()
	}
	return out
}

// Source returns the snapshot for one source
func (r *Registry) Source(sourceID string) SourceSnapshot {
	sm := r.get(sourceID)
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.snap
}

func (r *Registry) get(sourceID string) *sourceMetrics {
	r.mu.RLock()
	sm, exists := r.sources[sourceID]
	r.mu.RUnlock()
	if exists {
		return sm
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if sm, exists := r.sources[sourceID]; exists {
		return sm
	}
	sm = &sourceMetrics{}
	r.sources[sourceID] = sm
	return sm
}
