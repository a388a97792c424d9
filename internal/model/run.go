package model

import "time"

// RunOutcome classifies one finished ingestion run
type RunOutcome string

const (
	OutcomeSuccess        RunOutcome = "success"
	OutcomePartialFailure RunOutcome = "partial_failure" // Retry budget exhausted mid-stream
	OutcomeFailed         RunOutcome = "failed"          // Permanent error or dedup store unavailable
)

// RunCounts tallies per-item outcomes within one run
type RunCounts struct {
	Fetched   int `json:"fetched"`
	Duplicate int `json:"duplicate"`
	Enriched  int `json:"enriched"`
	Deferred  int `json:"deferred"`
	Failed    int `json:"failed"`
	Persisted int `json:"persisted"`
}

// IngestionRun is one execution of one source. Created by the
// SourceManager at run start, finalized at run end, retained as an
// append-only audit trail.
type IngestionRun struct {
	ID           string     `json:"id"`
	SourceID     string     `json:"source_id"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  time.Time  `json:"completed_at,omitempty"`
	Counts       RunCounts  `json:"counts"`
	Outcome      RunOutcome `json:"outcome,omitempty"`
	ErrorSummary string     `json:"error_summary,omitempty"`
}

// Duration returns the wall-clock run time, zero if still running
func (r *IngestionRun) Duration() time.Duration {
	if r.CompletedAt.IsZero() {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}
