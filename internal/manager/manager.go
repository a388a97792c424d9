// Package manager orchestrates ingestion runs. The Manager is the only
// component that makes retry decisions: connectors and stores classify
// their errors, the Manager turns classifications into backoff, run
// outcomes, and circuit state.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ppiankov/tributary/internal/connector"
	"github.com/ppiankov/tributary/internal/dedup"
	"github.com/ppiankov/tributary/internal/enrich"
	"github.com/ppiankov/tributary/internal/ingesterr"
	"github.com/ppiankov/tributary/internal/limiter"
	"github.com/ppiankov/tributary/internal/metrics"
	"github.com/ppiankov/tributary/internal/model"
	"github.com/ppiankov/tributary/internal/store"
)

var (
	ErrUnknownSource   = errors.New("unknown source")
	ErrSourceDisabled  = errors.New("source disabled")
	ErrSourceSuspended = errors.New("source suspended")
	ErrRunInProgress   = errors.New("run already in progress")
)

// Deps carries the Manager's collaborators. Connectors may be
// pre-supplied per source id; missing ones are built from the source
// definition.
type Deps struct {
	Limiter    *limiter.Limiter
	Index      dedup.Index
	Gateway    *enrich.Gateway
	Items      *store.ItemRepository
	Runs       *store.RunRepository
	States     *store.StateRepository
	Metrics    *metrics.Registry
	Logger     *slog.Logger
	Connectors map[string]connector.Connector
	Conn       connector.Deps
}

// Manager executes ingestion runs for configured sources. Safe for
// concurrent use; at most one run per source and MaxConcurrentRuns
// runs overall are in flight at a time. Excess triggers queue on the
// run-slot semaphore, they are never dropped.
type Manager struct {
	cfg     model.ManagerConfig
	limiter *limiter.Limiter
	index   dedup.Index
	gateway *enrich.Gateway
	items   *store.ItemRepository
	runs    *store.RunRepository
	states  *store.StateRepository
	metrics *metrics.Registry
	logger  *slog.Logger

	slots chan struct{}

	mu         sync.Mutex
	sources    map[string]model.DataSource
	order      []string // Source ids in configuration order
	connectors map[string]connector.Connector
	running    map[string]bool
}

// New builds a Manager from configuration, constructing a connector for
// every enabled source
func New(cfg *model.Config, deps Deps) (*Manager, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	maxRuns := cfg.Manager.MaxConcurrentRuns
	if maxRuns <= 0 {
		maxRuns = 1
	}

	m := &Manager{
		cfg:        cfg.Manager,
		limiter:    deps.Limiter,
		index:      deps.Index,
		gateway:    deps.Gateway,
		items:      deps.Items,
		runs:       deps.Runs,
		states:     deps.States,
		metrics:    deps.Metrics,
		logger:     logger,
		slots:      make(chan struct{}, maxRuns),
		sources:    make(map[string]model.DataSource),
		connectors: make(map[string]connector.Connector),
		running:    make(map[string]bool),
	}

	for _, src := range cfg.Sources {
		if src.Disabled {
			continue
		}
		conn := deps.Connectors[src.ID]
		if conn == nil {
			var err error
			conn, err = connector.New(src, deps.Conn)
			if err != nil {
				return nil, fmt.Errorf("build connector: %w", err)
			}
		}
		m.sources[src.ID] = src
		m.order = append(m.order, src.ID)
		m.connectors[src.ID] = conn
		m.limiter.Configure(src.ID, src.Rate)
	}
	return m, nil
}

// Reload swaps the source set for a freshly loaded configuration.
// Runs already in flight finish against their old connector; the
// retry/circuit policy itself is fixed for the process lifetime.
func (m *Manager) Reload(cfg *model.Config, connDeps connector.Deps) error {
	sources := make(map[string]model.DataSource)
	connectors := make(map[string]connector.Connector)
	var order []string

	for _, src := range cfg.Sources {
		if src.Disabled {
			continue
		}
		conn, err := connector.New(src, connDeps)
		if err != nil {
			return fmt.Errorf("build connector: %w", err)
		}
		sources[src.ID] = src
		order = append(order, src.ID)
		connectors[src.ID] = conn
		m.limiter.Configure(src.ID, src.Rate)
	}

	m.mu.Lock()
	m.sources = sources
	m.order = order
	m.connectors = connectors
	m.mu.Unlock()

	m.logger.Info("sources reloaded", "count", len(order))
	return nil
}

// Sources returns the enabled source definitions in configuration order
func (m *Manager) Sources() []model.DataSource {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.DataSource, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.sources[id])
	}
	return out
}

// Status returns the persisted state of one source
func (m *Manager) Status(ctx context.Context, sourceID string) (*model.SourceState, error) {
	m.mu.Lock()
	_, known := m.sources[sourceID]
	m.mu.Unlock()
	if !known {
		return nil, fmt.Errorf("source %q: %w", sourceID, ErrUnknownSource)
	}
	return m.states.Load(ctx, sourceID)
}

// Suspend opens the source's circuit for cooldownCadences worth of its
// cadence, or indefinitely when the source has no cadence
func (m *Manager) Suspend(ctx context.Context, sourceID string) error {
	m.mu.Lock()
	src, known := m.sources[sourceID]
	m.mu.Unlock()
	if !known {
		return fmt.Errorf("source %q: %w", sourceID, ErrUnknownSource)
	}

	state, err := m.states.Load(ctx, sourceID)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	state.Health = model.HealthSuspended
	state.SuspendedUntil = time.Now().Add(m.cooldown(src))
	m.logger.Warn("source suspended", "source", sourceID, "until", state.SuspendedUntil)
	return m.states.Save(ctx, state)
}

// Resume closes the circuit and clears the failure streak
func (m *Manager) Resume(ctx context.Context, sourceID string) error {
	m.mu.Lock()
	_, known := m.sources[sourceID]
	m.mu.Unlock()
	if !known {
		return fmt.Errorf("source %q: %w", sourceID, ErrUnknownSource)
	}

	state, err := m.states.Load(ctx, sourceID)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	state.Health = model.HealthHealthy
	state.ConsecutiveFailures = 0
	state.SuspendedUntil = time.Time{}
	m.logger.Info("source resumed", "source", sourceID)
	return m.states.Save(ctx, state)
}

// Run executes one ingestion run for the source, queueing on the global
// run-slot semaphore if all slots are taken. Returns the finalized run
// record. A suspended source whose cooldown has not elapsed is refused.
func (m *Manager) Run(ctx context.Context, sourceID string) (*model.IngestionRun, error) {
	m.mu.Lock()
	src, known := m.sources[sourceID]
	if !known {
		m.mu.Unlock()
		return nil, fmt.Errorf("source %q: %w", sourceID, ErrUnknownSource)
	}
	if m.running[sourceID] {
		m.mu.Unlock()
		return nil, fmt.Errorf("source %q: %w", sourceID, ErrRunInProgress)
	}
	conn := m.connectors[sourceID]
	m.running[sourceID] = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.running, sourceID)
		m.mu.Unlock()
	}()

	select {
	case m.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-m.slots }()

	state, err := m.states.Load(ctx, sourceID)
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	if state.Health == model.HealthSuspended {
		if time.Now().Before(state.SuspendedUntil) {
			return nil, fmt.Errorf("source %q until %s: %w",
				sourceID, state.SuspendedUntil.Format(time.RFC3339), ErrSourceSuspended)
		}
		// Cooldown elapsed, give the source one probe run
		state.Health = model.HealthDegraded
		state.SuspendedUntil = time.Time{}
	}

	run := &model.IngestionRun{
		ID:        uuid.New().String(),
		SourceID:  sourceID,
		StartedAt: time.Now(),
	}
	m.logger.Info("run started", "source", sourceID, "run", run.ID, "cursor", state.Cursor)

	cursor, outcome, runErr := m.execute(ctx, src, conn, state.Cursor, run)

	run.CompletedAt = time.Now()
	run.Outcome = outcome
	if runErr != nil {
		run.ErrorSummary = runErr.Error()
	}
	m.finalize(ctx, src, state, run, cursor, runErr)
	return run, runErr
}

// execute drives the page loop and returns the last cursor a fully
// processed page produced. The cursor is only committed by the caller
// on a clean run; partial progress is re-fetched and deduplicated on
// the next attempt.
func (m *Manager) execute(ctx context.Context, src model.DataSource, conn connector.Connector, cursor string, run *model.IngestionRun) (string, model.RunOutcome, error) {
	proc := newItemProcessor(m, src, run)
	defer proc.release()

	for {
		items, next, err := m.fetchPage(ctx, src.ID, conn, cursor)
		if err != nil {
			proc.wait()
			return cursor, outcomeForError(err), err
		}

		run.Counts.Fetched += len(items)
		if len(items) == 0 {
			break
		}

		if err := proc.submit(ctx, items); err != nil {
			proc.wait()
			return cursor, outcomeForError(err), err
		}

		if next == "" || next == cursor {
			break
		}
		cursor = next
	}

	proc.wait()
	if err := proc.failure(); err != nil {
		return cursor, outcomeForError(err), err
	}
	if ctx.Err() != nil {
		return cursor, model.OutcomePartialFailure, ctx.Err()
	}
	return cursor, model.OutcomeSuccess, nil
}

// fetchPage performs one limiter-guarded fetch with exponential backoff
// across transient errors. Permanent and integrity errors surface
// immediately; an exhausted retry budget surfaces the last error.
func (m *Manager) fetchPage(ctx context.Context, sourceID string, conn connector.Connector, cursor string) ([]model.RawItem, string, error) {
	attempts := m.cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt-1, m.cfg.BackoffBase, m.cfg.BackoffMax)
			m.logger.Debug("retrying fetch", "source", sourceID, "attempt", attempt, "delay", delay)
			if err := sleepCtx(ctx, delay); err != nil {
				return nil, "", err
			}
		}

		release, err := m.limiter.Acquire(ctx, sourceID)
		if err == nil {
			var items []model.RawItem
			var next string
			items, next, err = conn.Fetch(ctx, cursor)
			release()
			if err == nil {
				return items, next, nil
			}
		}

		lastErr = err
		switch ingesterr.KindOf(err) {
		case ingesterr.KindTransient, ingesterr.KindResourceExhausted:
			continue
		default:
			return nil, "", err
		}
	}
	return nil, "", lastErr
}

// finalize updates health, circuit state, and the audit trail after a
// run. Failures here are logged, not returned: the run itself already
// has an outcome.
func (m *Manager) finalize(ctx context.Context, src model.DataSource, state *model.SourceState, run *model.IngestionRun, cursor string, runErr error) {
	// A cancelled run still gets its state update and audit record
	ctx = context.WithoutCancel(ctx)

	switch {
	case run.Outcome == model.OutcomeSuccess:
		state.ConsecutiveFailures = 0
		state.Health = model.HealthHealthy
		state.SuspendedUntil = time.Time{}
		state.Cursor = cursor
	case errors.Is(runErr, context.Canceled):
		// A cancelled run (shutdown, operator abort) says nothing about
		// the source's health; it must not feed the circuit breaker
	default:
		state.ConsecutiveFailures++
		if state.ConsecutiveFailures >= m.cfg.SuspendThreshold && m.cfg.SuspendThreshold > 0 {
			state.Health = model.HealthSuspended
			state.SuspendedUntil = run.CompletedAt.Add(m.cooldown(src))
			m.logger.Warn("circuit opened",
				"source", src.ID, "failures", state.ConsecutiveFailures, "until", state.SuspendedUntil)
		} else {
			state.Health = model.HealthDegraded
		}
	}
	state.LastRunID = run.ID
	state.LastRunAt = run.CompletedAt

	if err := m.states.Save(ctx, state); err != nil {
		m.logger.Error("save state", "source", src.ID, "error", err)
	}
	if err := m.runs.Append(ctx, run); err != nil {
		m.logger.Error("append run", "source", src.ID, "error", err)
	}
	if m.metrics != nil {
		m.metrics.RecordRun(src.ID, run.Counts, run.Outcome, run.Duration())
	}

	m.logger.Info("run finished",
		"source", src.ID, "run", run.ID, "outcome", run.Outcome,
		"fetched", run.Counts.Fetched, "persisted", run.Counts.Persisted,
		"duplicate", run.Counts.Duplicate, "deferred", run.Counts.Deferred,
		"failed", run.Counts.Failed, "elapsed", run.Duration())
}

func (m *Manager) cooldown(src model.DataSource) time.Duration {
	cadences := m.cfg.CooldownCadences
	if cadences <= 0 {
		cadences = 1
	}
	if src.Cadence <= 0 {
		return time.Hour
	}
	return time.Duration(cadences) * src.Cadence
}

func outcomeForError(err error) model.RunOutcome {
	switch ingesterr.KindOf(err) {
	case ingesterr.KindPermanent, ingesterr.KindDataIntegrityRisk:
		return model.OutcomeFailed
	default:
		// Retry budget exhausted or the run context ended mid-stream
		return model.OutcomePartialFailure
	}
}
