// Package scheduler owns the per-source next-due map and turns cadences
// into manager runs. It holds no package-level state; one Scheduler
// instance drives one Manager.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ppiankov/tributary/internal/manager"
	"github.com/ppiankov/tributary/internal/model"
)

const defaultResolution = time.Second

// Scheduler fires ingestion runs when each source's cadence elapses.
// Missed windows coalesce: a source overdue by several cadences gets
// one catch-up run, then returns to its normal rhythm.
type Scheduler struct {
	manager    *manager.Manager
	logger     *slog.Logger
	resolution time.Duration

	mu      sync.Mutex
	nextDue map[string]time.Time

	wg sync.WaitGroup
}

// New builds a scheduler over the manager's enabled sources. The first
// run of every source is due immediately.
func New(m *manager.Manager, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		manager:    m,
		logger:     logger,
		resolution: defaultResolution,
		nextDue:    make(map[string]time.Time),
	}
	now := time.Now()
	for _, src := range m.Sources() {
		s.nextDue[src.ID] = now
	}
	return s
}

// NextDue reports when the source will next be considered, zero if the
// scheduler does not track it
func (s *Scheduler) NextDue(sourceID string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextDue[sourceID]
}

// Run drives the timer loop until ctx is cancelled, then waits for
// in-flight runs to finish
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.resolution)
	defer ticker.Stop()

	s.logger.Info("scheduler started", "sources", len(s.nextDue), "resolution", s.resolution)

	for {
		s.dispatch(ctx)
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// dispatch launches a run for every source whose due time has passed.
// The due time advances before the run starts, so a slow run never
// queues a second one behind itself.
func (s *Scheduler) dispatch(ctx context.Context) {
	now := time.Now()
	for _, src := range s.manager.Sources() {
		s.mu.Lock()
		due, tracked := s.nextDue[src.ID]
		if !tracked {
			// Source added by a configuration reload, due immediately
			due = now
		}
		if now.Before(due) {
			s.mu.Unlock()
			continue
		}
		s.nextDue[src.ID] = now.Add(src.Cadence)
		s.mu.Unlock()

		s.wg.Add(1)
		go s.runOne(ctx, src)
	}
}

func (s *Scheduler) runOne(ctx context.Context, src model.DataSource) {
	defer s.wg.Done()

	_, err := s.manager.Run(ctx, src.ID)
	switch {
	case err == nil:
	case errors.Is(err, manager.ErrSourceSuspended):
		// Circuit open; the due time already advanced, the source is
		// reconsidered next cadence
		s.logger.Debug("skipping suspended source", "source", src.ID)
	case errors.Is(err, manager.ErrRunInProgress):
		s.logger.Debug("run still in progress", "source", src.ID)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
	default:
		s.logger.Warn("scheduled run failed", "source", src.ID, "error", err)
	}
}
