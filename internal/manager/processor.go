package manager

import (
	"context"
	"sync"

	"github.com/panjf2000/ants/v2"

	"github.com/ppiankov/tributary/internal/ingesterr"
	"github.com/ppiankov/tributary/internal/model"
)

// itemProcessor pushes one run's items through dedup, enrichment, and
// persistence on a bounded worker pool. A data-integrity failure stops
// further submissions; workers already in flight drain normally.
type itemProcessor struct {
	m   *Manager
	src model.DataSource
	run *model.IngestionRun

	pool *ants.Pool
	wg   sync.WaitGroup

	mu    sync.Mutex
	fatal error
}

func newItemProcessor(m *Manager, src model.DataSource, run *model.IngestionRun) *itemProcessor {
	p := &itemProcessor{m: m, src: src, run: run}

	workers := m.cfg.ItemWorkers
	if workers <= 0 {
		workers = 1
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		// Degrade to inline processing rather than failing the run
		m.logger.Error("worker pool", "source", src.ID, "error", err)
		return p
	}
	p.pool = pool
	return p
}

// submit schedules one page of items. Returns the fatal error once one
// is recorded so the page loop stops fetching.
func (p *itemProcessor) submit(ctx context.Context, items []model.RawItem) error {
	for i := range items {
		if err := p.failure(); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		item := items[i]
		p.wg.Add(1)
		task := func() {
			defer p.wg.Done()
			p.process(ctx, item)
		}
		if p.pool == nil || p.pool.Submit(task) != nil {
			task()
		}
	}
	return nil
}

// process handles one item end to end. Enrichment failure never blocks
// persistence; the item lands with status deferred.
func (p *itemProcessor) process(ctx context.Context, item model.RawItem) {
	// A submitted item drains to completion: run cancellation stops new
	// submissions and fetches, never the mark-enrich-persist of an item
	// already in flight. A fingerprint claimed without a stored item
	// would read as duplicate on replay and the item would be lost.
	ctx = context.WithoutCancel(ctx)

	isNew, err := p.m.index.CheckAndMark(ctx, item.Fingerprint, item.SourceID)
	if err != nil {
		p.recordError("dedup", item, err)
		return
	}
	if !isNew {
		p.count(func(c *model.RunCounts) { c.Duplicate++ })
		return
	}

	enriched, _ := p.m.gateway.Enrich(ctx, item, item.Locale)

	if err := p.m.items.Upsert(ctx, item.Fingerprint, &enriched); err != nil {
		// Surrender the claim so a replayed run can persist the item
		if unmarkErr := p.m.index.Unmark(ctx, item.Fingerprint); unmarkErr != nil {
			p.m.logger.Error("unmark fingerprint",
				"source", item.SourceID, "fingerprint", item.Fingerprint, "error", unmarkErr)
		}
		p.recordError("persist", item, ingesterr.DataIntegrityRisk("persist item", err))
		return
	}

	p.count(func(c *model.RunCounts) {
		c.Persisted++
		switch enriched.EnrichmentStatus {
		case model.EnrichmentDone:
			c.Enriched++
		case model.EnrichmentDeferred:
			c.Deferred++
		}
	})
}

func (p *itemProcessor) recordError(stage string, item model.RawItem, err error) {
	p.count(func(c *model.RunCounts) { c.Failed++ })
	p.m.logger.Error("item failed",
		"source", item.SourceID, "stage", stage, "url", item.URL, "error", err)

	// The dedup or item store refusing writes poisons every later item;
	// stop the run instead of fetching more.
	if ingesterr.KindOf(err) == ingesterr.KindDataIntegrityRisk {
		p.mu.Lock()
		if p.fatal == nil {
			p.fatal = err
		}
		p.mu.Unlock()
	}
}

func (p *itemProcessor) count(fn func(*model.RunCounts)) {
	p.mu.Lock()
	fn(&p.run.Counts)
	p.mu.Unlock()
}

func (p *itemProcessor) failure() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fatal
}

func (p *itemProcessor) wait() {
	p.wg.Wait()
}

func (p *itemProcessor) release() {
	if p.pool != nil {
		p.pool.Release()
	}
}
