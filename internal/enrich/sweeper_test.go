package enrich

import (
	"context"
	"testing"
	"time"

	"github.com/ppiankov/tributary/internal/model"
	"github.com/ppiankov/tributary/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRepo(t *testing.T) *store.ItemRepository {
	t.Helper()
	backend, err := store.Open("", true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	return store.NewItemRepository(backend)
}

func deferredItem(fp string, attempts int) *model.EnrichedItem {
	return &model.EnrichedItem{
		RawItem: model.RawItem{
			SourceID:    "src-a",
			Title:       "Headline " + fp,
			Body:        "Body",
			URL:         "https://example.com/" + fp,
			Fingerprint: fp,
		},
		EnrichmentStatus: model.EnrichmentDeferred,
		EnrichAttempts:   attempts,
	}
}

func TestSweeper_RecoversDeferredItems(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Upsert(ctx, "fp-1", deferredItem("fp-1", 1)))

	gw := NewGateway(&stubProvider{}, time.Second, nil)
	sweeper := NewSweeper(gw, repo, time.Minute, 5, nil)

	settled, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, settled)

	item, err := repo.Get(ctx, "fp-1")
	require.NoError(t, err)
	assert.Equal(t, model.EnrichmentDone, item.EnrichmentStatus)
	assert.NotNil(t, item.Enrichment)

	remaining, err := repo.ListDeferred(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestSweeper_MarksFailedAfterMaxAttempts(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Upsert(ctx, "fp-1", deferredItem("fp-1", 1)))

	provider := &stubProvider{failFor: 100}
	gw := NewGateway(provider, time.Second, nil)
	sweeper := NewSweeper(gw, repo, time.Minute, 3, nil)

	// Attempt 2: still below the cap, stays deferred
	settled, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, settled)

	item, err := repo.Get(ctx, "fp-1")
	require.NoError(t, err)
	assert.Equal(t, model.EnrichmentDeferred, item.EnrichmentStatus)
	assert.Equal(t, 2, item.EnrichAttempts)

	// Attempt 3: cap reached, permanently failed
	settled, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, settled)

	item, err = repo.Get(ctx, "fp-1")
	require.NoError(t, err)
	assert.Equal(t, model.EnrichmentFailed, item.EnrichmentStatus)

	// A failed item leaves the deferred index for good
	remaining, err := repo.ListDeferred(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	before := provider.calls
	_, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, provider.calls, "failed items must not be retried")
}

func TestSweeper_DisabledGateway(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Upsert(ctx, "fp-1", deferredItem("fp-1", 0)))

	sweeper := NewSweeper(NewGateway(nil, time.Second, nil), repo, time.Minute, 3, nil)
	settled, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, settled)
}

func TestSweeper_CancelledContext(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Upsert(ctx, "fp-1", deferredItem("fp-1", 0)))

	gw := NewGateway(&stubProvider{}, time.Second, nil)
	sweeper := NewSweeper(gw, repo, time.Minute, 3, nil)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err := sweeper.Sweep(cancelled)
	assert.Error(t, err)
}

// localeProvider records the locale each analysis was asked for
type localeProvider struct {
	locales []string
}

func (p *localeProvider) Name() string { return "locale" }

func (p *localeProvider) Analyze(ctx context.Context, text, locale string) (*model.Enrichment, error) {
	p.locales = append(p.locales, locale)
	return &model.Enrichment{Sentiment: 0.3}, nil
}

func TestSweeper_RetriesWithItemLocale(t *testing.T) {
	// An item carries its source's locale into the store; the retry must
	// hand the provider that locale, not an empty one.
	repo := testRepo(t)
	ctx := context.Background()

	item := deferredItem("fp-1", 1)
	item.Locale = "de"
	require.NoError(t, repo.Upsert(ctx, "fp-1", item))

	provider := &localeProvider{}
	sweeper := NewSweeper(NewGateway(provider, time.Second, nil), repo, time.Minute, 5, nil)

	settled, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, settled)
	require.Len(t, provider.locales, 1)
	assert.Equal(t, "de", provider.locales[0])
}
