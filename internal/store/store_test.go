package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/ppiankov/tributary/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBackend(t *testing.T) *Backend {
	t.Helper()
	backend, err := Open("", true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	return backend
}

func sampleItem(fp string) *model.EnrichedItem {
	return &model.EnrichedItem{
		RawItem: model.RawItem{
			SourceID:    "src-a",
			FetchedAt:   time.Now().UTC(),
			Title:       "Sample headline",
			Body:        "Sample body text",
			URL:         "https://example.com/sample",
			Fingerprint: fp,
		},
		EnrichmentStatus: model.EnrichmentDone,
		Enrichment: &model.Enrichment{
			Entities:  []string{"Example Org"},
			Sentiment: 0.4,
			Topics:    []string{"economy"},
		},
	}
}

func TestItemRepository_UpsertIdempotent(t *testing.T) {
	repo := NewItemRepository(testBackend(t))
	ctx := context.Background()

	item := sampleItem("fp-1")
	require.NoError(t, repo.Upsert(ctx, "fp-1", item))
	require.NoError(t, repo.Upsert(ctx, "fp-1", item))

	got, err := repo.Get(ctx, "fp-1")
	require.NoError(t, err)
	assert.Equal(t, "Sample headline", got.Title)
	assert.Equal(t, model.EnrichmentDone, got.EnrichmentStatus)
	assert.False(t, got.PersistedAt.IsZero())
}

func TestItemRepository_Exists(t *testing.T) {
	repo := NewItemRepository(testBackend(t))
	ctx := context.Background()

	exists, err := repo.Exists(ctx, "fp-missing")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, repo.Upsert(ctx, "fp-1", sampleItem("fp-1")))
	exists, err = repo.Exists(ctx, "fp-1")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestItemRepository_GetMissing(t *testing.T) {
	repo := NewItemRepository(testBackend(t))
	_, err := repo.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestItemRepository_DeferredIndex(t *testing.T) {
	repo := NewItemRepository(testBackend(t))
	ctx := context.Background()

	deferred := sampleItem("fp-d")
	deferred.EnrichmentStatus = model.EnrichmentDeferred
	deferred.Enrichment = nil
	require.NoError(t, repo.Upsert(ctx, "fp-d", deferred))
	require.NoError(t, repo.Upsert(ctx, "fp-ok", sampleItem("fp-ok")))

	items, err := repo.ListDeferred(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "fp-d", items[0].Fingerprint)

	// Finishing enrichment removes the item from the deferred index
	deferred.EnrichmentStatus = model.EnrichmentDone
	require.NoError(t, repo.Upsert(ctx, "fp-d", deferred))

	items, err = repo.ListDeferred(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestItemRepository_ListDeferredLimit(t *testing.T) {
	repo := NewItemRepository(testBackend(t))
	ctx := context.Background()

	for _, fp := range []string{"fp-1", "fp-2", "fp-3"} {
		item := sampleItem(fp)
		item.EnrichmentStatus = model.EnrichmentDeferred
		require.NoError(t, repo.Upsert(ctx, fp, item))
	}

	items, err := repo.ListDeferred(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestRunRepository_AppendAndRecent(t *testing.T) {
	repo := NewRunRepository(testBackend(t))
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		run := &model.IngestionRun{
			ID:          string(rune('a' + i)),
			SourceID:    "src-a",
			StartedAt:   base.Add(time.Duration(i) * time.Hour),
			CompletedAt: base.Add(time.Duration(i)*time.Hour + time.Minute),
			Outcome:     model.OutcomeSuccess,
			Counts:      model.RunCounts{Fetched: 10 * (i + 1)},
		}
		require.NoError(t, repo.Append(ctx, run))
	}

	runs, err := repo.Recent(ctx, "src-a", 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "c", runs[0].ID, "most recent first")
	assert.Equal(t, "b", runs[1].ID)

	last, err := repo.Last(ctx, "src-a")
	require.NoError(t, err)
	assert.Equal(t, 30, last.Counts.Fetched)
}

func TestRunRepository_SourceIsolation(t *testing.T) {
	repo := NewRunRepository(testBackend(t))
	ctx := context.Background()

	require.NoError(t, repo.Append(ctx, &model.IngestionRun{
		ID: "a", SourceID: "src-a", StartedAt: time.Now().UTC(),
	}))

	_, err := repo.Last(ctx, "src-b")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStateRepository_Roundtrip(t *testing.T) {
	repo := NewStateRepository(testBackend(t))
	ctx := context.Background()

	// Unknown source starts healthy
	state, err := repo.Load(ctx, "src-a")
	require.NoError(t, err)
	assert.Equal(t, model.HealthHealthy, state.Health)
	assert.Zero(t, state.ConsecutiveFailures)

	state.Health = model.HealthSuspended
	state.ConsecutiveFailures = 3
	state.Cursor = "cursor-42"
	state.SuspendedUntil = time.Now().Add(time.Hour).UTC()
	require.NoError(t, repo.Save(ctx, state))

	loaded, err := repo.Load(ctx, "src-a")
	require.NoError(t, err)
	assert.Equal(t, model.HealthSuspended, loaded.Health)
	assert.Equal(t, 3, loaded.ConsecutiveFailures)
	assert.Equal(t, "cursor-42", loaded.Cursor)
}

func TestOpen_BadPath(t *testing.T) {
	file := t.TempDir() + "/plainfile"
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))

	_, err := Open(file, false)
	assert.Error(t, err)
}
