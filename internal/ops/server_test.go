package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/tributary/internal/connector"
	"github.com/ppiankov/tributary/internal/dedup"
	"github.com/ppiankov/tributary/internal/enrich"
	"github.com/ppiankov/tributary/internal/limiter"
	"github.com/ppiankov/tributary/internal/manager"
	"github.com/ppiankov/tributary/internal/metrics"
	"github.com/ppiankov/tributary/internal/model"
	"github.com/ppiankov/tributary/internal/store"
)

type fixedConnector struct {
	id    string
	items []model.RawItem
}

func (c *fixedConnector) SourceID() string { return c.id }

func (c *fixedConnector) Fetch(ctx context.Context, cursor string) ([]model.RawItem, string, error) {
	if cursor != "" {
		return nil, cursor, nil
	}
	return c.items, "done", nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()

	backend, err := store.Open("", true)
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	cfg := model.DefaultConfig()
	cfg.Sources = []model.DataSource{{
		ID: "wire", Name: "Wire Service", Kind: model.KindAPI,
		Endpoint: "https://example.test/feed", Cadence: time.Minute,
	}}
	require.NoError(t, cfg.ApplyDefaults())

	items := make([]model.RawItem, 3)
	for i := range items {
		items[i] = model.RawItem{
			SourceID: "wire", Title: fmt.Sprintf("story %d", i),
			URL:         fmt.Sprintf("https://example.test/a/%d", i),
			Fingerprint: fmt.Sprintf("fp-%d", i),
		}
	}

	logger := slog.New(slog.DiscardHandler)
	reg := metrics.NewRegistry()
	runs := store.NewRunRepository(backend)
	m, err := manager.New(cfg, manager.Deps{
		Limiter:    limiter.New(cfg.Rate),
		Index:      dedup.NewBadgerIndex(backend, time.Hour),
		Gateway:    enrich.NewGateway(nil, time.Second, logger),
		Items:      store.NewItemRepository(backend),
		Runs:       runs,
		States:     store.NewStateRepository(backend),
		Metrics:    reg,
		Logger:     logger,
		Connectors: map[string]connector.Connector{"wire": &fixedConnector{id: "wire", items: items}},
	})
	require.NoError(t, err)

	return New("127.0.0.1:0", m, nil, reg, runs, logger)
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServer_ListSources(t *testing.T) {
	srv := newTestServer(t)

	rec := do(t, srv.Handler(), http.MethodGet, "/sources")
	require.Equal(t, http.StatusOK, rec.Code)

	var sources []sourceSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sources))
	require.Len(t, sources, 1)
	assert.Equal(t, "wire", sources[0].ID)
	assert.Equal(t, model.HealthHealthy, sources[0].Health)
}

func TestServer_RunThenStatus(t *testing.T) {
	srv := newTestServer(t)

	rec := do(t, srv.Handler(), http.MethodPost, "/sources/wire/run")
	require.Equal(t, http.StatusOK, rec.Code)

	var run model.IngestionRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, model.OutcomeSuccess, run.Outcome)
	assert.Equal(t, 3, run.Counts.Persisted)

	rec = do(t, srv.Handler(), http.MethodGet, "/sources/wire/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var status statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, model.HealthHealthy, status.State.Health)
	assert.Equal(t, "done", status.State.Cursor)
	assert.Equal(t, int64(3), status.Metrics.Persisted)
	require.Len(t, status.Recent, 1)
	assert.Equal(t, run.ID, status.Recent[0].ID)
}

func TestServer_SuspendResumeCycle(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()

	rec := do(t, h, http.MethodPost, "/sources/wire/suspend")
	require.Equal(t, http.StatusOK, rec.Code)

	// Suspended sources refuse manual runs
	rec = do(t, h, http.MethodPost, "/sources/wire/run")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodPost, "/sources/wire/resume")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodPost, "/sources/wire/run")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_UnknownSourceIs404(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/sources/ghost/status").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/sources/ghost/run").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/sources/ghost/suspend").Code)
}

func TestServer_MetricsSnapshot(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()

	do(t, h, http.MethodPost, "/sources/wire/run")

	rec := do(t, h, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)

	var snap map[string]metrics.SourceSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, int64(3), snap["wire"].Fetched)
	assert.Equal(t, int64(1), snap["wire"].Runs)
}
