// Package handlers tests for the REST API endpoints.
// These tests verify HTTP request handling, status codes, and responses.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/fieldsync/internal/db"
	"github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/sync"
	"github.com/kimhsiao/fieldsync/internal/sync/dispatch"
	"github.com/kimhsiao/fieldsync/internal/sync/queue"
	"github.com/kimhsiao/fieldsync/internal/sync/reconcile"
)

// =====================================================
// Test Helpers
// =====================================================

// mockEngine records calls and returns canned results.
type mockEngine struct {
	entities  map[string]*models.Entity
	failed    []*queue.Item
	err       error
	lastList  db.ListFilter
	token     string
	online    *bool
	retried   []string
	discarded []string
	syncs     int
}

var _ sync.EngineInterface = (*mockEngine)(nil)

func newMockEngine() *mockEngine {
	return &mockEngine{entities: make(map[string]*models.Entity)}
}

func (m *mockEngine) Create(ctx context.Context, e *models.Entity) (*models.Entity, error) {
	if m.err != nil {
		return nil, m.err
	}
	if e.ID == "" {
		e.ID = "generated-id"
	}
	e.Origin = models.OriginUnconfirmed
	m.entities[e.ID.String()] = e
	return e, nil
}

func (m *mockEngine) Update(ctx context.Context, e *models.Entity) (*models.Entity, error) {
	if _, ok := m.entities[e.ID.String()]; !ok {
		return nil, db.ErrNotFound
	}
	m.entities[e.ID.String()] = e
	return e, nil
}

func (m *mockEngine) Delete(ctx context.Context, t models.EntityType, id string) error {
	if _, ok := m.entities[id]; !ok {
		return db.ErrNotFound
	}
	delete(m.entities, id)
	return nil
}

func (m *mockEngine) Get(ctx context.Context, t models.EntityType, id string) (*models.Entity, error) {
	e, ok := m.entities[id]
	if !ok || e.Type != t {
		return nil, db.ErrNotFound
	}
	return e, nil
}

func (m *mockEngine) List(ctx context.Context, filter db.ListFilter) ([]*models.Entity, error) {
	m.lastList = filter
	var out []*models.Entity
	for _, e := range m.entities {
		if e.Type == filter.Type {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockEngine) Status(ctx context.Context) (sync.Status, error) {
	return sync.Status{Pending: 3, Failed: len(m.failed), Online: true}, nil
}

func (m *mockEngine) FailedItems(ctx context.Context) ([]*queue.Item, error) {
	return m.failed, nil
}

func (m *mockEngine) Retry(ctx context.Context, id string) error {
	if id == "missing" {
		return queue.ErrItemNotFound
	}
	m.retried = append(m.retried, id)
	return nil
}

func (m *mockEngine) RetryAll(ctx context.Context) (int, error) {
	return len(m.failed), nil
}

func (m *mockEngine) Discard(ctx context.Context, id string) error {
	m.discarded = append(m.discarded, id)
	return nil
}

func (m *mockEngine) SignIn(token string) { m.token = token }
func (m *mockEngine) SignOut()            { m.token = "" }

func (m *mockEngine) SetNetworkState(online bool) { m.online = &online }

func (m *mockEngine) Sync(ctx context.Context) (*dispatch.CycleResult, error) {
	m.syncs++
	if m.err != nil {
		return nil, m.err
	}
	return &dispatch.CycleResult{Dispatched: 2, Succeeded: 2, Duration: time.Millisecond}, nil
}

func (m *mockEngine) Reconcile(ctx context.Context) (*reconcile.Result, error) {
	return &reconcile.Result{Sources: map[models.EntityType]*reconcile.SourceResult{
		models.EntityReport: {Fetched: 1, Upserted: 1},
	}}, m.err
}

func (m *mockEngine) Foreground(ctx context.Context) (*sync.ForegroundResult, error) {
	return &sync.ForegroundResult{}, nil
}

type recordingHub struct {
	started   int
	completed int
	failed    []string
}

func (h *recordingHub) BroadcastSyncStarted() { h.started++ }
func (h *recordingHub) BroadcastSyncCompleted(succeeded, failed, pending int, d time.Duration) {
	h.completed++
}
func (h *recordingHub) BroadcastSyncFailed(code string, retryable bool) {
	h.failed = append(h.failed, code)
}

func newTestMux(engine *mockEngine) (*http.ServeMux, *SyncHandler) {
	mux := http.NewServeMux()
	NewEntityHandler(engine).Register(mux)
	sh := NewSyncHandler(engine)
	sh.Register(mux)
	return mux, sh
}

func do(t *testing.T, mux http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

// =====================================================
// Entity endpoints
// =====================================================

func TestEntityHandler_Create(t *testing.T) {
	engine := newMockEngine()
	mux, _ := newTestMux(engine)

	w := do(t, mux, http.MethodPost, "/api/reports", map[string]interface{}{
		"title": "Broken streetlight",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	body := decode(t, w)
	assert.Equal(t, "generated-id", body["id"])
	assert.Equal(t, "report", body["type"])
	assert.Equal(t, "unconfirmed", body["origin"])
}

func TestEntityHandler_CreateErrors(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		body     interface{}
		engine   error
		wantCode int
	}{
		{"unknown resource", "/api/videos", map[string]interface{}{}, nil, http.StatusNotFound},
		{"unknown field", "/api/reports", map[string]interface{}{"colour": "red"}, nil, http.StatusBadRequest},
		{"validation", "/api/photos", map[string]interface{}{}, errors.New(errors.ErrValidation, "photo requires a parent report"), http.StatusBadRequest},
		{"queue full", "/api/reports", map[string]interface{}{"title": "x"}, errors.New(errors.ErrQueueFull, "queue is full"), http.StatusInsufficientStorage},
		{"database", "/api/reports", map[string]interface{}{"title": "x"}, errors.New(errors.ErrDatabase, "disk I/O error"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := newMockEngine()
			engine.err = tt.engine
			mux, _ := newTestMux(engine)

			w := do(t, mux, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.wantCode, w.Code)
			assert.NotEmpty(t, decode(t, w)["code"])
		})
	}
}

func TestEntityHandler_GetUpdateDelete(t *testing.T) {
	engine := newMockEngine()
	engine.entities["r-1"] = &models.Entity{ID: "r-1", Type: models.EntityReport, Title: "old"}
	mux, _ := newTestMux(engine)

	w := do(t, mux, http.MethodGet, "/api/reports/r-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "old", decode(t, w)["title"])

	w = do(t, mux, http.MethodGet, "/api/photos/r-1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, mux, http.MethodPut, "/api/reports/r-1", map[string]interface{}{"title": "new"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "new", engine.entities["r-1"].Title)

	w = do(t, mux, http.MethodPut, "/api/reports/r-2", map[string]interface{}{"title": "new"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, mux, http.MethodDelete, "/api/reports/r-1", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, engine.entities)
}

func TestEntityHandler_List(t *testing.T) {
	engine := newMockEngine()
	engine.entities["p-1"] = &models.Entity{ID: "p-1", Type: models.EntityPhoto, ParentID: "r-1"}
	mux, _ := newTestMux(engine)

	w := do(t, mux, http.MethodGet, "/api/photos?report_id=r-1&origin=unconfirmed&limit=5000", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, float64(1), body["count"])
	assert.Equal(t, float64(100), body["limit"], "out of range limit falls back to the default")
	assert.Equal(t, "r-1", engine.lastList.ParentID)
	assert.Equal(t, models.OriginUnconfirmed, engine.lastList.Origin)

	w = do(t, mux, http.MethodGet, "/api/audio", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []interface{}{}, decode(t, w)["items"])
}

// =====================================================
// Sync endpoints
// =====================================================

func TestSyncHandler_Status(t *testing.T) {
	engine := newMockEngine()
	engine.failed = []*queue.Item{{ID: "item-1", Status: queue.StatusFailed}}
	mux, _ := newTestMux(engine)

	w := do(t, mux, http.MethodGet, "/api/sync/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, float64(3), body["pending"])
	assert.Equal(t, float64(1), body["failed"])
	assert.Equal(t, true, body["online"])

	w = do(t, mux, http.MethodGet, "/api/sync/failed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["count"])
}

func TestSyncHandler_TriggerSync(t *testing.T) {
	engine := newMockEngine()
	mux, sh := newTestMux(engine)
	hub := &recordingHub{}
	sh.SetWebSocketHub(hub)

	w := do(t, mux, http.MethodPost, "/api/sync/now", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, engine.syncs)
	assert.Equal(t, 1, hub.started)
	assert.Equal(t, 1, hub.completed)

	engine.err = errors.New(errors.ErrDatabase, "locked")
	w = do(t, mux, http.MethodPost, "/api/sync/now", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, []string{string(errors.ErrDatabase)}, hub.failed)
}

func TestSyncHandler_ReconcilePartialFailure(t *testing.T) {
	engine := newMockEngine()
	engine.err = errors.New(errors.ErrSyncFailed, "reconciliation incomplete")
	mux, _ := newTestMux(engine)

	w := do(t, mux, http.MethodPost, "/api/sync/reconcile", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, string(errors.ErrSyncFailed), body["code"])
	assert.NotNil(t, body["result"])
}

func TestSyncHandler_Recovery(t *testing.T) {
	engine := newMockEngine()
	engine.failed = []*queue.Item{{ID: "a"}, {ID: "b"}}
	mux, _ := newTestMux(engine)

	w := do(t, mux, http.MethodPost, "/api/sync/failed/a/retry", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"a"}, engine.retried)

	w = do(t, mux, http.MethodPost, "/api/sync/failed/missing/retry", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, mux, http.MethodPost, "/api/sync/failed/retry", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), decode(t, w)["retried"])

	w = do(t, mux, http.MethodDelete, "/api/sync/failed/b", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []string{"b"}, engine.discarded)
}

func TestSyncHandler_SessionAndNetwork(t *testing.T) {
	engine := newMockEngine()
	mux, _ := newTestMux(engine)

	w := do(t, mux, http.MethodPost, "/api/session", map[string]interface{}{"token": ""})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, mux, http.MethodPost, "/api/session", map[string]interface{}{"token": "abc"})
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "abc", engine.token)

	w = do(t, mux, http.MethodDelete, "/api/session", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, engine.token)

	w = do(t, mux, http.MethodPost, "/api/network", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, mux, http.MethodPost, "/api/network", map[string]interface{}{"online": false})
	assert.Equal(t, http.StatusAccepted, w.Code)
	require.NotNil(t, engine.online)
	assert.False(t, *engine.online)
}

func TestStatusForCode(t *testing.T) {
	assert.Equal(t, http.StatusUnauthorized, statusForCode(errors.ErrSyncAuthFailed))
	assert.Equal(t, http.StatusConflict, statusForCode(errors.ErrInvalidTransition))
	assert.Equal(t, http.StatusBadGateway, statusForCode(errors.ErrSyncTimeout))
	assert.Equal(t, http.StatusInternalServerError, statusForCode(errors.ErrInternal))
}
