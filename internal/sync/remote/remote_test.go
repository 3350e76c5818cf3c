package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/fieldsync/internal/auth"
	"github.com/kimhsiao/fieldsync/internal/db"
	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/fakeapi"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/sync/queue"
)

// mapResolver is an in-memory ServerIDResolver.
type mapResolver struct {
	mu  sync.Mutex
	ids map[string]string
}

func newMapResolver() *mapResolver {
	return &mapResolver{ids: make(map[string]string)}
}

func (r *mapResolver) set(id, serverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids[id] = serverID
}

func (r *mapResolver) ServerIDOf(ctx context.Context, t models.EntityType, id string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	serverID, ok := r.ids[id]
	if !ok {
		return "", db.ErrNotFound
	}
	return serverID, nil
}

func newTestAPI(t *testing.T) (*fakeapi.Server, *Client) {
	t.Helper()
	api := fakeapi.New()
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return api, NewClient(ClientConfig{BaseURL: srv.URL, Timeout: 5 * time.Second}, auth.StaticToken("tok"))
}

func item(t *testing.T, e *models.Entity, op queue.Operation) *queue.Item {
	t.Helper()
	payload, err := json.Marshal(e)
	require.NoError(t, err)
	return &queue.Item{
		ID:         "item-" + string(e.ID),
		EntityType: e.Type,
		EntityID:   string(e.ID),
		Operation:  op,
		Payload:    payload,
		Status:     queue.StatusInFlight,
	}
}

func report(id string) *models.Entity {
	return &models.Entity{ID: models.UUID(id), Type: models.EntityReport, Title: "Collision", Status: models.ReportStatusDraft}
}

// =====================================================
// Classification
// =====================================================

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		status int
		err    error
		want   Outcome
	}{
		{"ok", 200, nil, OutcomeSuccess},
		{"created", 201, nil, OutcomeSuccess},
		{"no content", 204, nil, OutcomeSuccess},
		{"bad request", 400, nil, OutcomeRejected},
		{"unauthorized", 401, nil, OutcomeUnauthorized},
		{"forbidden", 403, nil, OutcomeRejected},
		{"not found", 404, nil, OutcomeRejected},
		{"request timeout", 408, nil, OutcomeRetryable},
		{"unprocessable", 422, nil, OutcomeRejected},
		{"too many requests", 429, nil, OutcomeRetryable},
		{"server error", 500, nil, OutcomeRetryable},
		{"unavailable", 503, nil, OutcomeRetryable},
		{"transport", 0, errors.New("connection refused"), OutcomeRetryable},
		{"timeout", 0, context.DeadlineExceeded, OutcomeRetryable},
		{"reauth", 0, auth.ErrReauthRequired, OutcomeUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.status, tt.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(&HTTPError{StatusCode: 502}))
	assert.False(t, IsRetryable(&HTTPError{StatusCode: 403}))
	assert.True(t, IsRetryable(errors.New("reset by peer")))
}

func TestTransportResult_timeout(t *testing.T) {
	res := transportResult(context.DeadlineExceeded)
	assert.Equal(t, OutcomeRetryable, res.Outcome)
	assert.True(t, apperrors.Is(res.Err, apperrors.ErrSyncTimeout))
}

// =====================================================
// Report adapter
// =====================================================

func TestReportAdapter_create(t *testing.T) {
	api, client := newTestAPI(t)
	a := NewReportAdapter(client, newMapResolver())

	res := a.Apply(context.Background(), item(t, report("r1"), queue.OperationCreate))
	require.Equal(t, OutcomeSuccess, res.Outcome, "%v", res.Err)
	assert.NotEmpty(t, res.Canonical.ServerID)
	assert.Equal(t, "INC-0001", res.Canonical.ReportNumber)

	logs := api.Requests()
	require.Len(t, logs, 1)
	assert.Equal(t, "r1", logs[0].IdempotencyKey)
}

func TestReportAdapter_createIsIdempotent(t *testing.T) {
	api, client := newTestAPI(t)
	a := NewReportAdapter(client, newMapResolver())
	ctx := context.Background()

	first := a.Apply(ctx, item(t, report("r1"), queue.OperationCreate))
	require.Equal(t, OutcomeSuccess, first.Outcome)

	// Replay after a lost response gets 409 with the same record
	second := a.Apply(ctx, item(t, report("r1"), queue.OperationCreate))
	require.Equal(t, OutcomeSuccess, second.Outcome, "%v", second.Err)
	assert.Equal(t, http.StatusConflict, second.StatusCode)
	assert.Equal(t, first.Canonical.ServerID, second.Canonical.ServerID)
	assert.Len(t, api.Records(fakeapi.ResourceReports), 1)
}

func TestReportAdapter_classifiesFailures(t *testing.T) {
	api, client := newTestAPI(t)
	a := NewReportAdapter(client, newMapResolver())
	ctx := context.Background()

	api.FailNext(1, http.StatusServiceUnavailable)
	res := a.Apply(ctx, item(t, report("r1"), queue.OperationCreate))
	assert.Equal(t, OutcomeRetryable, res.Outcome)

	api.FailNext(1, http.StatusUnauthorized)
	res = a.Apply(ctx, item(t, report("r1"), queue.OperationCreate))
	assert.Equal(t, OutcomeUnauthorized, res.Outcome)
	assert.True(t, apperrors.Is(res.Err, apperrors.ErrSyncAuthFailed))

	invalid := report("r2")
	invalid.Title = ""
	res = a.Apply(ctx, item(t, invalid, queue.OperationCreate))
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.True(t, apperrors.Is(res.Err, apperrors.ErrSyncRejected))
}

func TestReportAdapter_transportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	client := NewClient(ClientConfig{BaseURL: srv.URL}, auth.StaticToken("tok"))
	res := NewReportAdapter(client, newMapResolver()).Apply(context.Background(), item(t, report("r1"), queue.OperationCreate))
	assert.Equal(t, OutcomeRetryable, res.Outcome)
	assert.Error(t, res.Err)
}

func TestReportAdapter_missingToken(t *testing.T) {
	srv := httptest.NewServer(fakeapi.New().Handler())
	defer srv.Close()

	client := NewClient(ClientConfig{BaseURL: srv.URL}, auth.StaticToken(""))
	res := NewReportAdapter(client, newMapResolver()).Apply(context.Background(), item(t, report("r1"), queue.OperationCreate))
	assert.Equal(t, OutcomeUnauthorized, res.Outcome)
}

func TestReportAdapter_updateAndDelete(t *testing.T) {
	api, client := newTestAPI(t)
	resolver := newMapResolver()
	a := NewReportAdapter(client, resolver)
	ctx := context.Background()

	// Update before the create completed cannot be addressed yet
	res := a.Apply(ctx, item(t, report("r1"), queue.OperationUpdate))
	assert.Equal(t, OutcomeRetryable, res.Outcome)

	created := a.Apply(ctx, item(t, report("r1"), queue.OperationCreate))
	require.Equal(t, OutcomeSuccess, created.Outcome)
	resolver.set("r1", created.Canonical.ServerID)

	edited := report("r1")
	edited.Title = "Collision, two vehicles"
	res = a.Apply(ctx, item(t, edited, queue.OperationUpdate))
	require.Equal(t, OutcomeSuccess, res.Outcome, "%v", res.Err)

	rec, ok := api.FindByClientID(fakeapi.ResourceReports, "r1")
	require.True(t, ok)
	assert.Equal(t, "Collision, two vehicles", rec.Title)

	res = a.Apply(ctx, item(t, report("r1"), queue.OperationDelete))
	assert.Equal(t, OutcomeSuccess, res.Outcome)

	// Already deleted on the server: 404 counts as success
	res = a.Apply(ctx, item(t, report("r1"), queue.OperationDelete))
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestReportAdapter_deleteNeverCreated(t *testing.T) {
	api, client := newTestAPI(t)
	a := NewReportAdapter(client, newMapResolver())

	res := a.Apply(context.Background(), item(t, report("ghost"), queue.OperationDelete))
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Empty(t, api.Requests(), "no call for an entity the server never saw")
}

func TestReportAdapter_List(t *testing.T) {
	api, client := newTestAPI(t)
	a := NewReportAdapter(client, newMapResolver())

	api.Seed(fakeapi.ResourceReports, fakeapi.Record{ClientID: "r1", Title: "a"})
	gone := api.Seed(fakeapi.ResourceReports, fakeapi.Record{Title: "b"})
	api.Tombstone(fakeapi.ResourceReports, gone)

	records, err := a.List(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)

	byLocal := map[string]Record{}
	for _, r := range records {
		byLocal[r.LocalID()] = r
	}
	assert.False(t, byLocal["r1"].Deleted)
	assert.True(t, byLocal[gone].Deleted)

	api.FailNext(1, http.StatusBadGateway)
	_, err = a.List(context.Background())
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadGateway, httpErr.StatusCode)
}

// =====================================================
// Media adapter
// =====================================================

func writeMedia(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestMediaAdapter_createWaitsForParent(t *testing.T) {
	api, client := newTestAPI(t)
	resolver := newMapResolver()
	a := NewMediaAdapter(models.EntityPhoto, client, resolver)
	ctx := context.Background()

	photo := &models.Entity{
		ID: "p1", Type: models.EntityPhoto, ParentID: "r1",
		MediaPath: writeMedia(t, "p1.jpg", "jpegbytes"), MimeType: "image/jpeg",
	}

	res := a.Apply(ctx, item(t, photo, queue.OperationCreate))
	assert.Equal(t, OutcomeRetryable, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrParentNotSynced)
	assert.Empty(t, api.Requests())

	reportServerID := api.Seed(fakeapi.ResourceReports, fakeapi.Record{ClientID: "r1", Title: "x"})
	resolver.set("r1", reportServerID)

	res = a.Apply(ctx, item(t, photo, queue.OperationCreate))
	require.Equal(t, OutcomeSuccess, res.Outcome, "%v", res.Err)

	rec, ok := api.FindByClientID(fakeapi.ResourcePhotos, "p1")
	require.True(t, ok)
	assert.Equal(t, reportServerID, rec.ReportID)
	assert.Equal(t, int64(len("jpegbytes")), rec.Size)
	assert.Equal(t, "image/jpeg", rec.MimeType)
	assert.Equal(t, 1, api.CountRequests(http.MethodPost, "/api/v1/reports/:id/photos"))
}

func TestMediaAdapter_audioRoundTrip(t *testing.T) {
	api, client := newTestAPI(t)
	resolver := newMapResolver()
	a := NewMediaAdapter(models.EntityAudio, client, resolver)
	ctx := context.Background()

	resolver.set("r1", api.Seed(fakeapi.ResourceReports, fakeapi.Record{ClientID: "r1", Title: "x"}))
	note := &models.Entity{
		ID: "a1", Type: models.EntityAudio, ParentID: "r1",
		MediaPath: writeMedia(t, "a1.m4a", "audio"), MimeType: "audio/mp4", DurationMS: 4200,
	}

	res := a.Apply(ctx, item(t, note, queue.OperationCreate))
	require.Equal(t, OutcomeSuccess, res.Outcome, "%v", res.Err)
	resolver.set("a1", res.Canonical.ServerID)

	rec, ok := api.FindByClientID(fakeapi.ResourceAudio, "a1")
	require.True(t, ok)
	assert.Equal(t, int64(4200), rec.DurationMS)

	note.Description = "witness statement"
	res = a.Apply(ctx, item(t, note, queue.OperationUpdate))
	require.Equal(t, OutcomeSuccess, res.Outcome, "%v", res.Err)
	rec, _ = api.FindByClientID(fakeapi.ResourceAudio, "a1")
	assert.Equal(t, "witness statement", rec.Description)

	res = a.Apply(ctx, item(t, note, queue.OperationDelete))
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	rec, _ = api.FindByClientID(fakeapi.ResourceAudio, "a1")
	assert.True(t, rec.Deleted)
}

func TestMediaAdapter_sniffsMimeType(t *testing.T) {
	api, client := newTestAPI(t)
	resolver := newMapResolver()
	resolver.set("r1", api.Seed(fakeapi.ResourceReports, fakeapi.Record{ClientID: "r1", Title: "x"}))
	a := NewMediaAdapter(models.EntityPhoto, client, resolver)

	png := "\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"
	photo := &models.Entity{ID: "p1", Type: models.EntityPhoto, ParentID: "r1", MediaPath: writeMedia(t, "p1", png)}
	res := a.Apply(context.Background(), item(t, photo, queue.OperationCreate))
	require.Equal(t, OutcomeSuccess, res.Outcome, "%v", res.Err)

	rec, ok := api.FindByClientID(fakeapi.ResourcePhotos, "p1")
	require.True(t, ok)
	assert.Equal(t, "image/png", rec.MimeType)
}

func TestMediaAdapter_missingFileRejected(t *testing.T) {
	api, client := newTestAPI(t)
	resolver := newMapResolver()
	resolver.set("r1", api.Seed(fakeapi.ResourceReports, fakeapi.Record{ClientID: "r1", Title: "x"}))
	a := NewMediaAdapter(models.EntityPhoto, client, resolver)

	photo := &models.Entity{ID: "p1", Type: models.EntityPhoto, ParentID: "r1", MediaPath: "/nonexistent/p1.jpg"}
	res := a.Apply(context.Background(), item(t, photo, queue.OperationCreate))
	assert.Equal(t, OutcomeRejected, res.Outcome)
}

func TestDefaultRegistry(t *testing.T) {
	_, client := newTestAPI(t)
	r := NewDefaultRegistry(client, newMapResolver())

	for _, typ := range models.EntityTypes {
		a, ok := r[typ]
		require.True(t, ok, "missing adapter for %s", typ)
		assert.Equal(t, typ, a.EntityType())
	}
}
