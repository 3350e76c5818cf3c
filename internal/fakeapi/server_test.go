package fakeapi

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func doJSON(t *testing.T, h http.Handler, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeRecord(t *testing.T, w *httptest.ResponseRecorder) Record {
	t.Helper()
	var rec Record
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	return rec
}

func TestHealth(t *testing.T) {
	s := New()
	w := doJSON(t, s.Handler(), http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCreateReport_dedupByClientID(t *testing.T) {
	s := New()
	h := s.Handler()

	body := map[string]interface{}{"client_id": "r1", "title": "Collision"}
	w := doJSON(t, h, http.MethodPost, "/api/v1/reports", "tok", body)
	require.Equal(t, http.StatusCreated, w.Code)
	first := decodeRecord(t, w)
	assert.Equal(t, "r1", first.ClientID)
	assert.Equal(t, "INC-0001", first.ReportNumber)
	assert.NotEmpty(t, first.ID)

	w = doJSON(t, h, http.MethodPost, "/api/v1/reports", "tok", body)
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, first.ID, decodeRecord(t, w).ID)

	assert.Len(t, s.Records(ResourceReports), 1)
	assert.Equal(t, 2, s.CountRequests(http.MethodPost, "/api/v1/reports"))
}

func TestCreateReport_validation(t *testing.T) {
	s := New()
	w := doJSON(t, s.Handler(), http.MethodPost, "/api/v1/reports", "tok", map[string]interface{}{"client_id": "r1"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestAuth(t *testing.T) {
	s := New(WithSecret([]byte("secret")))
	h := s.Handler()

	w := doJSON(t, h, http.MethodGet, "/api/v1/reports", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, h, http.MethodGet, "/api/v1/reports", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	expired, err := s.IssueToken("driver", -time.Minute)
	require.NoError(t, err)
	w = doJSON(t, h, http.MethodGet, "/api/v1/reports", expired, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	valid, err := s.IssueToken("driver", time.Hour)
	require.NoError(t, err)
	w = doJSON(t, h, http.MethodGet, "/api/v1/reports", valid, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestFailNext(t *testing.T) {
	s := New()
	h := s.Handler()

	s.FailNext(2, http.StatusServiceUnavailable)
	for i := 0; i < 2; i++ {
		w := doJSON(t, h, http.MethodGet, "/api/v1/reports", "tok", nil)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	}
	w := doJSON(t, h, http.MethodGet, "/api/v1/reports", "tok", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMediaUploadAndDelete(t *testing.T) {
	s := New()
	h := s.Handler()

	reportID := s.Seed(ResourceReports, Record{ClientID: "r1", Title: "x"})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("client_id", "p1"))
	require.NoError(t, mw.WriteField("mime_type", "image/jpeg"))
	fw, err := mw.CreateFormFile("file", "p1.jpg")
	require.NoError(t, err)
	_, err = fw.Write([]byte("jpegdata"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/reports/"+reportID+"/photos", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer tok")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	photo := decodeRecord(t, w)
	assert.Equal(t, reportID, photo.ReportID)
	assert.Equal(t, "r1", photo.ReportClientID)
	assert.Equal(t, int64(8), photo.Size)

	w = doJSON(t, h, http.MethodDelete, "/api/v1/photos/"+photo.ID, "tok", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = doJSON(t, h, http.MethodDelete, "/api/v1/photos/"+photo.ID, "tok", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, h, http.MethodGet, "/api/v1/photos", "tok", nil)
	var live struct{ Items []Record }
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &live))
	assert.Empty(t, live.Items)

	w = doJSON(t, h, http.MethodGet, "/api/v1/photos?include_deleted=true", "tok", nil)
	var all struct{ Items []Record }
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &all))
	require.Len(t, all.Items, 1)
	assert.True(t, all.Items[0].Deleted)
}
