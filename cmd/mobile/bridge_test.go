package main

import (
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/fakeapi"
	"github.com/kimhsiao/fieldsync/internal/models"
	fsync "github.com/kimhsiao/fieldsync/internal/sync"
)

func setupBridge(t *testing.T) (*bridge, *fakeapi.Server, string) {
	t.Helper()

	api := fakeapi.New(fakeapi.WithSecret([]byte("mobile-secret")))
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	token, err := api.IssueToken("officer-12", time.Hour)
	require.NoError(t, err)

	doc := fmt.Sprintf(`{
		"data_dir": %q,
		"api": {"base_url": %q},
		"queue": {"backoff_base": "1ms", "backoff_max": "1ms"},
		"dispatch": {"interval": "1h"},
		"connectivity": {"settle_delay": "10ms"},
		"reconcile": {"interval": "1h"}
	}`, t.TempDir(), srv.URL)

	b := &bridge{}
	require.NoError(t, b.init(doc))
	t.Cleanup(func() { b.close() })
	return b, api, token
}

func decodeStatus(t *testing.T, b *bridge) fsync.Status {
	t.Helper()
	out, err := b.status()
	require.NoError(t, err)
	var status fsync.Status
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	return status
}

func TestBridge_notInitialized(t *testing.T) {
	b := &bridge{}

	_, err := b.status()
	assert.ErrorIs(t, err, errNotInitialized)
	assert.ErrorIs(t, b.signOut(), errNotInitialized)
	assert.NoError(t, b.close())
}

func TestBridge_invalidConfig(t *testing.T) {
	b := &bridge{}

	err := b.init(`{"data_dir": "x", "unknown_key": 1}`)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidConfig))

	err = b.init(`{"data_dir": ""}`)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidConfig))
}

func TestBridge_createAndSync(t *testing.T) {
	b, api, token := setupBridge(t)

	out, err := b.create("report", `{"title":"Flooded underpass","fields":{"severity":"high"}}`)
	require.NoError(t, err)
	var created models.Entity
	require.NoError(t, json.Unmarshal([]byte(out), &created))
	require.NotEmpty(t, created.ID)
	assert.Equal(t, models.OriginUnconfirmed, created.Origin)

	status := decodeStatus(t, b)
	assert.Equal(t, 1, status.Pending)
	assert.False(t, status.Online)

	// No token yet: the cycle is suspended
	out, err = b.sync()
	require.NoError(t, err)
	assert.JSONEq(t, `true`, string(mustField(t, out, "suspended")))

	require.NoError(t, b.signIn(token))
	out, err = b.sync()
	require.NoError(t, err)
	assert.JSONEq(t, `1`, string(mustField(t, out, "succeeded")))

	rec, ok := api.FindByClientID(fakeapi.ResourceReports, string(created.ID))
	require.True(t, ok)
	assert.Equal(t, "Flooded underpass", rec.Title)

	out, err = b.get("report", string(created.ID))
	require.NoError(t, err)
	var stored models.Entity
	require.NoError(t, json.Unmarshal([]byte(out), &stored))
	assert.NotEmpty(t, stored.ServerID)
	assert.Equal(t, 0, decodeStatus(t, b).Pending)
}

func TestBridge_updateListDelete(t *testing.T) {
	b, _, _ := setupBridge(t)

	out, err := b.create("report", `{"title":"Downed line"}`)
	require.NoError(t, err)
	var report models.Entity
	require.NoError(t, json.Unmarshal([]byte(out), &report))

	_, err = b.create("photo", fmt.Sprintf(`{"parent_id":%q,"media_path":"/tmp/a.jpg","mime_type":"image/jpeg"}`, report.ID))
	require.NoError(t, err)

	out, err = b.update("report", string(report.ID), `{"title":"Downed line, Elm St"}`)
	require.NoError(t, err)
	assert.Contains(t, out, "Elm St")

	out, err = b.list("photo", fmt.Sprintf(`{"parent_id":%q}`, report.ID))
	require.NoError(t, err)
	assert.JSONEq(t, `1`, string(mustField(t, out, "total")))

	require.NoError(t, b.delete("report", string(report.ID)))
	_, err = b.get("report", string(report.ID))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestBridge_badInput(t *testing.T) {
	b, _, _ := setupBridge(t)

	_, err := b.create("memo", `{}`)
	assert.True(t, errors.Is(err, errors.ErrValidation))

	_, err = b.create("report", `{not json`)
	assert.True(t, errors.Is(err, errors.ErrInvalid))

	_, err = b.list("report", `[`)
	assert.True(t, errors.Is(err, errors.ErrInvalid))

	assert.True(t, errors.Is(b.signIn("  "), errors.ErrValidation))
	assert.True(t, errors.Is(b.retry("missing"), errors.ErrNotFound))
}

func TestBridge_failedItemRecovery(t *testing.T) {
	b, api, token := setupBridge(t)
	require.NoError(t, b.signIn(token))

	_, err := b.create("report", `{"title":"Rejected"}`)
	require.NoError(t, err)

	api.FailNext(1, 422)
	_, err = b.sync()
	require.NoError(t, err)

	out, err := b.failedItems()
	require.NoError(t, err)
	var failed struct {
		Items []struct {
			ID string `json:"id"`
		} `json:"items"`
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &failed))
	require.Equal(t, 1, failed.Total)

	n, err := b.retryAll()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	out, err = b.sync()
	require.NoError(t, err)
	assert.JSONEq(t, `1`, string(mustField(t, out, "succeeded")))
	assert.Equal(t, 0, decodeStatus(t, b).Failed)
}

func TestBridge_networkStateDrainsQueue(t *testing.T) {
	b, _, token := setupBridge(t)
	require.NoError(t, b.signIn(token))

	_, err := b.create("report", `{"title":"Queued offline"}`)
	require.NoError(t, err)
	require.NoError(t, b.setNetworkState(true))

	assert.Eventually(t, func() bool {
		s := decodeStatus(t, b)
		return s.Online && s.Pending == 0 && s.InFlight == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestBridge_foreground(t *testing.T) {
	b, api, token := setupBridge(t)
	require.NoError(t, b.signIn(token))
	api.Seed(fakeapi.ResourceReports, fakeapi.Record{Title: "Filed at the desk", Status: "submitted"})

	out, err := b.foreground()
	require.NoError(t, err)
	assert.Contains(t, out, `"reconcile"`)

	out, err = b.list("report", "")
	require.NoError(t, err)
	assert.Contains(t, out, "Filed at the desk")
}

func TestErrorJSON(t *testing.T) {
	assert.Empty(t, errorJSON(nil))
	assert.JSONEq(t,
		`{"error":"[NOT_FOUND] queue item not found","code":"NOT_FOUND"}`,
		errorJSON(errors.New(errors.ErrNotFound, "queue item not found")))
}

func mustField(t *testing.T, doc, key string) json.RawMessage {
	t.Helper()
	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(doc), &fields))
	require.Contains(t, fields, key)
	return fields[key]
}
