package handlers

import (
	"net/http"
	"time"

	"github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/sync"
	"github.com/kimhsiao/fieldsync/internal/sync/queue"
)

// SyncHandler handles sync status, recovery actions and session changes.
type SyncHandler struct {
	engine sync.EngineInterface
	wsHub  WSSyncBroadcaster
}

// WSSyncBroadcaster interface for sync WebSocket events.
type WSSyncBroadcaster interface {
	BroadcastSyncStarted()
	BroadcastSyncCompleted(succeeded, failed, pending int, duration time.Duration)
	BroadcastSyncFailed(errorCode string, retryable bool)
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(engine sync.EngineInterface) *SyncHandler {
	return &SyncHandler{engine: engine}
}

// SetWebSocketHub sets the WebSocket hub for broadcasting sync events.
func (h *SyncHandler) SetWebSocketHub(wsHub WSSyncBroadcaster) {
	h.wsHub = wsHub
}

// =====================================================
// Status
// =====================================================

// GetStatus handles GET /api/sync/status
// Returns pending, in-flight and failed counts plus connectivity state.
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.engine.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// ListFailed handles GET /api/sync/failed
func (h *SyncHandler) ListFailed(w http.ResponseWriter, r *http.Request) {
	items, err := h.engine.FailedItems(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if items == nil {
		items = []*queue.Item{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
		"count": len(items),
	})
}

// =====================================================
// Triggers
// =====================================================

// TriggerSync handles POST /api/sync/now
// Runs one dispatch cycle and reports its counts.
func (h *SyncHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	if h.wsHub != nil {
		h.wsHub.BroadcastSyncStarted()
	}

	result, err := h.engine.Sync(r.Context())
	if err != nil {
		if h.wsHub != nil {
			h.wsHub.BroadcastSyncFailed(string(errors.CodeOf(err)), true)
		}
		writeError(w, err)
		return
	}

	if h.wsHub != nil {
		pending := 0
		if status, err := h.engine.Status(r.Context()); err == nil {
			pending = status.Pending
		}
		h.wsHub.BroadcastSyncCompleted(result.Succeeded, result.Failed+result.Rejected, pending, result.Duration)
	}
	writeJSON(w, http.StatusOK, result)
}

// TriggerReconcile handles POST /api/sync/reconcile
func (h *SyncHandler) TriggerReconcile(w http.ResponseWriter, r *http.Request) {
	result, err := h.engine.Reconcile(r.Context())
	if err != nil && result == nil {
		writeError(w, err)
		return
	}

	body := map[string]interface{}{"result": result}
	if err != nil {
		// Partial passes still report what the healthy sources did
		body["error"] = err.Error()
		body["code"] = errors.CodeOf(err)
	}
	writeJSON(w, http.StatusOK, body)
}

// Foreground handles POST /api/sync/foreground
// The app calls it when it returns to the foreground.
func (h *SyncHandler) Foreground(w http.ResponseWriter, r *http.Request) {
	result, err := h.engine.Foreground(r.Context())
	body := map[string]interface{}{"result": result}
	if err != nil {
		body["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, body)
}

// =====================================================
// Recovery
// =====================================================

// Retry handles POST /api/sync/failed/{id}/retry
func (h *SyncHandler) Retry(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Retry(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "pending"})
}

// RetryAll handles POST /api/sync/failed/retry
func (h *SyncHandler) RetryAll(w http.ResponseWriter, r *http.Request) {
	n, err := h.engine.RetryAll(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"retried": n})
}

// Discard handles DELETE /api/sync/failed/{id}
func (h *SyncHandler) Discard(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Discard(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =====================================================
// Session and connectivity
// =====================================================

// SignIn handles POST /api/session
// Installs the token obtained by the platform's sign-in flow.
func (h *SyncHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Token string `json:"token"`
	}
	if err := decodeBody(r, &request); err != nil {
		writeError(w, err)
		return
	}
	if request.Token == "" {
		writeError(w, errors.New(errors.ErrValidation, "token is required"))
		return
	}

	h.engine.SignIn(request.Token)
	logging.Info("Session token replaced", nil)
	w.WriteHeader(http.StatusNoContent)
}

// SignOut handles DELETE /api/session
func (h *SyncHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	h.engine.SignOut()
	w.WriteHeader(http.StatusNoContent)
}

// SetNetwork handles POST /api/network
// Forwards the platform's connectivity callback.
func (h *SyncHandler) SetNetwork(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Online *bool `json:"online"`
	}
	if err := decodeBody(r, &request); err != nil {
		writeError(w, err)
		return
	}
	if request.Online == nil {
		writeError(w, errors.New(errors.ErrValidation, "online is required"))
		return
	}

	h.engine.SetNetworkState(*request.Online)
	w.WriteHeader(http.StatusAccepted)
}

// Register adds the sync routes to mux.
func (h *SyncHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/sync/status", h.GetStatus)
	mux.HandleFunc("GET /api/sync/failed", h.ListFailed)
	mux.HandleFunc("POST /api/sync/now", h.TriggerSync)
	mux.HandleFunc("POST /api/sync/reconcile", h.TriggerReconcile)
	mux.HandleFunc("POST /api/sync/foreground", h.Foreground)
	mux.HandleFunc("POST /api/sync/failed/retry", h.RetryAll)
	mux.HandleFunc("POST /api/sync/failed/{id}/retry", h.Retry)
	mux.HandleFunc("DELETE /api/sync/failed/{id}", h.Discard)
	mux.HandleFunc("POST /api/session", h.SignIn)
	mux.HandleFunc("DELETE /api/session", h.SignOut)
	mux.HandleFunc("POST /api/network", h.SetNetwork)
}
