package handlers

import (
	"net/http"
	"strconv"

	"github.com/kimhsiao/fieldsync/internal/db"
	"github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/sync"
)

// resourceTypes maps URL collection names to entity types.
var resourceTypes = map[string]models.EntityType{
	"reports": models.EntityReport,
	"photos":  models.EntityPhoto,
	"audio":   models.EntityAudio,
}

// EntityHandler handles local report, photo and audio note operations.
// Every write lands in the local store at once and is synced in the background.
type EntityHandler struct {
	engine sync.EngineInterface
}

// NewEntityHandler creates a new EntityHandler.
func NewEntityHandler(engine sync.EngineInterface) *EntityHandler {
	return &EntityHandler{engine: engine}
}

// entityRequest is the editable part of an entity.
type entityRequest struct {
	ID          string                 `json:"id"`
	ParentID    string                 `json:"parent_id"`
	Status      string                 `json:"status"`
	Title       string                 `json:"title"`
	Description string                 `json:"description"`
	Latitude    *float64               `json:"latitude"`
	Longitude   *float64               `json:"longitude"`
	MediaPath   string                 `json:"media_path"`
	MimeType    string                 `json:"mime_type"`
	DurationMS  int64                  `json:"duration_ms"`
	Fields      map[string]interface{} `json:"fields"`
}

func (req *entityRequest) entity(t models.EntityType) *models.Entity {
	return &models.Entity{
		ID:          models.UUID(req.ID),
		Type:        t,
		ParentID:    models.UUID(req.ParentID),
		Status:      req.Status,
		Title:       req.Title,
		Description: req.Description,
		Latitude:    req.Latitude,
		Longitude:   req.Longitude,
		MediaPath:   req.MediaPath,
		MimeType:    req.MimeType,
		DurationMS:  req.DurationMS,
		Fields:      req.Fields,
	}
}

func entityType(r *http.Request) (models.EntityType, error) {
	t, ok := resourceTypes[r.PathValue("resource")]
	if !ok {
		return "", errors.Newf(errors.ErrNotFound, "unknown resource %q", r.PathValue("resource"))
	}
	return t, nil
}

// List handles GET /api/{resource}
// Query parameters: report_id, origin, status, limit, offset.
func (h *EntityHandler) List(w http.ResponseWriter, r *http.Request) {
	t, err := entityType(r)
	if err != nil {
		writeError(w, err)
		return
	}

	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit < 1 || limit > 500 {
		limit = 100
	}
	offset, _ := strconv.Atoi(q.Get("offset"))
	if offset < 0 {
		offset = 0
	}

	items, err := h.engine.List(r.Context(), db.ListFilter{
		Type:     t,
		ParentID: q.Get("report_id"),
		Origin:   models.Origin(q.Get("origin")),
		Status:   q.Get("status"),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if items == nil {
		items = []*models.Entity{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items":  items,
		"count":  len(items),
		"limit":  limit,
		"offset": offset,
	})
}

// Get handles GET /api/{resource}/{id}
func (h *EntityHandler) Get(w http.ResponseWriter, r *http.Request) {
	t, err := entityType(r)
	if err != nil {
		writeError(w, err)
		return
	}

	e, err := h.engine.Get(r.Context(), t, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// Create handles POST /api/{resource}
func (h *EntityHandler) Create(w http.ResponseWriter, r *http.Request) {
	t, err := entityType(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req entityRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	e, err := h.engine.Create(r.Context(), req.entity(t))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

// Update handles PUT /api/{resource}/{id}
func (h *EntityHandler) Update(w http.ResponseWriter, r *http.Request) {
	t, err := entityType(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req entityRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.ID = r.PathValue("id")

	e, err := h.engine.Update(r.Context(), req.entity(t))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// Delete handles DELETE /api/{resource}/{id}
func (h *EntityHandler) Delete(w http.ResponseWriter, r *http.Request) {
	t, err := entityType(r)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := h.engine.Delete(r.Context(), t, r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Register adds the entity routes to mux.
func (h *EntityHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/{resource}", h.List)
	mux.HandleFunc("POST /api/{resource}", h.Create)
	mux.HandleFunc("GET /api/{resource}/{id}", h.Get)
	mux.HandleFunc("PUT /api/{resource}/{id}", h.Update)
	mux.HandleFunc("DELETE /api/{resource}/{id}", h.Delete)
}
