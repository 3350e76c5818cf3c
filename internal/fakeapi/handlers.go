package fakeapi

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

type reportRequest struct {
	ClientID    string                 `json:"client_id"`
	Status      string                 `json:"status"`
	Title       string                 `json:"title"`
	Description string                 `json:"description"`
	Latitude    *float64               `json:"latitude"`
	Longitude   *float64               `json:"longitude"`
	Fields      map[string]interface{} `json:"fields"`
}

// Handles GET /{resource} - returns live records, plus tombstones with include_deleted=true.
func (s *Server) list(resource string) gin.HandlerFunc {
	return func(c *gin.Context) {
		includeDeleted := c.Query("include_deleted") == "true"

		s.mu.Lock()
		items := make([]Record, 0, len(s.records[resource]))
		for _, rec := range s.records[resource] {
			if rec.Deleted && !includeDeleted {
				continue
			}
			items = append(items, *rec)
		}
		s.mu.Unlock()

		c.JSON(http.StatusOK, gin.H{"items": items})
	}
}

// Handles POST /reports - creates a report, or answers 409 with the existing one.
func (s *Server) createReport(c *gin.Context) {
	var req reportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ClientID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "client_id is required"})
		return
	}
	if req.Title == "" {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "title is required"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byClient[ResourceReports][req.ClientID]; ok {
		c.JSON(http.StatusConflict, s.records[ResourceReports][id])
		return
	}

	status := req.Status
	if status == "" {
		status = "draft"
	}
	s.reportNo++
	rec := &Record{
		ID:           s.newIDLocked(ResourceReports),
		ClientID:     req.ClientID,
		ReportNumber: fmt.Sprintf("INC-%04d", s.reportNo),
		Status:       status,
		Title:        req.Title,
		Description:  req.Description,
		Latitude:     req.Latitude,
		Longitude:    req.Longitude,
		Fields:       req.Fields,
		UpdatedAt:    time.Now().Unix(),
	}
	s.records[ResourceReports][rec.ID] = rec
	s.byClient[ResourceReports][rec.ClientID] = rec.ID

	c.JSON(http.StatusCreated, rec)
}

// Handles PUT /reports/:id - replaces the editable fields of a report.
func (s *Server) updateReport(c *gin.Context) {
	var req reportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[ResourceReports][c.Param("id")]
	if !ok || rec.Deleted {
		c.JSON(http.StatusNotFound, gin.H{"error": "report not found"})
		return
	}

	if req.Status != "" && req.Status != "draft" {
		rec.Status = req.Status
	}
	rec.Title = req.Title
	rec.Description = req.Description
	rec.Latitude = req.Latitude
	rec.Longitude = req.Longitude
	rec.Fields = req.Fields
	rec.UpdatedAt = time.Now().Unix()

	c.JSON(http.StatusOK, rec)
}

// Handles POST /reports/:id/{photos|audio} - multipart upload attached to a report.
func (s *Server) createMedia(resource string) gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := c.PostForm("client_id")
		if clientID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "client_id is required"})
			return
		}

		file, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
			return
		}
		src, err := file.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "could not open file"})
			return
		}
		size, err := io.Copy(io.Discard, src)
		src.Close()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "could not read file"})
			return
		}

		s.mu.Lock()
		defer s.mu.Unlock()

		report, ok := s.records[ResourceReports][c.Param("id")]
		if !ok || report.Deleted {
			c.JSON(http.StatusNotFound, gin.H{"error": "report not found"})
			return
		}

		if id, ok := s.byClient[resource][clientID]; ok {
			c.JSON(http.StatusConflict, s.records[resource][id])
			return
		}

		rec := &Record{
			ID:             s.newIDLocked(resource),
			ClientID:       clientID,
			ReportID:       report.ID,
			ReportClientID: report.ClientID,
			Status:         "uploaded",
			Description:    c.PostForm("description"),
			MimeType:       c.PostForm("mime_type"),
			Size:           size,
			UpdatedAt:      time.Now().Unix(),
		}
		rec.Latitude = formFloat(c, "latitude")
		rec.Longitude = formFloat(c, "longitude")
		if d, err := strconv.ParseInt(c.PostForm("duration_ms"), 10, 64); err == nil {
			rec.DurationMS = d
		}

		s.records[resource][rec.ID] = rec
		s.byClient[resource][clientID] = rec.ID
		c.JSON(http.StatusCreated, rec)
	}
}

func formFloat(c *gin.Context, key string) *float64 {
	v, err := strconv.ParseFloat(c.PostForm(key), 64)
	if err != nil {
		return nil
	}
	return &v
}

// Handles PATCH /{photos|audio}/:id - updates the description.
func (s *Server) patchMedia(resource string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Description *string                `json:"description"`
			Fields      map[string]interface{} `json:"fields"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		s.mu.Lock()
		defer s.mu.Unlock()

		rec, ok := s.records[resource][c.Param("id")]
		if !ok || rec.Deleted {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		if req.Description != nil {
			rec.Description = *req.Description
		}
		if req.Fields != nil {
			rec.Fields = req.Fields
		}
		rec.UpdatedAt = time.Now().Unix()
		c.JSON(http.StatusOK, rec)
	}
}

// Handles DELETE /{resource}/:id - leaves a tombstone visible to include_deleted listings.
func (s *Server) remove(resource string) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.mu.Lock()
		defer s.mu.Unlock()

		rec, ok := s.records[resource][c.Param("id")]
		if !ok || rec.Deleted {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		rec.Deleted = true
		rec.UpdatedAt = time.Now().Unix()
		c.Status(http.StatusNoContent)
	}
}
