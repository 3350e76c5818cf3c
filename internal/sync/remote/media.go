package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gabriel-vasile/mimetype"

	"github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/sync/queue"
)

// MediaAdapter replays photo or audio note operations. Creates upload the
// file at the entity's media path as multipart form data under the parent
// report's server id.
type MediaAdapter struct {
	entityType models.EntityType
	resource   string
	client     *Client
	resolver   ServerIDResolver
}

// NewMediaAdapter creates an adapter for models.EntityPhoto or models.EntityAudio.
func NewMediaAdapter(t models.EntityType, client *Client, resolver ServerIDResolver) *MediaAdapter {
	resource := "photos"
	if t == models.EntityAudio {
		resource = "audio"
	}
	return &MediaAdapter{entityType: t, resource: resource, client: client, resolver: resolver}
}

// EntityType returns the handled entity type.
func (a *MediaAdapter) EntityType() models.EntityType {
	return a.entityType
}

// Apply performs the create, update or delete call for item.
func (a *MediaAdapter) Apply(ctx context.Context, item *queue.Item) Result {
	e, err := decodeSnapshot(item)
	if err != nil {
		return rejected(err)
	}

	switch item.Operation {
	case queue.OperationCreate:
		return a.create(ctx, e)
	case queue.OperationUpdate:
		return a.update(ctx, item, e)
	case queue.OperationDelete:
		return remoteDelete(ctx, a.client, a.resolver, item, "/api/v1/"+a.resource+"/")
	}
	return rejected(errors.Newf(errors.ErrInvalid, "unsupported operation %q", item.Operation))
}

func (a *MediaAdapter) create(ctx context.Context, e *models.Entity) Result {
	if e.ParentID == "" {
		return rejected(errors.New(errors.ErrValidation, "media has no parent report"))
	}
	parentServerID, err := a.resolver.ServerIDOf(ctx, models.EntityReport, e.ParentID.String())
	if err != nil {
		return retryable(fmt.Errorf("%w: %v", ErrParentNotSynced, err))
	}
	if parentServerID == "" {
		return retryable(ErrParentNotSynced)
	}

	body, contentType, err := buildUpload(e)
	if err != nil {
		// The file is gone or unreadable; no retry can fix that
		return rejected(err)
	}

	resp, err := a.client.do(ctx, request{
		method:         http.MethodPost,
		path:           "/api/v1/reports/" + url.PathEscape(parentServerID) + "/" + a.resource,
		body:           body,
		contentType:    contentType,
		idempotencyKey: e.ID.String(),
	})
	if err != nil {
		return transportResult(err)
	}
	return createResult(resp)
}

// buildUpload encodes the metadata fields and the media file. A missing MIME
// type is sniffed from the file contents.
func buildUpload(e *models.Entity) (io.Reader, string, error) {
	if e.MediaPath == "" {
		return nil, "", errors.New(errors.ErrValidation, "media path is empty")
	}
	file, err := os.Open(e.MediaPath)
	if err != nil {
		return nil, "", errors.Wrap(errors.ErrInvalid, "failed to open media file", err)
	}
	defer file.Close()

	mimeType := e.MimeType
	if mimeType == "" {
		detected, err := mimetype.DetectReader(file)
		if err != nil {
			return nil, "", errors.Wrap(errors.ErrInvalid, "failed to read media file", err)
		}
		mimeType = detected.String()
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			return nil, "", errors.Wrap(errors.ErrInvalid, "failed to rewind media file", err)
		}
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fields := map[string]string{
		"client_id":   e.ID.String(),
		"description": e.Description,
		"mime_type":   mimeType,
	}
	if e.DurationMS > 0 {
		fields["duration_ms"] = strconv.FormatInt(e.DurationMS, 10)
	}
	if e.Latitude != nil {
		fields["latitude"] = strconv.FormatFloat(*e.Latitude, 'f', -1, 64)
	}
	if e.Longitude != nil {
		fields["longitude"] = strconv.FormatFloat(*e.Longitude, 'f', -1, 64)
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, "", fmt.Errorf("failed to write form field: %w", err)
		}
	}

	part, err := mw.CreateFormFile("file", filepath.Base(e.MediaPath))
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, "", errors.Wrap(errors.ErrInvalid, "failed to read media file", err)
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finish multipart body: %w", err)
	}
	return &buf, mw.FormDataContentType(), nil
}

func (a *MediaAdapter) update(ctx context.Context, item *queue.Item, e *models.Entity) Result {
	serverID, err := resolveServerID(ctx, a.resolver, item)
	if err != nil {
		return retryable(err)
	}
	if serverID == "" {
		return retryable(errors.Newf(errors.ErrSyncFailed, "%s not yet created on server", a.entityType))
	}

	patch := map[string]interface{}{"description": e.Description}
	if e.Fields != nil {
		patch["fields"] = e.Fields
	}
	resp, err := a.client.doJSON(ctx, http.MethodPatch, "/api/v1/"+a.resource+"/"+url.PathEscape(serverID), patch, "")
	if err != nil {
		return transportResult(err)
	}
	if resp.status < 200 || resp.status > 299 {
		return statusResult(resp)
	}
	return decodeRecord(resp)
}

// List fetches all records of this type, including tombstones.
func (a *MediaAdapter) List(ctx context.Context) ([]Record, error) {
	return a.client.listRecords(ctx, "/api/v1/"+a.resource+"?include_deleted=true")
}

// Ensure adapters implement the interface at compile time.
var (
	_ Adapter = (*ReportAdapter)(nil)
	_ Adapter = (*MediaAdapter)(nil)
)
