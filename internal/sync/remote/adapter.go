package remote

import (
	"context"
	"encoding/json"
	stderrors "errors"

	"github.com/kimhsiao/fieldsync/internal/db"
	"github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/sync/queue"
)

// ErrParentNotSynced is returned while a photo or audio note's report has no server id yet.
var ErrParentNotSynced = errors.New(errors.ErrSyncFailed, "parent report not yet created on server")

// Adapter replays queued operations of one entity type.
type Adapter interface {
	// EntityType returns the entity type handled by this adapter.
	EntityType() models.EntityType

	// Apply performs exactly one API call for item.
	Apply(ctx context.Context, item *queue.Item) Result

	// List fetches the server's records of this type, including tombstones.
	List(ctx context.Context) ([]Record, error)
}

// ServerIDResolver maps a local entity id to its server id ("" when unknown).
type ServerIDResolver interface {
	ServerIDOf(ctx context.Context, t models.EntityType, id string) (string, error)
}

// Record is a server-side report, photo or audio note.
type Record struct {
	ID             string                 `json:"id"`
	ClientID       string                 `json:"client_id"`
	ReportID       string                 `json:"report_id,omitempty"`
	ReportClientID string                 `json:"report_client_id,omitempty"`
	ReportNumber   string                 `json:"report_number,omitempty"`
	Status         string                 `json:"status,omitempty"`
	Title          string                 `json:"title,omitempty"`
	Description    string                 `json:"description,omitempty"`
	Latitude       *float64               `json:"latitude,omitempty"`
	Longitude      *float64               `json:"longitude,omitempty"`
	MimeType       string                 `json:"mime_type,omitempty"`
	DurationMS     int64                  `json:"duration_ms,omitempty"`
	Fields         map[string]interface{} `json:"fields,omitempty"`
	Deleted        bool                   `json:"deleted"`
	UpdatedAt      int64                  `json:"updated_at"`
}

// LocalID returns the id the record is stored under on this device.
// Records created elsewhere have no client id and keep their server id.
func (r Record) LocalID() string {
	if r.ClientID != "" {
		return r.ClientID
	}
	return r.ID
}

// Canonical returns the server-assigned fields of the record.
func (r Record) Canonical() models.Canonical {
	return models.Canonical{
		ServerID:     r.ID,
		ReportNumber: r.ReportNumber,
		Status:       r.Status,
		UpdatedAt:    r.UpdatedAt,
	}
}

// Registry maps entity types to adapters.
type Registry map[models.EntityType]Adapter

// NewRegistry builds a registry from adapters.
func NewRegistry(adapters ...Adapter) Registry {
	r := make(Registry, len(adapters))
	for _, a := range adapters {
		r[a.EntityType()] = a
	}
	return r
}

// NewDefaultRegistry wires the report, photo and audio adapters to one client.
func NewDefaultRegistry(client *Client, resolver ServerIDResolver) Registry {
	return NewRegistry(
		NewReportAdapter(client, resolver),
		NewMediaAdapter(models.EntityPhoto, client, resolver),
		NewMediaAdapter(models.EntityAudio, client, resolver),
	)
}

// decodeSnapshot decodes the entity snapshot carried by a queue item.
func decodeSnapshot(item *queue.Item) (*models.Entity, error) {
	var e models.Entity
	if len(item.Payload) > 0 {
		if err := json.Unmarshal(item.Payload, &e); err != nil {
			return nil, errors.Wrap(errors.ErrInvalid, "failed to decode payload", err)
		}
	}
	if e.ID == "" {
		e.ID = models.UUID(item.EntityID)
	}
	e.Type = item.EntityType
	return &e, nil
}

// resolveServerID returns the server id of the item's own entity. Deleted
// rows are included so a pending remote delete can still find it.
func resolveServerID(ctx context.Context, resolver ServerIDResolver, item *queue.Item) (string, error) {
	id, err := resolver.ServerIDOf(ctx, item.EntityType, item.EntityID)
	if stderrors.Is(err, db.ErrNotFound) {
		return "", nil
	}
	return id, err
}

// decodeRecord parses a record body into a success result.
func decodeRecord(resp *response) Result {
	var rec Record
	if len(resp.body) > 0 {
		if err := json.Unmarshal(resp.body, &rec); err != nil {
			return Result{
				Outcome:    OutcomeRetryable,
				StatusCode: resp.status,
				Err:        errors.Wrap(errors.ErrSyncFailed, "failed to decode response", err),
			}
		}
	}
	return Result{Outcome: OutcomeSuccess, StatusCode: resp.status, Canonical: rec.Canonical()}
}

func rejected(err error) Result {
	return Result{Outcome: OutcomeRejected, Err: err}
}

func retryable(err error) Result {
	return Result{Outcome: OutcomeRetryable, Err: err}
}
