package remote

import (
	"context"
	"net/http"
	"net/url"

	"github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/sync/queue"
)

// reportRequest is the JSON body of report create and update calls.
type reportRequest struct {
	ClientID    string                 `json:"client_id"`
	Status      string                 `json:"status,omitempty"`
	Title       string                 `json:"title"`
	Description string                 `json:"description"`
	Latitude    *float64               `json:"latitude,omitempty"`
	Longitude   *float64               `json:"longitude,omitempty"`
	Fields      map[string]interface{} `json:"fields,omitempty"`
}

// ReportAdapter replays report operations.
type ReportAdapter struct {
	client   *Client
	resolver ServerIDResolver
}

// NewReportAdapter creates a new ReportAdapter.
func NewReportAdapter(client *Client, resolver ServerIDResolver) *ReportAdapter {
	return &ReportAdapter{client: client, resolver: resolver}
}

// EntityType returns models.EntityReport.
func (a *ReportAdapter) EntityType() models.EntityType {
	return models.EntityReport
}

// Apply performs the report create, update or delete call for item.
func (a *ReportAdapter) Apply(ctx context.Context, item *queue.Item) Result {
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
		return remoteDelete(ctx, a.client, a.resolver, item, "/api/v1/reports/")
	}
	return rejected(errors.Newf(errors.ErrInvalid, "unsupported operation %q", item.Operation))
}

func toReportRequest(e *models.Entity) reportRequest {
	return reportRequest{
		ClientID:    e.ID.String(),
		Status:      e.Status,
		Title:       e.Title,
		Description: e.Description,
		Latitude:    e.Latitude,
		Longitude:   e.Longitude,
		Fields:      e.Fields,
	}
}

func (a *ReportAdapter) create(ctx context.Context, e *models.Entity) Result {
	resp, err := a.client.doJSON(ctx, http.MethodPost, "/api/v1/reports", toReportRequest(e), e.ID.String())
	if err != nil {
		return transportResult(err)
	}
	return createResult(resp)
}

func (a *ReportAdapter) update(ctx context.Context, item *queue.Item, e *models.Entity) Result {
	serverID, err := resolveServerID(ctx, a.resolver, item)
	if err != nil {
		return retryable(err)
	}
	if serverID == "" {
		return retryable(errors.New(errors.ErrSyncFailed, "report not yet created on server"))
	}

	resp, err := a.client.doJSON(ctx, http.MethodPut, "/api/v1/reports/"+url.PathEscape(serverID), toReportRequest(e), "")
	if err != nil {
		return transportResult(err)
	}
	if resp.status < 200 || resp.status > 299 {
		return statusResult(resp)
	}
	return decodeRecord(resp)
}

// List fetches all reports, including server-side tombstones.
func (a *ReportAdapter) List(ctx context.Context) ([]Record, error) {
	return a.client.listRecords(ctx, "/api/v1/reports?include_deleted=true")
}

// createResult treats 409 (already created with this client id) as success
// carrying the existing record.
func createResult(resp *response) Result {
	if resp.status == http.StatusConflict {
		result := decodeRecord(resp)
		if result.Outcome == OutcomeSuccess && result.Canonical.ServerID != "" {
			return result
		}
		return statusResult(resp)
	}
	if resp.status < 200 || resp.status > 299 {
		return statusResult(resp)
	}
	return decodeRecord(resp)
}

// remoteDelete deletes the item's entity. An entity never created remotely,
// or already gone (404), counts as deleted.
func remoteDelete(ctx context.Context, client *Client, resolver ServerIDResolver, item *queue.Item, prefix string) Result {
	serverID, err := resolveServerID(ctx, resolver, item)
	if err != nil {
		return retryable(err)
	}
	if serverID == "" {
		return Result{Outcome: OutcomeSuccess}
	}

	resp, err := client.doJSON(ctx, http.MethodDelete, prefix+url.PathEscape(serverID), nil, "")
	if err != nil {
		return transportResult(err)
	}
	if resp.status == http.StatusNotFound {
		return Result{Outcome: OutcomeSuccess, StatusCode: resp.status}
	}
	if resp.status < 200 || resp.status > 299 {
		return statusResult(resp)
	}
	return Result{Outcome: OutcomeSuccess, StatusCode: resp.status}
}
