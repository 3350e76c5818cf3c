package sync

import (
	"context"

	"github.com/kimhsiao/fieldsync/internal/db"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/sync/dispatch"
	"github.com/kimhsiao/fieldsync/internal/sync/queue"
	"github.com/kimhsiao/fieldsync/internal/sync/reconcile"
)

// EngineInterface defines the operations exposed to the UI bridges.
// This interface allows for mocking in handler tests.
type EngineInterface interface {
	// Create stores a new entity locally and queues its upload.
	Create(ctx context.Context, entity *models.Entity) (*models.Entity, error)

	// Update overwrites an entity's editable fields and queues the change.
	Update(ctx context.Context, entity *models.Entity) (*models.Entity, error)

	// Delete hides an entity and queues its remote deletion.
	Delete(ctx context.Context, t models.EntityType, id string) error

	Get(ctx context.Context, t models.EntityType, id string) (*models.Entity, error)
	List(ctx context.Context, filter db.ListFilter) ([]*models.Entity, error)

	// Status returns pending and failed counts plus connectivity state.
	Status(ctx context.Context) (Status, error)

	FailedItems(ctx context.Context) ([]*queue.Item, error)
	Retry(ctx context.Context, itemID string) error
	RetryAll(ctx context.Context) (int, error)
	Discard(ctx context.Context, itemID string) error

	SignIn(token string)
	SignOut()
	SetNetworkState(online bool)

	Sync(ctx context.Context) (*dispatch.CycleResult, error)
	Reconcile(ctx context.Context) (*reconcile.Result, error)
	Foreground(ctx context.Context) (*ForegroundResult, error)
}

var _ EngineInterface = (*Engine)(nil)
