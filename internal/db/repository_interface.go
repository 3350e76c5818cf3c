// Package db provides repository interfaces for fieldsync entities.
package db

import (
	"context"

	"github.com/kimhsiao/fieldsync/internal/models"
)

// EntityReader defines read access to the local store.
type EntityReader interface {
	// GetEntity retrieves a live entity by local id.
	GetEntity(ctx context.Context, t models.EntityType, id string) (*models.Entity, error)

	// LookupEntity retrieves an entity including soft-deleted rows.
	LookupEntity(ctx context.Context, t models.EntityType, id string) (*models.Entity, error)

	// ListEntities returns entities matching the filter.
	ListEntities(ctx context.Context, filter ListFilter) ([]*models.Entity, error)
}

// EntityWriter defines write access to the local store.
type EntityWriter interface {
	// SaveEntity upserts an entity.
	SaveEntity(ctx context.Context, e *models.Entity) error

	// DeleteEntity permanently removes an entity.
	DeleteEntity(ctx context.Context, t models.EntityType, id string) error
}

// SyncRepository groups the operations the dispatcher and reconciler need
// to fold server results back into the local store.
type SyncRepository interface {
	EntityReader
	EntityWriter

	// ApplyCanonical folds server-assigned fields into the local row.
	ApplyCanonical(ctx context.Context, t models.EntityType, id string, c models.Canonical) error

	// SetOrigin updates the confirmation state.
	SetOrigin(ctx context.Context, t models.EntityType, id string, origin models.Origin) error

	// FindByServerID resolves a server record to its local row.
	FindByServerID(ctx context.Context, t models.EntityType, serverID string) (*models.Entity, error)

	// ServerIDOf returns the server id of a local entity, or "".
	ServerIDOf(ctx context.Context, t models.EntityType, id string) (string, error)
}

// Ensure *Repository implements the interfaces at compile time.
var (
	_ EntityReader   = (*Repository)(nil)
	_ EntityWriter   = (*Repository)(nil)
	_ SyncRepository = (*Repository)(nil)
)
