// Package reconcile folds the server's authoritative records into the local store.
package reconcile

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/avast/retry-go"

	"github.com/kimhsiao/fieldsync/internal/db"
	"github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/sync/remote"
	"github.com/kimhsiao/fieldsync/internal/telemetry"
)

// Actions counted per record.
const (
	ActionUpserted = "upserted"
	ActionDeleted  = "deleted"
	ActionSkipped  = "skipped"
)

// Store is the part of the local store the reconciler reads and writes.
type Store interface {
	LookupEntity(ctx context.Context, t models.EntityType, id string) (*models.Entity, error)
	FindByServerID(ctx context.Context, t models.EntityType, serverID string) (*models.Entity, error)
	SaveEntity(ctx context.Context, e *models.Entity) error
	DeleteEntity(ctx context.Context, t models.EntityType, id string) error
}

// Outstanding reports which entities still have unfinished queue items.
type Outstanding interface {
	OutstandingEntities(ctx context.Context) (map[string]bool, error)
}

// Config holds reconciler settings.
type Config struct {
	// Attempts bounds listing fetches per source, first try included.
	Attempts uint
	Delay    time.Duration
	MaxDelay time.Duration
}

// DefaultConfig returns the default reconciler configuration.
func DefaultConfig() Config {
	return Config{
		Attempts: 3,
		Delay:    time.Second,
		MaxDelay: 10 * time.Second,
	}
}

// SourceResult counts what happened to one entity type's records.
type SourceResult struct {
	Fetched  int    `json:"fetched"`
	Upserted int    `json:"upserted"`
	Deleted  int    `json:"deleted"`
	Skipped  int    `json:"skipped"`
	Error    string `json:"error,omitempty"`
}

// Result summarizes one reconciliation pass.
type Result struct {
	Sources  map[models.EntityType]*SourceResult `json:"sources"`
	Duration time.Duration                       `json:"duration"`
}

// Totals sums the per-source counts.
func (r *Result) Totals() SourceResult {
	var total SourceResult
	for _, s := range r.Sources {
		total.Fetched += s.Fetched
		total.Upserted += s.Upserted
		total.Deleted += s.Deleted
		total.Skipped += s.Skipped
	}
	return total
}

// Reconciler pulls listings from each adapter and applies them locally.
type Reconciler struct {
	store       Store
	outstanding Outstanding
	sources     remote.Registry
	config      Config
	metrics     *telemetry.Metrics
}

// New creates a Reconciler. A nil metrics records nothing.
func New(store Store, outstanding Outstanding, sources remote.Registry, config Config, metrics *telemetry.Metrics) *Reconciler {
	if config.Attempts == 0 {
		config.Attempts = DefaultConfig().Attempts
	}
	return &Reconciler{
		store:       store,
		outstanding: outstanding,
		sources:     sources,
		config:      config,
		metrics:     metrics,
	}
}

// Reconcile runs one pass over every source, reports first so photo and
// audio records can find their parent. A failing source does not stop the
// others; the returned error names every source that failed.
//
// Local entities with unfinished queue items are left untouched, and local
// entities missing from a listing are never deleted.
func (r *Reconciler) Reconcile(ctx context.Context) (*Result, error) {
	start := time.Now()
	result := &Result{Sources: make(map[models.EntityType]*SourceResult)}

	var failed []error
	for _, t := range models.EntityTypes {
		source, ok := r.sources[t]
		if !ok {
			continue
		}
		sr := &SourceResult{}
		result.Sources[t] = sr

		if err := r.reconcileSource(ctx, source, sr); err != nil {
			sr.Error = err.Error()
			failed = append(failed, fmt.Errorf("%s: %w", t, err))
		}
		r.metrics.AddReconciled(string(t), ActionUpserted, sr.Upserted)
		r.metrics.AddReconciled(string(t), ActionDeleted, sr.Deleted)
		r.metrics.AddReconciled(string(t), ActionSkipped, sr.Skipped)
	}
	result.Duration = time.Since(start)

	totals := result.Totals()
	logging.Info("Reconciliation finished", map[string]interface{}{
		"fetched":  totals.Fetched,
		"upserted": totals.Upserted,
		"deleted":  totals.Deleted,
		"skipped":  totals.Skipped,
		"failed":   len(failed),
		"duration": result.Duration.String(),
	})

	if len(failed) > 0 {
		return result, errors.Wrap(errors.ErrSyncFailed, "reconciliation incomplete", stderrors.Join(failed...))
	}
	return result, nil
}

func (r *Reconciler) reconcileSource(ctx context.Context, source remote.Adapter, sr *SourceResult) error {
	t := source.EntityType()

	records, err := r.fetch(ctx, source)
	if err != nil {
		return err
	}
	sr.Fetched = len(records)

	// Read after the fetch so items enqueued meanwhile are respected
	outstanding, err := r.outstanding.OutstandingEntities(ctx)
	if err != nil {
		return err
	}

	for _, rec := range records {
		action, err := r.apply(ctx, t, rec, outstanding)
		if err != nil {
			return fmt.Errorf("record %s: %w", rec.ID, err)
		}
		switch action {
		case ActionUpserted:
			sr.Upserted++
		case ActionDeleted:
			sr.Deleted++
		default:
			sr.Skipped++
		}
	}
	return nil
}

// fetch lists a source, retrying transient failures with exponential backoff.
func (r *Reconciler) fetch(ctx context.Context, source remote.Adapter) ([]remote.Record, error) {
	var records []remote.Record
	err := retry.Do(
		func() error {
			var err error
			records, err = source.List(ctx)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(r.config.Attempts),
		retry.Delay(r.config.Delay),
		retry.MaxDelay(r.config.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(remote.IsRetryable),
		retry.OnRetry(func(n uint, err error) {
			logging.Debug("Retrying listing fetch", map[string]interface{}{
				"entity_type": source.EntityType(),
				"attempt":     n + 1,
				"error":       err.Error(),
			})
		}),
	)
	if err != nil {
		return nil, err
	}
	return records, nil
}

// apply folds one record into the local store and returns the action taken.
func (r *Reconciler) apply(ctx context.Context, t models.EntityType, rec remote.Record, outstanding map[string]bool) (string, error) {
	local, err := r.localRow(ctx, t, rec)
	if err != nil {
		return "", err
	}

	localID := rec.LocalID()
	if local != nil {
		localID = local.ID.String()
	}
	if outstanding[localID] {
		// Local edits not yet acknowledged win over the listing
		return ActionSkipped, nil
	}

	if rec.Deleted {
		if local == nil {
			return ActionSkipped, nil
		}
		if err := r.store.DeleteEntity(ctx, t, localID); err != nil && !stderrors.Is(err, db.ErrNotFound) {
			return "", err
		}
		return ActionDeleted, nil
	}

	e := &models.Entity{
		ID:           models.UUID(localID),
		Type:         t,
		ServerID:     rec.ID,
		ReportNumber: rec.ReportNumber,
		Status:       rec.Status,
		Title:        rec.Title,
		Description:  rec.Description,
		Latitude:     rec.Latitude,
		Longitude:    rec.Longitude,
		MimeType:     rec.MimeType,
		DurationMS:   rec.DurationMS,
		Fields:       rec.Fields,
		Origin:       models.OriginConfirmed,
		UpdatedAt:    rec.UpdatedAt,
	}

	if t != models.EntityReport {
		parentID, err := r.parentID(ctx, rec)
		if err != nil {
			return "", err
		}
		if parentID == "" {
			logging.Debug("Skipping record with unknown parent", map[string]interface{}{
				"entity_type": t,
				"server_id":   rec.ID,
				"report_id":   rec.ReportID,
			})
			return ActionSkipped, nil
		}
		e.ParentID = models.UUID(parentID)
	}

	if local != nil {
		// The file stays where the device stored it
		e.MediaPath = local.MediaPath
		e.CreatedAt = local.CreatedAt
		if e.MimeType == "" {
			e.MimeType = local.MimeType
		}
	}

	if err := r.store.SaveEntity(ctx, e); err != nil {
		return "", err
	}
	return ActionUpserted, nil
}

// localRow finds the local row of rec by client id, then by server id.
func (r *Reconciler) localRow(ctx context.Context, t models.EntityType, rec remote.Record) (*models.Entity, error) {
	e, err := r.store.LookupEntity(ctx, t, rec.LocalID())
	if err == nil {
		return e, nil
	}
	if !stderrors.Is(err, db.ErrNotFound) {
		return nil, err
	}

	e, err = r.store.FindByServerID(ctx, t, rec.ID)
	if stderrors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	return e, err
}

// parentID resolves the local id of a media record's report.
func (r *Reconciler) parentID(ctx context.Context, rec remote.Record) (string, error) {
	if rec.ReportClientID != "" {
		return rec.ReportClientID, nil
	}
	if rec.ReportID == "" {
		return "", nil
	}
	parent, err := r.store.FindByServerID(ctx, models.EntityReport, rec.ReportID)
	if stderrors.Is(err, db.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return parent.ID.String(), nil
}
