// Package sync is the entry point of the offline sync engine.
//
// The Engine owns the local store, the operation queue and the components
// that drain it. UI code calls Create, Update and Delete; each call writes
// the local store and enqueues the mutation in one SQLite transaction, and
// the background scheduler replays the queue whenever the API is reachable.
package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kimhsiao/fieldsync/internal/auth"
	"github.com/kimhsiao/fieldsync/internal/config"
	"github.com/kimhsiao/fieldsync/internal/db"
	"github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/sync/dispatch"
	"github.com/kimhsiao/fieldsync/internal/sync/netmon"
	"github.com/kimhsiao/fieldsync/internal/sync/queue"
	"github.com/kimhsiao/fieldsync/internal/sync/reconcile"
	"github.com/kimhsiao/fieldsync/internal/sync/remote"
	"github.com/kimhsiao/fieldsync/internal/sync/scheduler"
	"github.com/kimhsiao/fieldsync/internal/telemetry"
	"github.com/kimhsiao/fieldsync/internal/uuid"
)

// Options configures an Engine.
type Options struct {
	DataDir    string
	APIBaseURL string
	APITimeout time.Duration
	Token      string

	Queue     queue.Config
	Dispatch  dispatch.Config
	Reconcile reconcile.Config
	Scheduler scheduler.SchedulerConfig

	// ProbeURL enables the polling connectivity probe when non-empty.
	ProbeURL      string
	ProbeInterval time.Duration
	SettleDelay   time.Duration
	// InitialOnline is the connectivity state assumed until the first observation.
	InitialOnline bool

	// Registerer receives the engine metrics; nil disables metrics.
	Registerer prometheus.Registerer
	// Adapters replaces the HTTP adapters, for tests.
	Adapters remote.Registry
}

// OptionsFromConfig maps the file configuration onto engine options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		DataDir:    cfg.DataDir,
		APIBaseURL: cfg.API.BaseURL,
		APITimeout: cfg.API.Timeout.Std(),
		Token:      cfg.Token,
		Queue: queue.Config{
			MaxRetries:  cfg.Queue.MaxRetries,
			BackoffBase: cfg.Queue.BackoffBase.Std(),
			BackoffMax:  cfg.Queue.BackoffMax.Std(),
			Retention:   cfg.Queue.CompletedRetention.Std(),
			MaxSize:     cfg.Queue.MaxSize,
		},
		Dispatch: dispatch.Config{
			BatchSize:   cfg.Dispatch.BatchSize,
			Concurrency: cfg.Dispatch.Concurrency,
			CallTimeout: cfg.Dispatch.CallTimeout.Std(),
		},
		Reconcile: reconcile.Config{
			Attempts: cfg.Reconcile.Attempts,
			Delay:    time.Second,
			MaxDelay: 10 * time.Second,
		},
		Scheduler: scheduler.SchedulerConfig{
			DispatchInterval:  cfg.Dispatch.Interval.Std(),
			ReconcileInterval: cfg.Reconcile.Interval.Std(),
		},
		ProbeURL:      cfg.ProbeURL(),
		ProbeInterval: cfg.Connectivity.ProbeInterval.Std(),
		SettleDelay:   cfg.Connectivity.SettleDelay.Std(),
	}
}

// Status is the sync state shown to the user ("3 pending, 1 failed").
type Status struct {
	Pending         int                   `json:"pending"`
	InFlight        int                   `json:"in_flight"`
	Failed          int                   `json:"failed"`
	Online          bool                  `json:"online"`
	Suspended       bool                  `json:"suspended"`
	Syncing         bool                  `json:"syncing"`
	LastCycle       *dispatch.CycleResult `json:"last_cycle,omitempty"`
	LastReconcileAt *time.Time            `json:"last_reconcile_at,omitempty"`
}

// Engine is the process-wide owner of the local store and the queue.
type Engine struct {
	opts       Options
	database   *db.DB
	repo       *db.Repository
	queue      *queue.Queue
	session    *auth.Session
	metrics    *telemetry.Metrics
	dispatcher *dispatch.Dispatcher
	reconciler *reconcile.Reconciler
	monitor    *netmon.Monitor
	scheduler  *scheduler.Scheduler

	mu      gosync.Mutex
	cancel  context.CancelFunc
	wg      gosync.WaitGroup
	started bool
}

// Open opens the local store under opts.DataDir, returns interrupted
// in-flight items to pending and wires the sync components. Background
// work begins with Start.
func Open(ctx context.Context, opts Options) (*Engine, error) {
	database, err := db.Open(opts.DataDir)
	if err != nil {
		return nil, err
	}

	q, err := queue.New(ctx, database.DB, withQueueDefaults(opts.Queue))
	if err != nil {
		database.Close()
		return nil, err
	}

	e := &Engine{
		opts:     opts,
		database: database,
		repo:     db.NewRepository(database.DB),
		queue:    q,
		session:  auth.NewSession(opts.Token),
	}
	if opts.Registerer != nil {
		e.metrics = telemetry.New(opts.Registerer)
	}

	adapters := opts.Adapters
	if adapters == nil {
		client := remote.NewClient(remote.ClientConfig{BaseURL: opts.APIBaseURL, Timeout: opts.APITimeout}, e.session)
		adapters = remote.NewDefaultRegistry(client, e.repo)
	}

	e.dispatcher = dispatch.New(q, e.repo, adapters, opts.Dispatch,
		dispatch.WithSession(e.session),
		dispatch.WithMetrics(e.metrics),
	)
	e.reconciler = reconcile.New(e.repo, q, adapters, opts.Reconcile, e.metrics)
	e.monitor = netmon.New(opts.InitialOnline, netmon.WithSettleDelay(opts.SettleDelay))

	schedConfig := opts.Scheduler
	def := scheduler.DefaultSchedulerConfig()
	if schedConfig.DispatchInterval <= 0 {
		schedConfig.DispatchInterval = def.DispatchInterval
	}
	if schedConfig.ReconcileInterval <= 0 {
		schedConfig.ReconcileInterval = def.ReconcileInterval
	}
	e.scheduler = scheduler.NewScheduler(e.dispatcher, e.reconciler, e.monitor, q.Notify(), &schedConfig)
	e.metrics.SetOnline(opts.InitialOnline)

	logging.Info("Sync engine opened", map[string]interface{}{
		"db_path": database.Path(),
		"api":     opts.APIBaseURL,
	})
	return e, nil
}

func withQueueDefaults(c queue.Config) queue.Config {
	def := queue.DefaultConfig()
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = def.BackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = def.BackoffMax
	}
	if c.Retention <= 0 {
		c.Retention = def.Retention
	}
	return c
}

// Start launches the scheduler and, when configured, the connectivity probe.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.started = true

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	events, unsubscribe := e.monitor.Subscribe()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer unsubscribe()
		for {
			select {
			case <-runCtx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				e.metrics.SetOnline(ev.Online)
			}
		}
	}()

	if e.opts.ProbeURL != "" {
		interval := e.opts.ProbeInterval
		if interval <= 0 {
			interval = 15 * time.Second
		}
		prober := netmon.NewHTTPProber(e.opts.ProbeURL, interval)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.monitor.Run(runCtx, prober, interval)
		}()
	}

	e.scheduler.Start(runCtx)
}

// Close stops background work and closes the local store.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.started {
		e.started = false
		e.scheduler.Stop()
		e.cancel()
	}
	e.mu.Unlock()

	e.wg.Wait()
	e.monitor.Close()
	return e.database.Close()
}

// =====================================================
// UI operations
// =====================================================

// Create stores a new report, photo or audio note and queues its upload.
// An empty ID is filled with a new UUID. Photos and audio notes need the
// local id of an existing report in ParentID.
func (e *Engine) Create(ctx context.Context, entity *models.Entity) (*models.Entity, error) {
	if entity == nil || !entity.Type.Valid() {
		return nil, errors.New(errors.ErrValidation, "a report, photo or audio note is required")
	}

	ent := entity.Clone()
	if ent.ID == "" {
		ent.ID = models.UUID(uuid.New())
	}
	if ent.Type == models.EntityReport {
		ent.ParentID = ""
		if ent.Status == "" {
			ent.Status = models.ReportStatusDraft
		}
	} else if err := e.requireParent(ctx, ent); err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	ent.ServerID = ""
	ent.ReportNumber = ""
	ent.Origin = models.OriginUnconfirmed
	ent.IsDeleted = false
	ent.CreatedAt = now
	ent.UpdatedAt = now

	if _, err := e.enqueue(ctx, ent, queue.OperationCreate, func(tx *sql.Tx) error {
		if existing, err := e.repo.LookupEntityTx(ctx, tx, ent.Type, ent.ID.String()); err == nil && existing != nil {
			return errors.Newf(errors.ErrValidation, "%s %s already exists", ent.Type, ent.ID)
		}
		return e.repo.SaveEntityTx(ctx, tx, ent)
	}); err != nil {
		return nil, e.saveFailed("create", ent, err)
	}
	return ent, nil
}

// Update overwrites the editable fields of an existing entity and queues the change.
func (e *Engine) Update(ctx context.Context, entity *models.Entity) (*models.Entity, error) {
	if entity == nil || !entity.Type.Valid() || entity.ID == "" {
		return nil, errors.New(errors.ErrValidation, "entity type and id are required")
	}

	existing, err := e.repo.GetEntity(ctx, entity.Type, entity.ID.String())
	if err != nil {
		return nil, e.saveFailed("update", entity, err)
	}

	ent := entity.Clone()
	ent.ParentID = existing.ParentID
	ent.ServerID = existing.ServerID
	ent.ReportNumber = existing.ReportNumber
	ent.CreatedAt = existing.CreatedAt
	if ent.MediaPath == "" {
		ent.MediaPath = existing.MediaPath
	}
	if ent.Status == "" {
		ent.Status = existing.Status
	}
	ent.Origin = models.OriginUnconfirmed
	ent.IsDeleted = false
	ent.UpdatedAt = time.Now().Unix()

	_, err = e.enqueue(ctx, ent, queue.OperationUpdate, func(tx *sql.Tx) error {
		// Refuse to resurrect a row deleted since it was read
		if _, err := e.repo.GetEntityTx(ctx, tx, ent.Type, ent.ID.String()); err != nil {
			return err
		}
		return e.repo.SaveEntityTx(ctx, tx, ent)
	})
	if err != nil {
		return nil, e.saveFailed("update", ent, err)
	}
	return ent, nil
}

// Delete hides an entity locally and queues its remote deletion. Deleting a
// report also deletes its photos and audio notes. Rows are removed for good
// once the server confirms.
func (e *Engine) Delete(ctx context.Context, t models.EntityType, id string) error {
	if !t.Valid() || id == "" {
		return errors.New(errors.ErrValidation, "entity type and id are required")
	}

	ent, err := e.repo.GetEntity(ctx, t, id)
	if err != nil {
		return e.saveFailed("delete", &models.Entity{ID: models.UUID(id), Type: t}, err)
	}
	targets := []*models.Entity{ent}

	if t == models.EntityReport {
		for _, child := range []models.EntityType{models.EntityPhoto, models.EntityAudio} {
			children, err := e.repo.ListEntities(ctx, db.ListFilter{Type: child, ParentID: id})
			if err != nil {
				return e.saveFailed("delete", ent, err)
			}
			// Children are enqueued ahead of the report
			targets = append(children, targets...)
		}
	}

	reqs := make([]queue.EnqueueRequest, 0, len(targets))
	for _, ent := range targets {
		payload, err := json.Marshal(ent)
		if err != nil {
			return errors.Wrap(errors.ErrInvalid, "failed to encode entity", err)
		}
		reqs = append(reqs, queue.EnqueueRequest{
			EntityType: ent.Type,
			EntityID:   ent.ID.String(),
			Operation:  queue.OperationDelete,
			Payload:    payload,
		})
	}

	_, err = e.queue.EnqueueBatchTx(ctx, reqs, func(tx *sql.Tx) error {
		for _, ent := range targets {
			err := e.repo.MarkEntityDeletedTx(ctx, tx, ent.Type, ent.ID.String())
			if err != nil && !stderrors.Is(err, db.ErrNotFound) {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return e.saveFailed("delete", ent, err)
	}
	return nil
}

func (e *Engine) requireParent(ctx context.Context, ent *models.Entity) error {
	if ent.ParentID == "" {
		return errors.Newf(errors.ErrValidation, "%s requires a parent report", ent.Type)
	}
	if _, err := e.repo.GetEntity(ctx, models.EntityReport, ent.ParentID.String()); err != nil {
		if stderrors.Is(err, db.ErrNotFound) {
			return errors.Newf(errors.ErrValidation, "parent report %s does not exist", ent.ParentID)
		}
		return err
	}
	return nil
}

// enqueue stores the snapshot of ent and queues op in one transaction.
func (e *Engine) enqueue(ctx context.Context, ent *models.Entity, op queue.Operation, write func(tx *sql.Tx) error) (string, error) {
	payload, err := json.Marshal(ent)
	if err != nil {
		return "", errors.Wrap(errors.ErrInvalid, "failed to encode entity", err)
	}
	return e.queue.EnqueueTx(ctx, queue.EnqueueRequest{
		EntityType: ent.Type,
		EntityID:   ent.ID.String(),
		DependsOn:  ent.ParentID.String(),
		Operation:  op,
		Payload:    payload,
	}, write)
}

// saveFailed logs a failed UI write and returns err with a storage code
// unless it already carries one.
func (e *Engine) saveFailed(op string, ent *models.Entity, err error) error {
	fields := map[string]interface{}{
		"operation":   op,
		"entity_type": ent.Type,
		"entity_id":   ent.ID,
	}
	var appErr *errors.AppError
	if !stderrors.As(err, &appErr) {
		err = errors.Wrap(errors.ErrDatabase, fmt.Sprintf("could not save %s", ent.Type), err)
	}
	code := errors.CodeOf(err)
	if code == errors.ErrDatabase {
		logging.ErrorWithCode("Local write failed", string(code), err, fields)
	} else {
		logging.Warn("Local write refused", map[string]interface{}{
			"operation":   op,
			"entity_type": ent.Type,
			"entity_id":   ent.ID,
			"error":       err.Error(),
		})
	}
	return err
}

// =====================================================
// Reads
// =====================================================

// Get returns a live entity.
func (e *Engine) Get(ctx context.Context, t models.EntityType, id string) (*models.Entity, error) {
	return e.repo.GetEntity(ctx, t, id)
}

// List returns entities matching filter.
func (e *Engine) List(ctx context.Context, filter db.ListFilter) ([]*models.Entity, error) {
	return e.repo.ListEntities(ctx, filter)
}

// Status returns the current sync state.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	stats, err := e.queue.Stats(ctx)
	if err != nil {
		return Status{}, err
	}
	sched := e.scheduler.GetStatus()
	return Status{
		Pending:         stats.Pending,
		InFlight:        stats.InFlight,
		Failed:          stats.Failed,
		Online:          e.monitor.Online(),
		Suspended:       e.dispatcher.Suspended(),
		Syncing:         e.dispatcher.Running(),
		LastCycle:       e.dispatcher.LastResult(),
		LastReconcileAt: sched.LastReconcileTime,
	}, nil
}

// FailedItems returns terminally failed items for review.
func (e *Engine) FailedItems(ctx context.Context) ([]*queue.Item, error) {
	return e.queue.FailedItems(ctx)
}

// =====================================================
// Recovery actions
// =====================================================

// Retry gives a failed item a fresh retry budget and requests a cycle.
func (e *Engine) Retry(ctx context.Context, itemID string) error {
	if err := e.queue.Retry(ctx, itemID); err != nil {
		return err
	}
	e.scheduler.TriggerDispatch()
	return nil
}

// RetryAll resets every failed item and returns how many were reset.
func (e *Engine) RetryAll(ctx context.Context) (int, error) {
	n, err := e.queue.RetryAll(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.scheduler.TriggerDispatch()
	}
	return n, nil
}

// Discard drops a failed item. The local entity keeps its unconfirmed state.
func (e *Engine) Discard(ctx context.Context, itemID string) error {
	return e.queue.Discard(ctx, itemID)
}

// =====================================================
// Session and triggers
// =====================================================

// SignIn installs a fresh credential and lifts a suspension.
func (e *Engine) SignIn(token string) {
	e.session.Set(token)
	e.dispatcher.Resume()
	e.scheduler.TriggerDispatch()
}

// SignOut drops the credential; dispatch suspends at the next cycle.
func (e *Engine) SignOut() {
	e.session.Clear()
}

// SetNetworkState feeds a platform connectivity callback into the monitor.
func (e *Engine) SetNetworkState(online bool) {
	e.monitor.Observe(online)
}

// Sync runs one dispatch cycle now, regardless of the scheduler.
func (e *Engine) Sync(ctx context.Context) (*dispatch.CycleResult, error) {
	return e.dispatcher.RunCycle(ctx)
}

// Reconcile runs one reconciliation pass now.
func (e *Engine) Reconcile(ctx context.Context) (*reconcile.Result, error) {
	return e.reconciler.Reconcile(ctx)
}

// Foreground is called when the app returns to the foreground: it pulls
// server state, then drains the queue.
func (e *Engine) Foreground(ctx context.Context) (*ForegroundResult, error) {
	result := &ForegroundResult{}

	rec, recErr := e.reconciler.Reconcile(ctx)
	result.Reconcile = rec

	cycle, cycleErr := e.dispatcher.RunCycle(ctx)
	result.Cycle = cycle

	return result, stderrors.Join(recErr, cycleErr)
}

// ForegroundResult carries the outcome of Foreground.
type ForegroundResult struct {
	Reconcile *reconcile.Result     `json:"reconcile,omitempty"`
	Cycle     *dispatch.CycleResult `json:"cycle,omitempty"`
}

// Queue exposes the operation queue for operator tooling.
func (e *Engine) Queue() *queue.Queue {
	return e.queue
}
