// Package dispatch drains the operation queue against the remote adapters.
//
// One cycle repeatedly takes the next batch of dispatchable items and runs
// them with bounded parallelism. Items in a batch belong to distinct
// entities, so per-entity order is kept by the queue while different
// entities proceed concurrently.
package dispatch

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kimhsiao/fieldsync/internal/db"
	"github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/sync/queue"
	"github.com/kimhsiao/fieldsync/internal/sync/remote"
	"github.com/kimhsiao/fieldsync/internal/telemetry"
)

// Cycle results reported to telemetry.
const (
	resultOK        = "ok"
	resultSkipped   = "skipped"
	resultSuspended = "suspended"
	resultHalted    = "halted"
	resultError     = "error"
)

// Store is the part of the local store the dispatcher writes to.
type Store interface {
	ApplyCanonical(ctx context.Context, t models.EntityType, id string, c models.Canonical) error
	SetOrigin(ctx context.Context, t models.EntityType, id string, origin models.Origin) error
	DeleteEntity(ctx context.Context, t models.EntityType, id string) error
}

// SessionState reports whether the stored credential has expired.
type SessionState interface {
	Expired() bool
}

// Config holds dispatcher settings.
type Config struct {
	BatchSize   int
	Concurrency int
	CallTimeout time.Duration
}

// DefaultConfig returns the default dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:   20,
		Concurrency: 4,
		CallTimeout: 30 * time.Second,
	}
}

// CycleResult summarizes one dispatcher cycle.
type CycleResult struct {
	Skipped    bool          `json:"skipped,omitempty"`
	Suspended  bool          `json:"suspended,omitempty"`
	Halted     bool          `json:"halted,omitempty"`
	Dispatched int           `json:"dispatched"`
	Succeeded  int           `json:"succeeded"`
	Retried    int           `json:"retried"`
	Failed     int           `json:"failed"`
	Rejected   int           `json:"rejected"`
	Released   int           `json:"released"`
	Purged     int           `json:"purged"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
}

// Dispatcher runs queued operations against the remote adapters.
type Dispatcher struct {
	queue    *queue.Queue
	store    Store
	adapters remote.Registry
	session  SessionState
	metrics  *telemetry.Metrics
	config   Config

	running   atomic.Bool
	suspended atomic.Bool

	mu   sync.RWMutex
	last *CycleResult
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithSession makes the dispatcher suspend before calling out when the session has expired.
func WithSession(s SessionState) Option {
	return func(d *Dispatcher) {
		d.session = s
	}
}

// WithMetrics records cycle and call metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// New creates a Dispatcher.
func New(q *queue.Queue, store Store, adapters remote.Registry, config Config, opts ...Option) *Dispatcher {
	def := DefaultConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.Concurrency <= 0 {
		config.Concurrency = def.Concurrency
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = def.CallTimeout
	}

	d := &Dispatcher{
		queue:    q,
		store:    store,
		adapters: adapters,
		config:   config,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Suspended reports whether dispatch is paused until Resume.
func (d *Dispatcher) Suspended() bool {
	return d.suspended.Load()
}

// Resume lifts a suspension after the user has signed in again.
func (d *Dispatcher) Resume() {
	if d.suspended.CompareAndSwap(true, false) {
		logging.Info("Dispatch resumed", nil)
	}
}

func (d *Dispatcher) suspend(reason string) {
	if d.suspended.CompareAndSwap(false, true) {
		logging.Warn("Dispatch suspended until sign-in", map[string]interface{}{"reason": reason})
	}
}

// Running reports whether a cycle is in progress.
func (d *Dispatcher) Running() bool {
	return d.running.Load()
}

// LastResult returns the result of the most recent completed cycle, or nil.
func (d *Dispatcher) LastResult() *CycleResult {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.last == nil {
		return nil
	}
	c := *d.last
	return &c
}

// RunCycle drains every dispatchable item. A call made while another cycle
// runs returns a skipped result at once.
func (d *Dispatcher) RunCycle(ctx context.Context) (*CycleResult, error) {
	if !d.running.CompareAndSwap(false, true) {
		d.metrics.IncCycle(resultSkipped)
		return &CycleResult{Skipped: true}, nil
	}
	defer d.running.Store(false)

	result := &CycleResult{StartedAt: time.Now()}

	if d.session != nil && d.session.Expired() {
		d.suspend("session expired")
	}
	if d.Suspended() {
		result.Suspended = true
		d.finish(ctx, result, resultSuspended)
		return result, nil
	}

	// Items left in flight by a failed bookkeeping write would block their
	// entity until restart; no other cycle can hold them at this point.
	if n, err := d.queue.Recover(ctx); err != nil {
		logging.Error("Failed to recover in-flight items", err, nil)
	} else if n > 0 {
		logging.Warn("Returned stranded in-flight items to pending", map[string]interface{}{"count": n})
	}

	asOf := d.queue.Now()
	var cycleErr error
	for ctx.Err() == nil {
		batch, err := d.queue.NextBatchAsOf(ctx, d.config.BatchSize, asOf)
		if err != nil {
			cycleErr = fmt.Errorf("failed to fetch batch: %w", err)
			break
		}
		if len(batch) == 0 {
			break
		}

		d.runBatch(ctx, batch, result)
		if result.Halted {
			d.suspend("server rejected credentials")
			break
		}
	}

	if n, err := d.queue.Purge(context.WithoutCancel(ctx)); err != nil {
		logging.Error("Failed to purge completed items", err, nil)
	} else {
		result.Purged = n
	}

	label := resultOK
	switch {
	case cycleErr != nil:
		label = resultError
	case result.Halted:
		label = resultHalted
	}
	d.finish(ctx, result, label)

	if result.Dispatched > 0 || cycleErr != nil {
		logging.Info("Dispatch cycle finished", map[string]interface{}{
			"dispatched": result.Dispatched,
			"succeeded":  result.Succeeded,
			"retried":    result.Retried,
			"failed":     result.Failed,
			"rejected":   result.Rejected,
			"released":   result.Released,
			"purged":     result.Purged,
			"halted":     result.Halted,
			"duration":   result.Duration.String(),
		})
	}
	return result, cycleErr
}

func (d *Dispatcher) finish(ctx context.Context, result *CycleResult, label string) {
	result.Duration = time.Since(result.StartedAt)
	d.metrics.IncCycle(label)
	if stats, err := d.queue.Stats(context.WithoutCancel(ctx)); err == nil {
		d.metrics.SetQueueDepth(stats.Pending, stats.InFlight, stats.Failed, stats.Completed)
	}

	d.mu.Lock()
	c := *result
	d.last = &c
	d.mu.Unlock()
}

// runBatch dispatches one batch. Item errors are recorded on the items and
// never returned.
func (d *Dispatcher) runBatch(ctx context.Context, batch []*queue.Item, result *CycleResult) {
	var (
		mu     sync.Mutex
		halted atomic.Bool
	)

	g := new(errgroup.Group)
	g.SetLimit(d.config.Concurrency)

	for _, item := range batch {
		item := item
		g.Go(func() error {
			var o outcome
			if halted.Load() || ctx.Err() != nil {
				o = d.release(ctx, item)
			} else {
				o = d.process(ctx, item)
			}
			if o == outcomeHalt {
				halted.Store(true)
			}

			mu.Lock()
			result.count(o)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if halted.Load() {
		result.Halted = true
	}
}

// outcome is what happened to one item within a cycle.
type outcome int

const (
	outcomeSucceeded outcome = iota
	outcomeRetried
	outcomeFailed
	outcomeRejected
	outcomeReleased
	outcomeHalt
)

func (r *CycleResult) count(o outcome) {
	switch o {
	case outcomeSucceeded:
		r.Dispatched++
		r.Succeeded++
	case outcomeRetried:
		r.Dispatched++
		r.Retried++
	case outcomeFailed:
		r.Dispatched++
		r.Failed++
	case outcomeRejected:
		r.Dispatched++
		r.Rejected++
	case outcomeReleased:
		r.Released++
	case outcomeHalt:
		r.Dispatched++
		r.Released++
	}
}

func (d *Dispatcher) process(ctx context.Context, item *queue.Item) outcome {
	// Bookkeeping must land even when the cycle is being cancelled
	bg := context.WithoutCancel(ctx)

	adapter, ok := d.adapters[item.EntityType]
	if !ok {
		return d.reject(bg, item, errors.Newf(errors.ErrInvalid, "no adapter for entity type %q", item.EntityType))
	}

	callCtx, cancel := context.WithTimeout(ctx, d.config.CallTimeout)
	start := time.Now()
	res := apply(callCtx, adapter, item)
	cancel()
	d.metrics.ObserveDispatch(string(item.EntityType), string(item.Operation), res.Outcome.String(), time.Since(start))

	switch res.Outcome {
	case remote.OutcomeSuccess:
		return d.complete(bg, item, res)
	case remote.OutcomeRejected:
		return d.reject(bg, item, res.Err)
	case remote.OutcomeUnauthorized:
		d.release(bg, item)
		return outcomeHalt
	default:
		if ctx.Err() != nil {
			// Cancelled by shutdown, not by the server
			return d.release(bg, item)
		}
		return d.retry(bg, item, res.Err)
	}
}

// apply calls the adapter, turning a panic into a retryable result.
func apply(ctx context.Context, adapter remote.Adapter, item *queue.Item) (res remote.Result) {
	defer func() {
		if r := recover(); r != nil {
			logging.ErrorWithCode("Adapter panicked", string(errors.ErrInternal), fmt.Errorf("%v", r),
				map[string]interface{}{"item_id": item.ID, "entity_type": item.EntityType})
			res = remote.Result{
				Outcome: remote.OutcomeRetryable,
				Err:     errors.Newf(errors.ErrInternal, "adapter panic: %v", r),
			}
		}
	}()
	return adapter.Apply(ctx, item)
}

// complete folds the server's answer into the local store before the item
// is marked completed, so a crash in between replays the call (answered as
// a duplicate) instead of losing the canonical fields.
func (d *Dispatcher) complete(ctx context.Context, item *queue.Item, res remote.Result) outcome {
	if item.Operation == queue.OperationDelete {
		err := d.store.DeleteEntity(ctx, item.EntityType, item.EntityID)
		if err != nil && !stderrors.Is(err, db.ErrNotFound) {
			return d.retry(ctx, item, err)
		}
	} else if !res.Canonical.IsZero() {
		canonical, err := d.foldable(ctx, item, res.Canonical)
		if err != nil {
			return d.retry(ctx, item, err)
		}
		err = d.store.ApplyCanonical(ctx, item.EntityType, item.EntityID, canonical)
		if err != nil && !stderrors.Is(err, db.ErrNotFound) {
			return d.retry(ctx, item, err)
		}
	}

	if err := d.queue.MarkCompleted(ctx, item.ID); err != nil {
		logging.Error("Failed to complete queue item", err, map[string]interface{}{"item_id": item.ID})
		return d.release(ctx, item)
	}

	if item.Operation != queue.OperationDelete {
		d.confirm(ctx, item)
	}
	return outcomeSucceeded
}

// foldable trims the server's answer to what may overwrite the local row.
// While a later local edit of the entity is still queued only the
// server-assigned identifiers are taken; the edit carries the user's values.
func (d *Dispatcher) foldable(ctx context.Context, item *queue.Item, c models.Canonical) (models.Canonical, error) {
	pending, err := d.queue.HasOtherOutstanding(ctx, item.EntityID, item.ID)
	if err != nil {
		return c, err
	}
	if pending {
		return models.Canonical{ServerID: c.ServerID, ReportNumber: c.ReportNumber}, nil
	}
	return c, nil
}

// confirm marks the entity confirmed when nothing else of it is outstanding.
func (d *Dispatcher) confirm(ctx context.Context, item *queue.Item) {
	outstanding, err := d.queue.HasOutstanding(ctx, item.EntityID)
	if err != nil {
		logging.Error("Failed to check outstanding items", err, map[string]interface{}{"entity_id": item.EntityID})
		return
	}
	if outstanding {
		return
	}
	err = d.store.SetOrigin(ctx, item.EntityType, item.EntityID, models.OriginConfirmed)
	if err != nil && !stderrors.Is(err, db.ErrNotFound) {
		logging.Error("Failed to confirm entity", err, map[string]interface{}{"entity_id": item.EntityID})
	}
}

func (d *Dispatcher) retry(ctx context.Context, item *queue.Item, cause error) outcome {
	status, err := d.queue.MarkFailed(ctx, item.ID, cause)
	if err != nil {
		logging.Error("Failed to record item failure", err, map[string]interface{}{"item_id": item.ID})
		return d.release(ctx, item)
	}
	if status == queue.StatusFailed {
		logging.ErrorWithCode("Queue item failed permanently", string(errors.ErrSyncFailed), cause,
			map[string]interface{}{
				"item_id":     item.ID,
				"entity_type": item.EntityType,
				"entity_id":   item.EntityID,
				"operation":   item.Operation,
			})
		return outcomeFailed
	}
	return outcomeRetried
}

func (d *Dispatcher) reject(ctx context.Context, item *queue.Item, cause error) outcome {
	if err := d.queue.MarkRejected(ctx, item.ID, cause); err != nil {
		logging.Error("Failed to record item rejection", err, map[string]interface{}{"item_id": item.ID})
		return d.release(ctx, item)
	}
	logging.ErrorWithCode("Queue item rejected by server", string(errors.ErrSyncRejected), cause,
		map[string]interface{}{
			"item_id":     item.ID,
			"entity_type": item.EntityType,
			"entity_id":   item.EntityID,
			"operation":   item.Operation,
		})
	return outcomeRejected
}

func (d *Dispatcher) release(ctx context.Context, item *queue.Item) outcome {
	if err := d.queue.Release(context.WithoutCancel(ctx), item.ID); err != nil {
		logging.Error("Failed to release queue item", err, map[string]interface{}{"item_id": item.ID})
	}
	return outcomeReleased
}
