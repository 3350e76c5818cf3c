// Package queue provides the persistent operation queue for offline mutations.
// Items are stored in SQLite and drain per entity in enqueue order with
// exponential backoff and a retry ceiling.
package queue

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/uuid"
)

// Operation represents a mutation type.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	return op == OperationCreate || op == OperationUpdate || op == OperationDelete
}

// Status represents the status of a queued operation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusInFlight  Status = "in_flight"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ErrItemNotFound is returned when no queue item has the given id.
var ErrItemNotFound = errors.New(errors.ErrNotFound, "queue item not found")

// Item represents one pending mutation of one entity.
type Item struct {
	ID            string            `json:"id"`
	EntityType    models.EntityType `json:"entity_type"`
	EntityID      string            `json:"entity_id"`
	DependsOn     string            `json:"depends_on,omitempty"`
	Operation     Operation         `json:"operation"`
	Payload       []byte            `json:"-"`
	Status        Status            `json:"status"`
	RetryCount    int               `json:"retry_count"`
	LastError     string            `json:"last_error,omitempty"`
	Seq           int64             `json:"seq"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	NextAttemptAt time.Time         `json:"next_attempt_at"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
}

// EnqueueRequest describes a mutation to record.
type EnqueueRequest struct {
	EntityType models.EntityType
	EntityID   string
	// DependsOn is the local id of an entity whose queue items must all
	// finish before this item may be dispatched.
	DependsOn string
	Operation Operation
	Payload   []byte
}

// Config holds queue tuning.
type Config struct {
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// Retention is how long completed items are kept before Purge removes them.
	Retention time.Duration
	// MaxSize caps unfinished items; 0 means unlimited.
	MaxSize int
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:  3,
		BackoffBase: 30 * time.Second,
		BackoffMax:  30 * time.Minute,
		Retention:   24 * time.Hour,
		MaxSize:     10000,
	}
}

// Stats holds item counts per status.
type Stats struct {
	Pending   int `json:"pending"`
	InFlight  int `json:"in_flight"`
	Failed    int `json:"failed"`
	Completed int `json:"completed"`
}

// Total returns the number of stored items.
func (s Stats) Total() int {
	return s.Pending + s.InFlight + s.Failed + s.Completed
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

// Queue is the durable operation queue. All state transitions run under mu
// inside a SQLite transaction.
type Queue struct {
	db     *sql.DB
	config Config
	now    func() time.Time

	mu     sync.Mutex
	seq    int64
	notify chan struct{}
}

// New opens the queue over db, loads the sequence counter and returns any
// in-flight items left behind by a crash to pending.
func New(ctx context.Context, db *sql.DB, config Config, opts ...Option) (*Queue, error) {
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultConfig().MaxRetries
	}
	if config.BackoffBase <= 0 {
		config.BackoffBase = DefaultConfig().BackoffBase
	}
	if config.BackoffMax < config.BackoffBase {
		config.BackoffMax = config.BackoffBase
	}

	q := &Queue{
		db:     db,
		config: config,
		now:    time.Now,
		notify: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}

	if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(seq), 0) FROM queue_items").Scan(&q.seq); err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to load queue sequence", err)
	}

	recovered, err := q.Recover(ctx)
	if err != nil {
		return nil, err
	}
	if recovered > 0 {
		logging.Info("Recovered interrupted queue items", map[string]interface{}{
			"count": recovered,
		})
	}

	return q, nil
}

// Config returns the active configuration.
func (q *Queue) Config() Config {
	return q.config
}

// Now returns the queue's clock reading.
func (q *Queue) Now() time.Time {
	return q.now()
}

// Notify returns a channel signalled after every successful enqueue.
func (q *Queue) Notify() <-chan struct{} {
	return q.notify
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue) millis(t time.Time) int64 {
	return t.UnixMilli()
}

// calculateBackoff returns base·2^(retryCount-1), capped at ceiling.
func calculateBackoff(retryCount int, base, ceiling time.Duration) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	backoff := base
	for i := 1; i < retryCount; i++ {
		backoff *= 2
		if backoff >= ceiling || backoff <= 0 {
			return ceiling
		}
	}
	if backoff > ceiling {
		return ceiling
	}
	return backoff
}

// =====================================================
// Enqueue
// =====================================================

// Enqueue records a mutation and returns its item id.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	return q.EnqueueTx(ctx, req, nil)
}

// EnqueueTx runs fn (the local store write) and records the mutation in one
// transaction, so either both persist or neither does.
//
// A delete removes every pending item of the entity first. An update while a
// pending delete exists is dropped and the delete's id is returned.
func (q *Queue) EnqueueTx(ctx context.Context, req EnqueueRequest, fn func(tx *sql.Tx) error) (string, error) {
	ids, err := q.EnqueueBatchTx(ctx, []EnqueueRequest{req}, fn)
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// EnqueueBatchTx is EnqueueTx for several mutations recorded atomically, in
// slice order.
func (q *Queue) EnqueueBatchTx(ctx context.Context, reqs []EnqueueRequest, fn func(tx *sql.Tx) error) ([]string, error) {
	if len(reqs) == 0 {
		return nil, errors.New(errors.ErrValidation, "nothing to enqueue")
	}
	for _, req := range reqs {
		if err := validateRequest(req); err != nil {
			return nil, err
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	if fn != nil {
		if err := fn(tx); err != nil {
			return nil, err
		}
	}

	seq := q.seq
	ids := make([]string, len(reqs))
	coalesced := make([]bool, len(reqs))
	for i, req := range reqs {
		id, inserted, err := q.enqueueLocked(ctx, tx, req, seq+1)
		if err != nil {
			return nil, err
		}
		if inserted {
			seq++
		}
		ids[i] = id
		coalesced[i] = !inserted
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to commit enqueue", err)
	}
	if seq != q.seq {
		q.seq = seq
		q.signal()
	}

	for i, req := range reqs {
		logging.Debug("Enqueued operation", map[string]interface{}{
			"item_id":     ids[i],
			"entity_type": string(req.EntityType),
			"entity_id":   req.EntityID,
			"operation":   string(req.Operation),
			"coalesced":   coalesced[i],
		})
	}
	return ids, nil
}

func validateRequest(req EnqueueRequest) error {
	if !req.EntityType.Valid() {
		return errors.Newf(errors.ErrInvalid, "unknown entity type %q", req.EntityType)
	}
	if req.EntityID == "" {
		return errors.New(errors.ErrValidation, "entity id is required")
	}
	if !req.Operation.Valid() {
		return errors.Newf(errors.ErrInvalid, "unknown operation %q", req.Operation)
	}
	if req.DependsOn == req.EntityID {
		return errors.New(errors.ErrValidation, "an item cannot depend on its own entity")
	}
	return nil
}

// enqueueLocked inserts req with sequence number seq, or coalesces it.
func (q *Queue) enqueueLocked(ctx context.Context, tx *sql.Tx, req EnqueueRequest, seq int64) (string, bool, error) {
	switch req.Operation {
	case OperationDelete:
		// Nothing still pending needs to reach the server once the entity is
		// gone. A create that was already sent stays: the server may hold the
		// record, and replaying it yields the server id the delete needs.
		_, err := tx.ExecContext(ctx, `
			DELETE FROM queue_items WHERE entity_id = ? AND status = ?
			AND NOT (operation = ? AND attempted = 1)`,
			req.EntityID, StatusPending, OperationCreate)
		if err != nil {
			return "", false, errors.Wrap(errors.ErrDatabase, "failed to coalesce pending items", err)
		}

	case OperationUpdate:
		var deleteID string
		err := tx.QueryRowContext(ctx,
			"SELECT id FROM queue_items WHERE entity_id = ? AND status = ? AND operation = ? LIMIT 1",
			req.EntityID, StatusPending, OperationDelete).Scan(&deleteID)
		if err == nil {
			return deleteID, false, nil
		}
		if !stderrors.Is(err, sql.ErrNoRows) {
			return "", false, errors.Wrap(errors.ErrDatabase, "failed to check pending delete", err)
		}
	}

	if q.config.MaxSize > 0 {
		var outstanding int
		err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM queue_items WHERE status != ?", StatusCompleted).Scan(&outstanding)
		if err != nil {
			return "", false, errors.Wrap(errors.ErrDatabase, "failed to count queue items", err)
		}
		if outstanding >= q.config.MaxSize {
			return "", false, errors.Newf(errors.ErrQueueFull, "queue is full (max size: %d)", q.config.MaxSize)
		}
	}

	payload := req.Payload
	if payload == nil {
		payload = []byte{}
	}

	id := uuid.NewOrdered()
	now := q.millis(q.now())
	_, err := tx.ExecContext(ctx, `
		INSERT INTO queue_items (id, entity_type, entity_id, depends_on, operation, payload,
			status, retry_count, last_error, seq, created_at, updated_at, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, '', ?, ?, ?, 0)`,
		id, string(req.EntityType), req.EntityID, req.DependsOn, string(req.Operation), payload,
		StatusPending, seq, now, now)
	if err != nil {
		return "", false, errors.Wrap(errors.ErrDatabase, "failed to insert queue item", err)
	}
	return id, true, nil
}

// =====================================================
// Dispatch selection
// =====================================================

// NextBatch claims up to limit dispatchable items and marks them in flight.
//
// For each entity only its lowest-seq unfinished item is eligible, and only
// when that item is pending with its backoff elapsed. Items whose DependsOn
// entity still has unfinished items are held back. The result holds at most
// one item per entity, ordered by seq.
func (q *Queue) NextBatch(ctx context.Context, limit int) ([]*Item, error) {
	return q.NextBatchAsOf(ctx, limit, q.now())
}

// NextBatchAsOf is NextBatch with backoff measured against asOf instead of
// the current time. A cycle passes its start time so that items failing
// during the cycle wait for the next one.
func (q *Queue) NextBatchAsOf(ctx context.Context, limit int, asOf time.Time) ([]*Item, error) {
	if limit <= 0 {
		return nil, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	unfinished, err := queryItems(ctx, tx,
		"SELECT "+itemColumns+" FROM queue_items WHERE status != ? ORDER BY seq", StatusCompleted)
	if err != nil {
		return nil, err
	}

	outstanding := make(map[string]bool, len(unfinished))
	for _, item := range unfinished {
		outstanding[item.EntityID] = true
	}

	seen := make(map[string]bool)
	var batch []*Item
	for _, item := range unfinished {
		if len(batch) >= limit {
			break
		}
		if seen[item.EntityID] {
			continue
		}
		seen[item.EntityID] = true

		if item.Status != StatusPending || item.NextAttemptAt.After(asOf) {
			continue
		}
		if item.DependsOn != "" && outstanding[item.DependsOn] {
			continue
		}
		batch = append(batch, item)
	}

	if len(batch) == 0 {
		return nil, nil
	}

	nowMs := q.millis(q.now())
	for _, item := range batch {
		if _, err := tx.ExecContext(ctx,
			"UPDATE queue_items SET status = ?, attempted = 1, updated_at = ? WHERE id = ?",
			StatusInFlight, nowMs, item.ID); err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "failed to claim queue item", err)
		}
		item.Status = StatusInFlight
		item.UpdatedAt = time.UnixMilli(nowMs)
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to commit batch claim", err)
	}
	return batch, nil
}

// =====================================================
// Transitions
// =====================================================

// transition moves item id from one of from to the state written by set.
func (q *Queue) transition(ctx context.Context, id string, from []Status, set string, args ...interface{}) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	if err := q.transitionTx(ctx, tx, id, from, set, args...); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to commit transition", err)
	}
	return nil
}

func (q *Queue) transitionTx(ctx context.Context, tx *sql.Tx, id string, from []Status, set string, args ...interface{}) error {
	current, err := statusOf(ctx, tx, id)
	if err != nil {
		return err
	}
	if !containsStatus(from, current) {
		return errors.Newf(errors.ErrInvalidTransition, "queue item %s is %s", id, current)
	}

	query := "UPDATE queue_items SET " + set + ", updated_at = ? WHERE id = ?"
	args = append(args, q.millis(q.now()), id)
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to update queue item", err)
	}
	return nil
}

func statusOf(ctx context.Context, tx *sql.Tx, id string) (Status, error) {
	var status Status
	err := tx.QueryRowContext(ctx, "SELECT status FROM queue_items WHERE id = ?", id).Scan(&status)
	if stderrors.Is(err, sql.ErrNoRows) {
		return "", ErrItemNotFound
	}
	if err != nil {
		return "", errors.Wrap(errors.ErrDatabase, "failed to read queue item", err)
	}
	return status, nil
}

func containsStatus(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// MarkCompleted records a successful remote call.
func (q *Queue) MarkCompleted(ctx context.Context, id string) error {
	now := q.millis(q.now())
	err := q.transition(ctx, id, []Status{StatusInFlight},
		"status = ?, completed_at = ?, last_error = ''", StatusCompleted, now)
	if err == nil {
		logging.Debug("Queue item completed", map[string]interface{}{"item_id": id})
	}
	return err
}

// MarkFailed records a retryable failure. The retry count is incremented;
// at the ceiling the item becomes terminally failed, otherwise it returns to
// pending with exponential backoff. The resulting status is returned.
func (q *Queue) MarkFailed(ctx context.Context, id string, cause error) (Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return "", errors.Wrap(errors.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	var retryCount int
	err = tx.QueryRowContext(ctx, "SELECT retry_count FROM queue_items WHERE id = ?", id).Scan(&retryCount)
	if stderrors.Is(err, sql.ErrNoRows) {
		return "", ErrItemNotFound
	}
	if err != nil {
		return "", errors.Wrap(errors.ErrDatabase, "failed to read queue item", err)
	}

	retryCount++
	status := StatusPending
	var nextAttempt int64
	if retryCount >= q.config.MaxRetries {
		status = StatusFailed
	} else {
		backoff := calculateBackoff(retryCount, q.config.BackoffBase, q.config.BackoffMax)
		nextAttempt = q.millis(q.now().Add(backoff))
	}

	err = q.transitionTx(ctx, tx, id, []Status{StatusInFlight},
		"status = ?, retry_count = ?, last_error = ?, next_attempt_at = ?",
		status, retryCount, errorText(cause), nextAttempt)
	if err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", errors.Wrap(errors.ErrDatabase, "failed to commit failure", err)
	}

	fields := map[string]interface{}{
		"item_id":     id,
		"retry_count": retryCount,
		"max_retries": q.config.MaxRetries,
		"error":       errorText(cause),
	}
	if status == StatusFailed {
		logging.Warn("Queue item failed permanently", fields)
	} else {
		logging.Debug("Queue item scheduled for retry", fields)
	}
	return status, nil
}

// MarkRejected records a permanent rejection. The item becomes terminally
// failed with its retry count forced to the ceiling.
func (q *Queue) MarkRejected(ctx context.Context, id string, cause error) error {
	err := q.transition(ctx, id, []Status{StatusInFlight},
		"status = ?, retry_count = ?, last_error = ?, next_attempt_at = 0",
		StatusFailed, q.config.MaxRetries, errorText(cause))
	if err == nil {
		logging.Warn("Queue item rejected", map[string]interface{}{
			"item_id": id,
			"error":   errorText(cause),
		})
	}
	return err
}

// Release returns an in-flight item to pending without counting an attempt.
func (q *Queue) Release(ctx context.Context, id string) error {
	return q.transition(ctx, id, []Status{StatusInFlight}, "status = ?", StatusPending)
}

// Recover returns every in-flight item to pending and reports how many moved.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	result, err := q.db.ExecContext(ctx,
		"UPDATE queue_items SET status = ?, updated_at = ? WHERE status = ?",
		StatusPending, q.millis(q.now()), StatusInFlight)
	if err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "failed to recover in-flight items", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

// Retry makes a failed item eligible again with a fresh retry budget.
func (q *Queue) Retry(ctx context.Context, id string) error {
	return q.transition(ctx, id, []Status{StatusFailed},
		"status = ?, retry_count = 0, last_error = '', next_attempt_at = 0", StatusPending)
}

// RetryAll resets every failed item and returns how many were reset.
func (q *Queue) RetryAll(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	result, err := q.db.ExecContext(ctx, `
		UPDATE queue_items SET status = ?, retry_count = 0, last_error = '', next_attempt_at = 0, updated_at = ?
		WHERE status = ?`,
		StatusPending, q.millis(q.now()), StatusFailed)
	if err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "failed to retry items", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

// Discard permanently removes a failed item.
func (q *Queue) Discard(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	status, err := statusOf(ctx, tx, id)
	if err != nil {
		return err
	}
	if status != StatusFailed {
		return errors.Newf(errors.ErrInvalidTransition, "only failed items can be discarded (item %s is %s)", id, status)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM queue_items WHERE id = ?", id); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to discard queue item", err)
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to commit discard", err)
	}

	logging.Info("Queue item discarded", map[string]interface{}{"item_id": id})
	return nil
}

// Purge deletes completed items older than the retention window.
func (q *Queue) Purge(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.millis(q.now().Add(-q.config.Retention))
	result, err := q.db.ExecContext(ctx,
		"DELETE FROM queue_items WHERE status = ? AND completed_at <= ?",
		StatusCompleted, cutoff)
	if err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "failed to purge completed items", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// =====================================================
// Queries
// =====================================================

const itemColumns = `id, entity_type, entity_id, depends_on, operation, payload, status,
	retry_count, last_error, seq, created_at, updated_at, next_attempt_at, completed_at`

type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func queryItems(ctx context.Context, db querier, query string, args ...interface{}) ([]*Item, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to query queue items", err)
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		var (
			item                                Item
			entityType                          string
			createdAt, updatedAt, nextAttemptAt int64
			completedAt                         sql.NullInt64
		)
		if err := rows.Scan(&item.ID, &entityType, &item.EntityID, &item.DependsOn, &item.Operation,
			&item.Payload, &item.Status, &item.RetryCount, &item.LastError, &item.Seq,
			&createdAt, &updatedAt, &nextAttemptAt, &completedAt); err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "failed to scan queue item", err)
		}
		item.EntityType = models.EntityType(entityType)
		item.CreatedAt = time.UnixMilli(createdAt)
		item.UpdatedAt = time.UnixMilli(updatedAt)
		item.NextAttemptAt = time.UnixMilli(nextAttemptAt)
		if completedAt.Valid {
			t := time.UnixMilli(completedAt.Int64)
			item.CompletedAt = &t
		}
		items = append(items, &item)
	}
	return items, rows.Err()
}

// Get returns one item by id.
func (q *Queue) Get(ctx context.Context, id string) (*Item, error) {
	items, err := queryItems(ctx, q.db, "SELECT "+itemColumns+" FROM queue_items WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrItemNotFound
	}
	return items[0], nil
}

// ListOptions narrows List.
type ListOptions struct {
	Status   Status
	EntityID string
	Limit    int
}

// List returns items in seq order.
func (q *Queue) List(ctx context.Context, opts ListOptions) ([]*Item, error) {
	var where []string
	var args []interface{}
	if opts.Status != "" {
		where = append(where, "status = ?")
		args = append(args, opts.Status)
	}
	if opts.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, opts.EntityID)
	}

	query := "SELECT " + itemColumns + " FROM queue_items"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	return queryItems(ctx, q.db, query, args...)
}

// FailedItems returns terminally failed items awaiting user action.
func (q *Queue) FailedItems(ctx context.Context) ([]*Item, error) {
	return q.List(ctx, ListOptions{Status: StatusFailed})
}

// PendingCount returns the number of items not yet confirmed by the server
// (pending or in flight).
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM queue_items WHERE status IN (?, ?)", StatusPending, StatusInFlight).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "failed to count pending items", err)
	}
	return n, nil
}

// Stats returns item counts per status.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	rows, err := q.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM queue_items GROUP BY status")
	if err != nil {
		return Stats{}, errors.Wrap(errors.ErrDatabase, "failed to read queue stats", err)
	}
	defer rows.Close()

	var stats Stats
	for rows.Next() {
		var status Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return Stats{}, errors.Wrap(errors.ErrDatabase, "failed to scan queue stats", err)
		}
		switch status {
		case StatusPending:
			stats.Pending = n
		case StatusInFlight:
			stats.InFlight = n
		case StatusFailed:
			stats.Failed = n
		case StatusCompleted:
			stats.Completed = n
		}
	}
	return stats, rows.Err()
}

// HasOutstanding reports whether entityID has any unfinished item
// (pending, in flight or failed).
func (q *Queue) HasOutstanding(ctx context.Context, entityID string) (bool, error) {
	var exists int
	err := q.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM queue_items WHERE entity_id = ? AND status != ?)",
		entityID, StatusCompleted).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(errors.ErrDatabase, "failed to check outstanding items", err)
	}
	return exists == 1, nil
}

// HasOtherOutstanding reports whether entityID has unfinished items besides itemID.
func (q *Queue) HasOtherOutstanding(ctx context.Context, entityID, itemID string) (bool, error) {
	var exists int
	err := q.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM queue_items WHERE entity_id = ? AND id != ? AND status != ?)",
		entityID, itemID, StatusCompleted).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(errors.ErrDatabase, "failed to check outstanding items", err)
	}
	return exists == 1, nil
}

// OutstandingEntities returns the set of entity ids with unfinished items.
func (q *Queue) OutstandingEntities(ctx context.Context) (map[string]bool, error) {
	rows, err := q.db.QueryContext(ctx,
		"SELECT DISTINCT entity_id FROM queue_items WHERE status != ?", StatusCompleted)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to list outstanding entities", err)
	}
	defer rows.Close()

	set := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "failed to scan entity id", err)
		}
		set[id] = true
	}
	return set, rows.Err()
}
