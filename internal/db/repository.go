// Package db provides entity persistence for reports, photos and audio notes.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/models"
)

// ErrNotFound is returned when an entity does not exist locally.
var ErrNotFound = errors.New(errors.ErrNotFound, "entity not found")

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Repository provides persistence for all entity types.
type Repository struct {
	db *sql.DB

	// Prepared statement cache for the hot read path (GetEntity).
	// Statements are prepared on first use and cached for reuse.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// DB returns the underlying handle for callers that open their own transactions.
func (r *Repository) DB() *sql.DB {
	return r.db
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *Repository) PrepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	// If another goroutine stored first, use theirs and close our duplicate
	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

// =====================================================
// Column mapping
// =====================================================

func columnsFor(t models.EntityType) []string {
	switch t {
	case models.EntityReport:
		return []string{"id", "server_id", "report_number", "status", "title", "description",
			"latitude", "longitude", "fields", "origin", "is_deleted", "created_at", "updated_at"}
	case models.EntityPhoto:
		return []string{"id", "report_id", "server_id", "status", "description",
			"latitude", "longitude", "media_path", "mime_type", "fields", "origin", "is_deleted",
			"created_at", "updated_at"}
	case models.EntityAudio:
		return []string{"id", "report_id", "server_id", "status", "description",
			"media_path", "mime_type", "duration_ms", "fields", "origin", "is_deleted",
			"created_at", "updated_at"}
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func encodeFields(fields map[string]interface{}) (string, error) {
	if len(fields) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("failed to encode fields: %w", err)
	}
	return string(data), nil
}

// argsFor returns values in columnsFor order.
func argsFor(e *models.Entity) ([]interface{}, error) {
	fields, err := encodeFields(e.Fields)
	if err != nil {
		return nil, err
	}

	switch e.Type {
	case models.EntityReport:
		return []interface{}{e.ID, nullString(e.ServerID), nullString(e.ReportNumber), e.Status,
			e.Title, e.Description, nullFloat(e.Latitude), nullFloat(e.Longitude), fields,
			string(e.Origin), e.IsDeleted, e.CreatedAt, e.UpdatedAt}, nil
	case models.EntityPhoto:
		return []interface{}{e.ID, e.ParentID, nullString(e.ServerID), e.Status, e.Description,
			nullFloat(e.Latitude), nullFloat(e.Longitude), e.MediaPath, e.MimeType, fields,
			string(e.Origin), e.IsDeleted, e.CreatedAt, e.UpdatedAt}, nil
	case models.EntityAudio:
		return []interface{}{e.ID, e.ParentID, nullString(e.ServerID), e.Status, e.Description,
			e.MediaPath, e.MimeType, e.DurationMS, fields, string(e.Origin), e.IsDeleted,
			e.CreatedAt, e.UpdatedAt}, nil
	}
	return nil, errors.Newf(errors.ErrInvalid, "unknown entity type %q", e.Type)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntity(t models.EntityType, row rowScanner) (*models.Entity, error) {
	e := &models.Entity{Type: t}
	var (
		serverID, reportNumber sql.NullString
		lat, lng               sql.NullFloat64
		fields, origin         string
	)

	var dest []interface{}
	switch t {
	case models.EntityReport:
		dest = []interface{}{&e.ID, &serverID, &reportNumber, &e.Status, &e.Title, &e.Description,
			&lat, &lng, &fields, &origin, &e.IsDeleted, &e.CreatedAt, &e.UpdatedAt}
	case models.EntityPhoto:
		dest = []interface{}{&e.ID, &e.ParentID, &serverID, &e.Status, &e.Description,
			&lat, &lng, &e.MediaPath, &e.MimeType, &fields, &origin, &e.IsDeleted,
			&e.CreatedAt, &e.UpdatedAt}
	case models.EntityAudio:
		dest = []interface{}{&e.ID, &e.ParentID, &serverID, &e.Status, &e.Description,
			&e.MediaPath, &e.MimeType, &e.DurationMS, &fields, &origin, &e.IsDeleted,
			&e.CreatedAt, &e.UpdatedAt}
	default:
		return nil, errors.Newf(errors.ErrInvalid, "unknown entity type %q", t)
	}

	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	e.ServerID = serverID.String
	e.ReportNumber = reportNumber.String
	e.Origin = models.Origin(origin)
	if lat.Valid {
		e.Latitude = &lat.Float64
	}
	if lng.Valid {
		e.Longitude = &lng.Float64
	}
	if fields != "" && fields != "{}" {
		if err := json.Unmarshal([]byte(fields), &e.Fields); err != nil {
			return nil, fmt.Errorf("failed to decode fields: %w", err)
		}
	}
	return e, nil
}

func tableFor(t models.EntityType) (string, error) {
	table := t.TableName()
	if table == "" {
		return "", errors.Newf(errors.ErrInvalid, "unknown entity type %q", t)
	}
	return table, nil
}

// =====================================================
// Entity Operations
// =====================================================

// SaveEntity inserts or overwrites an entity (last write wins).
func (r *Repository) SaveEntity(ctx context.Context, e *models.Entity) error {
	return r.SaveEntityTx(ctx, r.db, e)
}

// SaveEntityTx upserts e using q, typically an open transaction.
func (r *Repository) SaveEntityTx(ctx context.Context, q Querier, e *models.Entity) error {
	if e.ID == "" {
		return errors.New(errors.ErrValidation, "entity id is required")
	}
	table, err := tableFor(e.Type)
	if err != nil {
		return err
	}

	now := time.Now().Unix()
	if e.CreatedAt == 0 {
		e.CreatedAt = now
	}
	if e.UpdatedAt == 0 {
		e.UpdatedAt = now
	}
	if e.Origin == "" {
		e.Origin = models.OriginUnconfirmed
	}

	cols := columnsFor(e.Type)
	args, err := argsFor(e)
	if err != nil {
		return err
	}

	var updates []string
	for _, c := range cols {
		if c == "id" || c == "created_at" {
			continue
		}
		switch c {
		case "server_id", "report_number":
			// Server-assigned; a local edit never clears them
			updates = append(updates, fmt.Sprintf("%s = COALESCE(NULLIF(excluded.%s, ''), %s)", c, c, c))
		default:
			updates = append(updates, fmt.Sprintf("%s = excluded.%s", c, c))
		}
	}

	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)
		ON CONFLICT(id) DO UPDATE SET %s`,
		table, strings.Join(cols, ", "), placeholders(len(cols)), strings.Join(updates, ", "))

	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to save entity", err)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// GetEntity retrieves a live (not soft-deleted) entity by its local id.
func (r *Repository) GetEntity(ctx context.Context, t models.EntityType, id string) (*models.Entity, error) {
	table, err := tableFor(t)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = ? AND is_deleted = 0",
		strings.Join(columnsFor(t), ", "), table)
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	e, err := scanEntity(t, stmt.QueryRowContext(ctx, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// GetEntityTx retrieves a live entity through q.
func (r *Repository) GetEntityTx(ctx context.Context, q Querier, t models.EntityType, id string) (*models.Entity, error) {
	return r.getEntity(ctx, q, t, id, false)
}

// LookupEntity retrieves an entity by local id, including soft-deleted rows.
func (r *Repository) LookupEntity(ctx context.Context, t models.EntityType, id string) (*models.Entity, error) {
	return r.getEntity(ctx, r.db, t, id, true)
}

// LookupEntityTx is LookupEntity through q.
func (r *Repository) LookupEntityTx(ctx context.Context, q Querier, t models.EntityType, id string) (*models.Entity, error) {
	return r.getEntity(ctx, q, t, id, true)
}

func (r *Repository) getEntity(ctx context.Context, q Querier, t models.EntityType, id string, includeDeleted bool) (*models.Entity, error) {
	table, err := tableFor(t)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", strings.Join(columnsFor(t), ", "), table)
	if !includeDeleted {
		query += " AND is_deleted = 0"
	}

	e, err := scanEntity(t, q.QueryRowContext(ctx, query, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// FindByServerID retrieves an entity by its server id, including soft-deleted rows.
func (r *Repository) FindByServerID(ctx context.Context, t models.EntityType, serverID string) (*models.Entity, error) {
	table, err := tableFor(t)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE server_id = ? LIMIT 1",
		strings.Join(columnsFor(t), ", "), table)
	e, err := scanEntity(t, r.db.QueryRowContext(ctx, query, serverID))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// ListEntities returns entities matching filter, newest first.
func (r *Repository) ListEntities(ctx context.Context, filter ListFilter) ([]*models.Entity, error) {
	table, err := tableFor(filter.Type)
	if err != nil {
		return nil, err
	}

	where, args := filter.where()
	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(columnsFor(filter.Type), ", "), table)
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to list entities", err)
	}
	defer rows.Close()

	var entities []*models.Entity
	for rows.Next() {
		e, err := scanEntity(filter.Type, rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

// MarkEntityDeletedTx soft deletes an entity until its remote delete completes.
func (r *Repository) MarkEntityDeletedTx(ctx context.Context, q Querier, t models.EntityType, id string) error {
	table, err := tableFor(t)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`UPDATE %s SET is_deleted = 1, origin = ?, updated_at = ?
		WHERE id = ? AND is_deleted = 0`, table)
	result, err := q.ExecContext(ctx, query, string(models.OriginUnconfirmed), time.Now().Unix(), id)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to mark entity deleted", err)
	}
	return requireAffected(result)
}

// DeleteEntity permanently removes an entity row.
func (r *Repository) DeleteEntity(ctx context.Context, t models.EntityType, id string) error {
	return r.DeleteEntityTx(ctx, r.db, t, id)
}

// DeleteEntityTx permanently removes an entity row through q.
func (r *Repository) DeleteEntityTx(ctx context.Context, q Querier, t models.EntityType, id string) error {
	table, err := tableFor(t)
	if err != nil {
		return err
	}

	result, err := q.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", table), id)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to delete entity", err)
	}
	return requireAffected(result)
}

// ApplyCanonical folds server-assigned fields into the local row.
// Empty canonical fields leave the local value untouched.
func (r *Repository) ApplyCanonical(ctx context.Context, t models.EntityType, id string, c models.Canonical) error {
	table, err := tableFor(t)
	if err != nil {
		return err
	}

	sets := []string{"server_id = COALESCE(NULLIF(?, ''), server_id)", "status = COALESCE(NULLIF(?, ''), status)"}
	args := []interface{}{c.ServerID, c.Status}
	if t == models.EntityReport {
		sets = append(sets, "report_number = COALESCE(NULLIF(?, ''), report_number)")
		args = append(args, c.ReportNumber)
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", table, strings.Join(sets, ", "))
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to apply canonical fields", err)
	}
	return requireAffected(result)
}

// SetOrigin updates the origin flag of an entity.
func (r *Repository) SetOrigin(ctx context.Context, t models.EntityType, id string, origin models.Origin) error {
	table, err := tableFor(t)
	if err != nil {
		return err
	}

	result, err := r.db.ExecContext(ctx, fmt.Sprintf("UPDATE %s SET origin = ? WHERE id = ?", table),
		string(origin), id)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to set origin", err)
	}
	return requireAffected(result)
}

// ServerIDOf returns the server id of a report, photo or audio note, or ""
// when the entity has not been created remotely yet.
func (r *Repository) ServerIDOf(ctx context.Context, t models.EntityType, id string) (string, error) {
	e, err := r.LookupEntity(ctx, t, id)
	if err != nil {
		return "", err
	}
	return e.ServerID, nil
}

func requireAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to read affected rows", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
