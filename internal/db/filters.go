// Package db provides list filter building functionality.
package db

import (
	"strings"

	"github.com/kimhsiao/fieldsync/internal/models"
)

// Filter represents a single list filter condition.
type Filter interface {
	// SQL returns the SQL fragment for this filter
	SQL() string

	// Args returns the arguments for this filter
	Args() []interface{}

	// Valid checks if the filter is valid
	Valid() bool
}

// ParentFilter restricts photos or audio notes to one report.
type ParentFilter struct {
	ParentID string
}

// Valid checks if a parent id is set.
func (f *ParentFilter) Valid() bool {
	return f.ParentID != ""
}

// SQL returns the SQL fragment for parent filtering.
func (f *ParentFilter) SQL() string {
	return "report_id = ?"
}

// Args returns the arguments for parent filtering.
func (f *ParentFilter) Args() []interface{} {
	return []interface{}{f.ParentID}
}

// OriginFilter filters by confirmation state.
type OriginFilter struct {
	Origin models.Origin
}

// Valid checks if the origin is known.
func (f *OriginFilter) Valid() bool {
	return f.Origin == models.OriginConfirmed || f.Origin == models.OriginUnconfirmed
}

// SQL returns the SQL fragment for origin filtering.
func (f *OriginFilter) SQL() string {
	return "origin = ?"
}

// Args returns the arguments for origin filtering.
func (f *OriginFilter) Args() []interface{} {
	return []interface{}{string(f.Origin)}
}

// StatusFilter filters by entity status.
type StatusFilter struct {
	Status string
}

// Valid checks if a status is set.
func (f *StatusFilter) Valid() bool {
	return f.Status != ""
}

// SQL returns the SQL fragment for status filtering.
func (f *StatusFilter) SQL() string {
	return "status = ?"
}

// Args returns the arguments for status filtering.
func (f *StatusFilter) Args() []interface{} {
	return []interface{}{f.Status}
}

// ListFilter selects entities of one type.
type ListFilter struct {
	Type           models.EntityType
	ParentID       string
	Origin         models.Origin
	Status         string
	IncludeDeleted bool
	Limit          int
	Offset         int
}

// Filters returns the valid conditions carried by the list filter.
func (lf ListFilter) Filters() []Filter {
	candidates := []Filter{
		&StatusFilter{Status: lf.Status},
		&OriginFilter{Origin: lf.Origin},
	}
	if lf.Type != models.EntityReport {
		candidates = append(candidates, &ParentFilter{ParentID: lf.ParentID})
	}

	var filters []Filter
	for _, f := range candidates {
		if f.Valid() {
			filters = append(filters, f)
		}
	}
	return filters
}

// where builds the WHERE clause (without the keyword) and its arguments.
func (lf ListFilter) where() (string, []interface{}) {
	var parts []string
	var args []interface{}

	if !lf.IncludeDeleted {
		parts = append(parts, "is_deleted = 0")
	}
	for _, f := range lf.Filters() {
		parts = append(parts, f.SQL())
		args = append(args, f.Args()...)
	}
	return strings.Join(parts, " AND "), args
}
