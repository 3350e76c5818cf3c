// Package db tests for list filter building.
package db

import (
	"testing"

	"github.com/kimhsiao/fieldsync/internal/models"
)

// TestFilters_Valid verifies validation of individual filters.
func TestFilters_Valid(t *testing.T) {
	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"parent set", &ParentFilter{ParentID: "r1"}, true},
		{"parent empty", &ParentFilter{}, false},
		{"origin confirmed", &OriginFilter{Origin: models.OriginConfirmed}, true},
		{"origin unknown", &OriginFilter{Origin: "maybe"}, false},
		{"status set", &StatusFilter{Status: "draft"}, true},
		{"status empty", &StatusFilter{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Valid(); got != tt.want {
				t.Errorf("Valid() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestListFilter_where verifies clause assembly.
func TestListFilter_where(t *testing.T) {
	tests := []struct {
		name     string
		filter   ListFilter
		wantSQL  string
		wantArgs int
	}{
		{
			name:    "defaults exclude deleted",
			filter:  ListFilter{Type: models.EntityReport},
			wantSQL: "is_deleted = 0",
		},
		{
			name:    "include deleted",
			filter:  ListFilter{Type: models.EntityReport, IncludeDeleted: true},
			wantSQL: "",
		},
		{
			name:     "report ignores parent",
			filter:   ListFilter{Type: models.EntityReport, ParentID: "r1", Status: "draft"},
			wantSQL:  "is_deleted = 0 AND status = ?",
			wantArgs: 1,
		},
		{
			name:     "photo by parent and origin",
			filter:   ListFilter{Type: models.EntityPhoto, ParentID: "r1", Origin: models.OriginUnconfirmed},
			wantSQL:  "is_deleted = 0 AND origin = ? AND report_id = ?",
			wantArgs: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, args := tt.filter.where()
			if sql != tt.wantSQL {
				t.Errorf("where() = %q, want %q", sql, tt.wantSQL)
			}
			if len(args) != tt.wantArgs {
				t.Errorf("len(args) = %d, want %d", len(args), tt.wantArgs)
			}
		})
	}
}
