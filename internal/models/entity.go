// Package models provides data model definitions for fieldsync.
package models

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// UUID is a wrapper around string for identifier type safety in SQL columns.
type UUID string

// Value implements driver.Valuer for UUID.
func (u UUID) Value() (driver.Value, error) {
	return string(u), nil
}

// Scan implements sql.Scanner for UUID.
func (u *UUID) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*u = ""
	case string:
		*u = UUID(v)
	case []byte:
		*u = UUID(v)
	default:
		return fmt.Errorf("cannot scan %T into UUID", value)
	}
	return nil
}

// String returns the string representation of the UUID.
func (u UUID) String() string {
	return string(u)
}

// EntityType identifies the kind of domain record.
type EntityType string

const (
	EntityReport EntityType = "report"
	EntityPhoto  EntityType = "photo"
	EntityAudio  EntityType = "audio"
)

// EntityTypes lists every known entity type in parent-first order.
var EntityTypes = []EntityType{EntityReport, EntityPhoto, EntityAudio}

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	switch t {
	case EntityReport, EntityPhoto, EntityAudio:
		return true
	}
	return false
}

// TableName returns the local table holding entities of this type.
func (t EntityType) TableName() string {
	switch t {
	case EntityReport:
		return "reports"
	case EntityPhoto:
		return "photos"
	case EntityAudio:
		return "audio_notes"
	}
	return ""
}

// Origin distinguishes local drafts from server-confirmed records.
type Origin string

const (
	// OriginUnconfirmed marks an entity created or edited on the device
	// whose latest state the server has not yet acknowledged.
	OriginUnconfirmed Origin = "unconfirmed"
	// OriginConfirmed marks an entity matching the server's state.
	OriginConfirmed Origin = "confirmed"
)

// Report statuses used by the field app.
const (
	ReportStatusDraft     = "draft"
	ReportStatusSubmitted = "submitted"
)

// Entity is a report, photo or audio note owned by the local store.
// Photos and audio notes reference their report by ParentID, which is
// always the report's local (client-generated) id.
type Entity struct {
	ID           UUID                   `db:"id" json:"id"`
	Type         EntityType             `db:"-" json:"type"`
	ParentID     UUID                   `db:"report_id" json:"parent_id,omitempty"`
	ServerID     string                 `db:"server_id" json:"server_id,omitempty"`
	ReportNumber string                 `db:"report_number" json:"report_number,omitempty"`
	Status       string                 `db:"status" json:"status,omitempty"`
	Title        string                 `db:"title" json:"title,omitempty"`
	Description  string                 `db:"description" json:"description,omitempty"`
	Latitude     *float64               `db:"latitude" json:"latitude,omitempty"`
	Longitude    *float64               `db:"longitude" json:"longitude,omitempty"`
	MediaPath    string                 `db:"media_path" json:"media_path,omitempty"`
	MimeType     string                 `db:"mime_type" json:"mime_type,omitempty"`
	DurationMS   int64                  `db:"duration_ms" json:"duration_ms,omitempty"`
	Fields       map[string]interface{} `db:"fields" json:"fields,omitempty"`
	Origin       Origin                 `db:"origin" json:"origin"`
	IsDeleted    bool                   `db:"is_deleted" json:"is_deleted,omitempty"`
	CreatedAt    int64                  `db:"created_at" json:"created_at"`
	UpdatedAt    int64                  `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for the entity.
func (e *Entity) TableName() string {
	return e.Type.TableName()
}

// CreatedAtTime returns the CreatedAt as time.Time.
func (e *Entity) CreatedAtTime() time.Time {
	return time.Unix(e.CreatedAt, 0)
}

// UpdatedAtTime returns the UpdatedAt as time.Time.
func (e *Entity) UpdatedAtTime() time.Time {
	return time.Unix(e.UpdatedAt, 0)
}

// Touch updates the UpdatedAt timestamp.
func (e *Entity) Touch() {
	e.UpdatedAt = time.Now().Unix()
}

// Clone returns a deep copy so a snapshot cannot be changed through the original.
func (e *Entity) Clone() *Entity {
	c := *e
	if e.Latitude != nil {
		lat := *e.Latitude
		c.Latitude = &lat
	}
	if e.Longitude != nil {
		lng := *e.Longitude
		c.Longitude = &lng
	}
	if e.Fields != nil {
		c.Fields = make(map[string]interface{}, len(e.Fields))
		for k, v := range e.Fields {
			c.Fields[k] = v
		}
	}
	return &c
}

// Canonical carries the server-assigned fields folded back after a
// successful remote call.
type Canonical struct {
	ServerID     string `json:"id"`
	ReportNumber string `json:"report_number,omitempty"`
	Status       string `json:"status,omitempty"`
	UpdatedAt    int64  `json:"updated_at,omitempty"`
}

// IsZero reports whether no canonical field was returned.
func (c Canonical) IsZero() bool {
	return c == Canonical{}
}
