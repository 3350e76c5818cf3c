// Package db tests for database migration management.
package db

import (
	"database/sql"
	"strings"
	"testing"
	"testing/fstest"
)

func openMemoryDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	// :memory: databases are per connection
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func testMigrations() fstest.MapFS {
	return fstest.MapFS{
		"V1__create_a.up.sql":   {Data: []byte("CREATE TABLE a (id INTEGER PRIMARY KEY);")},
		"V1__create_a.down.sql": {Data: []byte("DROP TABLE a;")},
		"V2__create_b.up.sql":   {Data: []byte("CREATE TABLE b (id INTEGER PRIMARY KEY);")},
		"V2__create_b.down.sql": {Data: []byte("DROP TABLE b;")},
		"README.md":             {Data: []byte("not a migration")},
	}
}

func tableExists(t *testing.T, db *sql.DB, name string) bool {
	t.Helper()
	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", name).Scan(&count)
	if err != nil {
		t.Fatalf("sqlite_master query failed: %v", err)
	}
	return count == 1
}

// TestInitialize verifies schema_migrations table creation.
func TestInitialize(t *testing.T) {
	db := openMemoryDB(t)
	m := NewMigrator(db, testMigrations())

	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	if !tableExists(t, db, "schema_migrations") {
		t.Fatal("schema_migrations table not found")
	}

	// Checksum must be 64 chars
	_, err := db.Exec("INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (?, ?, ?, ?)",
		1, 123456, "short", "abc")
	if err == nil {
		t.Error("expected CHECK constraint failure for short checksum")
	}

	// Idempotent
	if err := m.Initialize(); err != nil {
		t.Errorf("second Initialize() failed: %v", err)
	}
}

// TestUp verifies migrations are applied in version order and recorded.
func TestUp(t *testing.T) {
	db := openMemoryDB(t)
	m := NewMigrator(db, testMigrations())

	if err := m.Initialize(); err != nil {
		t.Fatal(err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	if !tableExists(t, db, "a") || !tableExists(t, db, "b") {
		t.Error("migration tables not created")
	}

	version, err := m.CurrentVersion()
	if err != nil {
		t.Fatal(err)
	}
	if version != 2 {
		t.Errorf("CurrentVersion() = %d, want 2", version)
	}

	applied, err := m.GetAppliedMigrations()
	if err != nil {
		t.Fatal(err)
	}
	if len(applied) != 2 {
		t.Fatalf("applied = %d, want 2", len(applied))
	}
	if applied[0].Description != "create_a" || len(applied[0].Checksum) != 64 {
		t.Errorf("unexpected migration record: %+v", applied[0])
	}

	// Re-running is a no-op
	if err := m.Up(); err != nil {
		t.Errorf("second Up() failed: %v", err)
	}
}

// TestUp_checksumMismatch verifies a modified applied migration is rejected.
func TestUp_checksumMismatch(t *testing.T) {
	db := openMemoryDB(t)
	files := testMigrations()
	m := NewMigrator(db, files)

	if err := m.Initialize(); err != nil {
		t.Fatal(err)
	}
	if err := m.Up(); err != nil {
		t.Fatal(err)
	}

	files["V1__create_a.up.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE a (id TEXT);")}
	err := NewMigrator(db, files).Up()
	if err == nil || !strings.Contains(err.Error(), "modified") {
		t.Errorf("Up() error = %v, want checksum mismatch", err)
	}
}

// TestUp_failedMigrationRollsBack verifies a broken migration leaves no record.
func TestUp_failedMigrationRollsBack(t *testing.T) {
	db := openMemoryDB(t)
	m := NewMigrator(db, fstest.MapFS{
		"V1__broken.up.sql": {Data: []byte("CREATE TABLE ok (id INTEGER); NOT VALID SQL;")},
	})

	if err := m.Initialize(); err != nil {
		t.Fatal(err)
	}
	if err := m.Up(); err == nil {
		t.Fatal("Up() should fail on invalid SQL")
	}

	version, err := m.CurrentVersion()
	if err != nil {
		t.Fatal(err)
	}
	if version != 0 {
		t.Errorf("CurrentVersion() = %d, want 0", version)
	}
}

// TestDown verifies rollback of the latest migration.
func TestDown(t *testing.T) {
	db := openMemoryDB(t)
	m := NewMigrator(db, testMigrations())

	if err := m.Initialize(); err != nil {
		t.Fatal(err)
	}
	if err := m.Down(); err == nil {
		t.Error("Down() with nothing applied should fail")
	}
	if err := m.Up(); err != nil {
		t.Fatal(err)
	}

	if err := m.Down(); err != nil {
		t.Fatalf("Down() failed: %v", err)
	}
	if tableExists(t, db, "b") {
		t.Error("table b should be dropped")
	}
	if !tableExists(t, db, "a") {
		t.Error("table a should remain")
	}

	version, _ := m.CurrentVersion()
	if version != 1 {
		t.Errorf("CurrentVersion() = %d, want 1", version)
	}
}

// TestEmbeddedMigrations verifies the shipped schema round-trips.
func TestEmbeddedMigrations(t *testing.T) {
	db := openMemoryDB(t)
	m := NewMigrator(db, Migrations)

	if err := m.Initialize(); err != nil {
		t.Fatal(err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}
	if !tableExists(t, db, "queue_items") {
		t.Fatal("queue_items not created")
	}
	if err := m.Down(); err != nil {
		t.Fatalf("Down() failed: %v", err)
	}
	if tableExists(t, db, "queue_items") || tableExists(t, db, "reports") {
		t.Error("tables should be dropped after Down()")
	}
}
