package db

import (
	"context"
	"database/sql"
	"testing"
	"testing/fstest"

	"github.com/fieldtriage/fieldtriage/internal/platform/db/migrations"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	sdb, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { sdb.Close() })
	return sdb
}

func testFS() fstest.MapFS {
	return fstest.MapFS{
		"001_widgets.sql": &fstest.MapFile{
			Data: []byte(`CREATE TABLE widgets (id TEXT PRIMARY KEY, name TEXT NOT NULL);`),
		},
		"002_gadgets.sql": &fstest.MapFile{
			Data: []byte(`CREATE TABLE gadgets (id TEXT PRIMARY KEY, widget_id TEXT REFERENCES widgets(id));`),
		},
		"notes.txt": &fstest.MapFile{
			Data: []byte(`not a migration`),
		},
		"README.sql": &fstest.MapFile{
			Data: []byte(`-- no numeric prefix, skipped`),
		},
	}
}

func TestMigrator_UpAppliesAllPending(t *testing.T) {
	sdb := newTestDB(t)
	m := NewMigrator(sdb, testFS())

	ctx := context.Background()
	count, err := m.Up(ctx)
	if err != nil {
		t.Fatalf("up: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 applied migrations, got %d", count)
	}

	for _, table := range []string{"widgets", "gadgets", "_migrations"} {
		var name string
		err := sdb.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		if err != nil {
			t.Errorf("expected table %s to exist: %v", table, err)
		}
	}
}

func TestMigrator_UpIsIdempotent(t *testing.T) {
	sdb := newTestDB(t)
	m := NewMigrator(sdb, testFS())

	ctx := context.Background()
	if _, err := m.Up(ctx); err != nil {
		t.Fatalf("first up: %v", err)
	}

	count, err := m.Up(ctx)
	if err != nil {
		t.Fatalf("second up: %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0 migrations on re-run, got %d", count)
	}
}

func TestMigrator_UpToStopsAtTarget(t *testing.T) {
	sdb := newTestDB(t)
	m := NewMigrator(sdb, testFS())

	ctx := context.Background()
	count, err := m.UpTo(ctx, 1)
	if err != nil {
		t.Fatalf("up to 1: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 applied migration, got %d", count)
	}

	var name string
	err = sdb.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name='gadgets'`).Scan(&name)
	if err == nil {
		t.Error("expected gadgets table to be pending")
	}
}

func TestMigrator_LoadSkipsNonMigrationFiles(t *testing.T) {
	m := NewMigrator(nil, testFS())

	migs, err := m.LoadMigrations()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(migs) != 2 {
		t.Fatalf("expected 2 migrations, got %d", len(migs))
	}
	if migs[0].Version != 1 || migs[1].Version != 2 {
		t.Errorf("expected versions [1 2], got [%d %d]", migs[0].Version, migs[1].Version)
	}
}

func TestMigrator_Status(t *testing.T) {
	sdb := newTestDB(t)
	m := NewMigrator(sdb, testFS())

	ctx := context.Background()
	if _, err := m.UpTo(ctx, 1); err != nil {
		t.Fatalf("up to 1: %v", err)
	}

	statuses, err := m.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if !statuses[0].Applied {
		t.Error("expected migration 1 to be applied")
	}
	if statuses[0].AppliedAt == nil {
		t.Error("expected applied_at for migration 1")
	}
	if statuses[1].Applied {
		t.Error("expected migration 2 to be pending")
	}
}

func TestMigrator_EmbeddedSchema(t *testing.T) {
	sdb := newTestDB(t)
	m := NewMigrator(sdb, migrations.FS)

	ctx := context.Background()
	count, err := m.Up(ctx)
	if err != nil {
		t.Fatalf("up: %v", err)
	}
	if count < 2 {
		t.Errorf("expected at least 2 embedded migrations, got %d", count)
	}

	for _, table := range []string{"records", "audit_log"} {
		var name string
		err := sdb.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		if err != nil {
			t.Errorf("expected table %s to exist: %v", table, err)
		}
	}
}
