package database

import (
	"context"
	"testing"
	"testing/fstest"
	"time"
)

// testMigrations is a two-step schema used by the migration tests.
func testMigrations() fstest.MapFS {
	return fstest.MapFS{
		"sql/20261018_120000_create_messages.up.sql": {
			Data: []byte("CREATE TABLE test_messages (id INTEGER PRIMARY KEY, topic TEXT NOT NULL);"),
		},
		"sql/20261018_120000_create_messages.down.sql": {
			Data: []byte("DROP TABLE test_messages;"),
		},
		"sql/20261018_130000_add_qos.up.sql": {
			Data: []byte("ALTER TABLE test_messages ADD COLUMN qos INTEGER NOT NULL DEFAULT 0;"),
		},
		"sql/20261018_130000_add_qos.down.sql": {
			Data: []byte("ALTER TABLE test_messages DROP COLUMN qos;"),
		},
		"sql/README.txt": {
			Data: []byte("not a migration"),
		},
	}
}

// useMigrations swaps the package-level migration source for the duration of a test.
func useMigrations(t *testing.T, fsys fstest.MapFS, dir string) {
	t.Helper()

	origFS := MigrationsFS
	origDir := MigrationsDir
	t.Cleanup(func() {
		MigrationsFS = origFS
		MigrationsDir = origDir
	})

	if fsys == nil {
		MigrationsFS = nil
	} else {
		MigrationsFS = fsys
	}
	MigrationsDir = dir
}

func tableExists(t *testing.T, db *DB, name string) bool {
	t.Helper()

	var count int
	err := db.QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", name,
	).Scan(&count)
	if err != nil {
		t.Fatalf("checking table %s: %v", name, err)
	}
	return count == 1
}

// TestMigrate verifies migration application.
func TestMigrate(t *testing.T) {
	useMigrations(t, testMigrations(), "sql")

	db := openTestDB(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	if !tableExists(t, db, "test_messages") {
		t.Fatal("table test_messages not created")
	}

	if _, err := db.ExecContext(ctx, "INSERT INTO test_messages (topic, qos) VALUES (?, ?)", "hello/mosquitto", 1); err != nil {
		t.Fatalf("insert after migration: %v", err)
	}

	applied, pending, err := db.MigrationStatus(ctx)
	if err != nil {
		t.Fatalf("MigrationStatus() error = %v", err)
	}
	if len(applied) != 2 {
		t.Errorf("expected 2 applied migrations, got %d", len(applied))
	}
	if len(pending) != 0 {
		t.Errorf("expected 0 pending migrations, got %d", len(pending))
	}
	if applied[0].Version != "20261018_120000" || applied[1].Version != "20261018_130000" {
		t.Errorf("applied order = %s, %s", applied[0].Version, applied[1].Version)
	}

	// Running again should be idempotent
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
}

// TestMigrateDown verifies migration rollback.
func TestMigrateDown(t *testing.T) {
	useMigrations(t, testMigrations(), "sql")

	db := openTestDB(t)

	ctx := context.Background()

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	// First rollback removes only the latest migration
	if err := db.MigrateDown(ctx); err != nil {
		t.Fatalf("MigrateDown() error = %v", err)
	}
	if !tableExists(t, db, "test_messages") {
		t.Fatal("test_messages dropped by first rollback")
	}

	applied, pending, err := db.MigrationStatus(ctx)
	if err != nil {
		t.Fatalf("MigrationStatus() error = %v", err)
	}
	if len(applied) != 1 || len(pending) != 1 {
		t.Fatalf("after one rollback: applied=%d pending=%d, want 1/1", len(applied), len(pending))
	}
	if pending[0].Name != "add_qos" {
		t.Errorf("pending[0].Name = %q, want add_qos", pending[0].Name)
	}

	if err := db.MigrateDown(ctx); err != nil {
		t.Fatalf("second MigrateDown() error = %v", err)
	}
	if tableExists(t, db, "test_messages") {
		t.Error("test_messages still exists after full rollback")
	}

	// Nothing left to roll back
	if err := db.MigrateDown(ctx); err != nil {
		t.Errorf("MigrateDown() on empty history error = %v", err)
	}
}

// TestMigrateNoMigrations verifies behaviour with no migrations.
func TestMigrateNoMigrations(t *testing.T) {
	tests := []struct {
		name string
		fsys fstest.MapFS
		dir  string
	}{
		{name: "nil filesystem", fsys: nil, dir: "."},
		{name: "empty filesystem", fsys: fstest.MapFS{}, dir: "."},
		{name: "missing directory", fsys: testMigrations(), dir: "nope"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			useMigrations(t, tt.fsys, tt.dir)

			db := openTestDB(t)

			if err := db.Migrate(context.Background()); err != nil {
				t.Fatalf("Migrate() with no migrations error = %v", err)
			}
		})
	}
}

// TestMigrateFailureRollsBack verifies a broken migration leaves earlier ones applied.
func TestMigrateFailureRollsBack(t *testing.T) {
	fsys := testMigrations()
	fsys["sql/20261018_140000_broken.up.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE (;")}
	useMigrations(t, fsys, "sql")

	db := openTestDB(t)

	ctx := context.Background()
	if err := db.Migrate(ctx); err == nil {
		t.Fatal("Migrate() expected error for broken migration")
	}

	applied, pending, err := db.MigrationStatus(ctx)
	if err != nil {
		t.Fatalf("MigrationStatus() error = %v", err)
	}
	if len(applied) != 2 {
		t.Errorf("applied = %d, want 2", len(applied))
	}
	if len(pending) != 1 || pending[0].Name != "broken" {
		t.Errorf("pending = %+v, want the broken migration", pending)
	}
}

// TestMigrationStatus verifies status reporting before anything is applied.
func TestMigrationStatus(t *testing.T) {
	useMigrations(t, testMigrations(), "sql")

	db := openTestDB(t)

	applied, pending, err := db.MigrationStatus(context.Background())
	if err != nil {
		t.Fatalf("MigrationStatus() error = %v", err)
	}
	if len(applied) != 0 {
		t.Errorf("expected 0 applied, got %d", len(applied))
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending, got %d", len(pending))
	}
	if pending[0].DownSQL == "" {
		t.Error("pending[0].DownSQL is empty")
	}
}

func TestReadMigrations(t *testing.T) {
	fsys := testMigrations()
	fsys["sql/20261018_150000_orphan.down.sql"] = &fstest.MapFile{Data: []byte("SELECT 1;")}
	fsys["sql/nodescription.up.sql"] = &fstest.MapFile{Data: []byte("SELECT 1;")}
	fsys["sql/20261018_160000_no_direction.sql"] = &fstest.MapFile{Data: []byte("SELECT 1;")}
	fsys["sql/20261018_170000_nested.up.sql/inner.sql"] = &fstest.MapFile{Data: []byte("SELECT 1;")}
	useMigrations(t, fsys, "sql")

	got, err := readMigrations()
	if err != nil {
		t.Fatalf("readMigrations() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("readMigrations() = %d migrations, want 2: %+v", len(got), got)
	}

	want := []struct{ version, name string }{
		{"20261018_120000", "create_messages"},
		{"20261018_130000", "add_qos"},
	}
	for i, w := range want {
		if got[i].Version != w.version || got[i].Name != w.name {
			t.Errorf("migration %d = %s_%s, want %s_%s", i, got[i].Version, got[i].Name, w.version, w.name)
		}
		if got[i].UpSQL == "" || got[i].DownSQL == "" {
			t.Errorf("migration %s missing SQL: %+v", got[i].Version, got[i])
		}
	}
}

func TestMigrationFilePattern(t *testing.T) {
	tests := []struct {
		filename string
		want     []string // version, name, direction; nil for no match
	}{
		{"20261018_120000_deliveries.up.sql", []string{"20261018_120000", "deliveries", "up"}},
		{"20261018_120100_message_journal.down.sql", []string{"20261018_120100", "message_journal", "down"}},
		{"20261018_120000_deliveries.sql", nil},
		{"invalid.up.sql", nil},
		{"2026_1200_short.up.sql", nil},
		{"readme.txt", nil},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			m := migrationFile.FindStringSubmatch(tt.filename)
			if tt.want == nil {
				if m != nil {
					t.Errorf("matched %q: %v", tt.filename, m)
				}
				return
			}
			if m == nil {
				t.Fatalf("no match for %q", tt.filename)
			}
			for i, w := range tt.want {
				if m[i+1] != w {
					t.Errorf("group %d = %q, want %q", i+1, m[i+1], w)
				}
			}
		})
	}
}
