package database

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"time"
)

// MigrationsFS holds the migration files. The top-level migrations
// package sets it from an embed.FS at init; tests swap it.
var MigrationsFS fs.FS

// MigrationsDir is the directory inside MigrationsFS to read.
var MigrationsDir = "."

// migrationFile matches 20261018_120000_message_journal.up.sql.
var migrationFile = regexp.MustCompile(`^(\d{8}_\d{6})_(\w+)\.(up|down)\.sql$`)

// Migration is one versioned schema change.
type Migration struct {
	Version string // YYYYMMDD_HHMMSS
	Name    string
	UpSQL   string
	DownSQL string
}

// AppliedMigration is a row of schema_migrations.
type AppliedMigration struct {
	Version   string
	AppliedAt time.Time
}

const createSchemaMigrations = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version    TEXT PRIMARY KEY,
	applied_at TEXT NOT NULL
)`

// Migrate applies pending migrations oldest first, each in its own
// transaction. A failure leaves the earlier ones committed.
func (db *DB) Migrate(ctx context.Context) error {
	_, pending, err := db.MigrationStatus(ctx)
	if err != nil {
		return err
	}

	for _, m := range pending {
		err := db.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				"INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)",
				m.Version, time.Now().UTC().Format(time.RFC3339))
			return err
		})
		if err != nil {
			return fmt.Errorf("applying migration %s_%s: %w", m.Version, m.Name, err)
		}
	}
	return nil
}

// MigrateDown reverts the most recently applied migration. It does
// nothing when none is applied.
func (db *DB) MigrateDown(ctx context.Context) error {
	applied, err := db.appliedMigrations(ctx)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		return nil
	}
	version := applied[len(applied)-1].Version

	all, err := readMigrations()
	if err != nil {
		return err
	}
	i := sort.Search(len(all), func(i int) bool { return all[i].Version >= version })
	if i == len(all) || all[i].Version != version {
		return fmt.Errorf("migration %s is applied but has no file", version)
	}
	m := all[i]
	if m.DownSQL == "" {
		return fmt.Errorf("migration %s_%s has no down file", m.Version, m.Name)
	}

	err = db.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, m.DownSQL); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = ?", m.Version)
		return err
	})
	if err != nil {
		return fmt.Errorf("reverting migration %s_%s: %w", m.Version, m.Name, err)
	}
	return nil
}

// MigrationStatus returns the applied migrations and, oldest first, the
// ones in MigrationsFS that are not applied yet.
func (db *DB) MigrationStatus(ctx context.Context) ([]AppliedMigration, []Migration, error) {
	applied, err := db.appliedMigrations(ctx)
	if err != nil {
		return nil, nil, err
	}
	all, err := readMigrations()
	if err != nil {
		return nil, nil, err
	}

	done := make(map[string]bool, len(applied))
	for _, a := range applied {
		done[a.Version] = true
	}
	var pending []Migration
	for _, m := range all {
		if !done[m.Version] {
			pending = append(pending, m)
		}
	}
	return applied, pending, nil
}

func (db *DB) appliedMigrations(ctx context.Context) ([]AppliedMigration, error) {
	if _, err := db.ExecContext(ctx, createSchemaMigrations); err != nil {
		return nil, fmt.Errorf("creating schema_migrations: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version, applied_at FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("reading schema_migrations: %w", err)
	}
	defer rows.Close()

	var out []AppliedMigration
	for rows.Next() {
		var a AppliedMigration
		var at string
		if err := rows.Scan(&a.Version, &at); err != nil {
			return nil, fmt.Errorf("reading schema_migrations: %w", err)
		}
		a.AppliedAt, _ = time.Parse(time.RFC3339, at) //nolint:errcheck // written by Migrate
		out = append(out, a)
	}
	return out, rows.Err()
}

// readMigrations loads every up/down pair from MigrationsFS sorted by
// version. Files that do not match the naming scheme are ignored, as is
// a missing directory. A down file without an up file is ignored too.
func readMigrations() ([]Migration, error) {
	if MigrationsFS == nil {
		return nil, nil
	}
	entries, err := fs.ReadDir(MigrationsFS, MigrationsDir)
	if err != nil {
		return nil, nil //nolint:nilerr // no directory, no migrations
	}

	byVersion := make(map[string]*Migration)
	downs := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := migrationFile.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		body, err := fs.ReadFile(MigrationsFS, path.Join(MigrationsDir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		version, name, direction := match[1], match[2], match[3]
		if direction == "down" {
			downs[version] = string(body)
			continue
		}
		byVersion[version] = &Migration{Version: version, Name: name, UpSQL: string(body)}
	}

	out := make([]Migration, 0, len(byVersion))
	for version, m := range byVersion {
		m.DownSQL = downs[version]
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}
