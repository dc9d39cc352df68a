package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/dvloznov/mailtx/internal/migrations"
)

// EnsureMigrationsTable creates schema_migrations if it does not exist.
func (d *DB) EnsureMigrationsTable(ctx context.Context) error {
	_, err := d.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			name        TEXT NOT NULL,
			applied_at  TEXT NOT NULL,
			checksum    TEXT NOT NULL DEFAULT '',
			applied_by  TEXT NOT NULL DEFAULT ''
		)
	`)
	if err != nil {
		return fmt.Errorf("EnsureMigrationsTable: %w", err)
	}
	return nil
}

// AppliedMigrations lists schema_migrations by version.
func (d *DB) AppliedMigrations(ctx context.Context) ([]migrations.Applied, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT version, name, applied_at, checksum, applied_by
		FROM schema_migrations
		ORDER BY version ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("AppliedMigrations: querying: %w", err)
	}
	defer rows.Close()

	var out []migrations.Applied
	for rows.Next() {
		var (
			a         migrations.Applied
			appliedAt string
		)
		if err := rows.Scan(&a.Version, &a.Name, &appliedAt, &a.Checksum, &a.AppliedBy); err != nil {
			return nil, fmt.Errorf("AppliedMigrations: scanning: %w", err)
		}
		a.AppliedAt, _ = time.Parse(timeLayout, appliedAt)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("AppliedMigrations: iterating: %w", err)
	}
	return out, nil
}

// ExecuteMigration runs one migration file.
func (d *DB) ExecuteMigration(ctx context.Context, m migrations.Migration) error {
	if _, err := d.db.ExecContext(ctx, m.SQL); err != nil {
		return fmt.Errorf("ExecuteMigration: %w", err)
	}
	return nil
}

// RecordMigration marks m as applied.
func (d *DB) RecordMigration(ctx context.Context, m migrations.Migration, appliedBy string) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, name, applied_at, checksum, applied_by)
		VALUES (?, ?, ?, ?, ?)
	`, m.Version, m.Name, formatTime(d.now()), m.Checksum, appliedBy)
	if err != nil {
		return fmt.Errorf("RecordMigration: %w", err)
	}
	return nil
}
