package bigquery

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/iterator"

	"github.com/dvloznov/mailtx/internal/migrations"
)

// EnsureMigrationsTable creates schema_migrations if it doesn't exist.
func (r *Repository) EnsureMigrationsTable(ctx context.Context) error {
	q := r.client.Query(`
		CREATE TABLE IF NOT EXISTS ` + r.ds.Table(migrationsTable) + ` (
			version       INT64 NOT NULL,
			name          STRING NOT NULL,
			applied_at    TIMESTAMP NOT NULL,
			checksum      STRING,
			applied_by    STRING
		)
	`)
	if _, err := runDML(ctx, q); err != nil {
		return fmt.Errorf("EnsureMigrationsTable: %w", err)
	}
	return nil
}

// AppliedMigrations retrieves the list of already applied migrations.
func (r *Repository) AppliedMigrations(ctx context.Context) ([]migrations.Applied, error) {
	q := r.client.Query(`
		SELECT version, name, applied_at, checksum, applied_by
		FROM ` + r.ds.Table(migrationsTable) + `
		ORDER BY version ASC
	`)
	it, err := q.Read(ctx)
	if err != nil {
		// The table is created lazily; a missing table means nothing is applied.
		if strings.Contains(err.Error(), "Not found") {
			return nil, nil
		}
		return nil, fmt.Errorf("AppliedMigrations: reading applied migrations: %w", err)
	}

	var applied []migrations.Applied
	for {
		var row struct {
			Version   int64                  `bigquery:"version"`
			Name      string                 `bigquery:"name"`
			AppliedAt bigquery.NullTimestamp `bigquery:"applied_at"`
			Checksum  bigquery.NullString    `bigquery:"checksum"`
			AppliedBy bigquery.NullString    `bigquery:"applied_by"`
		}
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("AppliedMigrations: iterating results: %w", err)
		}
		applied = append(applied, migrations.Applied{
			Version:   int(row.Version),
			Name:      row.Name,
			AppliedAt: row.AppliedAt.Timestamp,
			Checksum:  row.Checksum.StringVal,
			AppliedBy: row.AppliedBy.StringVal,
		})
	}
	return applied, nil
}

// ExecuteMigration executes a single migration script.
func (r *Repository) ExecuteMigration(ctx context.Context, m migrations.Migration) error {
	if _, err := runDML(ctx, r.client.Query(m.SQL)); err != nil {
		return fmt.Errorf("ExecuteMigration: %w", err)
	}
	return nil
}

// RecordMigration records a successfully applied migration in schema_migrations.
func (r *Repository) RecordMigration(ctx context.Context, m migrations.Migration, appliedBy string) error {
	q := r.client.Query(`
		INSERT INTO ` + r.ds.Table(migrationsTable) + `
		(version, name, applied_at, checksum, applied_by)
		VALUES (@version, @name, CURRENT_TIMESTAMP(), @checksum, @applied_by)
	`)
	q.Parameters = []bigquery.QueryParameter{
		{Name: "version", Value: m.Version},
		{Name: "name", Value: m.Name},
		{Name: "checksum", Value: m.Checksum},
		{Name: "applied_by", Value: appliedBy},
	}
	if _, err := runDML(ctx, q); err != nil {
		return fmt.Errorf("RecordMigration: %w", err)
	}
	return nil
}

// Migrate applies the embedded BigQuery migrations for r's dataset.
func (r *Repository) Migrate(ctx context.Context, appliedBy string) (int, error) {
	all, err := migrations.BigQuery(r.ds.ProjectID, r.ds.DatasetID)
	if err != nil {
		return 0, fmt.Errorf("Migrate: %w", err)
	}
	return migrations.Apply(ctx, r, all, appliedBy)
}
