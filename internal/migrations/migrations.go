// Package migrations holds the embedded schema for both storage backends and
// applies pending versions in order, tracked in a schema_migrations table.
package migrations

import (
	"context"
	"crypto/sha256"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dvloznov/mailtx/internal/logger"
)

//go:embed bigquery/*.sql sqlite/*.sql
var files embed.FS

// ErrChecksumMismatch is returned when an applied migration file was edited afterwards.
var ErrChecksumMismatch = errors.New("migration checksum mismatch")

// Migration is one versioned schema file.
type Migration struct {
	Version  int
	Name     string
	Filename string
	SQL      string
	Checksum string
}

// Applied is a row of schema_migrations.
type Applied struct {
	Version   int
	Name      string
	AppliedAt time.Time
	Checksum  string
	AppliedBy string
}

// Target is a database the migrations can be applied to.
type Target interface {
	EnsureMigrationsTable(ctx context.Context) error
	AppliedMigrations(ctx context.Context) ([]Applied, error)
	ExecuteMigration(ctx context.Context, m Migration) error
	RecordMigration(ctx context.Context, m Migration, appliedBy string) error
}

// Migration files are named 0001_name.sql.
var filenamePattern = regexp.MustCompile(`^(\d{4})_(.+)\.sql$`)

// ParseFilename splits a migration filename into its version and name.
func ParseFilename(filename string) (int, string, bool) {
	m := filenamePattern.FindStringSubmatch(filename)
	if m == nil {
		return 0, "", false
	}
	version, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, "", false
	}
	return version, m[2], true
}

// Load reads every migration in dir, sorted by version. Each {{KEY}}
// placeholder is replaced from vars. The checksum covers the file before
// replacement so the same migration matches across projects.
func Load(fsys fs.FS, dir string, vars map[string]string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("Load: reading %s: %w", dir, err)
	}

	var out []Migration
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		version, name, ok := ParseFilename(e.Name())
		if !ok {
			continue
		}
		content, err := fs.ReadFile(fsys, path.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("Load: reading %s: %w", e.Name(), err)
		}

		sql := string(content)
		for k, v := range vars {
			sql = strings.ReplaceAll(sql, "{{"+k+"}}", v)
		}
		out = append(out, Migration{
			Version:  version,
			Name:     name,
			Filename: e.Name(),
			SQL:      sql,
			Checksum: fmt.Sprintf("%x", sha256.Sum256(content)),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// BigQuery returns the embedded BigQuery migrations for a project and dataset.
func BigQuery(projectID, datasetID string) ([]Migration, error) {
	return Load(files, "bigquery", map[string]string{
		"PROJECT_ID": projectID,
		"DATASET_ID": datasetID,
	})
}

// SQLite returns the embedded SQLite migrations.
func SQLite() ([]Migration, error) {
	return Load(files, "sqlite", nil)
}

// Pending returns the migrations in all that are not yet applied. An applied
// version whose recorded checksum differs from the file fails the whole set.
func Pending(all []Migration, applied []Applied) ([]Migration, error) {
	done := make(map[int]Applied, len(applied))
	for _, a := range applied {
		done[a.Version] = a
	}

	var out []Migration
	for _, m := range all {
		a, ok := done[m.Version]
		if !ok {
			out = append(out, m)
			continue
		}
		if a.Checksum != "" && a.Checksum != m.Checksum {
			return nil, fmt.Errorf("Pending: %04d_%s: %w", m.Version, m.Name, ErrChecksumMismatch)
		}
	}
	return out, nil
}

// Apply brings t up to date with all and returns how many migrations ran.
func Apply(ctx context.Context, t Target, all []Migration, appliedBy string) (int, error) {
	log := logger.FromContext(ctx)

	if err := t.EnsureMigrationsTable(ctx); err != nil {
		return 0, fmt.Errorf("Apply: ensuring schema_migrations: %w", err)
	}
	applied, err := t.AppliedMigrations(ctx)
	if err != nil {
		return 0, fmt.Errorf("Apply: listing applied migrations: %w", err)
	}
	pending, err := Pending(all, applied)
	if err != nil {
		return 0, fmt.Errorf("Apply: %w", err)
	}

	log.Info().Int("found", len(all)).Int("applied", len(applied)).Int("pending", len(pending)).Msg("Migrations loaded")

	for i, m := range pending {
		mlog := log.With().Int("version", m.Version).Str("name", m.Name).Logger()
		mlog.Info().Msg("Applying migration")

		if err := t.ExecuteMigration(ctx, m); err != nil {
			return i, fmt.Errorf("Apply: executing %04d_%s: %w", m.Version, m.Name, err)
		}
		if err := t.RecordMigration(ctx, m, appliedBy); err != nil {
			return i, fmt.Errorf("Apply: recording %04d_%s: %w", m.Version, m.Name, err)
		}
		mlog.Info().Msg("Migration applied")
	}

	if len(pending) == 0 {
		log.Info().Msg("No new migrations to apply")
	}
	return len(pending), nil
}
