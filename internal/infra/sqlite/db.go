// Package sqlite is the single-file storage backend: integration store,
// pay-transaction sink and sync run ledger on modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dvloznov/mailtx/internal/metrics"
	"github.com/dvloznov/mailtx/internal/migrations"
	"github.com/dvloznov/mailtx/internal/sink"
	"github.com/dvloznov/mailtx/internal/store"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// Timestamps are stored as fixed-width UTC text so that they sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// DB implements the store contracts and sink.Sink.
type DB struct {
	db      *sql.DB
	metrics *metrics.Metrics
	now     func() time.Time
}

var (
	_ store.IntegrationRepository = (*DB)(nil)
	_ store.SyncRunRepository     = (*DB)(nil)
	_ store.TransactionReader     = (*DB)(nil)
	_ sink.Sink                   = (*DB)(nil)
	_ sink.RecordWriter           = (*DB)(nil)
	_ migrations.Target           = (*DB)(nil)
)

// Option configures a DB.
type Option func(*DB)

// WithMetrics records sink results.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *DB) { d.metrics = m }
}

// WithClock replaces time.Now for ledger timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *DB) { d.now = now }
}

// Open opens the database at path and applies pending migrations.
func Open(ctx context.Context, path string, opts ...Option) (*DB, error) {
	if path != MemoryPath && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("Open: creating database directory: %w", err)
		}
	}

	sqlDB, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("Open: opening database: %w", err)
	}
	// An in-memory database exists only on the connection that created it.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	d := &DB{db: sqlDB, now: time.Now}
	for _, opt := range opts {
		opt(d)
	}

	all, err := migrations.SQLite()
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("Open: %w", err)
	}
	if _, err := migrations.Apply(ctx, d, all, "mailtx"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("Open: %w", err)
	}
	return d, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, s.String)
	if err != nil {
		return nil, fmt.Errorf("parsing timestamp %q: %w", s.String, err)
	}
	return &t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
