package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/mailtx/internal/migrations"
)

type fakeTarget struct {
	applied  []migrations.Applied
	executed []int
}

func (f *fakeTarget) EnsureMigrationsTable(context.Context) error { return nil }

func (f *fakeTarget) AppliedMigrations(context.Context) ([]migrations.Applied, error) {
	return f.applied, nil
}

func (f *fakeTarget) ExecuteMigration(_ context.Context, m migrations.Migration) error {
	f.executed = append(f.executed, m.Version)
	return nil
}

func (f *fakeTarget) RecordMigration(_ context.Context, m migrations.Migration, appliedBy string) error {
	f.applied = append(f.applied, migrations.Applied{
		Version:   m.Version,
		Name:      m.Name,
		Checksum:  m.Checksum,
		AppliedBy: appliedBy,
		AppliedAt: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
	})
	return nil
}

func sqliteMigrations(t *testing.T) []migrations.Migration {
	t.Helper()
	all, err := migrations.SQLite()
	require.NoError(t, err)
	require.NotEmpty(t, all)
	return all
}

func TestRunAppliesPending(t *testing.T) {
	all := sqliteMigrations(t)
	target := &fakeTarget{}
	var out bytes.Buffer

	require.NoError(t, run(context.Background(), target, all, "test", false, &out))

	assert.Len(t, target.executed, len(all))
	assert.Contains(t, out.String(), "Successfully applied")
	assert.NotContains(t, out.String(), "pending")

	out.Reset()
	require.NoError(t, run(context.Background(), target, all, "test", false, &out))
	assert.Len(t, target.executed, len(all))
	assert.Contains(t, out.String(), "up to date")
}

func TestRunStatusOnlyExecutesNothing(t *testing.T) {
	all := sqliteMigrations(t)
	target := &fakeTarget{}
	var out bytes.Buffer

	require.NoError(t, run(context.Background(), target, all, "test", true, &out))
	assert.Empty(t, target.executed)
	assert.Equal(t, len(all), strings.Count(out.String(), "pending"))
}

func TestRunRejectsEditedMigration(t *testing.T) {
	all := sqliteMigrations(t)
	target := &fakeTarget{applied: []migrations.Applied{
		{Version: all[0].Version, Name: all[0].Name, Checksum: "edited"},
	}}

	err := run(context.Background(), target, all, "test", false, &bytes.Buffer{})
	assert.ErrorIs(t, err, migrations.ErrChecksumMismatch)
	assert.Empty(t, target.executed)
}
