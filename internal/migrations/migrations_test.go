package migrations_test

import (
	"context"
	"errors"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/mailtx/internal/migrations"
)

func TestMigrationFilenamePattern(t *testing.T) {
	tests := []struct {
		filename string
		valid    bool
		version  int
		name     string
	}{
		{"0001_create_integrations.sql", true, 1, "create_integrations"},
		{"0012_add_index.sql", true, 12, "add_index"},
		{"001_invalid.sql", false, 0, ""},
		{"0001_test", false, 0, ""},
		{"0001.sql", false, 0, ""},
		{"invalid_0001_test.sql", false, 0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			version, name, ok := migrations.ParseFilename(tt.filename)
			assert.Equal(t, tt.valid, ok)
			assert.Equal(t, tt.version, version)
			assert.Equal(t, tt.name, name)
		})
	}
}

func TestLoadSortsAndReplacesPlaceholders(t *testing.T) {
	fsys := fstest.MapFS{
		"m/0002_second.sql": {Data: []byte("SELECT 2 FROM `{{PROJECT_ID}}.{{DATASET_ID}}.t`")},
		"m/0001_first.sql":  {Data: []byte("SELECT 1")},
		"m/README.md":       {Data: []byte("ignored")},
	}

	got, err := migrations.Load(fsys, "m", map[string]string{"PROJECT_ID": "p", "DATASET_ID": "d"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].Version)
	assert.Equal(t, "SELECT 2 FROM `p.d.t`", got[1].SQL)

	// The checksum ignores the substituted values.
	again, err := migrations.Load(fsys, "m", map[string]string{"PROJECT_ID": "other", "DATASET_ID": "x"})
	require.NoError(t, err)
	assert.Equal(t, got[1].Checksum, again[1].Checksum)
	assert.NotEqual(t, got[0].Checksum, got[1].Checksum)
}

func TestEmbeddedSets(t *testing.T) {
	bq, err := migrations.BigQuery("proj", "mail")
	require.NoError(t, err)
	require.NotEmpty(t, bq)
	assert.Contains(t, bq[0].SQL, "`proj.mail.user_integrations`")
	assert.NotContains(t, bq[1].SQL, "{{")

	lite, err := migrations.SQLite()
	require.NoError(t, err)
	assert.Len(t, lite, len(bq))
}

func TestPendingDetectsEditedMigration(t *testing.T) {
	all := []migrations.Migration{
		{Version: 1, Name: "a", Checksum: "aaa"},
		{Version: 2, Name: "b", Checksum: "bbb"},
	}

	pending, err := migrations.Pending(all, []migrations.Applied{{Version: 1, Checksum: "aaa"}})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 2, pending[0].Version)

	_, err = migrations.Pending(all, []migrations.Applied{{Version: 1, Checksum: "zzz"}})
	assert.ErrorIs(t, err, migrations.ErrChecksumMismatch)
}

type fakeTarget struct {
	applied  []migrations.Applied
	executed []int
	failOn   int
}

func (f *fakeTarget) EnsureMigrationsTable(context.Context) error { return nil }

func (f *fakeTarget) AppliedMigrations(context.Context) ([]migrations.Applied, error) {
	return f.applied, nil
}

func (f *fakeTarget) ExecuteMigration(_ context.Context, m migrations.Migration) error {
	if m.Version == f.failOn {
		return errors.New("syntax error")
	}
	f.executed = append(f.executed, m.Version)
	return nil
}

func (f *fakeTarget) RecordMigration(_ context.Context, m migrations.Migration, by string) error {
	f.applied = append(f.applied, migrations.Applied{Version: m.Version, Name: m.Name, Checksum: m.Checksum, AppliedBy: by})
	return nil
}

func TestApplyRunsOnlyPending(t *testing.T) {
	all := []migrations.Migration{{Version: 1}, {Version: 2}, {Version: 3}}
	target := &fakeTarget{applied: []migrations.Applied{{Version: 1}}}

	n, err := migrations.Apply(context.Background(), target, all, "test")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []int{2, 3}, target.executed)

	n, err = migrations.Apply(context.Background(), target, all, "test")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestApplyStopsAtFailure(t *testing.T) {
	all := []migrations.Migration{{Version: 1}, {Version: 2}, {Version: 3}}
	target := &fakeTarget{failOn: 2}

	n, err := migrations.Apply(context.Background(), target, all, "test")
	require.Error(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []int{1}, target.executed)
}
