package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/mailtx/internal/domain"
	"github.com/dvloznov/mailtx/internal/infra/sqlite"
	"github.com/dvloznov/mailtx/internal/migrations"
	"github.com/dvloznov/mailtx/internal/sink"
	"github.com/dvloznov/mailtx/internal/store"
)

var fixedNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func setupTestDB(t *testing.T) *sqlite.DB {
	t.Helper()

	db, err := sqlite.Open(context.Background(), sqlite.MemoryPath, sqlite.WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func at(day int) *time.Time {
	t := time.Date(2024, 6, day, 9, 30, 0, 0, time.UTC)
	return &t
}

func payment(number, user, provider, amount string, when *time.Time) domain.Transaction {
	return domain.Transaction{
		TransactionNumber: number,
		UserID:            user,
		Provider:          provider,
		Amount:            decimal.RequireFromString(amount),
		Currency:          "USD",
		Sender:            "Jane Smith",
		Recipient:         "Acme Store",
		Status:            "completed",
		Subject:           "You paid Acme Store",
		OccurredAt:        when,
		MessageID:         "<" + number + "@example.com>",
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "mailtx.db")

	db, err := sqlite.Open(context.Background(), path)
	require.NoError(t, err)
	applied, err := db.AppliedMigrations(context.Background())
	require.NoError(t, err)
	require.NoError(t, db.Close())

	all, err := migrations.SQLite()
	require.NoError(t, err)
	assert.Len(t, applied, len(all))

	db, err = sqlite.Open(context.Background(), path)
	require.NoError(t, err)
	defer db.Close()

	again, err := db.AppliedMigrations(context.Background())
	require.NoError(t, err)
	assert.Len(t, again, len(all))
}

func TestIntegrationStore(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	expiry := time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC)
	require.NoError(t, db.SaveIntegration(ctx, domain.Integration{
		ID: "int-a", UserID: "u1", Mode: domain.ModeOAuth, OAuthProvider: "google",
		AccessToken: "tok", RefreshToken: "ref", TokenExpiry: expiry,
		Scopes: []string{"gmail.readonly", "email"}, Active: true,
	}))
	require.NoError(t, db.SaveIntegration(ctx, domain.Integration{
		ID: "int-b", UserID: "u2", Mode: domain.ModeManual, Username: "bob@example.com",
		Server: "imap.example.com", Port: 993, UseSSL: true, Secret: "pw", Active: true,
	}))
	require.NoError(t, db.SaveIntegration(ctx, domain.Integration{
		ID: "int-c", UserID: "u1", Mode: domain.ModeManual, Active: false,
	}))

	all, err := db.ListActiveIntegrations(ctx, domain.IntegrationFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "int-a", all[0].ID)
	assert.True(t, all[0].TokenExpiry.Equal(expiry))
	assert.Equal(t, []string{"gmail.readonly", "email"}, all[0].Scopes)
	assert.Equal(t, 993, all[1].Port)
	assert.True(t, all[1].UseSSL)
	assert.Equal(t, "pw", all[1].Secret)

	manual, err := db.ListActiveIntegrations(ctx, domain.IntegrationFilter{Modes: []domain.CredentialMode{domain.ModeManual}})
	require.NoError(t, err)
	require.Len(t, manual, 1)
	assert.Equal(t, "int-b", manual[0].ID)

	byUser, err := db.ListActiveIntegrations(ctx, domain.IntegrationFilter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, byUser, 1)
	assert.Equal(t, "int-a", byUser[0].ID)

	newExpiry := expiry.Add(time.Hour)
	require.NoError(t, db.UpdateIntegrationToken(ctx, "int-a", "tok2", newExpiry))
	require.NoError(t, db.MarkIntegrationSynced(ctx, "int-a", fixedNow))

	all, err = db.ListActiveIntegrations(ctx, domain.IntegrationFilter{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "tok2", all[0].AccessToken)
	assert.True(t, all[0].TokenExpiry.Equal(newExpiry))
	require.NotNil(t, all[0].LastSyncAt)
	assert.True(t, all[0].LastSyncAt.Equal(fixedNow))

	err = db.UpdateIntegrationToken(ctx, "missing", "x", newExpiry)
	assert.ErrorIs(t, err, store.ErrIntegrationNotFound)
}

func TestUpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	batch := []domain.Transaction{
		payment("#D-1", "u1", "cashapp", "12.50", at(1)),
		payment("#D-2", "u1", "cashapp", "3.00", at(2)),
	}

	rep, err := db.Upsert(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Inserted)
	assert.Zero(t, rep.Duplicates)

	// Same key again, plus the same number under another provider and user.
	batch = append(batch,
		payment("#D-1", "u1", "venmo", "12.50", at(1)),
		payment("#D-1", "u2", "cashapp", "12.50", at(1)),
	)
	rep, err = db.Upsert(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Inserted)
	assert.Equal(t, 2, rep.Duplicates)
	assert.Zero(t, rep.Errors)
}

func TestInsertRecordReportsDuplicate(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	rec, err := sink.NewRecord(payment("#D-9", "u1", "cashapp", "1.00", nil))
	require.NoError(t, err)
	require.NoError(t, db.InsertRecord(ctx, rec))

	err = db.InsertRecord(ctx, rec)
	require.Error(t, err)
	assert.True(t, errors.Is(err, sink.ErrDuplicate))
}

func TestListTransactions(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	_, err := db.Upsert(ctx, []domain.Transaction{
		payment("#D-3", "u1", "cashapp", "30.00", at(3)),
		payment("#D-1", "u1", "cashapp", "10.00", at(1)),
		payment("#D-2", "u2", "cashapp", "20.00", at(2)),
		payment("#D-4", "u1", "cashapp", "40.00", nil),
	})
	require.NoError(t, err)

	got, err := db.ListTransactions(ctx, store.TransactionFilter{UserID: "u1", Start: *at(1), End: *at(2)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "#D-1", got[0].TransactionNumber)
	assert.True(t, got[0].Amount.Equal(decimal.RequireFromString("10")))
	assert.Equal(t, "You paid Acme Store", got[0].Subject)
	assert.Equal(t, "Acme Store", got[0].Recipient)

	all, err := db.ListTransactions(ctx, store.TransactionFilter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, all, 3)
	// Undated rows sort first.
	assert.Nil(t, all[0].OccurredAt)
	assert.Equal(t, "#D-1", all[1].TransactionNumber)
	assert.Equal(t, "#D-3", all[2].TransactionNumber)

	limited, err := db.ListTransactions(ctx, store.TransactionFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestSyncRunLedger(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	require.NoError(t, db.StartSyncRun(ctx, "run-1", "cli", "from:cash@square.com"))
	require.NoError(t, db.StartSyncRun(ctx, "run-2", "api", ""))
	require.NoError(t, db.MarkSyncRunSucceeded(ctx, "run-1", store.RunCounts{Processed: 5, New: 3, Duplicates: 1, Errors: 1, Inserted: 3}))
	db.MarkSyncRunFailed(ctx, "run-2", errors.New("sink unavailable"))

	runs, err := db.ListSyncRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	byID := map[string]store.SyncRun{}
	for _, r := range runs {
		byID[r.RunID] = r
	}
	ok := byID["run-1"]
	assert.Equal(t, store.RunStatusSuccess, ok.Status)
	assert.Equal(t, "cli", ok.Trigger)
	assert.Equal(t, 3, ok.Inserted)
	assert.Equal(t, 5, ok.Processed)
	require.NotNil(t, ok.FinishedAt)
	assert.True(t, ok.StartedAt.Equal(fixedNow))

	failed := byID["run-2"]
	assert.Equal(t, store.RunStatusFailed, failed.Status)
	assert.Equal(t, "sink unavailable", failed.ErrorMessage)
}
