// Package store declares the persistence contracts shared by the BigQuery and
// SQLite backends.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/dvloznov/mailtx/internal/domain"
)

// ErrIntegrationNotFound is returned when an update matches no integration.
var ErrIntegrationNotFound = errors.New("integration not found")

// IntegrationRepository is the credential store.
type IntegrationRepository interface {
	// ListActiveIntegrations returns active integrations admitted by filter.
	ListActiveIntegrations(ctx context.Context, filter domain.IntegrationFilter) ([]domain.Integration, error)

	// UpdateIntegrationToken writes back a refreshed access token and its expiry.
	UpdateIntegrationToken(ctx context.Context, integrationID, accessToken string, expiry time.Time) error

	// MarkIntegrationSynced records the time of the last clean sync.
	MarkIntegrationSynced(ctx context.Context, integrationID string, at time.Time) error
}

// Sync run statuses.
const (
	RunStatusRunning = "RUNNING"
	RunStatusSuccess = "SUCCESS"
	RunStatusFailed  = "FAILED"
)

// SyncRun is one row of the sync run ledger.
type SyncRun struct {
	RunID        string     `json:"run_id"`
	Trigger      string     `json:"trigger"`
	Query        string     `json:"query"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Status       string     `json:"status"`
	Processed    int        `json:"processed"`
	New          int        `json:"new"`
	Duplicates   int        `json:"duplicates"`
	Errors       int        `json:"errors"`
	Inserted     int        `json:"inserted"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// RunCounts are the totals written when a run finishes.
type RunCounts struct {
	Processed  int
	New        int
	Duplicates int
	Errors     int
	Inserted   int
}

// SyncRunRepository is the run ledger.
type SyncRunRepository interface {
	// StartSyncRun inserts a RUNNING row for runID.
	StartSyncRun(ctx context.Context, runID, trigger, query string) error

	// MarkSyncRunSucceeded sets SUCCESS, finish time and counts.
	MarkSyncRunSucceeded(ctx context.Context, runID string, counts RunCounts) error

	// MarkSyncRunFailed sets FAILED and the error message. Failures are logged, not returned.
	MarkSyncRunFailed(ctx context.Context, runID string, runErr error)

	// ListSyncRuns returns the most recent runs first.
	ListSyncRuns(ctx context.Context, limit int) ([]SyncRun, error)
}

// TransactionFilter narrows stored transaction queries. Zero fields are unbounded.
type TransactionFilter struct {
	UserID string
	Start  time.Time
	End    time.Time
	Limit  int
}

// TransactionReader reads back stored transactions.
type TransactionReader interface {
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]domain.Transaction, error)
}

// MaxErrorMessageLen bounds error text written to the ledger.
const MaxErrorMessageLen = 2000

// TruncateError returns err's text cut to MaxErrorMessageLen bytes.
func TruncateError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) > MaxErrorMessageLen {
		msg = msg[:MaxErrorMessageLen]
	}
	return msg
}
