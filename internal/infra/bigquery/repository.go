// Package bigquery is the warehouse storage backend: integration store,
// pay-transaction sink and sync run ledger.
package bigquery

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/option"

	"github.com/dvloznov/mailtx/internal/domain"
	"github.com/dvloznov/mailtx/internal/metrics"
	"github.com/dvloznov/mailtx/internal/migrations"
	"github.com/dvloznov/mailtx/internal/sink"
	"github.com/dvloznov/mailtx/internal/store"
)

// Table names.
const (
	integrationsTable    = "user_integrations"
	payTransactionsTable = "pay_transactions"
	syncRunsTable        = "sync_runs"
	migrationsTable      = "schema_migrations"
)

// Dataset locates the tables.
type Dataset struct {
	ProjectID string
	DatasetID string
}

// Table returns the quoted, fully qualified name of a table.
func (d Dataset) Table(name string) string {
	return fmt.Sprintf("`%s.%s.%s`", d.ProjectID, d.DatasetID, name)
}

// Repository implements the store contracts and sink.Sink over one shared
// BigQuery client.
type Repository struct {
	client  *bigquery.Client
	ds      Dataset
	metrics *metrics.Metrics
}

var (
	_ store.IntegrationRepository = (*Repository)(nil)
	_ store.SyncRunRepository     = (*Repository)(nil)
	_ store.TransactionReader     = (*Repository)(nil)
	_ sink.Sink                   = (*Repository)(nil)
	_ migrations.Target           = (*Repository)(nil)
)

// NewRepository creates a client for ds.ProjectID. Close releases it.
func NewRepository(ctx context.Context, ds Dataset, m *metrics.Metrics, opts ...option.ClientOption) (*Repository, error) {
	client, err := bigquery.NewClient(ctx, ds.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("NewRepository: creating client: %w", err)
	}
	return NewRepositoryWithClient(client, ds, m), nil
}

// NewRepositoryWithClient wraps an existing client.
func NewRepositoryWithClient(client *bigquery.Client, ds Dataset, m *metrics.Metrics) *Repository {
	return &Repository{client: client, ds: ds, metrics: m}
}

// Close closes the BigQuery client connection.
func (r *Repository) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// ListActiveIntegrations delegates to ListActiveIntegrationsWithClient with the shared client.
func (r *Repository) ListActiveIntegrations(ctx context.Context, filter domain.IntegrationFilter) ([]domain.Integration, error) {
	return ListActiveIntegrationsWithClient(ctx, r.client, r.ds, filter)
}

// UpdateIntegrationToken delegates to UpdateIntegrationTokenWithClient with the shared client.
func (r *Repository) UpdateIntegrationToken(ctx context.Context, integrationID, accessToken string, expiry time.Time) error {
	return UpdateIntegrationTokenWithClient(ctx, r.client, r.ds, integrationID, accessToken, expiry)
}

// MarkIntegrationSynced delegates to MarkIntegrationSyncedWithClient with the shared client.
func (r *Repository) MarkIntegrationSynced(ctx context.Context, integrationID string, at time.Time) error {
	return MarkIntegrationSyncedWithClient(ctx, r.client, r.ds, integrationID, at)
}

// Upsert writes txs one record at a time.
func (r *Repository) Upsert(ctx context.Context, txs []domain.Transaction) (*sink.Report, error) {
	return sink.UpsertEach(ctx, recordWriter{client: r.client, ds: r.ds}, txs, r.metrics)
}

// ListTransactions delegates to ListTransactionsWithClient with the shared client.
func (r *Repository) ListTransactions(ctx context.Context, filter store.TransactionFilter) ([]domain.Transaction, error) {
	return ListTransactionsWithClient(ctx, r.client, r.ds, filter)
}

// StartSyncRun delegates to StartSyncRunWithClient with the shared client.
func (r *Repository) StartSyncRun(ctx context.Context, runID, trigger, query string) error {
	return StartSyncRunWithClient(ctx, r.client, r.ds, runID, trigger, query)
}

// MarkSyncRunSucceeded delegates to MarkSyncRunSucceededWithClient with the shared client.
func (r *Repository) MarkSyncRunSucceeded(ctx context.Context, runID string, counts store.RunCounts) error {
	return MarkSyncRunSucceededWithClient(ctx, r.client, r.ds, runID, counts)
}

// MarkSyncRunFailed delegates to MarkSyncRunFailedWithClient with the shared client.
func (r *Repository) MarkSyncRunFailed(ctx context.Context, runID string, runErr error) {
	MarkSyncRunFailedWithClient(ctx, r.client, r.ds, runID, runErr)
}

// ListSyncRuns delegates to ListSyncRunsWithClient with the shared client.
func (r *Repository) ListSyncRuns(ctx context.Context, limit int) ([]store.SyncRun, error) {
	return ListSyncRunsWithClient(ctx, r.client, r.ds, limit)
}

// runDML runs q and waits for it to finish.
func runDML(ctx context.Context, q *bigquery.Query) (*bigquery.JobStatus, error) {
	job, err := q.Run(ctx)
	if err != nil {
		return nil, fmt.Errorf("running query: %w", err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("waiting for job: %w", err)
	}
	if err := status.Err(); err != nil {
		return nil, fmt.Errorf("job error: %w", err)
	}
	return status, nil
}

// affectedRows reads the DML row count from a finished job. ok is false when
// the job carries no query statistics.
func affectedRows(status *bigquery.JobStatus) (n int64, ok bool) {
	if status == nil || status.Statistics == nil {
		return 0, false
	}
	qs, isQuery := status.Statistics.Details.(*bigquery.QueryStatistics)
	if !isQuery {
		return 0, false
	}
	return qs.NumDMLAffectedRows, true
}
