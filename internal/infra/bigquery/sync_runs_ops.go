package bigquery

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/iterator"

	"github.com/dvloznov/mailtx/internal/logger"
	"github.com/dvloznov/mailtx/internal/store"
)

// StartSyncRunWithClient inserts a new row into sync_runs with status=RUNNING.
func StartSyncRunWithClient(ctx context.Context, client *bigquery.Client, ds Dataset, runID, trigger, query string) error {
	q := client.Query(`
		INSERT ` + ds.Table(syncRunsTable) + ` (
			run_id,
			run_trigger,
			query,
			started_ts,
			status
		)
		VALUES (
			@run_id,
			@run_trigger,
			@query,
			@started_ts,
			@status
		)
	`)
	q.Parameters = []bigquery.QueryParameter{
		{Name: "run_id", Value: runID},
		{Name: "run_trigger", Value: trigger},
		{Name: "query", Value: query},
		{Name: "started_ts", Value: time.Now()},
		{Name: "status", Value: store.RunStatusRunning},
	}

	if _, err := runDML(ctx, q); err != nil {
		return fmt.Errorf("StartSyncRunWithClient: %w", err)
	}
	return nil
}

// MarkSyncRunSucceededWithClient sets status=SUCCESS, finished_ts and the run
// totals, and clears error_message.
func MarkSyncRunSucceededWithClient(ctx context.Context, client *bigquery.Client, ds Dataset, runID string, counts store.RunCounts) error {
	q := client.Query(`
		UPDATE ` + ds.Table(syncRunsTable) + `
		SET status = @status,
		    finished_ts = @finished_ts,
		    processed = @processed,
		    new_count = @new_count,
		    duplicates = @duplicates,
		    errors = @errors,
		    inserted = @inserted,
		    error_message = ""
		WHERE run_id = @run_id
	`)
	q.Parameters = []bigquery.QueryParameter{
		{Name: "status", Value: store.RunStatusSuccess},
		{Name: "finished_ts", Value: time.Now()},
		{Name: "processed", Value: counts.Processed},
		{Name: "new_count", Value: counts.New},
		{Name: "duplicates", Value: counts.Duplicates},
		{Name: "errors", Value: counts.Errors},
		{Name: "inserted", Value: counts.Inserted},
		{Name: "run_id", Value: runID},
	}

	if _, err := runDML(ctx, q); err != nil {
		return fmt.Errorf("MarkSyncRunSucceededWithClient: %w", err)
	}
	return nil
}

// MarkSyncRunFailedWithClient sets status=FAILED, finished_ts and error_message.
func MarkSyncRunFailedWithClient(ctx context.Context, client *bigquery.Client, ds Dataset, runID string, runErr error) {
	q := client.Query(`
		UPDATE ` + ds.Table(syncRunsTable) + `
		SET status = @status,
		    finished_ts = @finished_ts,
		    error_message = @error_message
		WHERE run_id = @run_id
	`)
	q.Parameters = []bigquery.QueryParameter{
		{Name: "status", Value: store.RunStatusFailed},
		{Name: "finished_ts", Value: time.Now()},
		{Name: "error_message", Value: store.TruncateError(runErr)},
		{Name: "run_id", Value: runID},
	}

	if _, err := runDML(ctx, q); err != nil {
		log := logger.FromContext(ctx)
		log.Error().
			Err(err).
			Str("run_id", runID).
			Msg("MarkSyncRunFailed: running update query")
	}
}

// ListSyncRunsWithClient returns the most recent runs first.
func ListSyncRunsWithClient(ctx context.Context, client *bigquery.Client, ds Dataset, limit int) ([]store.SyncRun, error) {
	if limit <= 0 {
		limit = 50
	}
	q := client.Query(`
		SELECT
			run_id,
			run_trigger,
			query,
			started_ts,
			finished_ts,
			status,
			error_message,
			processed,
			new_count,
			duplicates,
			errors,
			inserted
		FROM ` + ds.Table(syncRunsTable) + `
		ORDER BY started_ts DESC
		LIMIT @limit
	`)
	q.Parameters = []bigquery.QueryParameter{{Name: "limit", Value: limit}}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("ListSyncRunsWithClient: reading query: %w", err)
	}

	var out []store.SyncRun
	for {
		var row SyncRunRow
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ListSyncRunsWithClient: iterating: %w", err)
		}
		out = append(out, row.SyncRun())
	}
	return out, nil
}
