package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dvloznov/mailtx/internal/logger"
	"github.com/dvloznov/mailtx/internal/store"
)

// StartSyncRun inserts a RUNNING row for runID.
func (d *DB) StartSyncRun(ctx context.Context, runID, trigger, query string) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO sync_runs (run_id, run_trigger, query, started_ts, status)
		VALUES (?, ?, ?, ?, ?)
	`, runID, trigger, query, formatTime(d.now()), store.RunStatusRunning)
	if err != nil {
		return fmt.Errorf("StartSyncRun: %w", err)
	}
	return nil
}

// MarkSyncRunSucceeded sets SUCCESS, the finish time and the run totals.
func (d *DB) MarkSyncRunSucceeded(ctx context.Context, runID string, counts store.RunCounts) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE sync_runs
		SET status = ?, finished_ts = ?, processed = ?, new_count = ?,
		    duplicates = ?, errors = ?, inserted = ?, error_message = ''
		WHERE run_id = ?
	`, store.RunStatusSuccess, formatTime(d.now()),
		counts.Processed, counts.New, counts.Duplicates, counts.Errors, counts.Inserted,
		runID)
	if err != nil {
		return fmt.Errorf("MarkSyncRunSucceeded: %w", err)
	}
	return nil
}

// MarkSyncRunFailed sets FAILED, the finish time and the error message.
func (d *DB) MarkSyncRunFailed(ctx context.Context, runID string, runErr error) {
	_, err := d.db.ExecContext(ctx, `
		UPDATE sync_runs
		SET status = ?, finished_ts = ?, error_message = ?
		WHERE run_id = ?
	`, store.RunStatusFailed, formatTime(d.now()), store.TruncateError(runErr), runID)
	if err != nil {
		log := logger.FromContext(ctx)
		log.Error().
			Err(err).
			Str("run_id", runID).
			Msg("MarkSyncRunFailed: running update")
	}
}

// ListSyncRuns returns the most recent runs first.
func (d *DB) ListSyncRuns(ctx context.Context, limit int) ([]store.SyncRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.db.QueryContext(ctx, `
		SELECT run_id, run_trigger, query, started_ts, finished_ts, status,
		       processed, new_count, duplicates, errors, inserted, error_message
		FROM sync_runs
		ORDER BY started_ts DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("ListSyncRuns: querying: %w", err)
	}
	defer rows.Close()

	var out []store.SyncRun
	for rows.Next() {
		var (
			r        store.SyncRun
			started  string
			finished sql.NullString
		)
		if err := rows.Scan(&r.RunID, &r.Trigger, &r.Query, &started, &finished, &r.Status,
			&r.Processed, &r.New, &r.Duplicates, &r.Errors, &r.Inserted, &r.ErrorMessage); err != nil {
			return nil, fmt.Errorf("ListSyncRuns: scanning: %w", err)
		}
		at, err := parseNullTime(sql.NullString{String: started, Valid: true})
		if err != nil {
			return nil, fmt.Errorf("ListSyncRuns: %w", err)
		}
		r.StartedAt = *at
		if r.FinishedAt, err = parseNullTime(finished); err != nil {
			return nil, fmt.Errorf("ListSyncRuns: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListSyncRuns: iterating: %w", err)
	}
	return out, nil
}
