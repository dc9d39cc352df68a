package bigquery

import (
	"cloud.google.com/go/bigquery"

	"github.com/dvloznov/mailtx/internal/store"
)

type SyncRunRow struct {
	RunID string `bigquery:"run_id"` // REQUIRED

	Trigger bigquery.NullString `bigquery:"run_trigger"` // NULLABLE
	Query   bigquery.NullString `bigquery:"query"`       // NULLABLE

	StartedTS  bigquery.NullTimestamp `bigquery:"started_ts"`  // REQUIRED
	FinishedTS bigquery.NullTimestamp `bigquery:"finished_ts"` // NULLABLE

	Status       bigquery.NullString `bigquery:"status"`        // NULLABLE
	ErrorMessage bigquery.NullString `bigquery:"error_message"` // NULLABLE

	Processed  bigquery.NullInt64 `bigquery:"processed"`  // NULLABLE
	NewCount   bigquery.NullInt64 `bigquery:"new_count"`  // NULLABLE
	Duplicates bigquery.NullInt64 `bigquery:"duplicates"` // NULLABLE
	Errors     bigquery.NullInt64 `bigquery:"errors"`     // NULLABLE
	Inserted   bigquery.NullInt64 `bigquery:"inserted"`   // NULLABLE
}

// SyncRun converts the row to the ledger type.
func (r *SyncRunRow) SyncRun() store.SyncRun {
	out := store.SyncRun{
		RunID:        r.RunID,
		Trigger:      r.Trigger.StringVal,
		Query:        r.Query.StringVal,
		StartedAt:    r.StartedTS.Timestamp,
		Status:       r.Status.StringVal,
		Processed:    int(r.Processed.Int64),
		New:          int(r.NewCount.Int64),
		Duplicates:   int(r.Duplicates.Int64),
		Errors:       int(r.Errors.Int64),
		Inserted:     int(r.Inserted.Int64),
		ErrorMessage: r.ErrorMessage.StringVal,
	}
	if r.FinishedTS.Valid {
		t := r.FinishedTS.Timestamp
		out.FinishedAt = &t
	}
	return out
}
