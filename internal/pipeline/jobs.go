package pipeline

import (
	"context"
	"fmt"

	"github.com/dvloznov/mailtx/internal/jobs"
)

// SyncJobHandler runs a queued SyncJob through RunSync and copies the run's
// counts onto the job.
func SyncJobHandler(deps Deps) jobs.JobHandler {
	return func(ctx context.Context, job jobs.Job) error {
		sj, ok := job.(*jobs.SyncJob)
		if !ok {
			return fmt.Errorf("SyncJobHandler: unsupported job type %q", job.GetType())
		}

		trigger := sj.Trigger
		if trigger == "" {
			trigger = TriggerAPI
		}
		out, err := RunSync(ctx, deps, sj.Query(), trigger)
		if out != nil && out.Result != nil {
			sj.RunID = out.Result.RunID
			sj.Processed = out.Result.Processed
			sj.New = out.Result.New
			sj.Duplicates = out.Result.Duplicates
			sj.Errors = out.Result.Errors
		}
		if out != nil && out.Report != nil {
			sj.Inserted = out.Report.Inserted
		}
		return err
	}
}
