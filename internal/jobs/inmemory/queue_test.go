package inmemory_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/mailtx/internal/jobs"
	"github.com/dvloznov/mailtx/internal/jobs/inmemory"
)

func waitForStatus(t *testing.T, st *inmemory.Store, jobID string, want jobs.JobStatus) *jobs.SyncJob {
	t.Helper()
	var got *jobs.SyncJob
	require.Eventually(t, func() bool {
		j, err := st.GetJob(context.Background(), jobID)
		if err != nil {
			return false
		}
		got = j
		return j.Status == want
	}, 2*time.Second, 5*time.Millisecond)
	return got
}

func TestQueueRunsJobsToCompletion(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := inmemory.NewStore()
	q := inmemory.NewQueue(4, st, inmemory.WithWorkers(1))
	require.NoError(t, q.Start(ctx, func(_ context.Context, job jobs.Job) error {
		sj := job.(*jobs.SyncJob)
		sj.RunID = "run-" + sj.Sender
		sj.Inserted = 2
		return nil
	}))
	defer q.Close()

	job := &jobs.SyncJob{Sender: "cash@square.com", Trigger: "api"}
	require.NoError(t, q.PublishSync(ctx, job))
	require.NotEmpty(t, job.JobID)
	assert.Equal(t, jobs.DefaultMaxRetries, job.MaxRetries)

	done := waitForStatus(t, st, job.JobID, jobs.JobStatusCompleted)
	assert.Equal(t, "run-cash@square.com", done.RunID)
	assert.Equal(t, 2, done.Inserted)
	assert.NotNil(t, done.StartedAt)
	assert.NotNil(t, done.CompletedAt)
}

func TestQueueRetriesThenFails(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	st := inmemory.NewStore()
	q := inmemory.NewQueue(4, st, inmemory.WithBackoff(time.Millisecond))
	require.NoError(t, q.Start(ctx, func(context.Context, jobs.Job) error {
		calls.Add(1)
		return errors.New("imap unavailable")
	}))
	defer q.Close()

	job := &jobs.SyncJob{Sender: "x", MaxRetries: 2}
	require.NoError(t, q.PublishSync(ctx, job))

	failed := waitForStatus(t, st, job.JobID, jobs.JobStatusFailed)
	assert.Equal(t, 2, failed.RetryCount)
	assert.Equal(t, "imap unavailable", failed.Error)
	assert.Equal(t, int32(3), calls.Load())
}

func TestQueueRecoversHandlerPanic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := inmemory.NewStore()
	q := inmemory.NewQueue(1, st)
	require.NoError(t, q.Start(ctx, func(context.Context, jobs.Job) error {
		panic("boom")
	}))
	defer q.Close()

	job := &jobs.SyncJob{Sender: "x", MaxRetries: -1}
	require.NoError(t, q.PublishSync(ctx, job))

	failed := waitForStatus(t, st, job.JobID, jobs.JobStatusFailed)
	assert.Contains(t, failed.Error, "boom")
}

func TestQueueRejectsAfterClose(t *testing.T) {
	q := inmemory.NewQueue(1, nil)
	require.NoError(t, q.Close())
	assert.ErrorIs(t, q.PublishSync(context.Background(), &jobs.SyncJob{}), inmemory.ErrQueueClosed)
	assert.ErrorIs(t, q.Start(context.Background(), nil), inmemory.ErrQueueClosed)
	// Stopping twice is fine.
	assert.NoError(t, q.Stop(context.Background()))
}

func TestStoreListJobsFiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	st := inmemory.NewStore()
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	for i, trig := range []string{"api", "schedule", "api"} {
		require.NoError(t, st.SaveJob(ctx, &jobs.SyncJob{
			JobID:     string(rune('a' + i)),
			Trigger:   trig,
			Status:    jobs.JobStatusPending,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, st.UpdateJobStatus(ctx, "a", jobs.JobStatusFailed, "boom"))

	all, err := st.ListJobs(ctx, jobs.JobFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].JobID)

	api, err := st.ListJobs(ctx, jobs.JobFilter{Trigger: "api", Status: jobs.JobStatusPending})
	require.NoError(t, err)
	require.Len(t, api, 1)
	assert.Equal(t, "c", api[0].JobID)

	page, err := st.ListJobs(ctx, jobs.JobFilter{Offset: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "b", page[0].JobID)

	_, err = st.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, jobs.ErrJobNotFound)
	assert.ErrorIs(t, st.UpdateJobStatus(ctx, "missing", jobs.JobStatusFailed, ""), jobs.ErrJobNotFound)
	assert.Error(t, st.SaveJob(ctx, &jobs.SyncJob{}))
}
