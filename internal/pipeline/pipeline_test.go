package pipeline_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/mailtx/internal/domain"
	"github.com/dvloznov/mailtx/internal/jobs"
	"github.com/dvloznov/mailtx/internal/pipeline"
	"github.com/dvloznov/mailtx/internal/retriever"
	"github.com/dvloznov/mailtx/internal/sink"
	"github.com/dvloznov/mailtx/internal/store"
)

type MockExtractor struct {
	RunWithIDFunc func(ctx context.Context, runID string, q retriever.Query) *domain.RunResult
}

func (m *MockExtractor) RunWithID(ctx context.Context, runID string, q retriever.Query) *domain.RunResult {
	return m.RunWithIDFunc(ctx, runID, q)
}

type MockSink struct {
	UpsertFunc func(ctx context.Context, txs []domain.Transaction) (*sink.Report, error)
}

func (m *MockSink) Upsert(ctx context.Context, txs []domain.Transaction) (*sink.Report, error) {
	return m.UpsertFunc(ctx, txs)
}

type MockRuns struct {
	StartErr  error
	Started   []string
	Succeeded map[string]store.RunCounts
	Failed    map[string]string
}

func (m *MockRuns) StartSyncRun(_ context.Context, runID, trigger, query string) error {
	if m.StartErr != nil {
		return m.StartErr
	}
	m.Started = append(m.Started, runID+"|"+trigger+"|"+query)
	return nil
}

func (m *MockRuns) MarkSyncRunSucceeded(_ context.Context, runID string, counts store.RunCounts) error {
	if m.Succeeded == nil {
		m.Succeeded = map[string]store.RunCounts{}
	}
	m.Succeeded[runID] = counts
	return nil
}

func (m *MockRuns) MarkSyncRunFailed(_ context.Context, runID string, runErr error) {
	if m.Failed == nil {
		m.Failed = map[string]string{}
	}
	m.Failed[runID] = runErr.Error()
}

func (m *MockRuns) ListSyncRuns(context.Context, int) ([]store.SyncRun, error) {
	return nil, nil
}

type MockArchive struct {
	objects []string
}

func (m *MockArchive) Put(_ context.Context, object string, _ []byte, _ string) (string, error) {
	m.objects = append(m.objects, object)
	return "gs://archive/" + object, nil
}

func (m *MockArchive) Open(context.Context, string) (io.ReadCloser, error) {
	return nil, errors.New("not implemented")
}

func sampleResult(runID string) *domain.RunResult {
	return &domain.RunResult{
		RunID:      runID,
		Processed:  3,
		New:        1,
		Duplicates: 1,
		Errors:     1,
		Transactions: []domain.Transaction{
			{TransactionNumber: "#D-1", UserID: "u1", Amount: decimal.RequireFromString("12.50"), Provider: "cashapp"},
		},
		Failures: []domain.FailureDescriptor{{MessageID: "m-3", Reason: "no parser"}},
	}
}

func fixedID() string { return "run-1" }

func TestRunSyncRecordsLedgerAndSinks(t *testing.T) {
	runs := &MockRuns{}
	arch := &MockArchive{}
	var gotRunID string
	deps := pipeline.Deps{
		Extractor: &MockExtractor{RunWithIDFunc: func(_ context.Context, runID string, q retriever.Query) *domain.RunResult {
			gotRunID = runID
			assert.Equal(t, "cash@square.com", q.Sender)
			return sampleResult(runID)
		}},
		Sink: &MockSink{UpsertFunc: func(_ context.Context, txs []domain.Transaction) (*sink.Report, error) {
			require.Len(t, txs, 1)
			return &sink.Report{Inserted: 1}, nil
		}},
		Runs:          runs,
		Archive:       arch,
		ArchivePrefix: "failures",
		NewRunID:      fixedID,
	}

	q := retriever.Query{Sender: "cash@square.com", Limit: 10}
	out, err := pipeline.RunSync(context.Background(), deps, q, pipeline.TriggerCLI)
	require.NoError(t, err)

	assert.Equal(t, "run-1", gotRunID)
	assert.Equal(t, []string{"run-1|cli|from:cash@square.com limit:10"}, runs.Started)
	assert.Equal(t, store.RunCounts{Processed: 3, New: 1, Duplicates: 1, Errors: 1, Inserted: 1}, runs.Succeeded["run-1"])
	assert.Empty(t, runs.Failed)

	require.Len(t, out.Result.Failures, 1)
	assert.Equal(t, "gs://archive/failures/run-1/0000-m-3.json", out.Result.Failures[0].ArchiveURI)
	assert.Equal(t, 1, out.Report.Inserted)
}

func TestRunSyncSinkFailureMarksRunFailed(t *testing.T) {
	runs := &MockRuns{}
	deps := pipeline.Deps{
		Extractor: &MockExtractor{RunWithIDFunc: func(_ context.Context, runID string, _ retriever.Query) *domain.RunResult {
			return sampleResult(runID)
		}},
		Sink: &MockSink{UpsertFunc: func(context.Context, []domain.Transaction) (*sink.Report, error) {
			return nil, errors.New("warehouse unavailable")
		}},
		Runs:     runs,
		NewRunID: fixedID,
	}

	out, err := pipeline.RunSync(context.Background(), deps, retriever.Query{Sender: "x"}, pipeline.TriggerAPI)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pipeline step 4 failed")
	require.NotNil(t, out.Result)
	assert.Equal(t, 3, out.Result.Processed)
	assert.Contains(t, runs.Failed["run-1"], "warehouse unavailable")
	assert.Empty(t, runs.Succeeded)
}

func TestRunSyncSurvivesLedgerOutage(t *testing.T) {
	runs := &MockRuns{StartErr: errors.New("ledger down")}
	deps := pipeline.Deps{
		Extractor: &MockExtractor{RunWithIDFunc: func(_ context.Context, runID string, _ retriever.Query) *domain.RunResult {
			return sampleResult(runID)
		}},
		Runs:     runs,
		NewRunID: fixedID,
	}

	out, err := pipeline.RunSync(context.Background(), deps, retriever.Query{Sender: "x"}, pipeline.TriggerSchedule)
	require.NoError(t, err)
	assert.Nil(t, out.Report)
	// No start row, so no finish row either.
	assert.Empty(t, runs.Succeeded)
	// Without an archive store failures keep no URI.
	assert.Empty(t, out.Result.Failures[0].ArchiveURI)
}

func TestRunSyncRequiresExtractor(t *testing.T) {
	_, err := pipeline.RunSync(context.Background(), pipeline.Deps{}, retriever.Query{}, pipeline.TriggerCLI)
	assert.Error(t, err)
}

func TestSyncStateCounts(t *testing.T) {
	var s pipeline.SyncState
	assert.Equal(t, store.RunCounts{}, s.Counts())

	s.Result = &domain.RunResult{Processed: 2, New: 2}
	s.Report = &sink.Report{Inserted: 1, Duplicates: 1}
	assert.Equal(t, store.RunCounts{Processed: 2, New: 2, Inserted: 1}, s.Counts())
}

func TestQueryStringForRangeSearch(t *testing.T) {
	q := retriever.Query{
		Sender: "cash@square.com",
		Start:  time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		End:    time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC),
	}
	assert.Equal(t, "from:cash@square.com after:2024-06-01 before:2024-06-30", q.String())
}

func TestSyncJobHandlerCopiesCounts(t *testing.T) {
	deps := pipeline.Deps{
		Extractor: &MockExtractor{RunWithIDFunc: func(_ context.Context, runID string, q retriever.Query) *domain.RunResult {
			assert.Equal(t, 5, q.Limit)
			return sampleResult(runID)
		}},
		Sink: &MockSink{UpsertFunc: func(context.Context, []domain.Transaction) (*sink.Report, error) {
			return &sink.Report{Inserted: 1}, nil
		}},
		NewRunID: fixedID,
	}
	job := &jobs.SyncJob{JobID: "job-1", Sender: "cash@square.com", Limit: 5}

	require.NoError(t, pipeline.SyncJobHandler(deps)(context.Background(), job))
	assert.Equal(t, "run-1", job.RunID)
	assert.Equal(t, 3, job.Processed)
	assert.Equal(t, 1, job.New)
	assert.Equal(t, 1, job.Inserted)
}
