package pipeline

import (
	"context"
	"fmt"

	"github.com/dvloznov/mailtx/internal/archive"
	"github.com/dvloznov/mailtx/internal/logger"
	"github.com/dvloznov/mailtx/internal/store"
)

// PipelineStep represents a single step in the sync pipeline.
type PipelineStep interface {
	Execute(ctx context.Context, state *SyncState) error
}

// Step 1: StartRunStep records a RUNNING row in the ledger. A ledger outage
// does not stop the sync.
type StartRunStep struct {
	Runs store.SyncRunRepository
}

func (s *StartRunStep) Execute(ctx context.Context, state *SyncState) error {
	if s.Runs == nil {
		return nil
	}
	if err := s.Runs.StartSyncRun(ctx, state.RunID, state.Trigger, state.Query.String()); err != nil {
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Msg("Failed to record sync run start")
		return nil
	}
	state.ledger = true
	return nil
}

// Step 2: ExtractStep runs the orchestrator over every mailbox.
type ExtractStep struct {
	Extractor Extractor
}

func (s *ExtractStep) Execute(ctx context.Context, state *SyncState) error {
	state.Result = s.Extractor.RunWithID(ctx, state.RunID, state.Query)
	return nil
}

// Step 3: ArchiveFailuresStep copies failed messages to object storage.
type ArchiveFailuresStep struct {
	Store  archive.Store
	Prefix string
}

func (s *ArchiveFailuresStep) Execute(ctx context.Context, state *SyncState) error {
	if s.Store == nil || len(state.Result.Failures) == 0 {
		return nil
	}
	state.Result.Failures = archive.Failures(ctx, s.Store, s.Prefix, state.RunID, state.Result.Failures)
	return nil
}

// Step 4: UpsertStep hands the run's unique transactions to the sink.
type UpsertStep struct {
	Sink Sink
}

func (s *UpsertStep) Execute(ctx context.Context, state *SyncState) error {
	if s.Sink == nil {
		return nil
	}
	report, err := s.Sink.Upsert(ctx, state.Result.Transactions)
	if err != nil {
		return fmt.Errorf("UpsertStep: %w", err)
	}
	state.Report = report
	return nil
}

// Step 5: FinishRunStep marks the ledger row SUCCESS with the run's counts.
type FinishRunStep struct {
	Runs store.SyncRunRepository
}

func (s *FinishRunStep) Execute(ctx context.Context, state *SyncState) error {
	if s.Runs == nil || !state.ledger {
		return nil
	}
	if err := s.Runs.MarkSyncRunSucceeded(ctx, state.RunID, state.Counts()); err != nil {
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Msg("Failed to record sync run success")
	}
	return nil
}

// Pipeline executes a sequence of steps in order.
type Pipeline struct {
	steps []PipelineStep
}

// NewPipeline creates a new pipeline with the given steps.
func NewPipeline(steps ...PipelineStep) *Pipeline {
	return &Pipeline{steps: steps}
}

// Execute runs all steps in the pipeline sequentially.
func (p *Pipeline) Execute(ctx context.Context, state *SyncState) error {
	for i, step := range p.steps {
		if err := step.Execute(ctx, state); err != nil {
			return fmt.Errorf("pipeline step %d failed: %w", i+1, err)
		}
	}
	return nil
}

// NewSyncPipeline creates the standard five-step sync pipeline.
func NewSyncPipeline(deps Deps) *Pipeline {
	return NewPipeline(
		&StartRunStep{Runs: deps.Runs},
		&ExtractStep{Extractor: deps.Extractor},
		&ArchiveFailuresStep{Store: deps.Archive, Prefix: deps.ArchivePrefix},
		&UpsertStep{Sink: deps.Sink},
		&FinishRunStep{Runs: deps.Runs},
	)
}
