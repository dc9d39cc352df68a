// Package pipeline wires one sync invocation: run ledger, extraction,
// failure archiving and the sink.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dvloznov/mailtx/internal/archive"
	"github.com/dvloznov/mailtx/internal/domain"
	"github.com/dvloznov/mailtx/internal/logger"
	"github.com/dvloznov/mailtx/internal/retriever"
	"github.com/dvloznov/mailtx/internal/sink"
	"github.com/dvloznov/mailtx/internal/store"
)

// Run triggers written to the ledger.
const (
	TriggerCLI      = "cli"
	TriggerAPI      = "api"
	TriggerSchedule = "schedule"
)

// Extractor runs one extraction under a given run id. *orchestrator.Orchestrator
// satisfies it.
type Extractor interface {
	RunWithID(ctx context.Context, runID string, q retriever.Query) *domain.RunResult
}

// Sink receives the run's unique transactions.
type Sink = sink.Sink

// Deps are the collaborators of a sync. Only Extractor is required.
type Deps struct {
	Extractor     Extractor
	Sink          Sink
	Runs          store.SyncRunRepository
	Archive       archive.Store
	ArchivePrefix string
	NewRunID      func() string
}

// SyncState holds the shared state across all pipeline steps.
type SyncState struct {
	Query   retriever.Query
	Trigger string
	RunID   string
	Result  *domain.RunResult
	Report  *sink.Report

	ledger bool
}

// Counts are the totals written to the ledger.
func (s *SyncState) Counts() store.RunCounts {
	var c store.RunCounts
	if s.Result != nil {
		c.Processed = s.Result.Processed
		c.New = s.Result.New
		c.Duplicates = s.Result.Duplicates
		c.Errors = s.Result.Errors
	}
	if s.Report != nil {
		c.Inserted = s.Report.Inserted
	}
	return c
}

// Outcome is what callers of RunSync get back.
type Outcome struct {
	Result *domain.RunResult `json:"result"`
	Report *sink.Report      `json:"sink,omitempty"`
}

// RunSync executes the standard sync pipeline for q. The run result is
// returned even when the sink fails, alongside the error.
func RunSync(ctx context.Context, deps Deps, q retriever.Query, trigger string) (*Outcome, error) {
	if deps.Extractor == nil {
		return nil, fmt.Errorf("RunSync: no extractor configured")
	}
	newRunID := deps.NewRunID
	if newRunID == nil {
		newRunID = uuid.NewString
	}
	state := &SyncState{Query: q, Trigger: trigger, RunID: newRunID()}

	ctx = logger.WithContextFields(ctx, map[string]interface{}{
		"run_id":  state.RunID,
		"trigger": trigger,
	})
	log := logger.FromContext(ctx)
	start := time.Now()

	err := NewSyncPipeline(deps).Execute(ctx, state)
	out := &Outcome{Result: state.Result, Report: state.Report}
	if err != nil {
		if deps.Runs != nil && state.ledger {
			deps.Runs.MarkSyncRunFailed(ctx, state.RunID, err)
		}
		log.Error().Err(err).Msg("Sync pipeline failed")
		return out, fmt.Errorf("RunSync: %w", err)
	}

	c := state.Counts()
	log.Info().
		Int("processed", c.Processed).
		Int("new", c.New).
		Int("inserted", c.Inserted).
		Dur("duration", time.Since(start)).
		Msg("Sync pipeline finished")
	return out, nil
}
