// Package orchestrator runs one sync across every active mailbox integration.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dvloznov/mailtx/internal/aggregator"
	"github.com/dvloznov/mailtx/internal/domain"
	"github.com/dvloznov/mailtx/internal/logger"
	"github.com/dvloznov/mailtx/internal/mail"
	"github.com/dvloznov/mailtx/internal/metrics"
	"github.com/dvloznov/mailtx/internal/normalizer"
	"github.com/dvloznov/mailtx/internal/parser"
	"github.com/dvloznov/mailtx/internal/retriever"
)

// DefaultMaxParallel bounds how many integrations are synced at once.
const DefaultMaxParallel = 4

// Message outcomes recorded in metrics.
const (
	OutcomeNew       = "new"
	OutcomeDuplicate = "duplicate"
	OutcomeFailed    = "failed"
)

// Query selects the messages every mailbox is searched for.
type Query = retriever.Query

// CredentialManager is the part of credentials.Manager the orchestrator needs.
type CredentialManager interface {
	ListActiveIntegrations(ctx context.Context) ([]domain.Integration, error)
	RefreshIfNeeded(ctx context.Context, in *domain.Integration) bool
	MarkSynced(ctx context.Context, integrationID string)
}

// Orchestrator fans a Query out over integrations and folds every message
// into one RunResult.
type Orchestrator struct {
	creds        CredentialManager
	opener       retriever.Opener
	chain        *parser.Chain
	metrics      *metrics.Metrics
	maxParallel  int
	excerptLimit int
	newRunID     func() string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMaxParallel sets the integration worker pool size.
func WithMaxParallel(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxParallel = n
		}
	}
}

// WithExcerptLimit bounds the raw excerpt kept with each failure.
func WithExcerptLimit(n int) Option {
	return func(o *Orchestrator) { o.excerptLimit = n }
}

// WithMetrics records message and integration outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithRunIDs replaces the run id generator.
func WithRunIDs(f func() string) Option {
	return func(o *Orchestrator) { o.newRunID = f }
}

// New returns an Orchestrator. chain defaults to parser.DefaultChain.
func New(creds CredentialManager, opener retriever.Opener, chain *parser.Chain, opts ...Option) *Orchestrator {
	if chain == nil {
		chain = parser.DefaultChain()
	}
	o := &Orchestrator{
		creds:        creds,
		opener:       opener,
		chain:        chain,
		maxParallel:  DefaultMaxParallel,
		excerptLimit: aggregator.DefaultExcerptLimit,
		newRunID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run syncs every active integration. It always returns a result; problems
// are reported inside it rather than as an error.
func (o *Orchestrator) Run(ctx context.Context, q Query) *domain.RunResult {
	return o.RunWithID(ctx, o.newRunID(), q)
}

// RunWithID is Run under a caller-chosen run id.
func (o *Orchestrator) RunWithID(ctx context.Context, runID string, q Query) *domain.RunResult {
	agg := aggregator.New(runID, o.excerptLimit)
	ctx = logger.WithContextFields(ctx, map[string]interface{}{"run_id": runID})
	log := logger.FromContext(ctx)
	start := time.Now()

	log.Info().
		Str("sender", q.Sender).
		Time("start", q.Start).
		Time("end", q.End).
		Int("limit", q.Limit).
		Msg("Starting sync run")

	o.runAll(ctx, agg, q)

	res := agg.Result()
	o.metrics.RunFinished(start)
	log.Info().
		Int("processed", res.Processed).
		Int("new", res.New).
		Int("duplicates", res.Duplicates).
		Int("errors", res.Errors).
		Int("integrations", len(res.Integrations)).
		Dur("duration", time.Since(start)).
		Msg("Sync run finished")
	return res
}

func (o *Orchestrator) runAll(ctx context.Context, agg *aggregator.Aggregator, q Query) {
	log := logger.FromContext(ctx)
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Sync run panicked")
			agg.AddRunFailure(fmt.Sprintf("sync run panicked: %v", r))
		}
	}()

	integrations, err := o.creds.ListActiveIntegrations(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list integrations")
		agg.AddRunFailure(fmt.Sprintf("listing integrations: %v", err))
		return
	}
	log.Info().Int("integrations", len(integrations)).Msg("Active integrations loaded")

	sem := make(chan struct{}, o.maxParallel)
	var wg sync.WaitGroup
	for _, in := range integrations {
		wg.Add(1)
		go func(in domain.Integration) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				o.record(agg, domain.IntegrationOutcome{
					IntegrationID: in.ID,
					UserID:        in.UserID,
					Status:        domain.IntegrationSkipped,
					Error:         ctx.Err().Error(),
				})
				return
			}
			defer func() { <-sem }()
			o.syncIntegration(ctx, agg, in, q)
		}(in)
	}
	wg.Wait()
}

func (o *Orchestrator) record(agg *aggregator.Aggregator, outcome domain.IntegrationOutcome) {
	agg.AddIntegration(outcome)
	o.metrics.Integration(outcome.Status)
}

// syncIntegration runs one integration end to end. A panic is contained here
// so that other integrations carry on.
func (o *Orchestrator) syncIntegration(ctx context.Context, agg *aggregator.Aggregator, in domain.Integration, q Query) {
	ctx = logger.WithContextFields(ctx, map[string]interface{}{
		"integration_id": in.ID,
		"user_id":        in.UserID,
	})
	log := logger.FromContext(ctx)

	outcome := domain.IntegrationOutcome{IntegrationID: in.ID, UserID: in.UserID}
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Integration sync panicked")
			agg.AddIntegrationFailure(in.ID, fmt.Sprintf("integration panicked: %v", r))
			outcome.Status = domain.IntegrationRetrievalFailed
			outcome.Error = fmt.Sprint(r)
		}
		o.record(agg, outcome)
	}()

	if !o.creds.RefreshIfNeeded(ctx, &in) {
		outcome.Status = domain.IntegrationRefreshFailed
		outcome.Error = "access token refresh failed"
		agg.AddIntegrationFailure(in.ID, outcome.Error)
		return
	}

	r, err := o.opener.Open(ctx, in)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open mailbox")
		outcome.Status = domain.IntegrationRetrievalFailed
		outcome.Error = err.Error()
		agg.AddIntegrationFailure(in.ID, fmt.Sprintf("opening mailbox: %v", err))
		return
	}
	defer func() {
		if err := r.Close(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to close mailbox")
		}
	}()

	env := normalizer.Envelope{IntegrationID: in.ID, UserID: in.UserID}
	n, err := o.ProcessStream(ctx, agg, retriever.Search(ctx, r, q), env)
	outcome.Messages = n
	if err != nil {
		log.Error().Err(err).Int("messages", n).Msg("Mailbox retrieval failed")
		outcome.Status = domain.IntegrationRetrievalFailed
		outcome.Error = err.Error()
		agg.AddIntegrationFailure(in.ID, fmt.Sprintf("reading mailbox: %v", err))
		return
	}

	outcome.Status = domain.IntegrationSynced
	o.creds.MarkSynced(ctx, in.ID)
	log.Info().Int("messages", n).Msg("Integration synced")
}

// ProcessStream parses every message of seq into agg, in order. It returns
// the number of messages read and the error that ended the stream early, if
// any. Per-message fetch errors are recorded as failures and do not stop it.
func (o *Orchestrator) ProcessStream(ctx context.Context, agg *aggregator.Aggregator, seq iter.Seq2[*mail.Message, error], env normalizer.Envelope) (int, error) {
	n := 0
	for msg, err := range seq {
		if err != nil {
			var fe *retriever.FetchError
			if errors.As(err, &fe) {
				n++
				o.metrics.Message(OutcomeFailed)
				agg.AddFetchFailure(fe.MessageID, env.IntegrationID, fe.Err)
				log := logger.FromContext(ctx)
				log.Warn().Err(err).Str("message_id", fe.MessageID).Msg("Skipping unreadable message")
				continue
			}
			return n, err
		}
		n++
		o.processMessage(ctx, agg, msg, env)
	}
	return n, nil
}

// Replay processes seq as a standalone run, outside any integration.
func (o *Orchestrator) Replay(ctx context.Context, seq iter.Seq2[*mail.Message, error], env normalizer.Envelope) (*domain.RunResult, error) {
	runID := o.newRunID()
	agg := aggregator.New(runID, o.excerptLimit)
	ctx = logger.WithContextFields(ctx, map[string]interface{}{"run_id": runID})

	n, err := o.ProcessStream(ctx, agg, seq, env)
	res := agg.Result()
	if err != nil {
		return res, fmt.Errorf("Replay: stopped after %d messages: %w", n, err)
	}
	return res, nil
}

func (o *Orchestrator) processMessage(ctx context.Context, agg *aggregator.Aggregator, msg *mail.Message, env normalizer.Envelope) {
	log := logger.FromContext(ctx).With().Str("message_id", msg.MessageID()).Logger()

	res := o.chain.Parse(msg)
	if !res.OK() {
		o.metrics.Message(OutcomeFailed)
		agg.AddFailure(msg, env.IntegrationID, res.Parser, res.Err)
		log.Debug().Err(res.Err).Str("parser", res.Parser).Str("subject", msg.Subject()).Msg("Message not parsed")
		return
	}

	tx := normalizer.Normalize(res.Transaction, msg, env)
	if agg.AddTransaction(tx) {
		o.metrics.Message(OutcomeNew)
		log.Debug().Str("transaction_number", tx.TransactionNumber).Str("parser", res.Parser).Msg("Transaction extracted")
		return
	}
	o.metrics.Message(OutcomeDuplicate)
	log.Debug().Str("transaction_number", tx.TransactionNumber).Msg("Duplicate transaction in run")
}
