// Package aggregator accumulates the outcome of one orchestration run.
package aggregator

import (
	"sync"
	"time"

	"github.com/dvloznov/mailtx/internal/domain"
	"github.com/dvloznov/mailtx/internal/mail"
)

// DefaultExcerptLimit bounds the raw excerpt stored with a failure.
const DefaultExcerptLimit = 4000

// Aggregator is safe for concurrent use by the integrations of one run.
// Deduplication is scoped to the run and keyed like the sink: the same
// payment in two users' mailboxes is two records.
type Aggregator struct {
	mu           sync.Mutex
	excerptLimit int
	seen         map[dedupKey]struct{}
	result       domain.RunResult
}

type dedupKey struct {
	userID, number, provider string
}

func keyOf(tx domain.Transaction) dedupKey {
	return dedupKey{userID: tx.UserID, number: tx.TransactionNumber, provider: tx.Provider}
}

// New starts a run.
func New(runID string, excerptLimit int) *Aggregator {
	if excerptLimit <= 0 {
		excerptLimit = DefaultExcerptLimit
	}
	return &Aggregator{
		excerptLimit: excerptLimit,
		seen:         make(map[dedupKey]struct{}),
		result: domain.RunResult{
			RunID:        runID,
			StartedAt:    time.Now().UTC(),
			Transactions: []domain.Transaction{},
		},
	}
}

// AddTransaction records a successfully parsed message. It reports false when
// the same user already has this provider's transaction number in this run.
func (a *Aggregator) AddTransaction(tx domain.Transaction) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.result.Processed++
	key := keyOf(tx)
	if _, dup := a.seen[key]; dup {
		a.result.Duplicates++
		a.result.Duplicated = append(a.result.Duplicated, domain.DuplicateDescriptor{
			TransactionNumber: tx.TransactionNumber,
			MessageID:         tx.MessageID,
			Subject:           tx.Subject,
			IntegrationID:     tx.IntegrationID,
		})
		return false
	}
	a.seen[key] = struct{}{}
	a.result.New++
	a.result.Transactions = append(a.result.Transactions, tx)
	return true
}

// AddFailure records a message that produced no transaction.
func (a *Aggregator) AddFailure(msg *mail.Message, integrationID, parserName string, reason error) {
	f := domain.FailureDescriptor{
		IntegrationID: integrationID,
		Parser:        parserName,
	}
	if reason != nil {
		f.Reason = reason.Error()
	}
	if msg != nil {
		f.Subject = msg.Subject()
		f.MessageID = msg.MessageID()
		if f.MessageID == "" {
			f.MessageID = msg.ID
		}
		f.From = msg.From()
		f.Date = msg.DateHeader()
		f.Excerpt = msg.Excerpt(a.excerptLimit)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.result.Processed++
	a.result.Errors++
	a.result.Failures = append(a.result.Failures, f)
}

// AddFetchFailure records a message that was found but could not be read.
func (a *Aggregator) AddFetchFailure(messageID, integrationID string, reason error) {
	f := domain.FailureDescriptor{MessageID: messageID, IntegrationID: integrationID}
	if reason != nil {
		f.Reason = reason.Error()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.result.Processed++
	a.result.Errors++
	a.result.Failures = append(a.result.Failures, f)
}

// AddRunFailure records a failure of the run as a whole, such as a recovered
// panic or an unreadable integration list. Counters only count messages, so
// it leaves them alone.
func (a *Aggregator) AddRunFailure(reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.result.Failures = append(a.result.Failures, domain.FailureDescriptor{Reason: reason})
}

// AddIntegrationFailure records an integration that could not be refreshed,
// opened or read to the end. Like AddRunFailure it leaves the counters alone.
func (a *Aggregator) AddIntegrationFailure(integrationID, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.result.Failures = append(a.result.Failures, domain.FailureDescriptor{
		IntegrationID: integrationID,
		Reason:        reason,
	})
}

// AddIntegration records how one integration fared.
func (a *Aggregator) AddIntegration(o domain.IntegrationOutcome) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.result.Integrations = append(a.result.Integrations, o)
}

// Result returns a copy of the run so far, stamped with the finish time.
func (a *Aggregator) Result() *domain.RunResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.result.FinishedAt = time.Now().UTC()
	return a.result.Clone()
}
