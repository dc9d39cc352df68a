// Package retriever defines the mailbox search surface shared by the IMAP,
// Gmail API and mbox backends.
package retriever

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/dvloznov/mailtx/internal/domain"
	"github.com/dvloznov/mailtx/internal/mail"
)

// Retriever searches one mailbox. Sequences are lazy, finite and cannot be
// restarted. A *FetchError yielded by a sequence concerns one message and the
// sequence continues; any other error ends it.
type Retriever interface {
	// SearchBySender yields the most recent limit messages from sender.
	// A limit of zero or less means no limit.
	SearchBySender(ctx context.Context, sender string, limit int) iter.Seq2[*mail.Message, error]

	// SearchBySenderInRange yields messages from sender received on or after
	// start and before end. A zero end leaves the range open.
	SearchBySenderInRange(ctx context.Context, sender string, start, end time.Time) iter.Seq2[*mail.Message, error]

	// Close releases the session.
	Close(ctx context.Context) error
}

// Opener opens a Retriever for an integration.
type Opener interface {
	Open(ctx context.Context, in domain.Integration) (Retriever, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, in domain.Integration) (Retriever, error)

func (f OpenerFunc) Open(ctx context.Context, in domain.Integration) (Retriever, error) {
	return f(ctx, in)
}

// FetchError reports a message that was found but could not be fetched or parsed.
type FetchError struct {
	MessageID string
	Err       error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch message %s: %v", e.MessageID, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// IsFetchError reports whether err concerns a single message only.
func IsFetchError(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe)
}

// Single yields err once. Backends use it to report a failed search.
func Single(err error) iter.Seq2[*mail.Message, error] {
	return func(yield func(*mail.Message, error) bool) {
		yield(nil, err)
	}
}

// Collect drains seq. It stops at the first terminal error and returns the
// messages read so far together with the skipped per-message errors.
func Collect(seq iter.Seq2[*mail.Message, error]) ([]*mail.Message, []error, error) {
	var (
		msgs    []*mail.Message
		skipped []error
	)
	for msg, err := range seq {
		if err != nil {
			if IsFetchError(err) {
				skipped = append(skipped, err)
				continue
			}
			return msgs, skipped, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, skipped, nil
}

// Query is what the orchestrator asks every mailbox for.
type Query struct {
	Sender string
	Start  time.Time
	End    time.Time
	Limit  int
}

// String renders q for the run ledger.
func (q Query) String() string {
	if q.Start.IsZero() {
		return fmt.Sprintf("from:%s limit:%d", q.Sender, q.Limit)
	}
	s := fmt.Sprintf("from:%s after:%s", q.Sender, q.Start.Format(time.DateOnly))
	if !q.End.IsZero() {
		s += " before:" + q.End.Format(time.DateOnly)
	}
	return s
}

// Validate reports a query no retriever can run.
func (q Query) Validate() error {
	switch {
	case strings.TrimSpace(q.Sender) == "":
		return errors.New("sender is required")
	case q.Start.IsZero() && !q.End.IsZero():
		return errors.New("end date requires a start date")
	case !q.End.IsZero() && q.End.Before(q.Start):
		return errors.New("end date is before start date")
	case q.Start.IsZero() && q.Limit <= 0:
		return errors.New("limit must be positive")
	}
	return nil
}

// Search runs q against r. A zero Start selects the limit-based search;
// otherwise the range search is used and Limit is ignored.
func Search(ctx context.Context, r Retriever, q Query) iter.Seq2[*mail.Message, error] {
	if q.Start.IsZero() {
		return r.SearchBySender(ctx, q.Sender, q.Limit)
	}
	return r.SearchBySenderInRange(ctx, q.Sender, q.Start, q.End)
}

// DayAfter returns midnight UTC of the day following t.
func DayAfter(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}
