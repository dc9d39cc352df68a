package orchestrator_test

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/mailtx/internal/domain"
	"github.com/dvloznov/mailtx/internal/mail"
	"github.com/dvloznov/mailtx/internal/metrics"
	"github.com/dvloznov/mailtx/internal/normalizer"
	"github.com/dvloznov/mailtx/internal/orchestrator"
	"github.com/dvloznov/mailtx/internal/retriever"
)

func receipt(t *testing.T, number, amount string) *mail.Message {
	t.Helper()
	raw := fmt.Sprintf(`From: Cash App <cash@square.com>
To: Jane Doe <jane.doe@example.com>
Subject: Bob Jones sent you $%[2]s
Message-Id: <%[1]s@square.com>
Date: Mon, 03 Jun 2024 14:05:00 -0400
Content-Type: text/plain; charset=utf-8

Bob Jones sent you $%[2]s for rent

Payment between
Recipient: Jane Doe
Sender: Bob Jones

Transaction number
#D-%[1]s

Completed
`, number, amount)
	m, err := mail.Parse([]byte(strings.ReplaceAll(raw, "\n", "\r\n")))
	require.NoError(t, err)
	return m
}

func newsletter(t *testing.T) *mail.Message {
	t.Helper()
	m, err := mail.Parse([]byte("From: news@example.com\r\nSubject: Weekly digest\r\nMessage-Id: <n1@example.com>\r\n\r\nNothing to see here.\r\n"))
	require.NoError(t, err)
	return m
}

type MockCredentialManager struct {
	ListActiveIntegrationsFunc func(ctx context.Context) ([]domain.Integration, error)
	RefreshIfNeededFunc        func(ctx context.Context, in *domain.Integration) bool

	mu     sync.Mutex
	synced []string
}

func (m *MockCredentialManager) ListActiveIntegrations(ctx context.Context) ([]domain.Integration, error) {
	return m.ListActiveIntegrationsFunc(ctx)
}

func (m *MockCredentialManager) RefreshIfNeeded(ctx context.Context, in *domain.Integration) bool {
	if m.RefreshIfNeededFunc == nil {
		return true
	}
	return m.RefreshIfNeededFunc(ctx, in)
}

func (m *MockCredentialManager) MarkSynced(_ context.Context, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.synced = append(m.synced, id)
}

func (m *MockCredentialManager) Synced() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]string(nil), m.synced...)
	return out
}

func integrations(ids ...string) func(context.Context) ([]domain.Integration, error) {
	return func(context.Context) ([]domain.Integration, error) {
		var out []domain.Integration
		for _, id := range ids {
			out = append(out, domain.Integration{ID: id, UserID: "user-" + id, Mode: domain.ModeManual, Active: true})
		}
		return out, nil
	}
}

// fakeRetriever yields items in order; an item is a message, an error, or a
// func that panics.
type fakeRetriever struct {
	items  []any
	closed atomic.Bool
}

func (f *fakeRetriever) stream() iter.Seq2[*mail.Message, error] {
	return func(yield func(*mail.Message, error) bool) {
		for _, it := range f.items {
			switch v := it.(type) {
			case *mail.Message:
				if !yield(v, nil) {
					return
				}
			case error:
				if !yield(nil, v) {
					return
				}
			case func():
				v()
			}
		}
	}
}

func (f *fakeRetriever) SearchBySender(context.Context, string, int) iter.Seq2[*mail.Message, error] {
	return f.stream()
}

func (f *fakeRetriever) SearchBySenderInRange(context.Context, string, time.Time, time.Time) iter.Seq2[*mail.Message, error] {
	return f.stream()
}

func (f *fakeRetriever) Close(context.Context) error {
	f.closed.Store(true)
	return nil
}

func opener(byID map[string]*fakeRetriever, failing map[string]error) retriever.Opener {
	return retriever.OpenerFunc(func(_ context.Context, in domain.Integration) (retriever.Retriever, error) {
		if err := failing[in.ID]; err != nil {
			return nil, err
		}
		return byID[in.ID], nil
	})
}

func sequentialIDs() func() string {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("run-%d", n.Add(1)) }
}

func outcomeByID(res *domain.RunResult) map[string]domain.IntegrationOutcome {
	out := map[string]domain.IntegrationOutcome{}
	for _, o := range res.Integrations {
		out[o.IntegrationID] = o
	}
	return out
}

func TestRunIsolatesFailingIntegration(t *testing.T) {
	a := &fakeRetriever{items: []any{receipt(t, "AAAA1111", "10.00")}}
	c := &fakeRetriever{items: []any{receipt(t, "CCCC3333", "30.00")}}
	creds := &MockCredentialManager{ListActiveIntegrationsFunc: integrations("a", "b", "c")}

	o := orchestrator.New(creds,
		opener(map[string]*fakeRetriever{"a": a, "c": c}, map[string]error{"b": errors.New("connection refused")}),
		nil, orchestrator.WithRunIDs(sequentialIDs()))

	res := o.Run(context.Background(), orchestrator.Query{Sender: "cash@square.com", Limit: 10})

	assert.Equal(t, "run-1", res.RunID)
	assert.Equal(t, 2, res.New)
	assert.Equal(t, 0, res.Errors)
	var numbers []string
	for _, tx := range res.Transactions {
		numbers = append(numbers, tx.TransactionNumber)
	}
	assert.ElementsMatch(t, []string{"#D-AAAA1111", "#D-CCCC3333"}, numbers)

	outcomes := outcomeByID(res)
	require.Len(t, outcomes, 3)
	assert.Equal(t, domain.IntegrationSynced, outcomes["a"].Status)
	assert.Equal(t, domain.IntegrationRetrievalFailed, outcomes["b"].Status)
	assert.Contains(t, outcomes["b"].Error, "connection refused")
	assert.Equal(t, domain.IntegrationSynced, outcomes["c"].Status)

	require.Len(t, res.Failures, 1)
	assert.Equal(t, "b", res.Failures[0].IntegrationID)
	assert.Contains(t, res.Failures[0].Reason, "connection refused")

	assert.ElementsMatch(t, []string{"a", "c"}, creds.Synced())
	assert.True(t, a.closed.Load())
	assert.True(t, c.closed.Load())
}

func TestRunRecordsPanickingIntegrationOnce(t *testing.T) {
	a := &fakeRetriever{items: []any{receipt(t, "AAAA1111", "10.00")}}
	b := &fakeRetriever{items: []any{receipt(t, "BBBB2222", "20.00"), func() { panic("decoder exploded") }}}
	c := &fakeRetriever{items: []any{receipt(t, "CCCC3333", "30.00")}}
	creds := &MockCredentialManager{ListActiveIntegrationsFunc: integrations("a", "b", "c")}

	o := orchestrator.New(creds, opener(map[string]*fakeRetriever{"a": a, "b": b, "c": c}, nil), nil)
	res := o.Run(context.Background(), orchestrator.Query{Sender: "cash@square.com"})

	require.Len(t, res.Failures, 1)
	assert.Contains(t, res.Failures[0].Reason, "decoder exploded")
	assert.Equal(t, "b", res.Failures[0].IntegrationID)
	assert.Equal(t, 3, res.New)
	assert.Equal(t, 3, res.Processed)
	assert.Equal(t, 0, res.Errors)
	assert.Equal(t, res.Processed-res.Errors, res.New+res.Duplicates)

	outcomes := outcomeByID(res)
	assert.Equal(t, domain.IntegrationRetrievalFailed, outcomes["b"].Status)
	assert.True(t, b.closed.Load())
	assert.ElementsMatch(t, []string{"a", "c"}, creds.Synced())
}

func TestRunDeduplicatesAcrossIntegrationsOfOneUser(t *testing.T) {
	a := &fakeRetriever{items: []any{receipt(t, "SAME0001", "10.00")}}
	b := &fakeRetriever{items: []any{receipt(t, "SAME0001", "10.00"), receipt(t, "OTHER002", "5.00")}}
	creds := &MockCredentialManager{ListActiveIntegrationsFunc: func(context.Context) ([]domain.Integration, error) {
		return []domain.Integration{
			{ID: "a", UserID: "user-1", Mode: domain.ModeManual, Active: true},
			{ID: "b", UserID: "user-1", Mode: domain.ModeManual, Active: true},
		}, nil
	}}

	o := orchestrator.New(creds, opener(map[string]*fakeRetriever{"a": a, "b": b}, nil), nil)
	res := o.Run(context.Background(), orchestrator.Query{Sender: "cash@square.com"})

	assert.Equal(t, 3, res.Processed)
	assert.Equal(t, 2, res.New)
	assert.Equal(t, 1, res.Duplicates)
	require.Len(t, res.Duplicated, 1)
	assert.Equal(t, "#D-SAME0001", res.Duplicated[0].TransactionNumber)
}

func TestRunKeepsSharedPaymentForEachUser(t *testing.T) {
	a := &fakeRetriever{items: []any{receipt(t, "SHARED01", "10.00")}}
	b := &fakeRetriever{items: []any{receipt(t, "SHARED01", "10.00")}}
	creds := &MockCredentialManager{ListActiveIntegrationsFunc: integrations("a", "b")}

	o := orchestrator.New(creds, opener(map[string]*fakeRetriever{"a": a, "b": b}, nil), nil)
	res := o.Run(context.Background(), orchestrator.Query{Sender: "cash@square.com"})

	assert.Equal(t, 2, res.New)
	assert.Equal(t, 0, res.Duplicates)
	assert.Empty(t, res.Duplicated)
	var users []string
	for _, tx := range res.Transactions {
		assert.Equal(t, "#D-SHARED01", tx.TransactionNumber)
		users = append(users, tx.UserID)
	}
	assert.ElementsMatch(t, []string{"user-a", "user-b"}, users)
}

func TestRunSkipsIntegrationWhenRefreshFails(t *testing.T) {
	opened := map[string]bool{}
	var mu sync.Mutex
	creds := &MockCredentialManager{
		ListActiveIntegrationsFunc: integrations("good", "expired"),
		RefreshIfNeededFunc: func(_ context.Context, in *domain.Integration) bool {
			return in.ID != "expired"
		},
	}
	op := retriever.OpenerFunc(func(_ context.Context, in domain.Integration) (retriever.Retriever, error) {
		mu.Lock()
		opened[in.ID] = true
		mu.Unlock()
		return &fakeRetriever{}, nil
	})

	res := orchestrator.New(creds, op, nil).Run(context.Background(), orchestrator.Query{Sender: "x@y.com"})

	outcomes := outcomeByID(res)
	assert.Equal(t, domain.IntegrationRefreshFailed, outcomes["expired"].Status)
	assert.Equal(t, domain.IntegrationSynced, outcomes["good"].Status)
	assert.False(t, opened["expired"])
	assert.Equal(t, []string{"good"}, creds.Synced())
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "expired", res.Failures[0].IntegrationID)
}

func TestRunCountsUnparsedAndUnreadableMessages(t *testing.T) {
	a := &fakeRetriever{items: []any{
		receipt(t, "AAAA1111", "10.00"),
		newsletter(t),
		&retriever.FetchError{MessageID: "42", Err: errors.New("timeout")},
		receipt(t, "AAAA2222", "12.00"),
	}}
	creds := &MockCredentialManager{ListActiveIntegrationsFunc: integrations("a")}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	o := orchestrator.New(creds, opener(map[string]*fakeRetriever{"a": a}, nil), nil, orchestrator.WithMetrics(m))
	res := o.Run(context.Background(), orchestrator.Query{Sender: "cash@square.com"})

	assert.Equal(t, 4, res.Processed)
	assert.Equal(t, 2, res.New)
	assert.Equal(t, 2, res.Errors)
	assert.Equal(t, res.Processed-res.Errors, res.New+res.Duplicates)
	require.Len(t, res.Failures, 2)
	assert.Equal(t, "Weekly digest", res.Failures[0].Subject)
	assert.Equal(t, "42", res.Failures[1].MessageID)
	assert.Equal(t, 4, outcomeByID(res)["a"].Messages)

	assert.Equal(t, 2.0, counterValue(t, reg, "mailtx_messages_total", "new"))
	assert.Equal(t, 2.0, counterValue(t, reg, "mailtx_messages_total", "failed"))
}

func TestRunStreamErrorFailsIntegration(t *testing.T) {
	a := &fakeRetriever{items: []any{receipt(t, "AAAA1111", "10.00"), errors.New("connection dropped")}}
	creds := &MockCredentialManager{ListActiveIntegrationsFunc: integrations("a")}

	res := orchestrator.New(creds, opener(map[string]*fakeRetriever{"a": a}, nil), nil).
		Run(context.Background(), orchestrator.Query{Sender: "cash@square.com"})

	assert.Equal(t, 1, res.New)
	o := outcomeByID(res)["a"]
	assert.Equal(t, domain.IntegrationRetrievalFailed, o.Status)
	assert.Contains(t, o.Error, "connection dropped")
	require.Len(t, res.Failures, 1)
	assert.Contains(t, res.Failures[0].Reason, "reading mailbox: connection dropped")
	assert.Equal(t, 1, res.Processed)
	assert.Empty(t, creds.Synced())
	assert.True(t, a.closed.Load())
}

func TestRunRecordsListingFailure(t *testing.T) {
	creds := &MockCredentialManager{ListActiveIntegrationsFunc: func(context.Context) ([]domain.Integration, error) {
		return nil, errors.New("store unavailable")
	}}

	res := orchestrator.New(creds, opener(nil, nil), nil).Run(context.Background(), orchestrator.Query{})
	require.Len(t, res.Failures, 1)
	assert.Contains(t, res.Failures[0].Reason, "store unavailable")
	assert.Empty(t, res.Integrations)
}

func TestRunRespectsMaxParallel(t *testing.T) {
	var inFlight, peak atomic.Int32
	op := retriever.OpenerFunc(func(context.Context, domain.Integration) (retriever.Retriever, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return &fakeRetriever{}, nil
	})
	creds := &MockCredentialManager{ListActiveIntegrationsFunc: integrations("a", "b", "c", "d", "e")}

	res := orchestrator.New(creds, op, nil, orchestrator.WithMaxParallel(2)).Run(context.Background(), orchestrator.Query{})

	assert.Len(t, res.Integrations, 5)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestReplayTagsEnvelope(t *testing.T) {
	r := &fakeRetriever{items: []any{receipt(t, "REPLAY01", "7.50")}}
	o := orchestrator.New(nil, nil, nil)

	res, err := o.Replay(context.Background(), r.stream(), normalizer.Envelope{UserID: "user-9"})
	require.NoError(t, err)
	require.Len(t, res.Transactions, 1)
	assert.Equal(t, "user-9", res.Transactions[0].UserID)
	assert.Equal(t, "#D-REPLAY01", res.Transactions[0].TransactionNumber)
}

func counterValue(t *testing.T, reg *prometheus.Registry, name, label string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetValue() == label {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	t.Fatalf("metric %s{%s} not found", name, label)
	return 0
}
