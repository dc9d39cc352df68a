// Package gmailapi retrieves messages through the Gmail REST API using an
// OAuth access token.
package gmailapi

import (
	"context"
	"encoding/base64"
	"fmt"
	"iter"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/dvloznov/mailtx/internal/logger"
	"github.com/dvloznov/mailtx/internal/mail"
	"github.com/dvloznov/mailtx/internal/retriever"
)

const (
	// DefaultMaxResults caps a range search.
	DefaultMaxResults = 500
	// diagnosticLimit caps the fallback listing run when a range search is empty.
	diagnosticLimit = 10
	// pageSize is the largest page the list endpoint accepts.
	pageSize = 500

	queryDateLayout = "2006/01/02"
	me              = "me"
)

// Client is a Gmail API session for one account.
type Client struct {
	svc        *gmail.Service
	maxResults int
}

var _ retriever.Retriever = (*Client)(nil)

// Option customizes a Client.
type Option func(*settings)

type settings struct {
	clientOpts []option.ClientOption
	maxResults int
}

// WithClientOptions passes options through to the generated API client.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(s *settings) { s.clientOpts = append(s.clientOpts, opts...) }
}

// WithMaxResults overrides DefaultMaxResults.
func WithMaxResults(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.maxResults = n
		}
	}
}

// New builds a client authenticated with accessToken.
func New(ctx context.Context, accessToken string, opts ...Option) (*Client, error) {
	s := settings{maxResults: DefaultMaxResults}
	for _, opt := range opts {
		opt(&s)
	}

	clientOpts := append([]option.ClientOption{
		option.WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})),
	}, s.clientOpts...)

	svc, err := gmail.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("New: creating gmail service: %w", err)
	}
	return &Client{svc: svc, maxResults: s.maxResults}, nil
}

// SenderQuery builds the search query for sender, optionally bounded by date.
// A start and end on the same day advance the before bound by one day so the
// day itself is searched.
func SenderQuery(sender string, start, end time.Time) string {
	q := "from:" + sender
	if start.IsZero() {
		return q
	}
	q += " after:" + start.Format(queryDateLayout)
	if end.IsZero() {
		return q
	}
	before := end
	if sameDay(start, end) {
		before = end.AddDate(0, 0, 1)
	}
	return q + " before:" + before.Format(queryDateLayout)
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// SearchBySender yields the most recent limit messages from sender, oldest first.
func (c *Client) SearchBySender(ctx context.Context, sender string, limit int) iter.Seq2[*mail.Message, error] {
	if limit <= 0 {
		limit = c.maxResults
	}
	return c.Search(ctx, SenderQuery(sender, time.Time{}, time.Time{}), limit)
}

// SearchBySenderInRange yields messages from sender in the date range. When
// nothing matches, an unbounded listing is logged to help diagnose the query.
func (c *Client) SearchBySenderInRange(ctx context.Context, sender string, start, end time.Time) iter.Seq2[*mail.Message, error] {
	query := SenderQuery(sender, start, end)
	return func(yield func(*mail.Message, error) bool) {
		ids, err := c.list(ctx, query, c.maxResults)
		if err != nil {
			yield(nil, err)
			return
		}
		if len(ids) == 0 {
			c.diagnose(ctx, sender)
			return
		}
		c.fetchAll(ctx, ids, yield)
	}
}

// Search runs an arbitrary Gmail query and yields up to limit messages,
// oldest first.
func (c *Client) Search(ctx context.Context, query string, limit int) iter.Seq2[*mail.Message, error] {
	return func(yield func(*mail.Message, error) bool) {
		ids, err := c.list(ctx, query, limit)
		if err != nil {
			yield(nil, err)
			return
		}
		c.fetchAll(ctx, ids, yield)
	}
}

// list pages through results newest first and returns up to limit ids,
// reordered oldest first.
func (c *Client) list(ctx context.Context, query string, limit int) ([]string, error) {
	log := logger.FromContext(ctx)

	var ids []string
	pageToken := ""
	for len(ids) < limit {
		call := c.svc.Users.Messages.List(me).Q(query).MaxResults(int64(min(limit-len(ids), pageSize))).Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("list: query %q: %w", query, err)
		}
		for _, m := range resp.Messages {
			ids = append(ids, m.Id)
		}
		if resp.NextPageToken == "" || len(resp.Messages) == 0 {
			break
		}
		pageToken = resp.NextPageToken
	}
	if len(ids) > limit {
		ids = ids[:limit]
	}

	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}

	log.Info().Str("query", query).Int("limit", limit).Int("found", len(ids)).Msg("Gmail search complete")
	return ids, nil
}

func (c *Client) fetchAll(ctx context.Context, ids []string, yield func(*mail.Message, error) bool) {
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			yield(nil, err)
			return
		}
		msg, err := c.fetch(ctx, id)
		if err != nil {
			if !yield(nil, &retriever.FetchError{MessageID: id, Err: err}) {
				return
			}
			continue
		}
		if !yield(msg, nil) {
			return
		}
	}
}

func (c *Client) fetch(ctx context.Context, id string) (*mail.Message, error) {
	resp, err := c.svc.Users.Messages.Get(me, id).Format("raw").Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	raw, err := DecodeRaw(resp.Raw)
	if err != nil {
		return nil, err
	}
	msg, err := mail.Parse(raw)
	if err != nil {
		return nil, err
	}
	msg.ID = id
	if resp.InternalDate > 0 {
		msg.InternalDate = time.UnixMilli(resp.InternalDate).UTC()
	}
	return msg, nil
}

// DecodeRaw decodes the base64url payload of a raw-format message. Padding is optional.
func DecodeRaw(s string) ([]byte, error) {
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return nil, fmt.Errorf("DecodeRaw: %w", err)
	}
	return b, nil
}

func (c *Client) diagnose(ctx context.Context, sender string) {
	log := logger.FromContext(ctx)
	query := SenderQuery(sender, time.Time{}, time.Time{})
	resp, err := c.svc.Users.Messages.List(me).Q(query).MaxResults(diagnosticLimit).Context(ctx).Do()
	if err != nil {
		log.Warn().Err(err).Str("query", query).Msg("Diagnostic search failed")
		return
	}
	ids := make([]string, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		ids = append(ids, m.Id)
	}
	log.Info().
		Str("query", query).
		Int("found", len(ids)).
		Strs("message_ids", ids).
		Msg("Range search empty; unbounded search for comparison")
}

// Close is a no-op; the API client holds no session.
func (c *Client) Close(context.Context) error { return nil }
