// Package mboxfile replays an mbox archive through the retriever interface so
// exported mailboxes can be processed offline.
package mboxfile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"strconv"
	"strings"
	"time"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/dvloznov/mailtx/internal/logger"
	"github.com/dvloznov/mailtx/internal/mail"
	"github.com/dvloznov/mailtx/internal/retriever"
)

// Loader opens the archive named by uri.
type Loader func(ctx context.Context, uri string) (io.ReadCloser, error)

// LocalFile is the Loader for paths on disk.
func LocalFile(_ context.Context, path string) (io.ReadCloser, error) {
	return os.Open(path)
}

type entry struct {
	id  string
	msg *mail.Message
	err error
}

// Archive holds the messages of one mbox file in file order.
type Archive struct {
	uri     string
	entries []entry
}

var _ retriever.Retriever = (*Archive)(nil)

// Open reads the whole archive. Messages that fail to parse are kept and
// reported as fetch errors when a search reaches them.
func Open(ctx context.Context, uri string, load Loader) (*Archive, error) {
	if strings.TrimSpace(uri) == "" {
		return nil, errors.New("Open: mbox path is empty")
	}
	if load == nil {
		load = LocalFile
	}

	rc, err := load(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("Open: opening %s: %w", uri, err)
	}
	defer rc.Close()

	a, err := Read(ctx, rc)
	if err != nil {
		return nil, fmt.Errorf("Open: reading %s: %w", uri, err)
	}
	a.uri = uri

	log := logger.FromContext(ctx)
	log.Info().
		Str("uri", uri).
		Int("messages", len(a.entries)).
		Msg("Mbox archive loaded")
	return a, nil
}

// Read splits an mbox stream into messages.
func Read(ctx context.Context, r io.Reader) (*Archive, error) {
	reader := mboxlib.NewReader(r)
	a := &Archive{}
	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		mr, err := reader.NextMessage()
		if errors.Is(err, io.EOF) {
			return a, nil
		}
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", idx, err)
		}

		e := entry{id: strconv.Itoa(idx)}
		raw, err := io.ReadAll(mr)
		if err != nil {
			e.err = err
		} else if e.msg, e.err = mail.Parse(raw); e.err == nil {
			e.msg.ID = e.id
		}
		a.entries = append(a.entries, e)
	}
}

// Len returns the number of messages in the archive.
func (a *Archive) Len() int { return len(a.entries) }

// All yields every message in file order.
func (a *Archive) All(ctx context.Context) iter.Seq2[*mail.Message, error] {
	return a.filter(ctx, func(*mail.Message) bool { return true }, 0)
}

// SearchBySender yields the last limit messages whose From address contains sender.
func (a *Archive) SearchBySender(ctx context.Context, sender string, limit int) iter.Seq2[*mail.Message, error] {
	return a.filter(ctx, fromMatcher(sender), limit)
}

// SearchBySenderInRange yields messages from sender dated within [start, end].
// Messages without a usable Date header are skipped.
func (a *Archive) SearchBySenderInRange(ctx context.Context, sender string, start, end time.Time) iter.Seq2[*mail.Message, error] {
	from := fromMatcher(sender)
	return a.filter(ctx, func(m *mail.Message) bool {
		if !from(m) {
			return false
		}
		d, err := m.Date()
		if err != nil {
			return false
		}
		if d.Before(start) {
			return false
		}
		return end.IsZero() || !d.After(end)
	}, 0)
}

func fromMatcher(sender string) func(*mail.Message) bool {
	sender = strings.ToLower(strings.TrimSpace(sender))
	return func(m *mail.Message) bool {
		_, addr := m.FromAddress()
		if addr == "" {
			addr = m.From()
		}
		return strings.Contains(strings.ToLower(addr), sender)
	}
}

func (a *Archive) filter(ctx context.Context, match func(*mail.Message) bool, limit int) iter.Seq2[*mail.Message, error] {
	return func(yield func(*mail.Message, error) bool) {
		var hits []entry
		for _, e := range a.entries {
			if e.err != nil || match(e.msg) {
				hits = append(hits, e)
			}
		}
		if limit > 0 && len(hits) > limit {
			hits = hits[len(hits)-limit:]
		}

		for _, e := range hits {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if e.err != nil {
				if !yield(nil, &retriever.FetchError{MessageID: e.id, Err: e.err}) {
					return
				}
				continue
			}
			if !yield(e.msg, nil) {
				return
			}
		}
	}
}

// Close is a no-op.
func (a *Archive) Close(context.Context) error { return nil }
