// Package imapmail retrieves messages from an IMAP mailbox.
package imapmail

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dvloznov/mailtx/internal/logger"
	"github.com/dvloznov/mailtx/internal/mail"
	"github.com/dvloznov/mailtx/internal/retriever"
)

// Defaults applied by Open.
const (
	DefaultMailbox     = "INBOX"
	DefaultDialTimeout = 30 * time.Second
)

type imapClient interface {
	Login(username, password string) commandWaiter
	Logout() commandWaiter
	Close() error
	Select(mailbox string, options *imap.SelectOptions) selectWaiter
	UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter
	Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter
	Store(numSet imap.NumSet, store *imap.StoreFlags, options *imap.StoreOptions) fetchWaiter
}

type commandWaiter interface{ Wait() error }
type selectWaiter interface {
	Wait() (*imap.SelectData, error)
}
type searchWaiter interface {
	Wait() (*imap.SearchData, error)
}
type fetchWaiter interface {
	Collect() ([]*imapclient.FetchMessageBuffer, error)
	Close() error
}

// Config locates and authenticates against a mailbox.
type Config struct {
	Server      string
	Port        int
	UseSSL      bool
	Username    string
	Password    string
	Mailbox     string
	DialTimeout time.Duration
}

func (c Config) address() string {
	port := c.Port
	if port == 0 {
		port = 143
		if c.UseSSL {
			port = 993
		}
	}
	return net.JoinHostPort(c.Server, strconv.Itoa(port))
}

// Option customizes a Client.
type Option func(*options)

type options struct {
	dial     func(Config) (imapClient, error)
	markSeen bool
}

// WithMarkSeen toggles flagging yielded messages \Seen. It is on by default.
func WithMarkSeen(mark bool) Option {
	return func(o *options) { o.markSeen = mark }
}

func withDialer(dial func(Config) (imapClient, error)) Option {
	return func(o *options) { o.dial = dial }
}

// Client is an authenticated session with one mailbox selected.
type Client struct {
	client   imapClient
	address  string
	markSeen bool
	stop     func() bool
}

var _ retriever.Retriever = (*Client)(nil)

// Open dials the server, logs in and selects the mailbox. The connection is
// torn down if ctx is cancelled before Close.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	if cfg.Server == "" {
		return nil, errors.New("Open: imap server is empty")
	}
	if cfg.Username == "" {
		return nil, errors.New("Open: imap username is empty")
	}
	if cfg.Mailbox == "" {
		cfg.Mailbox = DefaultMailbox
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}

	o := options{dial: dial, markSeen: true}
	for _, opt := range opts {
		opt(&o)
	}

	client, err := o.dial(cfg)
	if err != nil {
		return nil, fmt.Errorf("Open: connecting to %s: %w", cfg.address(), err)
	}

	if err := client.Login(cfg.Username, cfg.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("Open: login as %s: %w", cfg.Username, err)
	}

	if _, err := client.Select(cfg.Mailbox, nil).Wait(); err != nil {
		_ = client.Logout().Wait()
		_ = client.Close()
		return nil, fmt.Errorf("Open: selecting %s: %w", cfg.Mailbox, err)
	}

	log := logger.FromContext(ctx)
	log.Debug().
		Str("address", cfg.address()).
		Str("username", cfg.Username).
		Str("mailbox", cfg.Mailbox).
		Bool("tls", cfg.UseSSL).
		Msg("IMAP session opened")

	return &Client{
		client:   client,
		address:  cfg.address(),
		markSeen: o.markSeen,
		stop:     context.AfterFunc(ctx, func() { _ = client.Close() }),
	}, nil
}

func dial(cfg Config) (imapClient, error) {
	opts := &imapclient.Options{Dialer: &net.Dialer{Timeout: cfg.DialTimeout}}
	var (
		client *imapclient.Client
		err    error
	)
	if cfg.UseSSL {
		client, err = imapclient.DialTLS(cfg.address(), opts)
	} else {
		client, err = imapclient.DialInsecure(cfg.address(), opts)
	}
	if err != nil {
		return nil, err
	}
	return &imapClientWrapper{Client: client}, nil
}

// SearchBySender yields the most recent limit messages from sender.
func (c *Client) SearchBySender(ctx context.Context, sender string, limit int) iter.Seq2[*mail.Message, error] {
	return c.Search(ctx, Criteria{From: sender}, limit)
}

// SearchBySenderInRange yields messages from sender within [start, end] by day.
func (c *Client) SearchBySenderInRange(ctx context.Context, sender string, start, end time.Time) iter.Seq2[*mail.Message, error] {
	return c.Search(ctx, rangeCriteria(Criteria{From: sender}, start, end), 0)
}

// SearchBySubject yields the most recent limit messages whose subject contains text.
func (c *Client) SearchBySubject(ctx context.Context, text string, limit int) iter.Seq2[*mail.Message, error] {
	return c.Search(ctx, Criteria{Subject: text}, limit)
}

// SearchByContent runs a server-side full-text search.
func (c *Client) SearchByContent(ctx context.Context, text string, limit int) iter.Seq2[*mail.Message, error] {
	return c.Search(ctx, Criteria{Text: text}, limit)
}

// SearchByContentInRange runs a full-text search bounded by day.
func (c *Client) SearchByContentInRange(ctx context.Context, text string, start, end time.Time) iter.Seq2[*mail.Message, error] {
	return c.Search(ctx, rangeCriteria(Criteria{Text: text}, start, end), 0)
}

// FetchUnread yields the most recent limit unseen messages.
func (c *Client) FetchUnread(ctx context.Context, limit int) iter.Seq2[*mail.Message, error] {
	return c.Search(ctx, Criteria{Unseen: true}, limit)
}

// Search runs criteria and yields matches in ascending UID order. A positive
// limit keeps only the highest limit UIDs.
func (c *Client) Search(ctx context.Context, criteria Criteria, limit int) iter.Seq2[*mail.Message, error] {
	return func(yield func(*mail.Message, error) bool) {
		log := logger.FromContext(ctx).With().
			Str("address", c.address).
			Str("criteria", criteria.String()).
			Logger()

		data, err := c.client.UIDSearch(criteria.SearchCriteria(), nil).Wait()
		if err != nil {
			yield(nil, fmt.Errorf("Search: %s: %w", criteria, err))
			return
		}

		uids := data.AllUIDs()
		found := len(uids)
		if limit > 0 && len(uids) > limit {
			uids = uids[len(uids)-limit:]
		}
		log.Info().Int("found", found).Int("fetching", len(uids)).Msg("IMAP search complete")

		for _, uid := range uids {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}

			msg, err := c.fetch(uid)
			if err != nil {
				if !yield(nil, &retriever.FetchError{MessageID: uidString(uid), Err: err}) {
					return
				}
				continue
			}

			cont := yield(msg, nil)
			if c.markSeen {
				c.setSeen(ctx, uid)
			}
			if !cont {
				return
			}
		}
	}
}

func (c *Client) fetch(uid imap.UID) (*mail.Message, error) {
	opts := &imap.FetchOptions{
		UID:          true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{{Peek: true}},
	}
	bufs, err := c.client.Fetch(imap.UIDSetNum(uid), opts).Collect()
	if err != nil {
		return nil, err
	}
	if len(bufs) == 0 {
		return nil, errors.New("message no longer exists")
	}

	buf := bufs[0]
	var body []byte
	for _, section := range buf.BodySection {
		if len(section.Bytes) > 0 {
			body = section.Bytes
			break
		}
	}
	if body == nil {
		return nil, errors.New("empty body")
	}

	msg, err := mail.Parse(body)
	if err != nil {
		return nil, err
	}
	msg.ID = uidString(uid)
	msg.InternalDate = buf.InternalDate
	return msg, nil
}

func (c *Client) setSeen(ctx context.Context, uid imap.UID) {
	flags := &imap.StoreFlags{Op: imap.StoreFlagsAdd, Silent: true, Flags: []imap.Flag{imap.FlagSeen}}
	if err := c.client.Store(imap.UIDSetNum(uid), flags, nil).Close(); err != nil {
		log := logger.FromContext(ctx)
		log.Warn().
			Err(err).
			Str("uid", uidString(uid)).
			Msg("Failed to mark message seen")
	}
}

// Close logs out and closes the connection. The connection is closed even
// when logout fails.
func (c *Client) Close(ctx context.Context) error {
	if c.stop != nil {
		c.stop()
	}
	logoutErr := c.client.Logout().Wait()
	if logoutErr != nil {
		log := logger.FromContext(ctx)
		log.Warn().Err(logoutErr).Str("address", c.address).Msg("IMAP logout failed")
	}
	if err := c.client.Close(); err != nil {
		return fmt.Errorf("Close: %w", err)
	}
	if logoutErr != nil {
		return fmt.Errorf("Close: logout: %w", logoutErr)
	}
	return nil
}

func uidString(uid imap.UID) string {
	return strconv.FormatUint(uint64(uid), 10)
}

type imapClientWrapper struct{ *imapclient.Client }

func (w *imapClientWrapper) Login(username, password string) commandWaiter {
	return w.Client.Login(username, password)
}
func (w *imapClientWrapper) Logout() commandWaiter { return w.Client.Logout() }
func (w *imapClientWrapper) Select(mailbox string, options *imap.SelectOptions) selectWaiter {
	return w.Client.Select(mailbox, options)
}
func (w *imapClientWrapper) UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter {
	return w.Client.UIDSearch(criteria, options)
}
func (w *imapClientWrapper) Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter {
	return w.Client.Fetch(numSet, options)
}
func (w *imapClientWrapper) Store(numSet imap.NumSet, store *imap.StoreFlags, options *imap.StoreOptions) fetchWaiter {
	return w.Client.Store(numSet, store, options)
}
