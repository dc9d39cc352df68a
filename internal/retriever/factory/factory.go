// Package factory opens the retriever matching an integration's credential mode.
package factory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dvloznov/mailtx/internal/domain"
	"github.com/dvloznov/mailtx/internal/retriever"
	"github.com/dvloznov/mailtx/internal/retriever/gmailapi"
	"github.com/dvloznov/mailtx/internal/retriever/imapmail"
)

// ErrUnsupportedMode is returned for a credential mode with no backend.
var ErrUnsupportedMode = errors.New("unsupported credential mode")

// Factory opens OAuth integrations against the Gmail API and manual ones over IMAP.
type Factory struct {
	Mailbox      string
	DialTimeout  time.Duration
	IMAPOptions  []imapmail.Option
	GmailOptions []gmailapi.Option
}

var _ retriever.Opener = (*Factory)(nil)

// Open returns a ready retriever for in. The caller must Close it.
func (f *Factory) Open(ctx context.Context, in domain.Integration) (retriever.Retriever, error) {
	switch in.Mode {
	case domain.ModeOAuth:
		if in.AccessToken == "" {
			return nil, fmt.Errorf("Open: integration %s has no access token", in.ID)
		}
		c, err := gmailapi.New(ctx, in.AccessToken, f.GmailOptions...)
		if err != nil {
			return nil, fmt.Errorf("Open: %w", err)
		}
		return c, nil

	case domain.ModeManual:
		cfg := imapmail.Config{
			Server:      in.Server,
			Port:        in.Port,
			UseSSL:      in.UseSSL,
			Username:    in.Username,
			Password:    in.Secret,
			Mailbox:     f.Mailbox,
			DialTimeout: f.DialTimeout,
		}
		c, err := imapmail.Open(ctx, cfg, f.IMAPOptions...)
		if err != nil {
			return nil, fmt.Errorf("Open: %w", err)
		}
		return c, nil

	default:
		return nil, fmt.Errorf("Open: integration %s: %w %q", in.ID, ErrUnsupportedMode, in.Mode)
	}
}
