package factory_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/dvloznov/mailtx/internal/domain"
	"github.com/dvloznov/mailtx/internal/retriever/factory"
	"github.com/dvloznov/mailtx/internal/retriever/gmailapi"
)

func TestOpenSelectsGmailForOAuth(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	f := &factory.Factory{GmailOptions: []gmailapi.Option{gmailapi.WithClientOptions(
		option.WithHTTPClient(srv.Client()),
		option.WithEndpoint(srv.URL+"/"),
	)}}

	r, err := f.Open(context.Background(), domain.Integration{ID: "g", Mode: domain.ModeOAuth, AccessToken: "tok"})
	require.NoError(t, err)
	assert.IsType(t, &gmailapi.Client{}, r)
	assert.NoError(t, r.Close(context.Background()))
}

func TestOpenRejectsOAuthWithoutToken(t *testing.T) {
	_, err := (&factory.Factory{}).Open(context.Background(), domain.Integration{ID: "g", Mode: domain.ModeOAuth})
	assert.ErrorContains(t, err, "no access token")
}

func TestOpenManualRequiresServer(t *testing.T) {
	_, err := (&factory.Factory{}).Open(context.Background(), domain.Integration{ID: "m", Mode: domain.ModeManual, Username: "u"})
	assert.ErrorContains(t, err, "imap server is empty")
}

func TestOpenUnknownMode(t *testing.T) {
	_, err := (&factory.Factory{}).Open(context.Background(), domain.Integration{ID: "x", Mode: "pop3"})
	assert.ErrorIs(t, err, factory.ErrUnsupportedMode)
}
