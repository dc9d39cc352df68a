package credentials

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// DefaultTokenLifetime is assumed when the token endpoint omits expires_in.
const DefaultTokenLifetime = 3600 * time.Second

// OAuthRefresher refreshes tokens against an OAuth 2.0 token endpoint using
// the refresh_token grant with client credentials in the form body.
type OAuthRefresher struct {
	config     oauth2.Config
	httpClient *http.Client
}

// RefreshError carries the token endpoint's rejection.
type RefreshError struct {
	StatusCode int
	Body       string
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("token endpoint returned %d: %s", e.StatusCode, e.Body)
}

// NewOAuthRefresher builds a refresher. An empty tokenURL selects Google's endpoint.
func NewOAuthRefresher(clientID, clientSecret, tokenURL string, httpClient *http.Client) *OAuthRefresher {
	if tokenURL == "" {
		tokenURL = google.Endpoint.TokenURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &OAuthRefresher{
		config: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient: httpClient,
	}
}

// Refresh exchanges refreshToken for a new access token.
func (r *OAuthRefresher) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)
	token, err := r.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			return nil, fmt.Errorf("Refresh: %w", &RefreshError{StatusCode: re.Response.StatusCode, Body: string(re.Body)})
		}
		return nil, fmt.Errorf("Refresh: %w", err)
	}
	return token, nil
}
