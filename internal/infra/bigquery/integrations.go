package bigquery

import (
	"cloud.google.com/go/bigquery"

	"github.com/dvloznov/mailtx/internal/domain"
)

type IntegrationRow struct {
	IntegrationID   string `bigquery:"integration_id"`   // REQUIRED
	UserID          string `bigquery:"user_id"`          // REQUIRED
	IntegrationType string `bigquery:"integration_type"` // REQUIRED

	OAuthProvider     bigquery.NullString    `bigquery:"oauth_provider"`      // NULLABLE
	OAuthAccessToken  bigquery.NullString    `bigquery:"oauth_access_token"`  // NULLABLE
	OAuthRefreshToken bigquery.NullString    `bigquery:"oauth_refresh_token"` // NULLABLE
	OAuthTokenExpiry  bigquery.NullTimestamp `bigquery:"oauth_token_expiry"`  // NULLABLE
	OAuthScopes       []string               `bigquery:"oauth_scopes"`        // REPEATED

	EmailUsername bigquery.NullString `bigquery:"email_username"` // NULLABLE
	EmailServer   bigquery.NullString `bigquery:"email_server"`   // NULLABLE
	EmailPort     bigquery.NullInt64  `bigquery:"email_port"`     // NULLABLE
	EmailUseSSL   bigquery.NullBool   `bigquery:"email_use_ssl"`  // NULLABLE, defaults to true
	EmailSecret   bigquery.NullString `bigquery:"email_secret"`   // NULLABLE

	IsActive   bool                   `bigquery:"is_active"`    // REQUIRED
	LastSyncAt bigquery.NullTimestamp `bigquery:"last_sync_at"` // NULLABLE
}

// Integration converts the row to its domain form.
func (r *IntegrationRow) Integration() domain.Integration {
	in := domain.Integration{
		ID:            r.IntegrationID,
		UserID:        r.UserID,
		Mode:          domain.CredentialMode(r.IntegrationType),
		OAuthProvider: r.OAuthProvider.StringVal,
		AccessToken:   r.OAuthAccessToken.StringVal,
		RefreshToken:  r.OAuthRefreshToken.StringVal,
		Scopes:        r.OAuthScopes,
		Username:      r.EmailUsername.StringVal,
		Server:        r.EmailServer.StringVal,
		Port:          int(r.EmailPort.Int64),
		UseSSL:        !r.EmailUseSSL.Valid || r.EmailUseSSL.Bool,
		Secret:        r.EmailSecret.StringVal,
		Active:        r.IsActive,
	}
	if r.OAuthTokenExpiry.Valid {
		in.TokenExpiry = r.OAuthTokenExpiry.Timestamp
	}
	if r.LastSyncAt.Valid {
		t := r.LastSyncAt.Timestamp
		in.LastSyncAt = &t
	}
	return in
}
