package domain

import "time"

// CredentialMode selects how a mailbox is accessed.
type CredentialMode string

const (
	// ModeOAuth accesses the mailbox through the remote query API with a bearer token.
	ModeOAuth CredentialMode = "oauth"
	// ModeManual accesses the mailbox over IMAP with a username and secret.
	ModeManual CredentialMode = "manual"
)

// Integration is one connected mailbox account belonging to a user.
type Integration struct {
	ID            string         `json:"id"`
	UserID        string         `json:"user_id"`
	Mode          CredentialMode `json:"integration_type"`
	OAuthProvider string         `json:"oauth_provider,omitempty"`
	AccessToken   string         `json:"-"`
	RefreshToken  string         `json:"-"`
	// TokenExpiry is zero when the store has no expiry recorded.
	TokenExpiry time.Time `json:"oauth_token_expiry,omitempty"`
	Scopes      []string  `json:"oauth_scopes,omitempty"`

	Username string `json:"email_username,omitempty"`
	Server   string `json:"email_server,omitempty"`
	Port     int    `json:"email_port,omitempty"`
	UseSSL   bool   `json:"email_use_ssl"`
	Secret   string `json:"-"`

	Active     bool       `json:"is_active"`
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
}

// IntegrationFilter narrows the integrations returned by a store.
type IntegrationFilter struct {
	Modes  []CredentialMode
	UserID string
}

// Allows reports whether the filter admits the given mode.
func (f IntegrationFilter) Allows(m CredentialMode) bool {
	if len(f.Modes) == 0 {
		return true
	}
	for _, mode := range f.Modes {
		if mode == m {
			return true
		}
	}
	return false
}
