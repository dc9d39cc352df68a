// Package credentials lists active mailbox integrations and keeps their OAuth
// access tokens fresh.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dvloznov/mailtx/internal/domain"
	"github.com/dvloznov/mailtx/internal/logger"
	"github.com/dvloznov/mailtx/internal/metrics"
	"github.com/dvloznov/mailtx/internal/store"
	"golang.org/x/oauth2"
)

// DefaultBuffer is how long before expiry a token is refreshed.
const DefaultBuffer = 5 * time.Minute

// TokenState is where an integration's access token stands.
type TokenState string

const (
	TokenValid         TokenState = "valid"
	TokenExpiring      TokenState = "expiring"
	TokenRefreshed     TokenState = "refreshed"
	TokenRefreshFailed TokenState = "refresh_failed"
)

// TokenRefresher exchanges a refresh token for a new access token.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// ErrNoRefreshToken is returned when an OAuth integration has nothing to refresh with.
var ErrNoRefreshToken = errors.New("integration has no refresh token")

// Manager is stateless between calls; the store is the source of truth.
type Manager struct {
	store     store.IntegrationRepository
	refresher TokenRefresher
	modes     []domain.CredentialMode
	buffer    time.Duration
	now       func() time.Time
	metrics   *metrics.Metrics
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithBuffer sets the pre-expiry refresh window.
func WithBuffer(d time.Duration) Option {
	return func(m *Manager) { m.buffer = d }
}

// WithModes limits listing to the given credential modes.
func WithModes(modes ...domain.CredentialMode) Option {
	return func(m *Manager) { m.modes = modes }
}

// WithMetrics records refresh outcomes.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// NewManager returns a Manager over the given store.
func NewManager(s store.IntegrationRepository, refresher TokenRefresher, opts ...Option) *Manager {
	m := &Manager{
		store:     s,
		refresher: refresher,
		modes:     []domain.CredentialMode{domain.ModeOAuth, domain.ModeManual},
		buffer:    DefaultBuffer,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ListActiveIntegrations returns the active integrations for the configured
// modes. Inactive rows are dropped even if the store returns them.
func (m *Manager) ListActiveIntegrations(ctx context.Context) ([]domain.Integration, error) {
	filter := domain.IntegrationFilter{Modes: m.modes}
	all, err := m.store.ListActiveIntegrations(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("ListActiveIntegrations: querying store: %w", err)
	}

	active := make([]domain.Integration, 0, len(all))
	for _, in := range all {
		if in.Active && filter.Allows(in.Mode) {
			active = append(active, in)
		}
	}
	return active, nil
}

// TokenState reports whether in's token needs refreshing. Manual
// integrations and tokens outside the buffer are valid; a missing expiry
// counts as expiring.
func (m *Manager) TokenState(in *domain.Integration) TokenState {
	if in.Mode != domain.ModeOAuth {
		return TokenValid
	}
	if in.TokenExpiry.IsZero() {
		return TokenExpiring
	}
	if !m.now().Before(in.TokenExpiry.Add(-m.buffer)) {
		return TokenExpiring
	}
	return TokenValid
}

// RefreshIfNeeded makes sure in holds a usable access token. It returns false
// when a needed refresh failed; in is then left untouched. There is no retry.
func (m *Manager) RefreshIfNeeded(ctx context.Context, in *domain.Integration) bool {
	if m.TokenState(in) == TokenValid {
		return true
	}

	log := logger.FromContext(ctx).With().
		Str("integration_id", in.ID).
		Str("user_id", in.UserID).
		Logger()

	token, err := m.refresh(ctx, in)
	if err != nil {
		m.metrics.TokenRefresh(false)
		log.Warn().Err(err).Str("token_state", string(TokenRefreshFailed)).Msg("Token refresh failed")
		return false
	}

	if err := m.store.UpdateIntegrationToken(ctx, in.ID, token.AccessToken, token.Expiry); err != nil {
		m.metrics.TokenRefresh(false)
		log.Warn().Err(err).Str("token_state", string(TokenRefreshFailed)).Msg("Failed to store refreshed token")
		return false
	}

	in.AccessToken = token.AccessToken
	in.TokenExpiry = token.Expiry
	m.metrics.TokenRefresh(true)
	log.Info().
		Str("token_state", string(TokenRefreshed)).
		Time("expires_at", token.Expiry).
		Msg("Access token refreshed")
	return true
}

func (m *Manager) refresh(ctx context.Context, in *domain.Integration) (*oauth2.Token, error) {
	if in.RefreshToken == "" {
		return nil, ErrNoRefreshToken
	}
	if m.refresher == nil {
		return nil, errors.New("no token refresher configured")
	}
	token, err := m.refresher.Refresh(ctx, in.RefreshToken)
	if err != nil {
		return nil, err
	}
	if token.AccessToken == "" {
		return nil, errors.New("token endpoint returned no access token")
	}
	if token.Expiry.IsZero() {
		token.Expiry = m.now().Add(DefaultTokenLifetime)
	}
	return token, nil
}

// MarkSynced records a clean sync. Failures are logged, not returned.
func (m *Manager) MarkSynced(ctx context.Context, integrationID string) {
	if err := m.store.MarkIntegrationSynced(ctx, integrationID, m.now().UTC()); err != nil {
		log := logger.FromContext(ctx)
		log.Error().
			Err(err).
			Str("integration_id", integrationID).
			Msg("MarkSynced: failed to record last sync")
	}
}
