package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/dvloznov/mailtx/internal/domain"
	"github.com/dvloznov/mailtx/internal/store"
)

const integrationColumns = `
	integration_id, user_id, integration_type, oauth_provider,
	oauth_access_token, oauth_refresh_token, oauth_token_expiry, oauth_scopes,
	email_username, email_server, email_port, email_use_ssl, email_secret,
	is_active, last_sync_at`

// ListActiveIntegrations returns active integrations admitted by filter,
// ordered by id.
func (d *DB) ListActiveIntegrations(ctx context.Context, filter domain.IntegrationFilter) ([]domain.Integration, error) {
	query := `SELECT ` + integrationColumns + ` FROM user_integrations WHERE is_active = 1`
	var args []any

	if len(filter.Modes) > 0 {
		marks := make([]string, len(filter.Modes))
		for i, m := range filter.Modes {
			marks[i] = "?"
			args = append(args, string(m))
		}
		query += ` AND integration_type IN (` + strings.Join(marks, ", ") + `)`
	}
	if filter.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	query += ` ORDER BY integration_id`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ListActiveIntegrations: querying: %w", err)
	}
	defer rows.Close()

	var out []domain.Integration
	for rows.Next() {
		in, err := scanIntegration(rows)
		if err != nil {
			return nil, fmt.Errorf("ListActiveIntegrations: %w", err)
		}
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListActiveIntegrations: iterating: %w", err)
	}
	return out, nil
}

func scanIntegration(rows *sql.Rows) (domain.Integration, error) {
	var (
		in           domain.Integration
		mode, scopes string
		expiry, last sql.NullString
		useSSL, act  int
	)
	err := rows.Scan(
		&in.ID, &in.UserID, &mode, &in.OAuthProvider,
		&in.AccessToken, &in.RefreshToken, &expiry, &scopes,
		&in.Username, &in.Server, &in.Port, &useSSL, &in.Secret,
		&act, &last,
	)
	if err != nil {
		return in, fmt.Errorf("scanning integration: %w", err)
	}

	in.Mode = domain.CredentialMode(mode)
	in.UseSSL = useSSL != 0
	in.Active = act != 0
	if scopes != "" {
		in.Scopes = strings.Split(scopes, ",")
	}
	exp, err := parseNullTime(expiry)
	if err != nil {
		return in, err
	}
	if exp != nil {
		in.TokenExpiry = *exp
	}
	if in.LastSyncAt, err = parseNullTime(last); err != nil {
		return in, err
	}
	return in, nil
}

// UpdateIntegrationToken writes back a refreshed access token and its expiry.
func (d *DB) UpdateIntegrationToken(ctx context.Context, integrationID, accessToken string, expiry time.Time) error {
	res, err := d.db.ExecContext(ctx, `
		UPDATE user_integrations
		SET oauth_access_token = ?, oauth_token_expiry = ?, updated_at = ?
		WHERE integration_id = ?
	`, accessToken, nullTime(&expiry), formatTime(d.now()), integrationID)
	if err != nil {
		return fmt.Errorf("UpdateIntegrationToken: %w", err)
	}
	return requireAffected(res, "UpdateIntegrationToken", integrationID)
}

// MarkIntegrationSynced records the time of the last clean sync.
func (d *DB) MarkIntegrationSynced(ctx context.Context, integrationID string, at time.Time) error {
	res, err := d.db.ExecContext(ctx, `
		UPDATE user_integrations
		SET last_sync_at = ?, updated_at = ?
		WHERE integration_id = ?
	`, formatTime(at), formatTime(d.now()), integrationID)
	if err != nil {
		return fmt.Errorf("MarkIntegrationSynced: %w", err)
	}
	return requireAffected(res, "MarkIntegrationSynced", integrationID)
}

// SaveIntegration inserts in, or replaces the stored integration with the same id.
func (d *DB) SaveIntegration(ctx context.Context, in domain.Integration) error {
	var expiry *time.Time
	if !in.TokenExpiry.IsZero() {
		expiry = &in.TokenExpiry
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO user_integrations (`+integrationColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(integration_id) DO UPDATE SET
			user_id = excluded.user_id,
			integration_type = excluded.integration_type,
			oauth_provider = excluded.oauth_provider,
			oauth_access_token = excluded.oauth_access_token,
			oauth_refresh_token = excluded.oauth_refresh_token,
			oauth_token_expiry = excluded.oauth_token_expiry,
			oauth_scopes = excluded.oauth_scopes,
			email_username = excluded.email_username,
			email_server = excluded.email_server,
			email_port = excluded.email_port,
			email_use_ssl = excluded.email_use_ssl,
			email_secret = excluded.email_secret,
			is_active = excluded.is_active,
			last_sync_at = excluded.last_sync_at,
			updated_at = excluded.updated_at
	`,
		in.ID, in.UserID, string(in.Mode), in.OAuthProvider,
		in.AccessToken, in.RefreshToken, nullTime(expiry), strings.Join(in.Scopes, ","),
		in.Username, in.Server, in.Port, boolInt(in.UseSSL), in.Secret,
		boolInt(in.Active), nullTime(in.LastSyncAt), formatTime(d.now()),
	)
	if err != nil {
		return fmt.Errorf("SaveIntegration: %w", err)
	}
	return nil
}

func requireAffected(res sql.Result, op, integrationID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: reading affected rows: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %s: %w", op, integrationID, store.ErrIntegrationNotFound)
	}
	return nil
}
