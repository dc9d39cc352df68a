package bigquery

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/iterator"

	"github.com/dvloznov/mailtx/internal/domain"
	"github.com/dvloznov/mailtx/internal/store"
)

// integrationsQuery builds the active-integration listing for filter.
func integrationsQuery(ds Dataset, filter domain.IntegrationFilter) (string, []bigquery.QueryParameter) {
	sql := `
		SELECT
			integration_id,
			user_id,
			integration_type,
			oauth_provider,
			oauth_access_token,
			oauth_refresh_token,
			oauth_token_expiry,
			oauth_scopes,
			email_username,
			email_server,
			email_port,
			email_use_ssl,
			email_secret,
			is_active,
			last_sync_at
		FROM ` + ds.Table(integrationsTable) + `
		WHERE is_active = TRUE`
	var params []bigquery.QueryParameter

	if len(filter.Modes) > 0 {
		modes := make([]string, len(filter.Modes))
		for i, m := range filter.Modes {
			modes[i] = string(m)
		}
		sql += `
		  AND integration_type IN UNNEST(@modes)`
		params = append(params, bigquery.QueryParameter{Name: "modes", Value: modes})
	}
	if filter.UserID != "" {
		sql += `
		  AND user_id = @user_id`
		params = append(params, bigquery.QueryParameter{Name: "user_id", Value: filter.UserID})
	}
	sql += `
		ORDER BY integration_id`
	return sql, params
}

// ListActiveIntegrationsWithClient lists active integrations admitted by filter.
func ListActiveIntegrationsWithClient(ctx context.Context, client *bigquery.Client, ds Dataset, filter domain.IntegrationFilter) ([]domain.Integration, error) {
	sql, params := integrationsQuery(ds, filter)
	q := client.Query(sql)
	q.Parameters = params

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("ListActiveIntegrationsWithClient: reading query: %w", err)
	}

	var out []domain.Integration
	for {
		var row IntegrationRow
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ListActiveIntegrationsWithClient: iterating: %w", err)
		}
		out = append(out, row.Integration())
	}
	return out, nil
}

// UpdateIntegrationTokenWithClient writes back a refreshed access token and its expiry.
func UpdateIntegrationTokenWithClient(ctx context.Context, client *bigquery.Client, ds Dataset, integrationID, accessToken string, expiry time.Time) error {
	q := client.Query(`
		UPDATE ` + ds.Table(integrationsTable) + `
		SET oauth_access_token = @access_token,
		    oauth_token_expiry = @expiry,
		    updated_at = CURRENT_TIMESTAMP()
		WHERE integration_id = @integration_id
	`)
	q.Parameters = []bigquery.QueryParameter{
		{Name: "access_token", Value: accessToken},
		{Name: "expiry", Value: expiry},
		{Name: "integration_id", Value: integrationID},
	}

	status, err := runDML(ctx, q)
	if err != nil {
		return fmt.Errorf("UpdateIntegrationTokenWithClient: %w", err)
	}
	if n, ok := affectedRows(status); ok && n == 0 {
		return fmt.Errorf("UpdateIntegrationTokenWithClient: %s: %w", integrationID, store.ErrIntegrationNotFound)
	}
	return nil
}

// MarkIntegrationSyncedWithClient records the time of the last clean sync.
func MarkIntegrationSyncedWithClient(ctx context.Context, client *bigquery.Client, ds Dataset, integrationID string, at time.Time) error {
	q := client.Query(`
		UPDATE ` + ds.Table(integrationsTable) + `
		SET last_sync_at = @last_sync_at,
		    updated_at = CURRENT_TIMESTAMP()
		WHERE integration_id = @integration_id
	`)
	q.Parameters = []bigquery.QueryParameter{
		{Name: "last_sync_at", Value: at},
		{Name: "integration_id", Value: integrationID},
	}

	status, err := runDML(ctx, q)
	if err != nil {
		return fmt.Errorf("MarkIntegrationSyncedWithClient: %w", err)
	}
	if n, ok := affectedRows(status); ok && n == 0 {
		return fmt.Errorf("MarkIntegrationSyncedWithClient: %s: %w", integrationID, store.ErrIntegrationNotFound)
	}
	return nil
}
