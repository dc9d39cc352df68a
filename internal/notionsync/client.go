package notionsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jomei/notionapi"
)

// Default client settings. Notion answers 429 above roughly three requests
// per second, which notionapi retries with backoff.
const (
	DefaultRetries = 3
	DefaultTimeout = 30 * time.Second
)

// NotionClient implements NotionService over jomei/notionapi.
type NotionClient struct {
	client *notionapi.Client
}

type clientConfig struct {
	retries    int
	httpClient *http.Client
}

// ClientOption configures NewNotionClient.
type ClientOption func(*clientConfig)

// WithRetries sets how many times a rate-limited request is retried.
func WithRetries(n int) ClientOption {
	return func(c *clientConfig) { c.retries = n }
}

// WithHTTPClient replaces the HTTP client, e.g. to point at a test server.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *clientConfig) { c.httpClient = hc }
}

// NewNotionClient creates a NotionClient authenticated with an integration token.
func NewNotionClient(token string, opts ...ClientOption) *NotionClient {
	cfg := clientConfig{
		retries:    DefaultRetries,
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &NotionClient{
		client: notionapi.NewClient(notionapi.Token(token),
			notionapi.WithRetry(cfg.retries),
			notionapi.WithHTTPClient(cfg.httpClient),
		),
	}
}

// CreatePage adds one transaction page to the mirror database.
func (n *NotionClient) CreatePage(ctx context.Context, databaseID string, properties notionapi.Properties) (*notionapi.Page, error) {
	page, err := n.client.Page.Create(ctx, &notionapi.PageCreateRequest{
		Parent: notionapi.Parent{
			Type:       notionapi.ParentTypeDatabaseID,
			DatabaseID: notionapi.DatabaseID(databaseID),
		},
		Properties: properties,
	})
	if err != nil {
		return nil, fmt.Errorf("CreatePage: database %s: %w", databaseID, describe(err))
	}
	return page, nil
}

// UpdatePage overwrites the mirrored properties of an existing page.
func (n *NotionClient) UpdatePage(ctx context.Context, pageID string, properties notionapi.Properties) (*notionapi.Page, error) {
	page, err := n.client.Page.Update(ctx, notionapi.PageID(pageID), &notionapi.PageUpdateRequest{
		Properties: properties,
	})
	if err != nil {
		return nil, fmt.Errorf("UpdatePage: page %s: %w", pageID, describe(err))
	}
	return page, nil
}

// QueryDatabase runs one page of a database query.
func (n *NotionClient) QueryDatabase(ctx context.Context, databaseID string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error) {
	resp, err := n.client.Database.Query(ctx, notionapi.DatabaseID(databaseID), req)
	if err != nil {
		return nil, fmt.Errorf("QueryDatabase: database %s: %w", databaseID, describe(err))
	}
	return resp, nil
}

// ArchivePage moves a page whose transaction is gone to the trash.
func (n *NotionClient) ArchivePage(ctx context.Context, pageID string) error {
	_, err := n.client.Page.Update(ctx, notionapi.PageID(pageID), &notionapi.PageUpdateRequest{
		Archived: true,
	})
	if err != nil {
		return fmt.Errorf("ArchivePage: page %s: %w", pageID, describe(err))
	}
	return nil
}

// describe adds the Notion error code, which is what tells a missing
// database share apart from a bad property schema.
func describe(err error) error {
	var apiErr *notionapi.Error
	if errors.As(err, &apiErr) {
		return fmt.Errorf("notion %d %s: %w", apiErr.Status, apiErr.Code, err)
	}
	return err
}

var _ NotionService = (*NotionClient)(nil)
