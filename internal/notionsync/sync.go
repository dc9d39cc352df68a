// Package notionsync mirrors stored pay transactions into a Notion database.
package notionsync

import (
	"context"
	"fmt"
	"time"

	"github.com/jomei/notionapi"

	"github.com/dvloznov/mailtx/internal/logger"
	"github.com/dvloznov/mailtx/internal/store"
)

// PageSize is the Notion query page size.
const PageSize = 100

// Options control one mirror pass.
type Options struct {
	DryRun bool
	// Prune archives mirrored pages inside the filter's date range whose
	// transaction is no longer stored.
	Prune bool
}

// Result counts what a mirror pass did (or would do, in a dry run).
type Result struct {
	Total    int `json:"total"`
	Created  int `json:"created"`
	Updated  int `json:"updated"`
	Archived int `json:"archived"`
	Failed   int `json:"failed"`
}

// SyncTransactions mirrors the transactions admitted by filter into the
// Notion database. Pages are matched on the transaction key, so repeated
// passes update rather than duplicate. Per-page failures are logged and
// counted; only read failures abort the pass.
func SyncTransactions(ctx context.Context, reader store.TransactionReader, notion NotionService, databaseID string, filter store.TransactionFilter, opts Options) (*Result, error) {
	log := logger.FromContext(ctx)
	log.Info().
		Time("start_date", filter.Start).
		Time("end_date", filter.End).
		Bool("dry_run", opts.DryRun).
		Msg("Starting transaction sync to Notion")

	txs, err := reader.ListTransactions(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("SyncTransactions: listing transactions: %w", err)
	}

	pages, err := queryAllPages(ctx, notion, databaseID)
	if err != nil {
		return nil, fmt.Errorf("SyncTransactions: %w", err)
	}
	existing := make(map[string]string, len(pages))
	for _, page := range pages {
		if key := pageKey(page); key != "" {
			existing[key] = string(page.ID)
		}
	}
	log.Info().
		Int("transaction_count", len(txs)).
		Int("notion_page_count", len(pages)).
		Msg("Loaded transactions and Notion pages")

	res := &Result{Total: len(txs)}
	stored := make(map[string]bool, len(txs))

	for _, tx := range txs {
		key := Key(tx)
		stored[key] = true
		pageID, found := existing[key]
		txLog := log.With().Str("transaction_number", tx.TransactionNumber).Str("payment_provider", tx.Provider).Logger()

		if opts.DryRun {
			if found {
				res.Updated++
			} else {
				res.Created++
			}
			continue
		}

		props := TransactionProperties(tx)
		if found {
			if _, err := notion.UpdatePage(ctx, pageID, props); err != nil {
				txLog.Warn().Err(err).Str("page_id", pageID).Msg("Failed to update Notion page")
				res.Failed++
				continue
			}
			res.Updated++
			continue
		}

		page, err := notion.CreatePage(ctx, databaseID, props)
		if err != nil {
			txLog.Warn().Err(err).Msg("Failed to create Notion page")
			res.Failed++
			continue
		}
		existing[key] = string(page.ID)
		res.Created++
	}

	if opts.Prune {
		for _, page := range pages {
			key := pageKey(page)
			if key == "" || stored[key] || !inRange(page, filter) {
				continue
			}
			if opts.DryRun {
				res.Archived++
				continue
			}
			if err := notion.ArchivePage(ctx, string(page.ID)); err != nil {
				log.Warn().Err(err).Str("page_id", string(page.ID)).Msg("Failed to archive stale Notion page")
				res.Failed++
				continue
			}
			res.Archived++
		}
	}

	log.Info().
		Int("created", res.Created).
		Int("updated", res.Updated).
		Int("archived", res.Archived).
		Int("failed", res.Failed).
		Int("total", res.Total).
		Msg("Transaction sync to Notion finished")
	return res, nil
}

// inRange reports whether a page falls inside the filter's date range.
// Undated pages only match an unbounded range.
func inRange(page notionapi.Page, filter store.TransactionFilter) bool {
	if filter.Start.IsZero() && filter.End.IsZero() {
		return true
	}
	d, ok := pageDate(page)
	if !ok {
		return false
	}
	return within(d, filter.Start, filter.End)
}

func within(t, start, end time.Time) bool {
	if !start.IsZero() && t.Before(start) {
		return false
	}
	if !end.IsZero() && t.After(end) {
		return false
	}
	return true
}

// queryAllPages follows the query cursor until the database is exhausted.
func queryAllPages(ctx context.Context, notion NotionService, databaseID string) ([]notionapi.Page, error) {
	var all []notionapi.Page
	var cursor notionapi.Cursor

	for {
		req := &notionapi.DatabaseQueryRequest{PageSize: PageSize}
		if cursor != "" {
			req.StartCursor = cursor
		}

		resp, err := notion.QueryDatabase(ctx, databaseID, req)
		if err != nil {
			return nil, fmt.Errorf("queryAllPages: %w", err)
		}
		all = append(all, resp.Results...)

		if !resp.HasMore || resp.NextCursor == "" {
			break
		}
		cursor = resp.NextCursor
	}
	return all, nil
}
