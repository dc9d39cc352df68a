package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/dvloznov/mailtx/internal/app"
	"github.com/dvloznov/mailtx/internal/config"
	"github.com/dvloznov/mailtx/internal/logger"
	"github.com/dvloznov/mailtx/internal/notionsync"
	"github.com/dvloznov/mailtx/internal/retriever"
	"github.com/dvloznov/mailtx/internal/store"
)

func main() {
	// Parse CLI flags
	fs := pflag.NewFlagSet("sync-notion", pflag.ExitOnError)
	config.RegisterFlags(fs)
	fs.String("notion.token", "", "Notion API token (or MAILTX_NOTION_TOKEN)")
	fs.String("notion.database_id", "", "Notion database ID (or MAILTX_NOTION_DATABASE_ID)")
	startDateStr := fs.String("start-date", "", "Start date in YYYY-MM-DD format (required)")
	endDateStr := fs.String("end-date", "", "End date in YYYY-MM-DD format (required)")
	userID := fs.String("user-id", "", "Only mirror this user's transactions")
	dryRun := fs.Bool("dry-run", false, "Dry run mode - preview changes without syncing")
	prune := fs.Bool("prune", false, "Archive mirrored pages in the range whose transaction is gone")
	retries := fs.Int("retries", notionsync.DefaultRetries, "Retries for rate-limited Notion requests")
	fs.Parse(os.Args[1:])

	log := logger.New()

	cfg, err := config.LoadFromFlags(fs)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	log = logger.NewWithLevel(cfg.Log.Level)

	// Validate required flags
	if *startDateStr == "" || *endDateStr == "" {
		log.Fatal().Msg("Error: --start-date and --end-date are required")
	}
	if cfg.Notion.Token == "" || cfg.Notion.DatabaseID == "" {
		log.Fatal().Msg("Error: --notion.token and --notion.database_id are required")
	}

	// Parse dates
	startDate, err := time.Parse(time.DateOnly, *startDateStr)
	if err != nil {
		log.Fatal().Err(err).Str("start_date", *startDateStr).Msg("Error: invalid start-date format, expected YYYY-MM-DD")
	}
	endDate, err := time.Parse(time.DateOnly, *endDateStr)
	if err != nil {
		log.Fatal().Err(err).Str("end_date", *endDateStr).Msg("Error: invalid end-date format, expected YYYY-MM-DD")
	}
	if endDate.Before(startDate) {
		log.Fatal().
			Time("start_date", startDate).
			Time("end_date", endDate).
			Msg("Error: end-date must not be before start-date")
	}

	// Create context with timeout so CLI doesn't hang
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	ctx = logger.WithContext(ctx, log)

	backend, err := app.OpenStore(ctx, cfg, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
	}
	defer backend.Close()

	filter := store.TransactionFilter{
		UserID: *userID,
		Start:  startDate,
		End:    retriever.DayAfter(endDate).Add(-time.Nanosecond),
	}
	opts := notionsync.Options{DryRun: *dryRun, Prune: *prune}

	client := notionsync.NewNotionClient(cfg.Notion.Token, notionsync.WithRetries(*retries))

	res, err := notionsync.SyncTransactions(ctx, backend, client, cfg.Notion.DatabaseID, filter, opts)
	if err != nil {
		log.Fatal().Err(err).Msg("Sync failed")
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(res)
}
