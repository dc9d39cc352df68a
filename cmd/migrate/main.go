package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/dvloznov/mailtx/internal/app"
	"github.com/dvloznov/mailtx/internal/config"
	"github.com/dvloznov/mailtx/internal/logger"
	"github.com/dvloznov/mailtx/internal/migrations"
)

func main() {
	fs := pflag.NewFlagSet("migrate", pflag.ExitOnError)
	config.RegisterFlags(fs)
	fs.String("bigquery.project_id", "", "GCP project ID (bigquery backend)")
	fs.String("bigquery.dataset_id", "mailtx", "BigQuery dataset ID")
	appliedBy := fs.String("applied-by", "migrate-cli", "Name of the tool applying migrations")
	status := fs.Bool("status", false, "Only report applied and pending migrations")
	fs.Parse(os.Args[1:])

	log := logger.New()

	cfg, err := config.LoadFromFlags(fs)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	log = logger.NewWithLevel(cfg.Log.Level)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	ctx = logger.WithContext(ctx, log)

	all, err := embedded(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read migrations")
	}

	// SQLite databases migrate themselves on open
	backend, err := app.OpenStore(ctx, cfg, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
	}
	defer backend.Close()

	log.Info().
		Str("backend", cfg.Store.Backend).
		Int("migrations", len(all)).
		Msg("Connected to store")

	if err := run(ctx, backend, all, *appliedBy, *status, os.Stdout); err != nil {
		log.Fatal().Err(err).Msg("Migration failed")
	}
}

// embedded returns the migration set for the configured backend.
func embedded(cfg *config.Config) ([]migrations.Migration, error) {
	if cfg.Store.Backend == config.BackendBigQuery {
		return migrations.BigQuery(cfg.BigQuery.ProjectID, cfg.BigQuery.DatasetID)
	}
	return migrations.SQLite()
}

// run applies pending migrations to t, or only reports them when statusOnly
// is set, and prints the resulting state to w.
func run(ctx context.Context, t migrations.Target, all []migrations.Migration, appliedBy string, statusOnly bool, w io.Writer) error {
	if !statusOnly {
		n, err := migrations.Apply(ctx, t, all, appliedBy)
		if err != nil {
			return err
		}
		if n == 0 {
			fmt.Fprintln(w, "No new migrations to apply. Database is up to date.")
		} else {
			fmt.Fprintf(w, "Successfully applied %d migration(s)\n", n)
		}
	}

	if err := t.EnsureMigrationsTable(ctx); err != nil {
		return fmt.Errorf("run: %w", err)
	}
	applied, err := t.AppliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}
	pending, err := migrations.Pending(all, applied)
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tNAME\tSTATE\tAPPLIED AT")
	for _, a := range applied {
		fmt.Fprintf(tw, "%04d\t%s\tapplied\t%s\n", a.Version, a.Name, a.AppliedAt.Format(time.RFC3339))
	}
	for _, m := range pending {
		fmt.Fprintf(tw, "%04d\t%s\tpending\t-\n", m.Version, m.Name)
	}
	return tw.Flush()
}
