// Package app assembles the stores, credential manager, retrievers and
// orchestrator that every binary shares.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/dvloznov/mailtx/internal/archive"
	"github.com/dvloznov/mailtx/internal/config"
	"github.com/dvloznov/mailtx/internal/credentials"
	infraBQ "github.com/dvloznov/mailtx/internal/infra/bigquery"
	"github.com/dvloznov/mailtx/internal/infra/sqlite"
	"github.com/dvloznov/mailtx/internal/metrics"
	"github.com/dvloznov/mailtx/internal/migrations"
	"github.com/dvloznov/mailtx/internal/orchestrator"
	"github.com/dvloznov/mailtx/internal/parser"
	"github.com/dvloznov/mailtx/internal/pipeline"
	"github.com/dvloznov/mailtx/internal/retriever/factory"
	"github.com/dvloznov/mailtx/internal/sink"
	"github.com/dvloznov/mailtx/internal/store"
)

// Backend is everything a configured store provides.
type Backend interface {
	store.IntegrationRepository
	store.SyncRunRepository
	store.TransactionReader
	sink.Sink
	migrations.Target
	Close() error
}

// OpenStore opens the backend cfg selects. SQLite databases are migrated
// on open; BigQuery datasets are migrated by cmd/migrate.
func OpenStore(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (Backend, error) {
	switch cfg.Store.Backend {
	case config.BackendSQLite:
		db, err := sqlite.Open(ctx, cfg.Store.SQLitePath, sqlite.WithMetrics(m))
		if err != nil {
			return nil, fmt.Errorf("OpenStore: %w", err)
		}
		return db, nil
	case config.BackendBigQuery:
		ds := infraBQ.Dataset{ProjectID: cfg.BigQuery.ProjectID, DatasetID: cfg.BigQuery.DatasetID}
		repo, err := infraBQ.NewRepository(ctx, ds, m)
		if err != nil {
			return nil, fmt.Errorf("OpenStore: %w", err)
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("OpenStore: unknown backend %q", cfg.Store.Backend)
	}
}

// App is the wired runtime graph.
type App struct {
	Config       *config.Config
	Registry     *prometheus.Registry
	Metrics      *metrics.Metrics
	Store        Backend
	Archive      archive.Store
	Credentials  *credentials.Manager
	Chain        *parser.Chain
	Orchestrator *orchestrator.Orchestrator

	gcs *archive.GCS
}

// New wires an App from cfg. Close releases what it opened.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	backend, err := OpenStore(ctx, cfg, m)
	if err != nil {
		return nil, fmt.Errorf("New: %w", err)
	}

	a := &App{
		Config:   cfg,
		Registry: reg,
		Metrics:  m,
		Store:    backend,
	}

	if cfg.ArchiveEnabled() {
		gcs, err := archive.NewGCS(ctx, cfg.Archive.Bucket)
		if err != nil {
			backend.Close()
			return nil, fmt.Errorf("New: %w", err)
		}
		a.gcs = gcs
		a.Archive = gcs
	}

	refresher := credentials.NewOAuthRefresher(cfg.OAuth.ClientID, cfg.OAuth.ClientSecret, cfg.OAuth.TokenURL, nil)
	a.Credentials = credentials.NewManager(backend, refresher,
		credentials.WithBuffer(cfg.Sync.TokenBuffer),
		credentials.WithModes(cfg.CredentialModes()...),
		credentials.WithMetrics(m),
	)

	a.Chain = parser.DefaultChain(parser.WithKeywordThreshold(cfg.Parser.KeywordThreshold))
	opener := &factory.Factory{
		Mailbox:     cfg.IMAP.Mailbox,
		DialTimeout: cfg.IMAP.DialTimeout,
	}
	a.Orchestrator = orchestrator.New(a.Credentials, opener, a.Chain,
		orchestrator.WithMaxParallel(cfg.Sync.MaxParallel),
		orchestrator.WithExcerptLimit(cfg.Parser.ExcerptLimit),
		orchestrator.WithMetrics(m),
	)
	return a, nil
}

// PipelineDeps returns the sync collaborators. A dry run leaves out the sink.
func (a *App) PipelineDeps(dryRun bool) pipeline.Deps {
	deps := pipeline.Deps{
		Extractor:     a.Orchestrator,
		Runs:          a.Store,
		Archive:       a.Archive,
		ArchivePrefix: a.Config.Archive.Prefix,
	}
	if !dryRun {
		deps.Sink = a.Store
	}
	return deps
}

// Close releases the store and the archive client.
func (a *App) Close() error {
	var errs []error
	if a.gcs != nil {
		errs = append(errs, a.gcs.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}
