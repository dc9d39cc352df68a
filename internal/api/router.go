// Package api exposes the sync queue, run ledger and stored transactions
// over HTTP.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/dvloznov/mailtx/internal/api/handlers"
	"github.com/dvloznov/mailtx/internal/api/middleware"
	"github.com/dvloznov/mailtx/internal/jobs"
	"github.com/dvloznov/mailtx/internal/retriever"
	"github.com/dvloznov/mailtx/internal/store"
)

// Deps are what the routes serve. A nil Runs, Transactions or
// Integrations leaves the matching routes unmounted; a nil Gatherer
// leaves /metrics unmounted.
type Deps struct {
	Publisher    jobs.Publisher
	Jobs         jobs.JobStore
	Runs         store.SyncRunRepository
	Transactions store.TransactionReader
	Integrations handlers.IntegrationLister
	DefaultQuery retriever.Query
	Gatherer     prometheus.Gatherer
}

// NewRouter builds the HTTP handler.
func NewRouter(deps Deps, log zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recovery(log))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(log))
	r.Use(middleware.CORS)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		syncHandler := handlers.NewSyncHandler(deps.Publisher, deps.DefaultQuery, log)
		r.Post("/sync", syncHandler.StartSync)

		jobsHandler := handlers.NewJobsHandler(deps.Jobs, log)
		r.Get("/jobs", jobsHandler.ListJobs)
		r.Get("/jobs/{id}", jobsHandler.GetJob)

		r.Post("/parse", handlers.NewParseHandler(log).ParseMessage)

		if deps.Runs != nil {
			r.Get("/runs", handlers.NewRunsHandler(deps.Runs, log).ListRuns)
		}
		if deps.Transactions != nil {
			r.Get("/transactions", handlers.NewTransactionsHandler(deps.Transactions, log).ListTransactions)
		}
		if deps.Integrations != nil {
			r.Get("/integrations", handlers.NewIntegrationsHandler(deps.Integrations, log).ListIntegrations)
		}
	})

	return r
}
