package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/dvloznov/mailtx/internal/api/middleware"
	"github.com/dvloznov/mailtx/internal/credentials"
	"github.com/dvloznov/mailtx/internal/domain"
	"github.com/dvloznov/mailtx/internal/jobs"
	"github.com/dvloznov/mailtx/internal/normalizer"
	"github.com/dvloznov/mailtx/internal/pipeline"
	"github.com/dvloznov/mailtx/internal/retriever"
	"github.com/dvloznov/mailtx/internal/store"
)

const dateLayout = "2006-01-02"

// MaxMessageBytes bounds the body of POST /api/parse.
const MaxMessageBytes = 10 << 20

// parseDate reads a YYYY-MM-DD query or body value. Empty means unset.
func parseDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func queryInt(r *http.Request, name string) int {
	if s := r.URL.Query().Get(name); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return 0
}

// SyncHandler enqueues sync runs.
type SyncHandler struct {
	publisher jobs.Publisher
	defaults  retriever.Query
	log       zerolog.Logger
}

// NewSyncHandler creates a sync handler. Requests that leave the sender
// or window unset fall back to defaults.
func NewSyncHandler(publisher jobs.Publisher, defaults retriever.Query, log zerolog.Logger) *SyncHandler {
	return &SyncHandler{
		publisher: publisher,
		defaults:  defaults,
		log:       log,
	}
}

type syncRequest struct {
	Sender    string `json:"sender"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
	Limit     int    `json:"limit"`
}

// job builds the SyncJob a request describes.
func (h *SyncHandler) job(req syncRequest) (*jobs.SyncJob, error) {
	start, err := parseDate(req.StartDate)
	if err != nil {
		return nil, errors.New("invalid start_date format")
	}
	end, err := parseDate(req.EndDate)
	if err != nil {
		return nil, errors.New("invalid end_date format")
	}
	if req.Limit < 0 {
		return nil, errors.New("limit must not be negative")
	}

	job := &jobs.SyncJob{
		Trigger: pipeline.TriggerAPI,
		Sender:  strings.TrimSpace(req.Sender),
		Start:   start,
		End:     end,
		Limit:   req.Limit,
	}
	if job.Sender == "" {
		job.Sender = h.defaults.Sender
	}
	if start == nil && end == nil && req.Limit == 0 {
		if !h.defaults.Start.IsZero() {
			s := h.defaults.Start
			job.Start = &s
		}
		if !h.defaults.End.IsZero() {
			e := h.defaults.End
			job.End = &e
		}
		job.Limit = h.defaults.Limit
	}
	if err := job.Query().Validate(); err != nil {
		return nil, err
	}
	return job, nil
}

// StartSync handles POST /api/sync
func (h *SyncHandler) StartSync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	job, err := h.job(req)
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.publisher.PublishSync(r.Context(), job); err != nil {
		h.log.Error().Err(err).Msg("Failed to enqueue sync job")
		middleware.WriteError(w, http.StatusServiceUnavailable, "Failed to enqueue sync job")
		return
	}

	h.log.Info().Str("job_id", job.JobID).Str("query", job.Query().String()).Msg("Sync job enqueued")

	middleware.WriteJSON(w, http.StatusAccepted, map[string]string{
		"job_id": job.JobID,
		"query":  job.Query().String(),
		"status": string(job.Status),
	})
}

// JobsHandler handles job-related endpoints.
type JobsHandler struct {
	store jobs.JobStore
	log   zerolog.Logger
}

// NewJobsHandler creates a new jobs handler.
func NewJobsHandler(store jobs.JobStore, log zerolog.Logger) *JobsHandler {
	return &JobsHandler{
		store: store,
		log:   log,
	}
}

// GetJob handles GET /api/jobs/{id}
func (h *JobsHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")

	job, err := h.store.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, jobs.ErrJobNotFound) {
			middleware.WriteError(w, http.StatusNotFound, "Job not found")
			return
		}
		h.log.Error().Err(err).Str("job_id", jobID).Msg("Failed to get job")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to get job")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, job)
}

// ListJobs handles GET /api/jobs
func (h *JobsHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := jobs.JobFilter{
		Trigger: query.Get("trigger"),
		Status:  jobs.JobStatus(query.Get("status")),
		Limit:   queryInt(r, "limit"),
		Offset:  queryInt(r, "offset"),
	}

	jobsList, err := h.store.ListJobs(r.Context(), filter)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list jobs")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobsList,
		"count": len(jobsList),
	})
}

// RunsHandler serves the sync run ledger.
type RunsHandler struct {
	runs store.SyncRunRepository
	log  zerolog.Logger
}

// NewRunsHandler creates a runs handler.
func NewRunsHandler(runs store.SyncRunRepository, log zerolog.Logger) *RunsHandler {
	return &RunsHandler{runs: runs, log: log}
}

// DefaultRunsLimit applies when GET /api/runs has no limit.
const DefaultRunsLimit = 20

// ListRuns handles GET /api/runs
func (h *RunsHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit")
	if limit <= 0 {
		limit = DefaultRunsLimit
	}

	runs, err := h.runs.ListSyncRuns(r.Context(), limit)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list sync runs")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to list sync runs")
		return
	}
	if runs == nil {
		runs = []store.SyncRun{}
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

// TransactionsHandler handles transaction-related endpoints.
type TransactionsHandler struct {
	reader store.TransactionReader
	log    zerolog.Logger
}

// NewTransactionsHandler creates a new transactions handler.
func NewTransactionsHandler(reader store.TransactionReader, log zerolog.Logger) *TransactionsHandler {
	return &TransactionsHandler{
		reader: reader,
		log:    log,
	}
}

// ListTransactions handles GET /api/transactions
func (h *TransactionsHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	start, err := parseDate(query.Get("start_date"))
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid start_date format")
		return
	}
	end, err := parseDate(query.Get("end_date"))
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid end_date format")
		return
	}

	filter := store.TransactionFilter{
		UserID: query.Get("user_id"),
		Limit:  queryInt(r, "limit"),
	}
	if start != nil {
		filter.Start = *start
	}
	if end != nil {
		// end_date is inclusive of the whole day
		filter.End = retriever.DayAfter(*end).Add(-time.Nanosecond)
	}

	transactions, err := h.reader.ListTransactions(r.Context(), filter)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to query transactions")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to query transactions")
		return
	}

	// Return array directly for frontend compatibility
	if transactions == nil {
		transactions = []domain.Transaction{}
	}
	middleware.WriteJSON(w, http.StatusOK, transactions)
}

// IntegrationLister lists active integrations and their token state.
// *credentials.Manager satisfies it.
type IntegrationLister interface {
	ListActiveIntegrations(ctx context.Context) ([]domain.Integration, error)
	TokenState(in *domain.Integration) credentials.TokenState
}

// IntegrationsHandler reports connected mailboxes. Secrets never leave
// the server: domain.Integration does not serialize them.
type IntegrationsHandler struct {
	lister IntegrationLister
	log    zerolog.Logger
}

// NewIntegrationsHandler creates an integrations handler.
func NewIntegrationsHandler(lister IntegrationLister, log zerolog.Logger) *IntegrationsHandler {
	return &IntegrationsHandler{lister: lister, log: log}
}

type integrationView struct {
	domain.Integration
	TokenState credentials.TokenState `json:"token_state"`
}

// ListIntegrations handles GET /api/integrations
func (h *IntegrationsHandler) ListIntegrations(w http.ResponseWriter, r *http.Request) {
	list, err := h.lister.ListActiveIntegrations(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list integrations")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to list integrations")
		return
	}

	views := make([]integrationView, 0, len(list))
	for i := range list {
		views = append(views, integrationView{
			Integration: list[i],
			TokenState:  h.lister.TokenState(&list[i]),
		})
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"integrations": views,
		"count":        len(views),
	})
}

// ParseHandler runs a single uploaded message through the parser chain
// without storing anything.
type ParseHandler struct {
	log zerolog.Logger
}

// NewParseHandler creates a parse handler.
func NewParseHandler(log zerolog.Logger) *ParseHandler {
	return &ParseHandler{log: log}
}

// ParseMessage handles POST /api/parse. The body is a raw RFC 822 message.
func (h *ParseHandler) ParseMessage(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxMessageBytes))
	if err != nil {
		middleware.WriteError(w, http.StatusRequestEntityTooLarge, "Message too large")
		return
	}
	if len(raw) == 0 {
		middleware.WriteError(w, http.StatusBadRequest, "Message body is required")
		return
	}

	env := normalizer.Envelope{UserID: r.URL.Query().Get("user_id")}
	out, err := pipeline.ParseMessage(nil, raw, env)
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Unreadable message")
		return
	}

	status := http.StatusOK
	if out.Transaction == nil {
		status = http.StatusUnprocessableEntity
	}
	middleware.WriteJSON(w, status, out)
}
