// Package scheduler publishes sync jobs on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/dvloznov/mailtx/internal/jobs"
	"github.com/dvloznov/mailtx/internal/logger"
	"github.com/dvloznov/mailtx/internal/retriever"
)

// Trigger recorded on scheduled jobs.
const Trigger = "schedule"

// QueryFunc builds the query for a tick at now.
type QueryFunc func(now time.Time) retriever.Query

type options struct {
	location   *time.Location
	runOnStart bool
	maxRetries int
	now        func() time.Time
}

// Option applies configuration to the scheduler.
type Option func(*options)

// WithLocation sets the scheduler timezone. Defaults to UTC.
func WithLocation(loc *time.Location) Option {
	return func(o *options) { o.location = loc }
}

// WithRunOnStart publishes one job as soon as Run starts.
func WithRunOnStart(on bool) Option {
	return func(o *options) { o.runOnStart = on }
}

// WithMaxRetries sets MaxRetries on published jobs.
func WithMaxRetries(n int) Option {
	return func(o *options) { o.maxRetries = n }
}

// WithClock replaces time.Now for query construction.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Scheduler turns cron ticks into SyncJobs on a jobs.Publisher.
type Scheduler struct {
	cron      *cron.Cron
	schedule  cron.Schedule
	spec      string
	publisher jobs.Publisher
	query     QueryFunc
	opts      options

	startOnce sync.Once
	stopOnce  sync.Once
}

// New parses spec (standard five-field syntax or a descriptor such as
// "@hourly") and returns a stopped Scheduler.
func New(spec string, pub jobs.Publisher, query QueryFunc, opts ...Option) (*Scheduler, error) {
	o := options{location: time.UTC, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("New: parsing schedule %q: %w", spec, err)
	}

	return &Scheduler{
		cron:      cron.New(cron.WithLocation(o.location), cron.WithParser(parser)),
		schedule:  schedule,
		spec:      spec,
		publisher: pub,
		query:     query,
		opts:      o,
	}, nil
}

// Next returns the first tick after t.
func (s *Scheduler) Next(t time.Time) time.Time {
	return s.schedule.Next(t.In(s.opts.location))
}

// Run schedules ticks until ctx is cancelled, then waits for a tick in
// progress to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	log := logger.Component(ctx, "scheduler")
	s.startOnce.Do(func() {
		wrapped := cron.NewChain(
			cron.Recover(cronLogger{log}),
			cron.SkipIfStillRunning(cronLogger{log}),
		).Then(cron.FuncJob(func() { s.Tick(ctx) }))
		s.cron.Schedule(s.schedule, wrapped)
		s.cron.Start()
		log.Info().Str("schedule", s.spec).Time("next", s.Next(s.opts.now())).Msg("Scheduler started")

		if s.opts.runOnStart {
			go s.Tick(ctx)
		}
	})

	<-ctx.Done()
	s.stop()
	log.Info().Msg("Scheduler stopped")
	return nil
}

func (s *Scheduler) stop() {
	s.stopOnce.Do(func() {
		<-s.cron.Stop().Done()
	})
}

// Tick publishes one sync job. Publish failures are logged.
func (s *Scheduler) Tick(ctx context.Context) {
	log := logger.Component(ctx, "scheduler")
	q := s.query(s.opts.now())

	job := &jobs.SyncJob{
		Trigger:    Trigger,
		Sender:     q.Sender,
		Limit:      q.Limit,
		MaxRetries: s.opts.maxRetries,
	}
	if !q.Start.IsZero() {
		start := q.Start
		job.Start = &start
	}
	if !q.End.IsZero() {
		end := q.End
		job.End = &end
	}

	if err := s.publisher.PublishSync(ctx, job); err != nil {
		log.Error().Err(err).Msg("Failed to publish scheduled sync")
		return
	}
	log.Info().Str("job_id", job.JobID).Msg("Scheduled sync published")
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
