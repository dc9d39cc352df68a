package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/dvloznov/mailtx/internal/app"
	"github.com/dvloznov/mailtx/internal/config"
	"github.com/dvloznov/mailtx/internal/jobs/inmemory"
	"github.com/dvloznov/mailtx/internal/logger"
	"github.com/dvloznov/mailtx/internal/pipeline"
	"github.com/dvloznov/mailtx/internal/scheduler"
)

func main() {
	fs := pflag.NewFlagSet("worker", pflag.ExitOnError)
	config.RegisterFlags(fs)
	runOnStart := fs.Bool("run-on-start", false, "Enqueue one sync immediately instead of waiting for the first tick")
	fs.Parse(os.Args[1:])

	// Bootstrap logger until the configured level is known
	log := logger.New()

	cfg, err := config.LoadFromFlags(fs)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	log = logger.NewWithLevel(cfg.Log.Level)

	// Create context that cancels on interrupt
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx = logger.WithContext(ctx, log)

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize")
	}
	defer a.Close()

	jobStore := inmemory.NewStore()
	jobQueue := inmemory.NewQueue(cfg.Worker.QueueSize, jobStore, inmemory.WithWorkers(cfg.Worker.Workers))

	sched, err := scheduler.New(cfg.Worker.Schedule, jobQueue, cfg.Query,
		scheduler.WithMaxRetries(cfg.Worker.MaxRetries),
		scheduler.WithRunOnStart(*runOnStart),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid worker schedule")
	}

	log.Info().
		Str("schedule", cfg.Worker.Schedule).
		Time("next_run", sched.Next(time.Now())).
		Int("workers", cfg.Worker.Workers).
		Msg("Starting worker service")

	if err := jobQueue.Start(ctx, pipeline.SyncJobHandler(a.PipelineDeps(false))); err != nil {
		log.Fatal().Err(err).Msg("Failed to start job consumer")
	}

	schedDone := make(chan error, 1)
	go func() { schedDone <- sched.Run(ctx) }()

	<-ctx.Done()
	log.Info().Msg("Shutting down worker service...")

	if err := <-schedDone; err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Scheduler stopped with error")
	}

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop the queue and wait for in-flight jobs
	if err := jobQueue.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error during graceful shutdown")
	}

	if err := jobQueue.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close job queue")
	}

	log.Info().Msg("Worker service exited")
}
