package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/dvloznov/mailtx/internal/api"
	"github.com/dvloznov/mailtx/internal/app"
	"github.com/dvloznov/mailtx/internal/config"
	"github.com/dvloznov/mailtx/internal/jobs/inmemory"
	"github.com/dvloznov/mailtx/internal/logger"
	"github.com/dvloznov/mailtx/internal/pipeline"
)

func main() {
	fs := pflag.NewFlagSet("api", pflag.ExitOnError)
	config.RegisterFlags(fs)
	fs.Int("api.port", 8080, "HTTP server port")
	fs.Parse(os.Args[1:])

	// Bootstrap logger until the configured level is known
	log := logger.New()

	cfg, err := config.LoadFromFlags(fs)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	log = logger.NewWithLevel(cfg.Log.Level)

	ctx := logger.WithContext(context.Background(), log)

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize")
	}
	defer a.Close()

	// Initialize job infrastructure
	jobStore := inmemory.NewStore()
	jobQueue := inmemory.NewQueue(cfg.Worker.QueueSize, jobStore, inmemory.WithWorkers(cfg.Worker.Workers))

	// Start worker in background to process jobs
	workerCtx, cancelWorker := context.WithCancel(ctx)
	defer cancelWorker()

	if err := jobQueue.Start(workerCtx, pipeline.SyncJobHandler(a.PipelineDeps(false))); err != nil {
		log.Fatal().Err(err).Msg("Failed to start job worker")
	}

	handler := api.NewRouter(api.Deps{
		Publisher:    jobQueue,
		Jobs:         jobStore,
		Runs:         a.Store,
		Transactions: a.Store,
		Integrations: a.Credentials,
		DefaultQuery: cfg.Query(time.Now()),
		Gatherer:     a.Registry,
	}, log)

	addr := ":" + strconv.Itoa(cfg.API.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Info().Str("addr", addr).Msg("Starting API server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Let in-flight syncs finish before cancelling them
	if err := jobQueue.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping job queue")
	}
	cancelWorker()

	log.Info().Msg("Server exited")
}
