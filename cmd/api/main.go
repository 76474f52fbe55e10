package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"fluidsim/internal/app"
	"fluidsim/internal/config"
	"fluidsim/internal/httpapi"
	"fluidsim/internal/httpapi/handlers"
	"fluidsim/internal/pkg/logger"
	"fluidsim/internal/pkg/shutdown"
	"fluidsim/internal/worker/queue"
)

func main() {
	cfg, err := config.Parse(os.Environ())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		ServiceName: "fluidsim-api",
		AddSource:   cfg.Log.Source,
	})

	log.Info("starting fluidsim API", "port", cfg.HTTP.Port)

	ctx := context.Background()
	shutdownMgr := shutdown.NewManager(log, 30*time.Second)

	pipeline, err := app.NewPipeline(ctx, cfg, log)
	if err != nil {
		log.LogFatal("failed to build render pipeline", err)
	}

	deps := handlers.Deps{
		Renderer: pipeline.Processor,
		Builder:  pipeline.Builder,
		SP:       pipeline.Storage,
		Checks:   map[string]handlers.Check{},
		Log:      log,
	}

	// The async job routes need both the job store and a queue.
	if cfg.DatabaseURL != "" {
		log.Info("connecting to PostgreSQL")
		jobs, pool, err := app.NewJobRepository(ctx, cfg.DatabaseURL)
		if err != nil {
			log.LogFatal("failed to open job store", err)
		}
		shutdownMgr.RegisterSimple("postgres", pool.Close)
		deps.Jobs = jobs
		deps.Checks["postgres"] = pool.Ping
		log.Info("PostgreSQL connected")

		q, err := queue.New(cfg.Queue)
		if err != nil {
			log.LogFatal("failed to open job queue", err)
		}
		shutdownMgr.Register("queue", func(context.Context) error { return q.Close() })
		deps.Queue = q
		log.Info("job queue ready", "backend", cfg.Queue.Backend, "queue", cfg.Queue.Name)
	} else {
		log.Warn("DATABASE_URL not set, async job routes disabled")
	}

	router := httpapi.NewRouter(httpapi.Deps{
		Handlers:      deps,
		CORSOrigins:   cfg.HTTP.CORSOrigins,
		RenderTimeout: cfg.HTTP.RenderTimeout,
		Log:           log,
	})

	// No write timeout: /render holds the connection for the whole job and
	// is bounded by RenderTimeout instead.
	server := &http.Server{
		Addr:              "0.0.0.0:" + cfg.HTTP.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	shutdownMgr.Register("http-server", func(ctx context.Context) error {
		log.Info("shutting down HTTP server")
		return server.Shutdown(ctx)
	})

	go func() {
		log.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.LogFatal("HTTP server failed", err)
		}
	}()

	shutdownMgr.Wait()
}
