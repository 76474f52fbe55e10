package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"fluidsim/internal/app"
	"fluidsim/internal/config"
	"fluidsim/internal/pkg/logger"
	"fluidsim/internal/pkg/shutdown"
	"fluidsim/internal/worker"
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
		ServiceName: "fluidsim-worker",
		AddSource:   cfg.Log.Source,
	})

	if cfg.DatabaseURL == "" {
		log.LogFatal("DATABASE_URL is required", nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	// A job in flight may need the full simulation deadline to finish.
	shutdownMgr := shutdown.NewManager(log, 10*time.Minute)

	jobs, pool, err := app.NewJobRepository(ctx, cfg.DatabaseURL)
	if err != nil {
		log.LogFatal("failed to open job store", err)
	}
	shutdownMgr.RegisterSimple("postgres", pool.Close)

	q, err := queue.New(cfg.Queue)
	if err != nil {
		log.LogFatal("failed to open job queue", err)
	}
	shutdownMgr.Register("queue", func(context.Context) error { return q.Close() })

	pipeline, err := app.NewPipeline(ctx, cfg, log)
	if err != nil {
		log.LogFatal("failed to build render pipeline", err)
	}

	// Warm the build cache so the first job does not pay for the compile.
	if _, err := pipeline.Builder.Ensure(ctx); err != nil {
		log.Warn("initial build failed, jobs will retry", "error", err.Error())
	}

	stopped := make(chan struct{})
	shutdownMgr.Register("worker", func(ctx context.Context) error {
		cancel()
		select {
		case <-stopped:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	go func() {
		defer close(stopped)
		log.Info("worker started", "backend", cfg.Queue.Backend, "queue", cfg.Queue.Name)
		err := worker.Run(ctx, worker.Deps{
			Queue:     q,
			Jobs:      jobs,
			Processor: pipeline.Processor,
			Log:       log,
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("worker stopped", "error", err.Error())
		}
	}()

	shutdownMgr.Wait()
}
