// Package app assembles the render pipeline and its backing services from
// configuration. The api, worker and CLI binaries share it.
package app

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"fluidsim/internal/buildcache"
	"fluidsim/internal/config"
	"fluidsim/internal/pkg/logger"
	"fluidsim/internal/pkg/proc"
	"fluidsim/internal/repositories"
	"fluidsim/internal/storage"
	"fluidsim/internal/worker/encoder"
	"fluidsim/internal/worker/processor"
	"fluidsim/internal/worker/publisher"
	"fluidsim/internal/worker/sandbox"
	"fluidsim/internal/worker/simulation"
)

// Pipeline is a fully wired processor plus the pieces callers also use
// directly.
type Pipeline struct {
	Processor *processor.Processor
	Builder   *buildcache.Cache
	Storage   storage.Provider
}

func NewBuilder(cfg *config.Config, log *logger.Logger) *buildcache.Cache {
	return buildcache.New(cfg.BuildCache, proc.Exec{}, log)
}

func NewPipeline(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Pipeline, error) {
	sp, err := storage.NewProvider(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	log.Info("storage provider initialized", "provider", sp.Provider())

	builder := NewBuilder(cfg, log)

	p := processor.New(processor.Deps{
		Builder: builder,
		Display: &sandbox.Display{
			Binary:  cfg.Sandbox.Binary,
			Display: cfg.Sandbox.Display,
			Screen:  cfg.Sandbox.Screen,
			Settle:  cfg.Sandbox.SettleTime,
			Log:     log,
		},
		Simulator: simulation.NewRunner(simulation.DeadlinePolicy{
			Factor: cfg.Simulation.DeadlineFactor,
			Base:   cfg.Simulation.DeadlineBase,
		}, log),
		Encoder: encoder.New(encoder.FFmpeg{
			Binary:  cfg.Encoder.Binary,
			Preset:  cfg.Encoder.Preset,
			CRF:     cfg.Encoder.CRF,
			Timeout: cfg.Encoder.Timeout,
			Log:     log,
		}),
		Publisher: publisher.New(sp, cfg.Storage.PublicBaseURL, log),
		Notifier:  publisher.NewNotifier(cfg.Callback.Timeout, log),
		WorkRoot:  cfg.WorkRoot,
		FrameRate: cfg.Encoder.FrameRate,
		Log:       log,
	})

	return &Pipeline{Processor: p, Builder: builder, Storage: sp}, nil
}

// NewJobRepository migrates the schema and opens a pool.
func NewJobRepository(ctx context.Context, databaseURL string) (*repositories.JobRepository, *pgxpool.Pool, error) {
	if err := repositories.Migrate(databaseURL); err != nil {
		return nil, nil, err
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return repositories.NewJobRepository(pool), pool, nil
}
