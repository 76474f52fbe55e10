// Command fluidsim drives the render pipeline from a terminal: warm or
// rebuild the simulation binary, migrate the job store, and render a single
// job without the HTTP API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"fluidsim/internal/app"
	"fluidsim/internal/buildcache"
	"fluidsim/internal/config"
	"fluidsim/internal/models"
	"fluidsim/internal/pkg/logger"
	"fluidsim/internal/repositories"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := command().Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func command() *cli.Command {
	return &cli.Command{
		Name:    "fluidsim",
		Version: version,
		Usage:   "Build the wind tunnel simulation and render jobs locally",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Commands: []*cli.Command{
			buildCmd(),
			rebuildCmd(),
			renderCmd(),
			migrateCmd(),
		},
	}
}

func setup(cmd *cli.Command) (*config.Config, *logger.Logger, error) {
	cfg, err := config.Parse(os.Environ())
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	log := logger.New(logger.Config{
		Level:       cmd.String("log-level"),
		Format:      "text",
		Output:      os.Stderr,
		ServiceName: "fluidsim-cli",
	})
	return cfg, log, nil
}

func buildCmd() *cli.Command {
	return &cli.Command{
		Name:  "build",
		Usage: "Sync the source checkout and build the simulation binary",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, log, err := setup(cmd)
			if err != nil {
				return err
			}
			entry, err := app.NewBuilder(cfg, log).Build(ctx)
			if err != nil {
				return err
			}
			printEntry(entry)
			return nil
		},
	}
}

func rebuildCmd() *cli.Command {
	return &cli.Command{
		Name:  "rebuild",
		Usage: "Wipe generated build state and build from scratch",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, log, err := setup(cmd)
			if err != nil {
				return err
			}
			entry, err := app.NewBuilder(cfg, log).ForceRebuild(ctx)
			if err != nil {
				return err
			}
			printEntry(entry)
			return nil
		},
	}
}

func renderCmd() *cli.Command {
	return &cli.Command{
		Name:  "render",
		Usage: "Render one job and publish the video",
		Flags: []cli.Flag{
			&cli.FloatFlag{Name: "wind", Usage: "Wind speed", Value: models.DefaultWindSpeed},
			&cli.IntFlag{Name: "viz", Usage: "Visualization mode", Value: models.DefaultVizMode},
			&cli.IntFlag{Name: "collision", Usage: "Collision mode", Value: models.DefaultCollisionMode},
			&cli.IntFlag{Name: "duration", Usage: "Simulated seconds", Value: models.DefaultDuration},
			&cli.StringFlag{Name: "model", Usage: "Model selector", Value: string(models.DefaultModel)},
			&cli.StringFlag{Name: "job-id", Usage: "Job id (generated when empty)"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, log, err := setup(cmd)
			if err != nil {
				return err
			}
			pipeline, err := app.NewPipeline(ctx, cfg, log)
			if err != nil {
				return err
			}

			res := pipeline.Processor.ProcessJob(ctx, models.JobRequest{
				ID:            cmd.String("job-id"),
				WindSpeed:     cmd.Float("wind"),
				VizMode:       int(cmd.Int("viz")),
				CollisionMode: int(cmd.Int("collision")),
				Duration:      int(cmd.Int("duration")),
				Model:         cmd.String("model"),
			})

			fmt.Println("job:   ", res.JobID)
			fmt.Println("status:", res.Status)
			if res.VideoURL != "" {
				fmt.Println("video: ", res.VideoURL)
			}
			if res.CdValue != nil {
				fmt.Printf("cd:     %.4f\n", *res.CdValue)
			}
			if res.Status != models.ResultComplete {
				return fmt.Errorf("render failed: %s", res.Error)
			}
			return nil
		},
	}
}

func migrateCmd() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply pending job store migrations",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "PostgreSQL connection string",
				Sources: cli.EnvVars("DATABASE_URL"),
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			url := cmd.String("database-url")
			if url == "" {
				return fmt.Errorf("database URL is required (set DATABASE_URL or --database-url)")
			}
			return repositories.Migrate(url)
		},
	}
}

func printEntry(e *buildcache.Entry) {
	fmt.Println("executable:", e.ExecutablePath)
	if e.Revision != "" {
		fmt.Println("revision:  ", e.Revision)
	}
	fmt.Println("built at:  ", e.BuiltAt.Format("2006-01-02 15:04:05"))
	if e.Stale {
		fmt.Println("warning: source sync failed, built from the existing checkout")
	}
}
