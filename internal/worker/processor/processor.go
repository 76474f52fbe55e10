package processor

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"fluidsim/internal/buildcache"
	contracts "fluidsim/internal/contracts/simulation/v0"
	"fluidsim/internal/models"
	"fluidsim/internal/pkg/errors"
	"fluidsim/internal/pkg/logger"
	"fluidsim/internal/worker/encoder"
	"fluidsim/internal/worker/sandbox"
	"fluidsim/internal/worker/simulation"
)

// Builder provides the simulation executable. Ensure is called for every
// job and must be cheap when the cache is warm.
type Builder interface {
	Ensure(ctx context.Context) (*buildcache.Entry, error)
	SourceDir() string
}

// Display starts the headless display a job renders into.
type Display interface {
	Start(ctx context.Context) (*sandbox.Session, error)
}

type Simulator interface {
	Run(ctx context.Context, p simulation.Params) (*simulation.Output, error)
}

type Encoder interface {
	Encode(ctx context.Context, framesDir string, fps int) (string, error)
}

type Publisher interface {
	Publish(ctx context.Context, artifactPath, jobID string) (string, error)
}

type Notifier interface {
	Notify(ctx context.Context, url string, result models.JobResult) <-chan error
}

type Deps struct {
	Builder   Builder
	Display   Display
	Simulator Simulator
	Encoder   Encoder
	Publisher Publisher
	// Notifier is optional.
	Notifier Notifier
	// WorkRoot is where per-job workspaces are created; empty means the
	// system temp dir.
	WorkRoot  string
	FrameRate int
	Log       *logger.Logger
}

type Processor struct {
	builder   Builder
	display   Display
	sim       Simulator
	encoder   Encoder
	publisher Publisher
	notifier  Notifier
	workRoot  string
	fps       int
	log       *logger.Logger
}

func New(d Deps) *Processor {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	log = log.WithComponent("processor")

	fps := d.FrameRate
	if fps <= 0 {
		fps = 60
	}

	return &Processor{
		builder:   d.Builder,
		display:   d.Display,
		sim:       d.Simulator,
		encoder:   d.Encoder,
		publisher: d.Publisher,
		notifier:  d.Notifier,
		workRoot:  d.WorkRoot,
		fps:       fps,
		log:       log,
	}
}

// ProcessJob runs one render from request to published video. It always
// returns a result: failures, including panics, become an error result and
// never escape. Workspace and display are released before it returns.
func (p *Processor) ProcessJob(ctx context.Context, req models.JobRequest) (res models.JobResult) {
	req.Normalize()
	ctx = logger.ContextWithJobID(ctx, req.ID)
	log := p.log.FromContext(ctx)
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			res = models.Failed(req.ID, fmt.Sprintf("%v\n%s", r, errors.Tail(string(debug.Stack()), 500)))
			log.Error("job panicked", "panic", fmt.Sprint(r))
		}

		log.Info("job finished",
			"status", string(res.Status),
			"duration_ms", time.Since(start).Milliseconds(),
		)

		if req.CallbackURL != "" && p.notifier != nil {
			// Fire and forget; the notifier logs its own failures.
			_ = p.notifier.Notify(ctx, req.CallbackURL, res)
		}
	}()

	if err := req.Validate(); err != nil {
		return p.failJob(log, req.ID, err)
	}

	out, err := p.render(ctx, log, req)
	if err != nil {
		return p.failJob(log, req.ID, err)
	}
	return *out
}

func (p *Processor) render(ctx context.Context, log *logger.Logger, req models.JobRequest) (*models.JobResult, error) {
	model, known := models.ParseModel(req.Model)
	if !known {
		log.Warn("unknown model, using default", "requested", req.Model, "model", model.String())
	}

	// 1. Acquire a committed executable. Ensure only trusts the build
	// marker, so a build in progress elsewhere is waited for, never run.
	entry, err := p.builder.Ensure(logger.ContextWithStage(ctx, "build"))
	if err != nil {
		return nil, err
	}
	if entry == nil || !entry.Valid() {
		e := errors.New(errors.CodeBuild, "Build failed")
		e.Op = "processor.executable"
		return nil, e
	}
	exe := entry.ExecutablePath

	ws, err := newWorkspace(p.workRoot, req.ID)
	if err != nil {
		return nil, errors.Wrap(err, "processor.workspace", "failed to create workspace")
	}
	defer func() {
		if err := ws.release(); err != nil {
			log.Warn("failed to remove workspace", "dir", ws.dir, "error", err.Error())
		}
	}()

	// 2. Start the display.
	session, err := p.display.Start(ctx)
	if err != nil {
		return nil, err
	}
	defer session.Stop()

	// 3. Run the simulation.
	out, err := p.sim.Run(logger.ContextWithStage(ctx, "simulate"), simulation.Params{
		Executable: exe,
		WorkDir:    p.builder.SourceDir(),
		Env:        session.Env(),
		Invocation: contracts.Invocation{
			WindSpeed:     req.WindSpeed,
			VizMode:       req.VizMode,
			CollisionMode: req.CollisionMode,
			Duration:      req.Duration,
			OutputDir:     ws.frames,
			ModelPath:     model.AssetPath(),
		},
	})
	if err != nil {
		return nil, err
	}

	// 4. Frames and metric. A zero exit with no frames is still a failure.
	frames, err := encoder.ListFrames(ws.frames)
	if err != nil {
		return nil, errors.Wrap(err, "processor.frames", "failed to list frames")
	}
	if len(frames) == 0 {
		e := errors.New(errors.CodeNoFrames, "No frames rendered")
		e.Op = "processor.frames"
		return nil, e
	}
	log.Info("simulation output collected", "frames", len(frames), "cd_samples", out.Samples)

	// 5. Encode.
	video, err := p.encoder.Encode(logger.ContextWithStage(ctx, "encode"), ws.frames, p.fps)
	if err != nil {
		return nil, err
	}

	// 6. Publish.
	url, err := p.publisher.Publish(logger.ContextWithStage(ctx, "publish"), video, req.ID)
	if err != nil {
		return nil, err
	}

	return &models.JobResult{
		Status:    models.ResultComplete,
		JobID:     req.ID,
		VideoURL:  url,
		Model:     model.String(),
		WindSpeed: req.WindSpeed,
		CdValue:   out.Metric,
	}, nil
}

func (p *Processor) failJob(log *logger.Logger, jobID string, cause error) models.JobResult {
	msg := describe(cause)

	var e *errors.Error
	if errors.As(cause, &e) {
		log.Error("job failed",
			"code", string(e.Code),
			"op", e.Op,
			"message", errors.Truncate(e.Message, 500),
		)
	} else {
		log.Error("job failed", "error", errors.Truncate(msg, 500))
	}

	return models.Failed(jobID, msg)
}

// describe renders an error for the job result. Pipeline errors already
// carry a human readable message; anything else is reported verbatim.
func describe(err error) string {
	var e *errors.Error
	if errors.As(err, &e) && (errors.Classified(err) || e.Code == errors.CodeValidation) {
		if e.Err != nil {
			return e.Message + ": " + e.Err.Error()
		}
		return e.Message
	}
	return err.Error()
}
