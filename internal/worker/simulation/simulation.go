// Package simulation runs the external fluid simulation under a deadline.
package simulation

import (
	"context"
	"time"

	contracts "fluidsim/internal/contracts/simulation/v0"
	"fluidsim/internal/pkg/errors"
	"fluidsim/internal/pkg/logger"
	"fluidsim/internal/pkg/proc"
	"fluidsim/internal/worker/metric"
)

// DeadlinePolicy derives the wall clock budget from the simulated duration:
// Factor*duration seconds plus Base.
type DeadlinePolicy struct {
	Factor int
	Base   time.Duration
}

// DefaultDeadline is 3*duration + 60s.
var DefaultDeadline = DeadlinePolicy{Factor: 3, Base: 60 * time.Second}

func (p DeadlinePolicy) For(durationSec int) time.Duration {
	return time.Duration(p.Factor*durationSec)*time.Second + p.Base
}

// Params is one execution.
type Params struct {
	Executable string
	// WorkDir is the simulation source tree; model paths are relative to it.
	WorkDir    string
	Invocation contracts.Invocation
	Env        []string
}

// Output is what a successful run leaves behind besides its frames.
type Output struct {
	Metric   *float64
	Samples  int
	Stdout   string
	Stderr   string
	Elapsed  time.Duration
	Deadline time.Duration
}

type Runner struct {
	Policy DeadlinePolicy
	Exec   proc.Runner
	Log    *logger.Logger
}

func NewRunner(policy DeadlinePolicy, log *logger.Logger) *Runner {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Runner{Policy: policy, Exec: proc.Exec{}, Log: log.WithComponent("simulation")}
}

// Run executes the simulation. Stdout is scanned for drag readings while it
// streams. A deadline hit yields EXECUTION_TIMEOUT; a non-zero exit yields
// EXECUTION_CRASHED carrying the stderr tail.
func (r *Runner) Run(ctx context.Context, p Params) (*Output, error) {
	const op = "simulation.run"

	deadline := r.Policy.For(p.Invocation.Duration)
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	log := r.Log.FromContext(ctx)
	scanner := metric.NewScanner()
	args := p.Invocation.Args()
	log.Info("running simulation", "args", args, "deadline", deadline.String())

	res, err := r.Exec.Run(ctx, proc.Command{
		Name:   p.Executable,
		Args:   args,
		Dir:    p.WorkDir,
		Env:    p.Env,
		Stdout: scanner,
	})
	scanner.Flush()

	out := &Output{
		Metric:   scanner.Value(),
		Samples:  scanner.Count(),
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		Elapsed:  res.Duration,
		Deadline: deadline,
	}
	if err == nil {
		log.Info("simulation finished", "elapsed_ms", res.Duration.Milliseconds(), "cd_samples", out.Samples)
		return out, nil
	}

	log.Output("simulation", "stdout", res.Stdout)
	log.Output("simulation", "stderr", res.Stderr)

	var ee *proc.ExitError
	switch {
	case errors.Is(err, proc.ErrTimeout):
		e := errors.Newf(errors.CodeExecTimeout, "Timed out after %s", deadline)
		e.Op = op
		return out, e
	case errors.As(err, &ee):
		e := errors.Newf(errors.CodeExecCrash, "Crashed: %s", errors.Tail(res.Stderr, 300))
		e.Op = op
		return out, e.WithField("exit_code", ee.Code)
	default:
		return out, errors.WrapWithCode(err, errors.CodeExecCrash, op, "Crashed")
	}
}
