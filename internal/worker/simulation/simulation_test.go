package simulation

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	contracts "fluidsim/internal/contracts/simulation/v0"
	"fluidsim/internal/pkg/errors"
	"fluidsim/internal/pkg/logger"
)

func TestDeadlinePolicy(t *testing.T) {
	tests := []struct {
		policy   DeadlinePolicy
		duration int
		want     time.Duration
	}{
		{DefaultDeadline, 10, 90 * time.Second},
		{DefaultDeadline, 0, 60 * time.Second},
		{DeadlinePolicy{Factor: 1, Base: 0}, 5, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := tt.policy.For(tt.duration); got != tt.want {
			t.Errorf("%+v.For(%d) = %v, want %v", tt.policy, tt.duration, got, tt.want)
		}
	}
}

// writeStub creates an executable shell script standing in for the simulation.
func writeStub(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sim.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRun(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns processes")
	}

	tests := []struct {
		name     string
		script   string
		policy   DeadlinePolicy
		code     errors.Code
		contains string
		metric   *float64
	}{
		{
			name:   "success with readings",
			script: `for v in 1 2 3 4 5 6; do echo "t=$v Cd=$v.0"; done`,
			policy: DefaultDeadline,
			metric: func() *float64 { v := 4.0; return &v }(),
		},
		{
			name:   "success without readings",
			script: `echo rendering`,
			policy: DefaultDeadline,
		},
		{
			name:     "crash",
			script:   `echo "segfault in solver" >&2; exit 139`,
			policy:   DefaultDeadline,
			code:     errors.CodeExecCrash,
			contains: "Crashed: segfault in solver",
		},
		{
			name: "crash after writing frames",
			script: `for a in "$@"; do case "$a" in --output=*) out="${a#--output=}";; esac; done
echo frame > "$out/frame_00000.ppm"; echo "Cd=0.4"; echo "out of memory" >&2; exit 3`,
			policy:   DefaultDeadline,
			code:     errors.CodeExecCrash,
			contains: "Crashed: out of memory",
		},
		{
			name:     "timeout",
			script:   `sleep 30`,
			policy:   DeadlinePolicy{Factor: 0, Base: 300 * time.Millisecond},
			code:     errors.CodeExecTimeout,
			contains: "Timed out",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRunner(tt.policy, logger.Discard())
			out, err := r.Run(context.Background(), Params{
				Executable: writeStub(t, tt.script),
				WorkDir:    t.TempDir(),
				Invocation: contracts.Invocation{WindSpeed: 1, Duration: 1, OutputDir: t.TempDir()},
			})

			if tt.code != "" {
				if !errors.IsCode(err, tt.code) {
					t.Fatalf("expected %s, got %v", tt.code, err)
				}
				if !strings.Contains(err.Error(), tt.contains) {
					t.Errorf("error %q does not contain %q", err, tt.contains)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			switch {
			case tt.metric == nil && out.Metric != nil:
				t.Errorf("expected no metric, got %v", *out.Metric)
			case tt.metric != nil && (out.Metric == nil || *out.Metric != *tt.metric):
				t.Errorf("metric = %v, want %v", out.Metric, *tt.metric)
			}
		})
	}
}

func TestRunPassesArgsAndEnv(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns processes")
	}

	work := t.TempDir()
	outDir := filepath.Join(work, "frames")
	stub := writeStub(t, `echo "$@" > args.txt; echo "$DISPLAY" > display.txt`)

	r := NewRunner(DefaultDeadline, logger.Discard())
	_, err := r.Run(context.Background(), Params{
		Executable: stub,
		WorkDir:    work,
		Env:        []string{"DISPLAY=:42"},
		Invocation: contracts.Invocation{WindSpeed: 2, VizMode: 3, CollisionMode: 1, Duration: 5, OutputDir: outDir, ModelPath: "m.obj"},
	})
	if err != nil {
		t.Fatal(err)
	}

	args, _ := os.ReadFile(filepath.Join(work, "args.txt"))
	if !strings.Contains(string(args), "--wind=2 --viz=3 --collision=1 --duration=5 --output="+outDir+" --model=m.obj") {
		t.Errorf("args = %q", args)
	}
	display, _ := os.ReadFile(filepath.Join(work, "display.txt"))
	if strings.TrimSpace(string(display)) != ":42" {
		t.Errorf("DISPLAY = %q", display)
	}
}
