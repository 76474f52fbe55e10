package processor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"fluidsim/internal/adapters/storage/localfs"
	"fluidsim/internal/buildcache"
	"fluidsim/internal/config"
	"fluidsim/internal/models"
	"fluidsim/internal/pkg/errors"
	"fluidsim/internal/pkg/logger"
	"fluidsim/internal/pkg/proc"
	"fluidsim/internal/worker/encoder"
	"fluidsim/internal/worker/publisher"
	"fluidsim/internal/worker/sandbox"
	"fluidsim/internal/worker/simulation"
)

// Writes three frames into --output and prints a few drag readings.
const renderScript = `for a in "$@"; do case "$a" in --output=*) out="${a#--output=}";; esac; done
for i in 00000 00001 00002; do echo frame > "$out/frame_$i.ppm"; done
echo "Cd=0.25"; echo "Cd=0.75"`

type fakeBuilder struct {
	exe      string
	src      string
	ensureFn func() error
	ensured  int
}

func (b *fakeBuilder) Ensure(context.Context) (*buildcache.Entry, error) {
	b.ensured++
	if b.ensureFn != nil {
		if err := b.ensureFn(); err != nil {
			return nil, err
		}
	}
	return &buildcache.Entry{ExecutablePath: b.exe}, nil
}

func (b *fakeBuilder) SourceDir() string { return b.src }

// recordingDisplay keeps every session so tests can check they were stopped.
type recordingDisplay struct {
	d        *sandbox.Display
	mu       sync.Mutex
	sessions []*sandbox.Session
}

func (r *recordingDisplay) Start(ctx context.Context) (*sandbox.Session, error) {
	s, err := r.d.Start(ctx)
	if s != nil {
		r.mu.Lock()
		r.sessions = append(r.sessions, s)
		r.mu.Unlock()
	}
	return s, err
}

type fakeEncoder struct {
	err   error
	panic bool
}

func (e *fakeEncoder) Encode(_ context.Context, framesDir string, _ int) (string, error) {
	if e.panic {
		panic("encoder exploded")
	}
	if e.err != nil {
		return "", e.err
	}
	out := filepath.Join(filepath.Dir(framesDir), encoder.OutputName)
	return out, os.WriteFile(out, []byte("mp4"), 0o644)
}

type fakeNotifier struct {
	mu      sync.Mutex
	urls    []string
	results []models.JobResult
}

func (n *fakeNotifier) Notify(_ context.Context, url string, res models.JobResult) <-chan error {
	n.mu.Lock()
	n.urls = append(n.urls, url)
	n.results = append(n.results, res)
	n.mu.Unlock()
	errc := make(chan error)
	close(errc)
	return errc
}

type harness struct {
	proc     *Processor
	deps     Deps
	builder  *fakeBuilder
	display  *recordingDisplay
	encoder  *fakeEncoder
	notifier *fakeNotifier
	workRoot string
	store    string
}

func writeStub(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sim.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func newHarness(t *testing.T, script string, policy simulation.DeadlinePolicy) *harness {
	t.Helper()
	log := logger.Discard()

	h := &harness{
		builder: &fakeBuilder{exe: writeStub(t, script), src: t.TempDir()},
		display: &recordingDisplay{d: &sandbox.Display{
			Binary: "sleep",
			Args:   []string{"30"},
			Settle: 50 * time.Millisecond,
			Log:    log,
		}},
		encoder:  &fakeEncoder{},
		notifier: &fakeNotifier{},
		workRoot: t.TempDir(),
		store:    t.TempDir(),
	}
	h.deps = Deps{
		Builder:   h.builder,
		Display:   h.display,
		Simulator: simulation.NewRunner(policy, log),
		Encoder:   h.encoder,
		Publisher: publisher.New(localfs.New(h.store), "http://api.test", log),
		Notifier:  h.notifier,
		WorkRoot:  h.workRoot,
		Log:       log,
	}
	h.proc = New(h.deps)
	return h
}

// useBuilder swaps the fake builder for b.
func (h *harness) useBuilder(b Builder) {
	h.deps.Builder = b
	h.proc = New(h.deps)
}

func (h *harness) assertReleased(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(h.workRoot)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("workspace left behind: %v", entries)
	}
	for _, s := range h.display.sessions {
		if s.Running() {
			t.Errorf("display server %d still running", s.Pid())
		}
	}
}

func TestProcessJobComplete(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns processes")
	}

	h := newHarness(t, renderScript, simulation.DefaultDeadline)
	req := models.JobRequest{ID: "job-1", WindSpeed: 2.5, Duration: 1, Model: "ahmed25", CallbackURL: "http://cb.test/hook"}

	res := h.proc.ProcessJob(context.Background(), req)

	if res.Status != models.ResultComplete {
		t.Fatalf("status = %s, error = %s", res.Status, res.Error)
	}
	if res.JobID != "job-1" || res.Model != "ahmed25" || res.WindSpeed != 2.5 {
		t.Errorf("result = %+v", res)
	}
	if res.CdValue == nil || *res.CdValue != 0.5 {
		t.Errorf("cd_value = %v, want 0.5", res.CdValue)
	}
	if res.VideoURL != "http://api.test/artifacts/job-1/content" {
		t.Errorf("video_url = %s", res.VideoURL)
	}
	if _, err := os.Stat(filepath.Join(h.store, publisher.Key("job-1"))); err != nil {
		t.Errorf("video not stored: %v", err)
	}
	if len(h.display.sessions) != 1 {
		t.Errorf("expected one display session, got %d", len(h.display.sessions))
	}
	if len(h.notifier.results) != 1 || h.notifier.urls[0] != "http://cb.test/hook" {
		t.Errorf("callbacks = %v", h.notifier.urls)
	}
	h.assertReleased(t)
}

func TestProcessJobUnknownModelFallsBack(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns processes")
	}

	h := newHarness(t, renderScript, simulation.DefaultDeadline)
	res := h.proc.ProcessJob(context.Background(), models.JobRequest{ID: "j", WindSpeed: 1, Duration: 1, Model: "zeppelin"})

	if res.Status != models.ResultComplete {
		t.Fatalf("status = %s, error = %s", res.Status, res.Error)
	}
	if res.Model != models.DefaultModel.String() {
		t.Errorf("model = %s, want %s", res.Model, models.DefaultModel)
	}
}

func TestProcessJobFailures(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns processes")
	}

	tests := []struct {
		name     string
		script   string
		policy   simulation.DeadlinePolicy
		setup    func(h *harness)
		contains string
	}{
		{
			name:     "crash",
			script:   `echo "solver diverged" >&2; exit 3`,
			policy:   simulation.DefaultDeadline,
			contains: "Crashed: solver diverged",
		},
		{
			name: "crash after writing frames",
			script: `for a in "$@"; do case "$a" in --output=*) out="${a#--output=}";; esac; done
echo frame > "$out/frame_00000.ppm"; echo "Cd=0.4"; echo "segfault in solver" >&2; exit 3`,
			policy:   simulation.DefaultDeadline,
			contains: "Crashed: segfault in solver",
		},
		{
			name:     "no frames",
			script:   `echo "Cd=0.3"`,
			policy:   simulation.DefaultDeadline,
			contains: "No frames rendered",
		},
		{
			name:     "timeout",
			script:   `sleep 30`,
			policy:   simulation.DeadlinePolicy{Base: 300 * time.Millisecond},
			contains: "Timed out after",
		},
		{
			name:   "build failure",
			script: renderScript,
			policy: simulation.DefaultDeadline,
			setup: func(h *harness) {
				h.builder.exe = ""
				h.builder.ensureFn = func() error { return errors.New(errors.CodeBuild, "Build failed: make: boom") }
			},
			contains: "Build failed: make: boom",
		},
		{
			name:   "encode failure",
			script: renderScript,
			policy: simulation.DefaultDeadline,
			setup: func(h *harness) {
				h.encoder.err = errors.New(errors.CodeEncode, "FFmpeg failed: bad frames")
			},
			contains: "FFmpeg failed: bad frames",
		},
		{
			name:   "display failure",
			script: renderScript,
			policy: simulation.DefaultDeadline,
			setup: func(h *harness) {
				h.display.d.Binary = "/nonexistent/Xvfb"
			},
			contains: "failed to start display server",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.script, tt.policy)
			if tt.setup != nil {
				tt.setup(h)
			}

			res := h.proc.ProcessJob(context.Background(), models.JobRequest{ID: "job-f", WindSpeed: 1, Duration: 1, CallbackURL: "http://cb.test"})

			if res.Status != models.ResultError {
				t.Fatalf("status = %s, want error", res.Status)
			}
			if !strings.Contains(res.Error, tt.contains) {
				t.Errorf("error %q does not contain %q", res.Error, tt.contains)
			}
			if res.CdValue != nil || res.VideoURL != "" {
				t.Errorf("failed result carries output: %+v", res)
			}
			if len(h.notifier.results) != 1 || h.notifier.results[0].Status != models.ResultError {
				t.Errorf("expected one error callback, got %+v", h.notifier.results)
			}
			h.assertReleased(t)
		})
	}
}

func TestProcessJobRecoversPanic(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns processes")
	}

	h := newHarness(t, renderScript, simulation.DefaultDeadline)
	h.encoder.panic = true

	res := h.proc.ProcessJob(context.Background(), models.JobRequest{ID: "job-p", WindSpeed: 1, Duration: 1})

	if res.Status != models.ResultError {
		t.Fatalf("status = %s", res.Status)
	}
	if !strings.HasPrefix(res.Error, "encoder exploded") {
		t.Errorf("error = %q", res.Error)
	}
	if len(res.Error) > errors.MaxMessageLen {
		t.Errorf("error text not bounded: %d bytes", len(res.Error))
	}
	h.assertReleased(t)
}

func TestProcessJobBuildsOnColdCache(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns processes")
	}

	h := newHarness(t, renderScript, simulation.DefaultDeadline)
	exe := h.builder.exe
	h.builder.exe = ""
	h.builder.ensureFn = func() error {
		h.builder.exe = exe
		return nil
	}

	res := h.proc.ProcessJob(context.Background(), models.JobRequest{ID: "cold", WindSpeed: 1, Duration: 1})

	if res.Status != models.ResultComplete {
		t.Fatalf("status = %s, error = %s", res.Status, res.Error)
	}
	if h.builder.ensured != 1 {
		t.Errorf("Ensure called %d times, want 1", h.builder.ensured)
	}
}

func TestProcessJobRejectsInvalidRequest(t *testing.T) {
	h := newHarness(t, renderScript, simulation.DefaultDeadline)

	res := h.proc.ProcessJob(context.Background(), models.JobRequest{ID: "bad", WindSpeed: -1, Duration: 1})

	if res.Status != models.ResultError {
		t.Fatalf("status = %s", res.Status)
	}
	if len(h.display.sessions) != 0 {
		t.Error("invalid request should not start a display")
	}
}

func TestProcessJobSkipsNonFiniteDrag(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns processes")
	}

	script := `for a in "$@"; do case "$a" in --output=*) out="${a#--output=}";; esac; done
for i in 00000 00001; do echo frame > "$out/frame_$i.ppm"; done
echo "Cd=0.31"; echo "Cd=nan"; echo "Cd=inf"`
	h := newHarness(t, script, simulation.DefaultDeadline)

	res := h.proc.ProcessJob(context.Background(), models.JobRequest{ID: "diverged", WindSpeed: 1, Duration: 1})

	if res.Status != models.ResultComplete {
		t.Fatalf("status = %s, error = %s", res.Status, res.Error)
	}
	if res.CdValue == nil || *res.CdValue != 0.31 {
		t.Errorf("cd_value = %v, want 0.31", res.CdValue)
	}
	if _, err := json.Marshal(res); err != nil {
		t.Fatalf("didn't want %q", err)
	}
}

// blockingToolchain fakes git, cmake and make. make leaves a truncated
// executable on disk and waits for release before writing the real one.
type blockingToolchain struct {
	script  string
	linking chan struct{}
	release chan struct{}
}

func (b *blockingToolchain) Run(_ context.Context, c proc.Command) (proc.Result, error) {
	switch {
	case c.Name == "git" && c.Args[0] == "clone":
		dest := c.Args[len(c.Args)-1]
		return proc.Result{}, os.MkdirAll(filepath.Join(dest, ".git"), 0o755)
	case c.Name == "git" && c.Args[0] == "rev-parse":
		return proc.Result{Stdout: "feedface"}, nil
	case c.Name == "make":
		exe := filepath.Join(c.Dir, "3d_fluid_simulation_car")
		if err := os.WriteFile(exe, []byte("#!/bin/sh\necho truncated >&2; exit 9\n"), 0o755); err != nil {
			return proc.Result{}, err
		}
		close(b.linking)
		<-b.release
		return proc.Result{}, os.WriteFile(exe, []byte("#!/bin/sh\n"+b.script+"\n"), 0o755)
	}
	return proc.Result{}, nil
}

func TestProcessJobWaitsForBuildInProgress(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns processes")
	}

	h := newHarness(t, renderScript, simulation.DefaultDeadline)
	tc := &blockingToolchain{script: renderScript, linking: make(chan struct{}), release: make(chan struct{})}
	cfg := config.BuildCache{
		Root:           t.TempDir(),
		RepoURL:        "https://example.test/sim.git",
		ExecutableName: "3d_fluid_simulation_car",
		Jobs:           1,
		LockTimeout:    30 * time.Second,
	}

	// Two handles over one root, as two workers sharing a volume would have.
	building := buildcache.New(cfg, tc, logger.Discard())
	h.useBuilder(buildcache.New(cfg, tc, logger.Discard()))

	buildErr := make(chan error, 1)
	go func() {
		_, err := building.Build(context.Background())
		buildErr <- err
	}()
	<-tc.linking

	done := make(chan models.JobResult, 1)
	go func() {
		done <- h.proc.ProcessJob(context.Background(), models.JobRequest{ID: "mid-build", WindSpeed: 1, Duration: 1})
	}()

	select {
	case res := <-done:
		t.Fatalf("job finished while the build was still linking: %+v", res)
	case <-time.After(500 * time.Millisecond):
	}
	close(tc.release)

	if err := <-buildErr; err != nil {
		t.Fatalf("didn't want %q", err)
	}
	res := <-done
	if res.Status != models.ResultComplete {
		t.Fatalf("status = %s, error = %s", res.Status, res.Error)
	}
	if res.CdValue == nil || *res.CdValue != 0.5 {
		t.Errorf("cd_value = %v, want 0.5", res.CdValue)
	}
}
