package buildcache

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fluidsim/internal/config"
	"fluidsim/internal/pkg/errors"
	"fluidsim/internal/pkg/logger"
	"fluidsim/internal/pkg/proc"
)

const exeName = "3d_fluid_simulation_car"

// fakeToolchain stands in for git, cmake and make.
type fakeToolchain struct {
	mu    sync.Mutex
	calls []string

	failClone bool
	failPull  bool
	failMake  bool
	noExe     bool
	makeDelay time.Duration
	onClone   func()

	inFlight   atomic.Int32
	overlapped atomic.Bool
}

func (f *fakeToolchain) Run(_ context.Context, c proc.Command) (proc.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, c.Name+" "+c.Args[0])
	f.mu.Unlock()

	fail := func(msg string) (proc.Result, error) {
		return proc.Result{ExitCode: 1, Stderr: msg}, &proc.ExitError{Code: 1, Stderr: msg}
	}

	switch {
	case c.Name == "git" && c.Args[0] == "clone":
		if f.onClone != nil {
			f.onClone()
		}
		if f.failClone {
			return fail("fatal: unable to access repository")
		}
		dest := c.Args[len(c.Args)-1]
		if err := os.MkdirAll(filepath.Join(dest, ".git"), 0o755); err != nil {
			return proc.Result{}, err
		}
		return proc.Result{}, os.WriteFile(filepath.Join(dest, "CMakeLists.txt"), []byte("project(sim)"), 0o644)
	case c.Name == "git" && c.Args[0] == "pull":
		if f.failPull {
			return fail("Could not resolve host: github.com")
		}
		return proc.Result{Stdout: "Already up to date."}, nil
	case c.Name == "git" && c.Args[0] == "rev-parse":
		return proc.Result{Stdout: "0123abcd"}, nil
	case c.Name == "cmake":
		return proc.Result{}, os.WriteFile(filepath.Join(c.Dir, "Makefile"), []byte("all:"), 0o644)
	case c.Name == "make":
		if f.inFlight.Add(1) > 1 {
			f.overlapped.Store(true)
		}
		defer f.inFlight.Add(-1)
		time.Sleep(f.makeDelay)
		if f.failMake {
			return fail("error: undefined reference to `main'")
		}
		if f.noExe {
			return proc.Result{}, nil
		}
		return proc.Result{}, os.WriteFile(filepath.Join(c.Dir, exeName), []byte("#!/bin/sh\n"), 0o755)
	}
	return proc.Result{}, nil
}

func (f *fakeToolchain) count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func newCache(t *testing.T, root string, tc *fakeToolchain) *Cache {
	t.Helper()
	return New(config.BuildCache{
		Root:           root,
		RepoURL:        "https://example.test/sim.git",
		ExecutableName: exeName,
		Jobs:           4,
		LockTimeout:    10 * time.Second,
	}, tc, logger.Discard())
}

func TestBuildIsIdempotent(t *testing.T) {
	tc := &fakeToolchain{}
	c := newCache(t, t.TempDir(), tc)

	first, err := c.Build(context.Background())
	if err != nil {
		t.Fatalf("first Build() error = %v", err)
	}
	second, err := c.Build(context.Background())
	if err != nil {
		t.Fatalf("second Build() error = %v", err)
	}

	if first.ExecutablePath != second.ExecutablePath {
		t.Errorf("executable path changed: %s -> %s", first.ExecutablePath, second.ExecutablePath)
	}
	if tc.count("git clone") != 1 || tc.count("git pull") != 1 {
		t.Errorf("expected one clone then one pull, got %v", tc.calls)
	}
	if second.Revision != "0123abcd" {
		t.Errorf("Revision = %q", second.Revision)
	}
	if !second.Valid() {
		t.Error("entry should be valid after build")
	}
}

func TestEnsureFastPath(t *testing.T) {
	tc := &fakeToolchain{}
	c := newCache(t, t.TempDir(), tc)

	if _, err := c.Ensure(context.Background()); err != nil {
		t.Fatal(err)
	}
	before := len(tc.calls)

	e, err := c.Ensure(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(tc.calls) != before {
		t.Errorf("warm Ensure ran commands: %v", tc.calls[before:])
	}
	if e.ExecutablePath != c.ExecutablePath() {
		t.Errorf("ExecutablePath = %s", e.ExecutablePath)
	}
}

func TestEnsureRebuildsWithoutMarker(t *testing.T) {
	tc := &fakeToolchain{}
	c := newCache(t, t.TempDir(), tc)

	if _, err := c.Build(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(c.markerPath()); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Ensure(context.Background()); err != nil {
		t.Fatal(err)
	}
	if tc.count("make") != 2 {
		t.Errorf("expected rebuild when marker is missing, make ran %d times", tc.count("make"))
	}
}

func TestBuildStaleOnPullFailure(t *testing.T) {
	tc := &fakeToolchain{}
	c := newCache(t, t.TempDir(), tc)

	if _, err := c.Build(context.Background()); err != nil {
		t.Fatal(err)
	}
	tc.failPull = true

	e, err := c.Build(context.Background())
	if err != nil {
		t.Fatalf("pull failure must not fail the build: %v", err)
	}
	if !e.Stale {
		t.Error("expected Stale to be set")
	}
	if cur := c.Current(); cur == nil || !cur.Stale {
		t.Error("committed marker should record staleness")
	}
}

func TestBuildRemovesGeneratedArtifactsOnly(t *testing.T) {
	tc := &fakeToolchain{}
	c := newCache(t, t.TempDir(), tc)

	if _, err := c.Build(context.Background()); err != nil {
		t.Fatal(err)
	}

	src := c.SourceDir()
	for _, p := range []string{"CMakeCache.txt", "Makefile", "main.c"} {
		if err := os.WriteFile(filepath.Join(src, p), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.MkdirAll(filepath.Join(src, "CMakeFiles", "sim.dir"), 0o755); err != nil {
		t.Fatal(err)
	}

	if _, err := c.Build(context.Background()); err != nil {
		t.Fatal(err)
	}

	for _, gone := range []string{"CMakeCache.txt", "Makefile", "CMakeFiles"} {
		if _, err := os.Stat(filepath.Join(src, gone)); !os.IsNotExist(err) {
			t.Errorf("%s should have been removed", gone)
		}
	}
	for _, kept := range []string{"main.c", "CMakeLists.txt", ".git"} {
		if _, err := os.Stat(filepath.Join(src, kept)); err != nil {
			t.Errorf("%s should have been kept: %v", kept, err)
		}
	}
}

func TestForceRebuildStartsFromScratch(t *testing.T) {
	tc := &fakeToolchain{}
	c := newCache(t, t.TempDir(), tc)

	if _, err := c.Build(context.Background()); err != nil {
		t.Fatal(err)
	}
	stray := filepath.Join(c.BuildDir(), "old.o")
	if err := os.WriteFile(stray, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	var leftovers []string
	tc.onClone = func() {
		for _, p := range []string{c.SourceDir(), c.BuildDir(), c.markerPath()} {
			if _, err := os.Stat(p); err == nil {
				leftovers = append(leftovers, p)
			}
		}
	}

	e, err := c.ForceRebuild(context.Background())
	if err != nil {
		t.Fatalf("ForceRebuild() error = %v", err)
	}
	if len(leftovers) > 0 {
		t.Errorf("artifacts present when rebuild began: %v", leftovers)
	}
	if tc.count("git clone") != 2 {
		t.Errorf("expected a fresh clone, calls: %v", tc.calls)
	}
	if _, err := os.Stat(stray); !os.IsNotExist(err) {
		t.Error("old build output survived force rebuild")
	}
	if !e.Valid() {
		t.Error("rebuilt entry should be valid")
	}
}

func TestBuildFailures(t *testing.T) {
	tests := []struct {
		name     string
		tc       *fakeToolchain
		contains string
	}{
		{"clone", &fakeToolchain{failClone: true}, "unable to access repository"},
		{"compile", &fakeToolchain{failMake: true}, "compile: error: undefined reference"},
		{"missing executable", &fakeToolchain{noExe: true}, "build directory contains [Makefile]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCache(t, t.TempDir(), tt.tc)

			_, err := c.Ensure(context.Background())
			if !errors.IsCode(err, errors.CodeBuild) {
				t.Fatalf("expected BUILD_FAILED, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.contains) {
				t.Errorf("error %q does not contain %q", err, tt.contains)
			}
			if c.Current() != nil {
				t.Error("failed build must not leave a marker")
			}
		})
	}
}

func TestConcurrentColdBuilds(t *testing.T) {
	root := t.TempDir()
	tc := &fakeToolchain{makeDelay: 100 * time.Millisecond}

	// Separate handles over the same root, as two worker processes would have.
	caches := []*Cache{newCache(t, root, tc), newCache(t, root, tc)}

	var wg sync.WaitGroup
	entries := make([]*Entry, len(caches))
	errs := make([]error, len(caches))
	for i, c := range caches {
		wg.Add(1)
		go func(i int, c *Cache) {
			defer wg.Done()
			entries[i], errs[i] = c.Ensure(context.Background())
		}(i, c)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d failed: %v", i, err)
		}
		if !entries[i].Valid() {
			t.Errorf("caller %d got an invalid entry", i)
		}
	}
	if tc.overlapped.Load() {
		t.Error("two compilations ran at the same time")
	}
	if n := tc.count("make"); n != 1 {
		t.Errorf("expected the second caller to reuse the first build, make ran %d times", n)
	}
}

func TestConcurrentBuildTriggers(t *testing.T) {
	root := t.TempDir()
	tc := &fakeToolchain{makeDelay: 50 * time.Millisecond}
	c := newCache(t, root, tc)

	var wg sync.WaitGroup
	var failed atomic.Int32
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Build(context.Background()); err != nil {
				failed.Add(1)
			}
		}()
	}
	wg.Wait()

	if failed.Load() != 0 {
		t.Errorf("%d builds failed", failed.Load())
	}
	if tc.overlapped.Load() {
		t.Error("two compilations ran at the same time")
	}
	if _, ok := c.Executable(); !ok {
		t.Error("executable missing after concurrent builds")
	}
}

func TestLockTimeout(t *testing.T) {
	root := t.TempDir()
	tc := &fakeToolchain{makeDelay: 2 * time.Second}

	slow := newCache(t, root, tc)
	impatient := New(config.BuildCache{
		Root:           root,
		ExecutableName: exeName,
		Jobs:           1,
		LockTimeout:    300 * time.Millisecond,
	}, tc, logger.Discard())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = slow.Build(context.Background())
	}()
	time.Sleep(100 * time.Millisecond)

	_, err := impatient.Build(context.Background())
	if !errors.IsCode(err, errors.CodeBuild) || !strings.Contains(err.Error(), "build lock") {
		t.Errorf("expected lock timeout, got %v", err)
	}
	<-done
}
