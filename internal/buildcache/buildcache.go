// Package buildcache keeps a compiled simulation executable on persistent
// storage and rebuilds it from source when asked.
//
// Layout under the cache root:
//
//	source/          git checkout
//	build/           cmake output, including the executable
//	.build-complete  marker written after a successful build
//	.build.lock      advisory lock serializing builds across processes
package buildcache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/gofrs/flock"

	"fluidsim/internal/config"
	"fluidsim/internal/pkg/errors"
	"fluidsim/internal/pkg/logger"
	"fluidsim/internal/pkg/proc"
)

const (
	markerName = ".build-complete"
	lockName   = ".build.lock"
)

// generatedArtifacts are cmake leftovers removed from the source tree before
// configuring. Nothing else in the tree is touched.
var generatedArtifacts = []string{
	"CMakeCache.txt",
	"cmake_install.cmake",
	"Makefile",
	"CMakeFiles",
}

// Entry is a built executable and the checkout it came from.
type Entry struct {
	SourceDir      string    `json:"source_dir"`
	ExecutablePath string    `json:"executable_path"`
	Revision       string    `json:"revision,omitempty"`
	SyncedAt       time.Time `json:"synced_at"`
	BuiltAt        time.Time `json:"built_at"`
	// Stale is set when updating the checkout failed and the build used
	// whatever source was already on disk.
	Stale bool `json:"stale"`
}

// Valid reports whether the executable exists and is not older than the
// last source sync.
func (e *Entry) Valid() bool {
	st, err := os.Stat(e.ExecutablePath)
	if err != nil || !st.Mode().IsRegular() {
		return false
	}
	return !st.ModTime().Before(e.SyncedAt.Truncate(time.Second))
}

// Cache is a handle over one cache root. It holds no mutable state of its
// own; coordination between callers goes through the lock file.
type Cache struct {
	root        string
	repoURL     string
	exeName     string
	jobs        int
	lockTimeout time.Duration

	run proc.Runner
	log *logger.Logger
}

// New returns a cache over cfg.Root. A nil runner means real processes.
func New(cfg config.BuildCache, run proc.Runner, log *logger.Logger) *Cache {
	if run == nil {
		run = proc.Exec{}
	}
	if log == nil {
		log = logger.NewDefault()
	}
	jobs := cfg.Jobs
	if jobs < 1 {
		jobs = 1
	}
	lockTimeout := cfg.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = 15 * time.Minute
	}
	return &Cache{
		root:        cfg.Root,
		repoURL:     cfg.RepoURL,
		exeName:     cfg.ExecutableName,
		jobs:        jobs,
		lockTimeout: lockTimeout,
		run:         run,
		log:         log.WithComponent("buildcache"),
	}
}

func (c *Cache) SourceDir() string      { return filepath.Join(c.root, "source") }
func (c *Cache) BuildDir() string       { return filepath.Join(c.root, "build") }
func (c *Cache) ExecutablePath() string { return filepath.Join(c.BuildDir(), c.exeName) }
func (c *Cache) markerPath() string     { return filepath.Join(c.root, markerName) }

// Executable returns the executable path if the file is present, regardless
// of the marker.
func (c *Cache) Executable() (string, bool) {
	st, err := os.Stat(c.ExecutablePath())
	if err != nil || !st.Mode().IsRegular() {
		return "", false
	}
	return c.ExecutablePath(), true
}

// Current returns the committed entry, or nil when there is none.
func (c *Cache) Current() *Entry {
	data, err := os.ReadFile(c.markerPath())
	if err != nil {
		return nil
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		c.log.Warn("ignoring unreadable build marker", "error", err.Error())
		return nil
	}
	return &e
}

// Ensure returns a valid entry, building only when there is none. It is
// cheap to call when the cache is warm.
func (c *Cache) Ensure(ctx context.Context) (*Entry, error) {
	if e := c.Current(); e != nil && e.Valid() {
		return e, nil
	}

	unlock, err := c.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Another caller may have finished a build while we waited.
	if e := c.Current(); e != nil && e.Valid() {
		c.log.Debug("reusing build completed by another caller")
		return e, nil
	}
	return c.build(ctx)
}

// Build syncs the checkout and compiles it, whether or not a valid entry
// exists.
func (c *Cache) Build(ctx context.Context) (*Entry, error) {
	unlock, err := c.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	return c.build(ctx)
}

// ForceRebuild deletes the checkout and the build output, then builds from
// scratch.
func (c *Cache) ForceRebuild(ctx context.Context) (*Entry, error) {
	const op = "buildcache.force_rebuild"

	unlock, err := c.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	c.log.Info("clearing build cache")
	for _, p := range []string{c.markerPath(), c.SourceDir(), c.BuildDir()} {
		if err := os.RemoveAll(p); err != nil {
			return nil, errors.WrapWithCode(err, errors.CodeBuild, op, "failed to clear build cache")
		}
	}
	return c.build(ctx)
}

func (c *Cache) lock(ctx context.Context) (func(), error) {
	const op = "buildcache.lock"

	if err := os.MkdirAll(c.root, 0o755); err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeBuild, op, "failed to create cache root")
	}

	fl := flock.New(filepath.Join(c.root, lockName))
	lockCtx, cancel := context.WithTimeout(ctx, c.lockTimeout)
	defer cancel()

	ok, err := fl.TryLockContext(lockCtx, 250*time.Millisecond)
	if err != nil || !ok {
		if err == nil {
			err = fmt.Errorf("lock %s not acquired", fl.Path())
		}
		return nil, errors.WrapWithCode(err, errors.CodeBuild, op, "timed out waiting for build lock")
	}
	return func() { _ = fl.Unlock() }, nil
}

// build runs with the lock held.
func (c *Cache) build(ctx context.Context) (*Entry, error) {
	const op = "buildcache.build"
	log := c.log.WithStage("build")
	start := time.Now()

	// Invalidate first so a crash mid-build never leaves a marker pointing
	// at a half written executable.
	if err := os.Remove(c.markerPath()); err != nil && !os.IsNotExist(err) {
		return nil, errors.WrapWithCode(err, errors.CodeBuild, op, "failed to remove build marker")
	}

	stale, err := c.sync(ctx)
	if err != nil {
		return nil, err
	}
	syncedAt := time.Now()

	if err := c.cleanGenerated(); err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeBuild, op, "failed to clean generated files")
	}
	if err := os.MkdirAll(c.BuildDir(), 0o755); err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeBuild, op, "failed to create build directory")
	}

	log.Info("configuring")
	if err := c.step(ctx, "configure", proc.Command{
		Name: "cmake",
		Args: []string{c.SourceDir(), "-DCMAKE_BUILD_TYPE=Release"},
		Dir:  c.BuildDir(),
	}); err != nil {
		return nil, err
	}

	log.Info("compiling", "jobs", c.jobs)
	if err := c.step(ctx, "compile", proc.Command{
		Name: "make",
		Args: []string{"-j" + strconv.Itoa(c.jobs)},
		Dir:  c.BuildDir(),
	}); err != nil {
		return nil, err
	}

	exe, ok := c.Executable()
	if !ok {
		e := errors.Newf(errors.CodeBuild, "Build failed: %s not found, build directory contains %v",
			c.exeName, listDir(c.BuildDir()))
		e.Op = op
		return nil, e
	}

	// make may skip relinking when nothing changed; the executable still
	// has to post-date this sync to count as valid.
	now := time.Now()
	if err := os.Chtimes(exe, now, now); err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeBuild, op, "failed to stamp executable")
	}

	entry := &Entry{
		SourceDir:      c.SourceDir(),
		ExecutablePath: exe,
		Revision:       c.revision(ctx),
		SyncedAt:       syncedAt,
		BuiltAt:        time.Now(),
		Stale:          stale,
	}
	if err := c.commit(entry); err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeBuild, op, "failed to persist build marker")
	}

	log.Info("build complete",
		"executable", exe,
		"revision", entry.Revision,
		"stale", stale,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return entry, nil
}

// sync clones the repository when there is no checkout and pulls otherwise.
// A failed pull is tolerated and reported as stale.
func (c *Cache) sync(ctx context.Context) (stale bool, err error) {
	const op = "buildcache.sync"

	if _, err := os.Stat(filepath.Join(c.SourceDir(), ".git")); err == nil {
		res, err := c.run.Run(ctx, proc.Command{Name: "git", Args: []string{"pull"}, Dir: c.SourceDir()})
		if err != nil {
			c.log.Warn("git pull failed, building cached source",
				"error", err.Error(),
				"stderr", errors.Tail(res.Stderr, 300),
			)
			return true, nil
		}
		return false, nil
	}

	// A partial checkout from an interrupted clone would make git refuse.
	if err := os.RemoveAll(c.SourceDir()); err != nil {
		return false, errors.WrapWithCode(err, errors.CodeBuild, op, "failed to remove partial checkout")
	}
	c.log.Info("cloning source", "repo", c.repoURL)
	res, err := c.run.Run(ctx, proc.Command{
		Name: "git",
		Args: []string{"clone", "--depth=1", c.repoURL, c.SourceDir()},
		Dir:  c.root,
	})
	if err != nil {
		e := errors.Newf(errors.CodeBuild, "Build failed: clone %s: %s", c.repoURL, errors.Tail(res.Stderr, 500))
		e.Op = op
		e.Err = err
		return false, e
	}
	return false, nil
}

func (c *Cache) step(ctx context.Context, name string, cmd proc.Command) error {
	res, err := c.run.Run(ctx, cmd)
	if err == nil {
		return nil
	}
	c.log.Output(name, "stdout", res.Stdout)
	tail := res.Stderr
	if tail == "" {
		tail = res.Stdout
	}
	e := errors.Newf(errors.CodeBuild, "Build failed: %s: %s", name, errors.Tail(tail, 500))
	e.Op = "buildcache." + name
	e.Err = err
	return e
}

func (c *Cache) cleanGenerated() error {
	for _, name := range generatedArtifacts {
		if err := os.RemoveAll(filepath.Join(c.SourceDir(), name)); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache) revision(ctx context.Context) string {
	res, err := c.run.Run(ctx, proc.Command{
		Name: "git",
		Args: []string{"rev-parse", "HEAD"},
		Dir:  c.SourceDir(),
	})
	if err != nil {
		return ""
	}
	return res.Stdout
}

// commit writes the marker so that it survives a crash right after return.
func (c *Cache) commit(e *Entry) error {
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(c.root, markerName+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), c.markerPath()); err != nil {
		return err
	}
	return syncDir(c.root)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", dir, err)
	}
	return nil
}

func listDir(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}
