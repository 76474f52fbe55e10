// Package proc runs external programs with bounded output capture.
package proc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// DefaultTail is how many trailing bytes of each stream a Result keeps.
const DefaultTail = 4096

// ErrTimeout is returned when the context deadline stopped the program.
var ErrTimeout = errors.New("proc: deadline exceeded")

// Command describes one program invocation.
type Command struct {
	Name string
	Args []string
	Dir  string
	// Env is appended to the current environment.
	Env []string
	// Stdout, when set, receives the full standard output stream in
	// addition to the tail kept in Result.
	Stdout io.Writer
	// TailSize overrides DefaultTail.
	TailSize int
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Result is what is left of a finished program.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// ExitError reports a non-zero exit status.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return fmt.Sprintf("exit status %d: %s", e.Code, e.Stderr)
}

// Runner executes commands.
type Runner interface {
	Run(ctx context.Context, c Command) (Result, error)
}

// Exec runs commands with os/exec. The zero value is ready to use.
type Exec struct {
	// KillGrace is how long a timed-out program gets between SIGTERM and
	// SIGKILL. Zero means 5 seconds.
	KillGrace time.Duration
}

// Run starts the program and waits for it. A nil error means exit status 0.
// When ctx expires the whole process group is signalled and ErrTimeout is
// returned together with whatever output was captured.
func (e Exec) Run(ctx context.Context, c Command) (Result, error) {
	size := c.TailSize
	if size <= 0 {
		size = DefaultTail
	}
	stdout := NewTailBuffer(size)
	stderr := NewTailBuffer(size)

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	if c.Stdout != nil {
		cmd.Stdout = io.MultiWriter(stdout, c.Stdout)
	} else {
		cmd.Stdout = stdout
	}
	cmd.Stderr = stderr

	grace := e.KillGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	SetProcessGroup(cmd)
	cmd.Cancel = func() error { return TerminateGroup(cmd) }
	cmd.WaitDelay = grace

	start := time.Now()
	err := cmd.Run()
	res := Result{
		ExitCode: exitCode(cmd),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		KillGroup(cmd)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return res, ErrTimeout
		}
		return res, ctx.Err()
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return res, &ExitError{Code: res.ExitCode, Stderr: res.Stderr}
	}
	return res, fmt.Errorf("run %s: %w", c.Name, err)
}

func exitCode(cmd *exec.Cmd) int {
	if cmd.ProcessState == nil {
		return -1
	}
	return cmd.ProcessState.ExitCode()
}

// TailBuffer is an io.Writer that keeps only the last n bytes written.
// It is safe for concurrent use.
type TailBuffer struct {
	mu  sync.Mutex
	n   int
	buf []byte
}

func NewTailBuffer(n int) *TailBuffer {
	return &TailBuffer{n: n}
}

func (t *TailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	written := len(p)
	if len(p) >= t.n {
		t.buf = append(t.buf[:0], p[len(p)-t.n:]...)
		return written, nil
	}
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.n; over > 0 {
		t.buf = t.buf[over:]
	}
	return written, nil
}

// String returns the retained tail with surrounding whitespace trimmed,
// starting on a rune boundary.
func (t *TailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.buf
	for len(b) > 0 && !utf8.RuneStart(b[0]) {
		b = b[1:]
	}
	return string(bytes.TrimSpace(b))
}
