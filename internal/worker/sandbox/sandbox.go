// Package sandbox runs the headless X display the simulation renders into.
package sandbox

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"fluidsim/internal/pkg/errors"
	"fluidsim/internal/pkg/logger"
	"fluidsim/internal/pkg/proc"
)

const stopGracePeriod = 5 * time.Second

// Display describes how to launch the virtual display server.
type Display struct {
	Binary  string
	Display string
	Screen  string
	// Args overrides the argument list built from Display and Screen.
	Args   []string
	Settle time.Duration
	Log    *logger.Logger
}

// NewXvfb returns the production display: Xvfb :99 at 1920x1080x24.
func NewXvfb(log *logger.Logger) *Display {
	return &Display{
		Binary:  "Xvfb",
		Display: ":99",
		Screen:  "1920x1080x24",
		Settle:  2 * time.Second,
		Log:     log,
	}
}

func (d *Display) args() []string {
	if d.Args != nil {
		return d.Args
	}
	return []string{d.Display, "-screen", "0", d.Screen}
}

// Session is one running display server. Stop must be called on every path.
type Session struct {
	display string
	cmd     *exec.Cmd
	done    chan struct{}
	stderr  *proc.TailBuffer
	log     *logger.Logger

	stopOnce sync.Once
}

// Start launches the server and waits for the settle delay. If the server
// exits during that window a SANDBOX_FAILED error is returned and nothing is
// left running.
func (d *Display) Start(ctx context.Context) (*Session, error) {
	const op = "sandbox.start"

	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	log = log.WithComponent("sandbox")

	stderr := proc.NewTailBuffer(2048)
	// Not bound to ctx: the session outlives the call and Stop owns teardown.
	cmd := exec.Command(d.Binary, d.args()...)
	cmd.Stdout = stderr
	cmd.Stderr = stderr
	proc.SetProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeSandbox, op, "failed to start display server")
	}

	s := &Session{
		display: d.Display,
		cmd:     cmd,
		done:    make(chan struct{}),
		stderr:  stderr,
		log:     log,
	}
	go func() {
		_ = cmd.Wait()
		close(s.done)
	}()

	log.Debug("display server started", "bin", d.Binary, "display", d.Display, "pid", cmd.Process.Pid)

	timer := time.NewTimer(d.Settle)
	defer timer.Stop()

	select {
	case <-s.done:
		e := errors.Newf(errors.CodeSandbox, "display server exited during startup: %s", stderr.String())
		e.Op = op
		return nil, e
	case <-ctx.Done():
		s.Stop()
		return nil, errors.WrapWithCode(ctx.Err(), errors.CodeSandbox, op, "canceled while display server was starting")
	case <-timer.C:
	}

	return s, nil
}

// Env returns the variables a child process needs to use the display.
func (s *Session) Env() []string {
	if s.display == "" {
		return nil
	}
	return []string{"DISPLAY=" + s.display}
}

// Pid is the display server's process id.
func (s *Session) Pid() int {
	return s.cmd.Process.Pid
}

// Running reports whether the server process has not exited yet.
func (s *Session) Running() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Stop terminates the server: SIGTERM to its process group, then SIGKILL
// after a grace period. Safe to call more than once.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		if !s.Running() {
			return
		}
		_ = proc.TerminateGroup(s.cmd)

		select {
		case <-s.done:
		case <-time.After(stopGracePeriod):
			s.log.Warn("display server ignored SIGTERM, killing")
			proc.KillGroup(s.cmd)
			<-s.done
		}
		s.log.Output("display server", "stderr", s.stderr.String())
		s.log.Debug("display server stopped")
	})
}

// Lookup reports whether the display binary can be found, for health checks.
func (d *Display) Lookup() error {
	if _, err := exec.LookPath(d.Binary); err != nil {
		return err
	}
	if d.Display != "" && !strings.HasPrefix(d.Display, ":") {
		return fmt.Errorf("invalid display %q", d.Display)
	}
	return nil
}
