//go:build unix

package proc

import (
	"os/exec"
	"syscall"
)

// SetProcessGroup starts cmd as the leader of a new process group.
func SetProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// TerminateGroup sends SIGTERM to the program and everything it spawned.
// exec.Cmd escalates to SIGKILL after WaitDelay.
func TerminateGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
}

// KillGroup sends SIGKILL to the whole group, including anything left
// after the leader exited.
func KillGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}
