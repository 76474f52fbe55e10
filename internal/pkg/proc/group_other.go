//go:build !unix

package proc

import "os/exec"

// SetProcessGroup is a no-op where process groups do not exist.
func SetProcessGroup(*exec.Cmd) {}

// TerminateGroup kills the program; there is no graceful signal here.
func TerminateGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

// KillGroup kills the program itself.
func KillGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}
