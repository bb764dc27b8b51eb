// SPDX-License-Identifier: MIT

// Package procgroup starts child processes in their own process group so
// that stopping a capture or recording pipeline reaps its whole tree, not
// just the root process.
package procgroup

import (
	"os/exec"
	"syscall"
)

// Set configures cmd to start as a process group leader. Must be called
// before cmd.Start for Kill to reach the whole group.
func Set(cmd *exec.Cmd) {
	set(cmd)
}

// Kill signals the process group of a started command. A command that never
// started or has already exited is not an error.
func Kill(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return kill(cmd, sig)
}
