//go:build !windows

package pty

import (
	"syscall"
)

// IsAlive reports whether the child still runs, by sending it signal 0.
// A reaped or never-started child is not alive.
func (p *Process) IsAlive() bool {
	if p.Cmd == nil || p.Cmd.Process == nil {
		return false
	}
	if p.exited.Load() {
		return false
	}
	return p.Cmd.Process.Signal(syscall.Signal(0)) == nil
}
