//go:build !windows

package process

import (
	"os"
	"syscall"
)

// exitCode returns the exit status, or the negated signal number when the
// process was killed by a signal. nil means no status was available.
func exitCode(ps *os.ProcessState) *int {
	if ps == nil {
		return nil
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok {
		if ws.Signaled() {
			c := -int(ws.Signal())
			return &c
		}
		if ws.Exited() {
			c := ws.ExitStatus()
			return &c
		}
		return nil
	}
	c := ps.ExitCode()
	if c == -1 {
		return nil
	}
	return &c
}
