//go:build windows

package process

import "os"

func exitCode(ps *os.ProcessState) *int {
	if ps == nil {
		return nil
	}
	c := ps.ExitCode()
	if c == -1 {
		return nil
	}
	return &c
}
