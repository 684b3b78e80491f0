//go:build windows

package process

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildCommand_Windows(t *testing.T) {
	tests := []struct {
		name    string
		command string
		args    []string
	}{
		{"empty runs rem", "", []string{"cmd", "/c", "rem"}},
		{"metachar goes through cmd", "worker.exe --stdio > NUL", []string{"cmd", "/c", "worker.exe --stdio > NUL"}},
		{"plain is split", "worker.exe --stdio", []string{"worker.exe", "--stdio"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := Spec{Name: "w", Command: tt.command}.BuildCommand()
			assert.Equal(t, tt.args, cmd.Args)
		})
	}
}
