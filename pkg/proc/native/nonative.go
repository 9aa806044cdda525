//go:build !linux || !amd64

package native

import (
	"errors"
	"io"

	"github.com/ptdbg/ptdbg/pkg/proc"
)

// ErrNativeBackendDisabled is returned on platforms without a ptrace
// backend.
var ErrNativeBackendDisabled = errors.New("native backend is only available on linux/amd64")

// Process is never instantiated on this platform.
type Process struct {
	proc.Tracee
}

// LaunchConfig describes how to start a new process.
type LaunchConfig struct {
	Args       []string
	WorkingDir string
	TTY        string
	NewPTY     bool
	Output     io.Writer
}

// Launch returns ErrNativeBackendDisabled.
func Launch(LaunchConfig) (*Process, error) {
	return nil, ErrNativeBackendDisabled
}

// Attach returns ErrNativeBackendDisabled.
func Attach(int) (*Process, error) {
	return nil, ErrNativeBackendDisabled
}
