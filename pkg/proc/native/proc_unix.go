//go:build linux && amd64

package native

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/creack/pty"
	isatty "github.com/mattn/go-isatty"
)

func attachProcessToTTY(process *exec.Cmd, tty string) (*os.File, error) {
	f, err := os.OpenFile(tty, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	if !isatty.IsTerminal(f.Fd()) {
		f.Close()
		return nil, fmt.Errorf("%s is not a terminal", f.Name())
	}
	setControllingTerminal(process, f)
	return f, nil
}

// attachProcessToPTY allocates a pseudo-terminal and makes its slave end
// the controlling terminal of process. The slave must be closed once the
// process has started.
func attachProcessToPTY(process *exec.Cmd) (master, slave *os.File, err error) {
	master, slave, err = pty.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("could not allocate pseudo-terminal: %v", err)
	}
	setControllingTerminal(process, slave)
	return master, slave, nil
}

func setControllingTerminal(process *exec.Cmd, f *os.File) {
	process.Stdin = f
	process.Stdout = f
	process.Stderr = f
	process.SysProcAttr.Setpgid = false
	process.SysProcAttr.Setsid = true
	process.SysProcAttr.Setctty = true
}
