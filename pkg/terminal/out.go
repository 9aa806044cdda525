package terminal

import (
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/mattn/go-isatty"
	sys "golang.org/x/sys/unix"
)

// pagingWriter writes to w. Between PageMaybe and Reset output is held
// back until it is larger than one screen, at which point it is sent to
// a pager.
type pagingWriter struct {
	w     io.Writer
	state pagerState

	held   []byte
	pager  string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	lastnl bool

	rows, cols int
}

type pagerState uint8

const (
	pagerOff pagerState = iota
	pagerArmed
	pagerOn
)

func (w *pagingWriter) Write(p []byte) (int, error) {
	switch w.state {
	case pagerArmed:
		w.held = append(w.held, p...)
		if !w.overflows() {
			if len(p) > 0 {
				w.lastnl = p[len(p)-1] == '\n'
			}
			return w.w.Write(p)
		}
		if err := w.startPager(); err != nil {
			w.state = pagerOff
			return w.w.Write(p)
		}
		return len(p), nil
	case pagerOn:
		return w.stdin.Write(p)
	}
	return w.w.Write(p)
}

func (w *pagingWriter) startPager() error {
	cmd := exec.Command(w.pager)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	if !w.lastnl {
		io.WriteString(w.w, "\n")
	}
	io.WriteString(w.w, "Sending output to pager...\n")
	stdin.Write(w.held)
	w.cmd, w.stdin, w.held = cmd, stdin, nil
	w.state = pagerOn
	return nil
}

// Reset stops paging and waits for the pager, if one was started.
func (w *pagingWriter) Reset() {
	if w.state == pagerOff {
		return
	}
	w.state = pagerOff
	w.held = nil
	if w.cmd != nil {
		w.stdin.Close()
		w.cmd.Wait()
		w.cmd, w.stdin = nil, nil
	}
}

// PageMaybe arms the pager for the output of one command. It does nothing
// when stdout is not a terminal, unless PTDBG_PAGER is set.
func (w *pagingWriter) PageMaybe() {
	if w.state != pagerOff {
		return
	}
	pager := os.Getenv("PTDBG_PAGER")
	if pager == "" {
		if f, ok := w.w.(*os.File); ok && !isatty.IsTerminal(f.Fd()) {
			return
		}
		if strings.ToLower(os.Getenv("TERM")) == "dumb" {
			return
		}
		if pager = os.Getenv("PAGER"); pager == "" {
			pager = "more"
		}
	}
	ws, err := sys.IoctlGetWinsize(int(os.Stdout.Fd()), sys.TIOCGWINSZ)
	if err != nil {
		return
	}
	w.rows, w.cols = int(ws.Row), int(ws.Col)
	w.pager = pager
	w.lastnl = true
	w.state = pagerArmed
}

// overflows reports whether the held output fills more than one screen,
// counting wrapped lines.
func (w *pagingWriter) overflows() bool {
	lines, start := 0, 0
	for i, c := range w.held {
		if c == '\n' || i-start > w.cols {
			start = i
			lines++
			if lines > w.rows {
				return true
			}
		}
	}
	return false
}
