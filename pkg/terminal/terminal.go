package terminal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"

	"github.com/go-delve/liner"
	"github.com/mattn/go-colorable"
	sys "golang.org/x/sys/unix"

	"github.com/ptdbg/ptdbg/pkg/config"
	"github.com/ptdbg/ptdbg/pkg/logflags"
	"github.com/ptdbg/ptdbg/pkg/proc"
	"github.com/ptdbg/ptdbg/pkg/terminal/starbind"
	"github.com/ptdbg/ptdbg/service/api"
	"github.com/ptdbg/ptdbg/service/debugger"
)

const (
	terminalHighlightEscapeCode string = "\033[%2dm"
	terminalResetEscapeCode     string = "\033[0m"
)

const (
	ansiRed    = 31
	ansiGreen  = 32
	ansiYellow = 33
	ansiBlue   = 34
)

// Term represents the terminal running ptdbg.
type Term struct {
	debugger *debugger.Debugger
	conf     *config.Config
	prompt   string
	line     *liner.State
	cmds     *Commands
	dumb     bool
	stdout   *pagingWriter
	InitFile string

	starlarkEnv *starbind.Env

	// waitingPid is the pid of the process while the terminal is blocked
	// waiting for it to stop, 0 otherwise.
	waitingMu  sync.Mutex
	waitingPid int

	log logflags.Logger
}

// New returns a new Term.
func New(d *debugger.Debugger, conf *config.Config) *Term {
	if conf == nil {
		conf = config.Default()
	}
	cmds := DebugCommands()
	if conf.Aliases != nil {
		cmds.Merge(conf.Aliases)
	}

	var w io.Writer

	dumb := strings.ToLower(os.Getenv("TERM")) == "dumb"
	if dumb {
		w = os.Stdout
	} else {
		w = colorable.NewColorableStdout()
	}

	t := &Term{
		debugger: d,
		conf:     conf,
		prompt:   "(ptdbg) ",
		line:     liner.NewLiner(),
		cmds:     cmds,
		dumb:     dumb,
		stdout:   &pagingWriter{w: w},
		log:      logflags.TerminalLogger(),
	}
	t.starlarkEnv = starbind.New(starlarkContext{t}, t.stdout)
	return t
}

// Close returns the terminal to its previous mode.
func (t *Term) Close() {
	t.line.Close()
}

// sigintGuard sends SIGINT to the process while the terminal waits for
// it to stop. The wait passes the signal on to the process, which
// handles it with its own disposition, by default terminating. Outside
// of a wait SIGINT cancels the running script, if any.
func (t *Term) sigintGuard(ch <-chan os.Signal) {
	for range ch {
		t.waitingMu.Lock()
		pid := t.waitingPid
		t.waitingMu.Unlock()
		if pid == 0 {
			t.starlarkEnv.Cancel()
			continue
		}
		fmt.Fprintf(os.Stderr, "received SIGINT, interrupting process %d\n", pid)
		if err := sys.Kill(pid, sys.SIGINT); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
		}
	}
}

// Run begins running ptdbg in the terminal.
func (t *Term) Run() (int, error) {
	defer t.Close()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT)
	defer signal.Stop(ch)
	go t.sigintGuard(ch)

	t.line.SetCtrlCAborts(true)
	t.line.SetCompleter(t.cmds.complete)

	t.loadHistory()
	fmt.Println("Type 'help' for list of commands.")

	if t.InitFile != "" {
		err := t.sourceFile(t.InitFile)
		if err != nil {
			if _, ok := err.(ExitRequestError); ok {
				return t.handleExit()
			}
			fmt.Fprintf(os.Stderr, "Error executing init file: %s\n", err)
		}
	}

	for {
		if t.debugger.State().State == proc.StateExit.String() {
			return t.handleExit()
		}

		if t.debugger.Running() {
			if err := t.waitForStop(); err != nil {
				fmt.Fprintf(os.Stderr, "Command failed: %s\n", err)
			}
			continue
		}

		cmdstr, err := t.promptForInput()
		if err != nil {
			if err == io.EOF {
				fmt.Println("exit")
				return t.handleExit()
			}
			if err == liner.ErrPromptAborted {
				continue
			}
			return 1, fmt.Errorf("prompt for input failed: %v", err)
		}

		if err := t.cmds.Call(cmdstr, t); err != nil {
			if _, ok := err.(ExitRequestError); ok {
				return t.handleExit()
			}
			t.printError(err)
		}
	}
}

// printError reports the error of a command. Errors never end the
// session.
func (t *Term) printError(err error) {
	var nbp proc.NoBreakpointError
	var pe proc.ErrProcessExited
	switch {
	case errors.As(err, &nbp), errors.As(err, &pe):
		fmt.Fprintln(os.Stderr, err.Error())
	default:
		fmt.Fprintf(os.Stderr, "Command failed: %s\n", err)
	}
}

// waitForStop blocks until the running process stops and prints the
// stop.
func (t *Term) waitForStop() error {
	pid := t.debugger.ProcessPid()
	t.waitingMu.Lock()
	t.waitingPid = pid
	t.waitingMu.Unlock()
	defer func() {
		t.waitingMu.Lock()
		t.waitingPid = 0
		t.waitingMu.Unlock()
	}()

	ev, err := t.debugger.Wait()
	if err != nil {
		return err
	}
	t.printStop(ev)
	return nil
}

// printStop prints the reason the process stopped.
func (t *Term) printStop(ev *api.StopEvent) {
	color := ansiBlue
	switch ev.Reason {
	case api.StopBreakpoint:
		color = ansiGreen
	case api.StopExited, api.StopKilled:
		color = ansiRed
	case api.StopTrap:
		color = ansiYellow
	}
	t.Println("> ", ev.String(), color)
	if ev.Exited() && t.debugger.CanRestart() {
		fmt.Fprintln(t.stdout, "Use 'restart' to run the program again.")
	}
}

// Println prints a line to the terminal, with prefix highlighted.
func (t *Term) Println(prefix, str string, color int) {
	if !t.dumb {
		terminalColorEscapeCode := fmt.Sprintf(terminalHighlightEscapeCode, color)
		prefix = fmt.Sprintf("%s%s%s", terminalColorEscapeCode, prefix, terminalResetEscapeCode)
	}
	fmt.Fprintf(t.stdout, "%s%s\n", prefix, str)
}

func (t *Term) promptForInput() (string, error) {
	l, err := t.line.Prompt(t.prompt)
	if err != nil {
		return "", err
	}

	l = strings.TrimSuffix(l, "\n")
	if l != "" {
		t.line.AppendHistory(l)
	}

	return l, nil
}

func (t *Term) historyPath() string {
	p, err := t.conf.HistoryPath()
	if err != nil {
		t.log.Warnf("no history file: %v", err)
		return ""
	}
	return p
}

func (t *Term) loadHistory() {
	p := t.historyPath()
	if p == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(p), 0700); err != nil {
		fmt.Printf("Unable to create history directory: %v. History will not be saved for this session.\n", err)
		return
	}
	f, err := os.Open(p)
	if err != nil {
		f, err = os.Create(p)
		if err != nil {
			fmt.Printf("Unable to open history file: %v. History will not be saved for this session.\n", err)
			return
		}
	}
	if _, err := t.line.ReadHistory(f); err != nil {
		t.log.Debugf("reading history: %v", err)
	}
	f.Close()
}

func (t *Term) saveHistory() {
	p := t.historyPath()
	if p == "" {
		return
	}
	f, err := os.OpenFile(p, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		fmt.Println("Error saving history file:", err)
		return
	}
	defer f.Close()
	if _, err := t.line.WriteHistory(f); err != nil {
		fmt.Println("readline history error:", err)
	}
}

func yesno(line *liner.State, question string) (bool, error) {
	for {
		answer, err := line.Prompt(question)
		if err != nil {
			return false, err
		}
		answer = strings.ToLower(strings.TrimSpace(answer))
		switch answer {
		case "n", "no":
			return false, nil
		case "y", "yes":
			return true, nil
		}
	}
}

// handleExit ends the session: launched processes are killed, the user
// is asked whether an attached process should be killed or released.
func (t *Term) handleExit() (int, error) {
	t.saveHistory()

	s := t.debugger.State()
	if s.State == proc.StateExit.String() || s.Exited {
		if err := t.debugger.Detach(false); err != nil {
			return 1, err
		}
		return 0, nil
	}

	kill := true
	if !t.debugger.CanRestart() {
		answer, err := yesno(t.line, "Would you like to kill the process? [Y/n] ")
		if err != nil {
			return 2, io.EOF
		}
		kill = answer
	}
	if err := t.debugger.Detach(kill); err != nil {
		return 1, err
	}
	return 0, nil
}

// complete returns the command names starting with line.
func (c *Commands) complete(line string) []string {
	r := c.trie.PrefixSearch(strings.ToLower(line))
	sort.Strings(r)
	return r
}
