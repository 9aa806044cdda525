//go:build linux && amd64

package native

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	sys "golang.org/x/sys/unix"

	"github.com/ptdbg/ptdbg/pkg/proc"
)

// Process statuses
const (
	statusZombie = 'Z'
	// statusStopped is job control stop on modern kernels.
	statusStopped = 'T'
)

// LaunchConfig describes how to start a new process.
type LaunchConfig struct {
	// Args is the program to run followed by its arguments.
	Args []string
	// WorkingDir is the working directory of the program, the current
	// directory if empty.
	WorkingDir string
	// TTY is the path of an existing terminal to use as the controlling
	// terminal of the program.
	TTY string
	// NewPTY runs the program on a freshly allocated pseudo-terminal.
	// Its output is copied to Output.
	NewPTY bool
	Output io.Writer
}

// Launch creates and begins debugging a new process. The process is
// stopped at the first instruction after execve.
func Launch(cfg LaunchConfig) (*Process, error) {
	if len(cfg.Args) == 0 {
		return nil, errors.New("no program to launch")
	}
	var (
		process *exec.Cmd
		err     error
		slave   *os.File
	)

	dbp := newProcess(0)
	dbp.execPtraceFunc(func() {
		process = exec.Command(cfg.Args[0])
		process.Args = cfg.Args
		process.Stdin = os.Stdin
		process.Stdout = os.Stdout
		process.Stderr = os.Stderr
		process.SysProcAttr = &syscall.SysProcAttr{
			Ptrace:  true,
			Setpgid: true,
		}
		switch {
		case cfg.TTY != "":
			dbp.ctty, err = attachProcessToTTY(process, cfg.TTY)
		case cfg.NewPTY:
			dbp.ctty, slave, err = attachProcessToPTY(process)
		}
		if err != nil {
			return
		}
		if cfg.WorkingDir != "" {
			process.Dir = cfg.WorkingDir
		}
		err = process.Start()
	})
	if slave != nil {
		slave.Close()
	}
	if err != nil {
		dbp.postExit()
		return nil, err
	}
	dbp.pid = process.Process.Pid
	dbp.childProcess = true
	if cfg.NewPTY {
		out := cfg.Output
		if out == nil {
			out = os.Stdout
		}
		go io.Copy(out, dbp.ctty)
	}

	_, status, err := dbp.wait(dbp.pid, 0)
	if err != nil {
		dbp.postExit()
		return nil, fmt.Errorf("waiting for target execve failed: %s", err)
	}
	if status == nil || !status.Stopped() {
		dbp.postExit()
		return nil, fmt.Errorf("process %d did not stop after execve", dbp.pid)
	}
	dbp.execPtraceFunc(func() { err = sys.PtraceSetOptions(dbp.pid, sys.PTRACE_O_EXITKILL) })
	if err != nil {
		dbp.log.Warnf("could not set ptrace options for %d: %v", dbp.pid, err)
	}
	dbp.initialize(cfg.Args[0])
	return dbp, nil
}

// Attach to an existing process with the given PID. The process is
// stopped when Attach returns.
func Attach(pid int) (*Process, error) {
	dbp := newProcess(pid)

	var err error
	dbp.execPtraceFunc(func() { err = ptraceAttach(dbp.pid) })
	if err != nil {
		dbp.postExit()
		return nil, err
	}
	_, status, err := dbp.wait(dbp.pid, 0)
	if err != nil {
		dbp.postExit()
		return nil, err
	}
	if status == nil || !status.Stopped() {
		dbp.postExit()
		return nil, fmt.Errorf("process %d exited while attaching", pid)
	}
	dbp.initialize("")
	return dbp, nil
}

// initialize reads the command name and executable path of the process.
func (dbp *Process) initialize(path string) {
	comm, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", dbp.pid))
	if err == nil {
		// removes newline character
		comm = bytes.TrimSuffix(comm, []byte("\n"))
	}
	dbp.comm = string(comm)

	dbp.exe = findExecutable(path, dbp.pid)
	dbp.log.Debugf("tracing %d (%s) %s", dbp.pid, dbp.comm, dbp.exe)
}

func findExecutable(path string, pid int) string {
	if exe, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid)); err == nil {
		return exe
	}
	if path != "" {
		if abs, err := filepath.Abs(path); err == nil {
			return abs
		}
	}
	return path
}

// Wait blocks until the process stops, exits or is killed.
func (dbp *Process) Wait() (proc.StopStatus, error) {
	if dbp.exited {
		return proc.StopStatus{}, dbp.exitedError()
	}
	for {
		_, status, err := dbp.wait(dbp.pid, 0)
		if err == sys.EINTR {
			continue
		}
		if err != nil {
			return proc.StopStatus{}, err
		}
		if status == nil {
			// Zombie: the exit status was lost to another waiter.
			dbp.postExit()
			return proc.StopStatus{Exited: true}, nil
		}
		st := proc.StopStatusFromWait(*status)
		if st.Exited || st.Signaled {
			dbp.postExit()
		}
		dbp.log.Debugf("wait %d: %#v", dbp.pid, st)
		return st, nil
	}
}

func status(pid int, comm string) rune {
	f, err := os.Open(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return '\000'
	}
	defer f.Close()
	rd := bufio.NewReader(f)

	var (
		p     int
		state rune
	)

	// The second field of /proc/pid/stat is the name of the task in parentheses.
	// Since both parenthesis and spaces can appear inside the name of the task and no escaping happens we need to read the name of the executable first
	_, _ = fmt.Fscanf(rd, "%d ("+comm+")  %c", &p, &state)
	return state
}

func (dbp *Process) wait(pid, options int) (int, *sys.WaitStatus, error) {
	var s sys.WaitStatus
	if pid != dbp.pid || options != 0 || dbp.comm == "" {
		wpid, err := sys.Wait4(pid, &s, sys.WALL|options, nil)
		return wpid, &s, err
	}
	// If we call wait4/waitpid on a thread that is the leader of its group,
	// with options == 0, while ptracing and the thread leader has exited leaving
	// zombies of its own then waitpid hangs forever.
	// Therefore we call wait4 in a loop with WNOHANG, sleeping a while between
	// calls and exiting when either wait4 succeeds or we find out that the thread
	// has become a zombie.
	for {
		wpid, err := sys.Wait4(pid, &s, sys.WNOHANG|sys.WALL|options, nil)
		if err != nil {
			return 0, nil, err
		}
		if wpid != 0 {
			return wpid, &s, err
		}
		if status(pid, escapeComm(dbp.comm)) == statusZombie {
			return pid, nil, nil
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func escapeComm(comm string) string {
	return string(bytes.ReplaceAll([]byte(comm), []byte("%"), []byte("%%")))
}

// Detach stops tracing the process and lets it run.
func (dbp *Process) Detach() error {
	if dbp.exited {
		return nil
	}
	var err error
	dbp.execPtraceFunc(func() { err = ptraceDetach(dbp.pid, 0) })
	if err != nil {
		return err
	}
	// The process sometimes enters the stopped state after a detach,
	// SIGCONT it if so.
	time.Sleep(50 * time.Millisecond)
	if s := status(dbp.pid, escapeComm(dbp.comm)); s == statusStopped {
		_ = sys.Kill(dbp.pid, sys.SIGCONT)
	}
	dbp.postExit()
	return nil
}

// Kill kills the target process and waits for it to die.
func (dbp *Process) Kill() error {
	if dbp.exited {
		return nil
	}
	target := dbp.pid
	if dbp.childProcess {
		// Launched processes are in their own process group.
		target = -dbp.pid
	}
	if err := sys.Kill(target, sys.SIGKILL); err != nil {
		return errors.New("could not deliver signal " + err.Error())
	}
	for {
		_, status, err := dbp.wait(dbp.pid, 0)
		if err == sys.EINTR {
			continue
		}
		if err != nil {
			dbp.postExit()
			if err == sys.ECHILD {
				return nil
			}
			return err
		}
		if status == nil || status.Exited() || status.Signaled() {
			dbp.postExit()
			return nil
		}
	}
}
