//go:build linux && amd64

package native

import (
	"encoding/binary"
	"os"
	"runtime"

	sys "golang.org/x/sys/unix"

	"github.com/ptdbg/ptdbg/pkg/logflags"
	"github.com/ptdbg/ptdbg/pkg/proc"
)

// Process is a process traced with ptrace(2). It implements proc.Tracee.
type Process struct {
	pid  int
	exe  string
	comm string
	// childProcess is true if this process was launched, not attached to.
	childProcess bool

	// ctty is the terminal the process was started on, if any.
	ctty *os.File

	ptraceChan     chan func()
	ptraceDoneChan chan interface{}

	exited bool

	log logflags.Logger
}

var _ proc.Tracee = (*Process)(nil)

// newProcess returns an initialized Process struct. Before returning,
// it will also launch a goroutine in order to handle ptrace(2)
// functions. For more information, see the documentation on
// `handlePtraceFuncs`.
func newProcess(pid int) *Process {
	dbp := &Process{
		pid:            pid,
		ptraceChan:     make(chan func()),
		ptraceDoneChan: make(chan interface{}),
		log:            logflags.PtraceLogger(),
	}
	go dbp.handlePtraceFuncs()
	return dbp
}

// Pid returns the process ID.
func (dbp *Process) Pid() int {
	return dbp.pid
}

// ExecutablePath returns the path of the executable of the process.
func (dbp *Process) ExecutablePath() string {
	return dbp.exe
}

// Spawned returns true if the process was launched by the debugger.
func (dbp *Process) Spawned() bool {
	return dbp.childProcess
}

func (dbp *Process) handlePtraceFuncs() {
	// We must ensure here that we are running on the same thread during
	// while invoking the ptrace(2) syscall. This is due to the fact that ptrace(2) expects
	// all commands after PTRACE_ATTACH to come from the same thread.
	runtime.LockOSThread()

	for fn := range dbp.ptraceChan {
		fn()
		dbp.ptraceDoneChan <- nil
	}
}

func (dbp *Process) execPtraceFunc(fn func()) {
	dbp.ptraceChan <- fn
	<-dbp.ptraceDoneChan
}

func (dbp *Process) exitedError() error {
	return proc.ErrProcessExited{Pid: dbp.pid}
}

// PeekWord reads the word at addr with PTRACE_PEEKDATA.
func (dbp *Process) PeekWord(addr uint64) (uint64, error) {
	if dbp.exited {
		return 0, dbp.exitedError()
	}
	var buf [8]byte
	var err error
	dbp.execPtraceFunc(func() { _, err = sys.PtracePeekData(dbp.pid, uintptr(addr), buf[:]) })
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// PokeWord writes the word at addr with PTRACE_POKEDATA.
func (dbp *Process) PokeWord(addr, data uint64) error {
	if dbp.exited {
		return dbp.exitedError()
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], data)
	var err error
	dbp.execPtraceFunc(func() { _, err = sys.PtracePokeData(dbp.pid, uintptr(addr), buf[:]) })
	return err
}

// ReadMemory reads len(data) bytes at addr with a single
// process_vm_readv call.
func (dbp *Process) ReadMemory(data []byte, addr uint64) (n int, err error) {
	if dbp.exited {
		return 0, dbp.exitedError()
	}
	if len(data) == 0 {
		return
	}
	dbp.execPtraceFunc(func() { n, err = processVmRead(dbp.pid, uintptr(addr), data) })
	return
}

// GetRegs reads the general purpose registers.
func (dbp *Process) GetRegs(regs *proc.AMD64PtraceRegs) (err error) {
	if dbp.exited {
		return dbp.exitedError()
	}
	dbp.execPtraceFunc(func() { err = sys.PtraceGetRegs(dbp.pid, (*sys.PtraceRegs)(regs)) })
	return
}

// SetRegs writes the general purpose registers.
func (dbp *Process) SetRegs(regs *proc.AMD64PtraceRegs) (err error) {
	if dbp.exited {
		return dbp.exitedError()
	}
	dbp.execPtraceFunc(func() { err = sys.PtraceSetRegs(dbp.pid, (*sys.PtraceRegs)(regs)) })
	return
}

// Continue resumes the process, delivering sig unless it is 0.
func (dbp *Process) Continue(sig sys.Signal) (err error) {
	if dbp.exited {
		return dbp.exitedError()
	}
	dbp.log.Debugf("continue %d signal %d", dbp.pid, sig)
	dbp.execPtraceFunc(func() { err = ptraceCont(dbp.pid, int(sig)) })
	return
}

// SingleStep executes a single instruction, delivering sig unless it is 0.
func (dbp *Process) SingleStep(sig sys.Signal) (err error) {
	if dbp.exited {
		return dbp.exitedError()
	}
	dbp.log.Debugf("singlestep %d signal %d", dbp.pid, sig)
	dbp.execPtraceFunc(func() { err = ptraceSingleStep(dbp.pid, int(sig)) })
	return
}

func (dbp *Process) postExit() {
	if dbp.exited {
		return
	}
	dbp.exited = true
	close(dbp.ptraceChan)
	if dbp.ctty != nil {
		dbp.ctty.Close()
	}
}
