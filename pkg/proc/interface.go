package proc

import (
	sys "golang.org/x/sys/unix"
)

// WordReadWriter reads and writes aligned machine words of the target,
// the unit PTRACE_PEEKDATA and PTRACE_POKEDATA work with.
type WordReadWriter interface {
	PeekWord(addr uint64) (uint64, error)
	PokeWord(addr, data uint64) error
}

// MemoryReader reads target memory into buf, returning how many bytes
// were transferred.
type MemoryReader interface {
	ReadMemory(buf []byte, addr uint64) (int, error)
}

// Tracee is a single traced thread of a stopped or running process.
// Implementations must serialize all requests on the thread that
// attached to the process.
type Tracee interface {
	WordReadWriter
	MemoryReader

	Pid() int
	// ExecutablePath returns the path of the executable image of the process.
	ExecutablePath() string
	// Spawned is true if the process was started by the debugger.
	Spawned() bool

	GetRegs(regs *AMD64PtraceRegs) error
	SetRegs(regs *AMD64PtraceRegs) error

	// Continue resumes the process delivering sig, 0 for no signal.
	Continue(sig sys.Signal) error
	// SingleStep executes one instruction delivering sig, 0 for no signal.
	SingleStep(sig sys.Signal) error
	// Wait blocks until the process changes state.
	Wait() (StopStatus, error)

	// Detach stops tracing the process and lets it run.
	Detach() error
	// Kill terminates the process and reaps it.
	Kill() error
}

// StopStatus describes a state change of the tracee as reported by wait.
type StopStatus struct {
	Exited     bool
	ExitStatus int
	Signaled   bool
	Stopped    bool
	// Signal is the stop signal when Stopped and the terminating signal
	// when Signaled.
	Signal sys.Signal
}

// StopStatusFromWait converts a wait status to a StopStatus.
func StopStatusFromWait(ws sys.WaitStatus) StopStatus {
	switch {
	case ws.Exited():
		return StopStatus{Exited: true, ExitStatus: ws.ExitStatus()}
	case ws.Signaled():
		return StopStatus{Signaled: true, Signal: ws.Signal()}
	case ws.Stopped():
		return StopStatus{Stopped: true, Signal: ws.StopSignal()}
	}
	return StopStatus{}
}
