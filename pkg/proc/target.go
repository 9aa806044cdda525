package proc

import (
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
	sys "golang.org/x/sys/unix"

	"github.com/ptdbg/ptdbg/pkg/logflags"
)

// State is the state of the process controller.
type State uint8

const (
	// StateInteractive means the target is stopped and accepts commands.
	StateInteractive State = iota
	// StateAwaitingTrap means the target is running and WaitForStop must
	// be called before anything else.
	StateAwaitingTrap
	// StateExit means the session is over.
	StateExit
)

func (s State) String() string {
	switch s {
	case StateInteractive:
		return "interactive"
	case StateAwaitingTrap:
		return "awaiting trap"
	case StateExit:
		return "exit"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// StopReason describes the reason why the target process is stopped.
type StopReason uint8

const (
	StopUnknown    StopReason = iota
	StopBreakpoint            // a user breakpoint was hit
	StopStep                  // a single step or step over completed
	StopTrap                  // SIGTRAP not caused by a known breakpoint
	StopExited                // the process exited
	StopKilled                // the process was killed by a signal
)

func (sr StopReason) String() string {
	switch sr {
	case StopBreakpoint:
		return "breakpoint"
	case StopStep:
		return "step"
	case StopTrap:
		return "trap"
	case StopExited:
		return "exited"
	case StopKilled:
		return "killed"
	}
	return "unknown"
}

// StopEvent describes a stop of the target.
type StopEvent struct {
	Reason StopReason
	PC     uint64
	// Function containing PC, empty if unresolved.
	Function string
	// Breakpoint that was hit and removed, if any.
	Breakpoint *Breakpoint
	ExitStatus int
	Signal     sys.Signal
}

func (ev *StopEvent) String() string {
	switch ev.Reason {
	case StopExited:
		return fmt.Sprintf("process exited with status %d", ev.ExitStatus)
	case StopKilled:
		return fmt.Sprintf("process killed by %v", ev.Signal)
	}
	loc := fmt.Sprintf("%#x", ev.PC)
	if ev.Function != "" {
		loc += " in " + ev.Function
	}
	switch ev.Reason {
	case StopBreakpoint:
		return "breakpoint hit at " + loc
	case StopStep:
		return "stepped to " + loc
	}
	return "stopped at " + loc
}

// Config holds the tunables of a Target.
type Config struct {
	// RearmBreakpoints keeps user breakpoints installed after a hit:
	// the next resume steps over the original instruction and writes
	// the trap back.
	RearmBreakpoints bool
	StepOverWindow   int
	UnwindCacheSize  int
	EntryPointName   string
}

// Target represents the process being debugged.
type Target struct {
	tracee   Tracee
	bi       *BinaryInfo
	unwinder *Unwinder
	loadBase uint64
	cfg      Config

	// Breakpoints installed in the process.
	Breakpoints BreakpointMap

	state  State
	exited bool
	// exitEvent is the event that ended the process.
	exitEvent *StopEvent
	// rearm is the address of a one-shot-removed breakpoint that must
	// be reinserted once the original instruction has executed.
	rearm *Breakpoint
	// pendingEvent is returned by the next WaitForStop without waiting.
	pendingEvent *StopEvent

	log logflags.Logger
}

// NewTarget returns a Target controlling tracee, which must be stopped.
// bi describes the executable of the process, mapped at loadBase.
func NewTarget(tracee Tracee, bi *BinaryInfo, loadBase uint64, cfg Config) *Target {
	if cfg.StepOverWindow <= 0 {
		cfg.StepOverWindow = 16
	}
	if cfg.EntryPointName == "" {
		cfg.EntryPointName = "_start"
	}
	if bi == nil {
		bi = NewBinaryInfo(tracee.ExecutablePath())
	}
	return &Target{
		tracee:      tracee,
		bi:          bi,
		unwinder:    NewUnwinder(bi, cfg.UnwindCacheSize),
		loadBase:    loadBase,
		cfg:         cfg,
		Breakpoints: NewBreakpointMap(),
		log:         logflags.DebuggerLogger(),
	}
}

// Pid returns the process ID.
func (t *Target) Pid() int {
	return t.tracee.Pid()
}

// BinInfo returns the BinaryInfo of the executable.
func (t *Target) BinInfo() *BinaryInfo {
	return t.bi
}

// LoadBase returns the address the executable is mapped at.
func (t *Target) LoadBase() uint64 {
	return t.loadBase
}

// State returns the state of the process controller.
func (t *Target) State() State {
	return t.state
}

// Exited returns true if the process has exited.
func (t *Target) Exited() bool {
	return t.exited
}

// Spawned returns true if the process was started by the debugger.
func (t *Target) Spawned() bool {
	return t.tracee.Spawned()
}

func (t *Target) checkStopped() error {
	switch {
	case t.state == StateExit:
		return ErrNoProcess
	case t.exited:
		return t.exitedError()
	case t.state == StateAwaitingTrap:
		return ErrProcessRunning
	}
	return nil
}

func (t *Target) exitedError() error {
	pe := ErrProcessExited{Pid: t.Pid()}
	if t.exitEvent != nil {
		pe.Status = t.exitEvent.ExitStatus
		if t.exitEvent.Reason == StopKilled {
			pe.Signal = t.exitEvent.Signal.String()
		}
	}
	return pe
}

// ResolveAddress returns the function containing the absolute address
// addr, or nil.
func (t *Target) ResolveAddress(addr uint64) *Function {
	if addr < t.loadBase {
		return nil
	}
	return t.bi.PCToFunc(addr - t.loadBase)
}

// ResolveName returns the absolute address of the function called name.
func (t *Target) ResolveName(name string) (uint64, bool) {
	fn := t.bi.LookupFunc(name)
	if fn == nil {
		return 0, false
	}
	return t.loadBase + fn.Offset, true
}

func (t *Target) funcName(addr uint64) string {
	if fn := t.ResolveAddress(addr); fn != nil {
		return fn.Name
	}
	return ""
}

// ReadMemory reads size bytes at addr, all or nothing.
func (t *Target) ReadMemory(addr uint64, size int) ([]byte, error) {
	if err := t.checkStopped(); err != nil {
		return nil, err
	}
	return ReadMemory(t.tracee, addr, size)
}

// PatchMemory overwrites the word at addr with value. Breakpoint
// bookkeeping is not updated.
func (t *Target) PatchMemory(addr, value uint64) error {
	if err := t.checkStopped(); err != nil {
		return err
	}
	return WriteWord(t.tracee, addr, value)
}

// Registers returns the general purpose registers of the stopped process.
func (t *Target) Registers() (*AMD64PtraceRegs, error) {
	if err := t.checkStopped(); err != nil {
		return nil, err
	}
	var regs AMD64PtraceRegs
	if err := t.tracee.GetRegs(&regs); err != nil {
		return nil, &TraceError{Op: "getregs", Err: err}
	}
	return &regs, nil
}

func (t *Target) setRegs(regs *AMD64PtraceRegs) error {
	if err := t.tracee.SetRegs(regs); err != nil {
		return &TraceError{Op: "setregs", Err: err}
	}
	return nil
}

// Register returns the value of the register called name.
func (t *Target) Register(name string) (uint64, error) {
	if _, err := CanonicalRegisterName(name); err != nil {
		return 0, err
	}
	regs, err := t.Registers()
	if err != nil {
		return 0, err
	}
	return regs.Get(name)
}

// SetRegister changes the register called name, writing back the whole
// register file.
func (t *Target) SetRegister(name string, value uint64) error {
	if _, err := CanonicalRegisterName(name); err != nil {
		return err
	}
	regs, err := t.Registers()
	if err != nil {
		return err
	}
	if err := regs.Set(name, value); err != nil {
		return err
	}
	return t.setRegs(regs)
}

// SetBreakpoint installs a breakpoint at addr.
func (t *Target) SetBreakpoint(addr uint64) (*Breakpoint, error) {
	if err := t.checkStopped(); err != nil {
		return nil, err
	}
	if t.rearm != nil && t.rearm.Addr == addr {
		// Already pending reinsertion.
		return nil, BreakpointExistsError{Addr: addr}
	}
	return t.Breakpoints.Set(t.tracee, addr, false)
}

// ClearBreakpoint removes the breakpoint at addr. It returns false if
// there was none.
func (t *Target) ClearBreakpoint(addr uint64) (bool, error) {
	if err := t.checkStopped(); err != nil {
		return false, err
	}
	if t.rearm != nil && t.rearm.Addr == addr {
		t.rearm = nil
		return true, nil
	}
	return t.Breakpoints.Remove(t.tracee, addr)
}

// ListBreakpoints returns the user breakpoints sorted by address.
func (t *Target) ListBreakpoints() []*Breakpoint {
	var r []*Breakpoint
	for _, bp := range t.Breakpoints.List() {
		if !bp.Temp {
			r = append(r, bp)
		}
	}
	if t.rearm != nil {
		r = append(r, t.rearm)
		sortBreakpoints(r)
	}
	return r
}

// Resume continues the process. The state becomes StateAwaitingTrap
// and WaitForStop must be called.
func (t *Target) Resume() error {
	if err := t.checkStopped(); err != nil {
		return err
	}
	if t.rearm != nil {
		ev, err := t.stepInstruction()
		if err != nil {
			return err
		}
		if ev.Reason == StopExited || ev.Reason == StopKilled || ev.Reason == StopBreakpoint {
			// Nothing to resume: report the event on the next wait.
			t.pendingEvent = ev
			t.state = StateAwaitingTrap
			return nil
		}
	}
	if err := t.tracee.Continue(0); err != nil {
		return &TraceError{Op: "cont", Err: err}
	}
	t.state = StateAwaitingTrap
	return nil
}

// WaitForStop blocks until the process stops with SIGTRAP or exits.
// Other signals are delivered to the process, except SIGSTOP which is
// suppressed, and the wait continues.
func (t *Target) WaitForStop() (*StopEvent, error) {
	if t.state != StateAwaitingTrap {
		return nil, errNotRunning
	}
	if ev := t.pendingEvent; ev != nil {
		t.pendingEvent = nil
		t.state = StateInteractive
		return ev, t.clearTempBreakpoints()
	}
	for {
		status, err := t.tracee.Wait()
		if err != nil {
			t.state = StateInteractive
			return nil, &TraceError{Op: "wait", Err: err}
		}
		if ev := t.exitEventFor(status); ev != nil {
			t.state = StateInteractive
			return ev, nil
		}
		if !status.Stopped {
			continue
		}
		if status.Signal != sys.SIGTRAP {
			fwd := status.Signal
			if fwd == sys.SIGSTOP {
				fwd = 0
			}
			t.log.Debugf("process stopped by %v, resuming with signal %d", status.Signal, fwd)
			if err := t.tracee.Continue(fwd); err != nil {
				t.state = StateInteractive
				return nil, &TraceError{Op: "cont", Err: err}
			}
			continue
		}
		t.state = StateInteractive
		ev, err := t.handleTrap(-1)
		if err != nil {
			return nil, err
		}
		return ev, t.clearTempBreakpoints()
	}
}

// clearTempBreakpoints removes the step-over breakpoints left behind
// when the process stopped before reaching them.
func (t *Target) clearTempBreakpoints() error {
	if t.exited {
		return nil
	}
	for _, bp := range t.Breakpoints.List() {
		if !bp.Temp {
			continue
		}
		if _, err := t.Breakpoints.Remove(t.tracee, bp.Addr); err != nil {
			return err
		}
		t.log.Debugf("temporary breakpoint at %#x removed", bp.Addr)
	}
	return nil
}

var errNotRunning = errors.New("process is not running")

func (t *Target) exitEventFor(status StopStatus) *StopEvent {
	var ev *StopEvent
	switch {
	case status.Exited:
		ev = &StopEvent{Reason: StopExited, ExitStatus: status.ExitStatus}
	case status.Signaled:
		ev = &StopEvent{Reason: StopKilled, Signal: status.Signal}
	default:
		return nil
	}
	t.exited = true
	t.exitEvent = ev
	t.rearm = nil
	t.Breakpoints = NewBreakpointMap()
	t.log.Debugf("process %d: %v", t.Pid(), ev)
	return ev
}

// handleTrap updates the breakpoint bookkeeping after a SIGTRAP.
// If hitAddr is negative a trap at pc-1 is a breakpoint hit, otherwise
// only a breakpoint at hitAddr can have fired.
func (t *Target) handleTrap(hitAddr int64) (*StopEvent, error) {
	var regs AMD64PtraceRegs
	if err := t.tracee.GetRegs(&regs); err != nil {
		return nil, &TraceError{Op: "getregs", Err: err}
	}
	addr := regs.PC() - 1
	ev := &StopEvent{Reason: StopTrap, PC: regs.PC(), Signal: sys.SIGTRAP}
	bp := t.Breakpoints.Find(addr)
	if bp != nil && (hitAddr < 0 || uint64(hitAddr) == addr) {
		if _, err := t.Breakpoints.Remove(t.tracee, addr); err != nil {
			return nil, err
		}
		regs.Rip = addr
		if err := t.setRegs(&regs); err != nil {
			return nil, err
		}
		ev.PC = addr
		ev.Breakpoint = bp
		ev.Reason = StopBreakpoint
		if bp.Temp {
			ev.Reason = StopStep
		} else if t.cfg.RearmBreakpoints {
			t.rearm = bp
		}
		t.log.Debugf("breakpoint at %#x hit, pc rewound", addr)
	}
	ev.Function = t.funcName(ev.PC)
	return ev, nil
}

// stepInstruction executes exactly one instruction and reinserts the
// pending breakpoint, if any.
func (t *Target) stepInstruction() (*StopEvent, error) {
	var regs AMD64PtraceRegs
	if err := t.tracee.GetRegs(&regs); err != nil {
		return nil, &TraceError{Op: "getregs", Err: err}
	}
	pc := regs.PC()

	var sig sys.Signal
	for {
		if err := t.tracee.SingleStep(sig); err != nil {
			return nil, &TraceError{Op: "singlestep", Addr: pc, Err: err}
		}
		status, err := t.tracee.Wait()
		if err != nil {
			return nil, &TraceError{Op: "wait", Err: err}
		}
		if ev := t.exitEventFor(status); ev != nil {
			return ev, nil
		}
		if status.Stopped && status.Signal != sys.SIGTRAP {
			// The step did not complete, deliver the signal while stepping.
			sig = status.Signal
			if sig == sys.SIGSTOP {
				sig = 0
			}
			continue
		}
		break
	}

	// Only the trap instruction at the old pc can have been a breakpoint.
	ev, err := t.handleTrap(int64(pc))
	if err != nil {
		return nil, err
	}
	if ev.Reason == StopTrap {
		ev.Reason = StopStep
	}
	if t.rearm != nil && t.rearm.Addr != ev.PC {
		rearm := t.rearm
		t.rearm = nil
		if _, err := t.Breakpoints.Set(t.tracee, rearm.Addr, false); err != nil {
			return nil, err
		}
	}
	return ev, nil
}

// SingleStep executes one instruction. The state stays StateInteractive.
func (t *Target) SingleStep() (*StopEvent, error) {
	if err := t.checkStopped(); err != nil {
		return nil, err
	}
	ev, err := t.stepInstruction()
	if err != nil {
		return nil, err
	}
	return ev, t.clearTempBreakpoints()
}

// StepOver steps to the next instruction, running called functions to
// completion. If the instruction at pc is a call the process is resumed
// with a temporary breakpoint on the return address, nil is returned
// and the state becomes StateAwaitingTrap. Otherwise it single steps.
func (t *Target) StepOver() (*StopEvent, error) {
	if err := t.checkStopped(); err != nil {
		return nil, err
	}
	regs, err := t.Registers()
	if err != nil {
		return nil, err
	}
	pc := regs.PC()
	inst, err := t.decodeAt(pc)
	if err != nil || !isCall(inst) {
		if err != nil {
			t.log.Debugf("step over: could not decode instruction at %#x: %v", pc, err)
		}
		return t.stepInstruction()
	}
	ret := pc + uint64(inst.Len)
	if !t.Breakpoints.IsBreakpoint(ret) && (t.rearm == nil || t.rearm.Addr != ret) {
		if _, err := t.Breakpoints.Set(t.tracee, ret, true); err != nil {
			return nil, err
		}
	}
	return nil, t.Resume()
}

func (t *Target) decodeAt(pc uint64) (*x86asm.Inst, error) {
	buf, err := ReadMemory(t.tracee, pc, t.cfg.StepOverWindow)
	if err != nil {
		// The window may cross into an unmapped page.
		buf, err = t.readWords(pc, 2)
		if err != nil {
			return nil, err
		}
	}
	t.Breakpoints.Shadow(buf, pc)
	inst, err := x86asm.Decode(buf, 64)
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

// readWords reads n words starting at addr with PTRACE_PEEKDATA.
func (t *Target) readWords(addr uint64, n int) ([]byte, error) {
	buf := make([]byte, 0, 8*n)
	for i := 0; i < n; i++ {
		w, err := ReadWord(t.tracee, addr+uint64(8*i))
		if err != nil {
			return nil, err
		}
		for j := 0; j < 8; j++ {
			buf = append(buf, byte(w>>(8*j)))
		}
	}
	return buf, nil
}

// Disassemble decodes size bytes of code starting at addr. Breakpoints
// are hidden.
func (t *Target) Disassemble(addr uint64, size int) ([]AsmInstruction, error) {
	mem, err := t.ReadMemory(addr, size)
	if err != nil {
		return nil, err
	}
	t.Breakpoints.Shadow(mem, addr)
	var pc uint64
	if regs, err := t.Registers(); err == nil {
		pc = regs.PC()
	}
	insts := decodeInstructions(mem, addr)
	for i := range insts {
		insts[i].AtPC = insts[i].Loc == pc
		insts[i].Breakpoint = t.Breakpoints.IsBreakpoint(insts[i].Loc)
	}
	return insts, nil
}

// Stacktrace returns an iterator over the callers of the current frame.
func (t *Target) Stacktrace() (*StackIterator, error) {
	regs, err := t.Registers()
	if err != nil {
		return nil, err
	}
	return newStackIterator(t, regs), nil
}

// Detach ends the session. If kill is true the process is killed,
// otherwise every breakpoint is restored and the process is released.
func (t *Target) Detach(kill bool) error {
	if t.state == StateExit {
		return nil
	}
	defer func() { t.state = StateExit }()
	if t.exited {
		return nil
	}
	if kill {
		if err := t.tracee.Kill(); err != nil {
			return &TraceError{Op: "kill", Err: err}
		}
		return nil
	}
	if t.state == StateAwaitingTrap {
		return ErrProcessRunning
	}
	if err := t.Breakpoints.RemoveAll(t.tracee); err != nil {
		return err
	}
	if err := t.tracee.Detach(); err != nil {
		return &TraceError{Op: "detach", Err: err}
	}
	return nil
}
