package debugger

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/ptdbg/ptdbg/pkg/logflags"
	"github.com/ptdbg/ptdbg/pkg/proc"
	"github.com/ptdbg/ptdbg/pkg/proc/native"
	"github.com/ptdbg/ptdbg/service/api"
)

// Debugger service.
//
// Debugger provides a higher level of abstraction over proc.Target.
// It resolves user input to addresses, converts internal types to the
// types expected by clients and serializes all access to the target so
// that several front-ends can share it.
type Debugger struct {
	config *Config
	// arguments to launch a new process, nil if attached.
	processArgs []string
	attachPid   int

	targetMutex sync.Mutex
	target      *proc.Target
	backend     backend
	log         logflags.Logger
}

// Config provides the configuration to start a Debugger.
type Config struct {
	// WorkingDir is working directory of the new process. This field is used
	// only when launching a new process.
	WorkingDir string
	// TTY is the terminal launched processes use.
	TTY string
	// NewPTY launches processes on a new pseudo-terminal whose output is
	// copied to Output.
	NewPTY bool
	Output io.Writer

	// RearmBreakpoints keeps breakpoints installed after they are hit.
	RearmBreakpoints bool
	// StepOverWindow is how many bytes are decoded to recognize a call.
	StepOverWindow int
	// UnwindCacheSize is the number of unwind rows cached.
	UnwindCacheSize int
	// EntryPointName names return addresses outside of any function.
	EntryPointName string
}

func (c *Config) targetConfig() proc.Config {
	return proc.Config{
		RearmBreakpoints: c.RearmBreakpoints,
		StepOverWindow:   c.StepOverWindow,
		UnwindCacheSize:  c.UnwindCacheSize,
		EntryPointName:   c.EntryPointName,
	}
}

// backend creates tracees and inspects their address space.
type backend struct {
	launch         func(native.LaunchConfig) (proc.Tracee, error)
	attach         func(pid int) (proc.Tracee, error)
	loadBase       func(pid int) (uint64, error)
	loadBinaryInfo func(path string) (*proc.BinaryInfo, error)
}

var nativeBackend = backend{
	launch: func(cfg native.LaunchConfig) (proc.Tracee, error) {
		p, err := native.Launch(cfg)
		if err != nil {
			return nil, err
		}
		return p, nil
	},
	attach: func(pid int) (proc.Tracee, error) {
		p, err := native.Attach(pid)
		if err != nil {
			return nil, err
		}
		return p, nil
	},
	loadBase:       proc.LoadBase,
	loadBinaryInfo: proc.LoadBinaryInfo,
}

// New creates a new Debugger with no target, see Init.
func New(config *Config) *Debugger {
	if config == nil {
		config = &Config{}
	}
	return &Debugger{
		config:  config,
		backend: nativeBackend,
		log:     logflags.DebuggerLogger(),
	}
}

// NewWithTarget creates a Debugger controlling an existing target.
func NewWithTarget(config *Config, t *proc.Target) *Debugger {
	d := New(config)
	d.target = t
	return d
}

// Init attaches to or launches the target described by input. If
// /proc/<input> is a directory input is the pid of a process to attach
// to, otherwise if it is a file it is launched with args. Anything else
// is an AttachError.
func (d *Debugger) Init(input string, args []string) error {
	input = strings.TrimSpace(input)
	if pid, err := strconv.Atoi(input); err == nil && pid > 0 {
		if fi, err := os.Stat(filepath.Join("/proc", input)); err == nil && fi.IsDir() {
			return d.Attach(pid)
		}
	}
	fi, err := os.Stat(input)
	if err != nil {
		return &proc.AttachError{Target: input, Err: errors.New("not a process id nor an executable file")}
	}
	if !fi.Mode().IsRegular() {
		return &proc.AttachError{Target: input, Err: errors.New("not a regular file")}
	}
	return d.Launch(append([]string{input}, args...))
}

// Launch starts processArgs[0] under the debugger.
func (d *Debugger) Launch(processArgs []string) error {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	if d.target != nil && d.target.State() != proc.StateExit {
		return errors.New("already debugging a process")
	}
	t, err := d.launch(processArgs)
	if err != nil {
		return err
	}
	d.target, d.processArgs, d.attachPid = t, processArgs, 0
	return nil
}

func (d *Debugger) launch(processArgs []string) (*proc.Target, error) {
	if len(processArgs) == 0 {
		return nil, &proc.AttachError{Err: errors.New("no program to launch")}
	}
	d.log.Infof("launching process with args: %v", processArgs)
	tracee, err := d.backend.launch(native.LaunchConfig{
		Args:       processArgs,
		WorkingDir: d.config.WorkingDir,
		TTY:        d.config.TTY,
		NewPTY:     d.config.NewPTY,
		Output:     d.config.Output,
	})
	if err != nil {
		return nil, &proc.AttachError{Target: processArgs[0], Err: err}
	}
	return d.newTarget(tracee), nil
}

// Attach attaches to the process pid.
func (d *Debugger) Attach(pid int) error {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	if d.target != nil && d.target.State() != proc.StateExit {
		return errors.New("already debugging a process")
	}
	d.log.Infof("attaching to pid %d", pid)
	tracee, err := d.backend.attach(pid)
	if err != nil {
		return &proc.AttachError{Target: strconv.Itoa(pid), Err: err}
	}
	d.target, d.processArgs, d.attachPid = d.newTarget(tracee), nil, pid
	return nil
}

// newTarget loads symbols and the load base of tracee. Failures are
// logged: the target is usable with raw addresses.
func (d *Debugger) newTarget(tracee proc.Tracee) *proc.Target {
	bi, err := d.backend.loadBinaryInfo(tracee.ExecutablePath())
	if err != nil {
		d.log.Warnf("%v, continuing without symbols", err)
		bi = proc.NewBinaryInfo(tracee.ExecutablePath())
	}
	base, err := d.backend.loadBase(tracee.Pid())
	if err != nil {
		d.log.Warnf("could not determine load base of %d: %v", tracee.Pid(), err)
	}
	d.log.Debugf("process %d: %d functions, load base %#x", tracee.Pid(), len(bi.Functions), base)
	return proc.NewTarget(tracee, bi, base, d.config.targetConfig())
}

func (d *Debugger) checkTarget() error {
	if d.target == nil || d.target.State() == proc.StateExit {
		return proc.ErrNoProcess
	}
	return nil
}

// ProcessPid returns the PID of the process the debugger is attached to,
// or 0.
func (d *Debugger) ProcessPid() int {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	if d.target == nil {
		return 0
	}
	return d.target.Pid()
}

// State returns the current state of the debugger.
func (d *Debugger) State() *api.DebuggerState {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	if d.target == nil {
		return &api.DebuggerState{State: proc.StateExit.String()}
	}
	t := d.target
	s := &api.DebuggerState{
		Pid:      t.Pid(),
		State:    t.State().String(),
		Running:  t.State() == proc.StateAwaitingTrap,
		Exited:   t.Exited(),
		LoadBase: t.LoadBase(),
	}
	if regs, err := t.Registers(); err == nil {
		s.PC = regs.PC()
		s.Offset = regs.PC() - t.LoadBase()
		if fn := t.ResolveAddress(s.PC); fn != nil {
			s.Function = fn.Name
		}
	}
	return s
}

// Running returns true if the process is running and Wait must be called.
func (d *Debugger) Running() bool {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	return d.target != nil && d.target.State() == proc.StateAwaitingTrap
}

// Detach detaches from the target process.
// If `kill` is true we will kill the process instead.
func (d *Debugger) Detach(kill bool) error {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	return d.detach(kill)
}

func (d *Debugger) detach(kill bool) error {
	if d.target == nil {
		return nil
	}
	return d.target.Detach(kill)
}

// Exit ends the session: launched processes are killed, attached ones
// are released with all breakpoints removed.
func (d *Debugger) Exit() error {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	if d.target == nil {
		return nil
	}
	return d.detach(d.target.Spawned())
}

// CanRestart returns true if the process was launched by the debugger.
func (d *Debugger) CanRestart() bool {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	return d.processArgs != nil
}

// ErrCanNotRestart is returned by Restart for attached processes.
var ErrCanNotRestart = errors.New("can not restart this target")

// Restart kills the launched process and starts it again. If resetArgs
// is true the program is started with newArgs instead of its previous
// arguments. User breakpoints are reinstalled at the same offset from
// the load base; the ones that could not be set are returned as errors.
func (d *Debugger) Restart(resetArgs bool, newArgs []string) ([]error, error) {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()

	if d.processArgs == nil {
		return nil, ErrCanNotRestart
	}
	if resetArgs {
		d.processArgs = append([]string{d.processArgs[0]}, newArgs...)
	}
	var offsets []uint64
	if d.target != nil {
		for _, bp := range d.target.ListBreakpoints() {
			offsets = append(offsets, bp.Addr-d.target.LoadBase())
		}
		if err := d.detach(true); err != nil {
			return nil, err
		}
	}
	t, err := d.launch(d.processArgs)
	if err != nil {
		return nil, err
	}
	d.target = t
	var discarded []error
	for _, off := range offsets {
		if _, err := t.SetBreakpoint(t.LoadBase() + off); err != nil {
			discarded = append(discarded, err)
		}
	}
	return discarded, nil
}

// resolveLocation turns an address literal or a function name into an
// absolute address.
func (d *Debugger) resolveLocation(input string) (uint64, error) {
	addr, err := proc.ParseAddress(input)
	if err == nil {
		return addr, nil
	}
	if addr, ok := d.target.ResolveName(strings.TrimSpace(input)); ok {
		return addr, nil
	}
	return 0, &proc.ParseError{Input: input, Err: errors.New("not an address nor a known function")}
}

// FindLocation returns the absolute address of input, an address literal
// or a function name.
func (d *Debugger) FindLocation(input string) (uint64, error) {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	if d.target == nil {
		return 0, proc.ErrNoProcess
	}
	return d.resolveLocation(input)
}

func (d *Debugger) convertBreakpoint(bp *proc.Breakpoint) *api.Breakpoint {
	return api.ConvertBreakpoint(bp, d.target.ResolveAddress(bp.Addr), d.target.LoadBase())
}

// SetBreakpoint installs a breakpoint at input, an address literal or a
// function name.
func (d *Debugger) SetBreakpoint(input string) (*api.Breakpoint, error) {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	if err := d.checkTarget(); err != nil {
		return nil, err
	}
	addr, err := d.resolveLocation(input)
	if err != nil {
		return nil, err
	}
	bp, err := d.target.SetBreakpoint(addr)
	if err != nil {
		return nil, err
	}
	d.log.Debugf("breakpoint set at %#x", addr)
	return d.convertBreakpoint(bp), nil
}

// ClearBreakpoint removes the breakpoint at input. NoBreakpointError is
// returned if there is none.
func (d *Debugger) ClearBreakpoint(input string) (*api.Breakpoint, error) {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	if err := d.checkTarget(); err != nil {
		return nil, err
	}
	addr, err := d.resolveLocation(input)
	if err != nil {
		return nil, err
	}
	var r *api.Breakpoint
	for _, bp := range d.target.ListBreakpoints() {
		if bp.Addr == addr {
			r = d.convertBreakpoint(bp)
		}
	}
	ok, err := d.target.ClearBreakpoint(addr)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, proc.NoBreakpointError{Addr: addr}
	}
	return r, nil
}

// Breakpoints returns the user breakpoints sorted by address.
func (d *Debugger) Breakpoints() []*api.Breakpoint {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	if d.target == nil {
		return nil
	}
	bps := d.target.ListBreakpoints()
	r := make([]*api.Breakpoint, 0, len(bps))
	for _, bp := range bps {
		r = append(r, d.convertBreakpoint(bp))
	}
	return r
}

// Continue resumes the process. Wait must be called to observe the stop.
func (d *Debugger) Continue() error {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	if err := d.checkTarget(); err != nil {
		return err
	}
	return d.target.Resume()
}

// Wait blocks until the running process stops.
func (d *Debugger) Wait() (*api.StopEvent, error) {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	if err := d.checkTarget(); err != nil {
		return nil, err
	}
	ev, err := d.target.WaitForStop()
	if err != nil {
		return nil, err
	}
	return d.convertStopEvent(ev), nil
}

func (d *Debugger) convertStopEvent(ev *proc.StopEvent) *api.StopEvent {
	var fn *proc.Function
	if ev.Breakpoint != nil {
		fn = d.target.ResolveAddress(ev.Breakpoint.Addr)
	}
	d.log.Debugf("stop: %v", ev)
	return api.ConvertStopEvent(ev, fn, d.target.LoadBase())
}

// SingleStep executes one instruction.
func (d *Debugger) SingleStep() (*api.StopEvent, error) {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	if err := d.checkTarget(); err != nil {
		return nil, err
	}
	ev, err := d.target.SingleStep()
	if err != nil {
		return nil, err
	}
	return d.convertStopEvent(ev), nil
}

// StepOver executes one instruction, running calls to completion. A nil
// event means the process was resumed and Wait must be called.
func (d *Debugger) StepOver() (*api.StopEvent, error) {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	if err := d.checkTarget(); err != nil {
		return nil, err
	}
	ev, err := d.target.StepOver()
	if err != nil || ev == nil {
		return nil, err
	}
	return d.convertStopEvent(ev), nil
}

// ReadMemory returns size bytes of memory at addr. Breakpoints are not
// hidden.
func (d *Debugger) ReadMemory(addr uint64, size int) ([]byte, error) {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	if err := d.checkTarget(); err != nil {
		return nil, err
	}
	return d.target.ReadMemory(addr, size)
}

// PatchMemory overwrites the word at addr.
func (d *Debugger) PatchMemory(addr, value uint64) error {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	if err := d.checkTarget(); err != nil {
		return err
	}
	return d.target.PatchMemory(addr, value)
}

// Registers returns the general purpose registers.
func (d *Debugger) Registers() ([]api.Register, error) {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	if err := d.checkTarget(); err != nil {
		return nil, err
	}
	regs, err := d.target.Registers()
	if err != nil {
		return nil, err
	}
	return api.ConvertRegisters(regs), nil
}

// Register returns the value of the register called name.
func (d *Debugger) Register(name string) (uint64, error) {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	if err := d.checkTarget(); err != nil {
		return 0, err
	}
	return d.target.Register(name)
}

// SetRegister changes the register called name.
func (d *Debugger) SetRegister(name string, value uint64) error {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	if err := d.checkTarget(); err != nil {
		return err
	}
	return d.target.SetRegister(name, value)
}

// Stacktrace returns up to depth callers of the current function,
// innermost first. Frames unwound before an error are returned with it.
func (d *Debugger) Stacktrace(depth int) ([]api.Stackframe, error) {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	if err := d.checkTarget(); err != nil {
		return nil, err
	}
	it, err := d.target.Stacktrace()
	if err != nil {
		return nil, err
	}
	var frames []api.Stackframe
	for len(frames) < depth && it.Next() {
		frames = append(frames, api.ConvertStackframe(len(frames)+1, it.Frame(), d.target.LoadBase()))
	}
	return frames, it.Err()
}

// Sections returns the section headers of the executable.
func (d *Debugger) Sections() ([]api.Section, error) {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	if d.target == nil {
		return nil, proc.ErrNoProcess
	}
	secs := d.target.BinInfo().Sections
	r := make([]api.Section, len(secs))
	for i := range secs {
		r[i] = api.ConvertSection(secs[i])
	}
	return r, nil
}

// Functions returns the functions whose name matches the regular
// expression filter, sorted by offset.
func (d *Debugger) Functions(filter string) ([]api.Function, error) {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	if d.target == nil {
		return nil, proc.ErrNoProcess
	}
	return regexFilterFuncs(filter, d.target.BinInfo().Functions)
}

func regexFilterFuncs(filter string, allFuncs []proc.Function) ([]api.Function, error) {
	regex, err := regexp.Compile(filter)
	if err != nil {
		return nil, fmt.Errorf("invalid filter argument: %s", err.Error())
	}

	funcs := []api.Function{}
	for i := range allFuncs {
		if regex.MatchString(allFuncs[i].Name) || regex.MatchString(allFuncs[i].RawName) {
			funcs = append(funcs, api.ConvertFunction(&allFuncs[i]))
		}
	}
	return funcs, nil
}

// Offset returns the program counter relative to the load base.
func (d *Debugger) Offset() (uint64, error) {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	if err := d.checkTarget(); err != nil {
		return 0, err
	}
	regs, err := d.target.Registers()
	if err != nil {
		return 0, err
	}
	return regs.PC() - d.target.LoadBase(), nil
}

// Disassemble decodes size bytes of code at addr, the current program
// counter if addr is zero.
func (d *Debugger) Disassemble(addr uint64, size int, flavour api.AssemblyFlavour) (api.AsmInstructions, error) {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	if err := d.checkTarget(); err != nil {
		return nil, err
	}
	if addr == 0 {
		regs, err := d.target.Registers()
		if err != nil {
			return nil, err
		}
		addr = regs.PC()
	}
	insts, err := d.target.Disassemble(addr, size)
	if err != nil {
		return nil, err
	}

	symLookup := func(addr uint64) (string, uint64) {
		fn := d.target.ResolveAddress(addr)
		if fn == nil {
			return "", 0
		}
		return fn.Name, d.target.LoadBase() + fn.Offset
	}
	pf := proc.IntelFlavour
	if flavour == api.GNUFlavour {
		pf = proc.GNUFlavour
	}

	r := make(api.AsmInstructions, 0, len(insts))
	for i := range insts {
		inst := api.ConvertAsmInstruction(insts[i], insts[i].Text(pf, symLookup))
		if fn := d.target.ResolveAddress(inst.Loc); fn != nil && (i == 0 || d.target.LoadBase()+fn.Offset == inst.Loc) {
			inst.Function = fn.Name
		}
		r = append(r, inst)
	}
	return r, nil
}
