package api

// DebuggerState represents the current context of the debugger.
type DebuggerState struct {
	// Pid of the debugged process, 0 if there is none.
	Pid int `json:"pid"`
	// State of the process controller: interactive, awaiting trap or exit.
	State string `json:"state"`
	// Running is true while the process runs and a stop must be waited for.
	Running bool `json:"running"`
	// Exited indicates whether the debugged process has exited.
	Exited     bool `json:"exited"`
	ExitStatus int  `json:"exitStatus"`
	// PC is the current program counter, only valid while stopped.
	PC uint64 `json:"pc"`
	// Offset is PC relative to the load base of the executable.
	Offset uint64 `json:"offset"`
	// Function containing PC, may be empty.
	Function string `json:"function,omitempty"`
	LoadBase uint64 `json:"loadBase"`
}

// Breakpoint addresses a location at which process execution may be
// suspended.
type Breakpoint struct {
	// Addr is the address of the breakpoint.
	Addr uint64 `json:"addr"`
	// FunctionName is the name of the function containing Addr, and
	// may not always be available.
	FunctionName string `json:"functionName,omitempty"`
	// FunctionOffset is the distance of Addr from the start of the function.
	FunctionOffset uint64 `json:"functionOffset,omitempty"`
	// OrigByte is the instruction byte replaced by the trap.
	OrigByte byte `json:"origByte"`
	// Temp is true for breakpoints set internally to step over calls.
	Temp bool `json:"temp,omitempty"`
}

// StopEvent describes why the process stopped.
type StopEvent struct {
	// Reason is one of breakpoint, step, trap, exited, killed.
	Reason string `json:"reason"`
	PC     uint64 `json:"pc"`
	// Function containing PC, may be empty.
	Function string `json:"function,omitempty"`
	// Breakpoint that was hit, if any.
	Breakpoint *Breakpoint `json:"breakpoint,omitempty"`
	ExitStatus int         `json:"exitStatus"`
	Signal     string      `json:"signal,omitempty"`
}

// Stop reasons.
const (
	StopBreakpoint = "breakpoint"
	StopStep       = "step"
	StopTrap       = "trap"
	StopExited     = "exited"
	StopKilled     = "killed"
)

// Exited returns true if the process is gone after this event.
func (ev *StopEvent) Exited() bool {
	return ev.Reason == StopExited || ev.Reason == StopKilled
}

// Register is a named register value.
type Register struct {
	Name  string `json:"name"`
	Value uint64 `json:"value"`
}

// Stackframe is one caller in a backtrace.
type Stackframe struct {
	// Depth of the frame, 1 for the caller of the current function.
	Depth int `json:"depth"`
	// Ret is the return address into the function of this frame.
	Ret uint64 `json:"ret"`
	// CFA of the callee.
	CFA uint64 `json:"cfa"`
	// Function containing Ret, or the entry point name if unresolved.
	Function string `json:"function"`
	// Offset is Ret relative to the load base.
	Offset uint64 `json:"offset"`
}

// Function is a function symbol of the executable.
type Function struct {
	Name    string `json:"name"`
	RawName string `json:"rawName"`
	// Offset is relative to the load base.
	Offset uint64 `json:"offset"`
	Size   uint64 `json:"size"`
}

// Section is an ELF section of the executable.
type Section struct {
	Name string `json:"name"`
	Addr uint64 `json:"addr"`
	Size uint64 `json:"size"`
}

// AssemblyFlavour describes the output
// of disassembled code.
type AssemblyFlavour int

const (
	// IntelFlavour will disassemble using Intel assembly syntax.
	IntelFlavour AssemblyFlavour = iota
	// GNUFlavour will disassemble using GNU assembly syntax.
	GNUFlavour
)

// AsmInstruction represents one assembly instruction at some address.
type AsmInstruction struct {
	// Loc is the location of this instruction.
	Loc uint64 `json:"loc"`
	// Function containing Loc, set on the first instruction of a function.
	Function string `json:"function,omitempty"`
	// Bytes is the instruction, with breakpoints removed.
	Bytes []byte `json:"bytes"`
	// Text is the formatted representation of the instruction.
	Text string `json:"text"`
	// AtPC is true if this instruction is the current instruction.
	AtPC bool `json:"atpc"`
	// Breakpoint is true if a breakpoint is set at this instruction.
	Breakpoint bool `json:"breakpoint"`
}

// AsmInstructions is a list of instructions.
type AsmInstructions []AsmInstruction

// ParseAssemblyFlavour returns the flavour called s, "intel" or "gnu".
// Anything else selects Intel syntax.
func ParseAssemblyFlavour(s string) AssemblyFlavour {
	if s == "gnu" {
		return GNUFlavour
	}
	return IntelFlavour
}
