package api

import (
	"github.com/ptdbg/ptdbg/pkg/proc"
)

// ConvertBreakpoint converts an internal breakpoint to an API Breakpoint.
// fn is the function containing the breakpoint, it may be nil.
func ConvertBreakpoint(bp *proc.Breakpoint, fn *proc.Function, loadBase uint64) *Breakpoint {
	b := &Breakpoint{
		Addr:     bp.Addr,
		OrigByte: bp.OrigByte,
		Temp:     bp.Temp,
	}
	if fn != nil {
		b.FunctionName = fn.Name
		b.FunctionOffset = bp.Addr - loadBase - fn.Offset
	}
	return b
}

// ConvertStopEvent converts an internal stop event to an API StopEvent.
func ConvertStopEvent(ev *proc.StopEvent, fn *proc.Function, loadBase uint64) *StopEvent {
	if ev == nil {
		return nil
	}
	r := &StopEvent{
		Reason:     ev.Reason.String(),
		PC:         ev.PC,
		Function:   ev.Function,
		ExitStatus: ev.ExitStatus,
	}
	if ev.Signal != 0 {
		r.Signal = ev.Signal.String()
	}
	if ev.Breakpoint != nil && !ev.Breakpoint.Temp {
		r.Breakpoint = ConvertBreakpoint(ev.Breakpoint, fn, loadBase)
	}
	return r
}

// ConvertRegisters converts the register file to a list of registers in
// display order.
func ConvertRegisters(regs *proc.AMD64PtraceRegs) []Register {
	in := regs.Slice()
	out := make([]Register, len(in))
	for i, r := range in {
		out[i] = Register{Name: r.Name, Value: r.Value}
	}
	return out
}

// ConvertStackframe converts an internal stack frame.
func ConvertStackframe(depth int, frame proc.Stackframe, loadBase uint64) Stackframe {
	sf := Stackframe{
		Depth:    depth,
		Ret:      frame.Ret,
		CFA:      frame.CFA,
		Function: frame.Name,
	}
	if frame.Ret >= loadBase {
		sf.Offset = frame.Ret - loadBase
	}
	return sf
}

// ConvertFunction converts a function symbol.
func ConvertFunction(fn *proc.Function) Function {
	return Function{Name: fn.Name, RawName: fn.RawName, Offset: fn.Offset, Size: fn.Size}
}

// ConvertSection converts a section header.
func ConvertSection(s proc.Section) Section {
	return Section{Name: s.Name, Addr: s.Addr, Size: s.Size}
}

// ConvertAsmInstruction converts an internal instruction, text is its
// formatted representation.
func ConvertAsmInstruction(inst proc.AsmInstruction, text string) AsmInstruction {
	return AsmInstruction{
		Loc:        inst.Loc,
		Bytes:      inst.Bytes,
		Text:       text,
		AtPC:       inst.AtPC,
		Breakpoint: inst.Breakpoint,
	}
}
