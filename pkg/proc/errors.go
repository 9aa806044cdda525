package proc

import (
	"errors"
	"fmt"

	"github.com/ptdbg/ptdbg/pkg/dwarf/frame"
)

// ErrProcessRunning is returned by operations that need the target to
// be stopped while it is running.
var ErrProcessRunning = errors.New("process is running, wait for it to stop first")

// ErrNoProcess is returned when no process is being debugged.
var ErrNoProcess = errors.New("no process is being debugged")

// AttachError is returned when the target could not be attached to or
// spawned.
type AttachError struct {
	Target string
	Err    error
}

func (e *AttachError) Error() string {
	return fmt.Sprintf("could not attach to %s: %v", e.Target, e.Err)
}

func (e *AttachError) Unwrap() error { return e.Err }

// TraceError is returned when a ptrace request fails.
type TraceError struct {
	Op   string
	Addr uint64
	Err  error
}

func (e *TraceError) Error() string {
	if e.Addr != 0 {
		return fmt.Sprintf("%s at %#x: %v", e.Op, e.Addr, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TraceError) Unwrap() error { return e.Err }

// MemoryAccessError is returned when a range of target memory could
// not be read in full.
type MemoryAccessError struct {
	Addr uint64
	Len  int
	Err  error
}

func (e *MemoryAccessError) Error() string {
	return fmt.Sprintf("could not read %d bytes at %#x: %v", e.Len, e.Addr, e.Err)
}

func (e *MemoryAccessError) Unwrap() error { return e.Err }

// ReadSizeError is returned for memory reads larger than MaxReadSize.
type ReadSizeError struct {
	Addr uint64
	Size int
}

func (e ReadSizeError) Error() string {
	return fmt.Sprintf("could not read %d bytes at %#x: more than %d bytes requested", e.Size, e.Addr, MaxReadSize)
}

// NoBreakpointError is returned when trying to
// clear a breakpoint that does not exist.
type NoBreakpointError struct {
	Addr uint64
}

func (nbp NoBreakpointError) Error() string {
	return fmt.Sprintf("no breakpoint at %#x", nbp.Addr)
}

// BreakpointExistsError is returned when trying to set a breakpoint at
// an address that already has a breakpoint.
type BreakpointExistsError struct {
	Addr uint64
}

func (bpe BreakpointExistsError) Error() string {
	return fmt.Sprintf("breakpoint already exists at %#x", bpe.Addr)
}

// UnknownRegisterError is returned for register names that are not
// part of the amd64 register file.
type UnknownRegisterError struct {
	Name string
}

func (e UnknownRegisterError) Error() string {
	return fmt.Sprintf("unknown register %q", e.Name)
}

// ParseError is returned when an address or value can not be parsed.
type ParseError struct {
	Input string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("could not parse %q: %v", e.Input, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// NoUnwindInfoError is returned when there is no call frame information
// for a pc, or the frame at pc is the outermost one.
type NoUnwindInfoError struct {
	PC uint64
}

func (e *NoUnwindInfoError) Error() string {
	return fmt.Sprintf("no unwind information for pc %#x", e.PC)
}

// UnsupportedUnwindRuleError is returned when the unwind row for a pc
// uses a rule that can not be evaluated.
type UnsupportedUnwindRuleError struct {
	PC   uint64
	What string
	Rule frame.Rule
	Reg  uint64
}

func (e *UnsupportedUnwindRuleError) Error() string {
	return fmt.Sprintf("unsupported %s rule %v (register %d) at pc %#x", e.What, e.Rule, e.Reg, e.PC)
}

// SymbolParseError is returned when the symbol table of the target
// executable could not be read.
type SymbolParseError struct {
	Path string
	Err  error
}

func (e *SymbolParseError) Error() string {
	return fmt.Sprintf("could not read symbols of %s: %v", e.Path, e.Err)
}

func (e *SymbolParseError) Unwrap() error { return e.Err }

// ErrProcessExited indicates that the process has exited and contains both
// process id and exit status.
type ErrProcessExited struct {
	Pid    int
	Status int
	Signal string
}

func (pe ErrProcessExited) Error() string {
	if pe.Signal != "" {
		return fmt.Sprintf("Process %d has been killed by %s", pe.Pid, pe.Signal)
	}
	return fmt.Sprintf("Process %d has exited with status %d", pe.Pid, pe.Status)
}
