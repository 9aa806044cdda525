package proc

import (
	"errors"

	"github.com/ptdbg/ptdbg/pkg/dwarf/regnum"
)

// savedBPOffset is where the caller's frame pointer is stored, relative
// to the CFA, when the frame is based on rbp: below the return address.
const savedBPOffset = 16

// Stackframe represents a frame in a system stack: the function that
// the return address Ret belongs to.
type Stackframe struct {
	// PC the unwind row was computed for.
	PC uint64
	// CFA of the callee frame.
	CFA uint64
	// Ret is the return address into the caller.
	Ret uint64
	// Function containing Ret, nil if unresolved.
	Function *Function
	// Name of the function containing Ret, or the entry point name.
	Name string
}

// StackIterator walks the stack one caller at a time using the call
// frame information of the executable.
type StackIterator struct {
	mem      WordReadWriter
	unwinder *Unwinder
	resolve  func(uint64) *Function
	loadBase uint64
	entry    string

	pc, sp, bp uint64
	top        bool

	frame Stackframe
	err   error
	done  bool
}

func newStackIterator(t *Target, regs *AMD64PtraceRegs) *StackIterator {
	return &StackIterator{
		mem:      t.tracee,
		unwinder: t.unwinder,
		resolve:  t.ResolveAddress,
		loadBase: t.loadBase,
		entry:    t.cfg.EntryPointName,
		pc:       regs.PC(),
		sp:       regs.SP(),
		bp:       regs.BP(),
		top:      true,
	}
}

// Next unwinds one frame. It returns false when the bottom of the stack
// is reached or an error occurs, see Err.
func (it *StackIterator) Next() bool {
	if it.done || it.err != nil {
		return false
	}

	lookup := it.pc
	if !it.top && lookup > 0 {
		// A return address points after the call, which may be the first
		// byte of the next function.
		lookup--
	}
	if lookup < it.loadBase {
		it.done = true
		return false
	}
	row, err := it.unwinder.UnwindRowFor(lookup - it.loadBase)
	if err != nil {
		var nuerr *NoUnwindInfoError
		if errors.As(err, &nuerr) {
			it.done = true
		} else {
			it.err = err
		}
		return false
	}

	var base uint64
	switch row.CFAReg {
	case regnum.AMD64_Rbp:
		base = it.bp
	case regnum.AMD64_Rsp:
		base = it.sp
	case regnum.AMD64_Rip:
		base = it.pc
	}
	cfa := uint64(int64(base) + row.CFAOffset)

	ret, err := ReadWord(it.mem, uint64(int64(cfa)+row.RAOffset))
	if err != nil {
		it.err = err
		return false
	}
	if ret == 0 {
		// Nothing returns to address zero.
		it.done = true
		return false
	}
	if row.CFAReg == regnum.AMD64_Rbp {
		bp, err := ReadWord(it.mem, cfa-savedBPOffset)
		if err != nil {
			it.err = err
			return false
		}
		it.bp = bp
	}

	it.frame = Stackframe{PC: it.pc, CFA: cfa, Ret: ret, Name: it.entry}
	if fn := it.resolve(ret); fn != nil {
		it.frame.Function = fn
		it.frame.Name = fn.Name
	}

	it.pc, it.sp, it.top = ret, cfa, false
	return true
}

// Frame returns the frame produced by the last call to Next.
func (it *StackIterator) Frame() Stackframe {
	return it.frame
}

// Err returns the error that stopped the iteration. Reaching the end of
// the call frame information is not an error.
func (it *StackIterator) Err() error {
	return it.err
}
