package proc

import (
	"sort"
)

// TrapInstruction is the amd64 int3 opcode.
const TrapInstruction byte = 0xCC

// Breakpoint represents a software breakpoint: the byte at Addr has been
// replaced with TrapInstruction and OrigByte holds what was there before.
type Breakpoint struct {
	Addr     uint64
	OrigByte byte
	// Temp breakpoints are set internally by step-over and are not
	// reported to the user.
	Temp bool
}

// BreakpointMap holds the breakpoints installed in the target, at most one
// per address.
type BreakpointMap struct {
	M map[uint64]*Breakpoint
}

// NewBreakpointMap creates a new BreakpointMap.
func NewBreakpointMap() BreakpointMap {
	return BreakpointMap{
		M: make(map[uint64]*Breakpoint),
	}
}

// splitAddr returns the word aligned address containing addr and the
// byte offset of addr inside that word.
func splitAddr(addr uint64) (aligned uint64, shift uint64) {
	aligned = addr &^ 7
	return aligned, 8 * (addr - aligned)
}

// Set installs a breakpoint at addr. Setting a breakpoint twice is an
// error and leaves the saved byte untouched.
func (bpmap *BreakpointMap) Set(mem WordReadWriter, addr uint64, temp bool) (*Breakpoint, error) {
	if _, exists := bpmap.M[addr]; exists {
		return nil, BreakpointExistsError{Addr: addr}
	}
	aligned, shift := splitAddr(addr)
	word, err := ReadWord(mem, aligned)
	if err != nil {
		return nil, err
	}
	orig := byte(word >> shift)
	patched := word&^(0xff<<shift) | uint64(TrapInstruction)<<shift
	if err := WriteWord(mem, aligned, patched); err != nil {
		return nil, err
	}
	bp := &Breakpoint{Addr: addr, OrigByte: orig, Temp: temp}
	bpmap.M[addr] = bp
	return bp, nil
}

// Remove restores the original byte at addr and forgets the breakpoint.
// It returns false, without error, if there was no breakpoint at addr.
func (bpmap *BreakpointMap) Remove(mem WordReadWriter, addr uint64) (bool, error) {
	bp, ok := bpmap.M[addr]
	if !ok {
		return false, nil
	}
	if err := bpmap.restore(mem, bp); err != nil {
		return false, err
	}
	delete(bpmap.M, addr)
	return true, nil
}

func (bpmap *BreakpointMap) restore(mem WordReadWriter, bp *Breakpoint) error {
	aligned, shift := splitAddr(bp.Addr)
	// The word is read again: neighbouring bytes may have changed since
	// the breakpoint was set.
	word, err := ReadWord(mem, aligned)
	if err != nil {
		return err
	}
	word = word&^(0xff<<shift) | uint64(bp.OrigByte)<<shift
	return WriteWord(mem, aligned, word)
}

// RemoveAll restores every breakpoint. Breakpoints that could not be
// restored stay in the map and the first error is returned.
func (bpmap *BreakpointMap) RemoveAll(mem WordReadWriter) error {
	var firstErr error
	for _, bp := range bpmap.List() {
		if err := bpmap.restore(mem, bp); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		delete(bpmap.M, bp.Addr)
	}
	return firstErr
}

// IsBreakpoint reports whether a breakpoint is installed at addr.
func (bpmap *BreakpointMap) IsBreakpoint(addr uint64) bool {
	_, ok := bpmap.M[addr]
	return ok
}

// Find returns the breakpoint at addr, or nil.
func (bpmap *BreakpointMap) Find(addr uint64) *Breakpoint {
	return bpmap.M[addr]
}

// List returns all breakpoints sorted by address.
func (bpmap *BreakpointMap) List() []*Breakpoint {
	r := make([]*Breakpoint, 0, len(bpmap.M))
	for _, bp := range bpmap.M {
		r = append(r, bp)
	}
	sortBreakpoints(r)
	return r
}

// Shadow replaces the trap bytes of installed breakpoints inside buf,
// which holds target memory starting at addr, with the original bytes.
func (bpmap *BreakpointMap) Shadow(buf []byte, addr uint64) {
	end := addr + uint64(len(buf))
	for bpaddr, bp := range bpmap.M {
		if bpaddr >= addr && bpaddr < end {
			buf[bpaddr-addr] = bp.OrigByte
		}
	}
}

func sortBreakpoints(bps []*Breakpoint) {
	sort.Slice(bps, func(i, j int) bool { return bps[i].Addr < bps[j].Addr })
}
