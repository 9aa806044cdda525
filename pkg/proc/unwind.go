package proc

import (
	lru "github.com/hashicorp/golang-lru"

	"github.com/ptdbg/ptdbg/pkg/dwarf/frame"
	"github.com/ptdbg/ptdbg/pkg/dwarf/regnum"
	"github.com/ptdbg/ptdbg/pkg/logflags"
)

// UnwindRow is the unwind rule in effect at one pc: the CFA is the
// value of CFAReg plus CFAOffset and the return address is stored at
// CFA plus RAOffset.
type UnwindRow struct {
	CFAReg    uint64
	CFAOffset int64
	RAOffset  int64
}

// Unwinder computes unwind rows from the call frame information of a
// BinaryInfo. Rows are cached, the table is immutable for the life of
// the executable.
type Unwinder struct {
	bi    *BinaryInfo
	cache *lru.Cache
	log   logflags.Logger
}

// NewUnwinder returns an Unwinder for bi caching up to cacheSize rows.
func NewUnwinder(bi *BinaryInfo, cacheSize int) *Unwinder {
	if cacheSize <= 0 {
		cacheSize = 1
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		// lru.New only fails for non positive sizes.
		panic(err)
	}
	return &Unwinder{bi: bi, cache: cache, log: logflags.UnwindLogger()}
}

// UnwindRowFor returns the unwind row for pcOffset, an address relative
// to the load base of the executable. NoUnwindInfoError is returned if
// no entry covers the pc or the frame has no return address (outermost
// frame).
func (u *Unwinder) UnwindRowFor(pcOffset uint64) (UnwindRow, error) {
	if v, ok := u.cache.Get(pcOffset); ok {
		return v.(UnwindRow), nil
	}
	fdes, err := u.bi.FrameEntries()
	if err != nil {
		return UnwindRow{}, err
	}
	pc := pcOffset + u.bi.LinkBase
	fde, err := fdes.FDEForPC(pc)
	if err != nil {
		return UnwindRow{}, &NoUnwindInfoError{PC: pcOffset}
	}
	fctxt, err := fde.EstablishFrame(pc)
	if err != nil {
		return UnwindRow{}, err
	}

	cfa := fctxt.CFA
	if cfa.Rule != frame.RuleCFA {
		return UnwindRow{}, &UnsupportedUnwindRuleError{PC: pcOffset, What: "CFA", Rule: cfa.Rule, Reg: cfa.Reg}
	}
	switch cfa.Reg {
	case regnum.AMD64_Rbp, regnum.AMD64_Rsp, regnum.AMD64_Rip:
	default:
		return UnwindRow{}, &UnsupportedUnwindRuleError{PC: pcOffset, What: "CFA", Rule: cfa.Rule, Reg: cfa.Reg}
	}

	ra := fctxt.RetAddrRule()
	switch ra.Rule {
	case frame.RuleOffset:
	case frame.RuleUndefined:
		return UnwindRow{}, &NoUnwindInfoError{PC: pcOffset}
	default:
		return UnwindRow{}, &UnsupportedUnwindRuleError{PC: pcOffset, What: "return address", Rule: ra.Rule, Reg: fctxt.RetAddrReg}
	}

	row := UnwindRow{CFAReg: cfa.Reg, CFAOffset: cfa.Offset, RAOffset: ra.Offset}
	u.log.Debugf("unwind row for %#x: CFA=%s%+d RA=CFA%+d", pcOffset, regnum.AMD64ToName(row.CFAReg), row.CFAOffset, row.RAOffset)
	u.cache.Add(pcOffset, row)
	return row, nil
}
