package frame

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/ptdbg/ptdbg/pkg/dwarf/regnum"
)

const testEHFrameAddr = 0x2000

// ehFrameFixture is a .eh_frame section loaded at testEHFrameAddr with one
// "zR" CIE (pcrel|sdata4 pointers) and one FDE covering [0x1000, 0x1020):
//
//	0x1000: push %rbp
//	0x1001: mov %rsp,%rbp
//	0x1004: ...
var ehFrameFixture = []byte{
	// CIE
	0x14, 0x00, 0x00, 0x00, // length
	0x00, 0x00, 0x00, 0x00, // CIE id
	0x01,           // version
	'z', 'R', 0x00, // augmentation
	0x01,             // code alignment
	0x78,             // data alignment -8
	0x10,             // return address register
	0x01,             // augmentation length
	0x1b,             // FDE encoding: pcrel sdata4
	0x0c, 0x07, 0x08, // DW_CFA_def_cfa rsp+8
	0x90, 0x01, // DW_CFA_offset rip, -8
	0x00, 0x00, // padding

	// FDE
	0x18, 0x00, 0x00, 0x00, // length
	0x1c, 0x00, 0x00, 0x00, // CIE pointer
	0xe0, 0xef, 0xff, 0xff, // initial location (pcrel)
	0x20, 0x00, 0x00, 0x00, // address range
	0x00,       // augmentation length
	0x41,       // DW_CFA_advance_loc 1
	0x0e, 0x10, // DW_CFA_def_cfa_offset 16
	0x86, 0x02, // DW_CFA_offset rbp, -16
	0x43,       // DW_CFA_advance_loc 3
	0x0d, 0x06, // DW_CFA_def_cfa_register rbp
	0x00, 0x00, 0x00, // padding

	// terminator
	0x00, 0x00, 0x00, 0x00,
}

func TestParseEHFrame(t *testing.T) {
	fdes, err := Parse(ehFrameFixture, binary.LittleEndian, 0, 8, testEHFrameAddr)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(fdes) != 1 {
		t.Fatalf("expected 1 FDE, got %d", len(fdes))
	}
	fde := fdes[0]
	if fde.Begin() != 0x1000 || fde.End() != 0x1020 {
		t.Fatalf("wrong range [%#x, %#x)", fde.Begin(), fde.End())
	}
	cie := fde.CIE
	if cie.Augmentation != "zR" || cie.CodeAlignmentFactor != 1 || cie.DataAlignmentFactor != -8 || cie.ReturnAddressRegister != regnum.AMD64_Rip {
		t.Fatalf("wrong CIE %#v", cie)
	}
	if cie.ptrEncAddr != ptrEncPCRel|ptrEncSdata4 {
		t.Fatalf("wrong pointer encoding %#x", uint8(cie.ptrEncAddr))
	}
}

func TestEstablishFrame(t *testing.T) {
	fdes, err := Parse(ehFrameFixture, binary.LittleEndian, 0, 8, testEHFrameAddr)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	for _, tc := range []struct {
		pc        uint64
		cfaReg    uint64
		cfaOffset int64
		rbpSaved  bool
	}{
		{0x1000, regnum.AMD64_Rsp, 8, false},
		{0x1001, regnum.AMD64_Rsp, 16, true},
		{0x1003, regnum.AMD64_Rsp, 16, true},
		{0x1004, regnum.AMD64_Rbp, 16, true},
		{0x101f, regnum.AMD64_Rbp, 16, true},
	} {
		fde, err := fdes.FDEForPC(tc.pc)
		if err != nil {
			t.Fatalf("%#x: %v", tc.pc, err)
		}
		fctxt, err := fde.EstablishFrame(tc.pc)
		if err != nil {
			t.Fatalf("%#x: %v", tc.pc, err)
		}
		if fctxt.CFA.Rule != RuleCFA || fctxt.CFA.Reg != tc.cfaReg || fctxt.CFA.Offset != tc.cfaOffset {
			t.Errorf("%#x: CFA %#v, want reg %d offset %d", tc.pc, fctxt.CFA, tc.cfaReg, tc.cfaOffset)
		}
		ra := fctxt.RetAddrRule()
		if ra.Rule != RuleOffset || ra.Offset != -8 {
			t.Errorf("%#x: return address rule %#v", tc.pc, ra)
		}
		rbp, ok := fctxt.Regs[regnum.AMD64_Rbp]
		if ok != tc.rbpSaved {
			t.Errorf("%#x: rbp rule present %v, want %v", tc.pc, ok, tc.rbpSaved)
		}
		if ok && (rbp.Rule != RuleOffset || rbp.Offset != -16) {
			t.Errorf("%#x: rbp rule %#v", tc.pc, rbp)
		}
	}
}

func TestParseDebugFrame(t *testing.T) {
	data := []byte{
		// CIE
		0x10, 0x00, 0x00, 0x00, // length
		0xff, 0xff, 0xff, 0xff, // CIE id
		0x03,             // version
		0x00,             // augmentation
		0x01,             // code alignment
		0x78,             // data alignment
		0x10,             // return address register
		0x0c, 0x07, 0x08, // DW_CFA_def_cfa rsp+8
		0x90, 0x01, // DW_CFA_offset rip, -8
		0x00, 0x00, // padding

		// FDE
		0x14, 0x00, 0x00, 0x00, // length
		0x00, 0x00, 0x00, 0x00, // CIE offset
		0x00, 0x05, 0x40, 0x00, 0x00, 0x00, 0x00, 0x00, // initial location
		0x10, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // address range
	}
	fdes, err := Parse(data, binary.LittleEndian, 0, 8, 0)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(fdes) != 1 || fdes[0].Begin() != 0x400500 || fdes[0].End() != 0x400510 {
		t.Fatalf("unexpected entries %#v", fdes)
	}
	fctxt, err := fdes[0].EstablishFrame(0x400508)
	if err != nil {
		t.Fatal(err)
	}
	if fctxt.CFA.Reg != regnum.AMD64_Rsp || fctxt.CFA.Offset != 8 {
		t.Fatalf("unexpected CFA %#v", fctxt.CFA)
	}
}

func TestParseTruncated(t *testing.T) {
	_, err := Parse(ehFrameFixture[:30], binary.LittleEndian, 0, 8, testEHFrameAddr)
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestUnknownOpcode(t *testing.T) {
	cie := &CommonInformationEntry{
		CodeAlignmentFactor:   1,
		DataAlignmentFactor:   -8,
		ReturnAddressRegister: regnum.AMD64_Rip,
		InitialInstructions:   []byte{0x0c, 0x07, 0x08},
	}
	fde := &FrameDescriptionEntry{CIE: cie, begin: 0x10, size: 0x10, Instructions: []byte{0x3f}}
	if _, err := fde.EstablishFrame(0x12); !errors.Is(err, ErrUnknownOpcode) {
		t.Fatalf("expected ErrUnknownOpcode, got %v", err)
	}

	fde.Instructions = []byte{DW_CFA_restore_state}
	if _, err := fde.EstablishFrame(0x12); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed on empty state stack, got %v", err)
	}
}

func TestRememberRestoreState(t *testing.T) {
	cie := &CommonInformationEntry{
		CodeAlignmentFactor:   1,
		DataAlignmentFactor:   -8,
		ReturnAddressRegister: regnum.AMD64_Rip,
		InitialInstructions:   []byte{0x0c, 0x07, 0x08, 0x90, 0x01},
	}
	fde := &FrameDescriptionEntry{CIE: cie, begin: 0x10, size: 0x10, Instructions: []byte{
		DW_CFA_remember_state,
		0x0e, 0x20, // def_cfa_offset 32
		0x2e, 0x08, // GNU_args_size 8
		0x42, // advance_loc 2
		DW_CFA_restore_state,
	}}
	fctxt, err := fde.EstablishFrame(0x11)
	if err != nil {
		t.Fatal(err)
	}
	if fctxt.CFA.Offset != 32 {
		t.Fatalf("at 0x11: CFA offset %d, want 32", fctxt.CFA.Offset)
	}
	fctxt, err = fde.EstablishFrame(0x12)
	if err != nil {
		t.Fatal(err)
	}
	if fctxt.CFA.Offset != 8 {
		t.Fatalf("at 0x12: CFA offset %d, want 8", fctxt.CFA.Offset)
	}
}
