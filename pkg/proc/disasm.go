package proc

import (
	"golang.org/x/arch/x86/x86asm"
)

// AssemblyFlavour is the assembly syntax to display.
type AssemblyFlavour int

const (
	// IntelFlavour will display Intel syntax assembly.
	IntelFlavour = AssemblyFlavour(iota)
	// GNUFlavour will display GNU syntax assembly.
	GNUFlavour
)

// ParseFlavour returns the flavour called s, defaulting to Intel.
func ParseFlavour(s string) AssemblyFlavour {
	switch s {
	case "gnu", "att":
		return GNUFlavour
	}
	return IntelFlavour
}

// AsmInstruction represents one assembly instruction.
type AsmInstruction struct {
	Loc   uint64
	Bytes []byte
	// Inst is nil if the bytes at Loc could not be decoded.
	Inst *x86asm.Inst
	AtPC bool
	// Breakpoint is true if a breakpoint is installed at Loc.
	Breakpoint bool
}

// Size returns the length of the instruction in bytes.
func (inst *AsmInstruction) Size() int {
	return len(inst.Bytes)
}

// IsCall returns true if the instruction is a CALL or LCALL instruction.
func (inst *AsmInstruction) IsCall() bool {
	return inst.Inst != nil && isCall(inst.Inst)
}

func isCall(inst *x86asm.Inst) bool {
	return inst.Op == x86asm.CALL || inst.Op == x86asm.LCALL
}

// Text will return the assembly instructions in human readable format
// according to the flavour specified. symLookup may be nil.
func (inst *AsmInstruction) Text(flavour AssemblyFlavour, symLookup func(uint64) (string, uint64)) string {
	if inst.Inst == nil {
		return "?"
	}
	switch flavour {
	case GNUFlavour:
		return x86asm.GNUSyntax(*inst.Inst, inst.Loc, symLookup)
	default:
		return x86asm.IntelSyntax(*inst.Inst, inst.Loc, symLookup)
	}
}

// decodeInstructions decodes mem, loaded from startAddr, into
// instructions. Undecodable bytes are returned one at a time.
func decodeInstructions(mem []byte, startAddr uint64) []AsmInstruction {
	var r []AsmInstruction
	for len(mem) > 0 {
		inst, err := x86asm.Decode(mem, 64)
		ai := AsmInstruction{Loc: startAddr}
		if err != nil {
			ai.Bytes = mem[:1]
		} else {
			ai.Bytes = mem[:inst.Len]
			ai.Inst = &inst
		}
		r = append(r, ai)
		mem = mem[len(ai.Bytes):]
		startAddr += uint64(len(ai.Bytes))
	}
	return r
}
