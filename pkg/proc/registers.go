package proc

import (
	"fmt"
	"strings"
)

// AMD64PtraceRegs is the struct used by the linux kernel to return the
// general purpose registers for AMD64 CPUs.
type AMD64PtraceRegs struct {
	R15      uint64
	R14      uint64
	R13      uint64
	R12      uint64
	Rbp      uint64
	Rbx      uint64
	R11      uint64
	R10      uint64
	R9       uint64
	R8       uint64
	Rax      uint64
	Rcx      uint64
	Rdx      uint64
	Rsi      uint64
	Rdi      uint64
	Orig_rax uint64
	Rip      uint64
	Cs       uint64
	Eflags   uint64
	Rsp      uint64
	Ss       uint64
	Fs_base  uint64
	Gs_base  uint64
	Ds       uint64
	Es       uint64
	Fs       uint64
	Gs       uint64
}

// Register is a named register value.
type Register struct {
	Name  string
	Value uint64
}

type registerAccessor func(r *AMD64PtraceRegs) *uint64

// registerNames lists the registers in display order.
var registerNames = []string{
	"rip", "rax", "rbx", "rcx", "rdx", "rsi", "rdi", "rsp", "rbp",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
	"eflags", "orig_rax", "cs", "ss", "ds", "es", "fs", "gs", "fs_base", "gs_base",
}

var registerAccessors = map[string]registerAccessor{
	"rip":      func(r *AMD64PtraceRegs) *uint64 { return &r.Rip },
	"rax":      func(r *AMD64PtraceRegs) *uint64 { return &r.Rax },
	"rbx":      func(r *AMD64PtraceRegs) *uint64 { return &r.Rbx },
	"rcx":      func(r *AMD64PtraceRegs) *uint64 { return &r.Rcx },
	"rdx":      func(r *AMD64PtraceRegs) *uint64 { return &r.Rdx },
	"rsi":      func(r *AMD64PtraceRegs) *uint64 { return &r.Rsi },
	"rdi":      func(r *AMD64PtraceRegs) *uint64 { return &r.Rdi },
	"rsp":      func(r *AMD64PtraceRegs) *uint64 { return &r.Rsp },
	"rbp":      func(r *AMD64PtraceRegs) *uint64 { return &r.Rbp },
	"r8":       func(r *AMD64PtraceRegs) *uint64 { return &r.R8 },
	"r9":       func(r *AMD64PtraceRegs) *uint64 { return &r.R9 },
	"r10":      func(r *AMD64PtraceRegs) *uint64 { return &r.R10 },
	"r11":      func(r *AMD64PtraceRegs) *uint64 { return &r.R11 },
	"r12":      func(r *AMD64PtraceRegs) *uint64 { return &r.R12 },
	"r13":      func(r *AMD64PtraceRegs) *uint64 { return &r.R13 },
	"r14":      func(r *AMD64PtraceRegs) *uint64 { return &r.R14 },
	"r15":      func(r *AMD64PtraceRegs) *uint64 { return &r.R15 },
	"eflags":   func(r *AMD64PtraceRegs) *uint64 { return &r.Eflags },
	"orig_rax": func(r *AMD64PtraceRegs) *uint64 { return &r.Orig_rax },
	"cs":       func(r *AMD64PtraceRegs) *uint64 { return &r.Cs },
	"ss":       func(r *AMD64PtraceRegs) *uint64 { return &r.Ss },
	"ds":       func(r *AMD64PtraceRegs) *uint64 { return &r.Ds },
	"es":       func(r *AMD64PtraceRegs) *uint64 { return &r.Es },
	"fs":       func(r *AMD64PtraceRegs) *uint64 { return &r.Fs },
	"gs":       func(r *AMD64PtraceRegs) *uint64 { return &r.Gs },
	"fs_base":  func(r *AMD64PtraceRegs) *uint64 { return &r.Fs_base },
	"gs_base":  func(r *AMD64PtraceRegs) *uint64 { return &r.Gs_base },
}

var registerAliases = map[string]string{
	"pc":     "rip",
	"sp":     "rsp",
	"fp":     "rbp",
	"rflags": "eflags",
}

// CanonicalRegisterName returns the canonical lower case name of the
// register called name, resolving aliases.
func CanonicalRegisterName(name string) (string, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	if a, ok := registerAliases[n]; ok {
		n = a
	}
	if _, ok := registerAccessors[n]; !ok {
		return "", UnknownRegisterError{Name: name}
	}
	return n, nil
}

func (r *AMD64PtraceRegs) field(name string) (*uint64, error) {
	n, err := CanonicalRegisterName(name)
	if err != nil {
		return nil, err
	}
	return registerAccessors[n](r), nil
}

// Get returns the value of the register called name.
func (r *AMD64PtraceRegs) Get(name string) (uint64, error) {
	p, err := r.field(name)
	if err != nil {
		return 0, err
	}
	return *p, nil
}

// Set changes the value of the register called name. Other registers
// are left untouched.
func (r *AMD64PtraceRegs) Set(name string, value uint64) error {
	p, err := r.field(name)
	if err != nil {
		return err
	}
	*p = value
	return nil
}

// PC returns the value of RIP register.
func (r *AMD64PtraceRegs) PC() uint64 {
	return r.Rip
}

// SP returns the value of RSP register.
func (r *AMD64PtraceRegs) SP() uint64 {
	return r.Rsp
}

// BP returns the value of RBP register.
func (r *AMD64PtraceRegs) BP() uint64 {
	return r.Rbp
}

// Slice returns the registers in display order.
func (r *AMD64PtraceRegs) Slice() []Register {
	out := make([]Register, 0, len(registerNames))
	for _, n := range registerNames {
		out = append(out, Register{Name: n, Value: *registerAccessors[n](r)})
	}
	return out
}

func (r *AMD64PtraceRegs) String() string {
	var sb strings.Builder
	for _, reg := range r.Slice() {
		fmt.Fprintf(&sb, "%8s = %#016x\n", reg.Name, reg.Value)
	}
	return sb.String()
}
