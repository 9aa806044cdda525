package proc

import (
	"strings"
	"testing"
)

func TestRegisterNames(t *testing.T) {
	for _, tc := range []struct {
		in, out string
	}{
		{"rip", "rip"},
		{"PC", "rip"},
		{"sp", "rsp"},
		{"fp", "rbp"},
		{"rflags", "eflags"},
		{" R15 ", "r15"},
		{"fs_base", "fs_base"},
	} {
		n, err := CanonicalRegisterName(tc.in)
		if err != nil || n != tc.out {
			t.Errorf("%q: got %q, %v; want %q", tc.in, n, err, tc.out)
		}
	}
	for _, bad := range []string{"", "eax", "xmm0", "rip2"} {
		if _, err := CanonicalRegisterName(bad); err == nil {
			t.Errorf("%q: expected error", bad)
		}
	}
}

func TestRegisterGetSet(t *testing.T) {
	var regs AMD64PtraceRegs
	for i, n := range registerNames {
		if err := regs.Set(n, uint64(i+1)); err != nil {
			t.Fatal(err)
		}
	}
	for i, r := range regs.Slice() {
		if r.Name != registerNames[i] || r.Value != uint64(i+1) {
			t.Fatalf("register %d: %v", i, r)
		}
	}
	if regs.PC() != 1 || regs.Rip != 1 {
		t.Fatalf("rip not first: %#x", regs.Rip)
	}
	if err := regs.Set("pc", 0x401000); err != nil {
		t.Fatal(err)
	}
	if v, _ := regs.Get("rip"); v != 0x401000 {
		t.Fatalf("alias not applied: %#x", v)
	}
	if !strings.Contains(regs.String(), "rip = 0x00000000401000") {
		t.Fatalf("wrong format:\n%s", regs.String())
	}
}
