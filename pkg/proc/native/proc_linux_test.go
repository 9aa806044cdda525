//go:build linux && amd64

package native

import (
	"bytes"
	"os"
	"testing"

	sys "golang.org/x/sys/unix"

	"github.com/ptdbg/ptdbg/pkg/proc"
)

func launchTrue(t *testing.T) *Process {
	t.Helper()
	const path = "/bin/true"
	if _, err := os.Stat(path); err != nil {
		t.Skipf("%s not available", path)
	}
	p, err := Launch(LaunchConfig{Args: []string{path}})
	if err != nil {
		t.Skipf("ptrace not available: %v", err)
	}
	return p
}

func TestLaunchAndExit(t *testing.T) {
	p := launchTrue(t)
	if !p.Spawned() || p.Pid() <= 0 || p.ExecutablePath() == "" {
		t.Fatalf("wrong process %d %q", p.Pid(), p.ExecutablePath())
	}
	if err := p.Continue(0); err != nil {
		t.Fatal(err)
	}
	st, err := p.Wait()
	if err != nil {
		t.Fatal(err)
	}
	if !st.Exited || st.ExitStatus != 0 {
		t.Fatalf("unexpected status %#v", st)
	}
	if _, err := p.PeekWord(0); err == nil {
		t.Fatal("expected error after exit")
	}
	if err := p.Kill(); err != nil {
		t.Fatalf("kill after exit: %v", err)
	}
}

func TestMemoryAndRegisters(t *testing.T) {
	p := launchTrue(t)
	defer p.Kill()

	var regs proc.AMD64PtraceRegs
	if err := p.GetRegs(&regs); err != nil {
		t.Fatal(err)
	}
	if regs.PC() == 0 || regs.SP() == 0 {
		t.Fatalf("bad registers %v", regs.String())
	}

	buf := make([]byte, 8)
	if n, err := p.ReadMemory(buf, regs.PC()); err != nil || n != 8 {
		t.Fatalf("ReadMemory: %d %v", n, err)
	}
	w, err := p.PeekWord(regs.PC())
	if err != nil {
		t.Fatal(err)
	}
	var wb [8]byte
	for i := range wb {
		wb[i] = byte(w >> (8 * i))
	}
	if !bytes.Equal(wb[:], buf) {
		t.Fatalf("peek %x, read %x", wb, buf)
	}

	// Write the word back unchanged.
	if err := p.PokeWord(regs.PC(), w); err != nil {
		t.Fatal(err)
	}

	regs2 := regs
	regs2.Rax = 0x1234
	if err := p.SetRegs(&regs2); err != nil {
		t.Fatal(err)
	}
	var regs3 proc.AMD64PtraceRegs
	if err := p.GetRegs(&regs3); err != nil {
		t.Fatal(err)
	}
	if regs3.Rax != 0x1234 || regs3.Rip != regs.Rip {
		t.Fatalf("registers not written: %v", regs3.String())
	}

	base, err := proc.LoadBase(p.Pid())
	if err != nil || base == 0 {
		t.Fatalf("LoadBase: %#x %v", base, err)
	}
}

func TestSingleStep(t *testing.T) {
	p := launchTrue(t)
	defer p.Kill()
	var regs proc.AMD64PtraceRegs
	if err := p.GetRegs(&regs); err != nil {
		t.Fatal(err)
	}
	if err := p.SingleStep(0); err != nil {
		t.Fatal(err)
	}
	st, err := p.Wait()
	if err != nil {
		t.Fatal(err)
	}
	if !st.Stopped || st.Signal != sys.SIGTRAP {
		t.Fatalf("unexpected status %#v", st)
	}
}

func TestAttachMissingProcess(t *testing.T) {
	if _, err := Attach(-1); err == nil {
		t.Fatal("expected error")
	}
}
