package proc_test

import (
	"bytes"
	"errors"
	"testing"

	sys "golang.org/x/sys/unix"

	"github.com/ptdbg/ptdbg/pkg/proc"
	protest "github.com/ptdbg/ptdbg/pkg/proc/test"
)

const (
	testLoadBase  = 0x555500000000
	testEHFrameAt = 0x2000
	testStackAt   = 0x7ff0000
)

// testEHFrame describes foo, [0x1000, 0x1020): CFA is rsp+8 at entry,
// rsp+16 after push %rbp and rbp+16 after mov %rsp,%rbp.
var testEHFrame = []byte{
	0x14, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x01, 'z', 'R', 0x00, 0x01, 0x78, 0x10, 0x01, 0x1b,
	0x0c, 0x07, 0x08, 0x90, 0x01, 0x00, 0x00,

	0x18, 0x00, 0x00, 0x00, 0x1c, 0x00, 0x00, 0x00,
	0xe0, 0xef, 0xff, 0xff, 0x20, 0x00, 0x00, 0x00,
	0x00, 0x41, 0x0e, 0x10, 0x86, 0x02, 0x43, 0x0d, 0x06,
	0x00, 0x00, 0x00,

	0x00, 0x00, 0x00, 0x00,
}

// testCode is the text of foo, loaded at testLoadBase+0x1000.
var testCode = []byte{
	0x55,             // push %rbp
	0x48, 0x89, 0xe5, // mov %rsp,%rbp
	0xe8, 0xf7, 0x00, 0x00, 0x00, // call main
	0x90, // nop
	0x5d, // pop %rbp
	0xc3, // ret
}

func testBinaryInfo() *proc.BinaryInfo {
	bi := proc.NewBinaryInfo("/bin/fake")
	bi.SetFunctions([]proc.Function{
		{Name: "main", RawName: "main", Offset: 0x1100, Size: 0x40},
		{Name: "foo", RawName: "_ZN3foo17h0123456789abcdefE", Offset: 0x1000, Size: 0x20},
	})
	bi.SetFrameSection(testEHFrame, testEHFrameAt)
	return bi
}

func newTestTarget(t *testing.T, cfg proc.Config) (*proc.Target, *protest.FakeTracee) {
	t.Helper()
	ft := protest.NewFakeTracee("/bin/fake")
	code := make([]byte, 0x200)
	copy(code, testCode)
	ft.Map(testLoadBase+0x1000, code)
	ft.Map(testStackAt, make([]byte, 0x200))
	ft.Regs.Rip = testLoadBase + 0x1000
	ft.Regs.Rsp = testStackAt + 0x100
	return proc.NewTarget(ft, testBinaryInfo(), testLoadBase, cfg), ft
}

func assertState(t *testing.T, tgt *proc.Target, want proc.State) {
	t.Helper()
	if tgt.State() != want {
		t.Fatalf("state %v, want %v", tgt.State(), want)
	}
}

func mustRead(t *testing.T, ft *protest.FakeTracee, addr uint64, n int) []byte {
	t.Helper()
	buf, err := proc.ReadMemory(ft, addr, n)
	if err != nil {
		t.Fatalf("read %#x: %v", addr, err)
	}
	return buf
}

func TestBreakpointHit(t *testing.T) {
	tgt, ft := newTestTarget(t, proc.Config{})
	addr := uint64(testLoadBase + 0x1001)

	orig := mustRead(t, ft, testLoadBase+0x1000, 16)
	if _, err := tgt.SetBreakpoint(addr); err != nil {
		t.Fatal(err)
	}
	if b := mustRead(t, ft, addr, 1)[0]; b != proc.TrapInstruction {
		t.Fatalf("trap not written: %#x", b)
	}

	if err := tgt.Resume(); err != nil {
		t.Fatal(err)
	}
	assertState(t, tgt, proc.StateAwaitingTrap)
	if _, err := tgt.ReadMemory(addr, 1); !errors.Is(err, proc.ErrProcessRunning) {
		t.Fatalf("expected ErrProcessRunning, got %v", err)
	}

	ft.Script(protest.TrapAt(addr + 1))
	ev, err := tgt.WaitForStop()
	if err != nil {
		t.Fatal(err)
	}
	assertState(t, tgt, proc.StateInteractive)
	if ev.Reason != proc.StopBreakpoint || ev.PC != addr || ev.Function != "foo" {
		t.Fatalf("wrong event %#v", ev)
	}
	if ft.Regs.Rip != addr {
		t.Fatalf("rip %#x, want %#x", ft.Regs.Rip, addr)
	}
	if tgt.Breakpoints.IsBreakpoint(addr) {
		t.Fatalf("breakpoint still installed after hit")
	}
	if got := mustRead(t, ft, testLoadBase+0x1000, 16); !bytes.Equal(got, orig) {
		t.Fatalf("memory not restored:\n%x\n%x", got, orig)
	}
}

func TestTrapWithoutBreakpoint(t *testing.T) {
	tgt, ft := newTestTarget(t, proc.Config{})
	if err := tgt.Resume(); err != nil {
		t.Fatal(err)
	}
	ft.Script(protest.TrapAt(testLoadBase + 0x100a))
	ev, err := tgt.WaitForStop()
	if err != nil {
		t.Fatal(err)
	}
	if ev.Reason != proc.StopTrap || ev.PC != testLoadBase+0x100a {
		t.Fatalf("wrong event %#v", ev)
	}
	if ft.Regs.Rip != testLoadBase+0x100a {
		t.Fatalf("rip changed to %#x", ft.Regs.Rip)
	}
}

func TestSignalsAreForwarded(t *testing.T) {
	tgt, ft := newTestTarget(t, proc.Config{})
	if err := tgt.Resume(); err != nil {
		t.Fatal(err)
	}
	ft.Script(protest.SignalAt(sys.SIGUSR1, testLoadBase+0x1009))
	ft.Script(protest.SignalAt(sys.SIGSTOP, testLoadBase+0x1009))
	ft.Script(protest.TrapAt(testLoadBase + 0x100a))
	ev, err := tgt.WaitForStop()
	if err != nil {
		t.Fatal(err)
	}
	if ev.Reason != proc.StopTrap {
		t.Fatalf("wrong event %#v", ev)
	}
	want := []sys.Signal{0, sys.SIGUSR1, 0}
	if len(ft.Conts) != len(want) {
		t.Fatalf("continues %v, want %v", ft.Conts, want)
	}
	for i := range want {
		if ft.Conts[i] != want[i] {
			t.Fatalf("continues %v, want %v", ft.Conts, want)
		}
	}
}

func TestProcessExit(t *testing.T) {
	tgt, ft := newTestTarget(t, proc.Config{})
	if _, err := tgt.SetBreakpoint(testLoadBase + 0x1009); err != nil {
		t.Fatal(err)
	}
	if err := tgt.Resume(); err != nil {
		t.Fatal(err)
	}
	ft.Script(protest.Exit(3))
	ev, err := tgt.WaitForStop()
	if err != nil {
		t.Fatal(err)
	}
	if ev.Reason != proc.StopExited || ev.ExitStatus != 3 {
		t.Fatalf("wrong event %#v", ev)
	}
	assertState(t, tgt, proc.StateInteractive)
	if !tgt.Exited() {
		t.Fatal("target not marked exited")
	}
	if len(tgt.ListBreakpoints()) != 0 {
		t.Fatal("breakpoints survived exit")
	}
	_, err = tgt.Registers()
	var pe proc.ErrProcessExited
	if !errors.As(err, &pe) || pe.Status != 3 {
		t.Fatalf("expected ErrProcessExited, got %v", err)
	}
	if err := tgt.Detach(false); err != nil {
		t.Fatal(err)
	}
	assertState(t, tgt, proc.StateExit)
	if ft.Detached {
		t.Fatal("detached from exited process")
	}
}

func TestWaitForStopNotRunning(t *testing.T) {
	tgt, _ := newTestTarget(t, proc.Config{})
	if _, err := tgt.WaitForStop(); err == nil {
		t.Fatal("expected error waiting on a stopped process")
	}
}

func TestSingleStep(t *testing.T) {
	tgt, ft := newTestTarget(t, proc.Config{})
	// A breakpoint right after the stepped instruction must not be
	// mistaken for a hit.
	next := uint64(testLoadBase + 0x1001)
	if _, err := tgt.SetBreakpoint(next); err != nil {
		t.Fatal(err)
	}
	ft.Script(protest.TrapAt(next + 1))
	ev, err := tgt.SingleStep()
	if err != nil {
		t.Fatal(err)
	}
	if ev.Reason != proc.StopStep || ev.PC != next+1 {
		t.Fatalf("wrong event %#v", ev)
	}
	if !tgt.Breakpoints.IsBreakpoint(next) {
		t.Fatal("breakpoint removed by unrelated step")
	}
	assertState(t, tgt, proc.StateInteractive)
}

func TestSingleStepOntoBreakpoint(t *testing.T) {
	tgt, ft := newTestTarget(t, proc.Config{})
	pc := uint64(testLoadBase + 0x1000)
	if _, err := tgt.SetBreakpoint(pc); err != nil {
		t.Fatal(err)
	}
	ft.Script(protest.TrapAt(pc + 1))
	ev, err := tgt.SingleStep()
	if err != nil {
		t.Fatal(err)
	}
	if ev.Reason != proc.StopBreakpoint || ev.PC != pc || ft.Regs.Rip != pc {
		t.Fatalf("wrong event %#v (rip %#x)", ev, ft.Regs.Rip)
	}
	if tgt.Breakpoints.IsBreakpoint(pc) {
		t.Fatal("breakpoint not removed")
	}
}

func TestStepOverCall(t *testing.T) {
	tgt, ft := newTestTarget(t, proc.Config{})
	ft.Regs.Rip = testLoadBase + 0x1004
	ret := uint64(testLoadBase + 0x1009)

	ev, err := tgt.StepOver()
	if err != nil {
		t.Fatal(err)
	}
	if ev != nil {
		t.Fatalf("expected the process to be resumed, got %#v", ev)
	}
	assertState(t, tgt, proc.StateAwaitingTrap)
	if bp := tgt.Breakpoints.Find(ret); bp == nil || !bp.Temp {
		t.Fatalf("no temporary breakpoint at return address")
	}
	if len(tgt.ListBreakpoints()) != 0 {
		t.Fatal("temporary breakpoint listed as user breakpoint")
	}

	ft.Script(protest.TrapAt(ret + 1))
	ev, err = tgt.WaitForStop()
	if err != nil {
		t.Fatal(err)
	}
	if ev.Reason != proc.StopStep || ev.PC != ret {
		t.Fatalf("wrong event %#v", ev)
	}
	if b := mustRead(t, ft, ret, 1)[0]; b != 0x90 {
		t.Fatalf("return address not restored: %#x", b)
	}
}

func TestStepOverCallWithBreakpoint(t *testing.T) {
	tgt, ft := newTestTarget(t, proc.Config{})
	ft.Regs.Rip = testLoadBase + 0x1004
	ret := uint64(testLoadBase + 0x1009)
	if _, err := tgt.SetBreakpoint(ret); err != nil {
		t.Fatal(err)
	}
	if _, err := tgt.StepOver(); err != nil {
		t.Fatal(err)
	}
	if bp := tgt.Breakpoints.Find(ret); bp == nil || bp.Temp {
		t.Fatal("user breakpoint replaced by temporary breakpoint")
	}
}

func TestStepOverStoppedInCallee(t *testing.T) {
	tgt, ft := newTestTarget(t, proc.Config{})
	ft.Regs.Rip = testLoadBase + 0x1004
	ret := uint64(testLoadBase + 0x1009)
	callee := uint64(testLoadBase + 0x1100)
	if _, err := tgt.SetBreakpoint(callee); err != nil {
		t.Fatal(err)
	}
	if _, err := tgt.StepOver(); err != nil {
		t.Fatal(err)
	}

	ft.Script(protest.TrapAt(callee + 1))
	ev, err := tgt.WaitForStop()
	if err != nil {
		t.Fatal(err)
	}
	if ev.Reason != proc.StopBreakpoint || ev.PC != callee {
		t.Fatalf("wrong event %#v", ev)
	}
	if tgt.Breakpoints.IsBreakpoint(ret) {
		t.Fatal("temporary breakpoint left at the return address")
	}
	if b := mustRead(t, ft, ret, 1)[0]; b != 0x90 {
		t.Fatalf("return address not restored: %#x", b)
	}
	if _, err := tgt.SetBreakpoint(ret); err != nil {
		t.Fatalf("breakpoint at the return address: %v", err)
	}
	if bps := tgt.ListBreakpoints(); len(bps) != 1 || bps[0].Addr != ret {
		t.Fatalf("wrong breakpoints %v", bps)
	}

	if err := tgt.Resume(); err != nil {
		t.Fatal(err)
	}
	ft.Script(protest.TrapAt(ret + 1))
	ev, err = tgt.WaitForStop()
	if err != nil {
		t.Fatal(err)
	}
	if ev.Reason != proc.StopBreakpoint || ev.PC != ret {
		t.Fatalf("expected a breakpoint stop at the return address, got %#v", ev)
	}
}

func TestSingleStepClearsTemporaryBreakpoints(t *testing.T) {
	tgt, ft := newTestTarget(t, proc.Config{})
	ret := uint64(testLoadBase + 0x1009)
	if _, err := tgt.Breakpoints.Set(ft, ret, true); err != nil {
		t.Fatal(err)
	}
	ft.Script(protest.TrapAt(testLoadBase + 0x1001))
	if _, err := tgt.SingleStep(); err != nil {
		t.Fatal(err)
	}
	if tgt.Breakpoints.IsBreakpoint(ret) {
		t.Fatal("temporary breakpoint survived a step")
	}
}

func TestStepOverNonCall(t *testing.T) {
	tgt, ft := newTestTarget(t, proc.Config{})
	ft.Script(protest.TrapAt(testLoadBase + 0x1001))
	ev, err := tgt.StepOver()
	if err != nil {
		t.Fatal(err)
	}
	if ev == nil || ev.Reason != proc.StopStep || ev.PC != testLoadBase+0x1001 {
		t.Fatalf("wrong event %#v", ev)
	}
	if len(ft.Steps) != 1 || len(ft.Conts) != 0 {
		t.Fatalf("steps %v continues %v", ft.Steps, ft.Conts)
	}
}

func TestStepOverShadowsBreakpoint(t *testing.T) {
	tgt, ft := newTestTarget(t, proc.Config{})
	pc := uint64(testLoadBase + 0x1004)
	ft.Regs.Rip = pc
	if _, err := tgt.SetBreakpoint(pc); err != nil {
		t.Fatal(err)
	}
	// The call must be decoded through the trap byte.
	ev, err := tgt.StepOver()
	if err != nil {
		t.Fatal(err)
	}
	if ev != nil || !tgt.Breakpoints.IsBreakpoint(pc+5) {
		t.Fatalf("call not stepped over: %#v", ev)
	}
}

func TestRearmBreakpoints(t *testing.T) {
	tgt, ft := newTestTarget(t, proc.Config{RearmBreakpoints: true})
	addr := uint64(testLoadBase + 0x1000)
	if _, err := tgt.SetBreakpoint(addr); err != nil {
		t.Fatal(err)
	}
	if err := tgt.Resume(); err != nil {
		t.Fatal(err)
	}
	ft.Script(protest.TrapAt(addr + 1))
	if _, err := tgt.WaitForStop(); err != nil {
		t.Fatal(err)
	}
	if tgt.Breakpoints.IsBreakpoint(addr) {
		t.Fatal("trap still in memory at pc")
	}
	if bps := tgt.ListBreakpoints(); len(bps) != 1 || bps[0].Addr != addr {
		t.Fatalf("pending breakpoint not listed: %v", bps)
	}

	ft.Script(protest.TrapAt(addr + 1)) // step over push %rbp
	if err := tgt.Resume(); err != nil {
		t.Fatal(err)
	}
	if len(ft.Steps) != 1 || len(ft.Conts) != 2 {
		t.Fatalf("steps %v continues %v", ft.Steps, ft.Conts)
	}
	if !tgt.Breakpoints.IsBreakpoint(addr) {
		t.Fatal("breakpoint not reinserted")
	}
	if b := mustRead(t, ft, addr, 1)[0]; b != proc.TrapInstruction {
		t.Fatalf("trap not written back: %#x", b)
	}
}

func TestBreakpointErrors(t *testing.T) {
	tgt, _ := newTestTarget(t, proc.Config{})
	addr := uint64(testLoadBase + 0x1002)
	if _, err := tgt.SetBreakpoint(addr); err != nil {
		t.Fatal(err)
	}
	if _, err := tgt.SetBreakpoint(addr); !errors.As(err, new(proc.BreakpointExistsError)) {
		t.Fatalf("expected BreakpointExistsError, got %v", err)
	}
	if ok, err := tgt.ClearBreakpoint(addr + 1); ok || err != nil {
		t.Fatalf("clearing missing breakpoint: %v %v", ok, err)
	}
	if _, err := tgt.SetBreakpoint(0x10); err == nil {
		t.Fatal("expected error for unmapped address")
	}
	if ok, err := tgt.ClearBreakpoint(addr); !ok || err != nil {
		t.Fatalf("clearing breakpoint: %v %v", ok, err)
	}
}

func TestRegisters(t *testing.T) {
	tgt, ft := newTestTarget(t, proc.Config{})
	ft.Regs.Rax = 0xdead
	if v, err := tgt.Register("RAX"); err != nil || v != 0xdead {
		t.Fatalf("rax = %#x, %v", v, err)
	}
	if err := tgt.SetRegister("rbx", 7); err != nil {
		t.Fatal(err)
	}
	if ft.Regs.Rbx != 7 || ft.Regs.Rax != 0xdead {
		t.Fatalf("wrong registers after set: %#v", ft.Regs)
	}
	if err := tgt.SetRegister("xmm0", 1); !errors.As(err, new(proc.UnknownRegisterError)) {
		t.Fatalf("expected UnknownRegisterError, got %v", err)
	}
}

func TestPatchMemory(t *testing.T) {
	tgt, ft := newTestTarget(t, proc.Config{})
	if err := tgt.PatchMemory(testStackAt+3, 0x1122334455667788); err != nil {
		t.Fatal(err)
	}
	got := mustRead(t, ft, testStackAt, 12)
	want := []byte{0, 0, 0, 0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11, 0}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %x want %x", got, want)
	}
}

func TestDisassemble(t *testing.T) {
	tgt, _ := newTestTarget(t, proc.Config{})
	if _, err := tgt.SetBreakpoint(testLoadBase + 0x1001); err != nil {
		t.Fatal(err)
	}
	insts, err := tgt.Disassemble(testLoadBase+0x1000, len(testCode))
	if err != nil {
		t.Fatal(err)
	}
	if len(insts) != 6 {
		t.Fatalf("expected 6 instructions, got %d", len(insts))
	}
	if !insts[0].AtPC || insts[1].AtPC {
		t.Fatal("wrong AtPC flags")
	}
	if !insts[1].Breakpoint || insts[1].Size() != 3 {
		t.Fatalf("breakpoint not shadowed: %#v", insts[1])
	}
	if !insts[2].IsCall() {
		t.Fatalf("expected call, got %s", insts[2].Text(proc.IntelFlavour, nil))
	}
}

func TestDetachRestoresMemory(t *testing.T) {
	tgt, ft := newTestTarget(t, proc.Config{})
	orig := mustRead(t, ft, testLoadBase+0x1000, 16)
	for _, off := range []uint64{0x1000, 0x1001, 0x1009} {
		if _, err := tgt.SetBreakpoint(testLoadBase + off); err != nil {
			t.Fatal(err)
		}
	}
	if err := tgt.Detach(false); err != nil {
		t.Fatal(err)
	}
	if !ft.Detached {
		t.Fatal("not detached")
	}
	if got := mustRead(t, ft, testLoadBase+0x1000, 16); !bytes.Equal(got, orig) {
		t.Fatalf("memory not restored:\n%x\n%x", got, orig)
	}
	assertState(t, tgt, proc.StateExit)
	if _, err := tgt.Registers(); !errors.Is(err, proc.ErrNoProcess) {
		t.Fatalf("expected ErrNoProcess, got %v", err)
	}
}

func TestResolve(t *testing.T) {
	tgt, _ := newTestTarget(t, proc.Config{})
	if fn := tgt.ResolveAddress(testLoadBase + 0x101f); fn == nil || fn.Name != "foo" {
		t.Fatalf("wrong function %v", fn)
	}
	if fn := tgt.ResolveAddress(testLoadBase + 0x1020); fn != nil {
		t.Fatalf("resolved past end of foo: %v", fn)
	}
	if fn := tgt.ResolveAddress(0x1000); fn != nil {
		t.Fatalf("resolved below load base: %v", fn)
	}
	if addr, ok := tgt.ResolveName("main"); !ok || addr != testLoadBase+0x1100 {
		t.Fatalf("main at %#x %v", addr, ok)
	}
	if addr, ok := tgt.ResolveName("_ZN3foo17h0123456789abcdefE"); !ok || addr != testLoadBase+0x1000 {
		t.Fatalf("raw name at %#x %v", addr, ok)
	}
}
