package debugger

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ptdbg/ptdbg/pkg/proc"
	"github.com/ptdbg/ptdbg/pkg/proc/native"
	protest "github.com/ptdbg/ptdbg/pkg/proc/test"
	"github.com/ptdbg/ptdbg/service/api"
)

const (
	mainAddr = protest.FakeLoadBase + protest.FakeMainOff
	fooAddr  = protest.FakeLoadBase + protest.FakeFooOff
)

func newFakeDebugger(t *testing.T, cfg *Config) (*Debugger, *protest.FakeTracee) {
	t.Helper()
	if cfg == nil {
		cfg = &Config{}
	}
	tgt, ft := protest.NewFakeTarget(cfg.targetConfig())
	return NewWithTarget(cfg, tgt), ft
}

// fakeBackend launches and attaches to fake programs.
func fakeBackend(launched *[]*protest.FakeTracee) backend {
	newProgram := func(exe string) (proc.Tracee, error) {
		ft := protest.NewFakeProgram(exe)
		*launched = append(*launched, ft)
		return ft, nil
	}
	return backend{
		launch: func(cfg native.LaunchConfig) (proc.Tracee, error) {
			return newProgram(cfg.Args[0])
		},
		attach: func(pid int) (proc.Tracee, error) {
			return newProgram("/proc/self/exe")
		},
		loadBase: func(int) (uint64, error) { return protest.FakeLoadBase, nil },
		loadBinaryInfo: func(path string) (*proc.BinaryInfo, error) {
			return protest.FakeBinaryInfo(path), nil
		},
	}
}

func TestBreakpointByName(t *testing.T) {
	d, ft := newFakeDebugger(t, nil)

	bp, err := d.SetBreakpoint("fake::foo")
	if err != nil {
		t.Fatal(err)
	}
	if bp.Addr != fooAddr {
		t.Fatalf("breakpoint at %#x, expected %#x", bp.Addr, fooAddr)
	}
	if bp.FunctionName != "fake::foo" || bp.FunctionOffset != 0 {
		t.Fatalf("wrong location %s+%d", bp.FunctionName, bp.FunctionOffset)
	}
	if ft.Byte(fooAddr) != 0xcc {
		t.Fatalf("trap not written, found %#x", ft.Byte(fooAddr))
	}

	ft.Script(protest.TrapAt(fooAddr + 1))
	if err := d.Continue(); err != nil {
		t.Fatal(err)
	}
	if !d.Running() {
		t.Fatal("debugger not running after Continue")
	}
	ev, err := d.Wait()
	if err != nil {
		t.Fatal(err)
	}
	if ev.Reason != api.StopBreakpoint || ev.PC != fooAddr {
		t.Fatalf("unexpected stop %#v", ev)
	}
	if ev.Breakpoint == nil || ev.Breakpoint.FunctionName != "fake::foo" {
		t.Fatalf("stop without breakpoint: %#v", ev)
	}
	if off, err := d.Offset(); err != nil || off != protest.FakeFooOff {
		t.Fatalf("Offset() = %#x, %v", off, err)
	}
	if len(d.Breakpoints()) != 0 {
		t.Fatalf("breakpoint not removed after hit: %v", d.Breakpoints())
	}
}

func TestBreakpointByAddress(t *testing.T) {
	d, _ := newFakeDebugger(t, nil)

	bp, err := d.SetBreakpoint("0x555500001004")
	if err != nil {
		t.Fatal(err)
	}
	if bp.FunctionName != "main" || bp.FunctionOffset != 4 {
		t.Fatalf("wrong location %s+%d", bp.FunctionName, bp.FunctionOffset)
	}
	if _, err := d.SetBreakpoint("main"); err != nil {
		t.Fatal(err)
	}
	bps := d.Breakpoints()
	if len(bps) != 2 || bps[0].Addr != mainAddr || bps[1].Addr != mainAddr+4 {
		t.Fatalf("unexpected breakpoints %v", bps)
	}

	if _, err := d.SetBreakpoint("main"); !errors.As(err, new(proc.BreakpointExistsError)) {
		t.Fatalf("expected BreakpointExistsError, got %v", err)
	}
	var perr *proc.ParseError
	if _, err := d.SetBreakpoint("nosuchfunction"); !errors.As(err, &perr) {
		t.Fatalf("expected ParseError, got %v", err)
	}

	cleared, err := d.ClearBreakpoint("main")
	if err != nil {
		t.Fatal(err)
	}
	if cleared.Addr != mainAddr {
		t.Fatalf("cleared %#x", cleared.Addr)
	}
	if _, err := d.ClearBreakpoint("main"); !errors.As(err, new(proc.NoBreakpointError)) {
		t.Fatalf("expected NoBreakpointError, got %v", err)
	}
}

func TestStepping(t *testing.T) {
	d, ft := newFakeDebugger(t, nil)

	ft.Script(protest.TrapAt(mainAddr + 1))
	ev, err := d.SingleStep()
	if err != nil {
		t.Fatal(err)
	}
	if ev.Reason != api.StopStep || ev.PC != mainAddr+1 {
		t.Fatalf("unexpected stop %#v", ev)
	}

	ft.Script(protest.TrapAt(mainAddr + 4))
	if ev, err = d.StepOver(); err != nil || ev == nil || ev.PC != mainAddr+4 {
		t.Fatalf("StepOver() = %#v, %v", ev, err)
	}

	// The call runs to completion.
	ft.Script(protest.TrapAt(mainAddr + 10))
	ev, err = d.StepOver()
	if err != nil {
		t.Fatal(err)
	}
	if ev != nil {
		t.Fatalf("StepOver over a call returned %#v", ev)
	}
	ev, err = d.Wait()
	if err != nil {
		t.Fatal(err)
	}
	if ev.Reason != api.StopStep || ev.PC != mainAddr+9 {
		t.Fatalf("unexpected stop %#v", ev)
	}
	if len(d.Breakpoints()) != 0 {
		t.Fatalf("temporary breakpoint listed: %v", d.Breakpoints())
	}
}

func TestExit(t *testing.T) {
	d, ft := newFakeDebugger(t, nil)
	ft.Script(protest.Exit(3))
	if err := d.Continue(); err != nil {
		t.Fatal(err)
	}
	ev, err := d.Wait()
	if err != nil {
		t.Fatal(err)
	}
	if !ev.Exited() || ev.ExitStatus != 3 {
		t.Fatalf("unexpected stop %#v", ev)
	}
	if s := d.State(); !s.Exited || s.Running {
		t.Fatalf("unexpected state %#v", s)
	}
	var pe proc.ErrProcessExited
	if _, err := d.Registers(); !errors.As(err, &pe) || pe.Status != 3 {
		t.Fatalf("expected ErrProcessExited, got %v", err)
	}
}

func TestRegistersAndMemory(t *testing.T) {
	d, ft := newFakeDebugger(t, nil)

	regs, err := d.Registers()
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, r := range regs {
		if r.Name == "rip" {
			found = r.Value == mainAddr
		}
	}
	if !found {
		t.Fatalf("rip not found or wrong in %v", regs)
	}

	if err := d.SetRegister("rax", 42); err != nil {
		t.Fatal(err)
	}
	if v, err := d.Register("rax"); err != nil || v != 42 || ft.Regs.Rax != 42 {
		t.Fatalf("Register(rax) = %d, %v", v, err)
	}
	if _, err := d.Register("xmm0"); !errors.As(err, new(proc.UnknownRegisterError)) {
		t.Fatalf("expected UnknownRegisterError, got %v", err)
	}

	mem, err := d.ReadMemory(mainAddr, 4)
	if err != nil {
		t.Fatal(err)
	}
	if mem[0] != 0x55 || mem[1] != 0x48 {
		t.Fatalf("unexpected memory % x", mem)
	}
	if err := d.PatchMemory(mainAddr+0x80, 0x1122334455667788); err != nil {
		t.Fatal(err)
	}
	if ft.Byte(mainAddr+0x80) != 0x88 {
		t.Fatalf("memory not patched")
	}
}

func TestState(t *testing.T) {
	d := New(nil)
	if s := d.State(); s.Pid != 0 || s.State != proc.StateExit.String() {
		t.Fatalf("unexpected state without target %#v", s)
	}
	if _, err := d.Registers(); err != proc.ErrNoProcess {
		t.Fatalf("expected ErrNoProcess, got %v", err)
	}

	d, _ = newFakeDebugger(t, nil)
	s := d.State()
	if s.Pid != protest.FakePid || s.Function != "main" || s.Offset != protest.FakeMainOff || s.LoadBase != protest.FakeLoadBase {
		t.Fatalf("unexpected state %#v", s)
	}
	if d.ProcessPid() != protest.FakePid {
		t.Fatalf("wrong pid %d", d.ProcessPid())
	}
}

func TestDisassemble(t *testing.T) {
	d, _ := newFakeDebugger(t, nil)
	if _, err := d.SetBreakpoint("main"); err != nil {
		t.Fatal(err)
	}
	insts, err := d.Disassemble(0, len(protest.FakeCode), api.IntelFlavour)
	if err != nil {
		t.Fatal(err)
	}
	if len(insts) != 6 {
		t.Fatalf("expected 6 instructions, got %d", len(insts))
	}
	if !insts[0].AtPC || !insts[0].Breakpoint || insts[0].Function != "main" {
		t.Fatalf("unexpected first instruction %#v", insts[0])
	}
	if insts[0].Bytes[0] != 0x55 {
		t.Fatalf("breakpoint byte not hidden: % x", insts[0].Bytes)
	}
	if !strings.Contains(insts[2].Text, "fake::foo") {
		t.Fatalf("call target not resolved: %q", insts[2].Text)
	}
}

func TestFunctionsAndSections(t *testing.T) {
	d, _ := newFakeDebugger(t, nil)
	fns, err := d.Functions("foo")
	if err != nil {
		t.Fatal(err)
	}
	if len(fns) != 1 || fns[0].Name != "fake::foo" {
		t.Fatalf("unexpected functions %v", fns)
	}
	if fns, _ = d.Functions(""); len(fns) != 2 {
		t.Fatalf("expected all functions, got %v", fns)
	}
	if _, err := d.Functions("("); err == nil {
		t.Fatal("invalid filter accepted")
	}
	secs, err := d.Sections()
	if err != nil {
		t.Fatal(err)
	}
	if len(secs) != 2 || secs[0].Name != ".text" {
		t.Fatalf("unexpected sections %v", secs)
	}
}

func TestStacktraceWithoutUnwindInfo(t *testing.T) {
	d, _ := newFakeDebugger(t, nil)
	frames, err := d.Stacktrace(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 0 {
		t.Fatalf("unexpected frames %v", frames)
	}
}

func TestInitLaunch(t *testing.T) {
	exe := filepath.Join(t.TempDir(), "prog")
	if err := os.WriteFile(exe, []byte{0x7f, 'E', 'L', 'F'}, 0o755); err != nil {
		t.Fatal(err)
	}
	var launched []*protest.FakeTracee
	d := New(&Config{})
	d.backend = fakeBackend(&launched)
	if err := d.Init(exe, []string{"a", "b"}); err != nil {
		t.Fatal(err)
	}
	if len(launched) != 1 || launched[0].ExecutablePath() != exe {
		t.Fatalf("unexpected launches %v", launched)
	}
	if _, err := d.SetBreakpoint("fake::foo"); err != nil {
		t.Fatal(err)
	}

	discarded, err := d.Restart(false, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(discarded) != 0 {
		t.Fatalf("breakpoints discarded: %v", discarded)
	}
	if !launched[0].Killed {
		t.Fatal("old process not killed on restart")
	}
	if len(launched) != 2 || launched[1].Byte(fooAddr) != 0xcc {
		t.Fatal("breakpoint not set again after restart")
	}

	if err := d.Exit(); err != nil {
		t.Fatal(err)
	}
	if !launched[1].Killed {
		t.Fatal("launched process not killed on exit")
	}
}

func TestInitErrors(t *testing.T) {
	var launched []*protest.FakeTracee
	d := New(&Config{})
	d.backend = fakeBackend(&launched)

	for _, input := range []string{"/does/not/exist", t.TempDir(), "0"} {
		var aerr *proc.AttachError
		if err := d.Init(input, nil); !errors.As(err, &aerr) {
			t.Fatalf("Init(%q): expected AttachError, got %v", input, err)
		}
	}
	if len(launched) != 0 {
		t.Fatalf("unexpected launches %v", launched)
	}
}

func TestInitAttach(t *testing.T) {
	var launched []*protest.FakeTracee
	d := New(&Config{})
	d.backend = fakeBackend(&launched)
	if _, err := os.Stat("/proc/1"); err != nil {
		t.Skip("no procfs")
	}
	if err := d.Init("1", nil); err != nil {
		t.Fatal(err)
	}
	if len(launched) != 1 {
		t.Fatal("not attached")
	}
	if _, err := d.Restart(false, nil); err != ErrCanNotRestart {
		t.Fatalf("expected ErrCanNotRestart, got %v", err)
	}
}
