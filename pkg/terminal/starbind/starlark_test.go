package starbind

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.starlark.net/starlark"

	"github.com/ptdbg/ptdbg/pkg/proc"
	protest "github.com/ptdbg/ptdbg/pkg/proc/test"
	"github.com/ptdbg/ptdbg/service/debugger"
)

const (
	mainAddr = protest.FakeLoadBase + protest.FakeMainOff
	fooAddr  = protest.FakeLoadBase + protest.FakeFooOff
)

type fakeContext struct {
	d       *debugger.Debugger
	cmds    map[string]func(string) error
	called  []string
	callErr error
}

func (ctx *fakeContext) Debugger() *debugger.Debugger { return ctx.d }

func (ctx *fakeContext) RegisterCommand(name, helpMsg string, fn func(args string) error) {
	ctx.cmds[name] = fn
}

func (ctx *fakeContext) CallCommand(cmdstr string) error {
	ctx.called = append(ctx.called, cmdstr)
	return ctx.callErr
}

func newTestEnv(t *testing.T) (*Env, *fakeContext, *protest.FakeTracee, *bytes.Buffer) {
	t.Helper()
	tgt, ft := protest.NewFakeTarget(proc.Config{})
	ctx := &fakeContext{
		d:    debugger.NewWithTarget(&debugger.Config{}, tgt),
		cmds: make(map[string]func(string) error),
	}
	out := new(bytes.Buffer)
	return New(ctx, out), ctx, ft, out
}

func run(t *testing.T, env *Env, script string) starlark.Value {
	t.Helper()
	v, err := env.Execute("test.star", script, "main", nil)
	if err != nil {
		t.Fatalf("script failed: %v", err)
	}
	return v
}

func TestBreakpointBuiltins(t *testing.T) {
	env, _, ft, out := newTestEnv(t)
	ft.Script(protest.TrapAt(fooAddr + 1))

	run(t, env, `
def main():
    bp = set_breakpoint("fake::foo")
    print(bp.FunctionName, bp.Addr)
    set_breakpoint(0x555500001004)
    print(len(breakpoints()))
    clear_breakpoint("0x555500001004")
    ev = cont()
    print(ev.Reason, ev.PC)
`)
	want := fmt.Sprintf("fake::foo %d\n2\nbreakpoint %d\n", fooAddr, fooAddr)
	if out.String() != want {
		t.Fatalf("output mismatch:\n%q\nexpected:\n%q", out.String(), want)
	}
}

func TestSteppingBuiltins(t *testing.T) {
	env, _, ft, out := newTestEnv(t)
	ft.Script(protest.TrapAt(mainAddr+1), protest.TrapAt(mainAddr+4), protest.TrapAt(mainAddr+10))

	run(t, env, `
def main():
    print(step().PC)
    print(step_over().PC)
    ev = step_over()
    print(ev.Reason, ev.PC)
    print(state().PC)
`)
	want := fmt.Sprintf("%d\n%d\nstep %d\n%d\n", mainAddr+1, mainAddr+4, mainAddr+9, mainAddr+9)
	if out.String() != want {
		t.Fatalf("output mismatch:\n%q\nexpected:\n%q", out.String(), want)
	}
}

func TestRegisterAndMemoryBuiltins(t *testing.T) {
	env, _, ft, out := newTestEnv(t)

	run(t, env, `
def main():
    regs = registers()
    print(regs["rip"])
    set_register("rax", 0x1234)
    print(register("RAX"))
    mem = read_memory("0x555500001000", 2)
    print(len(mem), mem[0], mem[1])
    patch_memory(0x555500001000, 0x0102030405060708)
`)
	want := fmt.Sprintf("%d\n4660\n2 85 72\n", mainAddr)
	if out.String() != want {
		t.Fatalf("output mismatch:\n%q\nexpected:\n%q", out.String(), want)
	}
	if ft.Regs.Rax != 0x1234 {
		t.Fatalf("rax = %#x", ft.Regs.Rax)
	}
	if ft.Byte(mainAddr) != 0x08 || ft.Byte(mainAddr+7) != 0x01 {
		t.Fatalf("memory not patched: %#x %#x", ft.Byte(mainAddr), ft.Byte(mainAddr+7))
	}
}

func TestBuiltinErrors(t *testing.T) {
	env, _, _, _ := newTestEnv(t)

	for _, tc := range []struct {
		script string
		errstr string
	}{
		{"set_breakpoint(\"nosuchfunction\")", "nosuchfunction"},
		{"clear_breakpoint(\"main\")", "no breakpoint"},
		{"read_memory(0x10, 4)", "test.star:1"},
		{"read_memory(0x555500001000, 0)", "invalid size"},
		{"read_memory(0x555500001000, 0x200000)", "more than 1048576 bytes"},
		{"register(\"nosuchreg\")", "nosuchreg"},
		{"set_register(\"rax\", 1.5)", "can not convert"},
	} {
		_, err := env.Execute("test.star", tc.script, "", nil)
		if err == nil {
			t.Fatalf("%s: expected an error", tc.script)
		}
		if !strings.Contains(err.Error(), tc.errstr) {
			t.Fatalf("%s: error %q does not contain %q", tc.script, err, tc.errstr)
		}
	}
}

func TestCommandDefinitions(t *testing.T) {
	env, ctx, _, out := newTestEnv(t)

	run(t, env, `
def command_echo(args):
    "prints its arguments"
    print("echo:", args)

def command_add(a, b):
    print(a + b)
`)
	echo, ok := ctx.cmds["echo"]
	if !ok {
		t.Fatalf("command echo not registered: %v", ctx.cmds)
	}
	if err := echo("a b c"); err != nil {
		t.Fatal(err)
	}
	add, ok := ctx.cmds["add"]
	if !ok {
		t.Fatal("command add not registered")
	}
	if err := add("1, 2"); err != nil {
		t.Fatal(err)
	}
	if out.String() != "echo: a b c\n3\n" {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestDbgCommand(t *testing.T) {
	env, ctx, _, _ := newTestEnv(t)
	run(t, env, `dbg_command("break", "main")`)
	if len(ctx.called) != 1 || ctx.called[0] != "break main" {
		t.Fatalf("unexpected commands %q", ctx.called)
	}
	if _, err := env.Execute("test.star", `dbg_command(1)`, "", nil); err == nil {
		t.Fatal("dbg_command accepted a non string argument")
	}
}

func TestFiles(t *testing.T) {
	env, _, _, out := newTestEnv(t)
	path := filepath.Join(t.TempDir(), "out.txt")
	run(t, env, fmt.Sprintf(`
write_file(%q, "hello")
print(read_file(%q))
`, path, path))
	buf, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf) != "hello" {
		t.Fatalf("file contains %q", buf)
	}
	if out.String() != "hello\n" {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestExecuteFromFile(t *testing.T) {
	env, _, _, out := newTestEnv(t)
	path := filepath.Join(t.TempDir(), "script.star")
	if err := os.WriteFile(path, []byte("def main():\n    print(len(functions(\"foo\")))\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Execute(path, nil, "main", nil); err != nil {
		t.Fatal(err)
	}
	if out.String() != "1\n" {
		t.Fatalf("unexpected output %q", out.String())
	}
}
