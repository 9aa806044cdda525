package api

import (
	"bytes"
	"strings"
	"testing"
)

func TestStopEventString(t *testing.T) {
	for _, tc := range []struct {
		ev  StopEvent
		out string
	}{
		{StopEvent{Reason: StopExited, ExitStatus: 2}, "Process exited with status 2"},
		{StopEvent{Reason: StopKilled, Signal: "killed"}, "Process killed by killed"},
		{StopEvent{Reason: StopBreakpoint, PC: 0x1004, Breakpoint: &Breakpoint{Addr: 0x1004, FunctionName: "main", FunctionOffset: 4}}, "Breakpoint hit at 0x1004 <main+4>"},
		{StopEvent{Reason: StopStep, PC: 0x1000, Function: "main"}, "Stepped to 0x1000 <main>"},
		{StopEvent{Reason: StopTrap, PC: 0x2000, Signal: "trace/breakpoint trap"}, "Stopped at 0x2000 (trace/breakpoint trap)"},
	} {
		if got := tc.ev.String(); got != tc.out {
			t.Errorf("got %q, want %q", got, tc.out)
		}
	}
}

func TestPrintRegisters(t *testing.T) {
	var buf bytes.Buffer
	PrintRegisters(&buf, []Register{{"rip", 0x401000}, {"rax", 10}})
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("wrong output %q", buf.String())
	}
	if !strings.HasPrefix(lines[0], "rip") || !strings.Contains(lines[0], "0x00000000401000") || !strings.HasSuffix(lines[0], "4198400") {
		t.Fatalf("wrong line %q", lines[0])
	}
}

func TestPrettyHexDump(t *testing.T) {
	mem := []byte("hello, world\x00\x01\x02\x03ab")
	out := PrettyHexDump(0x1000, mem, 16)
	want := "0x00001000: 68 65 6c 6c 6f 2c 20 77 6f 72 6c 64 00 01 02 03 |hello, world....|\n" +
		"0x00001010: 61 62 " + strings.Repeat("   ", 14) + "|ab|\n"
	if out != want {
		t.Fatalf("got:\n%s\nwant:\n%s", out, want)
	}
	if PrettyHexDump(0, nil, 8) != "" {
		t.Fatal("empty dump should be empty")
	}
}
