package api

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
)

// Location returns addr formatted as an address with its symbolic
// position, e.g. 0x555555555139 <main+4>.
func Location(addr uint64, fn string, off uint64) string {
	switch {
	case fn == "":
		return fmt.Sprintf("%#x", addr)
	case off == 0:
		return fmt.Sprintf("%#x <%s>", addr, fn)
	}
	return fmt.Sprintf("%#x <%s+%d>", addr, fn, off)
}

func (bp *Breakpoint) String() string {
	return Location(bp.Addr, bp.FunctionName, bp.FunctionOffset)
}

func (ev *StopEvent) String() string {
	switch ev.Reason {
	case StopExited:
		return fmt.Sprintf("Process exited with status %d", ev.ExitStatus)
	case StopKilled:
		return fmt.Sprintf("Process killed by %s", ev.Signal)
	case StopBreakpoint:
		if ev.Breakpoint != nil {
			return fmt.Sprintf("Breakpoint hit at %s", ev.Breakpoint)
		}
		return fmt.Sprintf("Breakpoint hit at %s", Location(ev.PC, ev.Function, 0))
	case StopStep:
		return fmt.Sprintf("Stepped to %s", Location(ev.PC, ev.Function, 0))
	}
	return fmt.Sprintf("Stopped at %s (%s)", Location(ev.PC, ev.Function, 0), ev.Signal)
}

func (sf Stackframe) String() string {
	return fmt.Sprintf("#%-2d %#016x in %s", sf.Depth, sf.Ret, sf.Function)
}

// PrintRegisters writes regs in a two column table.
func PrintRegisters(w io.Writer, regs []Register) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, r := range regs {
		fmt.Fprintf(tw, "%s\t%#016x\t%d\n", r.Name, r.Value, r.Value)
	}
	tw.Flush()
}

// PrettyHexDump formats mem, read at addr, as lines of width bytes
// followed by their printable ASCII characters.
func PrettyHexDump(addr uint64, mem []byte, width int) string {
	if width <= 0 {
		width = 16
	}
	var b strings.Builder
	for i := 0; i < len(mem); i += width {
		end := i + width
		if end > len(mem) {
			end = len(mem)
		}
		chunk := mem[i:end]
		fmt.Fprintf(&b, "%#010x: ", addr+uint64(i))
		for _, c := range chunk {
			fmt.Fprintf(&b, "%02x ", c)
		}
		b.WriteString(strings.Repeat("   ", width-len(chunk)))
		b.WriteByte('|')
		for _, c := range chunk {
			if c >= 0x20 && c < 0x7f {
				b.WriteByte(c)
			} else {
				b.WriteByte('.')
			}
		}
		b.WriteString("|\n")
	}
	return b.String()
}
