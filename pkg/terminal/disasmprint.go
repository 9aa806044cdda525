package terminal

import (
	"bufio"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/ptdbg/ptdbg/service/api"
)

func disasmPrint(dv api.AsmInstructions, out io.Writer) {
	bw := bufio.NewWriter(out)
	defer bw.Flush()
	tw := tabwriter.NewWriter(bw, 1, 8, 1, '\t', 0)
	defer tw.Flush()
	for _, inst := range dv {
		if inst.Function != "" {
			fmt.Fprintf(tw, "%s:\n", inst.Function)
		}
		atbp := ""
		if inst.Breakpoint {
			atbp = "*"
		}
		atpc := ""
		if inst.AtPC {
			atpc = "=>"
		}
		fmt.Fprintf(tw, "%s\t%#x%s\t%x\t%s\n", atpc, inst.Loc, atbp, inst.Bytes, inst.Text)
	}
}
