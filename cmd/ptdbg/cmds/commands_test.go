package cmds

import (
	"os"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/ptdbg/ptdbg/pkg/config"
)

func TestSplitArgs(t *testing.T) {
	for _, tc := range []struct {
		in     []string
		dbg    string
		target string
	}{
		{[]string{"./prog"}, "./prog", ""},
		{[]string{"./prog", "--", "-v", "x"}, "./prog", "-v,x"},
		{[]string{"1234"}, "1234", ""},
	} {
		var dbgArgs, targetArgs []string
		cmd := &cobra.Command{
			Use: "test",
			Run: func(cmd *cobra.Command, args []string) {
				dbgArgs, targetArgs = splitArgs(cmd, args)
			},
		}
		cmd.SetArgs(tc.in)
		if err := cmd.Execute(); err != nil {
			t.Fatal(err)
		}
		if strings.Join(dbgArgs, ",") != tc.dbg || strings.Join(targetArgs, ",") != tc.target {
			t.Fatalf("%q: got %q %q", tc.in, dbgArgs, targetArgs)
		}
	}
}

func TestNormalizeFlagName(t *testing.T) {
	var logOut string
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.StringVar(&logOut, "log-output", "", "")
	fs.SetNormalizeFunc(normalizeFlagName)
	if err := fs.Parse([]string{"--log_output=debugger,dap"}); err != nil {
		t.Fatal(err)
	}
	if logOut != "debugger,dap" {
		t.Fatalf("flag not set: %q", logOut)
	}
}

func TestDebuggerConfig(t *testing.T) {
	conf := config.Default()
	conf.RearmBreakpoints = true

	defer func() { tty, workingDir = "", "" }()

	workingDir = "/tmp"
	cfg := debuggerConfig(conf)
	if !cfg.RearmBreakpoints || cfg.StepOverWindow != config.DefaultStepOverWindow || cfg.WorkingDir != "/tmp" {
		t.Fatalf("unexpected config %#v", cfg)
	}
	if cfg.NewPTY || cfg.TTY != "" {
		t.Fatalf("terminal configured without --tty: %#v", cfg)
	}

	tty = newPTY
	if cfg := debuggerConfig(conf); !cfg.NewPTY || cfg.Output != os.Stdout {
		t.Fatalf("new pseudo-terminal not requested: %#v", cfg)
	}

	tty = "/dev/pts/7"
	if cfg := debuggerConfig(conf); cfg.NewPTY || cfg.TTY != "/dev/pts/7" {
		t.Fatalf("tty not set: %#v", cfg)
	}
}
