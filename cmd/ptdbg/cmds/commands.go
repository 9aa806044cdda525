package cmds

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/ptdbg/ptdbg/pkg/config"
	"github.com/ptdbg/ptdbg/pkg/logflags"
	"github.com/ptdbg/ptdbg/pkg/terminal"
	"github.com/ptdbg/ptdbg/pkg/version"
	"github.com/ptdbg/ptdbg/service"
	"github.com/ptdbg/ptdbg/service/dap"
	"github.com/ptdbg/ptdbg/service/debugger"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// addr is the DAP server listen address.
	addr string
	// initFile is the path to initialization file.
	initFile string
	// workingDir is the working directory for running the program.
	workingDir string
	// tty is the terminal used by the program, newPTY if a new
	// pseudo-terminal should be allocated.
	tty string

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

// newPTY is the value of --tty given without an argument.
const newPTY = "new"

type executeKind int

const (
	executingAny executeKind = iota
	executingExistingFile
	executingAttach
)

const ptdbgCommandLongDesc = `ptdbg is a debugger for native x86-64 Linux programs.

ptdbg controls a process through ptrace(2): it sets software breakpoints,
steps over single instructions or whole calls, reads and writes registers
and memory and unwinds the call stack using the .eh_frame section of the
executable.

The argument is either the pid of a running process or the path of an
executable to launch. Pass arguments to a launched program using ` + "`--`" + `, for example:

` + "`ptdbg ./server -- --port 8080`"

// New returns an initialized command tree.
func New() *cobra.Command {
	conf = config.LoadConfig()

	rootCommand = &cobra.Command{
		Use:   "ptdbg <pid|executable> [-- args...]",
		Short: "ptdbg is a debugger for native x86-64 Linux programs.",
		Long:  ptdbgCommandLongDesc,
		Args: func(cmd *cobra.Command, args []string) error {
			if n, _ := splitArgs(cmd, args); len(n) != 1 {
				return errors.New("you must provide a pid or the path of an executable")
			}
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			dbgArgs, targetArgs := splitArgs(cmd, args)
			os.Exit(execute(dbgArgs[0], targetArgs, conf, executingAny))
		},
		SilenceUsage: true,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable debugger logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'ptdbg help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'ptdbg help log').")
	rootCommand.PersistentFlags().StringVar(&initFile, "init", "", "Init file, a list of commands or a starlark script executed by the terminal.")
	rootCommand.PersistentFlags().StringVar(&workingDir, "wd", "", "Working directory for running the program.")
	rootCommand.PersistentFlags().StringVar(&tty, "tty", "", "TTY to use for the target program, a new pseudo-terminal if no path is given.")
	rootCommand.PersistentFlags().Lookup("tty").NoOptDefVal = newPTY
	rootCommand.SetGlobalNormalizationFunc(normalizeFlagName)

	// 'attach' subcommand.
	attachCommand := &cobra.Command{
		Use:   "attach pid",
		Short: "Attach to running process and begin debugging.",
		Long: `Attach to an already running process and begin debugging it.

This command will cause ptdbg to take control of an already running process,
and begin a new debug session. When exiting the debug session you will have
the option to let the process continue or kill it.
`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return errors.New("you must provide a PID")
			}
			return nil
		},
		Run: attachCmd,
	}
	rootCommand.AddCommand(attachCommand)

	// 'exec' subcommand.
	execCommand := &cobra.Command{
		Use:   "exec <path/to/binary> [-- args...]",
		Short: "Execute a binary, and begin a debug session.",
		Long: `Execute a binary and begin a debug session.

This command will cause ptdbg to exec the binary and immediately attach to it
to begin a new debug session. The process is stopped before its first
instruction and is killed when the session ends.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("you must provide a path to a binary")
			}
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			dbgArgs, targetArgs := splitArgs(cmd, args)
			if len(dbgArgs) != 1 {
				fmt.Fprintln(os.Stderr, "Pass arguments to the program after --")
				os.Exit(1)
			}
			os.Exit(execute(dbgArgs[0], targetArgs, conf, executingExistingFile))
		},
	}
	rootCommand.AddCommand(execCommand)

	// 'dap' subcommand.
	dapCommand := &cobra.Command{
		Use:   "dap",
		Short: "Starts a TCP server communicating via Debug Adaptor Protocol (DAP).",
		Long: `Starts a TCP server communicating via Debug Adaptor Protocol (DAP).

The server supports launching an executable through a launch request and
attaching to a running process through an attach request. Breakpoints are
set with setFunctionBreakpoints, on function names or address literals.
Requests are handled synchronously and a single client is accepted.`,
		Run: dapCmd,
	}
	dapCommand.Flags().StringVarP(&addr, "listen", "l", "127.0.0.1:0", "Debugging server listen address.")
	rootCommand.AddCommand(dapCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ptdbg Debugger\n%s\n", version.PtdbgVersion)
			if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
				fmt.Printf("%s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolP("verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	debugger	Log debugger commands
	ptrace		Log ptrace requests and wait statuses
	unwind		Log the unwind rows used to walk the stack
	dap		Log all DAP messages
	terminal	Log terminal errors

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.
This option will also redirect the "server listening at" message in dap
mode.

`,
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

// normalizeFlagName accepts underscores in place of dashes, so that
// --log_output selects --log-output.
func normalizeFlagName(f *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

func attachCmd(cmd *cobra.Command, args []string) {
	if _, err := strconv.Atoi(args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid pid: %s\n", args[0])
		os.Exit(1)
	}
	os.Exit(execute(args[0], nil, conf, executingAttach))
}

func dapCmd(cmd *cobra.Command, args []string) {
	status := func() int {
		if err := logflags.Setup(log, logOutput, logDest); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		defer logflags.Close()

		if initFile != "" {
			fmt.Fprint(os.Stderr, "Warning: init file ignored with dap\n")
		}
		if len(args) > 0 {
			fmt.Fprintf(os.Stderr, "Warning: program arguments ignored with dap; specify via launch request instead\n")
		}

		listener, err := net.Listen("tcp", addr)
		if err != nil {
			fmt.Printf("couldn't start listener: %s\n", err)
			return 1
		}
		disconnectChan := make(chan struct{})
		server := dap.NewServer(&service.Config{
			Listener:       listener,
			DisconnectChan: disconnectChan,
			Debugger:       debuggerConfig(conf),
		})
		defer server.Stop()

		server.Run()
		waitForDisconnectSignal(disconnectChan)
		return 0
	}()
	os.Exit(status)
}

func waitForDisconnectSignal(disconnectChan chan struct{}) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT)
	select {
	case <-ch:
	case <-disconnectChan:
	}
}

func splitArgs(cmd *cobra.Command, args []string) ([]string, []string) {
	if cmd.ArgsLenAtDash() >= 0 {
		return args[:cmd.ArgsLenAtDash()], args[cmd.ArgsLenAtDash():]
	}
	return args, []string{}
}

// debuggerConfig returns the configuration of the debugger built from
// the command line flags and the configuration file.
func debuggerConfig(conf *config.Config) debugger.Config {
	cfg := debugger.Config{
		WorkingDir:       workingDir,
		RearmBreakpoints: conf.RearmBreakpoints,
		StepOverWindow:   conf.StepOverWindow,
		UnwindCacheSize:  conf.UnwindCacheSize,
		EntryPointName:   conf.EntryPointName,
	}
	switch tty {
	case "":
	case newPTY:
		cfg.NewPTY = true
		cfg.Output = os.Stdout
	default:
		cfg.TTY = tty
	}
	return cfg
}

func execute(target string, targetArgs []string, conf *config.Config, kind executeKind) int {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	cfg := debuggerConfig(conf)
	d := debugger.New(&cfg)

	var err error
	switch kind {
	case executingAttach:
		pid, _ := strconv.Atoi(target)
		err = d.Attach(pid)
	case executingExistingFile:
		var path string
		path, err = filepath.Abs(target)
		if err == nil {
			err = d.Launch(append([]string{path}, targetArgs...))
		}
	default:
		err = d.Init(target, targetArgs)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	term := terminal.New(d, conf)
	term.InitFile = initFile
	status, err := term.Run()
	if err != nil {
		fmt.Println(err)
	}
	return status
}
