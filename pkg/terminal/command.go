// Package terminal implements functions for responding to user
// input and dispatching to appropriate backend commands.
package terminal

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/cosiner/argv"
	"github.com/derekparker/trie"

	"github.com/ptdbg/ptdbg/pkg/proc"
	"github.com/ptdbg/ptdbg/service/api"
)

type cmdfunc func(t *Term, args string) error

type command struct {
	aliases        []string
	builtinAliases []string
	group          commandGroup
	helpMsg        string
	cmdFn          cmdfunc
}

// Returns true if the command string matches one of the aliases for this command
func (c command) match(cmdstr string) bool {
	for _, v := range c.aliases {
		if v == cmdstr {
			return true
		}
	}
	return false
}

// Commands represents the commands for the ptdbg terminal.
type Commands struct {
	cmds []command
	// trie maps every alias to the index of its command.
	trie *trie.Trie
}

// DebugCommands returns a Commands struct with default commands defined.
func DebugCommands() *Commands {
	c := &Commands{}

	c.cmds = []command{
		{aliases: []string{"help", "h"}, cmdFn: c.help, helpMsg: `Prints the help message.

	help [command]

Type "help" followed by the name of a command for more information about it.`},
		{aliases: []string{"break", "b", "bp"}, group: breakCmds, cmdFn: breakpoint, helpMsg: `Sets a breakpoint.

	break <address|function>

The address can be written in hexadecimal (0x401000) or decimal. Breakpoints
are removed when they are hit unless rearm-breakpoints is set in the
configuration.

See also: "help clear" and "help breakpoints"`},
		{aliases: []string{"clear", "rm"}, group: breakCmds, cmdFn: clear, helpMsg: `Deletes a breakpoint.

	clear <address|function>`},
		{aliases: []string{"breakpoints", "bl"}, group: breakCmds, cmdFn: breakpoints, helpMsg: "Print out info for active breakpoints."},
		{aliases: []string{"continue", "c"}, group: runCmds, cmdFn: cont, helpMsg: "Run until breakpoint or program termination."},
		{aliases: []string{"step", "s", "si"}, group: runCmds, cmdFn: step, helpMsg: "Single step a single cpu instruction."},
		{aliases: []string{"next", "n", "so"}, group: runCmds, cmdFn: next, helpMsg: `Step over to the next instruction.

Calls are run to completion: a temporary breakpoint is set on the return
address and the program continues.`},
		{aliases: []string{"restart", "r"}, group: runCmds, cmdFn: restart, helpMsg: `Restart process.

	restart [newargv...]
	restart -noargs

Kills the launched process and starts it again, with the same arguments
unless new ones are given. Use -noargs to clear the arguments. Breakpoints
are set again at the same offset from the load address.`},
		{aliases: []string{"registers", "regs"}, group: dataCmds, cmdFn: regs, helpMsg: "Print contents of the general purpose registers."},
		{aliases: []string{"get-reg", "get"}, group: dataCmds, cmdFn: getReg, helpMsg: `Print the value of a register.

	get-reg <register>`},
		{aliases: []string{"set-reg", "set"}, group: dataCmds, cmdFn: setReg, helpMsg: `Changes the value of a register.

	set-reg <register> <value>`},
		{aliases: []string{"dump", "d", "x"}, group: dataCmds, cmdFn: dump, helpMsg: `Examine raw memory as a hex dump.

	dump [-width <n>] <address> [size]

The default size and width are taken from the dump-default-size and
dump-width configuration options. Bytes replaced by breakpoints are shown
as they are in memory.`},
		{aliases: []string{"patch"}, group: dataCmds, cmdFn: patch, helpMsg: `Overwrites the 8 byte word at an address.

	patch <address> <value>`},
		{aliases: []string{"disassemble", "dis"}, group: dataCmds, cmdFn: disassCommand, helpMsg: `Disassembler.

	disassemble [-a <start> <end>] [-l <address|function>]

If no argument is specified the code at the current program counter is
disassembled.

	-a <start> <end>	disassembles the specified address range
	-l <address|function>	disassembles the code at the specified location`},
		{aliases: []string{"offset"}, group: dataCmds, cmdFn: offset, helpMsg: "Print the program counter relative to the load address of the executable."},
		{aliases: []string{"sections", "sec"}, group: dataCmds, cmdFn: sections, helpMsg: "Print the section headers of the executable."},
		{aliases: []string{"functions", "funcs"}, group: dataCmds, cmdFn: funcs, helpMsg: `Print list of functions.

	functions [<regex>]

If regex is specified only the functions matching it will be returned.`},
		{aliases: []string{"backtrace", "bt"}, group: stackCmds, cmdFn: stackCommand, helpMsg: `Print stack trace.

	backtrace [depth]

The depth defaults to the max-backtrace-depth configuration option.`},
		{aliases: []string{"source"}, cmdFn: c.sourceCommand, helpMsg: `Executes a file containing a list of ptdbg commands.

	source <path>

If path ends with the .star extension it will be interpreted as a
starlark script.`},
		{aliases: []string{"config"}, cmdFn: configureCmd, helpMsg: `Changes configuration parameters.

	config -list

Show all configuration parameters.

	config -save

Saves the configuration file to disk, overwriting the current configuration file.

	config <parameter> <value>

Changes the value of a configuration parameter.

	config alias <command> <alias>
	config alias <alias>

Defines <alias> as an alias to <command> or removes an alias.`},
		{aliases: []string{"exit", "quit", "q"}, cmdFn: exitCommand, helpMsg: `Exit the debugger.

Launched processes are killed, for attached processes you are asked
whether the process should be killed or detached from.`},
	}

	c.buildTrie()
	return c
}

func (c *Commands) buildTrie() {
	c.trie = trie.New()
	for i := range c.cmds {
		for _, alias := range c.cmds[i].aliases {
			if _, ok := c.trie.Find(alias); ok {
				continue
			}
			c.trie.Add(alias, i)
		}
	}
}

// Register custom commands. Expects cf to be a func of type cmdfunc,
// returning only an error.
func (c *Commands) Register(cmdstr string, cf cmdfunc, helpMsg string) {
	for i := range c.cmds {
		if c.cmds[i].match(cmdstr) {
			c.cmds[i].cmdFn = cf
			c.cmds[i].helpMsg = helpMsg
			return
		}
	}

	c.cmds = append(c.cmds, command{aliases: []string{cmdstr}, cmdFn: cf, helpMsg: helpMsg})
	c.buildTrie()
}

// Find will look up the command function for the given command input.
// An unambiguous prefix of an alias selects its command. If it cannot
// find the command it will default to noCmdAvailable().
func (c *Commands) Find(cmdstr string) cmdfunc {
	if cmdstr == "" {
		return nullCommand
	}
	if c.trie == nil {
		return noCmdAvailable
	}

	if node, ok := c.trie.Find(cmdstr); ok {
		return c.cmds[node.Meta().(int)].cmdFn
	}

	found := -1
	for _, alias := range c.trie.PrefixSearch(cmdstr) {
		node, ok := c.trie.Find(alias)
		if !ok {
			continue
		}
		idx := node.Meta().(int)
		if found >= 0 && found != idx {
			return ambiguousCommand(cmdstr)
		}
		found = idx
	}
	if found >= 0 {
		return c.cmds[found].cmdFn
	}

	return noCmdAvailable
}

// Call takes a command to execute.
func (c *Commands) Call(cmdstr string, t *Term) error {
	vals := strings.SplitN(strings.TrimSpace(cmdstr), " ", 2)
	cmdname := vals[0]
	var args string
	if len(vals) > 1 {
		args = strings.TrimSpace(vals[1])
	}
	return c.Find(cmdname)(t, args)
}

// Merge takes aliases defined in the config struct and merges them with the default aliases.
func (c *Commands) Merge(allAliases map[string][]string) {
	for i := range c.cmds {
		if c.cmds[i].builtinAliases != nil {
			c.cmds[i].aliases = append(c.cmds[i].aliases[:0], c.cmds[i].builtinAliases...)
		}
	}
	for i := range c.cmds {
		if aliases, ok := allAliases[c.cmds[i].aliases[0]]; ok {
			if c.cmds[i].builtinAliases == nil {
				c.cmds[i].builtinAliases = make([]string, len(c.cmds[i].aliases))
				copy(c.cmds[i].builtinAliases, c.cmds[i].aliases)
			}
			c.cmds[i].aliases = append(c.cmds[i].aliases, aliases...)
		}
	}
	c.buildTrie()
}

var noCmdError = errors.New("command not available")

func noCmdAvailable(t *Term, args string) error {
	return noCmdError
}

func nullCommand(t *Term, args string) error {
	return nil
}

func ambiguousCommand(cmdstr string) cmdfunc {
	return func(t *Term, args string) error {
		return fmt.Errorf("command %q is ambiguous", cmdstr)
	}
}

func (c *Commands) help(t *Term, args string) error {
	if args != "" {
		for _, cmd := range c.cmds {
			for _, alias := range cmd.aliases {
				if alias == args {
					fmt.Fprintln(t.stdout, cmd.helpMsg)
					return nil
				}
			}
		}
		return noCmdError
	}

	t.stdout.PageMaybe()
	defer t.stdout.Reset()

	fmt.Fprintln(t.stdout, "The following commands are available:")

	for _, cgd := range commandGroupDescriptions {
		fmt.Fprintf(t.stdout, "\n%s:\n", cgd.description)
		w := new(tabwriter.Writer)
		w.Init(t.stdout, 0, 8, 0, '-', 0)
		for _, cmd := range c.cmds {
			if cmd.group != cgd.group {
				continue
			}
			h := cmd.helpMsg
			if idx := strings.Index(h, "\n"); idx >= 0 {
				h = h[:idx]
			}
			if len(cmd.aliases) > 1 {
				fmt.Fprintf(w, "    %s (alias: %s) \t %s\n", cmd.aliases[0], strings.Join(cmd.aliases[1:], " | "), h)
			} else {
				fmt.Fprintf(w, "    %s \t %s\n", cmd.aliases[0], h)
			}
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	fmt.Fprintln(t.stdout)
	fmt.Fprintln(t.stdout, "Type help followed by a command for full documentation.")
	return nil
}

func breakpoint(t *Term, args string) error {
	if args == "" {
		return errors.New("wrong number of arguments: break <address|function>")
	}
	bp, err := t.debugger.SetBreakpoint(args)
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "Breakpoint set at %s\n", bp)
	return nil
}

func clear(t *Term, args string) error {
	if args == "" {
		return errors.New("not enough arguments")
	}
	bp, err := t.debugger.ClearBreakpoint(args)
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "Breakpoint cleared at %s\n", bp)
	return nil
}

func breakpoints(t *Term, args string) error {
	bps := t.debugger.Breakpoints()
	if len(bps) == 0 {
		fmt.Fprintln(t.stdout, "No breakpoints.")
		return nil
	}
	w := tabwriter.NewWriter(t.stdout, 0, 8, 2, ' ', 0)
	for _, bp := range bps {
		fmt.Fprintf(w, "Breakpoint at\t%s\toriginal byte %#02x\n", bp, bp.OrigByte)
	}
	return w.Flush()
}

func cont(t *Term, args string) error {
	if err := t.debugger.Continue(); err != nil {
		return err
	}
	return t.waitForStop()
}

func step(t *Term, args string) error {
	ev, err := t.debugger.SingleStep()
	if err != nil {
		return err
	}
	t.printStop(ev)
	return nil
}

func next(t *Term, args string) error {
	ev, err := t.debugger.StepOver()
	if err != nil {
		return err
	}
	if ev == nil {
		return t.waitForStop()
	}
	t.printStop(ev)
	return nil
}

func restart(t *Term, args string) error {
	resetArgs, newArgv, err := parseNewArgv(args)
	if err != nil {
		return err
	}
	discarded, err := t.debugger.Restart(resetArgs, newArgv)
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "Process restarted with PID %d\n", t.debugger.ProcessPid())
	for _, err := range discarded {
		fmt.Fprintf(t.stdout, "Discarded breakpoint: %v\n", err)
	}
	return nil
}

func parseNewArgv(args string) (resetArgs bool, newArgv []string, err error) {
	if args == "" {
		return false, nil, nil
	}
	v, err := argv.Argv(args,
		func(s string) (string, error) {
			return "", fmt.Errorf("Backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return false, nil, err
	}
	if len(v) != 1 {
		return false, nil, fmt.Errorf("illegal commandline '%s'", args)
	}
	w := v[0]
	if len(w) == 0 {
		return false, nil, nil
	}
	if w[0] == "-noargs" {
		if len(w) > 1 {
			return false, nil, errors.New("too many arguments to restart")
		}
		return true, nil, nil
	}
	return true, w, nil
}

func regs(t *Term, args string) error {
	regs, err := t.debugger.Registers()
	if err != nil {
		return err
	}
	api.PrintRegisters(t.stdout, regs)
	return nil
}

func getReg(t *Term, args string) error {
	if args == "" {
		return errors.New("wrong number of arguments: get-reg <register>")
	}
	v, err := t.debugger.Register(args)
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "%s = %#x\n", args, v)
	return nil
}

func setReg(t *Term, args string) error {
	v := strings.Fields(args)
	if len(v) != 2 {
		return errors.New("wrong number of arguments: set-reg <register> <value>")
	}
	value, err := proc.ParseAddress(v[1])
	if err != nil {
		return err
	}
	if err := t.debugger.SetRegister(v[0], value); err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "%s = %#x\n", v[0], value)
	return nil
}

func dump(t *Term, args string) error {
	v := strings.Fields(args)

	width := t.conf.DumpWidth
	size := t.conf.DumpDefaultSize
	var addrstr, sizestr string

	for i := 0; i < len(v); i++ {
		switch v[i] {
		case "-width":
			i++
			if i >= len(v) {
				return errors.New("expected argument after -width")
			}
			n, err := strconv.Atoi(v[i])
			if err != nil || n <= 0 {
				return errors.New("width must be a positive integer")
			}
			width = n
		default:
			switch {
			case addrstr == "":
				addrstr = v[i]
			case sizestr == "":
				sizestr = v[i]
			default:
				return fmt.Errorf("unknown option %q", v[i])
			}
		}
	}

	if addrstr == "" {
		return errors.New("no address specified")
	}
	address, err := t.debugger.FindLocation(addrstr)
	if err != nil {
		return err
	}
	if sizestr != "" {
		n, err := proc.ParseAddress(sizestr)
		if err != nil {
			return err
		}
		size = int(n)
	}
	if size <= 0 {
		return errors.New("size must be a positive integer")
	}

	mem, err := t.debugger.ReadMemory(address, size)
	if err != nil {
		return err
	}
	t.stdout.PageMaybe()
	defer t.stdout.Reset()
	fmt.Fprint(t.stdout, api.PrettyHexDump(address, mem, width))
	return nil
}

func patch(t *Term, args string) error {
	v := strings.Fields(args)
	if len(v) != 2 {
		return errors.New("wrong number of arguments: patch <address> <value>")
	}
	addr, err := proc.ParseAddress(v[0])
	if err != nil {
		return err
	}
	value, err := proc.ParseAddress(v[1])
	if err != nil {
		return err
	}
	if err := t.debugger.PatchMemory(addr, value); err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "Patched %#x with %#x\n", addr, value)
	return nil
}

var disasmUsageError = errors.New("wrong number of arguments: disassemble [-a <start> <end>] [-l <address|function>]")

func disassCommand(t *Term, args string) error {
	var cmd, rest string

	if args != "" {
		argv := split2PartsBySpace(args)
		if len(argv) != 2 {
			return disasmUsageError
		}
		cmd = argv[0]
		rest = argv[1]
	}

	flavor := api.ParseAssemblyFlavour(t.conf.DisassembleFlavor)

	var (
		addr uint64
		size = t.conf.DisassembleWindow
	)

	switch cmd {
	case "":
		// current pc
	case "-a":
		v := split2PartsBySpace(rest)
		if len(v) != 2 {
			return disasmUsageError
		}
		startpc, err := proc.ParseAddress(v[0])
		if err != nil {
			return fmt.Errorf("wrong argument: %q is not a number", v[0])
		}
		endpc, err := proc.ParseAddress(v[1])
		if err != nil {
			return fmt.Errorf("wrong argument: %q is not a number", v[1])
		}
		if endpc <= startpc {
			return fmt.Errorf("wrong argument: end address %#x is not after %#x", endpc, startpc)
		}
		addr, size = startpc, int(endpc-startpc)
	case "-l":
		var err error
		addr, err = t.debugger.FindLocation(rest)
		if err != nil {
			return err
		}
	default:
		return disasmUsageError
	}

	disasm, err := t.debugger.Disassemble(addr, size, flavor)
	if err != nil {
		return err
	}

	t.stdout.PageMaybe()
	defer t.stdout.Reset()
	disasmPrint(disasm, t.stdout)

	return nil
}

func offset(t *Term, args string) error {
	off, err := t.debugger.Offset()
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "%#x\n", off)
	return nil
}

func sections(t *Term, args string) error {
	secs, err := t.debugger.Sections()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(t.stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "Name\tAddress\tSize")
	for _, s := range secs {
		if s.Name == "" {
			continue
		}
		fmt.Fprintf(w, "%s\t%#x\t%#x\n", s.Name, s.Addr, s.Size)
	}
	return w.Flush()
}

func funcs(t *Term, args string) error {
	fns, err := t.debugger.Functions(args)
	if err != nil {
		return err
	}
	t.stdout.PageMaybe()
	defer t.stdout.Reset()
	for _, fn := range fns {
		fmt.Fprintf(t.stdout, "%#x\t%s\n", fn.Offset, fn.Name)
	}
	return nil
}

func stackCommand(t *Term, args string) error {
	depth := t.conf.MaxBacktraceDepth
	if args != "" {
		n, err := strconv.Atoi(args)
		if err != nil || n <= 0 {
			return fmt.Errorf("depth must be a positive integer")
		}
		depth = n
	}
	s := t.debugger.State()
	if s.Exited {
		return proc.ErrProcessExited{Pid: s.Pid}
	}
	frames, err := t.debugger.Stacktrace(depth)
	fn := s.Function
	if fn == "" {
		fn = "??"
	}
	fmt.Fprintf(t.stdout, "#%-2d %#016x in %s\n", 0, s.PC, fn)
	for _, f := range frames {
		fmt.Fprintln(t.stdout, f)
	}
	return err
}

func (c *Commands) sourceCommand(t *Term, args string) error {
	if len(args) == 0 {
		return fmt.Errorf("wrong number of arguments: source <filename>")
	}
	return t.sourceFile(args)
}

// sourceFile runs a starlark script or a file of commands.
func (t *Term) sourceFile(path string) error {
	if filepath.Ext(path) == ".star" {
		_, err := t.starlarkEnv.Execute(path, nil, "main", nil)
		return err
	}
	return t.cmds.executeFile(t, path)
}

func split2PartsBySpace(s string) []string {
	v := strings.SplitN(s, " ", 2)
	for i := range v {
		v[i] = strings.TrimSpace(v[i])
	}
	return v
}

// ExitRequestError is returned when the user
// exits ptdbg.
type ExitRequestError struct{}

func (ere ExitRequestError) Error() string {
	return ""
}

func exitCommand(t *Term, args string) error {
	return ExitRequestError{}
}

func (c *Commands) executeFile(t *Term, name string) error {
	fh, err := os.Open(name)
	if err != nil {
		return err
	}
	defer fh.Close()

	scanner := bufio.NewScanner(fh)
	lineno := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		lineno++

		if line == "" || line[0] == '#' {
			continue
		}

		if err := c.Call(line, t); err != nil {
			if _, isExitRequest := err.(ExitRequestError); isExitRequest {
				return err
			}
			fmt.Fprintf(t.stdout, "%s:%d: %v\n", name, lineno, err)
		}
	}

	return scanner.Err()
}
