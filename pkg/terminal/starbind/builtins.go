package starbind

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"go.starlark.net/starlark"

	"github.com/ptdbg/ptdbg/pkg/proc"
	"github.com/ptdbg/ptdbg/service/api"
)

type builtinFn func(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error)

// debuggerPredeclare returns the builtins that operate on the debugged
// process and their documentation.
func (env *Env) debuggerPredeclare() (starlark.StringDict, map[string]string) {
	r := starlark.StringDict{}
	doc := make(map[string]string)

	add := func(name, args, descr string, fn builtinFn) {
		r[name] = starlark.NewBuiltin(name, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if err := isCancelled(thread); err != nil {
				return starlark.None, decorateError(thread, err)
			}
			v, err := fn(thread, b, args, kwargs)
			if err != nil {
				return starlark.None, decorateError(thread, err)
			}
			return v, nil
		})
		doc[name] = name + args + "\n\n" + name + " " + descr
	}

	add("state", "()", "returns the state of the debugger.", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
			return nil, err
		}
		return env.interfaceToStarlarkValue(env.ctx.Debugger().State()), nil
	})

	add("set_breakpoint", "(Location)", "sets a breakpoint at Location, an address or a function name, and returns it.", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var loc starlark.Value
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "loc", &loc); err != nil {
			return nil, err
		}
		input, err := starlarkToLocation(loc)
		if err != nil {
			return nil, err
		}
		bp, err := env.ctx.Debugger().SetBreakpoint(input)
		if err != nil {
			return nil, err
		}
		return env.interfaceToStarlarkValue(bp), nil
	})

	add("clear_breakpoint", "(Location)", "removes the breakpoint at Location and returns it.", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var loc starlark.Value
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "loc", &loc); err != nil {
			return nil, err
		}
		input, err := starlarkToLocation(loc)
		if err != nil {
			return nil, err
		}
		bp, err := env.ctx.Debugger().ClearBreakpoint(input)
		if err != nil {
			return nil, err
		}
		return env.interfaceToStarlarkValue(bp), nil
	})

	add("breakpoints", "()", "returns the list of breakpoints.", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
			return nil, err
		}
		return env.interfaceToStarlarkValue(env.ctx.Debugger().Breakpoints()), nil
	})

	add("cont", "()", "resumes the process and returns the next stop event.", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
			return nil, err
		}
		d := env.ctx.Debugger()
		if err := d.Continue(); err != nil {
			return nil, err
		}
		ev, err := d.Wait()
		if err != nil {
			return nil, err
		}
		return env.interfaceToStarlarkValue(ev), nil
	})

	add("step", "()", "executes a single instruction and returns the stop event.", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
			return nil, err
		}
		ev, err := env.ctx.Debugger().SingleStep()
		if err != nil {
			return nil, err
		}
		return env.interfaceToStarlarkValue(ev), nil
	})

	add("step_over", "()", "steps over the current instruction, running through calls, and returns the stop event.", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
			return nil, err
		}
		d := env.ctx.Debugger()
		ev, err := d.StepOver()
		if err != nil {
			return nil, err
		}
		if ev == nil {
			ev, err = d.Wait()
			if err != nil {
				return nil, err
			}
		}
		return env.interfaceToStarlarkValue(ev), nil
	})

	add("registers", "()", "returns a dictionary mapping register names to their values.", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
			return nil, err
		}
		regs, err := env.ctx.Debugger().Registers()
		if err != nil {
			return nil, err
		}
		d := starlark.NewDict(len(regs))
		for _, reg := range regs {
			if err := d.SetKey(starlark.String(reg.Name), starlark.MakeUint64(reg.Value)); err != nil {
				return nil, err
			}
		}
		return d, nil
	})

	add("register", "(Name)", "returns the value of register Name.", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var name string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name); err != nil {
			return nil, err
		}
		v, err := env.ctx.Debugger().Register(strings.ToLower(name))
		if err != nil {
			return nil, err
		}
		return starlark.MakeUint64(v), nil
	})

	add("set_register", "(Name, Value)", "sets register Name to Value.", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var name string
		var value starlark.Value
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "value", &value); err != nil {
			return nil, err
		}
		v, err := starlarkToAddress(value)
		if err != nil {
			return nil, err
		}
		return starlark.None, env.ctx.Debugger().SetRegister(strings.ToLower(name), v)
	})

	add("read_memory", "(Addr, Size)", "reads Size bytes at Addr and returns them as bytes.", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var addrv starlark.Value
		var size int
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "addr", &addrv, "size", &size); err != nil {
			return nil, err
		}
		addr, err := starlarkToAddress(addrv)
		if err != nil {
			return nil, err
		}
		if size <= 0 {
			return nil, fmt.Errorf("invalid size %d", size)
		}
		mem, err := env.ctx.Debugger().ReadMemory(addr, size)
		if err != nil {
			return nil, err
		}
		return starlark.Bytes(mem), nil
	})

	add("patch_memory", "(Addr, Value)", "writes the 8 byte word Value at Addr.", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var addrv, valuev starlark.Value
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "addr", &addrv, "value", &valuev); err != nil {
			return nil, err
		}
		addr, err := starlarkToAddress(addrv)
		if err != nil {
			return nil, err
		}
		value, err := starlarkToAddress(valuev)
		if err != nil {
			return nil, err
		}
		return starlark.None, env.ctx.Debugger().PatchMemory(addr, value)
	})

	add("backtrace", "(Depth=50)", "returns up to Depth caller frames of the current function.", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		depth := 50
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "depth?", &depth); err != nil {
			return nil, err
		}
		frames, err := env.ctx.Debugger().Stacktrace(depth)
		if err != nil {
			return nil, err
		}
		return env.interfaceToStarlarkValue(frames), nil
	})

	add("functions", "(Filter=\"\")", "returns the functions of the executable whose name matches the regular expression Filter.", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var filter string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "filter?", &filter); err != nil {
			return nil, err
		}
		fns, err := env.ctx.Debugger().Functions(filter)
		if err != nil {
			return nil, err
		}
		return env.interfaceToStarlarkValue(fns), nil
	})

	add("disassemble", "(Addr, Size, Flavour=\"intel\")", "disassembles Size bytes starting at Addr.", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var addrv starlark.Value
		var size int
		flavour := "intel"
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "addr", &addrv, "size", &size, "flavour?", &flavour); err != nil {
			return nil, err
		}
		addr, err := starlarkToAddress(addrv)
		if err != nil {
			return nil, err
		}
		insts, err := env.ctx.Debugger().Disassemble(addr, size, api.ParseAssemblyFlavour(flavour))
		if err != nil {
			return nil, err
		}
		return env.interfaceToStarlarkValue(insts), nil
	})

	add(dbgCommandBuiltinName, "(Command)", "executes a terminal command.", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		words := make([]string, 0, len(args))
		for _, a := range args {
			s, ok := a.(starlark.String)
			if !ok {
				return nil, fmt.Errorf("argument of %s is not a string", b.Name())
			}
			words = append(words, string(s))
		}
		err := env.ctx.CallCommand(strings.Join(words, " "))
		var pe proc.ErrProcessExited
		if errors.As(err, &pe) {
			// exiting is a normal outcome for a script driving the process
			return env.interfaceToStarlarkValue(err), nil
		}
		return starlark.None, err
	})

	add(readFileBuiltinName, "(Path)", "reads a file.", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var path string
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &path); err != nil {
			return nil, err
		}
		buf, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return starlark.String(buf), nil
	})

	add(writeFileBuiltinName, "(Path, Text)", "writes Text to the file at Path.", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var (
			path string
			text starlark.Value
		)
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &path, &text); err != nil {
			return nil, err
		}
		data := text.String()
		if s, ok := text.(starlark.String); ok {
			data = string(s)
		}
		return starlark.None, os.WriteFile(path, []byte(data), 0640)
	})

	return r, doc
}
