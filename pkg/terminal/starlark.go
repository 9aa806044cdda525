package terminal

import (
	"github.com/ptdbg/ptdbg/pkg/terminal/starbind"
	"github.com/ptdbg/ptdbg/service/debugger"
)

type starlarkContext struct {
	term *Term
}

var _ starbind.Context = starlarkContext{}

func (ctx starlarkContext) Debugger() *debugger.Debugger {
	return ctx.term.debugger
}

func (ctx starlarkContext) RegisterCommand(name, helpMsg string, fn func(args string) error) {
	ctx.term.cmds.Register(name, func(t *Term, args string) error {
		return fn(args)
	}, helpMsg)
}

func (ctx starlarkContext) CallCommand(cmdstr string) error {
	return ctx.term.cmds.Call(cmdstr, ctx.term)
}
