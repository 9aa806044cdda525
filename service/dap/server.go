// Package dap implements VSCode's Debug Adaptor Protocol (DAP).
// This allows ptdbg to communicate with frontends using DAP
// without a separate adaptor. The frontend will run the debugger
// (which now doubles as an adaptor) in server mode listening on
// a port and communicating over TCP. The server only supports
// synchronous request-response communication, blocking while
// processing each request.
// For DAP details see https://microsoft.github.io/debug-adapter-protocol.
package dap

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"regexp"

	"github.com/google/go-dap"

	"github.com/ptdbg/ptdbg/pkg/logflags"
	"github.com/ptdbg/ptdbg/pkg/proc"
	"github.com/ptdbg/ptdbg/service"
	"github.com/ptdbg/ptdbg/service/api"
	"github.com/ptdbg/ptdbg/service/debugger"
)

// Server implements a DAP server that can accept a single client for
// a single debug session.
// The server operates via two goroutines:
// (1) Main goroutine where the server is created via NewServer(),
// started via Run() and stopped via Stop().
// (2) Run goroutine started from Run() that accepts a client connection,
// reads, decodes and processes each request, issuing commands to the
// underlying debugger and sending back events and responses.
type Server struct {
	// config is all the information necessary to start the debugger and server.
	config *service.Config
	// listener is used to accept the client connection.
	listener net.Listener
	// conn is the accepted client connection.
	conn net.Conn
	// stopChan is closed when the server is Stop()-ed. This can be used to signal
	// to goroutines run by the server that it's time to quit.
	stopChan chan struct{}
	// reader is used to read requests from the connection.
	reader *bufio.Reader
	// debugger is the underlying debugger service.
	debugger *debugger.Debugger
	// log is used for structured logging.
	log logflags.Logger
	// stackFrameHandles maps frames to unique ids.
	stackFrameHandles *handles[frameRef]
	// variableHandles maps scopes to unique references.
	variableHandles *handles[scopeRef]
	// args tracks special settings for handling debug session requests.
	args launchAttachArgs
	// functionBreakpoints holds the addresses of the breakpoints set by
	// the last setFunctionBreakpoints request.
	functionBreakpoints []uint64

	// newDebugger creates the debugger for a launch or attach request.
	// Exactly one of processArgs and pid is set.
	newDebugger func(cfg *debugger.Config, processArgs []string, pid int) (*debugger.Debugger, error)
}

// launchAttachArgs captures arguments from launch/attach request that
// impact handling of subsequent requests.
type launchAttachArgs struct {
	// stopOnEntry is set to automatically stop the debugee after start.
	stopOnEntry bool
	// stackTraceDepth is the maximum length of the returned list of stack frames.
	stackTraceDepth int
	// flavour is the syntax used by disassemble requests.
	flavour api.AssemblyFlavour
}

// defaultArgs borrows the defaults for the arguments from the original vscode-go adapter.
var defaultArgs = launchAttachArgs{
	stopOnEntry:     false,
	stackTraceDepth: 50,
	flavour:         api.IntelFlavour,
}

// The only thread reported to the client.
const threadID = 1

// maxInstructionLength is the longest x86-64 instruction.
const maxInstructionLength = 15

// NewServer creates a new DAP Server. It takes an opened Listener
// via config and assumes its ownership. config.DisconnectChan has to be set;
// it will be closed by the server when the client disconnects or requests
// shutdown. Once DisconnectChan is closed, Server.Stop() must be called.
func NewServer(config *service.Config) *Server {
	logger := logflags.DAPLogger()
	logger.Infof("DAP server listening at: %s", config.Listener.Addr())
	logger.Debug("DAP server pid = ", os.Getpid())
	return &Server{
		config:            config,
		listener:          config.Listener,
		stopChan:          make(chan struct{}),
		log:               logger,
		stackFrameHandles: newHandles[frameRef](),
		variableHandles:   newHandles[scopeRef](),
		args:              defaultArgs,
		newDebugger:       startDebugger,
	}
}

func startDebugger(cfg *debugger.Config, processArgs []string, pid int) (*debugger.Debugger, error) {
	d := debugger.New(cfg)
	var err error
	if processArgs != nil {
		err = d.Launch(processArgs)
	} else {
		err = d.Attach(pid)
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Stop stops the DAP debugger service, closes the listener and the client
// connection. It shuts down the underlying debugger and kills the target
// process if it was launched by it. This method mustn't be called more than
// once.
func (s *Server) Stop() {
	s.listener.Close()
	close(s.stopChan)
	if s.conn != nil {
		// Unless Stop() was called after serveDAPCodec()
		// returned, this will result in closed connection error
		// on next read, breaking out of the read loop and
		// allowing the run goroutine to exit.
		s.conn.Close()
	}
	if s.debugger != nil {
		if err := s.debugger.Exit(); err != nil {
			s.log.Error(err)
		}
	}
}

// signalDisconnect closes config.DisconnectChan if not nil, which
// signals that the client disconnected or there was a client
// connection failure. Since the server currently services only one
// client, this can be used as a signal to the entire server via
// Stop(). It can be called multiple times. It is not thread-safe
// and is only called from the run goroutine.
func (s *Server) signalDisconnect() {
	if s.config.DisconnectChan != nil {
		close(s.config.DisconnectChan)
		s.config.DisconnectChan = nil
	}
}

// Run launches a new goroutine where it accepts a client connection
// and starts processing requests from it. Use Stop() to close connection.
// The server does not support multiple clients, serially or in parallel.
// The debugger won't be started until launch/attach request is received.
func (s *Server) Run() {
	go func() {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopChan:
			default:
				s.log.Errorf("Error accepting client connection: %s\n", err)
			}
			s.signalDisconnect()
			return
		}
		s.conn = conn
		s.serveDAPCodec()
	}()
}

// serveDAPCodec reads and decodes requests from the client
// until it encounters an error or EOF, when it sends
// the disconnect signal and returns.
func (s *Server) serveDAPCodec() {
	defer s.signalDisconnect()
	s.reader = bufio.NewReader(s.conn)
	for {
		request, err := dap.ReadProtocolMessage(s.reader)
		if err != nil {
			stopRequested := false
			select {
			case <-s.stopChan:
				stopRequested = true
			default:
			}
			if err != io.EOF && !stopRequested {
				s.log.Error("DAP error: ", err)
			}
			return
		}
		s.handleRequest(request)
	}
}

func (s *Server) handleRequest(request dap.Message) {
	defer func() {
		// In case a handler panics, we catch the panic and send an error response
		// back to the client.
		if ierr := recover(); ierr != nil {
			s.sendInternalErrorResponse(request.GetSeq(), fmt.Sprintf("%v", ierr))
		}
	}()

	jsonmsg, _ := json.Marshal(request)
	s.log.Debug("[<- from client]", string(jsonmsg))

	switch request := request.(type) {
	case *dap.InitializeRequest:
		s.onInitializeRequest(request)
	case *dap.LaunchRequest:
		s.onLaunchRequest(request)
	case *dap.AttachRequest:
		s.onAttachRequest(request)
	case *dap.DisconnectRequest:
		s.onDisconnectRequest(request)
	case *dap.TerminateRequest:
		s.onTerminateRequest(request)
	case *dap.RestartRequest:
		s.onRestartRequest(request)
	case *dap.SetBreakpointsRequest:
		s.onSetBreakpointsRequest(request)
	case *dap.SetFunctionBreakpointsRequest:
		s.onSetFunctionBreakpointsRequest(request)
	case *dap.SetExceptionBreakpointsRequest:
		s.onSetExceptionBreakpointsRequest(request)
	case *dap.ConfigurationDoneRequest:
		s.onConfigurationDoneRequest(request)
	case *dap.ContinueRequest:
		s.onContinueRequest(request)
	case *dap.NextRequest:
		s.onNextRequest(request)
	case *dap.StepInRequest:
		s.onStepInRequest(request)
	case *dap.ThreadsRequest:
		s.onThreadsRequest(request)
	case *dap.StackTraceRequest:
		s.onStackTraceRequest(request)
	case *dap.ScopesRequest:
		s.onScopesRequest(request)
	case *dap.VariablesRequest:
		s.onVariablesRequest(request)
	case *dap.SetVariableRequest:
		s.onSetVariableRequest(request)
	case *dap.EvaluateRequest:
		s.onEvaluateRequest(request)
	case *dap.ReadMemoryRequest:
		s.onReadMemoryRequest(request)
	case *dap.DisassembleRequest:
		s.onDisassembleRequest(request)
	case *dap.StepOutRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.PauseRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.StepBackRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.ReverseContinueRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.RestartFrameRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.GotoRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.SourceRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.TerminateThreadsRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.StepInTargetsRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.GotoTargetsRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.CompletionsRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.ExceptionInfoRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.LoadedSourcesRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.DataBreakpointInfoRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.SetDataBreakpointsRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.SetExpressionRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.CancelRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.BreakpointLocationsRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.ModulesRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	default:
		// This is a DAP message that go-dap has a struct for, so
		// decoding succeeded, but this function does not know how
		// to handle.
		s.sendInternalErrorResponse(request.GetSeq(), fmt.Sprintf("Unable to process %#v\n", request))
	}
}

func (s *Server) send(message dap.Message) {
	jsonmsg, _ := json.Marshal(message)
	s.log.Debug("[-> to client]", string(jsonmsg))
	if err := dap.WriteProtocolMessage(s.conn, message); err != nil {
		s.log.Debug(err)
	}
}

func (s *Server) onInitializeRequest(request *dap.InitializeRequest) {
	response := &dap.InitializeResponse{Response: *newResponse(request.Request)}
	response.Body.SupportsConfigurationDoneRequest = true
	response.Body.SupportsFunctionBreakpoints = true
	response.Body.SupportsSetVariable = true
	response.Body.SupportsTerminateRequest = true
	response.Body.SupportsRestartRequest = true
	response.Body.SupportsReadMemoryRequest = true
	response.Body.SupportsDisassembleRequest = true
	response.Body.SupportsStepBack = false
	response.Body.SupportsSetExpression = false
	response.Body.SupportsLoadedSourcesRequest = false
	response.Body.SupportsCancelRequest = false
	s.send(response)
}

func (s *Server) debuggerConfig(common LaunchAttachCommonConfig) *debugger.Config {
	cfg := s.config.Debugger
	if common.RearmBreakpoints {
		cfg.RearmBreakpoints = true
	}
	s.args.stopOnEntry = common.StopOnEntry
	if common.StackTraceDepth > 0 {
		s.args.stackTraceDepth = common.StackTraceDepth
	}
	if common.DisassembleFlavor != "" {
		s.args.flavour = api.ParseAssemblyFlavour(common.DisassembleFlavor)
	}
	return &cfg
}

func (s *Server) onLaunchRequest(request *dap.LaunchRequest) {
	if s.debugger != nil {
		s.sendErrorResponse(request.Request, FailedToLaunch, "Failed to launch",
			"debug session already in progress")
		return
	}
	var args LaunchConfig
	if err := unmarshalArgs(request.Arguments, &args); err != nil {
		s.sendErrorResponse(request.Request, FailedToLaunch, "Failed to launch",
			fmt.Sprintf("invalid debug configuration - %v", err))
		return
	}
	if args.Program == "" {
		s.sendErrorResponse(request.Request, FailedToLaunch, "Failed to launch",
			"The program attribute is missing in debug configuration.")
		return
	}
	program, err := filepath.Abs(args.Program)
	if err != nil {
		s.sendInternalErrorResponse(request.Seq, err.Error())
		return
	}

	cfg := s.debuggerConfig(args.LaunchAttachCommonConfig)
	cfg.WorkingDir = args.Cwd
	if cfg.WorkingDir == "" {
		cfg.WorkingDir = filepath.Dir(program)
	}

	processArgs := append([]string{program}, args.Args...)
	if s.debugger, err = s.newDebugger(cfg, processArgs, 0); err != nil {
		s.sendErrorResponse(request.Request, FailedToLaunch, "Failed to launch", err.Error())
		return
	}

	// Notify the client that the debugger is ready to start accepting
	// configuration requests for setting breakpoints, etc. The client
	// will end the configuration sequence with 'configurationDone'.
	s.send(&dap.InitializedEvent{Event: *newEvent("initialized")})
	s.send(&dap.LaunchResponse{Response: *newResponse(request.Request)})
}

func (s *Server) onAttachRequest(request *dap.AttachRequest) {
	if s.debugger != nil {
		s.sendErrorResponse(request.Request, FailedToAttach, "Failed to attach",
			"debug session already in progress")
		return
	}
	var args AttachConfig
	if err := unmarshalArgs(request.Arguments, &args); err != nil {
		s.sendErrorResponse(request.Request, FailedToAttach, "Failed to attach",
			fmt.Sprintf("invalid debug configuration - %v", err))
		return
	}
	if args.ProcessID <= 0 {
		s.sendErrorResponse(request.Request, FailedToAttach, "Failed to attach",
			"The 'processId' attribute is missing in debug configuration")
		return
	}
	cfg := s.debuggerConfig(args.LaunchAttachCommonConfig)
	var err error
	if s.debugger, err = s.newDebugger(cfg, nil, args.ProcessID); err != nil {
		s.sendErrorResponse(request.Request, FailedToAttach, "Failed to attach", err.Error())
		return
	}
	s.send(&dap.InitializedEvent{Event: *newEvent("initialized")})
	s.send(&dap.AttachResponse{Response: *newResponse(request.Request)})
}

// onDisconnectRequest handles the DisconnectRequest. Per the DAP spec,
// it disconnects the debuggee and signals that the debug adaptor
// (in our case this TCP server) can be terminated.
func (s *Server) onDisconnectRequest(request *dap.DisconnectRequest) {
	s.send(&dap.DisconnectResponse{Response: *newResponse(request.Request)})
	if s.debugger != nil {
		var err error
		if request.Arguments.TerminateDebuggee {
			err = s.debugger.Detach(true)
		} else {
			err = s.debugger.Exit()
		}
		if err != nil {
			s.log.Error(err)
		}
	}
	s.signalDisconnect()
}

func (s *Server) onTerminateRequest(request *dap.TerminateRequest) {
	if s.debugger == nil {
		s.sendErrorResponse(request.Request, DebuggeeNotStarted, "Unable to terminate", "debuggee not started")
		return
	}
	if err := s.debugger.Detach(true); err != nil {
		s.sendInternalErrorResponse(request.Seq, err.Error())
		return
	}
	s.send(&dap.TerminateResponse{Response: *newResponse(request.Request)})
	s.send(&dap.TerminatedEvent{Event: *newEvent("terminated")})
}

func (s *Server) onRestartRequest(request *dap.RestartRequest) {
	if s.debugger == nil {
		s.sendErrorResponse(request.Request, DebuggeeNotStarted, "Unable to restart", "debuggee not started")
		return
	}
	discarded, err := s.debugger.Restart(false, nil)
	if err != nil {
		s.sendErrorResponse(request.Request, UnableToRestart, "Unable to restart", err.Error())
		return
	}
	s.clearProcessStateHandles()
	for _, err := range discarded {
		s.send(&dap.OutputEvent{
			Event: *newEvent("output"),
			Body:  dap.OutputEventBody{Output: fmt.Sprintf("breakpoint discarded: %v\n", err), Category: "console"},
		})
	}
	s.send(&dap.RestartResponse{Response: *newResponse(request.Request)})
	if s.args.stopOnEntry {
		s.sendStoppedEvent("entry", "")
	} else {
		s.doContinue()
	}
}

// onSetBreakpointsRequest rejects every source breakpoint: the debugger
// works on addresses and symbols only, see setFunctionBreakpoints.
func (s *Server) onSetBreakpointsRequest(request *dap.SetBreakpointsRequest) {
	response := &dap.SetBreakpointsResponse{Response: *newResponse(request.Request)}
	response.Body.Breakpoints = make([]dap.Breakpoint, len(request.Arguments.Breakpoints))
	for i, b := range request.Arguments.Breakpoints {
		response.Body.Breakpoints[i].Line = b.Line
		response.Body.Breakpoints[i].Message = "source breakpoints are not supported, use a function breakpoint"
	}
	s.send(response)
}

// onSetFunctionBreakpointsRequest replaces the breakpoints set by the
// previous request with breakpoints on each name, a function name or an
// address.
func (s *Server) onSetFunctionBreakpointsRequest(request *dap.SetFunctionBreakpointsRequest) {
	if s.debugger == nil {
		s.sendErrorResponse(request.Request, UnableToSetBreakpoints, "Unable to set breakpoints", "debuggee not started")
		return
	}
	for _, addr := range s.functionBreakpoints {
		if _, err := s.debugger.ClearBreakpoint(memoryReference(addr)); err != nil {
			s.log.Debugf("clearing breakpoint at %#x: %v", addr, err)
		}
	}
	s.functionBreakpoints = s.functionBreakpoints[:0]

	response := &dap.SetFunctionBreakpointsResponse{Response: *newResponse(request.Request)}
	response.Body.Breakpoints = make([]dap.Breakpoint, len(request.Arguments.Breakpoints))
	for i, want := range request.Arguments.Breakpoints {
		bp, err := s.debugger.SetBreakpoint(want.Name)
		if err != nil {
			response.Body.Breakpoints[i].Message = err.Error()
			continue
		}
		s.functionBreakpoints = append(s.functionBreakpoints, bp.Addr)
		response.Body.Breakpoints[i].Id = len(s.functionBreakpoints)
		response.Body.Breakpoints[i].Verified = true
		response.Body.Breakpoints[i].Message = bp.String()
	}
	s.send(response)
}

func (s *Server) onSetExceptionBreakpointsRequest(request *dap.SetExceptionBreakpointsRequest) {
	// Unlike what DAP documentation claims, this request is always sent
	// even though we specified no filters at initialization. Handle as no-op.
	s.send(&dap.SetExceptionBreakpointsResponse{Response: *newResponse(request.Request)})
}

func (s *Server) onConfigurationDoneRequest(request *dap.ConfigurationDoneRequest) {
	if s.args.stopOnEntry {
		s.sendStoppedEvent("entry", "")
	}
	s.send(&dap.ConfigurationDoneResponse{Response: *newResponse(request.Request)})
	if !s.args.stopOnEntry {
		s.doContinue()
	}
}

func (s *Server) onContinueRequest(request *dap.ContinueRequest) {
	if s.debugger == nil {
		s.sendErrorResponse(request.Request, FailedToContinue, "Unable to continue", "debuggee not started")
		return
	}
	response := &dap.ContinueResponse{Response: *newResponse(request.Request)}
	response.Body.AllThreadsContinued = true
	s.send(response)
	s.doContinue()
}

// onNextRequest steps over calls.
func (s *Server) onNextRequest(request *dap.NextRequest) {
	s.doStep(request.Request, &dap.NextResponse{Response: *newResponse(request.Request)}, s.debugger.StepOver)
}

// onStepInRequest executes a single instruction.
func (s *Server) onStepInRequest(request *dap.StepInRequest) {
	s.doStep(request.Request, &dap.StepInResponse{Response: *newResponse(request.Request)}, s.debugger.SingleStep)
}

func (s *Server) doStep(request dap.Request, response dap.Message, step func() (*api.StopEvent, error)) {
	if s.debugger == nil {
		s.sendErrorResponse(request, FailedToStep, "Unable to step", "debuggee not started")
		return
	}
	ev, err := step()
	if err != nil {
		s.sendErrorResponse(request, FailedToStep, "Unable to step", err.Error())
		return
	}
	s.send(response)
	if ev == nil {
		// The step resumed the process over a call.
		ev, err = s.debugger.Wait()
		if err != nil {
			s.handleStopOnError(err)
			return
		}
	}
	s.handleStop(ev)
}

func (s *Server) onThreadsRequest(request *dap.ThreadsRequest) {
	if s.debugger == nil {
		s.sendErrorResponse(request.Request, UnableToDisplayThreads, "Unable to display threads", "debugger is nil")
		return
	}
	// The DAP spec states that "even if a debug adapter does not support
	// multiple threads, it must implement the threads request and return
	// a single (dummy) thread".
	name := fmt.Sprintf("process %d", s.debugger.ProcessPid())
	response := &dap.ThreadsResponse{
		Response: *newResponse(request.Request),
		Body:     dap.ThreadsResponseBody{Threads: []dap.Thread{{Id: threadID, Name: name}}},
	}
	s.send(response)
}

// onStackTraceRequest handles ‘stackTrace’ requests.
// The first frame is the current program counter, the others are the
// return addresses found by unwinding.
func (s *Server) onStackTraceRequest(request *dap.StackTraceRequest) {
	if s.debugger == nil {
		s.sendErrorResponse(request.Request, UnableToProduceStackTrace, "Unable to produce stack trace", "debuggee not started")
		return
	}
	state := s.debugger.State()
	if state.Exited || state.Running {
		s.sendErrorResponse(request.Request, UnableToProduceStackTrace, "Unable to produce stack trace", "process is not stopped")
		return
	}
	frames, err := s.debugger.Stacktrace(s.args.stackTraceDepth - 1)
	if err != nil && len(frames) == 0 {
		s.log.Debugf("unwinding stopped: %v", err)
	}

	stackFrames := make([]dap.StackFrame, 0, len(frames)+1)
	top := dap.StackFrame{
		Id:                          s.stackFrameHandles.create(frameRef{depth: 0, pc: state.PC}),
		Name:                        functionOrAddress(state.Function, state.PC),
		InstructionPointerReference: memoryReference(state.PC),
	}
	stackFrames = append(stackFrames, top)
	for _, f := range frames {
		stackFrames = append(stackFrames, dap.StackFrame{
			Id:                          s.stackFrameHandles.create(frameRef{depth: f.Depth, pc: f.Ret}),
			Name:                        functionOrAddress(f.Function, f.Ret),
			InstructionPointerReference: memoryReference(f.Ret),
		})
	}
	total := len(stackFrames)
	if request.Arguments.StartFrame > 0 {
		stackFrames = stackFrames[min(request.Arguments.StartFrame, len(stackFrames)):]
	}
	if request.Arguments.Levels > 0 {
		stackFrames = stackFrames[:min(request.Arguments.Levels, len(stackFrames))]
	}
	response := &dap.StackTraceResponse{
		Response: *newResponse(request.Request),
		Body:     dap.StackTraceResponseBody{StackFrames: stackFrames, TotalFrames: total},
	}
	s.send(response)
	if err != nil {
		s.sendOutput(fmt.Sprintf("backtrace stopped: %v\n", err), "stderr")
	}
}

func functionOrAddress(fn string, addr uint64) string {
	if fn == "" {
		return memoryReference(addr)
	}
	return fn
}

// onScopesRequest handles 'scopes' requests. Registers are only
// available in the innermost frame.
func (s *Server) onScopesRequest(request *dap.ScopesRequest) {
	frame, ok := s.stackFrameHandles.get(request.Arguments.FrameId)
	if !ok {
		s.sendErrorResponse(request.Request, UnableToListRegisters, "Unable to list registers", fmt.Sprintf("unknown frame id %d", request.Arguments.FrameId))
		return
	}
	scopes := []dap.Scope{}
	if frame.depth == 0 {
		ref := s.variableHandles.create(scopeRef{kind: registersScope, frame: frame})
		scopes = append(scopes, dap.Scope{Name: "Registers", VariablesReference: ref})
	}
	s.send(&dap.ScopesResponse{
		Response: *newResponse(request.Request),
		Body:     dap.ScopesResponseBody{Scopes: scopes},
	})
}

func (s *Server) onVariablesRequest(request *dap.VariablesRequest) {
	scope, ok := s.variableHandles.get(request.Arguments.VariablesReference)
	if !ok || scope.kind != registersScope {
		s.sendErrorResponse(request.Request, UnableToListRegisters, "Unable to list registers", fmt.Sprintf("unknown reference %d", request.Arguments.VariablesReference))
		return
	}
	regs, err := s.debugger.Registers()
	if err != nil {
		s.sendErrorResponse(request.Request, UnableToListRegisters, "Unable to list registers", err.Error())
		return
	}
	variables := make([]dap.Variable, len(regs))
	for i, r := range regs {
		variables[i] = dap.Variable{Name: r.Name, Value: fmt.Sprintf("%#x", r.Value), Type: "uint64", EvaluateName: r.Name}
	}
	s.send(&dap.VariablesResponse{
		Response: *newResponse(request.Request),
		Body:     dap.VariablesResponseBody{Variables: variables},
	})
}

func (s *Server) onSetVariableRequest(request *dap.SetVariableRequest) {
	scope, ok := s.variableHandles.get(request.Arguments.VariablesReference)
	if !ok || scope.kind != registersScope {
		s.sendErrorResponse(request.Request, UnableToSetRegister, "Unable to set register", fmt.Sprintf("unknown reference %d", request.Arguments.VariablesReference))
		return
	}
	value, err := proc.ParseAddress(request.Arguments.Value)
	if err == nil {
		err = s.debugger.SetRegister(request.Arguments.Name, value)
	}
	if err != nil {
		s.sendErrorResponse(request.Request, UnableToSetRegister, "Unable to set register", err.Error())
		return
	}
	response := &dap.SetVariableResponse{Response: *newResponse(request.Request)}
	response.Body.Value = fmt.Sprintf("%#x", value)
	response.Body.Type = "uint64"
	s.send(response)
}

// onEvaluateRequest evaluates a register name, a function name or an
// address to a value.
func (s *Server) onEvaluateRequest(request *dap.EvaluateRequest) {
	if s.debugger == nil {
		s.sendErrorResponse(request.Request, UnableToEvaluateExpression, "Unable to evaluate expression", "debuggee not started")
		return
	}
	expr := request.Arguments.Expression
	response := &dap.EvaluateResponse{Response: *newResponse(request.Request)}
	if v, err := s.debugger.Register(expr); err == nil {
		response.Body.Result = fmt.Sprintf("%#x", v)
		response.Body.Type = "uint64"
		s.send(response)
		return
	}
	fns, err := s.debugger.Functions("^" + regexp.QuoteMeta(expr) + "$")
	if err == nil && len(fns) > 0 {
		state := s.debugger.State()
		addr := state.LoadBase + fns[0].Offset
		response.Body.Result = api.Location(addr, fns[0].Name, 0)
		response.Body.MemoryReference = memoryReference(addr)
		s.send(response)
		return
	}
	if addr, err := proc.ParseAddress(expr); err == nil {
		response.Body.Result = fmt.Sprintf("%#x", addr)
		response.Body.MemoryReference = memoryReference(addr)
		s.send(response)
		return
	}
	s.sendErrorResponse(request.Request, UnableToEvaluateExpression, "Unable to evaluate expression",
		fmt.Sprintf("%q is not a register, a function or an address", expr))
}

func (s *Server) onReadMemoryRequest(request *dap.ReadMemoryRequest) {
	if s.debugger == nil {
		s.sendErrorResponse(request.Request, UnableToReadMemory, "Unable to read memory", "debuggee not started")
		return
	}
	addr, err := parseMemoryReference(request.Arguments.MemoryReference, request.Arguments.Offset)
	if err != nil {
		s.sendErrorResponse(request.Request, UnableToReadMemory, "Unable to read memory", err.Error())
		return
	}
	response := &dap.ReadMemoryResponse{Response: *newResponse(request.Request)}
	response.Body.Address = memoryReference(addr)
	if request.Arguments.Count > 0 {
		data, err := s.debugger.ReadMemory(addr, request.Arguments.Count)
		if err != nil {
			var merr *proc.MemoryAccessError
			if !errors.As(err, &merr) {
				s.sendErrorResponse(request.Request, UnableToReadMemory, "Unable to read memory", err.Error())
				return
			}
			response.Body.UnreadableBytes = request.Arguments.Count
		}
		response.Body.Data = base64.StdEncoding.EncodeToString(data)
	}
	s.send(response)
}

func (s *Server) onDisassembleRequest(request *dap.DisassembleRequest) {
	if s.debugger == nil {
		s.sendErrorResponse(request.Request, UnableToDisassemble, "Unable to disassemble", "debuggee not started")
		return
	}
	addr, err := parseMemoryReference(request.Arguments.MemoryReference, request.Arguments.Offset)
	if err != nil {
		s.sendErrorResponse(request.Request, UnableToDisassemble, "Unable to disassemble", err.Error())
		return
	}
	count := request.Arguments.InstructionCount
	insts, err := s.debugger.Disassemble(addr, count*maxInstructionLength, s.args.flavour)
	if err != nil {
		s.sendErrorResponse(request.Request, UnableToDisassemble, "Unable to disassemble", err.Error())
		return
	}
	// Skip the first InstructionOffset instructions, earlier instructions
	// can not be found on a variable length instruction set.
	if off := request.Arguments.InstructionOffset; off > 0 {
		insts = insts[min(off, len(insts)):]
	}
	if len(insts) > count {
		insts = insts[:count]
	}
	response := &dap.DisassembleResponse{Response: *newResponse(request.Request)}
	response.Body.Instructions = make([]dap.DisassembledInstruction, len(insts))
	for i, inst := range insts {
		response.Body.Instructions[i] = dap.DisassembledInstruction{
			Address:          memoryReference(inst.Loc),
			InstructionBytes: fmt.Sprintf("% x", inst.Bytes),
			Instruction:      inst.Text,
			Symbol:           inst.Function,
		}
	}
	s.send(response)
}

// errorResponse is a dap.ErrorResponse whose body carries the error
// message structure.
type errorResponse struct {
	dap.Response

	Body struct {
		Error dap.ErrorMessage `json:"error"`
	} `json:"body"`
}

func (s *Server) sendErrorResponse(request dap.Request, id int, summary, details string) {
	er := &errorResponse{}
	er.Type = "response"
	er.Command = request.Command
	er.RequestSeq = request.Seq
	er.Success = false
	er.Message = summary
	er.Body.Error.Id = id
	er.Body.Error.Format = fmt.Sprintf("%s: %s", summary, details)
	s.log.Error(er.Body.Error.Format)
	s.send(er)
}

// sendInternalErrorResponse sends an "internal error" response back to the client.
// We only take a seq here because we don't want to make assumptions about the
// kind of message received by the server that this error is a reply to.
func (s *Server) sendInternalErrorResponse(seq int, details string) {
	er := &errorResponse{}
	er.Type = "response"
	er.RequestSeq = seq
	er.Success = false
	er.Message = "Internal Error"
	er.Body.Error.Id = InternalError
	er.Body.Error.Format = fmt.Sprintf("%s: %s", er.Message, details)
	s.log.Error(er.Body.Error.Format)
	s.send(er)
}

func (s *Server) sendUnsupportedErrorResponse(request dap.Request) {
	s.sendErrorResponse(request, UnsupportedCommand, "Unsupported command",
		fmt.Sprintf("cannot process '%s' request", request.Command))
}

func newResponse(request dap.Request) *dap.Response {
	return &dap.Response{
		ProtocolMessage: dap.ProtocolMessage{
			Seq:  0,
			Type: "response",
		},
		Command:    request.Command,
		RequestSeq: request.Seq,
		Success:    true,
	}
}

func newEvent(event string) *dap.Event {
	return &dap.Event{
		ProtocolMessage: dap.ProtocolMessage{
			Seq:  0,
			Type: "event",
		},
		Event: event,
	}
}

func (s *Server) sendOutput(output, category string) {
	s.send(&dap.OutputEvent{
		Event: *newEvent("output"),
		Body:  dap.OutputEventBody{Output: output, Category: category},
	})
}

func (s *Server) sendStoppedEvent(reason, text string) {
	e := &dap.StoppedEvent{Event: *newEvent("stopped")}
	e.Body.Reason = reason
	e.Body.Text = text
	e.Body.ThreadId = threadID
	e.Body.AllThreadsStopped = true
	s.send(e)
}

func (s *Server) doContinue() {
	if s.debugger == nil {
		return
	}
	if err := s.debugger.Continue(); err != nil {
		s.handleStopOnError(err)
		return
	}
	ev, err := s.debugger.Wait()
	if err != nil {
		s.handleStopOnError(err)
		return
	}
	s.handleStop(ev)
}

func (s *Server) clearProcessStateHandles() {
	s.stackFrameHandles.reset()
	s.variableHandles.reset()
}

// handleStopOnError resets the stage for refreshing debuggee state
// and sends an apropriate event to the client, followed by
// an output event with the details of the error.
func (s *Server) handleStopOnError(err error) {
	s.log.Error("runtime error: ", err)
	s.clearProcessStateHandles()

	var pe proc.ErrProcessExited
	if errors.As(err, &pe) {
		s.send(&dap.TerminatedEvent{Event: *newEvent("terminated")})
		return
	}
	s.sendStoppedEvent("exception", err.Error())
	s.sendOutput(fmt.Sprintf("ERROR: %s\n", err), "stderr")
}

// handleStop resets the stage for refreshing debuggee state
// and sends an apropriate event to the client when execution stops
// due to normal causes (termination, breakpoint, step, etc).
func (s *Server) handleStop(ev *api.StopEvent) {
	s.clearProcessStateHandles()

	if ev.Exited() {
		s.sendOutput(ev.String()+"\n", "console")
		e := &dap.ExitedEvent{Event: *newEvent("exited")}
		e.Body.ExitCode = ev.ExitStatus
		s.send(e)
		s.send(&dap.TerminatedEvent{Event: *newEvent("terminated")})
		return
	}
	switch ev.Reason {
	case api.StopBreakpoint:
		s.sendStoppedEvent("function breakpoint", ev.String())
	case api.StopStep:
		s.sendStoppedEvent("step", ev.String())
	default:
		s.sendStoppedEvent("exception", ev.String())
	}
}
