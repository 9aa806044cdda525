package dap

// LaunchConfig is the collection of launch request attributes recognized
// by the ptdbg DAP implementation.
type LaunchConfig struct {
	// Path to the executable to debug. If it is not an absolute path, it
	// will be interpreted as a path relative to the working directory of
	// the ptdbg process.
	Program string `json:"program,omitempty"`

	// Command line arguments passed to the debugged program.
	Args []string `json:"args,omitempty"`

	// Working directory of the program being debugged. Defaults to the
	// directory of the program.
	Cwd string `json:"cwd,omitempty"`

	LaunchAttachCommonConfig
}

// AttachConfig is the collection of attach request attributes
// recognized by the ptdbg DAP implementation.
type AttachConfig struct {
	// The numeric ID of the process to be debugged. Required.
	ProcessID int `json:"processId,omitempty"`

	LaunchAttachCommonConfig
}

// LaunchAttachCommonConfig is the attributes common in both launch/attach requests.
type LaunchAttachCommonConfig struct {
	// Automatically stop the program after launch or attach.
	StopOnEntry bool `json:"stopOnEntry,omitempty"`

	// Maximum depth of stack trace collected from the debugger.
	// Default: 50
	StackTraceDepth int `json:"stackTraceDepth,omitempty"`

	// Keep breakpoints installed after they are hit.
	RearmBreakpoints bool `json:"rearmBreakpoints,omitempty"`

	// Disassembly syntax, "intel" or "gnu".
	DisassembleFlavor string `json:"disassembleFlavor,omitempty"`
}
