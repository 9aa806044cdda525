package dap

// Unique identifiers for messages returned for errors from requests.
// These values are not mandated by DAP (other than the uniqueness
// requirement), so each implementation is free to choose their own.
const (
	UnsupportedCommand int = 9999
	InternalError      int = 8888
	NotYetImplemented  int = 7777

	// Where applicable and for consistency only,
	// values below are inspired the original vscode-go debug adaptor.
	FailedToLaunch             = 3000
	FailedToAttach             = 3001
	FailedToContinue           = 3003
	FailedToStep               = 3004
	UnableToSetBreakpoints     = 2002
	UnableToDisplayThreads     = 2003
	UnableToProduceStackTrace  = 2004
	UnableToListRegisters      = 2005
	UnableToSetRegister        = 2006
	UnableToEvaluateExpression = 2009
	UnableToReadMemory         = 2010
	UnableToDisassemble        = 2011
	UnableToRestart            = 2012
	DebuggeeNotStarted         = 2013
)
