// Package logflags configures the per-layer loggers used by ptdbg.
// Every layer logs through logrus and is silent unless enabled with
// --log and selected by --log-output.
package logflags

import (
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

var debugger = false
var ptrace = false
var unwind = false
var dap = false
var terminal = false

var logOut io.WriteCloser

// Fields type wraps many fields for Logger
type Fields map[string]interface{}

// Logger represents a generic interface for logging inside of
// the ptdbg codebase.
type Logger interface {
	// WithField returns a new Logger enriched with the given field.
	WithField(key string, value interface{}) Logger
	// WithError returns a new Logger enriched with the given error.
	WithError(err error) Logger

	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})

	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})
}

type logrusLogger struct {
	*logrus.Entry
}

func (l *logrusLogger) WithField(key string, value interface{}) Logger {
	return &logrusLogger{l.Entry.WithField(key, value)}
}

func (l *logrusLogger) WithError(err error) Logger {
	return &logrusLogger{l.Entry.WithError(err)}
}

func makeLogger(flag bool, fields Fields) Logger {
	logger := logrus.New()
	logger.Formatter = &logrus.TextFormatter{DisableColors: true, FullTimestamp: true}
	if logOut != nil {
		logger.Out = logOut
	} else {
		logger.Out = os.Stderr
	}
	logger.Level = logrus.DebugLevel
	if !flag {
		logger.Level = logrus.ErrorLevel
	}
	return &logrusLogger{logger.WithFields(logrus.Fields(fields))}
}

// Debugger returns true if the debugger package should log.
func Debugger() bool {
	return debugger
}

// DebuggerLogger returns a logger for the debugger package.
func DebuggerLogger() Logger {
	return makeLogger(debugger, Fields{"layer": "debugger"})
}

// Ptrace returns true if every ptrace request should be logged.
func Ptrace() bool {
	return ptrace
}

// PtraceLogger returns a logger for the native ptrace backend.
func PtraceLogger() Logger {
	return makeLogger(ptrace, Fields{"layer": "ptrace"})
}

// Unwind returns true if stack unwinding should be logged.
func Unwind() bool {
	return unwind
}

// UnwindLogger returns a logger for the call frame unwinder.
func UnwindLogger() Logger {
	return makeLogger(unwind, Fields{"layer": "unwind"})
}

// DAP returns true if DAP messages should be logged.
func DAP() bool {
	return dap
}

// DAPLogger returns a logger for the DAP server.
func DAPLogger() Logger {
	return makeLogger(dap, Fields{"layer": "dap"})
}

// Terminal returns true if the terminal should log.
func Terminal() bool {
	return terminal
}

// TerminalLogger returns a logger for the terminal.
func TerminalLogger() Logger {
	return makeLogger(terminal, Fields{"layer": "terminal"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets the logging flags based on the contents of logstr.
// If logDest is not empty logs are written there: a number is
// interpreted as an already open file descriptor, anything else as
// a file path.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "ptdbg-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logOut = fh
		}
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(ioutil.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logOut != nil {
		log.SetOutput(logOut)
	}
	if logstr == "" {
		logstr = "debugger"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		switch strings.TrimSpace(logcmd) {
		case "debugger":
			debugger = true
		case "ptrace":
			ptrace = true
		case "unwind":
			unwind = true
		case "dap":
			dap = true
		case "terminal":
			terminal = true
		default:
			return fmt.Errorf("unknown log output %q", logcmd)
		}
	}
	return nil
}

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
		logOut = nil
	}
}
