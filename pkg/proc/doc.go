// Package proc is a low-level package that provides methods to manipulate
// the process we are debugging.
//
// proc implements all core functionality including:
// * the stop/resume state machine of a traced process
// * software breakpoints
// * methods to explore the memory and registers of the process
// * symbol lookup and call frame unwinding
//
// The operating system specific parts live in pkg/proc/native, which
// provides a Tracee.
package proc
