// Package leb128 decodes the variable length integers used by the
// call frame information of ELF executables. The encoding is described
// in section 7.6 of the DWARF 4 standard.
package leb128
