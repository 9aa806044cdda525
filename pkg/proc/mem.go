package proc

import (
	"errors"
)

var errShortRead = errors.New("short read")

// MaxReadSize is the largest number of bytes ReadMemory transfers in one
// call.
const MaxReadSize = 1 << 20

// ReadMemory reads exactly size bytes at addr. Partial transfers are
// reported as a MemoryAccessError, never returned.
func ReadMemory(mem MemoryReader, addr uint64, size int) ([]byte, error) {
	if size <= 0 {
		return []byte{}, nil
	}
	if size > MaxReadSize {
		return nil, ReadSizeError{Addr: addr, Size: size}
	}
	buf := make([]byte, size)
	n, err := mem.ReadMemory(buf, addr)
	if err != nil {
		return nil, &MemoryAccessError{Addr: addr, Len: size, Err: err}
	}
	if n != size {
		return nil, &MemoryAccessError{Addr: addr, Len: size, Err: errShortRead}
	}
	return buf, nil
}

// ReadWord reads the 8 byte word at addr.
func ReadWord(mem WordReadWriter, addr uint64) (uint64, error) {
	v, err := mem.PeekWord(addr)
	if err != nil {
		return 0, &TraceError{Op: "peekdata", Addr: addr, Err: err}
	}
	return v, nil
}

// WriteWord writes the 8 byte word value at addr.
func WriteWord(mem WordReadWriter, addr, value uint64) error {
	if err := mem.PokeWord(addr, value); err != nil {
		return &TraceError{Op: "pokedata", Addr: addr, Err: err}
	}
	return nil
}
