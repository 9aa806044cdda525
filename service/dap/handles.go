package dap

// firstHandle is the first id handed out after a reset, so that a
// zero reference from the client is never valid.
const firstHandle = 1000

// frameRef is the value behind a stack frame id: depth 0 is the frame
// the process is stopped in, pc is the address shown for the frame.
type frameRef struct {
	depth int
	pc    uint64
}

type scopeKind uint8

const (
	// registersScope lists the general purpose registers. Registers can
	// only be read in the innermost frame.
	registersScope scopeKind = iota
)

// scopeRef is the value behind a variables reference.
type scopeRef struct {
	kind  scopeKind
	frame frameRef
}

// handles hands out ids for values sent to the client. Ids are only
// valid while the process stays stopped, reset discards them.
type handles[T any] struct {
	next int
	vals map[int]T
}

func newHandles[T any]() *handles[T] {
	h := &handles[T]{}
	h.reset()
	return h
}

func (h *handles[T]) reset() {
	h.next = firstHandle
	h.vals = make(map[int]T)
}

func (h *handles[T]) create(v T) int {
	id := h.next
	h.next++
	h.vals[id] = v
	return id
}

func (h *handles[T]) get(id int) (T, bool) {
	v, ok := h.vals[id]
	return v, ok
}
