package dap

import "testing"

func TestHandles(t *testing.T) {
	h := newHandles[frameRef]()
	top := h.create(frameRef{depth: 0, pc: 0x1000})
	caller := h.create(frameRef{depth: 1, pc: 0x2000})
	if top != firstHandle || caller != firstHandle+1 {
		t.Fatalf("unexpected ids %d %d", top, caller)
	}
	if f, ok := h.get(caller); !ok || f.depth != 1 || f.pc != 0x2000 {
		t.Fatalf("get(%d) = %#v, %v", caller, f, ok)
	}
	if _, ok := h.get(0); ok {
		t.Fatal("zero id resolved")
	}

	h.reset()
	if _, ok := h.get(top); ok {
		t.Fatal("id valid after reset")
	}
	if id := h.create(frameRef{}); id != firstHandle {
		t.Fatalf("ids not restarted: %d", id)
	}
}
