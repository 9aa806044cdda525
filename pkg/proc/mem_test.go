package proc_test

import (
	"errors"
	"testing"

	"github.com/ptdbg/ptdbg/pkg/proc"
	protest "github.com/ptdbg/ptdbg/pkg/proc/test"
)

func TestReadMemoryAllOrNothing(t *testing.T) {
	ft := protest.NewFakeTracee("/bin/fake")
	ft.Map(0x1000, []byte{1, 2, 3, 4})

	buf, err := proc.ReadMemory(ft, 0x1000, 4)
	if err != nil || len(buf) != 4 || buf[3] != 4 {
		t.Fatalf("got %v, %v", buf, err)
	}

	for _, tc := range []struct {
		addr uint64
		size int
	}{
		{0x1002, 4}, // crosses the end of the mapping
		{0x2000, 1}, // unmapped
	} {
		buf, err := proc.ReadMemory(ft, tc.addr, tc.size)
		var merr *proc.MemoryAccessError
		if !errors.As(err, &merr) || buf != nil {
			t.Fatalf("%#x: expected MemoryAccessError, got %v, %v", tc.addr, buf, err)
		}
		if merr.Addr != tc.addr || merr.Len != tc.size {
			t.Fatalf("wrong error %v", merr)
		}
	}

	if buf, err := proc.ReadMemory(ft, 0x2000, 0); err != nil || len(buf) != 0 {
		t.Fatalf("empty read: %v, %v", buf, err)
	}
}

func TestReadMemoryTooLarge(t *testing.T) {
	ft := protest.NewFakeTracee("/bin/fake")
	ft.Map(0x1000, make([]byte, 16))
	for _, size := range []int{proc.MaxReadSize + 1, int(^uint(0) >> 1)} {
		buf, err := proc.ReadMemory(ft, 0x1000, size)
		var serr proc.ReadSizeError
		if !errors.As(err, &serr) || buf != nil {
			t.Fatalf("%d: expected ReadSizeError, got %v", size, err)
		}
		if serr.Addr != 0x1000 || serr.Size != size {
			t.Fatalf("wrong error %#v", serr)
		}
	}
}

func TestReadWriteWord(t *testing.T) {
	ft := protest.NewFakeTracee("/bin/fake")
	mem := make([]byte, 8)
	ft.Map(0x1000, mem)
	if err := proc.WriteWord(ft, 0x1000, 0x0807060504030201); err != nil {
		t.Fatal(err)
	}
	if mem[0] != 1 || mem[7] != 8 {
		t.Fatalf("not little endian: %x", mem)
	}
	v, err := proc.ReadWord(ft, 0x1000)
	if err != nil || v != 0x0807060504030201 {
		t.Fatalf("got %#x, %v", v, err)
	}
	_, err = proc.ReadWord(ft, 0x1001)
	var terr *proc.TraceError
	if !errors.As(err, &terr) || terr.Op != "peekdata" || terr.Addr != 0x1001 {
		t.Fatalf("expected peekdata error, got %v", err)
	}
}
