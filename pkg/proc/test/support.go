// Package test contains a scriptable fake tracee used to test the
// layers built on top of proc.Target without a real process.
package test

import (
	"errors"
	"fmt"
	"sync"

	sys "golang.org/x/sys/unix"

	"github.com/ptdbg/ptdbg/pkg/proc"
)

// Layout of the program loaded by NewFakeTarget.
const (
	FakePid      = 4242
	FakeLoadBase = 0x555500000000
	FakeStackTop = 0x7ffffff00000
	FakeMainOff  = 0x1000
	FakeFooOff   = 0x1020
)

// FakeCode is the text loaded at FakeLoadBase+FakeMainOff:
//
//	main: push %rbp; mov %rsp,%rbp; call foo; nop; pop %rbp; ret
//	foo:  nop; nop; ret
var FakeCode = []byte{
	0x55,
	0x48, 0x89, 0xe5,
	0xe8, 0x17, 0x00, 0x00, 0x00,
	0x90,
	0x5d,
	0xc3,
}

var fooCode = []byte{0x90, 0x90, 0xc3}

// ErrUnmapped is returned for accesses outside the mapped regions.
var ErrUnmapped = errors.New("input/output error")

type region struct {
	addr uint64
	data []byte
}

// Stop is a scripted state change. When the status is a stop the
// program counter becomes PC.
type Stop struct {
	Status proc.StopStatus
	PC     uint64
}

// FakeTracee implements proc.Tracee over in-memory regions and a script
// of stops returned by Wait in order.
type FakeTracee struct {
	mu      sync.Mutex
	pid     int
	exe     string
	regions []*region
	Regs    proc.AMD64PtraceRegs
	stops   []Stop

	Conts    []sys.Signal
	Steps    []sys.Signal
	Detached bool
	Killed   bool
}

// NewFakeTracee returns a tracee with no memory.
func NewFakeTracee(exe string) *FakeTracee {
	return &FakeTracee{pid: FakePid, exe: exe}
}

// Map adds a memory region at addr. data is used as backing store.
func (ft *FakeTracee) Map(addr uint64, data []byte) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.regions = append(ft.regions, &region{addr: addr, data: data})
}

// Script appends stops to the script.
func (ft *FakeTracee) Script(stops ...Stop) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.stops = append(ft.stops, stops...)
}

// TrapAt returns a SIGTRAP stop with the program counter at pc.
func TrapAt(pc uint64) Stop {
	return Stop{Status: proc.StopStatus{Stopped: true, Signal: sys.SIGTRAP}, PC: pc}
}

// SignalAt returns a stop for signal sig with the program counter at pc.
func SignalAt(sig sys.Signal, pc uint64) Stop {
	return Stop{Status: proc.StopStatus{Stopped: true, Signal: sig}, PC: pc}
}

// Exit returns an exit with the given status.
func Exit(status int) Stop {
	return Stop{Status: proc.StopStatus{Exited: true, ExitStatus: status}}
}

func (ft *FakeTracee) byteAt(addr uint64) (*byte, error) {
	for _, r := range ft.regions {
		if addr >= r.addr && addr < r.addr+uint64(len(r.data)) {
			return &r.data[addr-r.addr], nil
		}
	}
	return nil, ErrUnmapped
}

// Byte returns the byte at addr, or 0 if unmapped.
func (ft *FakeTracee) Byte(addr uint64) byte {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if p, err := ft.byteAt(addr); err == nil {
		return *p
	}
	return 0
}

func (ft *FakeTracee) PeekWord(addr uint64) (uint64, error) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	var v uint64
	for i := uint64(0); i < 8; i++ {
		p, err := ft.byteAt(addr + i)
		if err != nil {
			return 0, err
		}
		v |= uint64(*p) << (8 * i)
	}
	return v, nil
}

func (ft *FakeTracee) PokeWord(addr, data uint64) error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	var ps [8]*byte
	for i := range ps {
		p, err := ft.byteAt(addr + uint64(i))
		if err != nil {
			return err
		}
		ps[i] = p
	}
	for i, p := range ps {
		*p = byte(data >> (8 * i))
	}
	return nil
}

func (ft *FakeTracee) ReadMemory(buf []byte, addr uint64) (int, error) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	for i := range buf {
		p, err := ft.byteAt(addr + uint64(i))
		if err != nil {
			if i == 0 {
				return 0, err
			}
			return i, nil
		}
		buf[i] = *p
	}
	return len(buf), nil
}

func (ft *FakeTracee) Pid() int               { return ft.pid }
func (ft *FakeTracee) ExecutablePath() string { return ft.exe }
func (ft *FakeTracee) Spawned() bool          { return true }

func (ft *FakeTracee) GetRegs(regs *proc.AMD64PtraceRegs) error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	*regs = ft.Regs
	return nil
}

func (ft *FakeTracee) SetRegs(regs *proc.AMD64PtraceRegs) error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.Regs = *regs
	return nil
}

func (ft *FakeTracee) Continue(sig sys.Signal) error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.Conts = append(ft.Conts, sig)
	return nil
}

func (ft *FakeTracee) SingleStep(sig sys.Signal) error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.Steps = append(ft.Steps, sig)
	return nil
}

func (ft *FakeTracee) Wait() (proc.StopStatus, error) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if len(ft.stops) == 0 {
		return proc.StopStatus{}, fmt.Errorf("no more scripted stops")
	}
	s := ft.stops[0]
	ft.stops = ft.stops[1:]
	if s.Status.Stopped {
		ft.Regs.Rip = s.PC
	}
	return s.Status, nil
}

func (ft *FakeTracee) Detach() error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.Detached = true
	return nil
}

func (ft *FakeTracee) Kill() error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.Killed = true
	return nil
}

// FakeBinaryInfo returns the symbol table of the program loaded by
// NewFakeTracee: main and foo.
func FakeBinaryInfo(path string) *proc.BinaryInfo {
	bi := proc.NewBinaryInfo(path)
	bi.SetFunctions([]proc.Function{
		{Name: "main", RawName: "main", Offset: FakeMainOff, Size: uint64(len(FakeCode))},
		{RawName: "_ZN4fake3foo17h0123456789abcdefE", Offset: FakeFooOff, Size: uint64(len(fooCode))},
	})
	bi.Sections = []proc.Section{
		{Name: ".text", Addr: FakeMainOff, Size: 0x100},
		{Name: ".data", Addr: 0x2000, Size: 0x40},
	}
	return bi
}

// NewFakeProgram returns a tracee stopped at the entry of main with the
// fake program mapped at FakeLoadBase and a stack below FakeStackTop.
func NewFakeProgram(exe string) *FakeTracee {
	ft := NewFakeTracee(exe)
	text := make([]byte, 0x100)
	copy(text, FakeCode)
	copy(text[FakeFooOff-FakeMainOff:], fooCode)
	ft.Map(FakeLoadBase+FakeMainOff, text)
	ft.Map(FakeStackTop-0x1000, make([]byte, 0x1000))
	ft.Regs.Rip = FakeLoadBase + FakeMainOff
	ft.Regs.Rsp = FakeStackTop - 0x100
	return ft
}

// NewFakeTarget returns a proc.Target controlling NewFakeProgram.
func NewFakeTarget(cfg proc.Config) (*proc.Target, *FakeTracee) {
	ft := NewFakeProgram("/fake/prog")
	return proc.NewTarget(ft, FakeBinaryInfo(ft.ExecutablePath()), FakeLoadBase, cfg), ft
}
