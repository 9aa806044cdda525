package proc

import (
	"debug/dwarf"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/ptdbg/ptdbg/pkg/dwarf/frame"
)

const pageSize = 0x1000

// Function describes a function in the target executable. Offset is
// relative to the link-time base of the executable.
type Function struct {
	Name    string
	RawName string
	Offset  uint64
	Size    uint64
}

// End returns the offset one past the last byte of fn.
func (fn *Function) End() uint64 {
	return fn.Offset + fn.Size
}

// Section is an ELF section header.
type Section struct {
	Name string
	Addr uint64
	Size uint64
}

// BinaryInfo holds information on the executable being debugged.
// It is immutable once loaded, except for the lazily parsed
// call frame information.
type BinaryInfo struct {
	Path string
	// Functions sorted by Offset.
	Functions []Function
	Sections  []Section
	// LinkBase is the address the executable was linked to run at,
	// zero for position independent executables.
	LinkBase uint64

	nameIndex map[string]int

	ehFrame     []byte
	ehFrameAddr uint64
	debugFrame  []byte

	frameOnce    sync.Once
	frameEntries frame.FrameDescriptionEntries
	frameErr     error
}

// NewBinaryInfo returns an empty BinaryInfo for path: no symbols, no
// sections, no call frame information.
func NewBinaryInfo(path string) *BinaryInfo {
	return &BinaryInfo{Path: path, nameIndex: map[string]int{}}
}

// LoadBinaryInfo reads symbols, sections and call frame information from
// the ELF executable at path.
func LoadBinaryInfo(path string) (*BinaryInfo, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, &SymbolParseError{Path: path, Err: err}
	}
	defer f.Close()
	bi, err := loadBinaryInfoELF(path, f)
	if err != nil {
		return nil, &SymbolParseError{Path: path, Err: err}
	}
	return bi, nil
}

var errNotAMD64 = errors.New("not an x86-64 executable")

func loadBinaryInfoELF(path string, f *elf.File) (*BinaryInfo, error) {
	if f.Machine != elf.EM_X86_64 || f.Class != elf.ELFCLASS64 {
		return nil, errNotAMD64
	}
	bi := NewBinaryInfo(path)
	bi.LinkBase = linkBase(f)

	for _, s := range f.Sections {
		if s.Name == "" {
			continue
		}
		bi.Sections = append(bi.Sections, Section{Name: s.Name, Addr: s.Addr, Size: s.Size})
	}

	if err := bi.loadFunctions(f); err != nil {
		return nil, err
	}

	if s := f.Section(".eh_frame"); s != nil && s.Type != elf.SHT_NOBITS {
		data, err := s.Data()
		if err != nil {
			return nil, fmt.Errorf("reading .eh_frame: %w", err)
		}
		bi.ehFrame, bi.ehFrameAddr = data, s.Addr
	}
	if s := f.Section(".debug_frame"); s != nil && s.Type != elf.SHT_NOBITS {
		data, err := s.Data()
		if err != nil {
			return nil, fmt.Errorf("reading .debug_frame: %w", err)
		}
		bi.debugFrame = data
	}
	return bi, nil
}

// linkBase returns the page aligned start of the lowest PT_LOAD segment,
// minus its file offset.
func linkBase(f *elf.File) uint64 {
	base := ^uint64(0)
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if b := (p.Vaddr - p.Off) &^ (pageSize - 1); b < base {
			base = b
		}
	}
	if base == ^uint64(0) {
		return 0
	}
	return base
}

func (bi *BinaryInfo) loadFunctions(f *elf.File) error {
	syms, err := f.Symbols()
	if err != nil || len(syms) == 0 {
		syms, err = f.DynamicSymbols()
	}
	if err == nil {
		for _, sym := range syms {
			if elf.ST_TYPE(sym.Info) != elf.STT_FUNC || sym.Size == 0 || sym.Section == elf.SHN_UNDEF {
				continue
			}
			bi.addFunction(sym.Name, sym.Value, sym.Size)
		}
	}
	if len(bi.Functions) == 0 {
		// Stripped of symbols but not of debug info.
		if dw, derr := f.DWARF(); derr == nil {
			bi.loadDwarfFunctions(dw)
		}
	}
	if len(bi.Functions) == 0 && err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return err
	}
	bi.sortFunctions()
	return nil
}

func (bi *BinaryInfo) loadDwarfFunctions(dw *dwarf.Data) {
	rdr := dw.Reader()
	for {
		e, err := rdr.Next()
		if err != nil || e == nil {
			return
		}
		if e.Tag != dwarf.TagSubprogram {
			continue
		}
		name, _ := e.Val(dwarf.AttrName).(string)
		if ln, ok := e.Val(dwarf.AttrLinkageName).(string); ok {
			name = ln
		}
		lowpc, ok := e.Val(dwarf.AttrLowpc).(uint64)
		if !ok || name == "" {
			continue
		}
		var highpc uint64
		switch v := e.Val(dwarf.AttrHighpc).(type) {
		case uint64:
			highpc = v
		case int64:
			highpc = lowpc + uint64(v)
		}
		if highpc <= lowpc {
			continue
		}
		bi.addFunction(name, lowpc, highpc-lowpc)
	}
}

func (bi *BinaryInfo) addFunction(raw string, value, size uint64) {
	if value < bi.LinkBase {
		return
	}
	bi.Functions = append(bi.Functions, Function{
		Name:    demangle(raw),
		RawName: raw,
		Offset:  value - bi.LinkBase,
		Size:    size,
	})
}

func (bi *BinaryInfo) sortFunctions() {
	sort.SliceStable(bi.Functions, func(i, j int) bool {
		return bi.Functions[i].Offset < bi.Functions[j].Offset
	})
	bi.nameIndex = make(map[string]int, 2*len(bi.Functions))
	for i := len(bi.Functions) - 1; i >= 0; i-- {
		fn := &bi.Functions[i]
		bi.nameIndex[fn.RawName] = i
		bi.nameIndex[fn.Name] = i
	}
}

// SetFunctions replaces the symbol table with fns. Offsets are relative
// to LinkBase and empty display names are derived from RawName.
func (bi *BinaryInfo) SetFunctions(fns []Function) {
	bi.Functions = make([]Function, len(fns))
	copy(bi.Functions, fns)
	for i := range bi.Functions {
		if bi.Functions[i].Name == "" {
			bi.Functions[i].Name = demangle(bi.Functions[i].RawName)
		}
	}
	bi.sortFunctions()
}

// PCToFunc returns the function containing the given offset, or nil.
func (bi *BinaryInfo) PCToFunc(off uint64) *Function {
	i := sort.Search(len(bi.Functions), func(i int) bool {
		return bi.Functions[i].Offset > off
	})
	// Functions[i-1] is the last function starting at or before off,
	// aliases share its offset.
	for j := i - 1; j >= 0 && bi.Functions[j].Offset == bi.Functions[i-1].Offset; j-- {
		if off < bi.Functions[j].End() {
			return &bi.Functions[j]
		}
	}
	return nil
}

// LookupFunc returns the function called name, matching either the
// display name or the raw symbol name.
func (bi *BinaryInfo) LookupFunc(name string) *Function {
	if i, ok := bi.nameIndex[name]; ok {
		return &bi.Functions[i]
	}
	return nil
}

// FrameEntries returns the parsed call frame information of the
// executable, .eh_frame if present, .debug_frame otherwise. The
// section is parsed on first use.
func (bi *BinaryInfo) FrameEntries() (frame.FrameDescriptionEntries, error) {
	bi.frameOnce.Do(func() {
		switch {
		case len(bi.ehFrame) > 0:
			bi.frameEntries, bi.frameErr = frame.Parse(bi.ehFrame, binary.LittleEndian, 0, 8, bi.ehFrameAddr)
		case len(bi.debugFrame) > 0:
			bi.frameEntries, bi.frameErr = frame.Parse(bi.debugFrame, binary.LittleEndian, 0, 8, 0)
		}
	})
	return bi.frameEntries, bi.frameErr
}

// demangle turns a Rust legacy mangled symbol
// (_ZN4core3fmt5write17h0123456789abcdefE) into its path without the
// trailing hash (core::fmt::write). Other names are returned unchanged,
// except for a trailing ::h<hash> component which is dropped.
func demangle(name string) string {
	if strings.HasPrefix(name, "_ZN") && strings.HasSuffix(name, "E") {
		if parts, ok := splitItaniumNested(name[3 : len(name)-1]); ok {
			if n := len(parts); n > 1 && isRustHash(parts[n-1]) {
				parts = parts[:n-1]
			}
			for i := range parts {
				parts[i] = unescapeRust(parts[i])
			}
			return strings.Join(parts, "::")
		}
		return name
	}
	if i := strings.LastIndex(name, "::"); i >= 0 && isRustHash(name[i+2:]) {
		return name[:i]
	}
	return name
}

func splitItaniumNested(s string) ([]string, bool) {
	var parts []string
	for len(s) > 0 {
		i := 0
		for i < len(s) && s[i] >= '0' && s[i] <= '9' {
			i++
		}
		if i == 0 {
			return nil, false
		}
		n, err := strconv.Atoi(s[:i])
		if err != nil || i+n > len(s) {
			return nil, false
		}
		parts = append(parts, s[i:i+n])
		s = s[i+n:]
	}
	return parts, len(parts) > 0
}

func isRustHash(s string) bool {
	if len(s) != 17 || s[0] != 'h' {
		return false
	}
	for _, c := range s[1:] {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

var rustEscapes = strings.NewReplacer(
	"$SP$", "@",
	"$BP$", "*",
	"$RF$", "&",
	"$LT$", "<",
	"$GT$", ">",
	"$LP$", "(",
	"$RP$", ")",
	"$C$", ",",
	"$u20$", " ",
	"$u27$", "'",
	"$u5b$", "[",
	"$u5d$", "]",
	"$u7b$", "{",
	"$u7d$", "}",
	"$u7e$", "~",
	"..", "::",
)

func unescapeRust(s string) string {
	if strings.HasPrefix(s, "_$") {
		s = s[1:]
	}
	return rustEscapes.Replace(s)
}
