package proc

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestDemangle(t *testing.T) {
	for _, tc := range []struct {
		in, out string
	}{
		{"main", "main"},
		{"_ZN4core3fmt5write17h0123456789abcdefE", "core::fmt::write"},
		{"_ZN3std2rt10lang_start28_$u7b$$u7b$closure$u7d$$u7d$17h9fbb6ad0a6d8a1c3E", "std::rt::lang_start::{{closure}}"},
		{"_ZN4test4main17h0123456789abcdefE", "test::main"},
		{"_ZN5alloc3vec12Vec$LT$T$GT$4push17h0011223344556677E", "alloc::vec::Vec<T>::push"},
		{"_ZN4core3ptr13drop_in_placeE", "core::ptr::drop_in_place"},
		{"_ZN3fooE_bad", "_ZN3fooE_bad"},
		{"_ZN99fooE", "_ZN99fooE"},
		{"test::main::h0123456789abcdef", "test::main"},
		{"test::main::hnothex", "test::main::hnothex"},
	} {
		if got := demangle(tc.in); got != tc.out {
			t.Errorf("demangle(%q) = %q, want %q", tc.in, got, tc.out)
		}
	}
}

func TestPCToFunc(t *testing.T) {
	bi := NewBinaryInfo("test")
	bi.LinkBase = 0x400000
	bi.addFunction("a", 0x401000, 0x10)
	bi.addFunction("b", 0x401020, 0x20)
	bi.addFunction("b_alias", 0x401020, 0x8)
	bi.addFunction("below_base", 0x1000, 0x8)
	bi.sortFunctions()

	if len(bi.Functions) != 3 {
		t.Fatalf("expected 3 functions, got %v", bi.Functions)
	}
	for _, tc := range []struct {
		off  uint64
		name string
	}{
		{0x0fff, ""},
		{0x1000, "a"},
		{0x100f, "a"},
		{0x1010, ""}, // gap between a and b
		{0x1020, "b"},
		{0x1030, "b"},
		{0x103f, "b"},
		{0x1040, ""},
	} {
		fn := bi.PCToFunc(tc.off)
		var got string
		if fn != nil {
			got = fn.Name
			if tc.off < fn.Offset || tc.off >= fn.End() {
				t.Errorf("%#x: %s [%#x, %#x) does not contain pc", tc.off, fn.Name, fn.Offset, fn.End())
			}
		}
		if got != tc.name && !(tc.name == "b" && got == "b_alias") {
			t.Errorf("%#x: got %q, want %q", tc.off, got, tc.name)
		}
	}

	if fn := bi.LookupFunc("b"); fn == nil || fn.Offset != 0x1020 {
		t.Fatalf("LookupFunc(b) = %v", fn)
	}
	if fn := bi.LookupFunc("below_base"); fn != nil {
		t.Fatalf("function below the link base was loaded: %v", fn)
	}
}

func TestLoadBinaryInfo(t *testing.T) {
	if runtime.GOOS != "linux" || runtime.GOARCH != "amd64" {
		t.Skip("linux/amd64 only")
	}
	exe, err := os.Executable()
	if err != nil {
		t.Fatal(err)
	}
	bi, err := LoadBinaryInfo(exe)
	if err != nil {
		t.Fatal(err)
	}
	if len(bi.Functions) == 0 || len(bi.Sections) == 0 {
		t.Fatalf("no symbols or sections in %s", exe)
	}
	fn := bi.LookupFunc("testing.tRunner")
	if fn == nil {
		t.Fatal("testing.tRunner not found")
	}
	if got := bi.PCToFunc(fn.Offset + fn.Size/2); got == nil || got.Offset != fn.Offset {
		t.Fatalf("PCToFunc inside testing.tRunner = %v", got)
	}
	for i := 1; i < len(bi.Functions); i++ {
		if bi.Functions[i].Offset < bi.Functions[i-1].Offset {
			t.Fatal("functions not sorted")
		}
	}
}

func TestLoadBinaryInfoErrors(t *testing.T) {
	dir := t.TempDir()
	notELF := filepath.Join(dir, "script.sh")
	if err := os.WriteFile(notELF, []byte("#!/bin/sh\necho hi\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	for _, path := range []string{notELF, filepath.Join(dir, "missing")} {
		_, err := LoadBinaryInfo(path)
		var serr *SymbolParseError
		if !errors.As(err, &serr) || serr.Path != path {
			t.Errorf("%s: expected SymbolParseError, got %v", path, err)
		}
	}
}

func TestSetFunctions(t *testing.T) {
	bi := NewBinaryInfo("test")
	bi.SetFunctions([]Function{
		{RawName: "_ZN4test4main17h0123456789abcdefE", Offset: 0x20, Size: 0x10},
		{Name: "start", RawName: "_start", Offset: 0x10, Size: 0x10},
	})
	if bi.Functions[0].Name != "start" || bi.Functions[1].Name != "test::main" {
		t.Fatalf("wrong functions %v", bi.Functions)
	}
	if fn := bi.LookupFunc("test::main"); fn == nil || fn.Offset != 0x20 {
		t.Fatalf("LookupFunc(test::main) = %v", fn)
	}
	if fn := bi.LookupFunc("_start"); fn == nil || fn.Name != "start" {
		t.Fatalf("LookupFunc(_start) = %v", fn)
	}
}
