package frame

import (
	"testing"
)

func TestFDEForPC(t *testing.T) {
	frames := newFrameIndex()
	frames = append(frames,
		&FrameDescriptionEntry{begin: 10, size: 40},
		&FrameDescriptionEntry{begin: 50, size: 50},
		&FrameDescriptionEntry{begin: 100, size: 100},
		&FrameDescriptionEntry{begin: 300, size: 10})

	for _, test := range []struct {
		pc  uint64
		fde *FrameDescriptionEntry
	}{
		{0, nil},
		{9, nil},
		{10, frames[0]},
		{35, frames[0]},
		{49, frames[0]},
		{50, frames[1]},
		{75, frames[1]},
		{100, frames[2]},
		{199, frames[2]},
		{200, nil},
		{299, nil},
		{300, frames[3]},
		{309, frames[3]},
		{310, nil},
		{400, nil}} {

		out, err := frames.FDEForPC(test.pc)
		if test.fde != nil {
			if err != nil {
				t.Fatal(err)
			}
			if out != test.fde {
				t.Errorf("[pc = %#x] got incorrect fde\noutput:\t%#v\nexpected:\t%#v", test.pc, out, test.fde)
			}
		} else {
			if _, ok := err.(*ErrNoFDEForPC); !ok {
				t.Errorf("[pc = %#x] expected ErrNoFDEForPC got fde %#v err %v", test.pc, out, err)
			}
		}
	}
}

func TestAppendRemovesDuplicates(t *testing.T) {
	a := FrameDescriptionEntries{
		&FrameDescriptionEntry{begin: 100, size: 10},
		&FrameDescriptionEntry{begin: 10, size: 10},
	}
	b := FrameDescriptionEntries{
		&FrameDescriptionEntry{begin: 10, size: 10},
		&FrameDescriptionEntry{begin: 50, size: 5},
	}
	r := a.Append(b)
	if len(r) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(r))
	}
	for i, want := range []uint64{10, 50, 100} {
		if r[i].Begin() != want {
			t.Errorf("entry %d: begin %d, want %d", i, r[i].Begin(), want)
		}
	}
}

func TestPtrEncSupported(t *testing.T) {
	for _, tc := range []struct {
		enc  ptrEnc
		want bool
	}{
		{ptrEncAbs, true},
		{ptrEncOmit, true},
		{ptrEncPCRel | ptrEncSdata4, true},
		{ptrEncDataRel | ptrEncSdata4, false},
		{0x05, false},
		{0x0d, false},
	} {
		if got := tc.enc.Supported(); got != tc.want {
			t.Errorf("%#x: got %v, want %v", uint8(tc.enc), got, tc.want)
		}
	}
}
