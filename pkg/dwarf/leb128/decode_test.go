package leb128

import (
	"bytes"
	"io"
	"testing"
)

func TestDecodeUnsigned(t *testing.T) {
	tests := []struct {
		in   []byte
		want uint64
		n    uint32
	}{
		{[]byte{0x02}, 2, 1},
		{[]byte{0x7f}, 127, 1},
		{[]byte{0x80, 0x01}, 128, 2},
		{[]byte{0xE5, 0x8E, 0x26}, 624485, 3},
	}
	for _, tc := range tests {
		v, n, err := DecodeUnsigned(bytes.NewReader(tc.in))
		if err != nil {
			t.Fatalf("%x: unexpected error %v", tc.in, err)
		}
		if v != tc.want || n != tc.n {
			t.Errorf("%x: got (%d, %d), want (%d, %d)", tc.in, v, n, tc.want, tc.n)
		}
	}
}

func TestDecodeSigned(t *testing.T) {
	tests := []struct {
		in   []byte
		want int64
	}{
		{[]byte{0x02}, 2},
		{[]byte{0x7e}, -2},
		{[]byte{0xff, 0x00}, 127},
		{[]byte{0x81, 0x7f}, -127},
		{[]byte{0x78}, -8},
		{[]byte{0x9b, 0xf1, 0x59}, -624485},
	}
	for _, tc := range tests {
		v, _, err := DecodeSigned(bytes.NewReader(tc.in))
		if err != nil {
			t.Fatalf("%x: unexpected error %v", tc.in, err)
		}
		if v != tc.want {
			t.Errorf("%x: got %d, want %d", tc.in, v, tc.want)
		}
	}
}

func TestDecodeTruncated(t *testing.T) {
	if _, _, err := DecodeUnsigned(bytes.NewReader([]byte{0x80})); err != io.ErrUnexpectedEOF {
		t.Fatalf("expected io.ErrUnexpectedEOF, got %v", err)
	}
	if _, _, err := DecodeSigned(bytes.NewReader(nil)); err != io.EOF {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}
