// Package frame contains data structures and
// related functions for parsing and searching
// through .eh_frame and .debug_frame call frame information.
package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/ptdbg/ptdbg/pkg/dwarf/leb128"
)

// ErrMalformed is wrapped by every error caused by truncated or
// inconsistent call frame data.
var ErrMalformed = errors.New("malformed call frame information")

type parseContext struct {
	data        []byte
	order       binary.ByteOrder
	staticBase  uint64
	ptrSize     int
	ehFrameAddr uint64

	entries FrameDescriptionEntries
	cies    map[uint64]*CommonInformationEntry
}

// Parse takes in data (a byte slice) and returns FrameDescriptionEntries,
// which is a slice of FrameDescriptionEntry sorted by start address.
// Each FrameDescriptionEntry has a pointer to CommonInformationEntry.
// If ehFrameAddr is not zero the data is decoded as .eh_frame loaded at
// that address, otherwise as .debug_frame.
func Parse(data []byte, order binary.ByteOrder, staticBase uint64, ptrSize int, ehFrameAddr uint64) (FrameDescriptionEntries, error) {
	ctx := &parseContext{
		data:        data,
		order:       order,
		staticBase:  staticBase,
		ptrSize:     ptrSize,
		ehFrameAddr: ehFrameAddr,
		entries:     newFrameIndex(),
		cies:        make(map[uint64]*CommonInformationEntry),
	}

	for off := uint64(0); off < uint64(len(data)); {
		next, err := ctx.parseEntry(off)
		if err != nil {
			return nil, err
		}
		if next == 0 {
			// zero terminator at the end of .eh_frame
			break
		}
		off = next
	}

	for i := range ctx.entries {
		ctx.entries[i].order = order
	}
	sort.SliceStable(ctx.entries, func(i, j int) bool {
		return ctx.entries[i].Begin() < ctx.entries[j].Begin()
	})

	return ctx.entries, nil
}

func (ctx *parseContext) parsingEHFrame() bool {
	return ctx.ehFrameAddr > 0
}

type entryHeader struct {
	start    uint64 // offset of the length field
	length   uint64
	is64     bool
	idPos    uint64 // offset of the CIE id / CIE pointer field
	id       uint64
	bodyPos  uint64 // offset of the first byte after the id
	entryEnd uint64
}

func (ctx *parseContext) readHeader(off uint64) (entryHeader, error) {
	h := entryHeader{start: off}
	if off+4 > uint64(len(ctx.data)) {
		return h, fmt.Errorf("%w: truncated length at %#x", ErrMalformed, off)
	}
	h.length = uint64(ctx.order.Uint32(ctx.data[off:]))
	off += 4
	if h.length == 0xffffffff {
		if off+8 > uint64(len(ctx.data)) {
			return h, fmt.Errorf("%w: truncated extended length at %#x", ErrMalformed, off)
		}
		h.length = ctx.order.Uint64(ctx.data[off:])
		h.is64 = true
		off += 8
	}
	if h.length == 0 {
		h.entryEnd = off
		return h, nil
	}
	h.entryEnd = off + h.length
	if h.entryEnd > uint64(len(ctx.data)) || h.entryEnd < off {
		return h, fmt.Errorf("%w: entry at %#x overruns section", ErrMalformed, h.start)
	}
	h.idPos = off
	idSize := uint64(4)
	if h.is64 {
		idSize = 8
	}
	if off+idSize > h.entryEnd {
		return h, fmt.Errorf("%w: entry at %#x too short", ErrMalformed, h.start)
	}
	if h.is64 {
		h.id = ctx.order.Uint64(ctx.data[off:])
	} else {
		h.id = uint64(ctx.order.Uint32(ctx.data[off:]))
	}
	h.bodyPos = off + idSize
	return h, nil
}

func (ctx *parseContext) isCIE(h entryHeader) bool {
	if ctx.parsingEHFrame() {
		return h.id == 0
	}
	if h.is64 {
		return h.id == 0xffffffffffffffff
	}
	return h.id == 0xffffffff
}

// parseEntry parses the entry at off and returns the offset of the next one.
func (ctx *parseContext) parseEntry(off uint64) (uint64, error) {
	h, err := ctx.readHeader(off)
	if err != nil {
		return 0, err
	}
	if h.length == 0 {
		if ctx.parsingEHFrame() {
			return 0, nil
		}
		return h.entryEnd, nil
	}

	if ctx.isCIE(h) {
		if _, err := ctx.cieAt(off); err != nil {
			return 0, err
		}
		return h.entryEnd, nil
	}

	var cieOff uint64
	if ctx.parsingEHFrame() {
		// CIE pointer is relative to the position of the pointer itself.
		if h.id > h.idPos {
			return 0, fmt.Errorf("%w: FDE at %#x points before section start", ErrMalformed, off)
		}
		cieOff = h.idPos - h.id
	} else {
		cieOff = h.id
	}
	cie, err := ctx.cieAt(cieOff)
	if err != nil {
		return 0, err
	}

	fde, err := ctx.parseFDE(h, cie)
	if err != nil {
		return 0, err
	}
	ctx.entries = append(ctx.entries, fde)
	return h.entryEnd, nil
}

// cieAt returns the CIE starting at off, parsing it if it was not seen yet.
func (ctx *parseContext) cieAt(off uint64) (*CommonInformationEntry, error) {
	if cie, ok := ctx.cies[off]; ok {
		return cie, nil
	}
	h, err := ctx.readHeader(off)
	if err != nil {
		return nil, err
	}
	if h.length == 0 || !ctx.isCIE(h) {
		return nil, fmt.Errorf("%w: no CIE at %#x", ErrMalformed, off)
	}
	cie, err := ctx.parseCIE(h)
	if err != nil {
		return nil, err
	}
	ctx.cies[off] = cie
	return cie, nil
}

func (ctx *parseContext) parseCIE(h entryHeader) (*CommonInformationEntry, error) {
	cie := &CommonInformationEntry{
		Length:     h.length,
		CIE_id:     h.id,
		staticBase: ctx.staticBase,
		ptrEncAddr: ptrEncAbs,
		ptrSize:    ctx.ptrSize,
	}
	body := ctx.data[h.bodyPos:h.entryEnd]
	buf := bytes.NewReader(body)
	malformed := func(what string) error {
		return fmt.Errorf("%w: CIE at %#x: bad %s", ErrMalformed, h.start, what)
	}

	var err error
	if cie.Version, err = buf.ReadByte(); err != nil {
		return nil, malformed("version")
	}

	aug, err := readString(buf)
	if err != nil {
		return nil, malformed("augmentation")
	}
	cie.Augmentation = aug

	if !ctx.parsingEHFrame() && cie.Version >= 4 {
		// address_size, segment_selector_size
		if _, err := buf.Seek(2, io.SeekCurrent); err != nil {
			return nil, malformed("address size")
		}
	}

	if cie.CodeAlignmentFactor, _, err = leb128.DecodeUnsigned(buf); err != nil {
		return nil, malformed("code alignment factor")
	}
	if cie.DataAlignmentFactor, _, err = leb128.DecodeSigned(buf); err != nil {
		return nil, malformed("data alignment factor")
	}
	if cie.Version == 1 {
		b, err := buf.ReadByte()
		if err != nil {
			return nil, malformed("return address register")
		}
		cie.ReturnAddressRegister = uint64(b)
	} else if cie.ReturnAddressRegister, _, err = leb128.DecodeUnsigned(buf); err != nil {
		return nil, malformed("return address register")
	}

	if len(aug) > 0 {
		if aug[0] != 'z' {
			return nil, fmt.Errorf("%w: CIE at %#x: unsupported augmentation %q", ErrMalformed, h.start, aug)
		}
		augLen, _, err := leb128.DecodeUnsigned(buf)
		if err != nil {
			return nil, malformed("augmentation length")
		}
		augStart := int64(len(body)) - int64(buf.Len())
		augEnd := augStart + int64(augLen)
		if augEnd > int64(len(body)) {
			return nil, malformed("augmentation data")
		}
	augLoop:
		for _, c := range aug[1:] {
			switch c {
			case 'L':
				if _, err := buf.ReadByte(); err != nil {
					return nil, malformed("LSDA encoding")
				}
			case 'P':
				enc, err := buf.ReadByte()
				if err != nil {
					return nil, malformed("personality encoding")
				}
				pos := ctx.ehFrameAddr + h.bodyPos + uint64(int64(len(body))-int64(buf.Len()))
				if _, err := ctx.readEncodedPtr(buf, ptrEnc(enc)&^ptrEncIndirect, pos); err != nil {
					return nil, malformed("personality pointer")
				}
			case 'R':
				enc, err := buf.ReadByte()
				if err != nil {
					return nil, malformed("FDE encoding")
				}
				cie.ptrEncAddr = ptrEnc(enc)
				if !cie.ptrEncAddr.Supported() {
					return nil, fmt.Errorf("%w: CIE at %#x: unsupported pointer encoding %#x", ErrMalformed, h.start, enc)
				}
			case 'S':
				// signal frame, nothing to read
			default:
				// Unknown augmentation, skip the remaining data.
				break augLoop
			}
		}
		if _, err := buf.Seek(augEnd, io.SeekStart); err != nil {
			return nil, malformed("augmentation data")
		}
	}

	// The rest of this entry consists of the instructions.
	cie.InitialInstructions = body[int64(len(body))-int64(buf.Len()):]
	return cie, nil
}

func (ctx *parseContext) parseFDE(h entryHeader, cie *CommonInformationEntry) (*FrameDescriptionEntry, error) {
	body := ctx.data[h.bodyPos:h.entryEnd]
	buf := bytes.NewReader(body)
	fde := &FrameDescriptionEntry{Length: h.length, CIE: cie}

	enc := cie.ptrEncAddr
	if !ctx.parsingEHFrame() {
		enc = ptrEncAbs
	}

	begin, err := ctx.readEncodedPtr(buf, enc, ctx.ehFrameAddr+h.bodyPos)
	if err != nil {
		return nil, fmt.Errorf("%w: FDE at %#x: bad initial location", ErrMalformed, h.start)
	}
	// The address range never carries the relative flags.
	size, err := ctx.readEncodedPtr(buf, enc&0x0f, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: FDE at %#x: bad address range", ErrMalformed, h.start)
	}
	fde.begin = begin + ctx.staticBase
	fde.size = size

	if ctx.parsingEHFrame() && len(cie.Augmentation) > 0 && cie.Augmentation[0] == 'z' {
		augLen, _, err := leb128.DecodeUnsigned(buf)
		if err != nil || augLen > uint64(buf.Len()) {
			return nil, fmt.Errorf("%w: FDE at %#x: bad augmentation data", ErrMalformed, h.start)
		}
		if _, err := buf.Seek(int64(augLen), io.SeekCurrent); err != nil {
			return nil, err
		}
	}

	fde.Instructions = body[int64(len(body))-int64(buf.Len()):]
	return fde, nil
}

// readEncodedPtr reads a pointer encoded with enc. pos is the address at
// which the value is stored, used by pc-relative encodings.
func (ctx *parseContext) readEncodedPtr(buf *bytes.Reader, enc ptrEnc, pos uint64) (uint64, error) {
	if enc == ptrEncOmit {
		return 0, nil
	}
	if !enc.Supported() {
		return 0, fmt.Errorf("unsupported pointer encoding %#x", uint8(enc))
	}

	var (
		v   uint64
		err error
	)
	switch enc & 0x0f {
	case ptrEncAbs, ptrEncSigned:
		v, err = readUint(buf, ctx.order, ctx.ptrSize)
		if err == nil && enc&0x0f == ptrEncSigned && ctx.ptrSize == 4 {
			v = uint64(int64(int32(v)))
		}
	case ptrEncUleb:
		v, _, err = leb128.DecodeUnsigned(buf)
	case ptrEncUdata2:
		v, err = readUint(buf, ctx.order, 2)
	case ptrEncUdata4:
		v, err = readUint(buf, ctx.order, 4)
	case ptrEncUdata8:
		v, err = readUint(buf, ctx.order, 8)
	case ptrEncSleb:
		var n int64
		n, _, err = leb128.DecodeSigned(buf)
		v = uint64(n)
	case ptrEncSdata2:
		v, err = readUint(buf, ctx.order, 2)
		v = uint64(int64(int16(v)))
	case ptrEncSdata4:
		v, err = readUint(buf, ctx.order, 4)
		v = uint64(int64(int32(v)))
	case ptrEncSdata8:
		v, err = readUint(buf, ctx.order, 8)
	}
	if err != nil {
		return 0, err
	}

	if enc&ptrEncFlagsMask == ptrEncPCRel {
		v += pos
	}
	return v, nil
}

func readUint(buf io.Reader, order binary.ByteOrder, size int) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(buf, b[:size]); err != nil {
		return 0, err
	}
	switch size {
	case 2:
		return uint64(order.Uint16(b[:])), nil
	case 4:
		return uint64(order.Uint32(b[:])), nil
	case 8:
		return order.Uint64(b[:]), nil
	}
	return 0, fmt.Errorf("unsupported integer size %d", size)
}

func readString(buf *bytes.Reader) (string, error) {
	var s []byte
	for {
		b, err := buf.ReadByte()
		if err != nil {
			return "", err
		}
		if b == 0 {
			return string(s), nil
		}
		s = append(s, b)
	}
}
