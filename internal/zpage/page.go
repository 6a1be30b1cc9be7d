package zpage

import (
	"encoding/binary"

	"github.com/OneOfOne/xxhash"
	"github.com/pkg/errors"

	"github.com/zheapdb/zheap/internal/zid"
	"github.com/zheapdb/zheap/internal/zptr"
)

// ChecksumSize is the trailing xxhash64 checksum appended after the
// special area on flush; spec.md is silent on checksumming, but this
// corpus's storage layers checksum pages on flush/load (see
// DESIGN.md's Open Question decision), so a page buffer is sized
// B + ChecksumSize and the checksum covers bytes [0:B).
const ChecksumSize = 8

// ErrChecksumMismatch reports a torn or corrupted page.
var ErrChecksumMismatch = errors.New("zpage: checksum mismatch")

// Page is an in-memory, mutable view of one B-byte page plus its
// trailing checksum. Line pointers grow upward from the header;
// tuples grow downward from the special area; the gap between is
// free space.
type Page struct {
	size int // B, excludes the checksum trailer
	buf  []byte
	Header
}

// New creates a fresh, empty page of the given size with numSlots
// transaction slots. numSlots counts the reserved frozen sentinel at
// index 0, so indices 1..numSlots-1 are the allocatable slots.
func New(size int, numSlots uint16) *Page {
	if size < HeaderSize+int(numSlots)*SlotSize {
		panic("zpage: page size too small for requested slot count")
	}
	p := &Page{
		size: size,
		buf:  make([]byte, size+ChecksumSize),
	}
	p.Header = Header{
		LayoutVersion: CurrentLayoutVersion,
		Lower:         HeaderSize,
		Upper:         uint16(size) - numSlots*SlotSize,
		SpecialStart:  uint16(size) - numSlots*SlotSize,
		NumSlots:      numSlots,
	}
	p.writeHeader()
	return p
}

// Load parses a previously flushed page image (size B+ChecksumSize)
// and verifies its checksum.
func Load(raw []byte) (*Page, error) {
	if len(raw) < HeaderSize+ChecksumSize {
		return nil, errors.New("zpage: buffer too small to be a page")
	}
	size := len(raw) - ChecksumSize
	p := &Page{size: size, buf: append([]byte(nil), raw...)}
	p.Header = ParseHeader(p.buf[:HeaderSize])
	if err := p.verifyChecksum(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Page) writeHeader() {
	p.Header.PutBytes(p.buf[:HeaderSize])
}

// Flush recomputes the header and checksum and returns the full
// on-disk image (size B+ChecksumSize). The returned slice aliases the
// page's internal buffer and must be copied before reuse if the page
// continues to be mutated.
func (p *Page) Flush() []byte {
	p.writeHeader()
	binary.BigEndian.PutUint64(p.buf[p.size:p.size+ChecksumSize], checksum(p.buf[:p.size]))
	return p.buf
}

func (p *Page) verifyChecksum() error {
	want := binary.BigEndian.Uint64(p.buf[p.size : p.size+ChecksumSize])
	if got := checksum(p.buf[:p.size]); want != got {
		return ErrChecksumMismatch
	}
	return nil
}

func checksum(b []byte) uint64 {
	h := xxhash.New64()
	h.Write(b)
	return h.Sum64()
}

func (p *Page) Size() int { return p.size }

// FreeSpace is the gap between the line-pointer array and the tuple
// region.
func (p *Page) FreeSpace() int {
	return int(p.Upper) - int(p.Lower)
}

// NumLinePointers returns how many line-pointer slots have been
// allocated so far.
func (p *Page) NumLinePointers() int {
	return (int(p.Lower) - HeaderSize) / LinePointerSize
}

func (p *Page) linePtrOffset(i int) int {
	return HeaderSize + i*LinePointerSize
}

// LinePointer returns the i-th line pointer (0-based internally;
// Tid.Offset is 1-based, so callers pass Tid.Offset-1).
func (p *Page) LinePointer(i int) LinePointer {
	if i < 0 || i >= p.NumLinePointers() {
		panic("zpage: line pointer index out of range")
	}
	off := p.linePtrOffset(i)
	return ParseLinePointer(p.buf[off : off+LinePointerSize])
}

func (p *Page) SetLinePointer(i int, lp LinePointer) {
	if i < 0 || i >= p.NumLinePointers() {
		panic("zpage: line pointer index out of range")
	}
	off := p.linePtrOffset(i)
	lp.PutBytes(p.buf[off : off+LinePointerSize])
}

// AppendLinePointer grows the line-pointer array by one Unused entry
// and returns its 0-based index. Fails with ErrNoLinePointerSpace if
// doing so would overrun the free-space gap.
var ErrNoLinePointerSpace = errors.New("zpage: no room to grow line pointer array")

func (p *Page) AppendLinePointer() (int, error) {
	newLower := p.Lower + LinePointerSize
	if newLower > p.Upper {
		return 0, ErrNoLinePointerSpace
	}
	idx := p.NumLinePointers()
	p.Lower = newLower
	p.SetLinePointer(idx, LinePointer{State: Unused})
	return idx, nil
}

// PlaceTuple writes data into newly claimed space at the top of the
// tuple region (aligned per TupleAlignment) and returns the byte
// offset it was placed at. Fails with ErrOutOfPageSpace if the data
// does not fit in the current free-space gap.
var ErrOutOfPageSpace = errors.New("zpage: out of page space")

func (p *Page) PlaceTuple(data []byte) (uint16, error) {
	aligned := AlignUp(len(data))
	if aligned > p.FreeSpace() {
		return 0, ErrOutOfPageSpace
	}
	newUpper := int(p.Upper) - aligned
	copy(p.buf[newUpper:newUpper+len(data)], data)
	p.Upper = uint16(newUpper)
	return p.Upper, nil
}

// ReadTuple returns a copy of length-byte data starting at offset.
// Callers must hold at least a shared page lock (enforced by the
// caller, not this type) because in-place update mutates this region
// under exclusive lock.
func (p *Page) ReadTuple(offset, length uint16) []byte {
	out := make([]byte, length)
	copy(out, p.buf[offset:int(offset)+int(length)])
	return out
}

// WriteTupleAt overwrites length bytes at offset in place (used by
// in-place update and lock's header-bit flips). data must be <= the
// original tuple's aligned length.
func (p *Page) WriteTupleAt(offset uint16, data []byte) {
	copy(p.buf[offset:int(offset)+len(data)], data)
}

func (p *Page) slotOffset(i int) int {
	return int(p.SpecialStart) + i*SlotSize
}

func (p *Page) Slot(i int) Slot {
	if i == int(FrozenSlotIndex) {
		return FrozenSlot
	}
	if i < 0 || i >= int(p.NumSlots) {
		panic("zpage: slot index out of range")
	}
	off := p.slotOffset(i)
	s := ParseSlot(p.buf[off : off+SlotSize])
	if s.Empty() {
		// A never-used or cleared slot has no per-page undo chain.
		s.LastPtr = zptr.Nil
	}
	return s
}

func (p *Page) SetSlot(i int, s Slot) {
	if i == int(FrozenSlotIndex) {
		panic("zpage: slot 0 is the frozen sentinel and is not writable")
	}
	if i < 0 || i >= int(p.NumSlots) {
		panic("zpage: slot index out of range")
	}
	off := p.slotOffset(i)
	s.PutBytes(p.buf[off : off+SlotSize])
}

// FindOrEmptySlot returns the index of a slot already owned by xid,
// or the index of the first empty (never-used) non-frozen slot. ok is
// false if neither exists (caller must then recycle or overflow).
func (p *Page) FindOrEmptySlot(xid zid.Xid) (idx int, owned bool, ok bool) {
	for i := 1; i < int(p.NumSlots); i++ {
		s := p.Slot(i)
		if s.Xid == xid {
			return i, true, true
		}
	}
	for i := 1; i < int(p.NumSlots); i++ {
		if p.Slot(i).Empty() {
			return i, false, true
		}
	}
	return 0, false, false
}
