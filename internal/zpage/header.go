// Package zpage implements the zheap on-disk page layout: header,
// line-pointer array, transaction-slot special area, and tuple region.
package zpage

import (
	"encoding/binary"

	"github.com/zheapdb/zheap/internal/zid"
)

// DefaultSize is the typical page size used throughout the tests and
// the demo command.
const DefaultSize = 8192

// HeaderSize is the fixed size of the page header at offset 0,
// following page_header.go's fixed-byte-slice-field convention but
// packed as a single contiguous struct rather than per-field slices.
const HeaderSize = 32

// MetaFlag bits live in the header's Flags field.
const (
	FlagOverflowPage uint16 = 1 << 0 // sequential scans must skip this page
)

// Header is the fixed-layout page header, always at offset 0.
//
// Layout (big-endian, matches page_header.go's accessor convention):
//
//	0  LayoutVersion  uint16
//	2  Flags          uint16
//	4  LSN            uint64
//	12 PruneXidHint   uint64 (zid.Xid)
//	20 Lower          uint16  (end of line-pointer array)
//	22 Upper          uint16  (start of tuple region)
//	24 SpecialStart   uint16  (start of special area)
//	26 NumSlots       uint16
//	28 OverflowBlock  uint32  (0 = none)
type Header struct {
	LayoutVersion uint16
	Flags         uint16
	LSN           uint64
	PruneXidHint  zid.Xid
	Lower         uint16
	Upper         uint16
	SpecialStart  uint16
	NumSlots      uint16
	OverflowBlock uint32
}

// CurrentLayoutVersion is bumped whenever the on-disk header shape
// changes incompatibly.
const CurrentLayoutVersion = 1

func (h *Header) IsOverflowPage() bool {
	return h.Flags&FlagOverflowPage != 0
}

func (h *Header) SetOverflowPage(v bool) {
	if v {
		h.Flags |= FlagOverflowPage
	} else {
		h.Flags &^= FlagOverflowPage
	}
}

func (h *Header) PutBytes(buf []byte) {
	if len(buf) < HeaderSize {
		panic("zpage: header buffer too small")
	}
	binary.BigEndian.PutUint16(buf[0:2], h.LayoutVersion)
	binary.BigEndian.PutUint16(buf[2:4], h.Flags)
	binary.BigEndian.PutUint64(buf[4:12], h.LSN)
	binary.BigEndian.PutUint64(buf[12:20], uint64(h.PruneXidHint))
	binary.BigEndian.PutUint16(buf[20:22], h.Lower)
	binary.BigEndian.PutUint16(buf[22:24], h.Upper)
	binary.BigEndian.PutUint16(buf[24:26], h.SpecialStart)
	binary.BigEndian.PutUint16(buf[26:28], h.NumSlots)
	binary.BigEndian.PutUint32(buf[28:32], h.OverflowBlock)
}

func ParseHeader(buf []byte) Header {
	if len(buf) < HeaderSize {
		panic("zpage: header buffer too small")
	}
	return Header{
		LayoutVersion: binary.BigEndian.Uint16(buf[0:2]),
		Flags:         binary.BigEndian.Uint16(buf[2:4]),
		LSN:           binary.BigEndian.Uint64(buf[4:12]),
		PruneXidHint:  zid.Xid(binary.BigEndian.Uint64(buf[12:20])),
		Lower:         binary.BigEndian.Uint16(buf[20:22]),
		Upper:         binary.BigEndian.Uint16(buf[22:24]),
		SpecialStart:  binary.BigEndian.Uint16(buf[24:26]),
		NumSlots:      binary.BigEndian.Uint16(buf[26:28]),
		OverflowBlock: binary.BigEndian.Uint32(buf[28:32]),
	}
}
