package zpage

import (
	"encoding/binary"

	"github.com/zheapdb/zheap/internal/zid"
	"github.com/zheapdb/zheap/internal/zptr"
)

// SlotSize is the fixed on-disk size of one transaction slot: an Xid
// (with epoch) plus the latest UndoPtr that transaction wrote on this
// page, mirroring the {Xid, latest UndoPtr} pair of spec.md §3.
const SlotSize = 16

// FrozenSlotIndex is the reserved sentinel meaning "all-visible; no
// undo lookup needed".
const FrozenSlotIndex uint16 = 0

// Slot is one entry of the page's transaction-slot array.
type Slot struct {
	Xid     zid.Xid
	LastPtr zptr.UndoPtr
}

func (s Slot) Empty() bool {
	return s.Xid == zid.InvalidXid
}

func (s Slot) PutBytes(buf []byte) {
	binary.BigEndian.PutUint64(buf[0:8], uint64(s.Xid))
	binary.BigEndian.PutUint64(buf[8:16], uint64(s.LastPtr))
}

func ParseSlot(buf []byte) Slot {
	return Slot{
		Xid:     zid.Xid(binary.BigEndian.Uint64(buf[0:8])),
		LastPtr: zptr.UndoPtr(binary.BigEndian.Uint64(buf[8:16])),
	}
}

// FrozenSlot is what line pointers referencing FrozenSlotIndex
// logically resolve to: no undo lookup is ever needed for it.
var FrozenSlot = Slot{Xid: zid.FrozenXid, LastPtr: zptr.Nil}
