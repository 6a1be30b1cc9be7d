package zdml

import (
	"github.com/zheapdb/zheap/internal/zerrors"
	"github.com/zheapdb/zheap/internal/zid"
	"github.com/zheapdb/zheap/internal/zpage"
	"github.com/zheapdb/zheap/internal/zptr"
	"github.com/zheapdb/zheap/internal/zwal"
)

// IndexCoverage reports whether some index without delete-marking
// covers a column that differs between oldBody and newBody, which
// forces a non-in-place update even when the new image would
// otherwise fit. The DML kernel has no schema/index knowledge of its
// own, so the caller (the index-AM layer) supplies this predicate.
type IndexCoverage func(relationID uint64, oldBody, newBody []byte) bool

// Update implements spec.md §4.5's Update operation. If the new image
// fits in the space the current tuple occupies (its aligned length) and
// no covering index forces a delete-mark, it performs an in-place
// update. A larger new image always takes the non-in-place path, even
// when the page has enough free space to grow the tuple in place.
// Otherwise it performs a non-in-place
// update (delete on the origin, insert on the destination, which here
// is always the same page the kernel was given — the buffer manager
// decides page routing, outside the DML kernel's scope).
func (k *Kernel) Update(p *zpage.Page, tid zptr.Tid, xid zid.Xid, newBody []byte, coverage IndexCoverage) (zptr.Tid, error) {
	k.pages.Lock(tid.Block)
	defer k.pages.Unlock(tid.Block)

	lineIdx := int(tid.Offset) - 1
	lp := p.LinePointer(lineIdx)
	if lp.State != zpage.Normal {
		return zptr.InvalidTid, zerrors.Newf(zerrors.Corruption, "update: line pointer is %v, not normal", lp.State)
	}
	oldHdr := zpage.ParseTupleHeader(p.ReadTuple(lp.Offset, zpage.TupleHeaderSize))
	oldImage := p.ReadTuple(lp.Offset, lp.Length)
	oldBody := oldImage[zpage.TupleHeaderSize:]

	newAligned := zpage.AlignUp(zpage.TupleHeaderSize + len(newBody))
	fitsInPlace := newAligned <= zpage.AlignUp(len(oldImage))
	covered := coverage != nil && coverage(k.relationID, oldBody, newBody)

	slotIdx, err := k.slots.FindOrAllocate(p, xid, k.relationID, tid, false)
	if err != nil {
		return zptr.InvalidTid, err
	}
	slot := p.Slot(slotIdx)
	backLink := k.txn.LastUndoPtr(xid)

	if fitsInPlace && !covered {
		return tid, k.inPlaceUpdate(p, lineIdx, lp, tid, xid, slotIdx, oldHdr, oldImage, backLink, slot.LastPtr, newBody)
	}
	return k.nonInPlaceUpdate(p, lineIdx, tid, xid, slotIdx, oldImage, backLink, slot.LastPtr, newBody)
}

func (k *Kernel) inPlaceUpdate(p *zpage.Page, lineIdx int, lp zpage.LinePointer, tid zptr.Tid, xid zid.Xid, slotIdx int, oldHdr zpage.TupleHeader, oldImage []byte, backLink, pagePrev zptr.UndoPtr, newBody []byte) error {
	ptr, err := k.undo.AppendInPlaceUpdate(k.relationID, tid, xid, backLink, pagePrev, oldImage)
	if err != nil {
		return err
	}

	newHdr := oldHdr
	newHdr.SlotIndex = uint8(slotIdx)
	newHdr.SetInPlaceUpdated(true)
	buf := packTuple(newHdr, newBody)
	p.WriteTupleAt(lp.Offset, buf)
	p.SetLinePointer(lineIdx, zpage.LinePointer{State: zpage.Normal, Offset: lp.Offset, Length: uint16(len(buf))})
	p.SetSlot(slotIdx, zpage.Slot{Xid: xid, LastPtr: ptr})
	k.txn.SetLastUndoPtr(xid, ptr)

	if k.wal != nil {
		if _, err := k.wal.Append(zwal.Record{Type: zwal.Update, Block: tid.Block, Offset: tid.Offset, NewTid: tid, Tuple: buf, OldTuple: oldImage, InPlace: true}); err != nil {
			return err
		}
	}
	return nil
}

func (k *Kernel) nonInPlaceUpdate(p *zpage.Page, originLineIdx int, originTid zptr.Tid, xid zid.Xid, originSlotIdx int, oldImage []byte, backLink, pagePrev zptr.UndoPtr, newBody []byte) (zptr.Tid, error) {
	destLineIdx, err := p.AppendLinePointer()
	if err != nil {
		return zptr.InvalidTid, zerrors.Wrap(zerrors.OutOfPageSpace, err, "update: no room for destination line pointer")
	}
	destTid := zptr.Tid{Block: originTid.Block, Offset: uint16(destLineIdx) + 1}

	originPtr, err := k.undo.AppendNonInPlaceUpdate(k.relationID, originTid, xid, backLink, pagePrev, oldImage, destTid)
	if err != nil {
		return zptr.InvalidTid, err
	}
	p.SetLinePointer(originLineIdx, zpage.LinePointer{State: zpage.Deleted, Offset: uint16(originSlotIdx)})
	p.SetSlot(originSlotIdx, zpage.Slot{Xid: xid, LastPtr: originPtr})
	k.txn.SetLastUndoPtr(xid, originPtr)

	destSlotIdx, err := k.slots.FindOrAllocate(p, xid, k.relationID, destTid, false)
	if err != nil {
		return zptr.InvalidTid, err
	}
	destSlot := p.Slot(destSlotIdx)

	destPtr, err := k.undo.AppendInsert(k.relationID, destTid, xid, k.txn.LastUndoPtr(xid), destSlot.LastPtr, false, 0)
	if err != nil {
		return zptr.InvalidTid, err
	}
	p.SetSlot(destSlotIdx, zpage.Slot{Xid: xid, LastPtr: destPtr})
	k.txn.SetLastUndoPtr(xid, destPtr)

	hdr := newTupleHeader(destSlotIdx)
	buf := packTuple(hdr, newBody)
	offset, err := p.PlaceTuple(buf)
	if err != nil {
		return zptr.InvalidTid, zerrors.Wrap(zerrors.OutOfPageSpace, err, "update: no room for destination tuple body")
	}
	p.SetLinePointer(destLineIdx, zpage.LinePointer{State: zpage.Normal, Offset: offset, Length: uint16(len(buf))})

	if k.wal != nil {
		if _, err := k.wal.Append(zwal.Record{Type: zwal.Update, Block: originTid.Block, Offset: originTid.Offset, NewTid: destTid, Tuple: buf, OldTuple: oldImage, InPlace: false}); err != nil {
			return zptr.InvalidTid, err
		}
	}
	return destTid, nil
}
