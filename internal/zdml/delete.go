package zdml

import (
	"github.com/zheapdb/zheap/internal/zerrors"
	"github.com/zheapdb/zheap/internal/zid"
	"github.com/zheapdb/zheap/internal/zpage"
	"github.com/zheapdb/zheap/internal/zptr"
	"github.com/zheapdb/zheap/internal/zwal"
)

// Delete implements spec.md §4.5's Delete operation: write a
// delete-undo carrying the full prior tuple, clear the line pointer's
// normal state, and set it to Deleted carrying the slot index so
// readers can still find the prior version via the slot's undo chain.
func (k *Kernel) Delete(p *zpage.Page, tid zptr.Tid, xid zid.Xid) error {
	k.pages.Lock(tid.Block)
	defer k.pages.Unlock(tid.Block)

	lineIdx := int(tid.Offset) - 1
	lp := p.LinePointer(lineIdx)
	if lp.State != zpage.Normal {
		return zerrors.Newf(zerrors.Corruption, "delete: line pointer is %v, not normal", lp.State)
	}
	priorImage := p.ReadTuple(lp.Offset, lp.Length)

	slotIdx, err := k.slots.FindOrAllocate(p, xid, k.relationID, tid, false)
	if err != nil {
		return err
	}
	slot := p.Slot(slotIdx)
	backLink := k.txn.LastUndoPtr(xid)

	ptr, err := k.undo.AppendDelete(k.relationID, tid, xid, backLink, slot.LastPtr, priorImage)
	if err != nil {
		return err
	}

	p.SetLinePointer(lineIdx, zpage.LinePointer{State: zpage.Deleted, Offset: uint16(slotIdx)})
	p.SetSlot(slotIdx, zpage.Slot{Xid: xid, LastPtr: ptr})
	k.txn.SetLastUndoPtr(xid, ptr)

	if k.wal != nil {
		if _, err := k.wal.Append(zwal.Record{Type: zwal.Delete, Block: tid.Block, Offset: tid.Offset, OldTuple: priorImage}); err != nil {
			return err
		}
	}
	return nil
}
