package zdml

import (
	"time"

	"github.com/zheapdb/zheap/internal/zerrors"
	"github.com/zheapdb/zheap/internal/zid"
	"github.com/zheapdb/zheap/internal/zlock"
	"github.com/zheapdb/zheap/internal/zpage"
	"github.com/zheapdb/zheap/internal/zptr"
	"github.com/zheapdb/zheap/internal/zwal"
)

func toRowLockMode(m zpage.LockMode) zlock.Mode {
	if m == zpage.LockExclusive {
		return zlock.Exclusive
	}
	return zlock.Share
}

// Lock implements spec.md §4.5's Lock operation: promote the tuple's
// lock mode to the strongest currently active, set the multi-locker
// bit when more than one locker is present, and always record a lock
// undo carrying the prior header and the new lock.
func (k *Kernel) Lock(p *zpage.Page, tid zptr.Tid, xid zid.Xid, mode zpage.LockMode, waitPolicy zlock.WaitPolicy, timeout time.Duration) error {
	if err := k.rowLocks.Acquire(xid, resourceKey(k.relationID, tid), toRowLockMode(mode), waitPolicy, timeout); err != nil {
		return err
	}

	k.pages.Lock(tid.Block)
	defer k.pages.Unlock(tid.Block)

	lineIdx := int(tid.Offset) - 1
	lp := p.LinePointer(lineIdx)
	if lp.State != zpage.Normal {
		return zerrors.Newf(zerrors.Corruption, "lock: line pointer is %v, not normal", lp.State)
	}
	hdr := zpage.ParseTupleHeader(p.ReadTuple(lp.Offset, zpage.TupleHeaderSize))
	priorMask1, priorMask2 := hdr.InfoMask1, hdr.InfoMask2

	strongest := mode
	if hdr.HasLock() && hdr.LockMode() > mode {
		strongest = hdr.LockMode()
	}
	if hdr.HasLock() && hdr.LockMode() != zpage.LockNone {
		hdr.SetMultiLocker(true)
	}
	hdr.SetHasLock(true)
	hdr.SetLockMode(strongest)

	slotIdx, err := k.slots.FindOrAllocate(p, xid, k.relationID, tid, false)
	if err != nil {
		return err
	}
	slot := p.Slot(slotIdx)
	backLink := k.txn.LastUndoPtr(xid)

	ptr, err := k.undo.AppendLock(k.relationID, tid, xid, backLink, slot.LastPtr, priorMask1, priorMask2, uint8(strongest))
	if err != nil {
		return err
	}

	hdr.SlotIndex = uint8(slotIdx)
	buf := make([]byte, zpage.TupleHeaderSize)
	hdr.PutBytes(buf)
	p.WriteTupleAt(lp.Offset, buf)
	p.SetSlot(slotIdx, zpage.Slot{Xid: xid, LastPtr: ptr})
	k.txn.SetLastUndoPtr(xid, ptr)

	if k.wal != nil {
		if _, err := k.wal.Append(zwal.Record{Type: zwal.Lock, Block: tid.Block, Offset: tid.Offset, LockMode: uint8(strongest)}); err != nil {
			return err
		}
	}
	return nil
}

// Unlock releases xid's row locks previously granted by Lock. The row
// lock table is process-wide (spec.md §9); it is released
// independently of any page mutation.
func (k *Kernel) Unlock(xid zid.Xid) {
	k.rowLocks.Release(xid)
}
