package zdml

import (
	"github.com/zheapdb/zheap/internal/zerrors"
	"github.com/zheapdb/zheap/internal/zid"
	"github.com/zheapdb/zheap/internal/zpage"
	"github.com/zheapdb/zheap/internal/zptr"
	"github.com/zheapdb/zheap/internal/zwal"
)

// Insert implements spec.md §4.5's Insert operation: allocate an
// offset, place the tuple, write an insert-undo record with the new
// Tid.
func (k *Kernel) Insert(p *zpage.Page, block uint32, xid zid.Xid, tuple []byte) (zptr.Tid, error) {
	k.pages.Lock(block)
	defer k.pages.Unlock(block)
	return k.insertLocked(p, block, xid, tuple, false, 0)
}

// SpeculativeInsert is identical to Insert, but sets the
// speculative-insert bit on the tuple header and stores specToken in
// the undo record for later matching by CompleteSpeculative.
func (k *Kernel) SpeculativeInsert(p *zpage.Page, block uint32, xid zid.Xid, tuple []byte, specToken uint32) (zptr.Tid, error) {
	k.pages.Lock(block)
	defer k.pages.Unlock(block)
	return k.insertLocked(p, block, xid, tuple, true, specToken)
}

func (k *Kernel) insertLocked(p *zpage.Page, block uint32, xid zid.Xid, tuple []byte, speculative bool, specToken uint32) (zptr.Tid, error) {
	lineIdx, err := p.AppendLinePointer()
	if err != nil {
		return zptr.InvalidTid, zerrors.Wrap(zerrors.OutOfPageSpace, err, "insert: no room for line pointer")
	}
	tid := zptr.Tid{Block: block, Offset: uint16(lineIdx) + 1}

	slotIdx, err := k.slots.FindOrAllocate(p, xid, k.relationID, tid, false)
	if err != nil {
		return zptr.InvalidTid, err
	}
	slot := p.Slot(slotIdx)
	backLink := k.txn.LastUndoPtr(xid)

	ptr, err := k.undo.AppendInsert(k.relationID, tid, xid, backLink, slot.LastPtr, speculative, specToken)
	if err != nil {
		return zptr.InvalidTid, err
	}

	hdr := newTupleHeader(slotIdx)
	hdr.SetSpeculativeInsert(speculative)
	buf := packTuple(hdr, tuple)

	offset, err := p.PlaceTuple(buf)
	if err != nil {
		return zptr.InvalidTid, zerrors.Wrap(zerrors.OutOfPageSpace, err, "insert: no room for tuple body")
	}
	p.SetLinePointer(lineIdx, zpage.LinePointer{State: zpage.Normal, Offset: offset, Length: uint16(len(buf))})
	p.SetSlot(slotIdx, zpage.Slot{Xid: xid, LastPtr: ptr})
	k.txn.SetLastUndoPtr(xid, ptr)

	if k.wal != nil {
		if _, err := k.wal.Append(zwal.Record{Type: zwal.Insert, Block: block, NewTid: tid, Tuple: buf}); err != nil {
			return zptr.InvalidTid, err
		}
	}
	return tid, nil
}

// CompleteSpeculative resolves a speculative insert. On success it
// clears the speculative-insert bit and writes no new tuple; on
// failure it transitions the line pointer to Unused and writes an
// abort-insert undo record (a tombstone of the never-visible tuple,
// using the Delete record shape since the row never became visible
// and must simply stop existing on replay/rollback).
func (k *Kernel) CompleteSpeculative(p *zpage.Page, tid zptr.Tid, xid zid.Xid, success bool) error {
	k.pages.Lock(tid.Block)
	defer k.pages.Unlock(tid.Block)

	lineIdx := int(tid.Offset) - 1
	lp := p.LinePointer(lineIdx)
	if lp.State != zpage.Normal {
		return zerrors.Newf(zerrors.Corruption, "complete speculative: line pointer is %v, not normal", lp.State)
	}
	hdr := zpage.ParseTupleHeader(p.ReadTuple(lp.Offset, zpage.TupleHeaderSize))

	if success {
		hdr.SetSpeculativeInsert(false)
		buf := make([]byte, zpage.TupleHeaderSize)
		hdr.PutBytes(buf)
		p.WriteTupleAt(lp.Offset, buf)
		if k.wal != nil {
			if _, err := k.wal.Append(zwal.Record{Type: zwal.SpecConfirm, Block: tid.Block, Offset: tid.Offset}); err != nil {
				return err
			}
		}
		return nil
	}

	priorImage := p.ReadTuple(lp.Offset, lp.Length)
	slot := p.Slot(int(hdr.SlotIndex))
	backLink := k.txn.LastUndoPtr(xid)

	ptr, err := k.undo.AppendDelete(k.relationID, tid, xid, backLink, slot.LastPtr, priorImage)
	if err != nil {
		return err
	}
	p.SetLinePointer(lineIdx, zpage.LinePointer{State: zpage.Unused})
	p.SetSlot(int(hdr.SlotIndex), zpage.Slot{Xid: xid, LastPtr: ptr})
	k.txn.SetLastUndoPtr(xid, ptr)

	if k.wal != nil {
		if _, err := k.wal.Append(zwal.Record{Type: zwal.SpecAbort, Block: tid.Block, Offset: tid.Offset}); err != nil {
			return err
		}
	}
	return nil
}
