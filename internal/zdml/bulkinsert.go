package zdml

import (
	"github.com/zheapdb/zheap/internal/zerrors"
	"github.com/zheapdb/zheap/internal/zid"
	"github.com/zheapdb/zheap/internal/zpage"
	"github.com/zheapdb/zheap/internal/zptr"
	"github.com/zheapdb/zheap/internal/zundo"
	"github.com/zheapdb/zheap/internal/zwal"
)

// BulkInsert implements spec.md §4.5's "Bulk insert (copy)" operation:
// place every tuple in order, then coalesce the consecutive offsets
// they occupied into contiguous ranges, recording the whole run in
// one multi-insert undo record.
func (k *Kernel) BulkInsert(p *zpage.Page, block uint32, xid zid.Xid, tuples [][]byte) ([]zptr.Tid, error) {
	if len(tuples) == 0 {
		return nil, nil
	}

	k.pages.Lock(block)
	defer k.pages.Unlock(block)

	representative := zptr.Tid{Block: block, Offset: 1}
	slotIdx, err := k.slots.FindOrAllocate(p, xid, k.relationID, representative, false)
	if err != nil {
		return nil, err
	}

	tids := make([]zptr.Tid, 0, len(tuples))
	var ranges []zundo.OffsetRange
	var run *zundo.OffsetRange

	for _, tuple := range tuples {
		lineIdx, err := p.AppendLinePointer()
		if err != nil {
			return nil, zerrors.Wrap(zerrors.OutOfPageSpace, err, "bulk insert: no room for line pointer")
		}
		offsetIdx := uint16(lineIdx) + 1

		hdr := newTupleHeader(slotIdx)
		buf := packTuple(hdr, tuple)
		offset, err := p.PlaceTuple(buf)
		if err != nil {
			return nil, zerrors.Wrap(zerrors.OutOfPageSpace, err, "bulk insert: no room for tuple body")
		}
		p.SetLinePointer(lineIdx, zpage.LinePointer{State: zpage.Normal, Offset: offset, Length: uint16(len(buf))})

		tids = append(tids, zptr.Tid{Block: block, Offset: offsetIdx})
		if run != nil && offsetIdx == run.End+1 {
			run.End = offsetIdx
		} else {
			if run != nil {
				ranges = append(ranges, *run)
			}
			run = &zundo.OffsetRange{Start: offsetIdx, End: offsetIdx}
		}
	}
	if run != nil {
		ranges = append(ranges, *run)
	}

	slot := p.Slot(slotIdx)
	backLink := k.txn.LastUndoPtr(xid)
	ptr, err := k.undo.AppendMultiInsert(k.relationID, tids[0], xid, backLink, slot.LastPtr, ranges)
	if err != nil {
		return nil, err
	}
	p.SetSlot(slotIdx, zpage.Slot{Xid: xid, LastPtr: ptr})
	k.txn.SetLastUndoPtr(xid, ptr)

	if k.wal != nil {
		flat := make([]uint32, 0, len(ranges)*2)
		for _, rg := range ranges {
			flat = append(flat, uint32(rg.Start), uint32(rg.End))
		}
		if _, err := k.wal.Append(zwal.Record{Type: zwal.MultiInsert, Block: block, Ranges: flat}); err != nil {
			return nil, err
		}
	}
	return tids, nil
}
