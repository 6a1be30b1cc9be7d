package zvisibility

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zheapdb/zheap/internal/zid"
	"github.com/zheapdb/zheap/internal/zpage"
	"github.com/zheapdb/zheap/internal/zptr"
	"github.com/zheapdb/zheap/internal/zundo"
)

type fakeFetcher struct {
	records map[zptr.UndoPtr]zundo.Record
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{records: map[zptr.UndoPtr]zundo.Record{}}
}

func (f *fakeFetcher) put(ptr zptr.UndoPtr, rec zundo.Record) {
	f.records[ptr] = rec
}

func (f *fakeFetcher) Fetch(ptr zptr.UndoPtr) (zundo.Record, error) {
	rec, ok := f.records[ptr]
	if !ok {
		return zundo.Record{}, errors.New("fakeFetcher: record not found")
	}
	return rec, nil
}

func placeTuple(t *testing.T, p *zpage.Page, slotIdx uint8, payload []byte) (int, zpage.LinePointer) {
	var hdr zpage.TupleHeader
	hdr.SlotIndex = slotIdx
	buf := make([]byte, zpage.TupleHeaderSize+len(payload))
	hdr.PutBytes(buf)
	copy(buf[zpage.TupleHeaderSize:], payload)

	idx, err := p.AppendLinePointer()
	require.NoError(t, err)
	off, err := p.PlaceTuple(buf)
	require.NoError(t, err)
	lp := zpage.LinePointer{State: zpage.Normal, Offset: off, Length: uint16(len(buf))}
	p.SetLinePointer(idx, lp)
	return idx, lp
}

func TestResolveVisibleInsert(t *testing.T) {
	p := zpage.New(zpage.DefaultSize, 4)
	inserter := zid.NewXid(0, 5)

	idx, _ := placeTuple(t, p, 1, []byte("a"))
	tid := zptr.NewTid(1, uint16(idx+1))
	ptr := zptr.NewUndoPtr(0, 1)
	p.SetSlot(1, zpage.Slot{Xid: inserter, LastPtr: ptr})

	f := newFakeFetcher()
	f.put(ptr, zundo.Record{Type: zundo.Insert, Tid: tid, Xid: inserter, PagePrev: zptr.Nil})

	snap := NewSnapshot(zid.NewXid(0, 100), zid.NewXid(0, 0), zid.NewXid(0, 200), nil)
	out, err := Resolve(p, tid, snap, f)
	require.NoError(t, err)
	require.True(t, out.Visible)
}

func TestResolveInvisibleInsert(t *testing.T) {
	p := zpage.New(zpage.DefaultSize, 4)
	inserter := zid.NewXid(0, 50)

	idx, _ := placeTuple(t, p, 1, []byte("a"))
	tid := zptr.NewTid(1, uint16(idx+1))
	ptr := zptr.NewUndoPtr(0, 1)
	p.SetSlot(1, zpage.Slot{Xid: inserter, LastPtr: ptr})

	f := newFakeFetcher()
	f.put(ptr, zundo.Record{Type: zundo.Insert, Tid: tid, Xid: inserter, PagePrev: zptr.Nil})

	// Snapshot taken before the inserter's xid: it's in the active set.
	snap := NewSnapshot(zid.NewXid(0, 10), zid.NewXid(0, 10), zid.NewXid(0, 60), []zid.Xid{inserter})
	out, err := Resolve(p, tid, snap, f)
	require.NoError(t, err)
	require.False(t, out.Visible)
}

func TestResolveDeleteNotYetVisible(t *testing.T) {
	p := zpage.New(zpage.DefaultSize, 4)
	inserter := zid.NewXid(0, 5)
	deleter := zid.NewXid(0, 20)

	idx, lp := placeTuple(t, p, 1, []byte("a"))
	tid := zptr.NewTid(1, uint16(idx+1))
	insPtr := zptr.NewUndoPtr(0, 1)
	delPtr := zptr.NewUndoPtr(0, 2)

	f := newFakeFetcher()
	f.put(insPtr, zundo.Record{Type: zundo.Insert, Tid: tid, Xid: inserter, PagePrev: zptr.Nil})
	f.put(delPtr, zundo.Record{Type: zundo.Delete, Tid: tid, Xid: deleter, PagePrev: insPtr, PriorImage: p.ReadTuple(lp.Offset, lp.Length)})

	// Mark line pointer deleted, carrying slot index 1.
	p.SetLinePointer(idx, zpage.LinePointer{State: zpage.Deleted, Offset: 1})
	p.SetSlot(1, zpage.Slot{Xid: deleter, LastPtr: delPtr})

	// Snapshot predates the deleter: should still see the row.
	snap := NewSnapshot(zid.NewXid(0, 10), zid.NewXid(0, 10), zid.NewXid(0, 30), []zid.Xid{deleter})
	out, err := Resolve(p, tid, snap, f)
	require.NoError(t, err)
	require.True(t, out.Visible)
}

func TestResolveDeleteVisibleHidesRow(t *testing.T) {
	p := zpage.New(zpage.DefaultSize, 4)
	inserter := zid.NewXid(0, 5)
	deleter := zid.NewXid(0, 20)

	idx, lp := placeTuple(t, p, 1, []byte("a"))
	tid := zptr.NewTid(1, uint16(idx+1))
	insPtr := zptr.NewUndoPtr(0, 1)
	delPtr := zptr.NewUndoPtr(0, 2)

	f := newFakeFetcher()
	f.put(insPtr, zundo.Record{Type: zundo.Insert, Tid: tid, Xid: inserter, PagePrev: zptr.Nil})
	f.put(delPtr, zundo.Record{Type: zundo.Delete, Tid: tid, Xid: deleter, PagePrev: insPtr, PriorImage: p.ReadTuple(lp.Offset, lp.Length)})

	p.SetLinePointer(idx, zpage.LinePointer{State: zpage.Deleted, Offset: 1})
	p.SetSlot(1, zpage.Slot{Xid: deleter, LastPtr: delPtr})

	// Snapshot after the deleter committed: row is hidden.
	snap := NewSnapshot(zid.NewXid(0, 100), zid.NewXid(0, 100), zid.NewXid(0, 200), nil)
	out, err := Resolve(p, tid, snap, f)
	require.NoError(t, err)
	require.False(t, out.Visible)
}

// TestResolveSlotReuseRecoversPriorOccupantXid is spec.md §8 scenario
// 5: a slot-reuse record must hand visibility decisions off to the
// prior occupant's own chain, not the recycling transaction's Xid.
func TestResolveSlotReuseRecoversPriorOccupantXid(t *testing.T) {
	p := zpage.New(zpage.DefaultSize, 4)
	original := zid.NewXid(0, 5)
	recycler := zid.NewXid(0, 50)

	var hdr zpage.TupleHeader
	hdr.SlotIndex = 1
	hdr.SetSlotReused(true)
	payload := []byte("a")
	buf := make([]byte, zpage.TupleHeaderSize+len(payload))
	hdr.PutBytes(buf)
	copy(buf[zpage.TupleHeaderSize:], payload)

	idx, err := p.AppendLinePointer()
	require.NoError(t, err)
	off, err := p.PlaceTuple(buf)
	require.NoError(t, err)
	lp := zpage.LinePointer{State: zpage.Normal, Offset: off, Length: uint16(len(buf))}
	p.SetLinePointer(idx, lp)
	tid := zptr.NewTid(1, uint16(idx+1))

	insPtr := zptr.NewUndoPtr(0, 1)
	reusePtr := zptr.NewUndoPtr(0, 2)

	f := newFakeFetcher()
	f.put(insPtr, zundo.Record{Type: zundo.Insert, Tid: tid, Xid: original, PagePrev: zptr.Nil})
	f.put(reusePtr, zundo.Record{Type: zundo.SlotReuse, Tid: tid, Xid: recycler, PriorOccupant: original, PriorOccupantPtr: insPtr})

	// The slot now belongs to the recycling transaction; only the
	// slot-reuse record (reached via the tuple's slot-reused bit)
	// remembers that the original inserter used to hold it.
	p.SetSlot(1, zpage.Slot{Xid: recycler, LastPtr: reusePtr})

	// Snapshot predates the original inserter: the row must resolve as
	// invisible by following the chain to the original's real Xid, not
	// by consulting the recycler's Xid (which would be a different,
	// unrelated visibility decision).
	snap := NewSnapshot(zid.NewXid(0, 1), zid.NewXid(0, 1), zid.NewXid(0, 2), []zid.Xid{original})
	out, err := Resolve(p, tid, snap, f)
	require.NoError(t, err)
	require.False(t, out.Visible)
}

// TestResolveSlotReuseIsVisibleWhenPriorOccupantCommittedBeforeSnapshot
// confirms the chain also resolves to visible when the reader's
// snapshot postdates the original occupant's commit: slot recycling
// is metadata-only and must not itself hide the row.
func TestResolveSlotReuseIsVisibleWhenPriorOccupantCommittedBeforeSnapshot(t *testing.T) {
	p := zpage.New(zpage.DefaultSize, 4)
	original := zid.NewXid(0, 5)
	recycler := zid.NewXid(0, 50)

	var hdr zpage.TupleHeader
	hdr.SlotIndex = 1
	hdr.SetSlotReused(true)
	payload := []byte("a")
	buf := make([]byte, zpage.TupleHeaderSize+len(payload))
	hdr.PutBytes(buf)
	copy(buf[zpage.TupleHeaderSize:], payload)

	idx, err := p.AppendLinePointer()
	require.NoError(t, err)
	off, err := p.PlaceTuple(buf)
	require.NoError(t, err)
	lp := zpage.LinePointer{State: zpage.Normal, Offset: off, Length: uint16(len(buf))}
	p.SetLinePointer(idx, lp)
	tid := zptr.NewTid(1, uint16(idx+1))

	insPtr := zptr.NewUndoPtr(0, 1)
	reusePtr := zptr.NewUndoPtr(0, 2)

	f := newFakeFetcher()
	f.put(insPtr, zundo.Record{Type: zundo.Insert, Tid: tid, Xid: original, PagePrev: zptr.Nil})
	f.put(reusePtr, zundo.Record{Type: zundo.SlotReuse, Tid: tid, Xid: recycler, PriorOccupant: original, PriorOccupantPtr: insPtr})

	p.SetSlot(1, zpage.Slot{Xid: recycler, LastPtr: reusePtr})

	snap := NewSnapshot(zid.NewXid(0, 10), zid.NewXid(0, 10), zid.NewXid(0, 40), nil)
	out, err := Resolve(p, tid, snap, f)
	require.NoError(t, err)
	require.True(t, out.Visible)
	require.Equal(t, payload, out.Image[zpage.TupleHeaderSize:])
}

func TestResolveLockDoesNotAffectVisibility(t *testing.T) {
	p := zpage.New(zpage.DefaultSize, 4)
	inserter := zid.NewXid(0, 5)
	locker := zid.NewXid(0, 6)

	idx, _ := placeTuple(t, p, 1, []byte("a"))
	tid := zptr.NewTid(1, uint16(idx+1))
	insPtr := zptr.NewUndoPtr(0, 1)
	lockPtr := zptr.NewUndoPtr(0, 2)

	f := newFakeFetcher()
	f.put(insPtr, zundo.Record{Type: zundo.Insert, Tid: tid, Xid: inserter, PagePrev: zptr.Nil})
	f.put(lockPtr, zundo.Record{Type: zundo.Lock, Tid: tid, Xid: locker, PagePrev: insPtr})
	p.SetSlot(1, zpage.Slot{Xid: locker, LastPtr: lockPtr})

	snap := NewSnapshot(zid.NewXid(0, 100), zid.NewXid(0, 0), zid.NewXid(0, 200), nil)
	out, err := Resolve(p, tid, snap, f)
	require.NoError(t, err)
	require.True(t, out.Visible)
}
