package zrollback

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zheapdb/zheap/internal/zdml"
	"github.com/zheapdb/zheap/internal/zid"
	"github.com/zheapdb/zheap/internal/zpage"
	"github.com/zheapdb/zheap/internal/zptr"
	"github.com/zheapdb/zheap/internal/zundo"
	"github.com/zheapdb/zheap/internal/zwal"
)

type fakeUndoFetcher struct {
	mu      sync.Mutex
	records map[zptr.UndoPtr]zundo.Record
}

func newFakeUndoFetcher() *fakeUndoFetcher {
	return &fakeUndoFetcher{records: map[zptr.UndoPtr]zundo.Record{}}
}

func (f *fakeUndoFetcher) put(ptr zptr.UndoPtr, rec zundo.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[ptr] = rec
}

func (f *fakeUndoFetcher) Fetch(ptr zptr.UndoPtr) (zundo.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[ptr], nil
}

type fakePages struct {
	mu    sync.Mutex
	pages map[uint32]*zpage.Page
}

func newFakePages() *fakePages {
	return &fakePages{pages: map[uint32]*zpage.Page{}}
}

func (f *fakePages) Fetch(block uint32) (*zpage.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pages[block], nil
}

func (f *fakePages) MarkDirty(block uint32) {}

type fakeWAL struct {
	mu      sync.Mutex
	records []zwal.Record
}

func (f *fakeWAL) Append(rec zwal.Record) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return uint64(len(f.records)), nil
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

func TestRollbackUndoesInsert(t *testing.T) {
	p := zpage.New(zpage.DefaultSize, 4)
	xid := zid.NewXid(0, 5)

	idx, _ := placeTuple(t, p, 1, []byte("abc"))
	tid := zptr.NewTid(1, uint16(idx+1))
	ptr := zptr.NewUndoPtr(1, 1)
	p.SetSlot(1, zpage.Slot{Xid: xid, LastPtr: ptr})

	undo := newFakeUndoFetcher()
	undo.put(ptr, zundo.Record{Type: zundo.Insert, Tid: tid, Xid: xid, BackLink: zptr.Nil, PagePrev: zptr.Nil})

	pages := newFakePages()
	pages.pages[1] = p
	wal := &fakeWAL{}

	e := NewEngine(7, undo, wal, pages, zdml.NewPageLocker(), DefaultWindowSize, nil)
	err := e.Rollback(context.Background(), xid, ptr, nil)
	require.NoError(t, err)

	require.Equal(t, zpage.Unused, p.LinePointer(idx).State)
	require.True(t, p.Slot(1).Empty())
	require.Len(t, wal.records, 1)
	require.Equal(t, zwal.UndoApply, wal.records[0].Type)
}

func TestRollbackUndoesDeleteRestoringPriorImage(t *testing.T) {
	p := zpage.New(zpage.DefaultSize, 4)
	inserter := zid.NewXid(0, 1)
	deleter := zid.NewXid(0, 2)

	idx, lp := placeTuple(t, p, 1, []byte("original"))
	priorImage := p.ReadTuple(lp.Offset, lp.Length)
	tid := zptr.NewTid(1, uint16(idx+1))

	insPtr := zptr.NewUndoPtr(1, 1)
	delPtr := zptr.NewUndoPtr(1, 2)

	undo := newFakeUndoFetcher()
	undo.put(insPtr, zundo.Record{Type: zundo.Insert, Tid: tid, Xid: inserter, BackLink: zptr.Nil, PagePrev: zptr.Nil})
	undo.put(delPtr, zundo.Record{Type: zundo.Delete, Tid: tid, Xid: deleter, BackLink: zptr.Nil, PagePrev: zptr.Nil, PriorImage: priorImage})

	p.SetLinePointer(idx, zpage.LinePointer{State: zpage.Deleted, Offset: 1})
	p.SetSlot(1, zpage.Slot{Xid: deleter, LastPtr: delPtr})

	pages := newFakePages()
	pages.pages[1] = p
	wal := &fakeWAL{}

	e := NewEngine(7, undo, wal, pages, zdml.NewPageLocker(), DefaultWindowSize, nil)
	err := e.Rollback(context.Background(), deleter, delPtr, nil)
	require.NoError(t, err)

	restored := p.LinePointer(idx)
	require.Equal(t, zpage.Normal, restored.State)
	require.Equal(t, priorImage, p.ReadTuple(restored.Offset, restored.Length))
	require.True(t, p.Slot(1).Empty())
}

func TestRollbackSkipsAlreadyAppliedRecord(t *testing.T) {
	p := zpage.New(zpage.DefaultSize, 4)
	xid := zid.NewXid(0, 5)

	idx, _ := placeTuple(t, p, 1, []byte("abc"))
	tid := zptr.NewTid(1, uint16(idx+1))
	ptr := zptr.NewUndoPtr(1, 1)

	undo := newFakeUndoFetcher()
	undo.put(ptr, zundo.Record{Type: zundo.Insert, Tid: tid, Xid: xid, BackLink: zptr.Nil, PagePrev: zptr.Nil})

	pages := newFakePages()
	pages.pages[1] = p
	wal := &fakeWAL{}

	e := NewEngine(7, undo, wal, pages, zdml.NewPageLocker(), DefaultWindowSize, nil)

	// Slot already cleared (e.g. a previous rollback attempt already
	// applied this record): Rollback must not re-apply it or error.
	require.True(t, p.Slot(1).Empty())
	err := e.Rollback(context.Background(), xid, ptr, nil)
	require.NoError(t, err)
	require.Equal(t, zpage.Normal, p.LinePointer(idx).State)
}

func TestRollbackUndoesMultiInsertRange(t *testing.T) {
	p := zpage.New(zpage.DefaultSize, 4)
	xid := zid.NewXid(0, 9)

	var idxs []int
	for i := 0; i < 3; i++ {
		idx, _ := placeTuple(t, p, 1, []byte("x"))
		idxs = append(idxs, idx)
	}
	tid := zptr.NewTid(1, uint16(idxs[0]+1))
	ptr := zptr.NewUndoPtr(1, 1)
	p.SetSlot(1, zpage.Slot{Xid: xid, LastPtr: ptr})

	undo := newFakeUndoFetcher()
	undo.put(ptr, zundo.Record{
		Type: zundo.MultiInsert, Tid: tid, Xid: xid, BackLink: zptr.Nil, PagePrev: zptr.Nil,
		Ranges: []zundo.OffsetRange{{Start: uint16(idxs[0] + 1), End: uint16(idxs[2] + 1)}},
	})

	pages := newFakePages()
	pages.pages[1] = p
	wal := &fakeWAL{}

	e := NewEngine(7, undo, wal, pages, zdml.NewPageLocker(), DefaultWindowSize, nil)
	err := e.Rollback(context.Background(), xid, ptr, nil)
	require.NoError(t, err)

	for _, idx := range idxs {
		require.Equal(t, zpage.Unused, p.LinePointer(idx).State)
	}
}

func TestRollbackRewindsSlotWhenMoreChainRemains(t *testing.T) {
	p := zpage.New(zpage.DefaultSize, 4)
	xid := zid.NewXid(0, 9)

	idx1, _ := placeTuple(t, p, 1, []byte("a"))
	idx2, _ := placeTuple(t, p, 1, []byte("b"))
	tid1 := zptr.NewTid(1, uint16(idx1+1))
	tid2 := zptr.NewTid(1, uint16(idx2+1))

	ptr1 := zptr.NewUndoPtr(1, 1) // older, head of chain
	ptr2 := zptr.NewUndoPtr(1, 2) // newer

	undo := newFakeUndoFetcher()
	undo.put(ptr1, zundo.Record{Type: zundo.Insert, Tid: tid1, Xid: xid, BackLink: zptr.Nil, PagePrev: zptr.Nil})
	undo.put(ptr2, zundo.Record{Type: zundo.Insert, Tid: tid2, Xid: xid, BackLink: ptr1, PagePrev: ptr1})

	p.SetSlot(1, zpage.Slot{Xid: xid, LastPtr: ptr2})

	pages := newFakePages()
	pages.pages[1] = p
	wal := &fakeWAL{}

	// Window size of 1 byte forces ptr2 to be applied in its own
	// window, leaving ptr1 for a second window.
	e := NewEngine(7, undo, wal, pages, zdml.NewPageLocker(), 1, nil)
	err := e.Rollback(context.Background(), xid, ptr2, nil)
	require.NoError(t, err)

	require.Equal(t, zpage.Unused, p.LinePointer(idx1).State)
	require.Equal(t, zpage.Unused, p.LinePointer(idx2).State)
	require.True(t, p.Slot(1).Empty())
}
