package ztxslot

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zheapdb/zheap/internal/zid"
	"github.com/zheapdb/zheap/internal/zpage"
	"github.com/zheapdb/zheap/internal/zptr"
)

type fakeUndo struct {
	calls int
}

func (f *fakeUndo) AppendSlotReuse(relationID uint64, tid zptr.Tid, newXid, priorOccupant zid.Xid, priorPtr zptr.UndoPtr) (zptr.UndoPtr, error) {
	f.calls++
	return zptr.NewUndoPtr(0, uint64(f.calls)), nil
}

func TestFindOrAllocateEmptySlot(t *testing.T) {
	p := zpage.New(zpage.DefaultSize, 4)
	m := NewManager(func(zid.Xid) OccupantState { return InProgress }, nil, nil)

	idx, err := m.FindOrAllocate(p, zid.NewXid(0, 1), 1, zptr.NewTid(1, 1), false)
	require.NoError(t, err)
	require.Equal(t, 1, idx)
}

func TestFindOrAllocateReturnsOwned(t *testing.T) {
	p := zpage.New(zpage.DefaultSize, 4)
	x := zid.NewXid(0, 9)
	p.SetSlot(2, zpage.Slot{Xid: x, LastPtr: zptr.Nil})

	m := NewManager(func(zid.Xid) OccupantState { return InProgress }, nil, nil)
	idx, err := m.FindOrAllocate(p, x, 1, zptr.NewTid(1, 1), false)
	require.NoError(t, err)
	require.Equal(t, 2, idx)
}

func TestFindOrAllocateRecyclesCommittedNotAllVisible(t *testing.T) {
	p := zpage.New(zpage.DefaultSize, 4)
	for i := 1; i < 4; i++ {
		p.SetSlot(i, zpage.Slot{Xid: zid.NewXid(0, uint32(i)), LastPtr: zptr.NewUndoPtr(0, uint64(i))})
	}
	undo := &fakeUndo{}
	m := NewManager(func(zid.Xid) OccupantState { return CommittedNotAllVisible }, undo, nil)

	idx, err := m.FindOrAllocate(p, zid.NewXid(0, 100), 1, zptr.NewTid(1, 1), false)
	require.NoError(t, err)
	require.Equal(t, 1, undo.calls)
	require.Equal(t, zid.NewXid(0, 100), p.Slot(idx).Xid)
}

func TestFindOrAllocateSlotExhaustedForSubtransaction(t *testing.T) {
	p := zpage.New(zpage.DefaultSize, 4)
	for i := 1; i < 4; i++ {
		p.SetSlot(i, zpage.Slot{Xid: zid.NewXid(0, uint32(i)), LastPtr: zptr.NewUndoPtr(0, uint64(i))})
	}
	m := NewManager(func(zid.Xid) OccupantState { return InProgress }, nil, nil)

	_, err := m.FindOrAllocate(p, zid.NewXid(0, 100), 1, zptr.NewTid(1, 1), true)
	require.Error(t, err)
}

func TestFindOrAllocateBulkRecycleForToplevel(t *testing.T) {
	p := zpage.New(zpage.DefaultSize, 4)
	for i := 1; i < 4; i++ {
		p.SetSlot(i, zpage.Slot{Xid: zid.NewXid(0, uint32(i)), LastPtr: zptr.NewUndoPtr(0, uint64(i))})
	}
	undo := &fakeUndo{}
	m := NewManager(func(zid.Xid) OccupantState { return CommittedNotAllVisible }, undo, nil)

	idx, err := m.FindOrAllocate(p, zid.NewXid(0, 100), 1, zptr.NewTid(1, 1), false)
	require.NoError(t, err)
	require.True(t, idx >= 1 && idx <= 3)
	require.Equal(t, 3, undo.calls, "every committed-not-all-visible slot should get a slot-reuse record")
}

func TestFreezeNormalLinePointer(t *testing.T) {
	p := zpage.New(zpage.DefaultSize, 4)
	idx, err := p.AppendLinePointer()
	require.NoError(t, err)
	var hdr zpage.TupleHeader
	hdr.SlotIndex = 2
	buf := make([]byte, zpage.TupleHeaderSize+3)
	hdr.PutBytes(buf)
	off, err := p.PlaceTuple(buf)
	require.NoError(t, err)
	p.SetLinePointer(idx, zpage.LinePointer{State: zpage.Normal, Offset: off, Length: uint16(len(buf))})

	Freeze(p, idx)

	got := zpage.ParseTupleHeader(p.ReadTuple(off, zpage.TupleHeaderSize))
	require.Equal(t, uint8(zpage.FrozenSlotIndex), got.SlotIndex)
}
