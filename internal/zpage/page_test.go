package zpage

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zheapdb/zheap/internal/zid"
	"github.com/zheapdb/zheap/internal/zptr"
)

func TestNewPageEmpty(t *testing.T) {
	p := New(DefaultSize, 4)
	require.Equal(t, 0, p.NumLinePointers())
	require.Equal(t, CurrentLayoutVersion, int(p.LayoutVersion))
	require.False(t, p.IsOverflowPage())
}

func TestPageFlushLoadRoundTrip(t *testing.T) {
	p := New(DefaultSize, 4)
	idx, err := p.AppendLinePointer()
	require.NoError(t, err)

	data := []byte("hello world")
	off, err := p.PlaceTuple(data)
	require.NoError(t, err)
	p.SetLinePointer(idx, LinePointer{State: Normal, Offset: off, Length: uint16(len(data))})

	p.SetSlot(1, Slot{Xid: zid.NewXid(0, 7), LastPtr: zptr.NewUndoPtr(1, 100)})

	raw := p.Flush()
	loaded, err := Load(raw)
	require.NoError(t, err)

	lp := loaded.LinePointer(idx)
	require.Equal(t, Normal, lp.State)
	require.Equal(t, data, loaded.ReadTuple(lp.Offset, lp.Length))

	s := loaded.Slot(1)
	require.Equal(t, zid.NewXid(0, 7), s.Xid)
	require.Equal(t, zptr.NewUndoPtr(1, 100), s.LastPtr)
}

func TestPageChecksumDetectsCorruption(t *testing.T) {
	p := New(DefaultSize, 4)
	raw := p.Flush()
	raw[100] ^= 0xFF
	_, err := Load(raw)
	require.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestPageOutOfSpace(t *testing.T) {
	p := New(64, 2) // tiny page, deliberately overruns quickly
	var err error
	for i := 0; i < 100; i++ {
		idx, e := p.AppendLinePointer()
		if e != nil {
			err = e
			break
		}
		_, e = p.PlaceTuple([]byte("0123456789"))
		if e != nil {
			err = e
			break
		}
		p.SetLinePointer(idx, LinePointer{State: Normal})
	}
	require.Error(t, err)
}

func TestFrozenSlot(t *testing.T) {
	p := New(DefaultSize, 4)
	s := p.Slot(int(FrozenSlotIndex))
	require.Equal(t, zid.FrozenXid, s.Xid)
}

func TestFindOrEmptySlot(t *testing.T) {
	p := New(DefaultSize, 4)
	x := zid.NewXid(0, 5)
	idx, owned, ok := p.FindOrEmptySlot(x)
	require.True(t, ok)
	require.False(t, owned)

	p.SetSlot(idx, Slot{Xid: x, LastPtr: zptr.NewUndoPtr(0, 1)})

	idx2, owned2, ok2 := p.FindOrEmptySlot(x)
	require.True(t, ok2)
	require.True(t, owned2)
	require.Equal(t, idx, idx2)
}

func TestTupleHeaderBits(t *testing.T) {
	var h TupleHeader
	h.SetInPlaceUpdated(true)
	h.SetSlotReused(true)
	h.SlotIndex = 3
	h.SetLockMode(LockExclusive)

	buf := make([]byte, TupleHeaderSize)
	h.PutBytes(buf)
	h2 := ParseTupleHeader(buf)

	require.True(t, h2.InPlaceUpdated())
	require.True(t, h2.SlotReused())
	require.Equal(t, uint8(3), h2.SlotIndex)
	require.Equal(t, LockExclusive, h2.LockMode())
	require.False(t, h2.HasLock())
}
