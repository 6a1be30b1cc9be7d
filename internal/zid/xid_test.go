package zid

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestXidPrecedes(t *testing.T) {
	a := NewXid(0, 10)
	b := NewXid(0, 20)
	require.True(t, a.Precedes(b))
	require.False(t, b.Precedes(a))
	require.True(t, a.PrecedesOrEquals(a))
}

func TestXidPrecedesAcrossEpoch(t *testing.T) {
	a := NewXid(0, 0xFFFFFFF0)
	b := NewXid(1, 10)
	require.True(t, a.Precedes(b))
}

func TestAllocatorMonotonic(t *testing.T) {
	a := NewAllocator()
	prev := a.Next()
	for i := 0; i < 1000; i++ {
		cur := a.Next()
		require.True(t, prev.Precedes(cur), "expected %s to precede %s", prev, cur)
		prev = cur
	}
}

func TestAllocatorWraparound(t *testing.T) {
	a := &Allocator{}
	a.counter.Store(0xFFFFFFFE)
	first := a.Next()
	require.Equal(t, uint32(0xFFFFFFFF), first.Counter())
	require.Equal(t, uint32(0), first.Epoch())

	second := a.Next()
	require.Equal(t, uint32(1), second.Epoch())
	require.True(t, first.Precedes(second))
}
