package zpagestore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rel.zheap")
	s, err := Open(path, 512, 4)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestExtendAndFetch(t *testing.T) {
	s := newTestStore(t)
	block, p, err := s.Extend(4)
	require.NoError(t, err)
	require.Equal(t, uint32(0), block)
	require.Equal(t, uint32(1), s.NumBlocks())

	got, err := s.Fetch(block)
	require.NoError(t, err)
	require.Equal(t, p.NumSlots, got.NumSlots)
}

func TestMarkDirtyFlushPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rel.zheap")
	s, err := Open(path, 512, 4)
	require.NoError(t, err)

	block, p, err := s.Extend(4)
	require.NoError(t, err)
	off, err := p.PlaceTuple([]byte("hello"))
	require.NoError(t, err)
	s.MarkDirty(block)
	require.NoError(t, s.Flush(block))
	require.NoError(t, s.Close())

	s2, err := Open(path, 512, 4)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.Fetch(block)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got.ReadTuple(off, 5))
}

func TestEvictionFlushesDirtyPages(t *testing.T) {
	s := newTestStore(t) // capacity 4
	blocks := make([]uint32, 0, 6)
	for i := 0; i < 6; i++ {
		b, p, err := s.Extend(4)
		require.NoError(t, err)
		_, err = p.PlaceTuple([]byte("row"))
		require.NoError(t, err)
		s.MarkDirty(b)
		blocks = append(blocks, b)
	}
	// The first two blocks should have been evicted (and flushed) by now.
	got, err := s.Fetch(blocks[0])
	require.NoError(t, err)
	require.NotNil(t, got)
}
