package zwal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriterAssignsMonotonicLSNs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	w, err := OpenWriter(path)
	require.NoError(t, err)
	defer w.Close()

	lsn1, err := w.Append(Record{Type: Insert, Block: 7, Tuple: []byte("row-a")})
	require.NoError(t, err)
	lsn2, err := w.Append(Record{Type: Delete, Block: 7})
	require.NoError(t, err)

	require.Equal(t, uint64(1), lsn1)
	require.Equal(t, uint64(2), lsn2)
}

func TestWriterPersistsToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	w, err := OpenWriter(path)
	require.NoError(t, err)

	_, err = w.Append(Record{Type: UndoMeta, Log: 3, InsertPoint: 128})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Greater(t, info.Size(), int64(0))
}

func TestEncodeIncludesBlobBytes(t *testing.T) {
	rec := Record{
		Type:     Update,
		Block:    42,
		Tuple:    []byte("new-image"),
		OldTuple: []byte("old-image"),
		Ranges:   []uint32{1, 2, 3, 4},
		InPlace:  true,
	}
	buf := encode(rec)
	require.NotEmpty(t, buf)
	// LSN(8) + type(1) + block(4) + offset(2) + newtid(4+2) = 21 bytes before the blob
	require.Greater(t, len(buf), 21+len(rec.Tuple)+len(rec.OldTuple))
}
