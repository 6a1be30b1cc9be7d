// Package zwal defines the WAL record shapes zheap emits (spec.md
// §6) and a minimal sequential Writer sufficient to exercise and test
// the DML kernel, rollback engine, and discard tracker end-to-end.
// A production WAL subsystem is an external collaborator (spec.md
// §1); this package only needs to carry the record shapes and let the
// kernel emit "one WAL record per undo+page mutation" (invariant I5).
package zwal

import (
	"encoding/binary"
	"os"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/zheapdb/zheap/internal/zid"
	"github.com/zheapdb/zheap/internal/zptr"
)

// RecordType tags the WAL record shapes of spec.md §6.
type RecordType uint8

const (
	Insert RecordType = iota + 1
	Delete
	Update
	MultiInsert
	Lock
	SpecConfirm
	SpecAbort
	UndoMeta
	UndoApply
	Discard
)

// Record is a generic WAL entry. Fields are populated according to
// Type; unused fields are left zero, following
// redo_log_manager.go's flat {LSN, TrxID, PageID, Type, Data} shape
// generalized to zheap's richer per-type payload.
type Record struct {
	LSN   uint64
	Type  RecordType
	Block uint32

	Offset    uint16
	NewTid    zptr.Tid
	Tuple     []byte // full tuple image, or a full-page image when full-page-writes are on
	OldTuple  []byte
	Ranges    []uint32 // flattened (start,end) pairs for MultiInsert
	LockMode  uint8
	InPlace   bool
	UndoHints []byte // enough to reconstruct the undo record without the tuple

	Log           uint32
	InsertPoint   uint64
	Xid           zid.Xid
	RevertedImage []byte
	SlotState     []byte
	NewOldestData uint64
	OldestXid     zid.Xid
}

// Writer appends WAL records sequentially to a single file, assigning
// monotonically increasing LSNs, mirroring
// redo_log_manager.go's append-only-file + atomic-LSN-counter idiom.
type Writer struct {
	mu   sync.Mutex
	file *os.File
	lsn  atomic.Uint64
}

func OpenWriter(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "zwal: open %s", path)
	}
	return &Writer{file: f}, nil
}

// Append assigns the next LSN to rec, serializes it, and appends it
// to the log file, returning the assigned LSN.
func (w *Writer) Append(rec Record) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	lsn := w.lsn.Inc()
	rec.LSN = lsn

	buf := encode(rec)
	if _, err := w.file.Write(buf); err != nil {
		return 0, errors.Wrap(err, "zwal: write record")
	}
	if err := w.file.Sync(); err != nil {
		return 0, errors.Wrap(err, "zwal: sync")
	}
	return lsn, nil
}

func (w *Writer) Close() error {
	return w.file.Close()
}

func encode(r Record) []byte {
	var buf []byte
	put64 := func(v uint64) { buf = binary.BigEndian.AppendUint64(buf, v) }
	put32 := func(v uint32) { buf = binary.BigEndian.AppendUint32(buf, v) }
	put16 := func(v uint16) { buf = binary.BigEndian.AppendUint16(buf, v) }
	putBlob := func(b []byte) {
		put32(uint32(len(b)))
		buf = append(buf, b...)
	}

	put64(r.LSN)
	buf = append(buf, byte(r.Type))
	put32(r.Block)
	put16(r.Offset)
	put32(r.NewTid.Block)
	put16(r.NewTid.Offset)
	putBlob(r.Tuple)
	putBlob(r.OldTuple)
	put32(uint32(len(r.Ranges)))
	for _, v := range r.Ranges {
		put32(v)
	}
	buf = append(buf, r.LockMode)
	if r.InPlace {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	putBlob(r.UndoHints)
	put32(r.Log)
	put64(r.InsertPoint)
	put64(uint64(r.Xid))
	putBlob(r.RevertedImage)
	putBlob(r.SlotState)
	put64(r.NewOldestData)
	put64(uint64(r.OldestXid))
	return buf
}
