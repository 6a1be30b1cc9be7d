// Package zdml implements the DML kernel of spec.md §4.5: insert,
// speculative insert, delete, update, lock, and bulk insert, each
// executing the nine-step undo-write / page-mutate / WAL-emit
// protocol under one page's exclusive lock. It wires together
// internal/zpage (page layout), internal/zundo (undo codec + store),
// internal/ztxslot (transaction slots), internal/zlock (row locks),
// and internal/zwal (WAL emission).
package zdml

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/zheapdb/zheap/internal/zid"
	"github.com/zheapdb/zheap/internal/zlock"
	"github.com/zheapdb/zheap/internal/zpage"
	"github.com/zheapdb/zheap/internal/zptr"
	"github.com/zheapdb/zheap/internal/ztxslot"
	"github.com/zheapdb/zheap/internal/zundo"
	"github.com/zheapdb/zheap/internal/zwal"
)

// UndoAppender is the subset of *zundo.Store the kernel needs to
// write undo records. Kept as an interface so tests can fake the
// undo store.
type UndoAppender interface {
	AppendInsert(relationID uint64, tid zptr.Tid, xid zid.Xid, backLink, pagePrev zptr.UndoPtr, speculative bool, specToken uint32) (zptr.UndoPtr, error)
	AppendDelete(relationID uint64, tid zptr.Tid, xid zid.Xid, backLink, pagePrev zptr.UndoPtr, priorImage []byte) (zptr.UndoPtr, error)
	AppendInPlaceUpdate(relationID uint64, tid zptr.Tid, xid zid.Xid, backLink, pagePrev zptr.UndoPtr, priorImage []byte) (zptr.UndoPtr, error)
	AppendNonInPlaceUpdate(relationID uint64, tid zptr.Tid, xid zid.Xid, backLink, pagePrev zptr.UndoPtr, priorImage []byte, newTid zptr.Tid) (zptr.UndoPtr, error)
	AppendLock(relationID uint64, tid zptr.Tid, xid zid.Xid, backLink, pagePrev zptr.UndoPtr, priorInfoMask1 uint16, priorInfoMask2 uint8, newLockMode uint8) (zptr.UndoPtr, error)
	AppendMultiInsert(relationID uint64, tid zptr.Tid, xid zid.Xid, backLink, pagePrev zptr.UndoPtr, ranges []zundo.OffsetRange) (zptr.UndoPtr, error)
}

// WALAppender is the subset of *zwal.Writer the kernel needs.
type WALAppender interface {
	Append(rec zwal.Record) (uint64, error)
}

// TxnLinks tracks each transaction's per-transaction undo chain head
// (its most recently written UndoPtr, anywhere) — shared, process-wide
// transaction-table state the kernel does not own (spec.md §9).
type TxnLinks interface {
	LastUndoPtr(xid zid.Xid) zptr.UndoPtr
	SetLastUndoPtr(xid zid.Xid, ptr zptr.UndoPtr)
}

// PageLocker serializes page mutation (exclusive) against visibility
// reads and tuple copies (shared), per spec.md §5's per-page lock
// discipline. It lazily allocates one RWMutex per block.
type PageLocker struct {
	mu    sync.Mutex
	locks map[uint32]*sync.RWMutex
}

func NewPageLocker() *PageLocker {
	return &PageLocker{locks: make(map[uint32]*sync.RWMutex)}
}

func (pl *PageLocker) lockFor(block uint32) *sync.RWMutex {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	l, ok := pl.locks[block]
	if !ok {
		l = &sync.RWMutex{}
		pl.locks[block] = l
	}
	return l
}

func (pl *PageLocker) Lock(block uint32)    { pl.lockFor(block).Lock() }
func (pl *PageLocker) Unlock(block uint32)  { pl.lockFor(block).Unlock() }
func (pl *PageLocker) RLock(block uint32)   { pl.lockFor(block).RLock() }
func (pl *PageLocker) RUnlock(block uint32) { pl.lockFor(block).RUnlock() }

// Kernel is the DML entry point for one relation.
type Kernel struct {
	relationID uint64
	undo       UndoAppender
	wal        WALAppender
	slots      *ztxslot.Manager
	rowLocks   *zlock.Manager
	txn        TxnLinks
	pages      *PageLocker
	log        logrus.FieldLogger
}

func NewKernel(relationID uint64, undo UndoAppender, wal WALAppender, slots *ztxslot.Manager, rowLocks *zlock.Manager, txn TxnLinks, pages *PageLocker, log logrus.FieldLogger) *Kernel {
	return &Kernel{
		relationID: relationID,
		undo:       undo,
		wal:        wal,
		slots:      slots,
		rowLocks:   rowLocks,
		txn:        txn,
		pages:      pages,
		log:        log,
	}
}

func resourceKey(relationID uint64, tid zptr.Tid) string {
	return fmt.Sprintf("%d/%d/%d", relationID, tid.Block, tid.Offset)
}

func newTupleHeader(slotIndex int) zpage.TupleHeader {
	return zpage.TupleHeader{SlotIndex: uint8(slotIndex), DataOffset: zpage.TupleHeaderSize}
}

func packTuple(hdr zpage.TupleHeader, body []byte) []byte {
	buf := make([]byte, zpage.TupleHeaderSize+len(body))
	hdr.PutBytes(buf)
	copy(buf[zpage.TupleHeaderSize:], body)
	return buf
}
