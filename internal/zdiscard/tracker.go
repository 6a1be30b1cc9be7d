// Package zdiscard implements the discard horizon of spec.md §4.9:
// advancing a log's oldest_data/oldest_xid watermarks by walking the
// transaction-header next-link chain, deferring aborts that still
// carry slot-reuse records, and replaying discard on a standby.
package zdiscard

import (
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/sirupsen/logrus"

	"github.com/zheapdb/zheap/internal/zerrors"
	"github.com/zheapdb/zheap/internal/zid"
	"github.com/zheapdb/zheap/internal/zptr"
	"github.com/zheapdb/zheap/internal/zundo"
)

// Store is the subset of *zundo.Store the tracker needs.
type Store interface {
	Fetch(ptr zptr.UndoPtr) (zundo.Record, error)
	AdvanceDiscard(newOldest uint64) error
}

// PendingChecker answers whether an aborted transaction's undo has
// not yet finished applying — the transaction table lives outside
// this package (shared, process-wide state per spec.md §9), so the
// tracker only asks about it through this narrow interface.
type PendingChecker interface {
	IsAbortedWithPendingUndo(xid zid.Xid) bool
}

// GlobalXmin reports the oldest Xid any currently-active snapshot
// might still need to see.
type GlobalXmin func() zid.Xid

// Tracker advances one undo log's discard horizon.
type Tracker struct {
	logNumber uint32
	store     Store
	pending   PendingChecker
	xmin      GlobalXmin
	log       logrus.FieldLogger

	mu        sync.Mutex
	cursor    zptr.UndoPtr // next transaction-header record to examine
	oldestXid zid.Xid
}

// NewTracker builds a Tracker whose walk starts at head, the log's
// first transaction-header record (discovered when the log was
// opened or attached).
func NewTracker(logNumber uint32, store Store, head zptr.UndoPtr, pending PendingChecker, xmin GlobalXmin, log logrus.FieldLogger) *Tracker {
	return &Tracker{
		logNumber: logNumber,
		store:     store,
		pending:   pending,
		xmin:      xmin,
		log:       log,
		cursor:    head,
	}
}

// OldestXid returns the Xid of the oldest transaction this log still
// holds undo for (zero/InvalidXid if the log is fully discarded or
// empty).
func (t *Tracker) OldestXid() zid.Xid {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.oldestXid
}

// Advance implements spec.md §4.9: walk the log transaction-by-
// transaction via each transaction-header's next-link, discarding
// (moving oldest_data forward) every transaction that is safely below
// the global xmin and has no pending undo, stopping at the first one
// that is not. It keeps walking past multiple eligible transactions
// in one call, the shape of a periodic background sweep.
func (t *Tracker) Advance() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for {
		if t.cursor.IsNil() {
			t.oldestXid = zid.InvalidXid
			return nil
		}

		rec, err := t.store.Fetch(t.cursor)
		if err != nil {
			if zerrors.Is(err, zerrors.UndoUnavailable) {
				// Already discarded past this point by a concurrent sweep.
				return nil
			}
			return err
		}
		if rec.Type != zundo.TransactionHeader {
			return zerrors.Newf(zerrors.Corruption, "zdiscard: expected transaction header at %s, got %v", t.cursor, rec.Type)
		}

		if t.xmin != nil {
			xmin := t.xmin()
			if xmin != zid.InvalidXid && !rec.Xid.Precedes(xmin) {
				// rec.Xid >= xmin: some active snapshot may still need
				// this transaction's undo. Stop here.
				t.oldestXid = rec.Xid
				return nil
			}
		}
		// Deferred discard: an aborted transaction whose undo contains
		// slot-reuse records stays undiscarded until it ages below
		// xmin (checked above); a transaction whose undo application
		// hasn't finished yet is never eligible regardless of xmin.
		if t.pending != nil && t.pending.IsAbortedWithPendingUndo(rec.Xid) {
			t.oldestXid = rec.Xid
			return nil
		}

		next := rec.NextTransactionStart
		if next.IsNil() {
			// No newer transaction header recorded yet: nothing further
			// to discard until one is appended.
			t.oldestXid = rec.Xid
			return nil
		}
		if err := t.store.AdvanceDiscard(next.Offset()); err != nil {
			return err
		}
		discarded := rec.Xid
		t.cursor = next
		if t.log != nil {
			t.log.WithField("log", t.logNumber).WithField("discarded_xid", discarded).Debug("advanced discard horizon")
		}
	}
}

// ReplayDiscard applies a discard decision made by the primary
// (carried in a WAL discard record) on a standby. activeReadMins are
// the Min watermarks of currently-running queries' snapshots; if any
// of them still needs a Xid this discard would remove, replay raises
// a recovery conflict instead of silently discarding out from under a
// reader.
func (t *Tracker) ReplayDiscard(newOldestData uint64, newOldestXid zid.Xid, activeReadMins []zid.Xid) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, min := range activeReadMins {
		if min.Precedes(newOldestXid) {
			return zerrors.Newf(zerrors.SerializationFailure, "zdiscard: recovery conflict, running query needs xid %v below new discard horizon %v", min, newOldestXid)
		}
	}
	if err := t.store.AdvanceDiscard(newOldestData); err != nil {
		return err
	}
	t.oldestXid = newOldestXid
	return nil
}

// PendingSet is a concrete PendingChecker backed by the same
// roaring64.Bitmap type zvisibility.Snapshot uses for its active-Xid
// set: an aborted transaction is added while its undo is applying and
// removed once the rollback engine finishes, so Advance can ask in
// O(1) whether a given Xid is still off-limits.
type PendingSet struct {
	mu sync.Mutex
	bm *roaring64.Bitmap
}

func NewPendingSet() *PendingSet {
	return &PendingSet{bm: roaring64.New()}
}

// MarkPending records that xid's abort is about to start applying
// undo.
func (s *PendingSet) MarkPending(xid zid.Xid) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bm.Add(uint64(xid))
}

// ClearPending records that xid's undo has finished applying.
func (s *PendingSet) ClearPending(xid zid.Xid) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bm.Remove(uint64(xid))
}

func (s *PendingSet) IsAbortedWithPendingUndo(xid zid.Xid) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bm.Contains(uint64(xid))
}
