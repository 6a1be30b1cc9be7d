// Command zheapdemo exercises the storage kernel end to end against a
// scratch data directory: a committed insert, a committed in-place
// update, a visibility check, then a delete whose transaction is
// rolled back, followed by a prune pass and a discard-horizon advance.
// It is not a server; it is
// a walkthrough of the moving parts wired together.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/zheapdb/zheap/internal/zdiscard"
	"github.com/zheapdb/zheap/internal/zdml"
	"github.com/zheapdb/zheap/internal/zheapconf"
	"github.com/zheapdb/zheap/internal/zid"
	"github.com/zheapdb/zheap/internal/zlock"
	"github.com/zheapdb/zheap/internal/zpage"
	"github.com/zheapdb/zheap/internal/zpagestore"
	"github.com/zheapdb/zheap/internal/zprune"
	"github.com/zheapdb/zheap/internal/zptr"
	"github.com/zheapdb/zheap/internal/zrollback"
	"github.com/zheapdb/zheap/internal/ztxslot"
	"github.com/zheapdb/zheap/internal/zundo"
	"github.com/zheapdb/zheap/internal/zvisibility"
	"github.com/zheapdb/zheap/internal/zwal"
)

const relationID = 1

// memTxnLinks is a tiny in-memory TxnLinks for the demo: real
// deployments keep this in the shared transaction table (spec.md §9).
type memTxnLinks struct{ last map[zid.Xid]zptr.UndoPtr }

func newMemTxnLinks() *memTxnLinks                                  { return &memTxnLinks{last: map[zid.Xid]zptr.UndoPtr{}} }
func (m *memTxnLinks) LastUndoPtr(xid zid.Xid) zptr.UndoPtr {
	if ptr, ok := m.last[xid]; ok {
		return ptr
	}
	return zptr.Nil
}
func (m *memTxnLinks) SetLastUndoPtr(xid zid.Xid, ptr zptr.UndoPtr) { m.last[xid] = ptr }

func main() {
	log := logrus.New()
	log.SetLevel(logrus.InfoLevel)

	cfg := zheapconf.Default()

	dir, err := os.MkdirTemp("", "zheapdemo-*")
	must(err)
	defer os.RemoveAll(dir)

	segSize, err := cfg.UndoSegmentSizeBytes()
	must(err)

	undo, err := zundo.Open(filepath.Join(dir, "undo"), 1, segSize, log, nil)
	must(err)
	defer undo.Close()

	wal, err := zwal.OpenWriter(filepath.Join(dir, "wal.log"))
	must(err)
	defer wal.Close()

	pages, err := zpagestore.Open(filepath.Join(dir, "relation.dat"), zpage.DefaultSize, 64)
	must(err)
	defer pages.Close()

	txn := newMemTxnLinks()
	rowLocks := zlock.NewManager(log)

	committed := map[zid.Xid]bool{}
	classify := func(xid zid.Xid) ztxslot.OccupantState {
		if committed[xid] {
			return ztxslot.CommittedAllVisible
		}
		return ztxslot.InProgress
	}
	slots := ztxslot.NewManager(classify, undo, log)
	locker := zdml.NewPageLocker()
	kernel := zdml.NewKernel(relationID, undo, wal, slots, rowLocks, txn, locker, log)

	block, page, err := pages.Extend(32)
	must(err)

	fmt.Println("1. insert a tuple under txn 100")
	writer := zid.NewXid(0, 100)
	tid, err := kernel.Insert(page, block, writer, []byte("hello zheap"))
	must(err)
	fmt.Printf("   inserted at tid=%s\n", tid)
	committed[writer] = true

	fmt.Println("2. update it in place under txn 101")
	updater := zid.NewXid(0, 101)
	newTid, err := kernel.Update(page, tid, updater, []byte("HELLO ZHEAP"), nil)
	must(err)
	fmt.Printf("   new tid=%s (in-place: %v)\n", newTid, newTid == tid)
	committed[updater] = true

	fmt.Println("3. resolve visibility for a reader whose snapshot starts now")
	snap := zvisibility.NewSnapshot(zid.NewXid(0, 200), zid.NewXid(0, 1), zid.NewXid(0, 200), nil)
	outcome, err := zvisibility.Resolve(page, newTid, snap, undo)
	must(err)
	fmt.Printf("   outcome=%v\n", outcome)

	fmt.Println("4. delete it under txn 102, then roll the delete back")
	deleter := zid.NewXid(0, 102)
	must(kernel.Delete(page, newTid, deleter))

	engine := zrollback.NewEngine(1, undo, wal, pages, locker, zrollback.DefaultWindowSize, log)
	last := txn.LastUndoPtr(deleter)
	must(engine.Rollback(context.Background(), deleter, last, nil))
	fmt.Println("   delete rolled back; tuple restored")

	fmt.Println("5. prune the page")
	pruneResult := zprune.Attempt(page, func(xid zid.Xid) ztxslot.OccupantState {
		if committed[xid] {
			return ztxslot.CommittedAllVisible
		}
		return ztxslot.InProgress
	}, log)
	fmt.Printf("   reclaimed_unused=%d reclaimed_deleted=%d compacted=%v\n",
		pruneResult.ReclaimedUnused, pruneResult.ReclaimedDeleted, pruneResult.Compacted)

	fmt.Println("6. advance the discard horizon")
	head, err := undo.AppendTransactionHeader(relationID, writer, zptr.Nil)
	must(err)
	tracker := zdiscard.NewTracker(1, undo, head, zdiscard.NewPendingSet(), func() zid.Xid { return zid.NewXid(0, 103) }, log)
	must(tracker.Advance())
	fmt.Printf("   oldest xid still held: %s (no newer header recorded yet)\n", tracker.OldestXid())

	must(pages.Flush(block))
	fmt.Println("done")
}

func must(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "zheapdemo:", err)
		os.Exit(1)
	}
}
