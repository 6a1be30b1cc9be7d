// Package zrollback implements spec.md §4.8's rollback engine and
// background undo worker: reverse-order, windowed application of a
// transaction's undo chain, grouped into per-page batches applied
// under each page's exclusive lock.
package zrollback

import (
	"context"

	"github.com/google/btree"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/zheapdb/zheap/internal/zdml"
	"github.com/zheapdb/zheap/internal/zerrors"
	"github.com/zheapdb/zheap/internal/zid"
	"github.com/zheapdb/zheap/internal/zpage"
	"github.com/zheapdb/zheap/internal/zptr"
	"github.com/zheapdb/zheap/internal/zundo"
	"github.com/zheapdb/zheap/internal/zwal"
)

// DefaultWindowSize matches spec.md §4.8's "windows (default 32 MiB)".
const DefaultWindowSize = 32 << 20

// UndoFetcher is the subset of *zundo.Store the engine needs to walk
// a transaction's undo chain.
type UndoFetcher interface {
	Fetch(ptr zptr.UndoPtr) (zundo.Record, error)
}

// WALAppender is the subset of *zwal.Writer the engine needs.
type WALAppender interface {
	Append(rec zwal.Record) (uint64, error)
}

// Pages is the subset of *zpagestore.Store the engine needs.
type Pages interface {
	Fetch(block uint32) (*zpage.Page, error)
	MarkDirty(block uint32)
}

// Engine rolls back undo for one relation.
type Engine struct {
	relationID uint64
	undo       UndoFetcher
	wal        WALAppender
	pages      Pages
	locker     *zdml.PageLocker
	windowSize int
	log        logrus.FieldLogger
}

func NewEngine(relationID uint64, undo UndoFetcher, wal WALAppender, pages Pages, locker *zdml.PageLocker, windowSize int, log logrus.FieldLogger) *Engine {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	return &Engine{
		relationID: relationID,
		undo:       undo,
		wal:        wal,
		pages:      pages,
		locker:     locker,
		windowSize: windowSize,
		log:        log,
	}
}

type undoEntry struct {
	ptr zptr.UndoPtr
	rec zundo.Record
}

// Rollback applies xid's undo chain starting at latest (its last
// written UndoPtr) in reverse, one window at a time (spec.md §4.8
// steps 1-4). subStart, when non-nil, is a subtransaction-abort
// rewind target: once the whole chain down to subStart has been
// applied, the log's insertion point is truncated back to it (the
// subtransaction's records are no longer referenced by anything).
// Toplevel aborts pass nil and never rewind the log physically, since
// their undo may still hold slot-reuse records other transactions
// reference.
func (e *Engine) Rollback(ctx context.Context, xid zid.Xid, latest zptr.UndoPtr, subStart *zptr.UndoPtr) error {
	ptr := latest
	stop := zptr.Nil
	if subStart != nil {
		stop = *subStart
	}

	for !ptr.IsNil() && ptr != stop {
		if err := ctx.Err(); err != nil {
			return err
		}
		window, next, err := e.readWindow(ptr, stop)
		if err != nil {
			return err
		}
		if err := e.applyWindow(ctx, window); err != nil {
			return err
		}
		ptr = next
	}

	if subStart != nil {
		if rewinder, ok := e.undo.(interface {
			RewindInsertionPoint(uint64) error
		}); ok {
			if err := rewinder.RewindInsertionPoint(subStart.Offset()); err != nil {
				return err
			}
		}
	}
	return nil
}

// readWindow walks the per-transaction BackLink chain from start,
// accumulating encoded record size until it reaches the engine's
// window budget or hits stop/Nil, whichever comes first.
func (e *Engine) readWindow(start, stop zptr.UndoPtr) ([]undoEntry, zptr.UndoPtr, error) {
	var entries []undoEntry
	size := 0
	ptr := start
	for !ptr.IsNil() && ptr != stop {
		rec, err := e.undo.Fetch(ptr)
		if err != nil {
			return nil, zptr.Nil, err
		}
		entries = append(entries, undoEntry{ptr: ptr, rec: rec})

		encoded, err := zundo.Encode(rec)
		if err != nil {
			return nil, zptr.Nil, err
		}
		size += len(encoded)

		next := rec.BackLink
		if size >= e.windowSize {
			return entries, next, nil
		}
		ptr = next
	}
	return entries, ptr, nil
}

// applyWindow groups entries by target page, orders the page-batches
// ascending by block (spec.md §4.8 step 3), and applies independent
// pages concurrently.
func (e *Engine) applyWindow(ctx context.Context, entries []undoEntry) error {
	batches := make(map[uint32][]undoEntry)
	for _, en := range entries {
		if en.rec.Type == zundo.TransactionHeader || en.rec.Type == zundo.SlotReuse {
			continue
		}
		batches[en.rec.Tid.Block] = append(batches[en.rec.Tid.Block], en)
	}
	if len(batches) == 0 {
		return nil
	}

	order := btree.NewG[uint32](8, func(a, b uint32) bool { return a < b })
	for block := range batches {
		order.ReplaceOrInsert(block)
	}

	g, gctx := errgroup.WithContext(ctx)
	order.Ascend(func(block uint32) bool {
		batch := batches[block]
		g.Go(func() error {
			return e.applyPageBatch(gctx, block, batch)
		})
		return true
	})
	return g.Wait()
}

func findSlotForXid(p *zpage.Page, xid zid.Xid) (int, bool) {
	for i := 1; i < int(p.NumSlots); i++ {
		if p.Slot(i).Xid == xid {
			return i, true
		}
	}
	return 0, false
}

// applyPageBatch reverses every record in entries (newest-first) on
// one page under its exclusive lock, then either clears the
// transaction's slot or rewinds it to the newest still-unapplied
// record (spec.md §4.8 step 4).
func (e *Engine) applyPageBatch(ctx context.Context, block uint32, entries []undoEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.locker.Lock(block)
	defer e.locker.Unlock(block)

	p, err := e.pages.Fetch(block)
	if err != nil {
		return err
	}

	var lastApplied *undoEntry
	for i := range entries {
		applied, err := e.applyOne(p, block, entries[i])
		if err != nil {
			return err
		}
		if applied {
			en := entries[i]
			lastApplied = &en
		}
	}

	if lastApplied != nil {
		if slotIdx, ok := findSlotForXid(p, lastApplied.rec.Xid); ok {
			if lastApplied.rec.PagePrev.IsNil() {
				p.SetSlot(slotIdx, zpage.Slot{})
			} else {
				s := p.Slot(slotIdx)
				s.LastPtr = lastApplied.rec.PagePrev
				p.SetSlot(slotIdx, s)
			}
		}
	}

	e.pages.MarkDirty(block)

	if e.wal != nil && lastApplied != nil {
		if _, err := e.wal.Append(zwal.Record{Type: zwal.UndoApply, Block: block, Xid: lastApplied.rec.Xid}); err != nil {
			return err
		}
	}
	return nil
}

// applyOne reverses a single undo record's effect on p, honoring
// spec.md §4.8 step 5's already-applied/stale check: if the page's
// slot for rec.Xid is absent, or its current pointer is older than
// entry.ptr, this record has already been superseded and is skipped.
func (e *Engine) applyOne(p *zpage.Page, block uint32, entry undoEntry) (bool, error) {
	rec := entry.rec
	slotIdx, ok := findSlotForXid(p, rec.Xid)
	if !ok {
		return false, nil
	}
	slot := p.Slot(slotIdx)
	if slot.LastPtr.Compare(entry.ptr) < 0 {
		return false, nil
	}

	lineIdx := int(rec.Tid.Offset) - 1
	if lineIdx < 0 || lineIdx >= p.NumLinePointers() {
		return false, zerrors.Newf(zerrors.Corruption, "rollback: tid %v out of range on block %d", rec.Tid, block)
	}

	switch rec.Type {
	case zundo.Insert:
		p.SetLinePointer(lineIdx, zpage.LinePointer{State: zpage.Unused})
		p.Compact()

	case zundo.MultiInsert:
		for _, rg := range rec.Ranges {
			for off := rg.Start; off <= rg.End; off++ {
				idx := int(off) - 1
				if idx >= 0 && idx < p.NumLinePointers() {
					p.SetLinePointer(idx, zpage.LinePointer{State: zpage.Unused})
				}
			}
		}

	case zundo.Delete, zundo.NonInPlaceUpdate:
		offset, err := p.PlaceTuple(rec.PriorImage)
		if err != nil {
			return false, err
		}
		p.SetLinePointer(lineIdx, zpage.LinePointer{State: zpage.Normal, Offset: offset, Length: uint16(len(rec.PriorImage))})

	case zundo.InPlaceUpdate:
		lp := p.LinePointer(lineIdx)
		p.WriteTupleAt(lp.Offset, rec.PriorImage)

	case zundo.Lock:
		lp := p.LinePointer(lineIdx)
		hdr := zpage.ParseTupleHeader(p.ReadTuple(lp.Offset, zpage.TupleHeaderSize))
		hdr.InfoMask1 = rec.PriorInfoMask1
		hdr.InfoMask2 = rec.PriorInfoMask2
		buf := make([]byte, zpage.TupleHeaderSize)
		hdr.PutBytes(buf)
		p.WriteTupleAt(lp.Offset, buf)

	default:
		return false, zerrors.Newf(zerrors.Corruption, "rollback: unexpected record type %v in undo chain", rec.Type)
	}
	return true, nil
}
