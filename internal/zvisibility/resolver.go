package zvisibility

import (
	"github.com/zheapdb/zheap/internal/zerrors"
	"github.com/zheapdb/zheap/internal/zpage"
	"github.com/zheapdb/zheap/internal/zptr"
	"github.com/zheapdb/zheap/internal/zundo"
)

// Fetcher is the subset of *zundo.Store's API the resolver needs.
// Kept as an interface so tests can fake undo chains without a real
// on-disk store.
type Fetcher interface {
	Fetch(ptr zptr.UndoPtr) (zundo.Record, error)
}

// Outcome is the result of Resolve.
type Outcome struct {
	Visible bool
	Image   []byte // the tuple's bytes (header+payload), valid iff Visible
}

var noTuple = Outcome{Visible: false}

// Resolve implements spec.md §4.6: given a Tid and a snapshot, walk
// the line pointer, slot, and undo chain to find the version of the
// tuple (if any) that snapshot should see. Callers must already hold
// at least a shared lock on the page containing t.Block.
func Resolve(p *zpage.Page, t zptr.Tid, snap *Snapshot, undo Fetcher) (Outcome, error) {
	if !t.Valid() || int(t.Offset)-1 >= p.NumLinePointers() {
		return noTuple, nil
	}
	lp := p.LinePointer(int(t.Offset) - 1)

	switch lp.State {
	case zpage.Unused, zpage.Dead:
		return noTuple, nil
	case zpage.Deleted:
		slotIdx := int(lp.SlotIndex())
		slot := p.Slot(slotIdx)
		if slot.LastPtr.IsNil() {
			// Frozen or never-chained: nothing left to recover.
			return noTuple, nil
		}
		return walk(nil, t, slot.LastPtr, snap, undo)
	default: // Normal
		hdr := zpage.ParseTupleHeader(p.ReadTuple(lp.Offset, zpage.TupleHeaderSize))
		slotIdx := int(hdr.SlotIndex)
		currentImage := p.ReadTuple(lp.Offset, lp.Length)

		var lastPtr zptr.UndoPtr
		if hdr.SlotReused() {
			// The authoritative Xid lives in the newest undo record of
			// that slot's chain, not in the slot itself (spec.md §4.6
			// step 3).
			slot := p.Slot(slotIdx)
			lastPtr = slot.LastPtr
		} else {
			slot := p.Slot(slotIdx)
			if slot.LastPtr.IsNil() {
				// No undo ever written for this slot (e.g. frozen sentinel
				// or a slot whose first op hasn't reached the undo store
				// yet): all-visible.
				return Outcome{Visible: true, Image: currentImage}, nil
			}
			lastPtr = slot.LastPtr
		}
		return walk(currentImage, t, lastPtr, snap, undo)
	}
}

// walk descends the per-page undo chain starting at ptr. currentImage
// is the tuple bytes that should be returned if the chain resolves to
// "visible" at the current position (nil while unwinding a Deleted
// line pointer, since there is no on-page image to fall back to).
// target is the Tid being resolved: a page's transaction slot chains
// together every record a transaction wrote anywhere on the page
// (spec.md §4.5 step 3's "per-page predecessor"), including records
// for other tuples that same transaction touched (e.g. a non-in-place
// update's destination insert), so any record whose Tid does not
// match target is skipped just like a locker-only record.
func walk(currentImage []byte, target zptr.Tid, ptr zptr.UndoPtr, snap *Snapshot, undo Fetcher) (Outcome, error) {
	for !ptr.IsNil() {
		rec, err := undo.Fetch(ptr)
		if err != nil {
			if zerrors.Is(err, zerrors.UndoUnavailable) {
				// Crossed the discard horizon: treat as all-visible.
				if currentImage == nil {
					return noTuple, nil
				}
				return Outcome{Visible: true, Image: currentImage}, nil
			}
			return noTuple, err
		}

		if rec.Type != zundo.TransactionHeader && rec.Type != zundo.SlotReuse && rec.Tid != target {
			// Not about the tuple we're resolving: descend past it.
			ptr = rec.PagePrev
			continue
		}

		switch rec.Type {
		case zundo.Lock:
			// Locker-only record: does not change visibility, descend to
			// the prior data-modifying record.
			ptr = rec.PagePrev

		case zundo.SlotReuse:
			// The slot changed hands; this record carries no tuple image
			// of its own. rec.PriorOccupant is the Xid that owned the
			// slot (and this Tid's prior version) before the reuse, and
			// its own chain continues at rec.PriorOccupantPtr, not this
			// page's PagePrev (spec.md §4.6 step 3).
			ptr = rec.PriorOccupantPtr

		case zundo.Insert:
			if snap.IsVisible(rec.Xid) {
				if currentImage == nil {
					return noTuple, nil
				}
				return Outcome{Visible: true, Image: currentImage}, nil
			}
			return noTuple, nil

		case zundo.Delete, zundo.NonInPlaceUpdate:
			if snap.IsVisible(rec.Xid) {
				// The delete (or non-in-place update's origin) is visible:
				// hides the row at this position.
				return noTuple, nil
			}
			currentImage = rec.PriorImage
			ptr = rec.PagePrev

		case zundo.InPlaceUpdate:
			if snap.IsVisible(rec.Xid) {
				if currentImage == nil {
					return noTuple, nil
				}
				return Outcome{Visible: true, Image: currentImage}, nil
			}
			currentImage = rec.PriorImage
			ptr = rec.PagePrev

		default:
			return noTuple, zerrors.Newf(zerrors.Corruption, "unexpected record type %v in visibility chain", rec.Type)
		}
	}
	return noTuple, nil
}
