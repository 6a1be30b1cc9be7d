// Package ztxslot implements the transaction-slot manager of spec.md
// §4.4: find-or-allocate, slot-reuse recycling, and freeze-on-discard.
package ztxslot

import (
	"github.com/sirupsen/logrus"

	"github.com/zheapdb/zheap/internal/zerrors"
	"github.com/zheapdb/zheap/internal/zid"
	"github.com/zheapdb/zheap/internal/zpage"
	"github.com/zheapdb/zheap/internal/zptr"
)

// OccupantState classifies a slot's current occupant for reuse
// purposes; the caller (which has the transaction table) supplies it.
type OccupantState int

const (
	// InProgress: cannot be reused.
	InProgress OccupantState = iota
	// CommittedAllVisible: trivially reusable.
	CommittedAllVisible
	// CommittedNotAllVisible: reusable after a slot-reuse undo record.
	CommittedNotAllVisible
	// AbortedUndoApplied: reusable, undo already applied.
	AbortedUndoApplied
)

// OccupantClassifier answers "what state is the slot's Xid in" —
// the transaction table lives outside this package (it is shared,
// process-wide state per spec.md §9).
type OccupantClassifier func(zid.Xid) OccupantState

// UndoAppender is the subset of *zundo.Store's API the slot manager
// needs to emit slot-reuse records; kept as an interface so this
// package does not import zundo directly and tests can fake it.
type UndoAppender interface {
	AppendSlotReuse(relationID uint64, tid zptr.Tid, newXid, priorOccupant zid.Xid, priorPtr zptr.UndoPtr) (zptr.UndoPtr, error)
}

// Manager allocates and recycles transaction slots on a page, per
// spec.md §4.4. It assumes the caller already holds the page's
// exclusive lock.
type Manager struct {
	classify OccupantClassifier
	undo     UndoAppender
	log      logrus.FieldLogger
}

func NewManager(classify OccupantClassifier, undo UndoAppender, log logrus.FieldLogger) *Manager {
	return &Manager{classify: classify, undo: undo, log: log}
}

// FindOrAllocate implements spec.md §4.4's "find or allocate"
// operation. relationID and the representative tid are only used to
// populate slot-reuse undo records when recycling is necessary.
func (m *Manager) FindOrAllocate(p *zpage.Page, xid zid.Xid, relationID uint64, representative zptr.Tid, isSubtransaction bool) (int, error) {
	if idx, _, ok := p.FindOrEmptySlot(xid); ok {
		return idx, nil
	}

	// No empty slot. Look for a single reusable one first.
	for i := 1; i < int(p.NumSlots); i++ {
		s := p.Slot(i)
		switch m.classify(s.Xid) {
		case CommittedAllVisible, AbortedUndoApplied:
			return i, nil
		case CommittedNotAllVisible:
			if err := m.recycleOne(p, i, xid, relationID, representative); err != nil {
				return 0, err
			}
			return i, nil
		}
	}

	if isSubtransaction {
		return 0, zerrors.New(zerrors.SlotExhausted, "no reusable slot and overflow unavailable for subtransaction")
	}

	// Toplevel: bulk-recycle every committed-not-all-visible slot.
	recycled := -1
	for i := 1; i < int(p.NumSlots); i++ {
		s := p.Slot(i)
		if m.classify(s.Xid) == CommittedNotAllVisible {
			if err := m.recycleOne(p, i, xid, relationID, representative); err != nil {
				return 0, err
			}
			recycled = i
		}
	}
	if recycled < 0 {
		return 0, zerrors.New(zerrors.SlotExhausted, "no slot available even after bulk recycling; caller must release locks and wait")
	}
	return recycled, nil
}

// recycleOne emits a slot-reuse undo record for the occupant of slot
// i, then overwrites the slot with xid. The caller is responsible for
// flipping the slot-reused bit on any tuple headers that still
// reference this slot (that requires a page scan the slot manager
// itself does not perform, since it only owns the slot array).
func (m *Manager) recycleOne(p *zpage.Page, i int, newXid zid.Xid, relationID uint64, representative zptr.Tid) error {
	old := p.Slot(i)
	var newPtr zptr.UndoPtr
	if m.undo != nil {
		ptr, err := m.undo.AppendSlotReuse(relationID, representative, newXid, old.Xid, old.LastPtr)
		if err != nil {
			return err
		}
		newPtr = ptr
	}
	p.SetSlot(i, zpage.Slot{Xid: newXid, LastPtr: newPtr})
	if m.log != nil {
		m.log.WithField("slot", i).WithField("prior_xid", old.Xid).WithField("new_xid", newXid).Debug("recycled transaction slot")
	}
	return nil
}

// MarkTupleWithSlot writes slotIndex into the tuple header at the
// given line pointer's payload offset.
func MarkTupleWithSlot(p *zpage.Page, lp zpage.LinePointer, slotIndex int) {
	hdr := zpage.ParseTupleHeader(p.ReadTuple(lp.Offset, zpage.TupleHeaderSize))
	hdr.SlotIndex = uint8(slotIndex)
	buf := make([]byte, zpage.TupleHeaderSize)
	hdr.PutBytes(buf)
	p.WriteTupleAt(lp.Offset, buf)
}

// Freeze points the line pointer at idx to the frozen sentinel slot,
// used when the discard horizon advances past a slot's last undo
// pointer.
func Freeze(p *zpage.Page, lineIdx int) {
	lp := p.LinePointer(lineIdx)
	switch lp.State {
	case zpage.Normal:
		hdr := zpage.ParseTupleHeader(p.ReadTuple(lp.Offset, zpage.TupleHeaderSize))
		hdr.SlotIndex = uint8(zpage.FrozenSlotIndex)
		buf := make([]byte, zpage.TupleHeaderSize)
		hdr.PutBytes(buf)
		p.WriteTupleAt(lp.Offset, buf)
	case zpage.Deleted:
		lp.Offset = zpage.FrozenSlotIndex
		p.SetLinePointer(lineIdx, lp)
	}
}
