// Package zprune implements spec.md §4.7's page pruning and space
// reuse: reclaiming bytes belonging to committed deletes/updates and
// to rolled-back inserts, driven by a page's prune-xid hint.
package zprune

import (
	"github.com/sirupsen/logrus"

	"github.com/zheapdb/zheap/internal/zid"
	"github.com/zheapdb/zheap/internal/zpage"
	"github.com/zheapdb/zheap/internal/ztxslot"
)

// Classifier answers "what state is this slot's Xid in" — the same
// question ztxslot.OccupantClassifier asks, reused here since pruning
// and slot recycling both need to know whether a slot's transaction
// is all-visible, committed-but-not-all-visible, or aborted-and-undone.
type Classifier func(zid.Xid) ztxslot.OccupantState

// Result summarizes one prune attempt, mainly for logging/metrics.
type Result struct {
	Skipped          bool // prune-xid hint still in progress
	ReclaimedUnused  int  // line pointers set to Unused
	ReclaimedDeleted int  // line pointers left Deleted but bytes reclaimed
	Compacted        bool
}

// Attempt runs the four-step prune algorithm of spec.md §4.7 against
// p. The caller must already hold p's exclusive lock. Attempt reads
// the page's prune-xid hint but never changes it.
func Attempt(p *zpage.Page, classify Classifier, log logrus.FieldLogger) Result {
	var res Result

	if p.PruneXidHint != zid.InvalidXid && classify(p.PruneXidHint) == ztxslot.InProgress {
		res.Skipped = true
		return res
	}

	for i := 0; i < p.NumLinePointers(); i++ {
		lp := p.LinePointer(i)
		switch lp.State {
		case zpage.Normal:
			hdr := zpage.ParseTupleHeader(p.ReadTuple(lp.Offset, zpage.TupleHeaderSize))
			slotIdx := int(hdr.SlotIndex)
			if slotIdx == int(zpage.FrozenSlotIndex) {
				continue
			}
			slot := p.Slot(slotIdx)
			switch classify(slot.Xid) {
			case ztxslot.CommittedAllVisible, ztxslot.AbortedUndoApplied:
				p.SetLinePointer(i, zpage.LinePointer{State: zpage.Unused})
				res.ReclaimedUnused++
			case ztxslot.CommittedNotAllVisible:
				p.SetLinePointer(i, zpage.LinePointer{State: zpage.Deleted, Offset: uint16(slotIdx)})
				res.ReclaimedDeleted++
			case ztxslot.InProgress:
				// Still live: nothing to reclaim.
			}

		case zpage.Deleted:
			slotIdx := int(lp.SlotIndex())
			if slotIdx == int(zpage.FrozenSlotIndex) {
				continue
			}
			slot := p.Slot(slotIdx)
			if classify(slot.Xid) == ztxslot.AbortedUndoApplied {
				p.SetLinePointer(i, zpage.LinePointer{State: zpage.Unused})
				res.ReclaimedUnused++
			}
		}
	}

	if res.ReclaimedUnused > 0 || res.ReclaimedDeleted > 0 {
		p.Compact()
		res.Compacted = true
	}

	if log != nil {
		log.WithField("reclaimed_unused", res.ReclaimedUnused).
			WithField("reclaimed_deleted", res.ReclaimedDeleted).
			WithField("compacted", res.Compacted).
			Debug("prune attempt")
	}
	return res
}

// ShouldAttempt reports whether an insert/update that failed to find
// room, or an eviction/first-read opportunity, should trigger a prune
// attempt (spec.md §4.7's two trigger conditions). insufficientSpace
// is the insert/update-path trigger; cheapOpportunity is the
// eviction/first-read-path trigger.
func ShouldAttempt(insufficientSpace, cheapOpportunity bool) bool {
	return insufficientSpace || cheapOpportunity
}
