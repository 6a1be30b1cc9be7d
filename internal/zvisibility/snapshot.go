// Package zvisibility implements the snapshot-driven visibility
// resolver of spec.md §4.6.
package zvisibility

import (
	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/zheapdb/zheap/internal/zid"
)

// Snapshot is a zheap read view: the creator's Xid, the watermarks
// bounding which Xids are unconditionally visible/invisible, and the
// compact set of Xids that were still in progress when the snapshot
// was taken. Shaped directly after
// storage/store/mvcc.ReadView (creatorTrxID/minTrxID/maxTrxID/activeIDs),
// generalized from int64 TrxId to zid.Xid and from a slice to a
// roaring64 bitmap so large active sets stay cheap to test.
type Snapshot struct {
	Creator zid.Xid
	Min     zid.Xid // smallest Xid that was in progress at snapshot time
	Max     zid.Xid // next Xid to be assigned at snapshot time
	active  *roaring64.Bitmap
}

func NewSnapshot(creator, min, max zid.Xid, activeAtSnapshot []zid.Xid) *Snapshot {
	bm := roaring64.New()
	for _, x := range activeAtSnapshot {
		bm.Add(uint64(x))
	}
	return &Snapshot{Creator: creator, Min: min, Max: max, active: bm}
}

// IsVisible reports whether a row version stamped with xid is visible
// to this snapshot — the same decision table as
// storage/store/mvcc.ReadView.IsVisible, extended to zid.Xid.
func (s *Snapshot) IsVisible(xid zid.Xid) bool {
	if xid == s.Creator || xid == zid.FrozenXid {
		return true
	}
	if s.Max.PrecedesOrEquals(xid) {
		// xid >= Max: assigned at or after the snapshot was taken.
		return false
	}
	if xid.Precedes(s.Min) {
		return true
	}
	if s.active.Contains(uint64(xid)) {
		return false
	}
	return true
}
