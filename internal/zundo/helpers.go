package zundo

import (
	"github.com/zheapdb/zheap/internal/zid"
	"github.com/zheapdb/zheap/internal/zptr"
)

// The Append* helpers below build a Record of the matching RecordType
// and append it, saving the DML kernel (spec.md §4.5) from assembling
// the common header fields by hand at every call site.

func (s *Store) AppendInsert(relationID uint64, tid zptr.Tid, xid zid.Xid, backLink, pagePrev zptr.UndoPtr, speculative bool, specToken uint32) (zptr.UndoPtr, error) {
	var flags uint8
	if speculative {
		flags |= FlagSpeculative
	}
	return s.Append(Record{
		Type:             Insert,
		RelationID:       relationID,
		Tid:              tid,
		Xid:              xid,
		BackLink:         backLink,
		PagePrev:         pagePrev,
		Flags:            flags,
		SpeculativeToken: specToken,
	})
}

func (s *Store) AppendDelete(relationID uint64, tid zptr.Tid, xid zid.Xid, backLink, pagePrev zptr.UndoPtr, priorImage []byte) (zptr.UndoPtr, error) {
	return s.Append(Record{
		Type:       Delete,
		RelationID: relationID,
		Tid:        tid,
		Xid:        xid,
		BackLink:   backLink,
		PagePrev:   pagePrev,
		PriorImage: priorImage,
	})
}

func (s *Store) AppendInPlaceUpdate(relationID uint64, tid zptr.Tid, xid zid.Xid, backLink, pagePrev zptr.UndoPtr, priorImage []byte) (zptr.UndoPtr, error) {
	return s.Append(Record{
		Type:       InPlaceUpdate,
		RelationID: relationID,
		Tid:        tid,
		Xid:        xid,
		BackLink:   backLink,
		PagePrev:   pagePrev,
		PriorImage: priorImage,
	})
}

func (s *Store) AppendNonInPlaceUpdate(relationID uint64, tid zptr.Tid, xid zid.Xid, backLink, pagePrev zptr.UndoPtr, priorImage []byte, newTid zptr.Tid) (zptr.UndoPtr, error) {
	return s.Append(Record{
		Type:       NonInPlaceUpdate,
		RelationID: relationID,
		Tid:        tid,
		Xid:        xid,
		BackLink:   backLink,
		PagePrev:   pagePrev,
		PriorImage: priorImage,
		NewTid:     newTid,
	})
}

func (s *Store) AppendLock(relationID uint64, tid zptr.Tid, xid zid.Xid, backLink, pagePrev zptr.UndoPtr, priorInfoMask1 uint16, priorInfoMask2 uint8, newLockMode uint8) (zptr.UndoPtr, error) {
	return s.Append(Record{
		Type:           Lock,
		RelationID:     relationID,
		Tid:            tid,
		Xid:            xid,
		BackLink:       backLink,
		PagePrev:       pagePrev,
		PriorInfoMask1: priorInfoMask1,
		PriorInfoMask2: priorInfoMask2,
		NewLockMode:    newLockMode,
	})
}

func (s *Store) AppendMultiInsert(relationID uint64, tid zptr.Tid, xid zid.Xid, backLink, pagePrev zptr.UndoPtr, ranges []OffsetRange) (zptr.UndoPtr, error) {
	return s.Append(Record{
		Type:       MultiInsert,
		RelationID: relationID,
		Tid:        tid,
		Xid:        xid,
		BackLink:   backLink,
		PagePrev:   pagePrev,
		Ranges:     ranges,
	})
}

// AppendSlotReuse satisfies internal/ztxslot's UndoAppender interface.
func (s *Store) AppendSlotReuse(relationID uint64, tid zptr.Tid, newXid, priorOccupant zid.Xid, priorPtr zptr.UndoPtr) (zptr.UndoPtr, error) {
	return s.Append(Record{
		Type:             SlotReuse,
		RelationID:       relationID,
		Tid:              tid,
		Xid:              newXid,
		PriorOccupant:    priorOccupant,
		PriorOccupantPtr: priorPtr,
	})
}

func (s *Store) AppendTransactionHeader(relationID uint64, xid zid.Xid, nextTransactionStart zptr.UndoPtr) (zptr.UndoPtr, error) {
	return s.Append(Record{
		Type:                 TransactionHeader,
		RelationID:           relationID,
		Xid:                  xid,
		NextTransactionStart: nextTransactionStart,
	})
}
