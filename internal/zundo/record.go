// Package zundo implements the undo-record codec and the per-writer
// append-only undo-log store.
package zundo

import (
	"github.com/zheapdb/zheap/internal/zid"
	"github.com/zheapdb/zheap/internal/zptr"
)

// RecordType tags the undo record variants of spec.md §3.
type RecordType uint8

const (
	Invalid RecordType = iota
	Insert
	Delete
	InPlaceUpdate
	NonInPlaceUpdate
	MultiInsert
	Lock
	SlotReuse
	TransactionHeader
)

func (t RecordType) String() string {
	switch t {
	case Insert:
		return "insert"
	case Delete:
		return "delete"
	case InPlaceUpdate:
		return "in_place_update"
	case NonInPlaceUpdate:
		return "non_in_place_update"
	case MultiInsert:
		return "multi_insert"
	case Lock:
		return "lock"
	case SlotReuse:
		return "slot_reuse"
	case TransactionHeader:
		return "transaction_header"
	default:
		return "invalid"
	}
}

// Flag bits on Record.Flags.
const (
	FlagSpeculative uint8 = 1 << iota
	FlagCompressed
)

// OffsetRange is one contiguous range of line-pointer offsets touched
// by a bulk insert.
type OffsetRange struct {
	Start uint16
	End   uint16
}

// Record is one undo record. Common fields are always present;
// type-specific payload fields are populated according to Type.
type Record struct {
	// Common header (spec.md §3 "Undo record").
	Type       RecordType
	RelationID uint64
	Tid        zptr.Tid
	Xid        zid.Xid
	BackLink   zptr.UndoPtr // previous record of this transaction, any page (per-transaction chain)
	PagePrev   zptr.UndoPtr // previous record of this transaction on this same page (per-page chain)
	Flags      uint8

	// Insert / speculative insert.
	SpeculativeToken uint32

	// Delete, InPlaceUpdate, NonInPlaceUpdate carry the prior tuple image.
	PriorImage []byte

	// NonInPlaceUpdate's destination.
	NewTid zptr.Tid

	// MultiInsert.
	Ranges []OffsetRange

	// Lock.
	PriorInfoMask1 uint16
	PriorInfoMask2 uint8
	NewLockMode    uint8

	// SlotReuse.
	PriorOccupant    zid.Xid
	PriorOccupantPtr zptr.UndoPtr

	// TransactionHeader.
	NextTransactionStart zptr.UndoPtr
}

func (r Record) IsSpeculative() bool { return r.Flags&FlagSpeculative != 0 }
func (r Record) IsCompressed() bool  { return r.Flags&FlagCompressed != 0 }
