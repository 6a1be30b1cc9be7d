// Package ztableam defines the table-access capability contract of
// spec.md §6: the interface the query executor and utility commands
// use, without knowing whether the backing engine is zheap or an
// append-only heap. Modeled after
// storage/wrapper/mvcc/interfaces.go's capability-interface shape
// (MVCCPage/RecordVersionManager/TransactionVisibility), generalized
// from InnoDB's page/version vocabulary to zheap's Tid/Xid vocabulary.
package ztableam

import (
	"context"

	"github.com/zheapdb/zheap/internal/zid"
	"github.com/zheapdb/zheap/internal/zptr"
)

// Result is the outcome enum every table-access operation returns.
type Result int

const (
	Ok Result = iota
	Invisible
	SelfModified
	Updated
	Deleted
	BeingModified
	WouldBlock
)

func (r Result) String() string {
	switch r {
	case Ok:
		return "ok"
	case Invisible:
		return "invisible"
	case SelfModified:
		return "self_modified"
	case Updated:
		return "updated"
	case Deleted:
		return "deleted"
	case BeingModified:
		return "being_modified"
	case WouldBlock:
		return "would_block"
	default:
		return "unknown"
	}
}

// FailureData accompanies any non-Ok result.
type FailureData struct {
	ConflictingXid zid.Xid
	UpdatedTid     zptr.Tid
	CommandID      uint32 // meaningful only for SelfModified
}

// ScanState iterates row slots for a sequential, bitmap, or
// sample scan.
type ScanState interface {
	Next(ctx context.Context) (zptr.Tid, []byte, bool, error)
	Rescan() error
	Close() error
}

// Relation is the capability set a table's storage engine exposes.
// Non-goal operations (cluster/rewrite tooling, statistics, CLI) are
// represented where the contract requires them but delegate to the
// DML kernel's primitives rather than reimplementing out-of-scope
// subsystems.
type Relation interface {
	BeginScan(ctx context.Context) (ScanState, error)
	BeginBitmapScan(ctx context.Context, blocks []uint32) (ScanState, error)
	BeginSampleScan(ctx context.Context) (ScanState, error)

	// IndexFetch resolves a single Tid found via an index. callAgain is
	// always false for zheap (no multi-tuple TID chains).
	IndexFetch(ctx context.Context, tid zptr.Tid, snapshot interface{}) (result Result, image []byte, callAgain bool, fd FailureData, err error)

	Insert(ctx context.Context, xid zid.Xid, tuple []byte) (zptr.Tid, error)
	SpeculativeInsertAndComplete(ctx context.Context, xid zid.Xid, tuple []byte, confirm bool) (zptr.Tid, error)
	Delete(ctx context.Context, xid zid.Xid, tid zptr.Tid) (Result, FailureData, error)
	Update(ctx context.Context, xid zid.Xid, tid zptr.Tid, newTuple []byte) (Result, zptr.Tid, FailureData, error)
	Lock(ctx context.Context, xid zid.Xid, tid zptr.Tid, mode uint8) (Result, FailureData, error)

	FetchRowVersion(ctx context.Context, tid zptr.Tid, snapshot interface{}) (Result, []byte, error)
	ValidateTid(tid zptr.Tid) bool
	SatisfiesSnapshot(tid zptr.Tid, snapshot interface{}) (bool, error)

	AnalyzeBlock(block uint32) (liveTuples, deadTuples int, err error)
	AnalyzeTuple(tid zptr.Tid) (live bool, err error)

	Cluster(ctx context.Context) error // live rows only
	TruncateNonTransactional() error
	SetNewFilenode(path string) error
	CopyData(ctx context.Context, dst Relation) error

	Size() (int64, error)
	NeedsToastTable() bool
	EstimateRelationSize() (blocks int64, tuples int64, err error)
}
