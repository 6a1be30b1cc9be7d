package zundo

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/zheapdb/zheap/internal/zerrors"
	"github.com/zheapdb/zheap/internal/zptr"
)

// DefaultSegmentSize matches the rollback window default of spec.md
// §4.8 (32 MiB) so a single window typically spans one segment.
const DefaultSegmentSize int64 = 32 << 20

var ErrAlreadyAttached = errors.New("zundo: log already attached to another writer")

// Store is one undo log: a per-writer append-only sequence of
// fixed-size segment files addressed by a single 40-bit logical
// offset, matching spec.md §4.1's "Undo-log store" component.
type Store struct {
	dir         string
	logNumber   uint32
	segmentSize int64
	log         logrus.FieldLogger

	attachLock *flock.Flock
	writerID   string

	insertionPoint atomic.Uint64
	oldestData     atomic.Uint64 // discard horizon, guarded by discardMu
	discardMu      sync.RWMutex

	segMu    sync.Mutex
	segments map[int64]*segment
}

// Open creates (if absent) the log directory and loads its meta file,
// reconstructing the insertion point and discard horizon recorded
// there. recoverInsertionPoint, if non-nil, is consulted when no meta
// file exists — it stands in for "the last WAL undo-meta record for
// this log" (spec.md §4.1's crash-recovery bootstrap; WAL replay
// itself is out of scope here).
func Open(dir string, logNumber uint32, segmentSize int64, log logrus.FieldLogger, recoverInsertionPoint func() (uint64, error)) (*Store, error) {
	if segmentSize <= 0 {
		segmentSize = DefaultSegmentSize
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "zundo: create log dir %s", dir)
	}
	s := &Store{
		dir:         dir,
		logNumber:   logNumber,
		segmentSize: segmentSize,
		log:         log,
		attachLock:  flock.New(filepath.Join(dir, "attach.lock")),
		segments:    make(map[int64]*segment),
	}

	ip, od, ok, err := loadMeta(s.metaPath())
	if err != nil {
		return nil, err
	}
	if ok {
		s.insertionPoint.Store(ip)
		s.oldestData.Store(od)
	} else if recoverInsertionPoint != nil {
		recovered, err := recoverInsertionPoint()
		if err != nil {
			return nil, errors.Wrap(err, "zundo: recover insertion point")
		}
		s.insertionPoint.Store(recovered)
	}
	return s, nil
}

func (s *Store) metaPath() string {
	return filepath.Join(s.dir, "meta")
}

// Attach acquires the at-most-one-writer lock (invariant I4). It is a
// real OS advisory lock (gofrs/flock), not just an in-process mutex,
// so a crashed process releases it for the next attacher.
func (s *Store) Attach(writerID string) error {
	ok, err := s.attachLock.TryLock()
	if err != nil {
		return errors.Wrap(err, "zundo: attach lock")
	}
	if !ok {
		return ErrAlreadyAttached
	}
	s.writerID = writerID
	if s.log != nil {
		s.log.WithField("log", s.logNumber).WithField("writer", writerID).Debug("undo log attached")
	}
	return s.persistMeta()
}

func (s *Store) Detach() error {
	if s.log != nil {
		s.log.WithField("log", s.logNumber).Debug("undo log detached")
	}
	return s.attachLock.Unlock()
}

// Append encodes rec with reverse-traversal framing and writes it at
// the log's current insertion point, rolling to a fresh segment if it
// would not fit in the current one. Returns the UndoPtr it was
// assigned.
func (s *Store) Append(rec Record) (zptr.UndoPtr, error) {
	framed, err := EncodeFramed(rec)
	if err != nil {
		return zptr.Nil, err
	}

	s.segMu.Lock()
	defer s.segMu.Unlock()

	offset := s.insertionPoint.Load()
	segIdx := int64(offset) / s.segmentSize
	segOff := int64(offset) % s.segmentSize

	if segOff+int64(len(framed)) > s.segmentSize {
		segIdx++
		segOff = 0
		offset = uint64(segIdx) * uint64(s.segmentSize)
	}

	seg, err := s.writeSegment(segIdx)
	if err != nil {
		return zptr.Nil, err
	}
	copy(seg.mapping[segOff:segOff+int64(len(framed))], framed)
	if err := seg.sync(); err != nil {
		return zptr.Nil, err
	}

	newOffset := offset + uint64(len(framed))
	s.insertionPoint.Store(newOffset)
	if err := s.persistMeta(); err != nil {
		return zptr.Nil, err
	}

	return zptr.NewUndoPtr(s.logNumber, offset), nil
}

func (s *Store) segmentPath(idx int64) string {
	return filepath.Join(s.dir, fmt.Sprintf("segment-%08d.undo", idx))
}

func (s *Store) writeSegment(idx int64) (*segment, error) {
	if seg, ok := s.segments[idx]; ok {
		return seg, nil
	}
	seg, err := createSegment(s.segmentPath(idx), s.segmentSize)
	if err != nil {
		return nil, err
	}
	s.segments[idx] = seg
	return seg, nil
}

func (s *Store) readSegment(idx int64) (*segment, error) {
	s.segMu.Lock()
	defer s.segMu.Unlock()
	if seg, ok := s.segments[idx]; ok {
		return seg, nil
	}
	seg, err := openSegmentReadOnly(s.segmentPath(idx))
	if err != nil {
		return nil, err
	}
	s.segments[idx] = seg
	return seg, nil
}

// Fetch reads and decodes the record at ptr, holding the shared
// discard lock for the duration of the pointer check and the fetch
// (spec.md §4.9's "readers hold the shared discard lock" rule).
func (s *Store) Fetch(ptr zptr.UndoPtr) (Record, error) {
	s.discardMu.RLock()
	defer s.discardMu.RUnlock()

	if ptr.LogNumber() != s.logNumber {
		return Record{}, errors.Errorf("zundo: pointer %s does not belong to log %d", ptr, s.logNumber)
	}
	if ptr.Offset() < s.oldestData.Load() {
		return Record{}, zerrors.New(zerrors.UndoUnavailable, fmt.Sprintf("pointer %s is below discard horizon", ptr))
	}

	segIdx := int64(ptr.Offset()) / s.segmentSize
	segOff := int64(ptr.Offset()) % s.segmentSize

	seg, err := s.readSegment(segIdx)
	if err != nil {
		return Record{}, err
	}
	rec, _, err := DecodeFramedForward(seg.mapping[segOff:])
	if err != nil {
		return Record{}, zerrors.Wrap(zerrors.Corruption, err, fmt.Sprintf("decode undo record at %s", ptr))
	}
	return rec, nil
}

// OldestData returns the log's current discard horizon offset.
func (s *Store) OldestData() uint64 {
	s.discardMu.RLock()
	defer s.discardMu.RUnlock()
	return s.oldestData.Load()
}

// InsertionPoint returns the log's current write position.
func (s *Store) InsertionPoint() uint64 {
	return s.insertionPoint.Load()
}

// RewindInsertionPoint truncates the log back to a prior write
// position, used by subtransaction abort (spec.md §4.8): once a
// subtransaction's undo has been fully applied, its records are no
// longer referenced by anything (unlike a toplevel transaction's,
// which may contain slot-reuse records other transactions still
// point to) so the space they occupied can be reclaimed immediately.
// It refuses to move forward.
func (s *Store) RewindInsertionPoint(to uint64) error {
	s.segMu.Lock()
	defer s.segMu.Unlock()
	if to > s.insertionPoint.Load() {
		return errors.New("zundo: rewind target is ahead of current insertion point")
	}
	s.insertionPoint.Store(to)
	return s.persistMeta()
}

// AdvanceDiscard moves the discard horizon forward under the
// log's exclusive discard lock (invariant I6). It refuses to move
// backward.
func (s *Store) AdvanceDiscard(newOldest uint64) error {
	s.discardMu.Lock()
	defer s.discardMu.Unlock()
	if newOldest < s.oldestData.Load() {
		return errors.New("zundo: discard horizon cannot move backward")
	}
	s.oldestData.Store(newOldest)
	return s.persistMetaLocked()
}

func (s *Store) persistMeta() error {
	return writeMeta(s.metaPath(), s.insertionPoint.Load(), s.oldestData.Load())
}

// persistMetaLocked is called while discardMu is already held.
func (s *Store) persistMetaLocked() error {
	return writeMeta(s.metaPath(), s.insertionPoint.Load(), s.oldestData.Load())
}

func (s *Store) Close() error {
	s.segMu.Lock()
	defer s.segMu.Unlock()
	var firstErr error
	for _, seg := range s.segments {
		if err := seg.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
