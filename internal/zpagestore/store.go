// Package zpagestore is a minimal buffer-cache stand-in the DML
// kernel pins pages through. A production buffer manager with clock
// sweep / LRU eviction and WAL-before-data ordering is an external
// collaborator (spec.md §1); this package only needs to hold pages in
// memory, back them with a file, and serialize concurrent access per
// block the way the kernel's "exclusive page lock" step expects.
package zpagestore

import (
	"os"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/zheapdb/zheap/internal/zpage"
)

// Store holds pages for a single relation file, evicting the least
// recently used page when the cache is full (writing it back first if
// it is dirty).
type Store struct {
	mu       sync.Mutex
	file     *os.File
	pageSize int
	cache    *lru.Cache[uint32, *entry]
	numPages uint32
}

type entry struct {
	mu    sync.Mutex
	page  *zpage.Page
	dirty bool
}

// Open opens or creates the relation file at path and sizes the
// in-memory cache to capacity pages.
func Open(path string, pageSize, capacity int) (*Store, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "zpagestore: open %s", path)
	}
	info, err := f.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "zpagestore: stat")
	}

	s := &Store{
		file:     f,
		pageSize: pageSize,
		numPages: uint32(info.Size() / int64(pageSize+zpage.ChecksumSize)),
	}
	s.cache, err = lru.NewWithEvict[uint32, *entry](capacity, s.onEvict)
	if err != nil {
		return nil, errors.Wrap(err, "zpagestore: new lru")
	}
	return s, nil
}

// onEvict flushes a dirty page to disk before it is dropped from the
// cache, matching the buffer manager's write-back-on-eviction rule.
func (s *Store) onEvict(block uint32, e *entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dirty {
		_ = s.writeThrough(block, e.page)
	}
}

// NumBlocks returns the current size of the relation, in pages.
func (s *Store) NumBlocks() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.numPages
}

// Extend appends a fresh, empty page with numSlots slots and returns
// its block number.
func (s *Store) Extend(numSlots uint16) (uint32, *zpage.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	block := s.numPages
	p := zpage.New(s.pageSize, numSlots)
	if err := s.writeThrough(block, p); err != nil {
		return 0, nil, err
	}
	s.numPages++
	s.cache.Add(block, &entry{page: p, dirty: false})
	return block, p, nil
}

// Fetch returns the page for block, loading it from disk on a cache
// miss.
func (s *Store) Fetch(block uint32) (*zpage.Page, error) {
	s.mu.Lock()
	if e, ok := s.cache.Get(block); ok {
		s.mu.Unlock()
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.page, nil
	}
	s.mu.Unlock()

	raw := make([]byte, s.pageSize+zpage.ChecksumSize)
	if _, err := s.file.ReadAt(raw, int64(block)*int64(len(raw))); err != nil {
		return nil, errors.Wrapf(err, "zpagestore: read block %d", block)
	}
	p, err := zpage.Load(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "zpagestore: load block %d", block)
	}

	s.mu.Lock()
	s.cache.Add(block, &entry{page: p, dirty: false})
	s.mu.Unlock()
	return p, nil
}

// MarkDirty records that block's in-memory page has been mutated and
// needs to be written back, either on eviction or on an explicit
// Flush.
func (s *Store) MarkDirty(block uint32) {
	s.mu.Lock()
	e, ok := s.cache.Get(block)
	s.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.dirty = true
	e.mu.Unlock()
}

// Flush writes block's current page image to disk, following the
// WAL-before-data rule: the caller must have durably appended the
// corresponding WAL record first.
func (s *Store) Flush(block uint32) error {
	s.mu.Lock()
	e, ok := s.cache.Get(block)
	s.mu.Unlock()
	if !ok {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.dirty {
		return nil
	}
	s.mu.Lock()
	err := s.writeThrough(block, e.page)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	e.dirty = false
	return nil
}

func (s *Store) writeThrough(block uint32, p *zpage.Page) error {
	raw := p.Flush()
	_, err := s.file.WriteAt(raw, int64(block)*int64(s.pageSize+zpage.ChecksumSize))
	return errors.Wrapf(err, "zpagestore: write block %d", block)
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, block := range s.cache.Keys() {
		e, ok := s.cache.Peek(block)
		if ok && e.dirty {
			if err := s.writeThrough(block, e.page); err != nil {
				return err
			}
		}
	}
	return s.file.Close()
}
