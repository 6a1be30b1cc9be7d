package zundo

import (
	"os"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
)

// segment is one fixed-size, memory-mapped slice of a log, following
// the zheap undo-log store's "fixed-size segment files concatenated
// logically" design (spec.md §4.1).
type segment struct {
	file    *os.File
	mapping mmap.MMap
}

func createSegment(path string, size int64) (*segment, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "zundo: open segment %s", path)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "zundo: truncate segment %s", path)
	}
	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "zundo: mmap segment %s", path)
	}
	return &segment{file: f, mapping: m}, nil
}

func openSegmentReadOnly(path string) (*segment, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "zundo: open segment %s", path)
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "zundo: mmap segment %s", path)
	}
	return &segment{file: f, mapping: m}, nil
}

func (s *segment) sync() error {
	if err := s.mapping.Flush(); err != nil {
		return errors.Wrap(err, "zundo: flush segment mapping")
	}
	return s.file.Sync()
}

func (s *segment) close() error {
	if err := s.mapping.Unmap(); err != nil {
		return err
	}
	return s.file.Close()
}
