package wal

import (
	"bufio"
	"fmt"
	"os"
	"sync"
	"time"
)

// Segment is one WAL file: "wal_<seq:06d>.jsonl" within a cohort directory.
// Each line is a single UTF-8 JSON object terminated by "\n".
type Segment struct {
	mu         sync.Mutex
	path       string
	seq        uint64
	file       *os.File
	writer     *bufio.Writer
	size       int64
	records    int64
	createdAt  time.Time
	closed     bool
}

// CreateSegment creates a new, empty WAL segment file for append.
func CreateSegment(path string, seq uint64) (*Segment, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("wal: create segment: %w", err)
	}
	return &Segment{
		path:      path,
		seq:       seq,
		file:      file,
		writer:    bufio.NewWriter(file),
		createdAt: time.Now(),
	}, nil
}

// OpenSegment reopens an existing segment file for append, e.g. after a
// crash where the previous process left the current segment partially
// written. size and records must be supplied by the caller, typically from
// scanning the file during cohort recovery.
func OpenSegment(path string, seq uint64, size, records int64, createdAt time.Time) (*Segment, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("wal: open segment: %w", err)
	}
	return &Segment{
		path:      path,
		seq:       seq,
		file:      file,
		writer:    bufio.NewWriter(file),
		size:      size,
		records:   records,
		createdAt: createdAt,
	}, nil
}

// Append writes one JSON line, then flushes the buffered writer and fsyncs
// the file descriptor before updating size/record counters, per the spec's
// append → stream flush → fsync sequencing.
func (s *Segment) Append(line []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("wal: segment %d is closed", s.seq)
	}

	if _, err := s.writer.Write(line); err != nil {
		return fmt.Errorf("wal: write line: %w", err)
	}
	if err := s.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("wal: write newline: %w", err)
	}
	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("wal: flush: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("wal: fsync: %w", err)
	}

	s.size += int64(len(line)) + 1
	s.records++
	return nil
}

// Close flushes, fsyncs, and closes the segment file. Safe to call more
// than once.
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.writer.Flush(); err != nil {
		s.file.Close()
		return fmt.Errorf("wal: flush on close: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		s.file.Close()
		return fmt.Errorf("wal: fsync on close: %w", err)
	}
	return s.file.Close()
}

func (s *Segment) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

func (s *Segment) RecordCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records
}

func (s *Segment) Age() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.createdAt)
}

func (s *Segment) Sequence() uint64 { return s.seq }
func (s *Segment) Path() string     { return s.path }
