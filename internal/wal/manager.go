package wal

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"fastpersist/internal/logging"
)

var segmentNamePattern = regexp.MustCompile(`^wal_(\d{6,})\.jsonl$`)

// Manager owns the sequence of WAL segments for one cohort directory. It is
// the sole writer of the currently-open segment; callers serialise Append
// through whatever lock protects the cache + pending ledger (spec §5), so
// Manager itself only needs to protect its own bookkeeping.
type Manager struct {
	mu      sync.Mutex
	cfg     Config
	log     *logging.Logger
	segs    []*Segment // ascending sequence order
	current *Segment
	nextSeq uint64
}

// NewManager loads any existing segments from cfg.DataDir in ascending
// sequence order. It does not create a segment eagerly; the first Append
// creates one lazily, matching spec §4.H ("The open segment for new writes
// is created lazily on the next store").
func NewManager(cfg Config) (*Manager, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("wal: create cohort dir: %w", err)
	}

	m := &Manager{cfg: cfg, log: logging.New("wal")}
	if err := m.loadSegments(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) loadSegments() error {
	entries, err := os.ReadDir(m.cfg.DataDir)
	if err != nil {
		return fmt.Errorf("wal: read cohort dir: %w", err)
	}

	type found struct {
		seq  uint64
		path string
	}
	var segs []found
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		match := segmentNamePattern.FindStringSubmatch(e.Name())
		if match == nil {
			continue
		}
		seq, err := strconv.ParseUint(match[1], 10, 64)
		if err != nil {
			continue
		}
		segs = append(segs, found{seq: seq, path: filepath.Join(m.cfg.DataDir, e.Name())})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].seq < segs[j].seq })

	for _, f := range segs {
		size, records, createdAt, err := scanSegment(f.path)
		if err != nil {
			return fmt.Errorf("wal: scan segment %s: %w", f.path, err)
		}
		seg, err := OpenSegment(f.path, f.seq, size, records, createdAt)
		if err != nil {
			return err
		}
		m.segs = append(m.segs, seg)
		if f.seq+1 > m.nextSeq {
			m.nextSeq = f.seq + 1
		}
	}
	// Recovered segments are never reopened as current: the next Append
	// starts a fresh segment, so a post-recovery RetireSuperseded removes
	// every recovered segment once its records are committed.
	return nil
}

// scanSegment counts lines and bytes and reports the file's mtime as its
// creation time approximation, used only to rehydrate Segment bookkeeping
// on process start; it does not validate JSON (that happens at replay).
func scanSegment(path string) (size, records int64, createdAt time.Time, err error) {
	info, statErr := os.Stat(path)
	if statErr != nil {
		return 0, 0, time.Time{}, statErr
	}
	createdAt = info.ModTime()

	f, openErr := os.Open(path)
	if openErr != nil {
		return 0, 0, createdAt, openErr
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		size += int64(len(line)) + 1
		if len(line) > 0 {
			records++
		}
	}
	return size, records, createdAt, scanner.Err()
}

func segmentPath(dataDir string, seq uint64) string {
	return filepath.Join(dataDir, fmt.Sprintf("wal_%06d.jsonl", seq))
}

// ensureCurrent creates a segment if none is open yet.
func (m *Manager) ensureCurrent() error {
	if m.current != nil {
		return nil
	}
	seg, err := CreateSegment(segmentPath(m.cfg.DataDir, m.nextSeq), m.nextSeq)
	if err != nil {
		return err
	}
	m.nextSeq++
	m.segs = append(m.segs, seg)
	m.current = seg
	return nil
}

// needsRotation reports whether the current segment has crossed a
// configured rotation threshold (spec §4.B).
func (m *Manager) needsRotation() bool {
	if m.current == nil {
		return false
	}
	if m.cfg.MaxWALSize > 0 && m.current.Size() >= m.cfg.MaxWALSize {
		return true
	}
	if m.cfg.BatchSize > 0 && m.current.RecordCount() >= int64(m.cfg.BatchSize) {
		return true
	}
	if m.cfg.MaxWALAge > 0 && m.current.Age() >= m.cfg.MaxWALAge {
		return true
	}
	return false
}

// Append writes one record line to the current segment, rotating first if
// a threshold has already been crossed. Returns true if a rotation
// occurred, so the caller can decide whether to spawn a background flush.
func (m *Manager) Append(line []byte) (rotated bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureCurrent(); err != nil {
		return false, err
	}
	if m.needsRotation() {
		if err := m.rotateLocked(); err != nil {
			return false, err
		}
		rotated = true
	}
	if err := m.current.Append(line); err != nil {
		return rotated, err
	}
	return rotated, nil
}

// rotateLocked closes the current segment, opens the next, and best-effort
// fsyncs the cohort directory so the new directory entry is durable.
// Directory-fsync failures are logged, not fatal (some filesystems/OSes
// don't support it).
func (m *Manager) rotateLocked() error {
	if m.current != nil {
		if err := m.current.Close(); err != nil {
			return fmt.Errorf("wal: close segment %d on rotate: %w", m.current.Sequence(), err)
		}
	}

	seg, err := CreateSegment(segmentPath(m.cfg.DataDir, m.nextSeq), m.nextSeq)
	if err != nil {
		return err
	}
	m.nextSeq++
	m.segs = append(m.segs, seg)
	m.current = seg

	m.fsyncDirBestEffort()
	return nil
}

func (m *Manager) fsyncDirBestEffort() {
	dir, err := os.Open(m.cfg.DataDir)
	if err != nil {
		m.log.Warn("could not open cohort dir for fsync: %v", err)
		return
	}
	defer dir.Close()
	if err := dir.Sync(); err != nil {
		m.log.Warn("directory fsync not supported or failed: %v", err)
	}
}

// Rotate forces a rotation regardless of thresholds, used when the caller
// (e.g. shutdown) needs a clean boundary before retiring segments.
func (m *Manager) Rotate() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return m.ensureCurrent()
	}
	return m.rotateLocked()
}

// Segments returns all segments in ascending sequence order.
func (m *Manager) Segments() []*Segment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Segment, len(m.segs))
	copy(out, m.segs)
	return out
}

// RetireSuperseded deletes every segment except the currently open one.
// Safe to call only after the caller has durably committed a superset of
// every record in those segments (spec invariant: current open segment is
// never deleted).
func (m *Manager) RetireSuperseded() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var kept []*Segment
	for _, seg := range m.segs {
		if seg == m.current {
			kept = append(kept, seg)
			continue
		}
		if err := seg.Close(); err != nil {
			m.log.Warn("close superseded segment %d: %v", seg.Sequence(), err)
		}
		if err := os.Remove(seg.Path()); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("wal: remove superseded segment %s: %w", seg.Path(), err)
		}
	}
	m.segs = kept
	return nil
}

// PurgeAll closes and deletes every segment, including the currently open
// one. Used only by a clean engine shutdown after a final flush has
// committed every record those segments held — unlike RetireSuperseded,
// there is no "current segment survives" exception here because the
// engine instance is ending.
func (m *Manager) PurgeAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, seg := range m.segs {
		if err := seg.Close(); err != nil {
			m.log.Warn("close segment %d during purge: %v", seg.Sequence(), err)
		}
		if err := os.Remove(seg.Path()); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("wal: remove segment %s: %w", seg.Path(), err)
		}
	}
	m.segs = nil
	m.current = nil
	return nil
}

// Stats reports current WAL health.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var st Stats
	st.SegmentCount = len(m.segs)
	for _, seg := range m.segs {
		st.TotalBytes += seg.Size()
		st.TotalRecords += seg.RecordCount()
	}
	if m.current != nil {
		st.OpenSegment = m.current.Path()
	}
	return st
}

// Close flushes and fsyncs the current segment without deleting anything.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	return m.current.Close()
}

// ReplayLines reads every segment in ascending order and invokes handler
// once per non-blank line's raw JSON bytes. A corrupt line is logged and
// skipped; replay continues with the next line, per spec §7 "Corrupt WAL
// line" policy. The per-segment file handles used for replay are distinct
// from the live append handles and are always closed before returning.
func (m *Manager) ReplayLines(handler func(line []byte) error) (ReplayResult, error) {
	start := time.Now()
	var result ReplayResult

	segs := m.Segments()
	for _, seg := range segs {
		result.SegmentsRead++
		if err := m.replaySegment(seg, handler, &result); err != nil {
			return result, err
		}
	}
	result.Duration = time.Since(start)
	return result, nil
}

func (m *Manager) replaySegment(seg *Segment, handler func(line []byte) error, result *ReplayResult) error {
	f, err := os.Open(seg.Path())
	if err != nil {
		return fmt.Errorf("wal: open segment %s for replay: %w", seg.Path(), err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		if err := handler(cp); err != nil {
			result.SkippedLines++
			m.log.Warn("skipping corrupt WAL line in segment %d: %v", seg.Sequence(), err)
			continue
		}
		result.EntriesReplayed++
	}
	return scanner.Err()
}
