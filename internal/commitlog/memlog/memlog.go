// Package memlog is an in-memory commitlog.Log used for fast unit tests of
// the cleaning algorithm without touching the filesystem, the same way
// this codebase pairs its file-backed chunk manager with a memory-backed
// sibling for tests.
package memlog

import (
	"io"
	"sync"
	"time"

	"compactlog/internal/commitlog"
)

type memSegment struct {
	mu           sync.Mutex
	baseOffset   uint64
	records      []commitlog.Record
	lastModified time.Time
}

func (s *memSegment) BaseOffset() uint64 { return s.baseOffset }

func (s *memSegment) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for _, r := range s.records {
		total += int64(len(r.Key)) + int64(len(r.Payload)) + 24
	}
	return total
}

// IndexSize approximates the on-disk index size a file-backed segment would
// carry: one fixed-width entry (offset + position, 16 bytes) per record.
func (s *memSegment) IndexSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.records)) * 16
}

func (s *memSegment) LastModified() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastModified
}

func (s *memSegment) SetLastModified(t time.Time) {
	s.mu.Lock()
	s.lastModified = t
	s.mu.Unlock()
}

func (s *memSegment) Append(r commitlog.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	s.lastModified = time.Now()
	return nil
}

func (s *memSegment) Flush() error { return nil }

func (s *memSegment) Delete() error {
	s.mu.Lock()
	s.records = nil
	s.mu.Unlock()
	return nil
}

func (s *memSegment) Reader() (commitlog.RecordCursor, error) {
	s.mu.Lock()
	recs := make([]commitlog.Record, len(s.records))
	copy(recs, s.records)
	s.mu.Unlock()
	return &memCursor{records: recs}, nil
}

type memCursor struct {
	records []commitlog.Record
	pos     int
}

func (c *memCursor) Next() (commitlog.Record, error) {
	if c.pos >= len(c.records) {
		return commitlog.Record{}, io.EOF
	}
	r := c.records[c.pos]
	c.pos++
	return r, nil
}

func (c *memCursor) Close() error { return nil }

// Log is an in-memory commitlog.Log.
type Log struct {
	mu                sync.Mutex
	name              string
	cfg               commitlog.Config
	segments          []*memSegment
	active            *memSegment
	numberOfTruncates uint32
}

// New returns an empty in-memory log with a single active segment at
// offset 0.
func New(name string, cfg commitlog.Config) *Log {
	return &Log{
		name:   name,
		cfg:    cfg,
		active: &memSegment{baseOffset: 0, lastModified: time.Now()},
	}
}

func (l *Log) Name() string             { return l.name }
func (l *Log) Dir() string              { return "" }
func (l *Log) Config() commitlog.Config { return l.cfg }

func (l *Log) ActiveSegment() commitlog.Segment {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

func (l *Log) Segments(from, to uint64) []commitlog.Segment {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []commitlog.Segment
	for i, seg := range l.segments {
		var nextBase uint64
		if i+1 < len(l.segments) {
			nextBase = l.segments[i+1].BaseOffset()
		} else {
			nextBase = l.active.BaseOffset()
		}
		if seg.BaseOffset() >= to {
			break
		}
		if nextBase <= from {
			continue
		}
		out = append(out, seg)
	}
	if l.active.BaseOffset() < to {
		out = append(out, l.active)
	}
	return out
}

func (l *Log) NumberOfTruncates() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.numberOfTruncates
}

func (l *Log) Truncate() {
	l.mu.Lock()
	l.numberOfTruncates++
	l.mu.Unlock()
}

func (l *Log) AppendSegment(baseOffset uint64) (commitlog.WritableSegment, error) {
	return &memSegment{baseOffset: baseOffset, lastModified: time.Now()}, nil
}

func (l *Log) ReplaceSegments(newSegment commitlog.Segment, oldSegments []commitlog.Segment, expectedTruncateCount uint32) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.numberOfTruncates != expectedTruncateCount {
		return commitlog.ErrOptimisticLock
	}

	ns, ok := newSegment.(*memSegment)
	if !ok {
		return io.ErrUnexpectedEOF
	}

	oldSet := make(map[uint64]bool, len(oldSegments))
	for _, old := range oldSegments {
		oldSet[old.BaseOffset()] = true
	}

	var replaced []*memSegment
	inserted := false
	for _, seg := range l.segments {
		if oldSet[seg.BaseOffset()] {
			if !inserted {
				replaced = append(replaced, ns)
				inserted = true
			}
			continue
		}
		replaced = append(replaced, seg)
	}
	if !inserted {
		replaced = append(replaced, ns)
	}
	l.segments = replaced
	return nil
}

// Append writes a new record to the active segment. Test helper, not part
// of the commitlog.Log contract.
func (l *Log) Append(r commitlog.Record) error {
	l.mu.Lock()
	active := l.active
	l.mu.Unlock()
	return active.Append(r)
}

// Roll seals the current active segment (appending it to the immutable
// chain) and starts a fresh active segment at newBaseOffset. Test helper
// used to construct multi-segment fixtures.
func (l *Log) Roll(newBaseOffset uint64) {
	l.mu.Lock()
	l.segments = append(l.segments, l.active)
	l.active = &memSegment{baseOffset: newBaseOffset, lastModified: time.Now()}
	l.mu.Unlock()
}
