// Package commitlog defines the abstractions the compaction engine consumes:
// a partitioned, append-only, offset-addressed Log made up of immutable
// Segments plus one active Segment receiving writes.
//
// The engine never constructs a Log itself; it is handed Logs by an external
// owner (a log manager) and holds only weak references to them. A Log may
// disappear between engine passes; callers treat that as "nothing to clean"
// rather than an error.
package commitlog

import (
	"errors"
	"time"
)

var (
	// ErrOptimisticLock is returned by ReplaceSegments when the log's
	// truncate counter no longer matches the value observed before the
	// caller started building its offset map.
	ErrOptimisticLock = errors.New("commitlog: optimistic lock failure, log was truncated")

	// ErrCancelled is returned when a cleaning run is aborted by a
	// shutdown signal partway through.
	ErrCancelled = errors.New("commitlog: cleaning cancelled")

	// ErrCorruptLog indicates a record with a null key was found in a
	// log configured for compaction. Compaction cannot proceed without
	// a key to index on.
	ErrCorruptLog = errors.New("commitlog: record with nil key in compacted log")

	// ErrMessageTooLarge indicates a single record exceeded the
	// configured maximum message size while growing the I/O buffer.
	ErrMessageTooLarge = errors.New("commitlog: message exceeds maximum size")

	// ErrMapFull indicates an insert was attempted into an OffsetMap at
	// capacity. This should never happen if callers respect the map's
	// load factor; its appearance indicates a logic error in the caller.
	ErrMapFull = errors.New("commitlog: offset map is full")

	// ErrSegmentNotFound reports a requested segment that no longer exists
	// in a log, typically because it was already compacted away. Neither
	// filelog nor memlog returns it.
	ErrSegmentNotFound = errors.New("commitlog: segment not found")
)

// Record is a single entry in a Log. A Record with a nil Payload is a
// tombstone: it marks its Key as logically deleted. A Record with a nil Key
// is only legal in logs that are not configured for compaction.
type Record struct {
	Offset  uint64
	Key     []byte
	Payload []byte
}

// IsTombstone reports whether r marks its key as deleted.
func (r Record) IsTombstone() bool {
	return r.Payload == nil
}

// Config carries the per-log settings the engine consults when deciding
// whether and how aggressively to clean a log.
type Config struct {
	Compact           bool
	MinCleanableRatio float64
	SegmentBytes      int64
	MaxIndexBytes     int64
	DeleteRetention   time.Duration
	MaxMessageBytes   int
}

// Segment is one contiguous, offset-ordered run of records backed by a
// message file and an offset index file. Exactly one Segment per Log is
// active and accepts appends; all others are immutable.
type Segment interface {
	BaseOffset() uint64
	Size() int64
	// IndexSize reports the byte size of the segment's offset index, the
	// other half of the §4.5 grouping budget alongside Size.
	IndexSize() int64
	LastModified() time.Time
	SetLastModified(t time.Time)

	// Reader opens a cursor over this segment's records in offset order,
	// starting at the beginning of the segment.
	Reader() (RecordCursor, error)

	// Flush persists any buffered writes to stable storage.
	Flush() error

	// Delete removes the segment's backing files. Only safe to call once
	// the segment has been spliced out of its Log.
	Delete() error
}

// RecordCursor iterates a Segment's records in offset order.
type RecordCursor interface {
	// Next returns the next record, or io.EOF when the segment is
	// exhausted.
	Next() (Record, error)
	Close() error
}

// Log is the external interface the engine consumes. Implementations own
// their own locking; ReplaceSegments must be safe to call concurrently with
// ongoing appends to the active segment.
type Log interface {
	Name() string
	Dir() string
	Config() Config

	ActiveSegment() Segment

	// Segments returns, in offset order, every segment whose records may
	// overlap [from, to): every segment with BaseOffset < to, starting
	// from the segment containing offset `from` or later.
	Segments(from, to uint64) []Segment

	// NumberOfTruncates is a monotonic counter bumped by any truncation
	// of the log, used as an optimistic-concurrency token by the engine.
	NumberOfTruncates() uint32

	// ReplaceSegments atomically swaps newSegment in for oldSegments iff
	// the log's truncate counter still equals expectedTruncateCount.
	// On success, oldSegments are scheduled for deletion and newSegment
	// becomes part of the log's immutable segment chain.
	ReplaceSegments(newSegment Segment, oldSegments []Segment, expectedTruncateCount uint32) error

	// AppendSegment creates a new, empty, writable segment at baseOffset,
	// used by the rewriter to stage a replacement before the swap.
	AppendSegment(baseOffset uint64) (WritableSegment, error)
}

// WritableSegment is the subset of Segment the rewriter can append new,
// already-ordered records to while staging a replacement.
type WritableSegment interface {
	Segment
	Append(Record) error
}

// LogToClean is one candidate picked by the manager's selection pass.
type LogToClean struct {
	PartitionID      string
	Log              Log
	FirstDirtyOffset uint64
}

// CleanableRatio computes dirtyBytes/(cleanBytes+dirtyBytes) for lt, where
// "clean" means entirely below FirstDirtyOffset and "dirty" means between
// FirstDirtyOffset and the active segment's base offset.
func (lt LogToClean) CleanableRatio() float64 {
	clean, dirty := lt.cleanAndDirtyBytes()
	total := clean + dirty
	if total == 0 {
		return 0
	}
	return float64(dirty) / float64(total)
}

func (lt LogToClean) cleanAndDirtyBytes() (clean, dirty int64) {
	active := lt.Log.ActiveSegment()
	var activeBase uint64
	if active != nil {
		activeBase = active.BaseOffset()
	}
	for _, seg := range lt.Log.Segments(0, activeBase) {
		if seg.BaseOffset() < lt.FirstDirtyOffset {
			clean += seg.Size()
		} else {
			dirty += seg.Size()
		}
	}
	return clean, dirty
}

// Stats carries per-run observational counters. Purely informational; the
// engine never branches on them.
type Stats struct {
	BytesRead      int64
	MessagesRead   int64
	BytesWritten   int64
	MessagesWritten int64
	MapBuildTime   time.Duration
	Elapsed        time.Duration
}
