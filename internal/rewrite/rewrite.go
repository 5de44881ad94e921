// Package rewrite implements the segment rewriter: given a group of
// adjacent source segments and a filled offset map, it produces one
// replacement segment containing only the records that are still live,
// then asks the log to swap it in atomically.
package rewrite

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"compactlog/internal/commitlog"
	"compactlog/internal/logging"
	"compactlog/internal/offsetmap"
	"compactlog/internal/throttle"
)

// Rewriter rewrites groups of segments for a single log.
type Rewriter struct {
	throttler *throttle.Throttler
	logger    *slog.Logger
}

// Config configures a Rewriter.
type Config struct {
	Throttler *throttle.Throttler
	Logger    *slog.Logger
}

// New builds a Rewriter. A nil Throttler disables rate limiting.
func New(cfg Config) *Rewriter {
	t := cfg.Throttler
	if t == nil {
		t = throttle.New(throttle.Config{})
	}
	return &Rewriter{
		throttler: t,
		logger:    logging.Default(cfg.Logger).With("component", "rewriter"),
	}
}

// Group is one contiguous run of source segments to be rewritten together,
// plus the delete horizon below which tombstones are discarded.
type Group struct {
	Sources         []commitlog.Segment
	DeleteHorizon   time.Time
	MaxMessageBytes int
}

// Rewrite filters Sources against offsets and writes survivors into a new
// segment, then swaps it into log in place of Sources. On
// ErrOptimisticLock, the staged segment is discarded and the error is
// returned unwrapped so callers can distinguish it from other failures.
func (r *Rewriter) Rewrite(ctx context.Context, log commitlog.Log, group Group, offsets *offsetmap.Map, expectedTruncateCount uint32) (commitlog.Stats, error) {
	var stats commitlog.Stats
	start := time.Now()
	defer func() { stats.Elapsed = time.Since(start) }()

	if len(group.Sources) == 0 {
		return stats, errors.New("rewrite: group has no source segments")
	}

	newBase := group.Sources[0].BaseOffset()
	dst, err := log.AppendSegment(newBase)
	if err != nil {
		return stats, fmt.Errorf("rewrite: stage new segment: %w", err)
	}

	for _, src := range group.Sources {
		retainDeletes := src.LastModified().After(group.DeleteHorizon)

		cursor, err := src.Reader()
		if err != nil {
			dst.Delete()
			return stats, fmt.Errorf("rewrite: open source reader: %w", err)
		}

		for {
			select {
			case <-ctx.Done():
				cursor.Close()
				dst.Delete()
				return stats, commitlog.ErrCancelled
			default:
			}

			rec, err := cursor.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				cursor.Close()
				dst.Delete()
				return stats, fmt.Errorf("rewrite: read record: %w", err)
			}

			recSize := len(rec.Key) + len(rec.Payload)
			if group.MaxMessageBytes > 0 && recSize > group.MaxMessageBytes {
				cursor.Close()
				dst.Delete()
				return stats, commitlog.ErrMessageTooLarge
			}
			if err := r.throttler.MaybeThrottle(ctx, recSize); err != nil {
				cursor.Close()
				dst.Delete()
				return stats, err
			}
			stats.BytesRead += int64(recSize)
			stats.MessagesRead++

			if rec.Key == nil {
				cursor.Close()
				dst.Delete()
				return stats, commitlog.ErrCorruptLog
			}

			if shouldDrop(rec, offsets, retainDeletes) {
				continue
			}

			if err := dst.Append(rec); err != nil {
				cursor.Close()
				dst.Delete()
				return stats, fmt.Errorf("rewrite: append to destination: %w", err)
			}
			if err := r.throttler.MaybeThrottle(ctx, recSize); err != nil {
				cursor.Close()
				dst.Delete()
				return stats, err
			}
			stats.BytesWritten += int64(recSize)
			stats.MessagesWritten++
		}
		cursor.Close()
	}

	if err := dst.Flush(); err != nil {
		dst.Delete()
		return stats, fmt.Errorf("rewrite: flush destination: %w", err)
	}
	if lastSrc := group.Sources[len(group.Sources)-1]; lastSrc.LastModified().After(time.Time{}) {
		dst.SetLastModified(lastSrc.LastModified())
	}

	if err := log.ReplaceSegments(dst, group.Sources, expectedTruncateCount); err != nil {
		if errors.Is(err, commitlog.ErrOptimisticLock) {
			dst.Delete()
			r.logger.Warn("optimistic lock failure during swap", "baseOffset", newBase)
			return stats, commitlog.ErrOptimisticLock
		}
		dst.Delete()
		return stats, fmt.Errorf("rewrite: replace segments: %w", err)
	}

	r.logger.Info("segment group rewritten", "baseOffset", newBase, "sources", len(group.Sources),
		"bytesRead", stats.BytesRead, "bytesWritten", stats.BytesWritten)
	return stats, nil
}

// shouldDrop reports whether rec is obsolete: a newer offset for its key
// exists in the map, or it is a tombstone past its retention horizon.
func shouldDrop(rec commitlog.Record, offsets *offsetmap.Map, retainDeletes bool) bool {
	if mapped, ok := offsets.Get(rec.Key); ok && mapped > rec.Offset {
		return true
	}
	if rec.IsTombstone() && !retainDeletes {
		return true
	}
	return false
}

// GroupBySize splits segments, in order, into groups whose cumulative
// message size does not exceed maxGroupBytes and whose cumulative index
// size does not exceed maxIndexBytes. Every group contains at least one
// segment even if that segment alone exceeds either budget. A non-positive
// maxIndexBytes disables the index-size constraint.
func GroupBySize(segments []commitlog.Segment, maxGroupBytes, maxIndexBytes int64) [][]commitlog.Segment {
	var groups [][]commitlog.Segment
	var current []commitlog.Segment
	var currentSize, currentIndexSize int64

	for _, seg := range segments {
		size := seg.Size()
		idxSize := seg.IndexSize()
		exceedsSize := currentSize+size > maxGroupBytes
		exceedsIndex := maxIndexBytes > 0 && currentIndexSize+idxSize > maxIndexBytes
		if len(current) > 0 && (exceedsSize || exceedsIndex) {
			groups = append(groups, current)
			current = nil
			currentSize = 0
			currentIndexSize = 0
		}
		current = append(current, seg)
		currentSize += size
		currentIndexSize += idxSize
	}
	if len(current) > 0 {
		groups = append(groups, current)
	}
	return groups
}
