// Package cleaner implements the per-log cleaning algorithm: build an
// offset map over the dirty range, group the segments it covers by size
// budget, rewrite each group, and report how far cleaning progressed.
package cleaner

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
	"compactlog/internal/rewrite"
	"compactlog/internal/throttle"
)

// Cleaner runs the per-log cleaning algorithm. One Cleaner belongs to a
// single worker and owns its own OffsetMap; it is not safe for concurrent
// use across goroutines.
type Cleaner struct {
	mapCfg    offsetmap.Config
	rewriter  *rewrite.Rewriter
	throttler *throttle.Throttler
	logger    *slog.Logger
}

// Config configures a Cleaner.
type Config struct {
	MapMemoryBytes int64
	LoadFactor     float64
	HashAlgorithm  offsetmap.Algorithm
	Throttler      *throttle.Throttler
	Logger         *slog.Logger
}

// New builds a Cleaner.
func New(cfg Config) *Cleaner {
	logger := logging.Default(cfg.Logger).With("component", "cleaner")
	t := cfg.Throttler
	if t == nil {
		t = throttle.New(throttle.Config{Logger: cfg.Logger})
	}
	return &Cleaner{
		mapCfg: offsetmap.Config{
			MemoryBytes:   cfg.MapMemoryBytes,
			LoadFactor:    cfg.LoadFactor,
			HashAlgorithm: cfg.HashAlgorithm,
		},
		rewriter:  rewrite.New(rewrite.Config{Throttler: t, Logger: cfg.Logger}),
		throttler: t,
		logger:    logger,
	}
}

// Clean runs one pass of the algorithm against log starting at
// firstDirtyOffset. It returns the new first-dirty-offset the caller
// should persist to the checkpoint, which only advances past
// firstDirtyOffset when every group was successfully rewritten.
func (c *Cleaner) Clean(ctx context.Context, log commitlog.Log, firstDirtyOffset uint64) (uint64, commitlog.Stats, error) {
	var stats commitlog.Stats
	start := time.Now()
	defer func() { stats.Elapsed = time.Since(start) }()

	truncateCount := log.NumberOfTruncates()
	cfg := log.Config()

	offsets, err := offsetmap.New(c.mapCfg)
	if err != nil {
		return firstDirtyOffset, stats, fmt.Errorf("cleaner: build offset map: %w", err)
	}

	mapBuildStart := time.Now()
	endOffset, err := c.buildOffsetMap(ctx, log, firstDirtyOffset, offsets)
	stats.MapBuildTime = time.Since(mapBuildStart)
	if err != nil {
		return firstDirtyOffset, stats, err
	}
	if endOffset <= firstDirtyOffset {
		// Nothing new to clean; the dirty range was empty.
		return firstDirtyOffset, stats, nil
	}

	deleteHorizon := c.deleteHorizon(log, firstDirtyOffset, cfg.DeleteRetention)

	segments := log.Segments(0, endOffset)
	groups := rewrite.GroupBySize(segments, cfg.SegmentBytes, cfg.MaxIndexBytes)

	for _, group := range groups {
		select {
		case <-ctx.Done():
			return firstDirtyOffset, stats, commitlog.ErrCancelled
		default:
		}

		groupStats, err := c.rewriter.Rewrite(ctx, log, rewrite.Group{
			Sources:         group,
			DeleteHorizon:   deleteHorizon,
			MaxMessageBytes: cfg.MaxMessageBytes,
		}, offsets, truncateCount)

		stats.BytesRead += groupStats.BytesRead
		stats.BytesWritten += groupStats.BytesWritten
		stats.MessagesRead += groupStats.MessagesRead
		stats.MessagesWritten += groupStats.MessagesWritten

		if err != nil {
			if errors.Is(err, commitlog.ErrOptimisticLock) {
				// No progress beyond what was already clean: abort the
				// whole run rather than persist a partially rewritten log.
				return firstDirtyOffset, stats, err
			}
			return firstDirtyOffset, stats, err
		}
	}

	c.logger.Info("log cleaned", "from", firstDirtyOffset, "to", endOffset, "groups", len(groups))
	return endOffset, stats, nil
}

// buildOffsetMap scans records from firstDirtyOffset up to (not including)
// the active segment, inserting each key's latest offset into offsets. It
// stops early once the map is near its load factor and the next segment
// starts past the point where the table would realistically still fit the
// remaining keys.
func (c *Cleaner) buildOffsetMap(ctx context.Context, log commitlog.Log, firstDirtyOffset uint64, offsets *offsetmap.Map) (uint64, error) {
	active := log.ActiveSegment()
	segments := log.Segments(firstDirtyOffset, active.BaseOffset())

	endOffset := firstDirtyOffset
	softLimit := firstDirtyOffset + uint64(float64(offsets.Slots())*offsets.LoadFactor())

	for i, seg := range segments {
		if i > 0 && seg.BaseOffset() > softLimit && offsets.Utilization() >= offsets.LoadFactor() {
			break
		}

		cursor, err := seg.Reader()
		if err != nil {
			return endOffset, fmt.Errorf("cleaner: open segment reader: %w", err)
		}

		for {
			select {
			case <-ctx.Done():
				cursor.Close()
				return endOffset, commitlog.ErrCancelled
			default:
			}

			rec, err := cursor.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				cursor.Close()
				return endOffset, fmt.Errorf("cleaner: read record: %w", err)
			}
			if err := c.throttler.MaybeThrottle(ctx, len(rec.Key)+len(rec.Payload)); err != nil {
				cursor.Close()
				return endOffset, err
			}
			if rec.Key == nil {
				cursor.Close()
				return endOffset, commitlog.ErrCorruptLog
			}
			if err := offsets.Put(rec.Key, rec.Offset); err != nil {
				cursor.Close()
				return endOffset, fmt.Errorf("cleaner: %w: %w", commitlog.ErrMapFull, err)
			}
			if rec.Offset+1 > endOffset {
				endOffset = rec.Offset + 1
			}
		}
		cursor.Close()
	}

	return endOffset, nil
}

// deleteHorizon computes the wall-clock threshold below which tombstones
// are dropped rather than retained: the last entirely-clean segment's
// modification time minus the configured retention, or the zero time if no
// segment is entirely below firstDirtyOffset (nothing to anchor a horizon
// to yet, so every tombstone is retained this pass).
func (c *Cleaner) deleteHorizon(log commitlog.Log, firstDirtyOffset uint64, retention time.Duration) time.Time {
	cleanSegments := log.Segments(0, firstDirtyOffset)
	if len(cleanSegments) == 0 {
		return time.Time{}
	}
	last := cleanSegments[len(cleanSegments)-1]
	return last.LastModified().Add(-retention)
}
