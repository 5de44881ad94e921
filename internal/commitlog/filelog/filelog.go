// Package filelog is a file-backed implementation of commitlog.Log, built
// the way this codebase's chunk storage manager lays out split message and
// index files per segment, locks its directory against concurrent owners,
// and swaps files in atomically via temp-name-then-rename.
package filelog

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"compactlog/internal/commitlog"
	"compactlog/internal/logging"
)

var (
	errMissingDir      = errors.New("filelog: dir is required")
	errDirectoryLocked = errors.New("filelog: directory is locked by another process")
)

// Manager is a commitlog.Log backed by a directory of segment file pairs.
type Manager struct {
	mu       sync.Mutex
	name     string
	dir      string
	cfg      commitlog.Config
	fileMode os.FileMode
	lockFile *os.File

	segments          []*segment // immutable, offset-ordered, excludes active
	active            *segment
	numberOfTruncates uint32

	logger *slog.Logger
}

// Config configures a new Manager.
type Config struct {
	Dir      string
	Name     string
	FileMode os.FileMode
	LogCfg   commitlog.Config
	Logger   *slog.Logger
}

// NewManager opens (or creates) a directory-backed log. If segment files
// already exist in Dir, they are loaded as sealed segments except for the
// one with the highest base offset, which becomes active.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Dir == "" {
		return nil, errMissingDir
	}
	fileMode := cfg.FileMode
	if fileMode == 0 {
		fileMode = 0o644
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("filelog: mkdir: %w", err)
	}

	lockFile, err := acquireLock(cfg.Dir)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		name:     cfg.Name,
		dir:      cfg.Dir,
		cfg:      cfg.LogCfg,
		fileMode: fileMode,
		lockFile: lockFile,
		logger:   logging.Default(cfg.Logger).With("component", "filelog", "log", cfg.Name),
	}

	if err := m.loadExisting(); err != nil {
		lockFile.Close()
		return nil, err
	}
	if m.active == nil {
		active, err := newActiveSegment(0, m.msgPath(0), m.idxPath(0), fileMode)
		if err != nil {
			lockFile.Close()
			return nil, err
		}
		m.active = active
	}
	return m, nil
}

func acquireLock(dir string) (*os.File, error) {
	path := filepath.Join(dir, ".lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := flock(f); err != nil {
		f.Close()
		return nil, errDirectoryLocked
	}
	return f, nil
}

func (m *Manager) msgPath(baseOffset uint64) string {
	return filepath.Join(m.dir, fmt.Sprintf("%020d%s", baseOffset, logSuffix))
}

func (m *Manager) idxPath(baseOffset uint64) string {
	return filepath.Join(m.dir, fmt.Sprintf("%020d%s", baseOffset, indexSuffix))
}

// loadExisting scans the directory for "<offset>.log" files and reopens
// them: all but the highest-offset one as sealed, the highest as active.
func (m *Manager) loadExisting() error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return err
	}
	var bases []uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, logSuffix) || strings.HasSuffix(name, stagingSuffix+logSuffix) {
			continue
		}
		base, err := strconv.ParseUint(strings.TrimSuffix(name, logSuffix), 10, 64)
		if err != nil {
			continue
		}
		bases = append(bases, base)
	}
	if len(bases) == 0 {
		return nil
	}
	sort.Slice(bases, func(i, j int) bool { return bases[i] < bases[j] })

	for i, base := range bases {
		if i == len(bases)-1 {
			active, err := newActiveSegment(base, m.msgPath(base), m.idxPath(base), m.fileMode)
			if err != nil {
				return err
			}
			m.active = active
			continue
		}
		seg, err := openSealedSegment(base, m.msgPath(base), m.idxPath(base), m.fileMode)
		if err != nil {
			return err
		}
		m.segments = append(m.segments, seg)
	}
	return nil
}

func (m *Manager) Name() string { return m.name }
func (m *Manager) Dir() string  { return m.dir }

func (m *Manager) Config() commitlog.Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

func (m *Manager) ActiveSegment() commitlog.Segment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Segments returns, in offset order, every sealed segment overlapping
// [from, to) plus the active segment when to extends past its base offset.
func (m *Manager) Segments(from, to uint64) []commitlog.Segment {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []commitlog.Segment
	for i, seg := range m.segments {
		var nextBase uint64
		if i+1 < len(m.segments) {
			nextBase = m.segments[i+1].BaseOffset()
		} else {
			nextBase = m.active.BaseOffset()
		}
		if seg.BaseOffset() >= to {
			break
		}
		if nextBase <= from {
			continue
		}
		out = append(out, seg)
	}
	if m.active.BaseOffset() < to {
		out = append(out, m.active)
	}
	return out
}

func (m *Manager) NumberOfTruncates() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.numberOfTruncates
}

// Truncate simulates an external truncation event (e.g. leader change
// forcing a log to roll back). It bumps the optimistic-concurrency counter
// the rewriter checks before swapping segments in.
func (m *Manager) Truncate() {
	m.mu.Lock()
	m.numberOfTruncates++
	m.mu.Unlock()
}

// AppendSegment creates a brand-new, empty staging segment the rewriter can
// fill before asking ReplaceSegments to swap it in.
func (m *Manager) AppendSegment(baseOffset uint64) (commitlog.WritableSegment, error) {
	msgPath := filepath.Join(m.dir, fmt.Sprintf("%020d%s%s", baseOffset, stagingSuffix, logSuffix))
	idxPath := filepath.Join(m.dir, fmt.Sprintf("%020d%s%s", baseOffset, stagingSuffix, indexSuffix))
	os.Remove(msgPath)
	os.Remove(idxPath)
	return newActiveSegment(baseOffset, msgPath, idxPath, m.fileMode)
}

// ReplaceSegments atomically splices newSegment in for oldSegments iff the
// truncate counter has not moved since expectedTruncateCount was captured.
func (m *Manager) ReplaceSegments(newSegment commitlog.Segment, oldSegments []commitlog.Segment, expectedTruncateCount uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.numberOfTruncates != expectedTruncateCount {
		return commitlog.ErrOptimisticLock
	}

	ns, ok := newSegment.(*segment)
	if !ok {
		return fmt.Errorf("filelog: ReplaceSegments given a non-filelog segment")
	}

	finalMsgPath := m.msgPath(ns.baseOffset)
	finalIdxPath := m.idxPath(ns.baseOffset)

	ns.mu.Lock()
	if ns.msgFile != nil {
		ns.msgFile.Sync()
		ns.msgFile.Close()
		ns.msgFile = nil
	}
	if ns.idxFile != nil {
		ns.idxFile.Sync()
		ns.idxFile.Close()
		ns.idxFile = nil
	}
	stagingMsgPath, stagingIdxPath := ns.msgPath, ns.idxPath
	ns.mu.Unlock()

	if err := renameFile(stagingMsgPath, finalMsgPath); err != nil {
		return fmt.Errorf("filelog: rename message file: %w", err)
	}
	if err := renameFile(stagingIdxPath, finalIdxPath); err != nil {
		return fmt.Errorf("filelog: rename index file: %w", err)
	}
	ns.msgPath, ns.idxPath = finalMsgPath, finalIdxPath
	ns.active = false

	oldSet := make(map[uint64]bool, len(oldSegments))
	for _, old := range oldSegments {
		oldSet[old.BaseOffset()] = true
	}

	var replaced []*segment
	inserted := false
	for _, seg := range m.segments {
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
	m.segments = replaced

	go func() {
		for _, old := range oldSegments {
			if old.BaseOffset() == ns.baseOffset {
				continue
			}
			_ = old.Delete()
		}
	}()

	m.logger.Info("segments replaced", "newBaseOffset", ns.baseOffset, "replacedCount", len(oldSegments))
	return nil
}

// Append writes a new record to the active segment. Not part of the
// commitlog.Log contract consumed by the engine; it exists so tests and
// the embedding broker can populate a log to be cleaned.
func (m *Manager) Append(r commitlog.Record) error {
	m.mu.Lock()
	active := m.active
	m.mu.Unlock()
	return active.Append(r)
}

// Close releases the directory lock.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		m.active.Flush()
	}
	return m.lockFile.Close()
}
