// Package checkpoint persists, per data directory, the first offset not
// yet cleaned for every partition whose log lives there. Writes are atomic
// via temp file plus rename with round-trip validation, the same contract
// this codebase's configuration store uses for its own persisted state.
package checkpoint

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"compactlog/internal/logging"
)

const (
	fileName      = "cleaner-offset-checkpoint"
	formatVersion = 0
)

// Store manages the checkpoint file for one data directory. It serializes
// all read-modify-write sequences across its own callers; the cleaner
// manager holds one Store per data directory behind its own global lock, so
// Store's internal mutex mostly protects against unexpected concurrent use.
type Store struct {
	mu     sync.Mutex
	path   string
	logger *slog.Logger
}

// New returns a Store rooted at dataDir. The checkpoint file itself is only
// created on the first Write.
func New(dataDir string, logger *slog.Logger) *Store {
	return &Store{
		path:   filepath.Join(dataDir, fileName),
		logger: logging.Default(logger).With("component", "checkpoint", "dir", dataDir),
	}
}

// Load reads the current first-dirty-offset for every partition recorded
// in this directory's checkpoint file. A missing file is not an error; it
// is reported as an empty map, meaning every partition starts fully dirty.
func (s *Store) Load() (map[string]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() (map[string]uint64, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]uint64{}, nil
		}
		return nil, fmt.Errorf("checkpoint: open %s: %w", s.path, err)
	}
	defer f.Close()
	return parse(f)
}

func parse(f *os.File) (map[string]uint64, error) {
	scanner := bufio.NewScanner(f)
	result := map[string]uint64{}
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if lineNo == 1 {
			// version line, currently unused beyond presence.
			continue
		}
		if lineNo == 2 {
			// count line, purely informational; we trust the actual
			// entries that follow rather than this value.
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("checkpoint: malformed line %d: %q", lineNo, line)
		}
		offset, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: malformed offset on line %d: %w", lineNo, err)
		}
		result[fields[0]] = offset
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("checkpoint: read: %w", err)
	}
	return result, nil
}

// Update overlays (partition -> offset) onto the current checkpoint and
// atomically rewrites the file. Update never decreases a partition's
// recorded offset: if the new value is lower than what is already on disk,
// the existing value is kept, preserving the engine's checkpoint
// monotonicity guarantee even if called out of order.
func (s *Store) Update(partition string, offset uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.loadLocked()
	if err != nil {
		return err
	}
	if existing, ok := current[partition]; ok && existing > offset {
		offset = existing
	}
	current[partition] = offset
	return s.flushLocked(current)
}

// flushLocked persists entries as "<partition> <offset>" lines after the
// version and count lines. PartitionID is a single opaque string throughout
// this engine (there is no notion of topic separate from partition), so no
// separate topic field is written.
func (s *Store) flushLocked(entries map[string]uint64) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("checkpoint: mkdir %s: %w", dir, err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d\n", formatVersion)
	fmt.Fprintf(&b, "%d\n", len(entries))
	for partition, offset := range entries {
		fmt.Fprintf(&b, "%s %d\n", partition, offset)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("checkpoint: write temp file: %w", err)
	}

	// Round-trip validation before committing, mirroring this codebase's
	// configuration store contract: never rename a file we haven't proven
	// we can read back correctly.
	tmpFile, err := os.Open(tmpPath)
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("checkpoint: reopen temp file: %w", err)
	}
	roundTripped, err := parse(tmpFile)
	tmpFile.Close()
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("checkpoint: round-trip validation failed: %w", err)
	}
	if len(roundTripped) != len(entries) {
		os.Remove(tmpPath)
		return fmt.Errorf("checkpoint: round-trip validation mismatch")
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("checkpoint: rename into place: %w", err)
	}
	s.logger.Debug("checkpoint updated", "partition", entries)
	return nil
}
