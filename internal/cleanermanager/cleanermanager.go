// Package cleanermanager selects the dirtiest eligible log across a pool
// of partitions, coordinates a fixed-size worker pool running the cleaner
// algorithm against them, and owns the engine's startup/shutdown
// lifecycle.
package cleanermanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"compactlog/internal/checkpoint"
	"compactlog/internal/cleaner"
	"compactlog/internal/commitlog"
	"compactlog/internal/logging"
	"compactlog/internal/offsetmap"
	"compactlog/internal/throttle"
)

// ErrAwaitTimeout is returned by AwaitCleaned when the requested offset is
// not reached before the deadline.
var ErrAwaitTimeout = errors.New("cleanermanager: timed out waiting for checkpoint")

// Partition identifies one log the manager is responsible for.
type Partition struct {
	ID      string
	DataDir string
	Log     commitlog.Log
}

// Source supplies the manager with the current pool of partitions to
// consider. The manager holds only weak references: a partition absent
// from one call's result is simply skipped, not treated as an error.
type Source interface {
	Partitions() []Partition
}

// Config configures a Manager.
type Config struct {
	NumThreads         int
	MinCleanableRatio  float64
	BackOff            time.Duration
	MaxIoBytesPerSec   int64
	DedupeBufferBytes  int64
	DedupeLoadFactor   float64
	HashAlgorithm      offsetmap.Algorithm
	Logger             *slog.Logger
}

// Manager runs the cleaning engine's worker pool against a Source.
type Manager struct {
	cfg       Config
	source    Source
	throttler *throttle.Throttler
	logger    *slog.Logger

	mu          sync.Mutex
	inProgress  map[string]bool
	checkpoints map[string]*checkpoint.Store // keyed by data dir

	completed chan struct{} // closed-and-replaced broadcast on every finish
	cancel    context.CancelFunc
	group     *errgroup.Group
	running   bool
}

// New builds a Manager. It does not start any workers; call Startup.
func New(cfg Config, source Source) *Manager {
	if cfg.NumThreads <= 0 {
		cfg.NumThreads = 1
	}
	return &Manager{
		cfg:         cfg,
		source:      source,
		throttler:   throttle.New(throttle.Config{DesiredBytesPerSec: cfg.MaxIoBytesPerSec, Logger: cfg.Logger}),
		logger:      logging.Default(cfg.Logger).With("component", "cleanermanager"),
		inProgress:  map[string]bool{},
		checkpoints: map[string]*checkpoint.Store{},
		completed:   make(chan struct{}),
	}
}

func (m *Manager) checkpointFor(dataDir string) *checkpoint.Store {
	m.mu.Lock()
	defer m.mu.Unlock()
	store, ok := m.checkpoints[dataDir]
	if !ok {
		store = checkpoint.New(dataDir, m.cfg.Logger)
		m.checkpoints[dataDir] = store
	}
	return store
}

// Startup launches the worker pool. It returns immediately; workers run
// until ctx is cancelled or Shutdown is called.
func (m *Manager) Startup(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	g, gctx := errgroup.WithContext(runCtx)
	m.group = g
	m.mu.Unlock()

	for i := 0; i < m.cfg.NumThreads; i++ {
		workerID := i
		g.Go(func() error {
			m.runWorker(gctx, workerID)
			return nil
		})
	}
}

// Shutdown cancels all workers and waits for them to exit.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	g := m.group
	m.running = false
	m.mu.Unlock()

	cancel()
	if g != nil {
		g.Wait()
	}
}

func (m *Manager) runWorker(ctx context.Context, workerID int) {
	logger := m.logger.With("worker", workerID)
	c := cleaner.New(cleaner.Config{
		MapMemoryBytes: m.cfg.DedupeBufferBytes / int64(maxInt(m.cfg.NumThreads, 1)),
		LoadFactor:     m.cfg.DedupeLoadFactor,
		HashAlgorithm:  m.cfg.HashAlgorithm,
		Throttler:      m.throttler,
		Logger:         m.cfg.Logger,
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		candidate, ok := m.selectDirtiest()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.cfg.BackOff):
			}
			continue
		}

		logger.Info("picked log to clean", "partition", candidate.PartitionID, "firstDirtyOffset", candidate.FirstDirtyOffset)
		endOffset, _, err := c.Clean(ctx, candidate.Log, candidate.FirstDirtyOffset)
		if err != nil {
			if errors.Is(err, commitlog.ErrCancelled) {
				m.finishCleaning(candidate, candidate.FirstDirtyOffset)
				return
			}
			logger.Error("clean failed", "partition", candidate.PartitionID, "error", err)
			endOffset = candidate.FirstDirtyOffset
		}
		m.finishCleaning(candidate, endOffset)
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// selectDirtiest picks the highest cleanableRatio partition not already
// being cleaned, above its minimum ratio (the log's own MinCleanableRatio,
// or the manager's when the log's is not positive), and claims it by
// adding it to inProgress.
func (m *Manager) selectDirtiest() (commitlog.LogToClean, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best commitlog.LogToClean
	var bestPartition Partition
	bestRatio := -1.0
	found := false

	for _, p := range m.source.Partitions() {
		if m.inProgress[p.ID] {
			continue
		}
		cfg := p.Log.Config()
		if !cfg.Compact {
			continue
		}

		store := m.checkpoints[p.DataDir]
		if store == nil {
			store = checkpoint.New(p.DataDir, m.cfg.Logger)
			m.checkpoints[p.DataDir] = store
		}
		offsets, err := store.Load()
		if err != nil {
			m.logger.Error("load checkpoint failed", "dataDir", p.DataDir, "error", err)
			continue
		}

		lt := commitlog.LogToClean{PartitionID: p.ID, Log: p.Log, FirstDirtyOffset: offsets[p.ID]}
		minRatio := cfg.MinCleanableRatio
		if minRatio <= 0 {
			minRatio = m.cfg.MinCleanableRatio
		}
		ratio := lt.CleanableRatio()
		if ratio <= minRatio {
			continue
		}
		if ratio > bestRatio {
			bestRatio = ratio
			best = lt
			bestPartition = p
			found = true
		}
	}

	if !found {
		return commitlog.LogToClean{}, false
	}
	m.inProgress[bestPartition.ID] = true
	return best, true
}

// finishCleaning releases a partition back for future selection, persists
// its new first-dirty-offset, and wakes any AwaitCleaned callers.
func (m *Manager) finishCleaning(candidate commitlog.LogToClean, endOffset uint64) {
	var dataDir string
	for _, p := range m.source.Partitions() {
		if p.ID == candidate.PartitionID {
			dataDir = p.DataDir
			break
		}
	}

	m.mu.Lock()
	if dataDir != "" {
		store := m.checkpoints[dataDir]
		if store == nil {
			store = checkpoint.New(dataDir, m.cfg.Logger)
			m.checkpoints[dataDir] = store
		}
		if err := store.Update(candidate.PartitionID, endOffset); err != nil {
			m.logger.Error("checkpoint update failed", "partition", candidate.PartitionID, "error", err)
		}
	}
	delete(m.inProgress, candidate.PartitionID)
	closed := m.completed
	m.completed = make(chan struct{})
	m.mu.Unlock()
	close(closed)
}

// AwaitCleaned blocks until the checkpoint for partitionID reaches at
// least offset, or timeout elapses. It exists purely to make cleaning runs
// deterministic in tests; production callers have no need to wait on a
// specific offset.
func (m *Manager) AwaitCleaned(ctx context.Context, partitionID string, offset uint64, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		var dataDir string
		for _, p := range m.source.Partitions() {
			if p.ID == partitionID {
				dataDir = p.DataDir
				break
			}
		}
		if dataDir == "" {
			return fmt.Errorf("cleanermanager: unknown partition %q", partitionID)
		}
		store := m.checkpointFor(dataDir)
		checkpoints, err := store.Load()
		if err != nil {
			return err
		}
		if checkpoints[partitionID] >= offset {
			return nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrAwaitTimeout
		}

		m.mu.Lock()
		ch := m.completed
		m.mu.Unlock()

		waitCtx, cancel := context.WithTimeout(ctx, remaining)
		select {
		case <-ch:
		case <-waitCtx.Done():
			cancel()
			return ErrAwaitTimeout
		}
		cancel()
	}
}
