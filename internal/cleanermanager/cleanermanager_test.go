package cleanermanager

import (
	"context"
	"testing"
	"time"

	"compactlog/internal/commitlog"
	"compactlog/internal/commitlog/memlog"
)

type fakeSource struct {
	partitions []Partition
}

func (f *fakeSource) Partitions() []Partition { return f.partitions }

func newDirtyLog(t *testing.T) *memlog.Log {
	t.Helper()
	log := memlog.New("p0", commitlog.Config{
		Compact:           true,
		MinCleanableRatio: 0.1,
		SegmentBytes:      1 << 20,
		DeleteRetention:   time.Hour,
	})
	log.Append(commitlog.Record{Offset: 0, Key: []byte("a"), Payload: []byte("v0")})
	log.Append(commitlog.Record{Offset: 1, Key: []byte("a"), Payload: []byte("v1")})
	log.Roll(2)
	return log
}

func TestManagerCleansDirtiestLog(t *testing.T) {
	dir := t.TempDir()
	log := newDirtyLog(t)
	source := &fakeSource{partitions: []Partition{{ID: "p0", DataDir: dir, Log: log}}}

	m := New(Config{
		NumThreads:        1,
		MinCleanableRatio: 0,
		BackOff:           10 * time.Millisecond,
		DedupeBufferBytes: 1 << 16,
		DedupeLoadFactor:  0.75,
	}, source)

	ctx, cancel := context.WithCancel(context.Background())
	m.Startup(ctx)
	defer func() {
		cancel()
		m.Shutdown()
	}()

	if err := m.AwaitCleaned(context.Background(), "p0", 2, 2*time.Second); err != nil {
		t.Fatalf("AwaitCleaned: %v", err)
	}
}

func TestSelectDirtiestSkipsInProgress(t *testing.T) {
	dir := t.TempDir()
	log := newDirtyLog(t)
	source := &fakeSource{partitions: []Partition{{ID: "p0", DataDir: dir, Log: log}}}

	m := New(Config{NumThreads: 1, MinCleanableRatio: 0}, source)

	first, ok := m.selectDirtiest()
	if !ok {
		t.Fatal("selectDirtiest: expected a candidate")
	}
	if first.PartitionID != "p0" {
		t.Fatalf("PartitionID = %q, want p0", first.PartitionID)
	}

	if _, ok := m.selectDirtiest(); ok {
		t.Fatal("selectDirtiest: expected no candidate while p0 is in progress")
	}

	m.finishCleaning(first, 2)

	if _, ok := m.selectDirtiest(); ok {
		t.Fatal("selectDirtiest: expected no candidate once the log is fully clean")
	}
}

func TestAwaitCleanedTimesOut(t *testing.T) {
	dir := t.TempDir()
	log := memlog.New("p0", commitlog.Config{Compact: true})
	source := &fakeSource{partitions: []Partition{{ID: "p0", DataDir: dir, Log: log}}}
	m := New(Config{NumThreads: 0}, source)

	err := m.AwaitCleaned(context.Background(), "p0", 100, 50*time.Millisecond)
	if err != ErrAwaitTimeout {
		t.Fatalf("AwaitCleaned error = %v, want ErrAwaitTimeout", err)
	}
}
