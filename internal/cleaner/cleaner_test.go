package cleaner

import (
	"context"
	"io"
	"testing"
	"time"

	"compactlog/internal/commitlog"
	"compactlog/internal/commitlog/memlog"
)

func allRecords(t *testing.T, log *memlog.Log, to uint64) []commitlog.Record {
	t.Helper()
	var out []commitlog.Record
	for _, seg := range log.Segments(0, to) {
		cursor, err := seg.Reader()
		if err != nil {
			t.Fatalf("Reader: %v", err)
		}
		for {
			rec, err := cursor.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				t.Fatalf("Next: %v", err)
			}
			out = append(out, rec)
		}
		cursor.Close()
	}
	return out
}

func TestCleanBasicDedup(t *testing.T) {
	log := memlog.New("p0", commitlog.Config{
		Compact:         true,
		SegmentBytes:    1 << 20,
		DeleteRetention: time.Hour,
	})
	log.Append(commitlog.Record{Offset: 0, Key: []byte("a"), Payload: []byte("v0")})
	log.Append(commitlog.Record{Offset: 1, Key: []byte("b"), Payload: []byte("v1")})
	log.Append(commitlog.Record{Offset: 2, Key: []byte("a"), Payload: []byte("v2")})
	log.Append(commitlog.Record{Offset: 3, Key: []byte("c"), Payload: []byte("v3")})
	log.Append(commitlog.Record{Offset: 4, Key: []byte("b"), Payload: []byte("v4")})
	log.Roll(5)

	c := New(Config{MapMemoryBytes: 1 << 16, LoadFactor: 0.75})
	endOffset, _, err := c.Clean(context.Background(), log, 0)
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if endOffset != 5 {
		t.Fatalf("endOffset = %d, want 5", endOffset)
	}

	got := allRecords(t, log, 5)
	if len(got) != 3 {
		t.Fatalf("got %d surviving records, want 3: %+v", len(got), got)
	}
	keys := map[string]uint64{}
	for _, r := range got {
		keys[string(r.Key)] = r.Offset
	}
	if keys["a"] != 2 || keys["b"] != 4 || keys["c"] != 3 {
		t.Fatalf("unexpected surviving offsets: %v", keys)
	}
}

func TestCleanNoopOnAlreadyCleanLog(t *testing.T) {
	log := memlog.New("p0", commitlog.Config{Compact: true, SegmentBytes: 1 << 20})
	log.Append(commitlog.Record{Offset: 0, Key: []byte("a"), Payload: []byte("v")})
	// No Roll: everything is in the active segment, so nothing is dirty
	// below it to scan.
	c := New(Config{MapMemoryBytes: 1 << 12})
	endOffset, _, err := c.Clean(context.Background(), log, 0)
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if endOffset != 0 {
		t.Fatalf("endOffset = %d, want 0 (active segment never scanned)", endOffset)
	}
}

func TestCleanRejectsNullKey(t *testing.T) {
	log := memlog.New("p0", commitlog.Config{Compact: true, SegmentBytes: 1 << 20})
	log.Append(commitlog.Record{Offset: 0, Key: nil, Payload: []byte("v")})
	log.Roll(1)

	c := New(Config{MapMemoryBytes: 1 << 12})
	_, _, err := c.Clean(context.Background(), log, 0)
	if err != commitlog.ErrCorruptLog {
		t.Fatalf("Clean error = %v, want ErrCorruptLog", err)
	}
}

func TestCleanDoesNotTouchActiveSegment(t *testing.T) {
	log := memlog.New("p0", commitlog.Config{Compact: true, SegmentBytes: 1 << 20})
	log.Append(commitlog.Record{Offset: 0, Key: []byte("a"), Payload: []byte("v0")})
	log.Roll(1)
	log.Append(commitlog.Record{Offset: 1, Key: []byte("a"), Payload: []byte("v1")}) // lives in active segment

	c := New(Config{MapMemoryBytes: 1 << 12})
	endOffset, _, err := c.Clean(context.Background(), log, 0)
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if endOffset != 1 {
		t.Fatalf("endOffset = %d, want 1 (only the sealed segment was eligible)", endOffset)
	}

	active := log.ActiveSegment()
	cursor, _ := active.Reader()
	defer cursor.Close()
	rec, err := cursor.Next()
	if err != nil {
		t.Fatalf("active segment record missing: %v", err)
	}
	if rec.Offset != 1 {
		t.Fatalf("active segment record = %+v, want offset 1 untouched", rec)
	}
}
