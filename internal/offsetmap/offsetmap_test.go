package offsetmap

import "testing"

func TestPutGetLastWriterWins(t *testing.T) {
	m, err := New(Config{MemoryBytes: 1 << 16, LoadFactor: 0.75})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := m.Put([]byte("a"), 1); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := m.Put([]byte("a"), 5); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok := m.Get([]byte("a"))
	if !ok {
		t.Fatal("Get: expected key to be present")
	}
	if got != 5 {
		t.Fatalf("Get = %d, want 5", got)
	}
}

func TestGetMissing(t *testing.T) {
	m, err := New(Config{MemoryBytes: 1 << 12})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := m.Get([]byte("missing")); ok {
		t.Fatal("Get: expected missing key to report absent")
	}
}

func TestClear(t *testing.T) {
	m, err := New(Config{MemoryBytes: 1 << 12})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.Put([]byte("a"), 1)
	m.Clear()
	if _, ok := m.Get([]byte("a")); ok {
		t.Fatal("Get: expected key to be gone after Clear")
	}
	if m.Utilization() != 0 {
		t.Fatalf("Utilization = %f, want 0", m.Utilization())
	}
}

func TestUtilizationAndFull(t *testing.T) {
	m, err := New(Config{MemoryBytes: slotBytes * 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if m.Slots() != 2 {
		t.Fatalf("Slots = %d, want 2", m.Slots())
	}
	if err := m.Put([]byte("a"), 1); err != nil {
		t.Fatalf("Put a: %v", err)
	}
	if err := m.Put([]byte("b"), 2); err != nil {
		t.Fatalf("Put b: %v", err)
	}
	if m.Utilization() != 1 {
		t.Fatalf("Utilization = %f, want 1", m.Utilization())
	}
	if err := m.Put([]byte("c"), 3); err == nil {
		t.Fatal("Put: expected ErrFull inserting a new key into a full table")
	}
	// Overwriting an existing key in a full table must still succeed.
	if err := m.Put([]byte("a"), 99); err != nil {
		t.Fatalf("Put overwrite on full table: %v", err)
	}
}

func TestHashAlgorithms(t *testing.T) {
	for _, alg := range []Algorithm{MD5, SHA1, Blake2b, Murmur3, ""} {
		m, err := New(Config{MemoryBytes: 1 << 12, HashAlgorithm: alg})
		if err != nil {
			t.Fatalf("New(%s): %v", alg, err)
		}
		if err := m.Put([]byte("key"), 42); err != nil {
			t.Fatalf("Put(%s): %v", alg, err)
		}
		got, ok := m.Get([]byte("key"))
		if !ok || got != 42 {
			t.Fatalf("Get(%s) = (%d, %v), want (42, true)", alg, got, ok)
		}
	}
}
