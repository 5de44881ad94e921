package checkpoint

import "testing"

func TestLoadMissingFileReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)

	entries, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("Load = %v, want empty map", entries)
	}
}

func TestUpdateAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)

	if err := s.Update("partition-0", 100); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := s.Update("partition-1", 200); err != nil {
		t.Fatalf("Update: %v", err)
	}

	entries, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if entries["partition-0"] != 100 {
		t.Fatalf("partition-0 = %d, want 100", entries["partition-0"])
	}
	if entries["partition-1"] != 200 {
		t.Fatalf("partition-1 = %d, want 200", entries["partition-1"])
	}
}

func TestUpdateNeverDecreases(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)

	if err := s.Update("p", 500); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := s.Update("p", 100); err != nil {
		t.Fatalf("Update: %v", err)
	}

	entries, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if entries["p"] != 500 {
		t.Fatalf("checkpoint regressed to %d, want 500 preserved", entries["p"])
	}
}

func TestNewStoreIndependentOfFileUntilFirstWrite(t *testing.T) {
	dir := t.TempDir()
	New(dir, nil)

	// Constructing a Store must not create the file; only Update does.
	s2 := New(dir, nil)
	entries, err := s2.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("Load = %v, want empty map before any Update", entries)
	}
}
