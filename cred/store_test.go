package cred

import (
	"os"
	"path/filepath"
	"testing"
)

func id(b byte) [16]byte {
	var out [16]byte
	out[0] = b
	return out
}

func TestAddRejectsConflictingPSK(t *testing.T) {
	s := New()
	i := id(1)
	psk1 := id(0xA1)
	psk2 := id(0xA2)

	if err := s.Add(i, psk1); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if err := s.Add(i, psk2); err == nil {
		t.Fatalf("expected conflicting add to fail")
	}
	got, ok := s.FindPSKByID(i[:])
	if !ok {
		t.Fatalf("expected psk1 still present")
	}
	if string(got) != string(psk1[:]) {
		t.Fatalf("store mutated by failed add")
	}
}

func TestAddIdempotentReAdd(t *testing.T) {
	s := New()
	i, psk := id(2), id(0xB2)
	if err := s.Add(i, psk); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Add(i, psk); err != nil {
		t.Fatalf("idempotent re-add should succeed: %v", err)
	}
	if s.Len() != 1 {
		t.Fatalf("expected exactly one entry, got %d", s.Len())
	}
}

func TestRemoveWipesBytes(t *testing.T) {
	s := New()
	i, psk := id(3), id(0xC3)
	s.Add(i, psk)
	backing := s.items[:1]
	s.Remove(i)
	if backing[0] != (Credential{}) {
		t.Fatalf("expected removed credential bytes to be zeroed")
	}
	if _, ok := s.FindPSKByID(i[:]); ok {
		t.Fatalf("expected credential to be gone")
	}
	if len(s.items) != 0 {
		t.Fatalf("expected backing slice emptied")
	}
}

func TestSaveLoadFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "creds.json")

	s := New()
	s.Add(id(4), id(0xD4))
	s.Add(id(5), id(0xD5))
	if err := SaveFile(path, s); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", loaded.Len())
	}
	id4, psk4 := id(4), id(0xD4)
	got, ok := loaded.FindPSKByID(id4[:])
	if !ok || string(got) != string(psk4[:]) {
		t.Fatalf("round trip mismatch")
	}
}

func TestLoadFileMissingIsEmptyStore(t *testing.T) {
	s, err := LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if s.Len() != 0 {
		t.Fatalf("expected empty store")
	}
}

func TestSaveFileIsAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "creds.json")
	s := New()
	s.Add(id(6), id(0xE6))
	if err := SaveFile(path, s); err != nil {
		t.Fatalf("save: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	for _, e := range entries {
		if e.Name() != "creds.json" {
			t.Fatalf("leftover tempfile: %s", e.Name())
		}
	}
}
