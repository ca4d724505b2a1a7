// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package buffer

import (
	"io"
	"log/slog"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAppendAndIterate_OrderedByTimestamp(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "VIN123", CompressionZstd, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	timestamps := []int64{30, 10, 20}
	for _, ts := range timestamps {
		if err := s.Append(ts, []byte("payload")); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	entries := s.IterOldestFirst()
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	want := []int64{10, 20, 30}
	for i, e := range entries {
		if e.Timestamp != want[i] {
			t.Fatalf("entry %d: want timestamp %d, got %d", i, want[i], e.Timestamp)
		}
	}
}

func TestRemove_DeletesEntry(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "VIN123", CompressionZstd, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	s.Append(1, []byte("a"))
	s.Append(2, []byte("b"))

	entries := s.IterOldestFirst()
	if err := s.Remove(entries[0].ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	remaining := s.IterOldestFirst()
	if len(remaining) != 1 {
		t.Fatalf("expected 1 remaining entry, got %d", len(remaining))
	}
	if remaining[0].ID != entries[1].ID {
		t.Fatalf("wrong entry remained")
	}
}

func TestRemove_Idempotent(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "VIN123", CompressionZstd, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	s.Append(1, []byte("a"))
	entries := s.IterOldestFirst()

	if err := s.Remove(entries[0].ID); err != nil {
		t.Fatalf("first Remove: %v", err)
	}
	if err := s.Remove(entries[0].ID); err != nil {
		t.Fatalf("second Remove should be a no-op, got: %v", err)
	}
}

// Durability: reopening the store against the same files must
// reproduce exactly the surviving entries (property 10 / S5).
func TestDurability_AcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "VIN999", CompressionZstd, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	for i := int64(0); i < 30; i++ {
		if err := s.Append(i, []byte("payload")); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
	s.Close()

	reopened, err := Open(dir, "VIN999", CompressionZstd, testLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	entries := reopened.IterOldestFirst()
	if len(entries) != 30 {
		t.Fatalf("expected 30 surviving entries, got %d", len(entries))
	}
	for i, e := range entries {
		if e.Timestamp != int64(i) {
			t.Fatalf("entry %d: want timestamp %d, got %d", i, i, e.Timestamp)
		}
		if string(e.Payload) != "payload" {
			t.Fatalf("entry %d: payload corrupted: %q", i, e.Payload)
		}
	}
}

// Removed entries must not reappear after a reopen even without
// explicit compaction.
func TestDurability_RemovedEntriesStayRemoved(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "VIN1", CompressionZstd, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	for i := int64(0); i < 5; i++ {
		s.Append(i, []byte("x"))
	}
	entries := s.IterOldestFirst()
	for _, e := range entries[:3] {
		if err := s.Remove(e.ID); err != nil {
			t.Fatalf("Remove: %v", err)
		}
	}
	s.Close()

	reopened, err := Open(dir, "VIN1", CompressionZstd, testLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	remaining := reopened.IterOldestFirst()
	if len(remaining) != 2 {
		t.Fatalf("expected 2 remaining entries, got %d", len(remaining))
	}
}

// TestCompressionNone_RoundTrips ensures buffer.compression: none is
// honoured rather than silently compressed anyway.
func TestCompressionNone_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "VINPLAIN", CompressionNone, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := s.Append(1, []byte("plain payload")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	s.Close()

	reopened, err := Open(dir, "VINPLAIN", CompressionNone, testLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	entries := reopened.IterOldestFirst()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if string(entries[0].Payload) != "plain payload" {
		t.Fatalf("payload corrupted: %q", entries[0].Payload)
	}
}

func TestOpen_RejectsUnsupportedCompression(t *testing.T) {
	dir := t.TempDir()
	if _, err := Open(dir, "VINX", "lz4", testLogger()); err == nil {
		t.Fatal("expected error for unsupported compression mode")
	}
}

func TestTwoVINsDoNotCollide(t *testing.T) {
	dir := t.TempDir()
	a, err := Open(dir, "VINA", CompressionZstd, testLogger())
	if err != nil {
		t.Fatalf("Open A: %v", err)
	}
	defer a.Close()
	b, err := Open(dir, "VINB", CompressionZstd, testLogger())
	if err != nil {
		t.Fatalf("Open B: %v", err)
	}
	defer b.Close()

	a.Append(1, []byte("a"))
	if b.Len() != 0 {
		t.Fatalf("expected VINB buffer to stay empty, got %d entries", b.Len())
	}
}
