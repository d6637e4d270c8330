package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func testSnapshot(projectID string) StoredSnapshot {
	return StoredSnapshot{
		ProjectID: projectID,
		Timestamp: time.Date(2026, 8, 17, 6, 0, 0, 0, time.UTC),
		Features: map[string]float64{
			"worker_count":  40,
			"task_progress": 47,
		},
	}
}

func TestMemorySnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore("")

	if err := m.PutSnapshot(ctx, testSnapshot("site-1")); err != nil {
		t.Fatalf("PutSnapshot: %v", err)
	}

	got, err := m.GetSnapshot(ctx, "site-1")
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if got.Features["worker_count"] != 40 {
		t.Errorf("worker_count = %v, want 40", got.Features["worker_count"])
	}

	// returned map is a copy
	got.Features["worker_count"] = 999
	again, _ := m.GetSnapshot(ctx, "site-1")
	if again.Features["worker_count"] != 40 {
		t.Error("GetSnapshot leaked internal map")
	}
}

func TestMemoryGetSnapshotNotFound(t *testing.T) {
	m := NewMemoryStore("")
	if _, err := m.GetSnapshot(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestMemoryPutSnapshotRequiresProjectID(t *testing.T) {
	m := NewMemoryStore("")
	if err := m.PutSnapshot(context.Background(), StoredSnapshot{}); err == nil {
		t.Error("empty project id accepted")
	}
}

func TestMemoryResultFirstWriteWins(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore("")

	won, err := m.PutResult(ctx, "abc123", map[string]float64{"p50": 0.01}, time.Minute)
	if err != nil {
		t.Fatalf("PutResult: %v", err)
	}
	if !won {
		t.Error("first write should win")
	}

	won, err = m.PutResult(ctx, "abc123", map[string]float64{"p50": 99}, time.Minute)
	if err != nil {
		t.Fatalf("PutResult: %v", err)
	}
	if won {
		t.Error("second write should lose")
	}

	got, err := m.GetResult(ctx, "abc123")
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	var payload map[string]float64
	if err := json.Unmarshal(got.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload["p50"] != 0.01 {
		t.Errorf("p50 = %v, first write did not win", payload["p50"])
	}
}

func TestMemoryResultExpiry(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore("")

	if _, err := m.PutResult(ctx, "short", "payload", 10*time.Millisecond); err != nil {
		t.Fatalf("PutResult: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	if _, err := m.GetResult(ctx, "short"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expired result err = %v, want ErrNotFound", err)
	}

	// expired slot is writable again
	won, err := m.PutResult(ctx, "short", "fresh", time.Minute)
	if err != nil {
		t.Fatalf("PutResult: %v", err)
	}
	if !won {
		t.Error("write over expired entry should win")
	}
}

func TestMemoryListProjectsSorted(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore("")
	for _, id := range []string{"site-9", "site-1", "site-5"} {
		if err := m.PutSnapshot(ctx, testSnapshot(id)); err != nil {
			t.Fatalf("PutSnapshot(%s): %v", id, err)
		}
	}

	ids, err := m.ListProjects(ctx)
	if err != nil {
		t.Fatalf("ListProjects: %v", err)
	}
	want := []string{"site-1", "site-5", "site-9"}
	if len(ids) != len(want) {
		t.Fatalf("got %d projects, want %d", len(ids), len(want))
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("ids[%d] = %s, want %s", i, ids[i], want[i])
		}
	}
}

func TestMemoryFilePersistence(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.json")

	m := NewMemoryStore(path)
	if err := m.PutSnapshot(ctx, testSnapshot("site-1")); err != nil {
		t.Fatalf("PutSnapshot: %v", err)
	}
	if _, err := m.PutResult(ctx, "keep", "payload", time.Hour); err != nil {
		t.Fatalf("PutResult: %v", err)
	}
	if _, err := m.PutResult(ctx, "drop", "payload", time.Nanosecond); err != nil {
		t.Fatalf("PutResult: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened := NewMemoryStore(path)
	if _, err := reopened.GetSnapshot(ctx, "site-1"); err != nil {
		t.Errorf("snapshot lost across restart: %v", err)
	}
	if _, err := reopened.GetResult(ctx, "keep"); err != nil {
		t.Errorf("live result lost across restart: %v", err)
	}
	if _, err := reopened.GetResult(ctx, "drop"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expired result revived across restart: %v", err)
	}
}

func TestOpenSelectsBackend(t *testing.T) {
	s, err := Open(Config{Backend: "memory"})
	if err != nil {
		t.Fatalf("Open(memory): %v", err)
	}
	if _, ok := s.(*MemoryStore); !ok {
		t.Errorf("Open(memory) = %T", s)
	}
	s.Close()

	if _, err := Open(Config{Backend: "sqlite"}); err == nil {
		t.Error("unknown backend accepted")
	}
}
