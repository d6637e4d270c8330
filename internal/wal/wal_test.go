package wal

import (
	"fmt"
	"os"
	"strings"
	"testing"
	"time"
)

func TestAppendAndReplay(t *testing.T) {
	dir := t.TempDir()
	j, err := NewJournal(dir)
	if err != nil {
		t.Fatalf("NewJournal: %v", err)
	}

	bodies := []string{
		`{"project_id":"site-1","adjustments":{"crew_size_change":10}}`,
		`{"project_id":"site-2","adjustments":{"utilization_change":0.1}}`,
	}
	for _, body := range bodies {
		if err := j.Append([]byte(body)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var replayed []string
	err = Replay(j.Path(), func(e Entry) error {
		if e.Timestamp.IsZero() {
			t.Error("replayed entry has zero timestamp")
		}
		replayed = append(replayed, string(e.Body))
		return nil
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(replayed) != 2 {
		t.Fatalf("replayed %d entries, want 2", len(replayed))
	}
	for i, body := range bodies {
		if replayed[i] != body {
			t.Errorf("entry %d = %q, want %q", i, replayed[i], body)
		}
	}
}

func TestJournalFileNaming(t *testing.T) {
	dir := t.TempDir()
	j, err := NewJournal(dir)
	if err != nil {
		t.Fatalf("NewJournal: %v", err)
	}
	defer j.Close()

	want := fmt.Sprintf("scenario-%s.wal", time.Now().UTC().Format("2006-01-02"))
	if !strings.HasSuffix(j.Path(), want) {
		t.Errorf("journal path %q, want suffix %q", j.Path(), want)
	}
}

func TestReplayToleratesTruncatedTail(t *testing.T) {
	dir := t.TempDir()
	j, err := NewJournal(dir)
	if err != nil {
		t.Fatalf("NewJournal: %v", err)
	}
	if err := j.Append([]byte(`{"ok":1}`)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// simulate a crash mid-append: declared length exceeds the written body
	f, err := os.OpenFile(j.Path(), os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(fmt.Sprintf("%d|50|{\"trunc", time.Now().UnixNano())); err != nil {
		t.Fatal(err)
	}
	f.Close()

	count := 0
	err = Replay(j.Path(), func(e Entry) error {
		count++
		return nil
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if count != 1 {
		t.Errorf("replayed %d entries, want 1 (torn tail dropped)", count)
	}
}

func TestReplayBodyWithSeparator(t *testing.T) {
	dir := t.TempDir()
	j, err := NewJournal(dir)
	if err != nil {
		t.Fatalf("NewJournal: %v", err)
	}
	body := `{"note":"a|b|c"}`
	if err := j.Append([]byte(body)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	j.Close()

	var got string
	if err := Replay(j.Path(), func(e Entry) error {
		got = string(e.Body)
		return nil
	}); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if got != body {
		t.Errorf("body = %q, want %q", got, body)
	}
}

func TestReplayMissingFile(t *testing.T) {
	if err := Replay("/nonexistent/journal.wal", func(Entry) error { return nil }); err != nil {
		t.Errorf("Replay of missing file = %v, want nil", err)
	}
}

func TestReplayCallbackErrorAborts(t *testing.T) {
	dir := t.TempDir()
	j, _ := NewJournal(dir)
	j.Append([]byte("one"))
	j.Append([]byte("two"))
	j.Close()

	count := 0
	err := Replay(j.Path(), func(Entry) error {
		count++
		return fmt.Errorf("stop")
	})
	if err == nil {
		t.Error("callback error not propagated")
	}
	if count != 1 {
		t.Errorf("callback ran %d times, want 1", count)
	}
}

func TestRotate(t *testing.T) {
	dir := t.TempDir()
	j, err := NewJournal(dir)
	if err != nil {
		t.Fatalf("NewJournal: %v", err)
	}
	if err := j.Append([]byte("before")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	next, oldPath, err := j.Rotate()
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	defer next.Close()

	if oldPath == "" {
		t.Error("Rotate returned empty old path")
	}

	count := 0
	if err := Replay(oldPath, func(Entry) error { count++; return nil }); err != nil {
		t.Fatalf("Replay old journal: %v", err)
	}
	if count != 1 {
		t.Errorf("old journal has %d entries, want 1", count)
	}

	if err := next.Append([]byte("after")); err != nil {
		t.Errorf("Append to rotated journal: %v", err)
	}
}
