// Package wal journals accepted scenario requests before they are scored, so
// a crash mid-request loses no accepted work: on restart the day's journal
// replays into the scoring pipeline.
package wal

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Journal is an append-only daily file of scenario request bodies.
type Journal struct {
	mu   sync.Mutex
	file *os.File
	path string
	dir  string
}

// Entry is one journaled request.
type Entry struct {
	Timestamp time.Time
	Body      []byte
}

// NewJournal opens (or creates) today's journal under dir.
func NewJournal(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("wal: create directory: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("scenario-%s.wal", time.Now().UTC().Format("2006-01-02")))
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("wal: open journal: %w", err)
	}

	return &Journal{file: file, path: path, dir: dir}, nil
}

// Path returns the journal file path.
func (j *Journal) Path() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.path
}

// Append journals one request body with fsync. Bodies must not contain raw
// newlines; JSON request bodies never do.
func (j *Journal) Append(body []byte) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	line := fmt.Sprintf("%d|%d|%s\n", time.Now().UnixNano(), len(body), body)
	if _, err := j.file.WriteString(line); err != nil {
		return fmt.Errorf("wal: append: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("wal: sync: %w", err)
	}
	return nil
}

// Close syncs and closes the journal.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.file.Sync(); err != nil {
		return err
	}
	return j.file.Close()
}

// Rotate closes the current file and opens a fresh daily journal, returning
// the closed file's path for archival.
func (j *Journal) Rotate() (*Journal, string, error) {
	j.mu.Lock()
	oldPath := j.path
	dir := j.dir
	j.mu.Unlock()

	if err := j.Close(); err != nil {
		return nil, "", fmt.Errorf("wal: close for rotate: %w", err)
	}

	next, err := NewJournal(dir)
	if err != nil {
		return nil, "", err
	}
	return next, oldPath, nil
}

// Replay streams journal entries to fn in append order. A truncated final
// line (crash mid-append) ends the replay cleanly; a fn error aborts it.
// A missing file replays zero entries.
func Replay(path string, fn func(Entry) error) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		entry, ok := parseLine(scanner.Text())
		if !ok {
			// torn tail write
			return nil
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// parseLine decodes `unixnano|length|body`. The body may itself contain '|'
// so only the first two separators delimit fields; the declared length
// guards against partial bodies.
func parseLine(line string) (Entry, bool) {
	parts := strings.SplitN(line, "|", 3)
	if len(parts) != 3 {
		return Entry{}, false
	}

	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Entry{}, false
	}
	length, err := strconv.Atoi(parts[1])
	if err != nil || length != len(parts[2]) {
		return Entry{}, false
	}

	return Entry{
		Timestamp: time.Unix(0, nanos),
		Body:      []byte(parts[2]),
	}, true
}
