// Package store persists project baseline snapshots and scored scenario
// results. Results are written first-write-wins so concurrent identical
// scenarios never flap between payloads.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned by Get methods when no live entry exists.
var ErrNotFound = errors.New("store: not found")

// StoredSnapshot is the latest baseline telemetry row for a project.
type StoredSnapshot struct {
	ProjectID string             `json:"project_id"`
	Timestamp time.Time          `json:"timestamp"`
	Features  map[string]float64 `json:"features"`
}

// StoredResult is one persisted scenario result.
type StoredResult struct {
	ScenarioID string          `json:"scenario_id"`
	Payload    json.RawMessage `json:"payload"`
	StoredAt   time.Time       `json:"stored_at"`
}

// Store is the persistence contract shared by the server and the batch
// worker.
type Store interface {
	// PutSnapshot upserts a project's baseline row.
	PutSnapshot(ctx context.Context, snap StoredSnapshot) error

	// GetSnapshot returns a project's baseline or ErrNotFound.
	GetSnapshot(ctx context.Context, projectID string) (*StoredSnapshot, error)

	// PutResult stores a scenario result with TTL, first write wins.
	// Returns true when this call's payload was stored.
	PutResult(ctx context.Context, scenarioID string, payload any, ttl time.Duration) (bool, error)

	// GetResult returns a live scenario result or ErrNotFound.
	GetResult(ctx context.Context, scenarioID string) (*StoredResult, error)

	// ListProjects returns known project IDs, sorted.
	ListProjects(ctx context.Context) ([]string, error)

	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Backend       string // memory | redis | postgres
	SnapshotPath  string // memory backend persistence file, optional
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	PostgresURL   string
}

// Open builds a Store from config.
func Open(cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(cfg.SnapshotPath), nil
	case "redis":
		return NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	case "postgres":
		return NewPostgresStore(cfg.PostgresURL)
	default:
		return nil, fmt.Errorf("store: unknown backend %q", cfg.Backend)
	}
}

// MemoryStore keeps everything in maps, with an optional JSON file loaded at
// start and written on Close so dev restarts keep their baselines.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string]StoredSnapshot
	results   map[string]resultEntry
	path      string
}

type resultEntry struct {
	Result    StoredResult `json:"result"`
	ExpiresAt time.Time    `json:"expires_at"`
}

// NewMemoryStore creates a memory store. snapshotPath may be empty for a
// purely ephemeral store.
func NewMemoryStore(snapshotPath string) *MemoryStore {
	m := &MemoryStore{
		snapshots: make(map[string]StoredSnapshot),
		results:   make(map[string]resultEntry),
		path:      snapshotPath,
	}
	if snapshotPath != "" {
		m.loadFile()
	}
	return m
}

func (m *MemoryStore) PutSnapshot(ctx context.Context, snap StoredSnapshot) error {
	if snap.ProjectID == "" {
		return fmt.Errorf("store: snapshot missing project id")
	}

	features := make(map[string]float64, len(snap.Features))
	for k, v := range snap.Features {
		features[k] = v
	}
	snap.Features = features

	m.mu.Lock()
	m.snapshots[snap.ProjectID] = snap
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) GetSnapshot(ctx context.Context, projectID string) (*StoredSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap, ok := m.snapshots[projectID]
	if !ok {
		return nil, ErrNotFound
	}
	out := snap
	out.Features = make(map[string]float64, len(snap.Features))
	for k, v := range snap.Features {
		out.Features[k] = v
	}
	return &out, nil
}

func (m *MemoryStore) PutResult(ctx context.Context, scenarioID string, payload any, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("store: marshal result: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.results[scenarioID]; ok && time.Now().Before(e.ExpiresAt) {
		return false, nil
	}
	m.results[scenarioID] = resultEntry{
		Result: StoredResult{
			ScenarioID: scenarioID,
			Payload:    data,
			StoredAt:   time.Now().UTC(),
		},
		ExpiresAt: time.Now().Add(ttl),
	}
	return true, nil
}

func (m *MemoryStore) GetResult(ctx context.Context, scenarioID string) (*StoredResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.results[scenarioID]
	if !ok || time.Now().After(e.ExpiresAt) {
		return nil, ErrNotFound
	}
	out := e.Result
	return &out, nil
}

func (m *MemoryStore) ListProjects(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.snapshots))
	for id := range m.snapshots {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) Close() error {
	if m.path != "" {
		return m.saveFile()
	}
	return nil
}

type memoryFile struct {
	Snapshots map[string]StoredSnapshot `json:"snapshots"`
	Results   map[string]resultEntry    `json:"results"`
}

func (m *MemoryStore) loadFile() {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return
	}
	var file memoryFile
	if err := json.Unmarshal(data, &file); err != nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, snap := range file.Snapshots {
		m.snapshots[id] = snap
	}
	now := time.Now()
	for id, e := range file.Results {
		if now.Before(e.ExpiresAt) {
			m.results[id] = e
		}
	}
}

func (m *MemoryStore) saveFile() error {
	m.mu.RLock()
	file := memoryFile{
		Snapshots: make(map[string]StoredSnapshot, len(m.snapshots)),
		Results:   make(map[string]resultEntry, len(m.results)),
	}
	for id, snap := range m.snapshots {
		file.Snapshots[id] = snap
	}
	now := time.Now()
	for id, e := range m.results {
		if now.Before(e.ExpiresAt) {
			file.Results[id] = e
		}
	}
	m.mu.RUnlock()

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.path, data, 0600)
}
