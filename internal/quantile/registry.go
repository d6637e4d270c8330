package quantile

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Registry manages versioned quantile model artifacts on disk. Registered
// artifacts are immutable; activation swaps the serving version and keeps the
// previous one for revert.
type Registry struct {
	mu             sync.RWMutex
	dir            string
	models         map[string]*RegisteredModel // version → model
	active         string
	previousActive string
}

// RegisteredModel is one artifact tracked by the registry.
type RegisteredModel struct {
	Version      string     `json:"version"`
	Quantile     float64    `json:"quantile"`
	Checksum     string     `json:"checksum"`
	ArtifactPath string     `json:"artifact_path"`
	RegisteredAt time.Time  `json:"registered_at"`
	Status       string     `json:"status"` // "registered", "active", "shadow", "deprecated"
	Card         *ModelCard `json:"card,omitempty"`
}

// ModelCard documents how an artifact was produced.
type ModelCard struct {
	Version       string    `json:"version"`
	ModelType     string    `json:"model_type"`
	TrainedAt     time.Time `json:"trained_at"`
	NumSamples    int       `json:"num_samples"`
	TrainingNotes string    `json:"training_notes,omitempty"`
	PinballLoss   float64   `json:"pinball_loss,omitempty"`
}

// NewRegistry creates a registry rooted at dir, rescanning artifacts written
// by earlier processes and restoring the active version from the marker file.
func NewRegistry(dir string) (*Registry, error) {
	if err := os.MkdirAll(filepath.Join(dir, "artifacts"), 0755); err != nil {
		return nil, fmt.Errorf("failed to create registry directory: %w", err)
	}
	r := &Registry{
		dir:    dir,
		models: make(map[string]*RegisteredModel),
	}
	if err := r.rescan(); err != nil {
		return nil, err
	}
	return r, nil
}

// rescan rebuilds the model index from the artifact files under the registry.
// Unparseable files are skipped with a log line so one corrupt artifact does
// not take the registry down.
func (r *Registry) rescan() error {
	paths, err := filepath.Glob(filepath.Join(r.dir, "artifacts", "*.json"))
	if err != nil {
		return fmt.Errorf("failed to scan registry artifacts: %w", err)
	}

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			log.Printf("skipping unreadable artifact %s: %v", path, err)
			continue
		}
		var artifact Artifact
		if err := json.Unmarshal(data, &artifact); err != nil {
			log.Printf("skipping unparseable artifact %s: %v", path, err)
			continue
		}

		registeredAt := time.Now()
		if info, err := os.Stat(path); err == nil {
			registeredAt = info.ModTime()
		}
		r.models[artifact.Version] = &RegisteredModel{
			Version:      artifact.Version,
			Quantile:     artifact.Quantile,
			Checksum:     artifact.Checksum,
			ArtifactPath: path,
			RegisteredAt: registeredAt,
			Status:       "registered",
		}
	}

	marker, err := os.ReadFile(filepath.Join(r.dir, "ACTIVE"))
	if err != nil {
		return nil
	}
	version := strings.TrimSpace(string(marker))
	if model, ok := r.models[version]; ok {
		model.Status = "active"
		r.active = version
	}
	return nil
}

// Register seals the artifact, writes it read-only under the registry and
// tracks it as "registered". Versions are immutable: re-registering an
// existing version is an error.
func (r *Registry) Register(artifact *Artifact, card *ModelCard) (*RegisteredModel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.models[artifact.Version]; exists {
		return nil, fmt.Errorf("model version %s already registered", artifact.Version)
	}
	if err := artifact.Seal(); err != nil {
		return nil, err
	}
	if _, err := BuildModel(artifact); err != nil {
		return nil, err
	}

	data, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to serialize artifact: %w", err)
	}

	path := filepath.Join(r.dir, "artifacts",
		fmt.Sprintf("%s-%s.json", artifact.Version, artifact.Checksum[:8]))
	if err := os.WriteFile(path, data, 0444); err != nil {
		return nil, fmt.Errorf("failed to write artifact: %w", err)
	}

	registered := &RegisteredModel{
		Version:      artifact.Version,
		Quantile:     artifact.Quantile,
		Checksum:     artifact.Checksum,
		ArtifactPath: path,
		RegisteredAt: time.Now(),
		Status:       "registered",
		Card:         card,
	}
	r.models[artifact.Version] = registered

	log.Printf("registered quantile model version=%s checksum=%s", artifact.Version, artifact.Checksum[:8])
	return registered, nil
}

// Activate promotes a version to active. The previously active version moves
// to shadow and is remembered for revert.
func (r *Registry) Activate(version string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	model, ok := r.models[version]
	if !ok {
		return fmt.Errorf("model version %s not found", version)
	}
	if model.Status == "deprecated" {
		return fmt.Errorf("cannot activate deprecated model %s", version)
	}

	if r.active != "" && r.active != version {
		if prev, ok := r.models[r.active]; ok {
			prev.Status = "shadow"
		}
		r.previousActive = r.active
	}

	model.Status = "active"
	r.active = version
	if err := os.WriteFile(filepath.Join(r.dir, "ACTIVE"), []byte(version+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to persist active marker: %w", err)
	}
	log.Printf("activated quantile model version=%s previous=%s", version, r.previousActive)
	return nil
}

// Revert re-activates the previously active version.
func (r *Registry) Revert() error {
	r.mu.RLock()
	prev := r.previousActive
	r.mu.RUnlock()

	if prev == "" {
		return fmt.Errorf("no previous active model to revert to")
	}
	return r.Activate(prev)
}

// Active returns the currently active registered model.
func (r *Registry) Active() (*RegisteredModel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.active == "" {
		return nil, fmt.Errorf("no active model")
	}
	model, ok := r.models[r.active]
	if !ok {
		return nil, fmt.Errorf("active model %s not found", r.active)
	}
	return model, nil
}

// Get retrieves a registered model by version.
func (r *Registry) Get(version string) (*RegisteredModel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	model, ok := r.models[version]
	if !ok {
		return nil, fmt.Errorf("model version %s not found", version)
	}
	return model, nil
}

// List returns registered models, newest first.
func (r *Registry) List() []*RegisteredModel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*RegisteredModel, 0, len(r.models))
	for _, m := range r.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RegisteredAt.After(out[j].RegisteredAt)
	})
	return out
}

// Deprecate retires a non-active version.
func (r *Registry) Deprecate(version string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	model, ok := r.models[version]
	if !ok {
		return fmt.Errorf("model version %s not found", version)
	}
	if model.Status == "active" {
		return fmt.Errorf("cannot deprecate active model %s", version)
	}
	model.Status = "deprecated"
	return nil
}

// VerifyIntegrity re-reads the artifact file and checks its stored checksum.
func (r *Registry) VerifyIntegrity(version string) error {
	r.mu.RLock()
	model, ok := r.models[version]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("model version %s not found", version)
	}

	data, err := os.ReadFile(model.ArtifactPath)
	if err != nil {
		return fmt.Errorf("failed to read artifact: %w", err)
	}

	var artifact Artifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return fmt.Errorf("failed to parse artifact: %w", err)
	}

	computed, err := artifact.ComputeChecksum()
	if err != nil {
		return err
	}
	if computed != model.Checksum {
		return fmt.Errorf("integrity check failed for %s: stored %s, computed %s",
			version, model.Checksum, computed)
	}
	return nil
}

// LoadActive builds a scoring model from the active artifact file.
func (r *Registry) LoadActive() (*GradientBoostedModel, error) {
	active, err := r.Active()
	if err != nil {
		return nil, &ModelUnavailableError{Err: err}
	}
	return LoadModel(active.ArtifactPath)
}
