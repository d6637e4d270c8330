package safety

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// ThresholdSet is the versioned alert configuration: three independently
// calibrated thresholds, replaced atomically as a whole on recalibration and
// read-only while serving.
type ThresholdSet struct {
	Version     string    `json:"version"`
	EffectiveAt time.Time `json:"effective_at"`
	Source      string    `json:"source,omitempty"` // e.g. "p75 of 2026-Q2 training window"

	// Alert thresholds. Vibration and worker density come from the 75th
	// percentile of the training window; the heat index threshold is the
	// fixed 30°C domain constant.
	VibrationLevel float64 `json:"vibration_level"`
	HeatIndex      float64 `json:"heat_index"`
	WorkerDensity  float64 `json:"worker_density"`

	// Validation performance against labeled incident days, when available.
	Validation *ValidationMetrics `json:"validation,omitempty"`

	// Signature for tamper-evident export/import
	Signature string `json:"signature,omitempty"`
	SignedBy  string `json:"signed_by,omitempty"`
}

// ValidationError reports a threshold set rejected at registration.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("threshold validation error [%s]: %s", e.Field, e.Message)
}

// Validate checks the set before it can enter the registry.
func (t *ThresholdSet) Validate() error {
	if t.Version == "" {
		return &ValidationError{Field: "version", Message: "version is required"}
	}
	if t.EffectiveAt.IsZero() {
		return &ValidationError{Field: "effective_at", Message: "effective_at is required"}
	}
	if t.VibrationLevel <= 0 {
		return &ValidationError{Field: "vibration_level", Message: "must be positive"}
	}
	if t.HeatIndex < 20 || t.HeatIndex > 60 {
		return &ValidationError{Field: "heat_index", Message: "must be in [20, 60] °C"}
	}
	if t.WorkerDensity <= 0 {
		return &ValidationError{Field: "worker_density", Message: "must be positive"}
	}
	return nil
}

// Hash computes a stable hash of the threshold values for lineage tracking.
// Signature fields are excluded so signing does not change the hash.
func (t *ThresholdSet) Hash() (string, error) {
	canonical := map[string]interface{}{
		"version":         t.Version,
		"effective_at":    t.EffectiveAt.Unix(),
		"vibration_level": t.VibrationLevel,
		"heat_index":      t.HeatIndex,
		"worker_density":  t.WorkerDensity,
	}

	data, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("failed to marshal threshold set for hashing: %w", err)
	}

	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// DefaultThresholdSet returns the currently calibrated production set.
// Vibration and density are the p75 of the 2026-Q2 training window; heat
// index is the fixed domain constant.
func DefaultThresholdSet() *ThresholdSet {
	return &ThresholdSet{
		Version:        "2026-Q2",
		EffectiveAt:    time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC),
		Source:         "p75 of 2026-Q2 training window",
		VibrationLevel: 25.16,
		HeatIndex:      30.0,
		WorkerDensity:  0.36,
	}
}

// Registry manages versioned threshold sets. Promotion swaps the active set
// atomically; serving paths only ever see a complete set, never a partial
// update.
type Registry struct {
	mu     sync.RWMutex
	sets   map[string]*ThresholdSet
	active string
}

// NewRegistry creates an empty threshold registry.
func NewRegistry() *Registry {
	return &Registry{sets: make(map[string]*ThresholdSet)}
}

// Register adds a threshold set after validation. Versions are immutable.
func (r *Registry) Register(t *ThresholdSet) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("threshold set rejected: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sets[t.Version]; exists {
		return fmt.Errorf("threshold version %s already exists", t.Version)
	}
	r.sets[t.Version] = t
	return nil
}

// Promote activates a registered version. All-or-nothing: an unknown version
// leaves the current active set untouched.
func (r *Registry) Promote(version string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sets[version]; !exists {
		return fmt.Errorf("threshold version %s not found", version)
	}
	r.active = version
	return nil
}

// GetActive returns the currently active threshold set.
func (r *Registry) GetActive() (*ThresholdSet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.active == "" {
		return nil, fmt.Errorf("no active threshold set")
	}
	t, exists := r.sets[r.active]
	if !exists {
		return nil, fmt.Errorf("active threshold set %s not found", r.active)
	}
	return t, nil
}

// Get retrieves a threshold set by version.
func (r *Registry) Get(version string) (*ThresholdSet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, exists := r.sets[version]
	if !exists {
		return nil, fmt.Errorf("threshold version %s not found", version)
	}
	return t, nil
}

// ListVersions returns all registered versions.
func (r *Registry) ListVersions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := make([]string, 0, len(r.sets))
	for v := range r.sets {
		versions = append(versions, v)
	}
	return versions
}
