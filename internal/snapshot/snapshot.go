package snapshot

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// schema is the fixed ordered feature set the progress-delta models were
// trained on. Order is part of the model contract: vectors handed to the
// ensemble are laid out exactly in this order.
var schema = []string{
	"worker_count",
	"equipment_utilization_rate",
	"material_usage",
	"vibration_level",
	"temperature",
	"humidity",
	"task_progress",
	"energy_consumption",
	"risk_score",
	"safety_incidents",
}

var schemaIndex = buildSchemaIndex()

func buildSchemaIndex() map[string]int {
	idx := make(map[string]int, len(schema))
	for i, name := range schema {
		idx[name] = i
	}
	return idx
}

// Schema returns a copy of the ordered training feature list.
func Schema() []string {
	out := make([]string, len(schema))
	copy(out, schema)
	return out
}

// FeatureIndex returns the vector position of a schema feature.
func FeatureIndex(name string) (int, bool) {
	i, ok := schemaIndex[name]
	return i, ok
}

// SchemaMismatchError reports required features absent from an input row with
// no configured default.
type SchemaMismatchError struct {
	Missing []string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("input row missing required features: %s", strings.Join(e.Missing, ", "))
}

// ProjectState is the immutable baseline operating point of a project. It is
// constructed once per session from the latest aggregated telemetry row and
// never mutated afterwards; consumers read values through accessors or take
// vector copies.
type ProjectState struct {
	projectID string
	timestamp time.Time
	values    []float64 // schema order
}

// ProjectID returns the owning project.
func (s *ProjectState) ProjectID() string { return s.projectID }

// Timestamp returns the telemetry row timestamp.
func (s *ProjectState) Timestamp() time.Time { return s.timestamp }

// Value returns one feature by name.
func (s *ProjectState) Value(name string) (float64, bool) {
	i, ok := schemaIndex[name]
	if !ok {
		return 0, false
	}
	return s.values[i], true
}

// Vector returns a schema-ordered copy of the feature values. Callers may
// mutate the copy freely.
func (s *ProjectState) Vector() []float64 {
	out := make([]float64, len(s.values))
	copy(out, s.values)
	return out
}

// FeatureMap returns a name → value copy of the state.
func (s *ProjectState) FeatureMap() map[string]float64 {
	out := make(map[string]float64, len(schema))
	for i, name := range schema {
		out[name] = s.values[i]
	}
	return out
}

type stateJSON struct {
	ProjectID string             `json:"project_id"`
	Timestamp time.Time          `json:"timestamp"`
	Features  map[string]float64 `json:"features"`
}

// MarshalJSON encodes the state for the snapshot store.
func (s *ProjectState) MarshalJSON() ([]byte, error) {
	return json.Marshal(stateJSON{
		ProjectID: s.projectID,
		Timestamp: s.timestamp,
		Features:  s.FeatureMap(),
	})
}

// UnmarshalJSON decodes a stored state. Decoding runs the same schema check
// as Build so a corrupted store entry surfaces as SchemaMismatch.
func (s *ProjectState) UnmarshalJSON(data []byte) error {
	var raw stateJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	decoded, err := NewBuilder(nil).Build(raw.ProjectID, raw.Timestamp, raw.Features)
	if err != nil {
		return err
	}
	*s = *decoded
	return nil
}

// Builder turns raw aggregated telemetry rows into ProjectStates. A defaults
// map may cover features the telemetry feed does not always carry; a missing
// feature with no default fails the build.
type Builder struct {
	defaults map[string]float64

	mu           sync.Mutex
	built        int64
	defaulted    int64
	extraIgnored int64
}

// NewBuilder creates a builder. defaults may be nil for strict mode.
func NewBuilder(defaults map[string]float64) *Builder {
	return &Builder{defaults: defaults}
}

// Build validates a raw row against the training schema and produces an
// immutable ProjectState. Pure with respect to the input: the row map is
// never modified. Unknown keys are ignored and counted.
func (b *Builder) Build(projectID string, ts time.Time, row map[string]float64) (*ProjectState, error) {
	if projectID == "" {
		return nil, fmt.Errorf("project id is required")
	}

	values := make([]float64, len(schema))
	var missing []string
	defaulted := 0

	for i, name := range schema {
		if v, ok := row[name]; ok {
			values[i] = v
			continue
		}
		if v, ok := b.defaults[name]; ok {
			values[i] = v
			defaulted++
			continue
		}
		missing = append(missing, name)
	}

	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, &SchemaMismatchError{Missing: missing}
	}

	extra := 0
	for name := range row {
		if _, ok := schemaIndex[name]; !ok {
			extra++
		}
	}

	b.mu.Lock()
	b.built++
	b.defaulted += int64(defaulted)
	b.extraIgnored += int64(extra)
	b.mu.Unlock()

	return &ProjectState{
		projectID: projectID,
		timestamp: ts,
		values:    values,
	}, nil
}

// BuilderMetrics is a snapshot of builder counters.
type BuilderMetrics struct {
	Built        int64 `json:"built"`
	Defaulted    int64 `json:"defaulted"`
	ExtraIgnored int64 `json:"extra_ignored"`
}

// GetMetrics returns current builder counters.
func (b *Builder) GetMetrics() BuilderMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BuilderMetrics{
		Built:        b.built,
		Defaulted:    b.defaulted,
		ExtraIgnored: b.extraIgnored,
	}
}
