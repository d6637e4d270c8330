package scenario

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/groundline/sitewise/internal/snapshot"
)

// Combination modes for adjustable features.
const (
	// ModeAdditive combines as baseline + delta.
	ModeAdditive = "additive"
	// ModeRate combines as clamp(baseline + delta, 0, 1).
	ModeRate = "rate"
)

// Clamp kinds reported to callers.
const (
	ClampDeltaRange = "delta_range"
	ClampFloor      = "floor"
	ClampCeiling    = "ceiling"
)

// AdjustableSpec declares one user-adjustable feature: the delta key the UI
// submits, the schema feature it perturbs, the combination mode, the allowed
// delta range, and the physical bounds of the combined value.
type AdjustableSpec struct {
	Name     string
	Target   string
	Mode     string
	MinDelta float64
	MaxDelta float64
	Floor    float64
	Ceil     float64
}

// DefaultAdjustables returns the production adjustable-feature set.
func DefaultAdjustables() []AdjustableSpec {
	return []AdjustableSpec{
		{
			Name:     "crew_size_change",
			Target:   "worker_count",
			Mode:     ModeAdditive,
			MinDelta: -200,
			MaxDelta: 30,
			Floor:    0,
			Ceil:     math.Inf(1),
		},
		{
			Name:     "utilization_change",
			Target:   "equipment_utilization_rate",
			Mode:     ModeRate,
			MinDelta: -1,
			MaxDelta: 1,
			Floor:    0,
			Ceil:     1,
		},
		{
			Name:     "material_usage_change",
			Target:   "material_usage",
			Mode:     ModeAdditive,
			MinDelta: -500,
			MaxDelta: 500,
			Floor:    0,
			Ceil:     math.Inf(1),
		},
	}
}

// InvalidDeltaError reports a delta key outside the adjustable set.
type InvalidDeltaError struct {
	Key   string
	Known []string
}

func (e *InvalidDeltaError) Error() string {
	return fmt.Sprintf("delta key %q is not adjustable (adjustable: %s)", e.Key, strings.Join(e.Known, ", "))
}

// Clamp records one bound applied while combining a delta. Surfaced in the
// response so the UI can warn the user; never an error.
type Clamp struct {
	Feature   string  `json:"feature"`
	Requested float64 `json:"requested"`
	Applied   float64 `json:"applied"`
	Bound     float64 `json:"bound"`
	Kind      string  `json:"kind"`
}

// PerturbedVector is a baseline with a scenario delta applied. Derived and
// transient: recomputed on every scenario change, kept only in the response
// cache.
type PerturbedVector struct {
	ProjectID  string
	BaselineAt time.Time
	Values     []float64 // schema order
	Clamps     []Clamp
	Changed    []string // schema features whose value differs from baseline
}

// Vector returns a copy of the perturbed values.
func (p *PerturbedVector) Vector() []float64 {
	out := make([]float64, len(p.Values))
	copy(out, p.Values)
	return out
}

// Applier applies scenario deltas onto baseline states.
type Applier struct {
	specs map[string]AdjustableSpec
	known []string
}

// NewApplier builds an applier from adjustable specs. Specs targeting a
// feature outside the training schema are rejected.
func NewApplier(specs []AdjustableSpec) (*Applier, error) {
	byName := make(map[string]AdjustableSpec, len(specs))
	known := make([]string, 0, len(specs))

	for _, spec := range specs {
		if spec.Name == "" {
			return nil, fmt.Errorf("adjustable spec has empty name")
		}
		if _, ok := snapshot.FeatureIndex(spec.Target); !ok {
			return nil, fmt.Errorf("adjustable %q targets unknown feature %q", spec.Name, spec.Target)
		}
		if spec.Mode != ModeAdditive && spec.Mode != ModeRate {
			return nil, fmt.Errorf("adjustable %q has unknown mode %q", spec.Name, spec.Mode)
		}
		if spec.MinDelta > spec.MaxDelta {
			return nil, fmt.Errorf("adjustable %q has inverted delta range", spec.Name)
		}
		if _, dup := byName[spec.Name]; dup {
			return nil, fmt.Errorf("adjustable %q declared twice", spec.Name)
		}
		byName[spec.Name] = spec
		known = append(known, spec.Name)
	}

	sort.Strings(known)
	return &Applier{specs: byName, known: known}, nil
}

// DefaultApplier builds the production applier.
func DefaultApplier() *Applier {
	a, err := NewApplier(DefaultAdjustables())
	if err != nil {
		panic(err)
	}
	return a
}

// Adjustables returns the sorted adjustable delta keys.
func (a *Applier) Adjustables() []string {
	out := make([]string, len(a.known))
	copy(out, a.known)
	return out
}

// Apply produces a PerturbedVector from a baseline state and a delta map.
// Unknown delta keys fail with InvalidDelta before anything is applied.
// Out-of-range deltas and out-of-bound combined values are clamped to the
// nearest valid bound and reported, never rejected.
func (a *Applier) Apply(state *snapshot.ProjectState, deltas map[string]float64) (*PerturbedVector, error) {
	for key := range deltas {
		if _, ok := a.specs[key]; !ok {
			return nil, &InvalidDeltaError{Key: key, Known: a.Adjustables()}
		}
	}

	values := state.Vector()
	out := &PerturbedVector{
		ProjectID:  state.ProjectID(),
		BaselineAt: state.Timestamp(),
		Values:     values,
	}

	// Deterministic application order keeps clamp reports stable
	keys := make([]string, 0, len(deltas))
	for key := range deltas {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		spec := a.specs[key]
		idx, _ := snapshot.FeatureIndex(spec.Target)
		base := values[idx]

		d := deltas[key]
		if d < spec.MinDelta {
			out.Clamps = append(out.Clamps, Clamp{
				Feature:   spec.Target,
				Requested: d,
				Applied:   spec.MinDelta,
				Bound:     spec.MinDelta,
				Kind:      ClampDeltaRange,
			})
			d = spec.MinDelta
		} else if d > spec.MaxDelta {
			out.Clamps = append(out.Clamps, Clamp{
				Feature:   spec.Target,
				Requested: d,
				Applied:   spec.MaxDelta,
				Bound:     spec.MaxDelta,
				Kind:      ClampDeltaRange,
			})
			d = spec.MaxDelta
		}

		combined := base + d

		floor, ceil := spec.Floor, spec.Ceil
		if spec.Mode == ModeRate {
			floor, ceil = 0, 1
		}

		if combined < floor {
			out.Clamps = append(out.Clamps, Clamp{
				Feature:   spec.Target,
				Requested: combined,
				Applied:   floor,
				Bound:     floor,
				Kind:      ClampFloor,
			})
			combined = floor
		} else if combined > ceil {
			out.Clamps = append(out.Clamps, Clamp{
				Feature:   spec.Target,
				Requested: combined,
				Applied:   ceil,
				Bound:     ceil,
				Kind:      ClampCeiling,
			})
			combined = ceil
		}

		values[idx] = combined
		if combined != base {
			out.Changed = append(out.Changed, spec.Target)
		}
	}

	return out, nil
}
