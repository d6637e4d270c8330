// Package canonical provides canonical JSON utilities for threshold-set
// signing and scenario fingerprinting.
//
// Key requirements:
// - Floats formatted to exactly 6 decimal places
// - Stable field ordering for the signed subset
// - No whitespace in JSON output
package canonical

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// SignatureFields defines the threshold-set subset used for signing.
var SignatureFields = []string{
	"effective_at",
	"heat_index",
	"version",
	"vibration_level",
	"worker_density",
}

// ThresholdSubset represents the minimal threshold-set fields used for signing.
// Exported and imported configuration files carry an HMAC over this subset so a
// tampered file is rejected before it can be promoted.
type ThresholdSubset struct {
	Version        string  `json:"version"`
	EffectiveAt    int64   `json:"effective_at"`
	VibrationLevel float64 `json:"vibration_level"`
	HeatIndex      float64 `json:"heat_index"`
	WorkerDensity  float64 `json:"worker_density"`
}

// F6 formats a float64 to exactly 6 decimal places.
//
// This keeps signatures stable across export/import round trips and prevents
// floating-point drift.
//
// Example:
//
//	F6(25.1612345678) // returns "25.161235"
//	F6(0.5)           // returns "0.500000"
func F6(x float64) string {
	return strconv.FormatFloat(x, 'f', 6, 64)
}

// Round6 rounds a float64 to 6 decimal places.
//
// Used for normalizing floats before formatting so repeated encode passes
// produce identical bytes.
func Round6(x float64) float64 {
	const factor = 1e6
	if x < 0 {
		return float64(int64(x*factor-0.5)) / factor
	}
	return float64(int64(x*factor+0.5)) / factor
}

// CanonicalJSONBytes generates canonical JSON bytes for signing.
//
// Rules:
//   - Signature fields only (5 fields)
//   - Floats rounded to 6 decimal places
//   - Keys sorted alphabetically
//   - No whitespace (compact JSON)
//   - UTF-8 encoded
func CanonicalJSONBytes(subset *ThresholdSubset) ([]byte, error) {
	normalized := map[string]interface{}{
		"effective_at":    subset.EffectiveAt,
		"heat_index":      Round6(subset.HeatIndex),
		"version":         subset.Version,
		"vibration_level": Round6(subset.VibrationLevel),
		"worker_density":  Round6(subset.WorkerDensity),
	}

	// json.Marshal sorts map keys alphabetically and emits compact output
	return json.Marshal(normalized)
}

// SignaturePayload validates the subset and generates the canonical payload.
//
// This is the main entry point for generating bytes to sign.
func SignaturePayload(subset *ThresholdSubset) ([]byte, error) {
	if subset.Version == "" {
		return nil, fmt.Errorf("missing required field: version")
	}
	if subset.EffectiveAt <= 0 {
		return nil, fmt.Errorf("missing required field: effective_at")
	}

	return CanonicalJSONBytes(subset)
}

// FloatMapString encodes a float map as a deterministic "k=v,k=v" string with
// keys sorted alphabetically and values formatted via F6. Scenario IDs hash
// this encoding so identical delta sets map to identical IDs regardless of
// map iteration order.
func FloatMapString(m map[string]float64) string {
	if len(m) == 0 {
		return ""
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(F6(m[k]))
	}
	return b.String()
}

// ExtractThresholdSubset extracts signature fields from a decoded config map.
//
// Useful when importing configuration files with unknown extra fields.
func ExtractThresholdSubset(cfg map[string]interface{}) (*ThresholdSubset, error) {
	subset := &ThresholdSubset{}

	if v, ok := cfg["version"].(string); ok {
		subset.Version = v
	} else {
		return nil, fmt.Errorf("missing or invalid version")
	}

	switch v := cfg["effective_at"].(type) {
	case float64:
		subset.EffectiveAt = int64(v)
	case int64:
		subset.EffectiveAt = v
	case int:
		subset.EffectiveAt = int64(v)
	default:
		return nil, fmt.Errorf("missing or invalid effective_at")
	}

	if v, ok := cfg["vibration_level"].(float64); ok {
		subset.VibrationLevel = v
	} else {
		return nil, fmt.Errorf("missing or invalid vibration_level")
	}

	if v, ok := cfg["heat_index"].(float64); ok {
		subset.HeatIndex = v
	} else {
		return nil, fmt.Errorf("missing or invalid heat_index")
	}

	if v, ok := cfg["worker_density"].(float64); ok {
		subset.WorkerDensity = v
	} else {
		return nil, fmt.Errorf("missing or invalid worker_density")
	}

	return subset, nil
}
