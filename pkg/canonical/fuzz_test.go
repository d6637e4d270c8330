package canonical

import (
	"encoding/json"
	"strings"
	"testing"
)

// FuzzCanonicalJSON fuzzes canonical float formatting
func FuzzCanonicalJSON(f *testing.F) {
	f.Add(float64(25.1612345678))
	f.Add(float64(0.0))
	f.Add(float64(-999.999999))
	f.Add(float64(1e10))

	f.Fuzz(func(t *testing.T, value float64) {
		// Should not crash on any float64 value
		_ = F6(value)

		// Round6 should be stable
		rounded := Round6(value)
		roundedTwice := Round6(rounded)

		// Idempotency check
		if rounded != roundedTwice {
			t.Errorf("Round6 not idempotent: %.6f != %.6f", rounded, roundedTwice)
		}
	})
}

// FuzzFloatMapString fuzzes the deterministic map encoding
func FuzzFloatMapString(f *testing.F) {
	f.Add("crew_size_change", 10.0, "utilization_change", -0.05)
	f.Add("", 0.0, "", 0.0)
	f.Add("a", 1e308, "b", -1e308)

	f.Fuzz(func(t *testing.T, k1 string, v1 float64, k2 string, v2 float64) {
		m := map[string]float64{k1: v1, k2: v2}

		out1 := FloatMapString(m)
		out2 := FloatMapString(m)
		if out1 != out2 {
			t.Errorf("FloatMapString not deterministic: %q != %q", out1, out2)
		}

		// Keys must appear in sorted order
		if k1 != k2 && !strings.Contains(k1, ",") && !strings.Contains(k2, ",") {
			lo, hi := k1, k2
			if lo > hi {
				lo, hi = hi, lo
			}
			if idxLo, idxHi := strings.Index(out1, lo+"="), strings.Index(out1, hi+"="); idxLo > idxHi {
				t.Errorf("keys out of order in %q", out1)
			}
		}
	})
}

// FuzzThresholdSubset fuzzes subset extraction from decoded config maps
func FuzzThresholdSubset(f *testing.F) {
	f.Add(`{"version":"2026-Q1","effective_at":1767225600,"vibration_level":25.16,"heat_index":30.0,"worker_density":0.36}`)
	f.Add(`{"unexpected_field":"value"}`)
	f.Add(`{}`)

	f.Fuzz(func(t *testing.T, jsonStr string) {
		var cfg map[string]interface{}

		err := json.Unmarshal([]byte(jsonStr), &cfg)
		if err != nil {
			return
		}

		// Extraction should never crash; errors are fine
		subset, err := ExtractThresholdSubset(cfg)
		if err != nil {
			return
		}

		// A successfully extracted subset must produce stable canonical bytes
		b1, err1 := CanonicalJSONBytes(subset)
		b2, err2 := CanonicalJSONBytes(subset)
		if err1 != nil || err2 != nil {
			t.Fatalf("canonical encoding failed: %v %v", err1, err2)
		}
		if string(b1) != string(b2) {
			t.Errorf("canonical bytes unstable: %s != %s", b1, b2)
		}
	})
}
