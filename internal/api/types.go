package api

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/groundline/sitewise/pkg/canonical"
)

// ScenarioRequest is one what-if scenario submission. The baseline is either
// inlined (a full telemetry row) or resolved from the snapshot store by
// project ID when Baseline is empty.
type ScenarioRequest struct {
	ProjectID  string             `json:"project_id"`
	BaselineAt time.Time          `json:"baseline_at,omitempty"`
	Baseline   map[string]float64 `json:"baseline,omitempty"`
	Deltas     map[string]float64 `json:"deltas"`
}

// ClampWarning reports one bound that was applied while combining a delta
// with its baseline value. Surfaced so a UI can warn the user.
type ClampWarning struct {
	Feature   string  `json:"feature"`
	Requested float64 `json:"requested"`
	Applied   float64 `json:"applied"`
	Bound     float64 `json:"bound"`
	Kind      string  `json:"kind"` // "delta_range", "floor", "ceiling"
}

// QuantileBand is the three-quantile prediction returned to callers.
type QuantileBand struct {
	P10          float64 `json:"p10"`
	P50          float64 `json:"p50"`
	P90          float64 `json:"p90"`
	Reordered    bool    `json:"reordered"`
	ModelVersion string  `json:"model_version"`
}

// ScenarioResponse is the scored scenario result.
type ScenarioResponse struct {
	ScenarioID        string         `json:"scenario_id"`
	ProjectID         string         `json:"project_id"`
	Prediction        QuantileBand   `json:"prediction"`
	PredictedProgress float64        `json:"predicted_progress"`
	Clamps            []ClampWarning `json:"clamps,omitempty"`
	Degraded          bool           `json:"degraded"`
	Stale             bool           `json:"stale"`
	Cached            bool           `json:"cached"`
	LatencyMs         float64        `json:"latency_ms"`
}

// SafetyRequest asks for a risk evaluation of one period's aggregated
// telemetry. Features must carry the raw inputs the rule engine derives its
// indicators from.
type SafetyRequest struct {
	ProjectID string             `json:"project_id"`
	Date      string             `json:"date,omitempty"`
	Features  map[string]float64 `json:"features"`
}

// TriggeredFactor carries the measured value and the threshold it exceeded.
type TriggeredFactor struct {
	Factor    string  `json:"factor"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
}

// SafetyResponse is the rule engine's assessment for one period.
type SafetyResponse struct {
	ProjectID        string             `json:"project_id"`
	Date             string             `json:"date,omitempty"`
	RiskLevel        string             `json:"risk_level"`
	Triggered        []TriggeredFactor  `json:"triggered_factors"`
	Recommendations  []string           `json:"recommendations,omitempty"`
	Indicators       map[string]float64 `json:"indicators"`
	ThresholdVersion string             `json:"threshold_version"`
	EvaluatedAt      time.Time          `json:"evaluated_at"`
}

// IngestRequest submits the latest aggregated telemetry row for a project.
type IngestRequest struct {
	ProjectID string             `json:"project_id"`
	Timestamp time.Time          `json:"timestamp"`
	Features  map[string]float64 `json:"features"`
}

// ErrorResponse is the JSON error body for all 4xx/5xx responses.
type ErrorResponse struct {
	Error   bool   `json:"error"`
	Status  int    `json:"status"`
	Message string `json:"message"`
}

// ComputeScenarioID computes the canonical scenario id
// sha256(project_id|baseline_unixnano|sorted deltas). Identical submissions
// hash to the same id, which is what the response cache and the result store
// key on.
func ComputeScenarioID(projectID string, baselineAt time.Time, deltas map[string]float64) string {
	data := fmt.Sprintf("%s|%d|%s", projectID, baselineAt.UnixNano(), canonical.FloatMapString(deltas))
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

// Validate performs basic structural validation
func (r *ScenarioRequest) Validate() error {
	if r.ProjectID == "" {
		return fmt.Errorf("project_id is required")
	}
	if len(r.Deltas) == 0 {
		return fmt.Errorf("deltas cannot be empty")
	}
	for k := range r.Deltas {
		if k == "" {
			return fmt.Errorf("delta key cannot be empty")
		}
	}
	if len(r.Baseline) > 0 && r.BaselineAt.IsZero() {
		return fmt.Errorf("baseline_at is required when baseline is inlined")
	}
	return nil
}

// Validate performs basic structural validation
func (r *SafetyRequest) Validate() error {
	if r.ProjectID == "" {
		return fmt.Errorf("project_id is required")
	}
	if len(r.Features) == 0 {
		return fmt.Errorf("features cannot be empty")
	}
	return nil
}

// Validate performs basic structural validation
func (r *IngestRequest) Validate() error {
	if r.ProjectID == "" {
		return fmt.Errorf("project_id is required")
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	if len(r.Features) == 0 {
		return fmt.Errorf("features cannot be empty")
	}
	return nil
}
