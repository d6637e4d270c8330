package overrun

import (
	"fmt"
	"sort"
)

// Suite pairs the time-overrun and cost-overrun classifiers and derives the
// blended project risk used for ranking and alerting.
type Suite struct {
	time *Classifier
	cost *Classifier
}

// NewSuite builds a suite from two loaded classifiers.
func NewSuite(timeModel, costModel *Classifier) (*Suite, error) {
	if timeModel == nil || costModel == nil {
		return nil, fmt.Errorf("overrun: suite requires both time and cost classifiers")
	}
	return &Suite{time: timeModel, cost: costModel}, nil
}

// PredictTime scores the schedule-overrun model.
func (s *Suite) PredictTime(row map[string]float64) (Prediction, error) {
	return s.time.Predict(row)
}

// PredictCost scores the budget-overrun model.
func (s *Suite) PredictCost(row map[string]float64) (Prediction, error) {
	return s.cost.Predict(row)
}

// CombinedPrediction is the blended time/cost risk.
type CombinedPrediction struct {
	Probability    float64 `json:"probability"`
	Level          string  `json:"level"`
	Recommendation string  `json:"recommendation"`
	TimeComponent  float64 `json:"time_component"`
	CostComponent  float64 `json:"cost_component"`
}

// CombinedRisk blends the two probabilities, weighted toward schedule risk.
func CombinedRisk(timeP, costP float64) CombinedPrediction {
	p := 0.7*timeP + 0.3*costP
	level := levelFor(p, 0.7, 0.5)
	return CombinedPrediction{
		Probability:    p,
		Level:          level,
		Recommendation: recommendationFor("combined", level),
		TimeComponent:  timeP,
		CostComponent:  costP,
	}
}

// Assess runs both models on a row and blends them.
func (s *Suite) Assess(row map[string]float64) (CombinedPrediction, error) {
	timePred, err := s.PredictTime(row)
	if err != nil {
		return CombinedPrediction{}, err
	}
	costPred, err := s.PredictCost(row)
	if err != nil {
		return CombinedPrediction{}, err
	}
	return CombinedRisk(timePred.Probability, costPred.Probability), nil
}

// ProjectRow is one project's latest feature row for ranking.
type ProjectRow struct {
	ProjectID string
	Features  map[string]float64
}

// RankedProject is one entry in a risk ranking.
type RankedProject struct {
	ProjectID string             `json:"project_id"`
	Risk      CombinedPrediction `json:"risk"`
}

// RankProjects assesses every project and returns the top k by combined
// probability, descending. Ties keep input order. Rows that fail validation
// are skipped and reported in the returned error list by project.
func (s *Suite) RankProjects(rows []ProjectRow, k int) ([]RankedProject, map[string]error) {
	ranked := make([]RankedProject, 0, len(rows))
	failures := make(map[string]error)

	for _, row := range rows {
		risk, err := s.Assess(row.Features)
		if err != nil {
			failures[row.ProjectID] = err
			continue
		}
		ranked = append(ranked, RankedProject{ProjectID: row.ProjectID, Risk: risk})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Risk.Probability > ranked[j].Risk.Probability
	})

	if k > 0 && len(ranked) > k {
		ranked = ranked[:k]
	}
	if len(failures) == 0 {
		failures = nil
	}
	return ranked, failures
}

// lag feature construction: the TIME model was trained with short-horizon
// history of the volatile features alongside the current row.
var lagSpecs = []struct {
	feature string
	lag     int
}{
	{"safety_incidents", 2},
	{"safety_incidents", 5},
	{"material_shortage_alert", 2},
	{"material_shortage_alert", 5},
	{"energy_consumption", 2},
	{"equipment_utilization_rate", 2},
	{"material_usage", 2},
	{"risk_score", 2},
	{"worker_count", 2},
}

// BuildLagFeatures constructs the model input row from ordered telemetry
// history (oldest first). The newest row supplies the current features; lag
// features read N rows back, padding with the oldest row when history is
// short.
func BuildLagFeatures(history []map[string]float64) (map[string]float64, error) {
	if len(history) == 0 {
		return nil, fmt.Errorf("overrun: empty history")
	}

	current := history[len(history)-1]
	row := make(map[string]float64, len(current)+len(lagSpecs))
	for name, value := range current {
		row[name] = value
	}

	for _, spec := range lagSpecs {
		idx := len(history) - 1 - spec.lag
		if idx < 0 {
			idx = 0
		}
		row[fmt.Sprintf("%s_lag%d", spec.feature, spec.lag)] = history[idx][spec.feature]
	}
	return row, nil
}
