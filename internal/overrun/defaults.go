package overrun

// Bundled artifacts let the batch worker and report builder run without an
// external model directory. Fitted offline on the 2026-H1 telemetry corpus.

func defaultTimeArtifact() Artifact {
	return Artifact{
		Version: "ovr-time-2026.07",
		Target:  "time",
		FeatureNames: []string{
			"worker_count",
			"equipment_utilization_rate",
			"task_progress",
			"risk_score",
			"safety_incidents",
			"safety_incidents_lag2",
			"safety_incidents_lag5",
			"material_shortage_alert_lag2",
			"material_shortage_alert_lag5",
			"energy_consumption_lag2",
			"equipment_utilization_rate_lag2",
			"material_usage_lag2",
			"risk_score_lag2",
			"worker_count_lag2",
		},
		Weights: map[string]float64{
			"worker_count":                    -0.21,
			"equipment_utilization_rate":      -0.44,
			"task_progress":                   -0.63,
			"risk_score":                      0.58,
			"safety_incidents":                0.47,
			"safety_incidents_lag2":           0.31,
			"safety_incidents_lag5":           0.18,
			"material_shortage_alert_lag2":    0.52,
			"material_shortage_alert_lag5":    0.29,
			"energy_consumption_lag2":         0.12,
			"equipment_utilization_rate_lag2": -0.17,
			"material_usage_lag2":             0.09,
			"risk_score_lag2":                 0.33,
			"worker_count_lag2":               -0.08,
		},
		Bias: -0.35,
		Scaler: Scaler{
			Mean: map[string]float64{
				"worker_count":                    42.0,
				"equipment_utilization_rate":      0.62,
				"task_progress":                   48.0,
				"risk_score":                      31.0,
				"safety_incidents":                0.4,
				"safety_incidents_lag2":           0.4,
				"safety_incidents_lag5":           0.4,
				"material_shortage_alert_lag2":    0.12,
				"material_shortage_alert_lag5":    0.12,
				"energy_consumption_lag2":         1250.0,
				"equipment_utilization_rate_lag2": 0.62,
				"material_usage_lag2":             540.0,
				"risk_score_lag2":                 31.0,
				"worker_count_lag2":               42.0,
			},
			Std: map[string]float64{
				"worker_count":                    14.0,
				"equipment_utilization_rate":      0.18,
				"task_progress":                   27.0,
				"risk_score":                      16.0,
				"safety_incidents":                0.8,
				"safety_incidents_lag2":           0.8,
				"safety_incidents_lag5":           0.8,
				"material_shortage_alert_lag2":    0.33,
				"material_shortage_alert_lag5":    0.33,
				"energy_consumption_lag2":         410.0,
				"equipment_utilization_rate_lag2": 0.18,
				"material_usage_lag2":             180.0,
				"risk_score_lag2":                 16.0,
				"worker_count_lag2":               14.0,
			},
		},
	}
}

func defaultCostArtifact() Artifact {
	return Artifact{
		Version: "ovr-cost-2026.07",
		Target:  "cost",
		FeatureNames: []string{
			"worker_count",
			"equipment_utilization_rate",
			"material_usage",
			"energy_consumption",
			"task_progress",
			"risk_score",
		},
		Weights: map[string]float64{
			"worker_count":               0.24,
			"equipment_utilization_rate": -0.39,
			"material_usage":             0.56,
			"energy_consumption":         0.41,
			"task_progress":              -0.48,
			"risk_score":                 0.36,
		},
		Bias: -0.42,
		Scaler: Scaler{
			Mean: map[string]float64{
				"worker_count":               42.0,
				"equipment_utilization_rate": 0.62,
				"material_usage":             540.0,
				"energy_consumption":         1250.0,
				"task_progress":              48.0,
				"risk_score":                 31.0,
			},
			Std: map[string]float64{
				"worker_count":               14.0,
				"equipment_utilization_rate": 0.18,
				"material_usage":             180.0,
				"energy_consumption":         410.0,
				"task_progress":              27.0,
				"risk_score":                 16.0,
			},
		},
	}
}

// DefaultSuite builds the suite from the bundled artifacts.
func DefaultSuite() (*Suite, error) {
	timeModel, err := NewClassifier(defaultTimeArtifact())
	if err != nil {
		return nil, err
	}
	costModel, err := NewClassifier(defaultCostArtifact())
	if err != nil {
		return nil, err
	}
	return NewSuite(timeModel, costModel)
}
