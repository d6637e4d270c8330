package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/groundline/sitewise/internal/safety"
	"github.com/groundline/sitewise/pkg/canonical"
)

var (
	// Global flags
	configDir string
	keyFile   string

	// Subcommand state
	historyFile string
	version     string
	outputFile  string
	signedBy    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "thresholds",
		Short: "Safety threshold lifecycle tool",
		Long: `Manages versioned safety alert threshold sets.
Supports calibrate->validate->export->import->promote workflow with
tamper-evident signed exports.`,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configDir, "config-dir", "d", "./thresholds", "Directory holding threshold set files")
	rootCmd.PersistentFlags().StringVarP(&keyFile, "key-file", "k", "", "HMAC signing key file (for export/import)")

	// Subcommands
	rootCmd.AddCommand(calibrateCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(promoteCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(diffCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// calibrateCmd derives a candidate threshold set from a history file
func calibrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "calibrate",
		Short: "Derive a candidate threshold set from historical observations",
		Long: `Reads a history file (CSV or JSON) of per-period observations and derives
a candidate threshold set at the 75th percentile of the window. The candidate
is saved but NOT promoted; review it with 'thresholds show' first.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			observations, err := loadObservations(historyFile)
			if err != nil {
				return fmt.Errorf("failed to load history: %w", err)
			}

			calibrator := safety.NewCalibrator(len(observations), 0)
			for _, obs := range observations {
				calibrator.Add(obs)
			}

			candidate, err := calibrator.Calibrate(version)
			if err != nil {
				return fmt.Errorf("calibration failed: %w", err)
			}

			if err := saveSet(configDir, candidate); err != nil {
				return fmt.Errorf("failed to save candidate: %w", err)
			}

			fmt.Printf("=== Calibration Result ===\n")
			printSet(candidate)
			if candidate.Validation != nil {
				v := candidate.Validation
				fmt.Printf("\nValidation against %d labeled days (%d incidents):\n", v.Labeled, v.Incidents)
				fmt.Printf("  Precision: %.3f\n", v.Precision)
				fmt.Printf("  Recall:    %.3f\n", v.Recall)
				fmt.Printf("  F1:        %.3f\n", v.F1)
			} else {
				fmt.Printf("\nNo labeled incident days in window; validation skipped.\n")
			}

			fmt.Printf("\nCandidate saved to %s\n", setPath(configDir, version))
			fmt.Printf("Next: review with 'thresholds show --version %s', then 'thresholds promote --version %s'\n", version, version)

			return nil
		},
	}

	cmd.Flags().StringVar(&historyFile, "history", "", "History file of observations (.csv or .json)")
	cmd.Flags().StringVar(&version, "version", "", "Version label for the candidate set")
	cmd.MarkFlagRequired("history")
	cmd.MarkFlagRequired("version")

	return cmd
}

// validateCmd checks a stored set and prints its lineage hash
func validateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a stored threshold set",
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := loadSet(configDir, version)
			if err != nil {
				return fmt.Errorf("failed to load set: %w", err)
			}

			if err := set.Validate(); err != nil {
				return fmt.Errorf("validation failed: %w", err)
			}

			hash, err := set.Hash()
			if err != nil {
				return fmt.Errorf("failed to hash set: %w", err)
			}

			fmt.Printf("Version %s is valid.\n", set.Version)
			fmt.Printf("Lineage hash: %s\n", hash)

			if set.Signature != "" {
				key, err := loadKey(keyFile)
				if err != nil {
					fmt.Printf("Signature present but no key file given; signature not checked.\n")
					return nil
				}
				if err := canonical.VerifyHMAC(toSubset(set), set.Signature, key); err != nil {
					return fmt.Errorf("signature check failed: %w", err)
				}
				fmt.Printf("Signature valid (signed by %s).\n", set.SignedBy)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&version, "version", "", "Version to validate")
	cmd.MarkFlagRequired("version")

	return cmd
}

// showCmd prints one threshold set
func showCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a threshold set (active set when --version is omitted)",
		RunE: func(cmd *cobra.Command, args []string) error {
			v := version
			if v == "" {
				active, err := loadActiveMarker(configDir)
				if err != nil {
					return fmt.Errorf("no version given and no active set: %w", err)
				}
				v = active
			}

			set, err := loadSet(configDir, v)
			if err != nil {
				return fmt.Errorf("failed to load set: %w", err)
			}

			printSet(set)
			return nil
		},
	}

	cmd.Flags().StringVar(&version, "version", "", "Version to show")

	return cmd
}

// exportCmd signs a set and writes it as a portable file
func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a signed threshold set for another environment",
		Long: `Signs the threshold values with HMAC-SHA256 over the canonical subset and
writes a portable JSON file. The importing side verifies the signature before
the set can be registered.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := loadSet(configDir, version)
			if err != nil {
				return fmt.Errorf("failed to load set: %w", err)
			}

			key, err := loadKey(keyFile)
			if err != nil {
				return fmt.Errorf("failed to load signing key: %w", err)
			}

			sig, err := canonical.SignHMAC(toSubset(set), key)
			if err != nil {
				return fmt.Errorf("failed to sign set: %w", err)
			}
			set.Signature = sig
			set.SignedBy = signedBy

			data, err := json.MarshalIndent(set, "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(outputFile, data, 0644); err != nil {
				return fmt.Errorf("failed to write export: %w", err)
			}

			fmt.Printf("Exported signed set %s to %s\n", set.Version, outputFile)
			return nil
		},
	}

	cmd.Flags().StringVar(&version, "version", "", "Version to export")
	cmd.Flags().StringVarP(&outputFile, "out", "o", "thresholds-export.json", "Output file")
	cmd.Flags().StringVar(&signedBy, "signed-by", "", "Signer identity recorded in the export")
	cmd.MarkFlagRequired("version")

	return cmd
}

// importCmd verifies and registers an exported set
func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Verify and import a signed threshold set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read import file: %w", err)
			}

			var set safety.ThresholdSet
			if err := json.Unmarshal(data, &set); err != nil {
				return fmt.Errorf("failed to parse import file: %w", err)
			}

			if set.Signature == "" {
				return fmt.Errorf("import file carries no signature")
			}

			key, err := loadKey(keyFile)
			if err != nil {
				return fmt.Errorf("failed to load signing key: %w", err)
			}
			if err := canonical.VerifyHMAC(toSubset(&set), set.Signature, key); err != nil {
				return fmt.Errorf("signature check failed, file rejected: %w", err)
			}

			if err := set.Validate(); err != nil {
				return fmt.Errorf("imported set invalid: %w", err)
			}

			if _, err := loadSet(configDir, set.Version); err == nil {
				return fmt.Errorf("version %s already exists, versions are immutable", set.Version)
			}

			if err := saveSet(configDir, &set); err != nil {
				return fmt.Errorf("failed to save set: %w", err)
			}

			fmt.Printf("Imported set %s (signed by %s).\n", set.Version, set.SignedBy)
			fmt.Printf("Next: 'thresholds promote --version %s' to activate it\n", set.Version)
			return nil
		},
	}

	return cmd
}

// promoteCmd marks a stored version as active
func promoteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "promote",
		Short: "Promote a stored version to active",
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := loadSet(configDir, version)
			if err != nil {
				return fmt.Errorf("failed to load set: %w", err)
			}
			if err := set.Validate(); err != nil {
				return fmt.Errorf("cannot promote invalid set: %w", err)
			}

			prev, _ := loadActiveMarker(configDir)
			if err := saveActiveMarker(configDir, version); err != nil {
				return fmt.Errorf("failed to write active marker: %w", err)
			}

			if prev != "" && prev != version {
				fmt.Printf("Promoted %s (was %s). Revert with 'thresholds promote --version %s'.\n", version, prev, prev)
			} else {
				fmt.Printf("Promoted %s.\n", version)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&version, "version", "", "Version to promote")
	cmd.MarkFlagRequired("version")

	return cmd
}

// historyCmd lists all stored versions
func historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "List all stored threshold versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			sets, err := loadAllSets(configDir)
			if err != nil {
				return err
			}
			if len(sets) == 0 {
				fmt.Printf("No threshold sets in %s\n", configDir)
				return nil
			}

			sort.Slice(sets, func(i, j int) bool {
				return sets[i].EffectiveAt.Before(sets[j].EffectiveAt)
			})

			active, _ := loadActiveMarker(configDir)

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "VERSION\tEFFECTIVE\tVIBRATION\tHEAT\tDENSITY\tSIGNED\tACTIVE")
			for _, s := range sets {
				mark := ""
				if s.Version == active {
					mark = "*"
				}
				signed := "no"
				if s.Signature != "" {
					signed = "yes"
				}
				fmt.Fprintf(w, "%s\t%s\t%.2f\t%.1f\t%.3f\t%s\t%s\n",
					s.Version, s.EffectiveAt.Format("2006-01-02"),
					s.VibrationLevel, s.HeatIndex, s.WorkerDensity, signed, mark)
			}
			return w.Flush()
		},
	}
}

// diffCmd compares two stored versions
func diffCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diff <version-a> <version-b>",
		Short: "Compare two stored versions field by field",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadSet(configDir, args[0])
			if err != nil {
				return fmt.Errorf("failed to load %s: %w", args[0], err)
			}
			b, err := loadSet(configDir, args[1])
			if err != nil {
				return fmt.Errorf("failed to load %s: %w", args[1], err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "FIELD\t%s\t%s\tDELTA\n", a.Version, b.Version)
			diffRow(w, "vibration_level", a.VibrationLevel, b.VibrationLevel)
			diffRow(w, "heat_index", a.HeatIndex, b.HeatIndex)
			diffRow(w, "worker_density", a.WorkerDensity, b.WorkerDensity)
			fmt.Fprintf(w, "effective_at\t%s\t%s\t\n",
				a.EffectiveAt.Format("2006-01-02"), b.EffectiveAt.Format("2006-01-02"))
			return w.Flush()
		},
	}

	return cmd
}

func diffRow(w *tabwriter.Writer, field string, a, b float64) {
	fmt.Fprintf(w, "%s\t%.4f\t%.4f\t%+.4f\n", field, a, b, b-a)
}

// --- Storage helpers ---

func setPath(dir, version string) string {
	return filepath.Join(dir, version+".json")
}

func saveSet(dir string, set *safety.ThresholdSet) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(set, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(setPath(dir, set.Version), data, 0644)
}

func loadSet(dir, version string) (*safety.ThresholdSet, error) {
	data, err := os.ReadFile(setPath(dir, version))
	if err != nil {
		return nil, err
	}
	var set safety.ThresholdSet
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, err
	}
	return &set, nil
}

func loadAllSets(dir string) ([]*safety.ThresholdSet, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var sets []*safety.ThresholdSet
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		v := strings.TrimSuffix(e.Name(), ".json")
		set, err := loadSet(dir, v)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: skipping unreadable set %s: %v\n", e.Name(), err)
			continue
		}
		sets = append(sets, set)
	}
	return sets, nil
}

func saveActiveMarker(dir, version string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "ACTIVE"), []byte(version+"\n"), 0644)
}

func loadActiveMarker(dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, "ACTIVE"))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func loadKey(path string) ([]byte, error) {
	if path == "" {
		return nil, fmt.Errorf("no key file given (--key-file)")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	key := strings.TrimSpace(string(data))
	if len(key) < 16 {
		return nil, fmt.Errorf("signing key too short: %d bytes", len(key))
	}
	return []byte(key), nil
}

func toSubset(set *safety.ThresholdSet) *canonical.ThresholdSubset {
	return &canonical.ThresholdSubset{
		Version:        set.Version,
		EffectiveAt:    set.EffectiveAt.Unix(),
		VibrationLevel: set.VibrationLevel,
		HeatIndex:      set.HeatIndex,
		WorkerDensity:  set.WorkerDensity,
	}
}

func printSet(set *safety.ThresholdSet) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Version:\t%s\n", set.Version)
	fmt.Fprintf(w, "Effective:\t%s\n", set.EffectiveAt.Format(time.RFC3339))
	if set.Source != "" {
		fmt.Fprintf(w, "Source:\t%s\n", set.Source)
	}
	fmt.Fprintf(w, "Vibration level:\t%.4f\n", set.VibrationLevel)
	fmt.Fprintf(w, "Heat index:\t%.1f °C\n", set.HeatIndex)
	fmt.Fprintf(w, "Worker density:\t%.4f\n", set.WorkerDensity)
	if set.Signature != "" {
		fmt.Fprintf(w, "Signed by:\t%s\n", set.SignedBy)
	}
	w.Flush()
}

// --- History parsing ---

// loadObservations reads a calibration history file. JSON files hold an array
// of observations; CSV files need a header row naming at least timestamp,
// vibration, temperature, humidity, worker_count and utilization, with
// optional incident (0/1).
func loadObservations(path string) ([]safety.Observation, error) {
	if strings.HasSuffix(path, ".json") {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		var obs []safety.Observation
		if err := json.Unmarshal(data, &obs); err != nil {
			return nil, err
		}
		return obs, nil
	}
	return loadObservationsCSV(path)
}

func loadObservationsCSV(path string) ([]safety.Observation, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}

	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.TrimSpace(strings.ToLower(name))] = i
	}
	for _, required := range []string{"timestamp", "vibration", "temperature", "humidity", "worker_count", "utilization"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("CSV missing required column %q", required)
		}
	}

	var observations []safety.Observation
	line := 1
	for {
		record, err := r.Read()
		if err != nil {
			break
		}
		line++

		ts, err := time.Parse(time.RFC3339, record[col["timestamp"]])
		if err != nil {
			// accept bare dates too
			ts, err = time.Parse("2006-01-02", record[col["timestamp"]])
			if err != nil {
				return nil, fmt.Errorf("line %d: bad timestamp %q", line, record[col["timestamp"]])
			}
		}

		obs := safety.Observation{Timestamp: ts}
		fields := []struct {
			name string
			dst  *float64
		}{
			{"vibration", &obs.Vibration},
			{"temperature", &obs.Temperature},
			{"humidity", &obs.Humidity},
			{"worker_count", &obs.WorkerCount},
			{"utilization", &obs.Utilization},
		}
		for _, f := range fields {
			v, err := strconv.ParseFloat(strings.TrimSpace(record[col[f.name]]), 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: bad %s value %q", line, f.name, record[col[f.name]])
			}
			*f.dst = v
		}

		if idx, ok := col["incident"]; ok && idx < len(record) && strings.TrimSpace(record[idx]) != "" {
			obs.Labeled = true
			obs.Incident = strings.TrimSpace(record[idx]) == "1"
		}

		observations = append(observations, obs)
	}

	return observations, nil
}
