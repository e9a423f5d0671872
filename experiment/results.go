package experiment

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Results holds the test metrics of one variant, parallel per sample size
type Results struct {
	Losses      []float64 `json:"losses"`
	AUCs        []float64 `json:"aucs"`
	SampleSizes []int     `json:"sample_sizes"`
	Failed      []Failure `json:"failed"`
}

// Failure records a sample size that could not be evaluated
type Failure struct {
	SampleSize int    `json:"sample_size"`
	Error      string `json:"error"`
}

// NewResults returns empty results that encode as empty JSON arrays
func NewResults() *Results {
	return &Results{
		Losses:      []float64{},
		AUCs:        []float64{},
		SampleSizes: []int{},
		Failed:      []Failure{},
	}
}

// Add appends the metrics for sample size n
func (r *Results) Add(n int, loss, auc float64) {
	r.SampleSizes = append(r.SampleSizes, n)
	r.Losses = append(r.Losses, loss)
	r.AUCs = append(r.AUCs, auc)
}

// AddFailure records that sample size n failed
func (r *Results) AddFailure(n int, err error) {
	r.Failed = append(r.Failed, Failure{SampleSize: n, Error: err.Error()})
}

// WriteResults writes r as JSON, creating the directory if needed
func WriteResults(path string, r *Results) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create results directory: %w", err)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode results: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write results: %w", err)
	}
	return nil
}

// ReadResults loads results written by WriteResults
func ReadResults(path string) (*Results, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read results: %w", err)
	}
	r := NewResults()
	if err := json.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("failed to decode results %s: %w", path, err)
	}
	if len(r.Losses) != len(r.AUCs) {
		return nil, fmt.Errorf("results %s: %d losses but %d AUCs", path, len(r.Losses), len(r.AUCs))
	}
	return r, nil
}

// CheckpointPath is where the best model of a variant trained on n
// samples is stored: <save_dir>/<disease>-<variant>-imgnet-<n><ext>
func CheckpointPath(cfg *Config, variant string, n int) string {
	name := fmt.Sprintf("%s-%s-imgnet-%d%s", strings.ToLower(cfg.Data.Disease), variant, n, cfg.format().Extension())
	return filepath.Join(cfg.Output.SaveDir, name)
}

// ResultPath is where a variant's test results are written:
// <results_dir>/<disease>_<variant>-imgnet.json
func ResultPath(cfg *Config, variant string) string {
	name := fmt.Sprintf("%s_%s-imgnet.json", strings.ToLower(cfg.Data.Disease), variant)
	return filepath.Join(cfg.Output.ResultsDir, name)
}
