package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Stats summarises the confirmation-stage results of a run.
type Stats struct {
	Analyzed     int               `json:"analyzed"`
	ByRiskLevel  map[string]int    `json:"by_risk_level"`
	AverageScore float64           `json:"average_score"`
	Errors       int               `json:"errors"`
	Tokens       domain.TokenUsage `json:"tokens"`
	Throughput   float64           `json:"throughput_tx_per_s"`
}

// ComputeStats aggregates per-transaction results. Errored results (score
// below zero) are excluded from the average score.
func ComputeStats(results []domain.AnalysisResult, elapsed time.Duration) Stats {
	s := Stats{
		Analyzed:    len(results),
		ByRiskLevel: make(map[string]int),
	}

	var sum float64
	scored := 0
	for _, r := range results {
		s.ByRiskLevel[r.RiskLevel]++
		s.Tokens.Add(r.TokenUsage)
		if r.RiskScore < 0 {
			s.Errors++
			continue
		}
		sum += float64(r.RiskScore)
		scored++
	}
	if scored > 0 {
		s.AverageScore = domain.Round2(sum / float64(scored))
	}
	if secs := elapsed.Seconds(); secs > 0 {
		s.Throughput = domain.Round2(float64(len(results)) / secs)
	}
	return s
}

// Summary is the end-of-run report written to <results>/run_<id>.json.
type Summary struct {
	RunID   string `json:"run_id"`
	Dataset string `json:"dataset"`
	Model   string `json:"model"`
	Status  string `json:"status"`
	Retry   bool   `json:"retry,omitempty"`

	TotalTransactions int `json:"total_transactions"`
	Scored            int `json:"scored"`
	Suspects          int `json:"suspects"`
	Persisted         int `json:"persisted_suspects"`

	Batches        int `json:"batches"`
	FailedBatches  int `json:"failed_batches"`
	NewlyConfirmed int `json:"newly_confirmed"`
	Confirmed      int `json:"total_confirmed"`

	Stats Stats `json:"stats"`

	PrescreenMs int64     `json:"prescreen_ms"`
	AnalysisMs  int64     `json:"analysis_ms"`
	TotalMs     int64     `json:"total_ms"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// SummaryPath is the location of a run summary inside dir.
func SummaryPath(dir, runID string) string {
	return filepath.Join(dir, fmt.Sprintf("run_%s.json", runID))
}

func writeSummary(dir string, s *Summary) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create results directory: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "", err
	}
	path := SummaryPath(dir, s.RunID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return path, nil
}
