package domain

import (
	"math"
	"time"
)

// Decision is the pre-scoring triage outcome.
type Decision string

const (
	DecisionLegitimate Decision = "LEGITIMATE"
	DecisionSuspect    Decision = "SUSPECT"
)

// Features is the merged feature vector of one bundle. Booleans are 0 or 1.
type Features map[string]float64

// Set reports whether a feature is present and non-zero.
func (f Features) Set(name string) bool {
	return f[name] != 0
}

// Flag stores a boolean feature.
func (f Features) Flag(name string, on bool) {
	if on {
		f[name] = 1
		return
	}
	f[name] = 0
}

// Evaluation is the pre-scoring result for one transaction.
type Evaluation struct {
	TransactionID string   `json:"transaction_id"`
	RiskScore     float64  `json:"risk_score"`
	Decision      Decision `json:"decision"`
	Features      Features `json:"features"`
	Critical      []string `json:"critical_features,omitempty"`
	Explanation   string   `json:"explanation,omitempty"`
	ProcessMs     int64    `json:"process_ms,omitempty"`
}

// SuspectRecord is one entry of suspect.json.
type SuspectRecord struct {
	TransactionID string   `json:"transaction_id"`
	Timestamp     string   `json:"timestamp"`
	RiskScore     float64  `json:"risk_score"`
	Decision      Decision `json:"decision"`
	Features      Features `json:"features"`
	Explanation   string   `json:"explanation,omitempty"`
}

// NewSuspectRecord stamps an evaluation with the detection time.
func NewSuspectRecord(e *Evaluation, at time.Time) SuspectRecord {
	return SuspectRecord{
		TransactionID: e.TransactionID,
		Timestamp:     at.UTC().Format("2006-01-02T15:04:05.000000Z"),
		RiskScore:     e.RiskScore,
		Decision:      e.Decision,
		Features:      e.Features,
		Explanation:   e.Explanation,
	}
}

// Risk levels used by the confirmation stage.
const (
	RiskCritical = "critical"
	RiskError    = "error"
	RiskCleared  = "cleared"
)

// ConfirmedFraud is one entry of confirmed.json.
type ConfirmedFraud struct {
	TransactionID string   `json:"transaction_id"`
	RiskLevel     string   `json:"risk_level"`
	RiskScore     int      `json:"risk_score"`
	Reason        string   `json:"reason"`
	Anomalies     []string `json:"anomalies"`
	DetectedAt    string   `json:"detected_at"`
}

// ConfirmedFile is the on-disk wrapper of confirmed.json.
type ConfirmedFile struct {
	Timestamp           string           `json:"timestamp"`
	TotalConfirmedFraud int              `json:"total_confirmed_frauds"`
	Frauds              []ConfirmedFraud `json:"frauds"`
}

// TokenUsage counts model tokens for a batch or a run.
type TokenUsage struct {
	PromptTokens     int  `json:"prompt_tokens"`
	CompletionTokens int  `json:"completion_tokens"`
	TotalTokens      int  `json:"total_tokens"`
	Estimated        bool `json:"estimated"`
}

// Add accumulates another usage into u.
func (u *TokenUsage) Add(o TokenUsage) {
	u.PromptTokens += o.PromptTokens
	u.CompletionTokens += o.CompletionTokens
	u.TotalTokens += o.TotalTokens
	u.Estimated = u.Estimated || o.Estimated
}

// AnalysisResult is the confirmation-stage outcome for one transaction.
type AnalysisResult struct {
	TransactionID string     `json:"transaction_id"`
	RiskLevel     string     `json:"risk_level"`
	RiskScore     int        `json:"risk_score"`
	Reason        string     `json:"reason"`
	Anomalies     []string   `json:"anomalies"`
	TokenUsage    TokenUsage `json:"token_usage"`
}

// Round2 rounds to two decimals.
func Round2(x float64) float64 {
	return math.Round(x*100) / 100
}
