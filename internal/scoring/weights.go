package scoring

import (
	"encoding/json"
	"fmt"
	"os"
)

// Feature names.
const (
	AccountDrained             = "account_drained"
	BalanceVeryLow             = "balance_very_low"
	AbnormalAmount             = "abnormal_amount"
	HighAmount                 = "high_amount"
	LargeWithdrawal            = "large_withdrawal"
	SuspiciousType             = "suspicious_type"
	BalanceRatio               = "balance_ratio"
	UnknownMerchant            = "unknown_merchant"
	SuspiciousKeywords         = "suspicious_keywords"
	NewDest                    = "new_dest"
	NewMerchant                = "new_merchant"
	PostWithdrawal             = "post_withdrawal"
	PatternMultipleWithdrawals = "pattern_multiple_withdrawals"

	LocationMissing       = "location_missing"
	LocationMismatch      = "location_mismatch"
	GPSAvailable          = "gps_available"
	GPSContradiction      = "gps_contradiction"
	DistanceFromResidence = "distance_from_residence"
	ImpossibleTravel      = "impossible_travel"
	LocationAnomaly       = "location_anomaly"
	NewVenue              = "new_venue"

	HasSMS               = "has_sms"
	HasEmail             = "has_email"
	SuspiciousSMSCount   = "suspicious_sms_count"
	SuspiciousEmailCount = "suspicious_email_count"
	PhishingIndicators   = "phishing_indicators"
	TotalCommunications  = "total_communications"
	TimeCorrelation      = "time_correlation"
)

// Weights is the data-driven part of the score: per-feature weights, count
// features scaled as min(n, cap)/cap, the critical feature list and the
// post-adjustment policy.
type Weights struct {
	Weights  map[string]float64 `json:"weights"`
	Scaled   map[string]float64 `json:"scaled"`
	Critical []string           `json:"critical"`
	Policy   string             `json:"policy"`
}

// DefaultPolicy dampens scores without any critical feature and rewards
// co-occurring critical features.
const DefaultPolicy = `(critical_count == 0 && score < 0.3 ? score * 0.3 : score) + (critical_count >= 2 ? 0.15 : 0.0)`

// DefaultWeights returns the built-in weight table.
func DefaultWeights() *Weights {
	return &Weights{
		Weights: map[string]float64{
			AccountDrained:             0.30,
			TimeCorrelation:            0.25,
			ImpossibleTravel:           0.20,
			LocationAnomaly:            0.18,
			HighAmount:                 0.15,
			PatternMultipleWithdrawals: 0.15,
			SuspiciousType:             0.12,
			AbnormalAmount:             0.10,
			NewMerchant:                0.10,
			PostWithdrawal:             0.08,
			NewVenue:                   0.08,
			NewDest:                    0.05,
			SuspiciousSMSCount:         0.05,
			BalanceVeryLow:             0.03,
			GPSContradiction:           0.02,
			LargeWithdrawal:            0.01,
			LocationMismatch:           0.01,
			LocationMissing:            0.01,
			PhishingIndicators:         0.01,
			SuspiciousEmailCount:       0.01,
		},
		Scaled: map[string]float64{
			SuspiciousSMSCount:   3,
			SuspiciousEmailCount: 3,
		},
		Critical: []string{
			AccountDrained,
			HighAmount,
			SuspiciousType,
			ImpossibleTravel,
			LocationAnomaly,
			TimeCorrelation,
			PatternMultipleWithdrawals,
			NewMerchant,
			PostWithdrawal,
			NewVenue,
		},
		Policy: DefaultPolicy,
	}
}

// LoadWeights reads a JSON override on top of the defaults. Present weight
// entries replace or extend the table; a non-empty critical list or policy
// replaces the default one.
func LoadWeights(path string) (*Weights, error) {
	w := DefaultWeights()
	if path == "" {
		return w, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read weights file: %w", err)
	}
	var override Weights
	if err := json.Unmarshal(data, &override); err != nil {
		return nil, fmt.Errorf("decode weights file: %w", err)
	}
	for k, v := range override.Weights {
		w.Weights[k] = v
	}
	for k, v := range override.Scaled {
		if v <= 0 {
			return nil, fmt.Errorf("scaled feature %s: cap must be positive", k)
		}
		w.Scaled[k] = v
	}
	if len(override.Critical) > 0 {
		w.Critical = override.Critical
	}
	if override.Policy != "" {
		w.Policy = override.Policy
	}
	return w, nil
}

// contribution is the weighted value of one feature.
func (w *Weights) contribution(name string, value float64) float64 {
	weight, ok := w.Weights[name]
	if !ok || value == 0 {
		return 0
	}
	if limit, scaled := w.Scaled[name]; scaled {
		return weight * min(value, limit) / limit
	}
	return weight
}
