// Package evaluation scores pipeline output against a ground-truth list of
// fraudulent transactions.
package evaluation

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrNoTruth is returned for a ground-truth file without any transaction id.
var ErrNoTruth = errors.New("ground truth contains no transaction ids")

// Labeled is one predicted transaction with its outcome.
type Labeled struct {
	TransactionID string `json:"transaction_id"`
	Correct       int    `json:"correct"`
	Label         string `json:"label"` // TP or FP
}

// Metrics is the confusion matrix of one stage.
type Metrics struct {
	Predictions    int `json:"total_predictions"`
	GroundTruth    int `json:"total_ground_truth"`
	TruePositives  int `json:"true_positives"`
	FalsePositives int `json:"false_positives"`
	FalseNegatives int `json:"false_negatives"`
	// TrueNegatives is only known when the dataset size is.
	TrueNegatives int `json:"true_negatives,omitempty"`

	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1_score"`
	Accuracy  float64 `json:"accuracy,omitempty"`

	Results []Labeled `json:"results,omitempty"`
	Missed  []string  `json:"missed_transactions"`
}

// Report scores both stages of a run.
type Report struct {
	Dataset           int      `json:"dataset_transactions,omitempty"`
	Prescreen         *Metrics `json:"prescreen,omitempty"`
	Confirmed         Metrics  `json:"confirmed"`
	UnreachableFrauds int      `json:"unreachable_frauds"`
}

// LoadGroundTruth reads fraudulent transaction ids from a CSV file. The
// transaction_id column is used when the header has one, the first column otherwise.
func LoadGroundTruth(path string) (map[string]struct{}, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadGroundTruth(f)
}

// ReadGroundTruth is LoadGroundTruth over a reader.
func ReadGroundTruth(r io.Reader) (map[string]struct{}, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return nil, ErrNoTruth
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	col := -1
	for i, name := range header {
		if strings.EqualFold(strings.TrimSpace(name), "transaction_id") {
			col = i
			break
		}
	}

	truth := make(map[string]struct{})
	add := func(record []string, i int) {
		if i < len(record) {
			if id := strings.TrimSpace(record[i]); id != "" {
				truth[id] = struct{}{}
			}
		}
	}
	if col < 0 {
		// No header: the first row is data.
		col = 0
		add(header, col)
	}

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}
		add(record, col)
	}

	if len(truth) == 0 {
		return nil, ErrNoTruth
	}
	return truth, nil
}

// Score computes the confusion matrix of predicted against truth. total is the
// dataset size; zero leaves true negatives and accuracy unset.
func Score(predicted []string, truth map[string]struct{}, total int) Metrics {
	m := Metrics{GroundTruth: len(truth), Missed: []string{}}

	seen := make(map[string]struct{}, len(predicted))
	for _, id := range predicted {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		l := Labeled{TransactionID: id, Label: "FP"}
		if _, ok := truth[id]; ok {
			l.Correct, l.Label = 1, "TP"
			m.TruePositives++
		} else {
			m.FalsePositives++
		}
		m.Results = append(m.Results, l)
	}
	m.Predictions = len(seen)

	for id := range truth {
		if _, ok := seen[id]; !ok {
			m.Missed = append(m.Missed, id)
		}
	}
	sort.Strings(m.Missed)
	m.FalseNegatives = len(m.Missed)

	var precision, recall float64
	if p := m.TruePositives + m.FalsePositives; p > 0 {
		precision = float64(m.TruePositives) / float64(p)
	}
	if p := m.TruePositives + m.FalseNegatives; p > 0 {
		recall = float64(m.TruePositives) / float64(p)
	}
	m.Precision, m.Recall = round4(precision), round4(recall)
	if precision+recall > 0 {
		m.F1 = round4(2 * precision * recall / (precision + recall))
	}

	if total > 0 {
		m.TrueNegatives = total - m.TruePositives - m.FalsePositives - m.FalseNegatives
		if m.TrueNegatives < 0 {
			m.TrueNegatives = 0
		}
		m.Accuracy = round4(float64(m.TruePositives+m.TrueNegatives) / float64(total))
	}
	return m
}

// Evaluate scores the suspect journal and the confirmed frauds. Frauds the
// pre-screen never flagged cannot be confirmed; they are counted separately.
func Evaluate(suspects []domain.SuspectRecord, confirmed []domain.ConfirmedFraud, truth map[string]struct{}, total int) Report {
	r := Report{Dataset: total}

	confirmedIDs := make([]string, len(confirmed))
	for i, c := range confirmed {
		confirmedIDs[i] = c.TransactionID
	}
	r.Confirmed = Score(confirmedIDs, truth, total)

	if len(suspects) > 0 {
		suspectIDs := make([]string, len(suspects))
		for i, s := range suspects {
			suspectIDs[i] = s.TransactionID
		}
		pre := Score(suspectIDs, truth, total)
		pre.Results = nil
		r.Prescreen = &pre
		r.UnreachableFrauds = pre.FalseNegatives
	}
	return r
}

func round4(v float64) float64 {
	return float64(int64(v*10000+0.5)) / 10000
}
