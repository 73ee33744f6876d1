// Package journal persists pre-scoring suspects and confirmed frauds as
// deduplicated JSON files on local disk.
package journal

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// File names inside the journal directory.
const (
	SuspectFile   = "suspect.json"
	ConfirmedFile = "confirmed.json"
)

const timestampLayout = "2006-01-02T15:04:05.000000Z"

// Journal is the append-only fraud journal. All writes go through one mutex
// and replace the file with write-then-rename.
type Journal struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

// Open returns a journal rooted at dir, creating the directory if needed.
func Open(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	return &Journal{dir: dir, now: time.Now}, nil
}

// Dir returns the journal directory.
func (j *Journal) Dir() string { return j.dir }

// SuspectPath returns the path of suspect.json.
func (j *Journal) SuspectPath() string { return filepath.Join(j.dir, SuspectFile) }

// ConfirmedPath returns the path of confirmed.json.
func (j *Journal) ConfirmedPath() string { return filepath.Join(j.dir, ConfirmedFile) }

// AppendSuspects stamps evaluations with the detection time and adds the ones
// not yet recorded. It returns the number of new records.
func (j *Journal) AppendSuspects(evals []*domain.Evaluation) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	records := j.readSuspects()
	seen := make(map[string]struct{}, len(records))
	for _, r := range records {
		seen[r.TransactionID] = struct{}{}
	}

	at := j.now()
	added := 0
	for _, e := range evals {
		if e == nil {
			continue
		}
		if _, dup := seen[e.TransactionID]; dup {
			continue
		}
		seen[e.TransactionID] = struct{}{}
		records = append(records, domain.NewSuspectRecord(e, at))
		added++
	}
	if added == 0 {
		return 0, nil
	}
	if err := writeAtomic(j.SuspectPath(), records); err != nil {
		return 0, err
	}
	return added, nil
}

// NewConfirmed builds the journal record for a fraud reported by the agent.
func NewConfirmed(transactionID string, reasons []string) domain.ConfirmedFraud {
	reason := strings.Join(reasons, "; ")
	if reason == "" {
		reason = "Fraud detected"
	}
	anomalies := reasons
	if len(anomalies) == 0 {
		anomalies = []string{"Fraud detected"}
	}
	return domain.ConfirmedFraud{
		TransactionID: transactionID,
		RiskLevel:     domain.RiskCritical,
		RiskScore:     100,
		Reason:        reason,
		Anomalies:     anomalies,
	}
}

// AppendConfirmed adds confirmed frauds not yet recorded and rewrites the
// wrapper. It returns the number of new records.
func (j *Journal) AppendConfirmed(frauds []domain.ConfirmedFraud) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	existing := j.readConfirmed()
	seen := make(map[string]struct{}, len(existing))
	for _, f := range existing {
		seen[f.TransactionID] = struct{}{}
	}

	now := j.now().UTC().Format(timestampLayout)
	added := 0
	for _, f := range frauds {
		if f.TransactionID == "" {
			continue
		}
		if _, dup := seen[f.TransactionID]; dup {
			continue
		}
		seen[f.TransactionID] = struct{}{}
		if f.DetectedAt == "" {
			f.DetectedAt = now
		}
		if f.Anomalies == nil {
			f.Anomalies = []string{}
		}
		existing = append(existing, f)
		added++
	}
	if added == 0 {
		return 0, nil
	}

	file := domain.ConfirmedFile{
		Timestamp:           now,
		TotalConfirmedFraud: len(existing),
		Frauds:              existing,
	}
	if err := writeAtomic(j.ConfirmedPath(), file); err != nil {
		return 0, err
	}
	slog.Info("confirmed frauds saved", "added", added, "total", len(existing))
	return added, nil
}

// Suspects returns the recorded suspects.
func (j *Journal) Suspects() []domain.SuspectRecord {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.readSuspects()
}

// Confirmed returns the recorded confirmed frauds.
func (j *Journal) Confirmed() []domain.ConfirmedFraud {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.readConfirmed()
}

// ConfirmedIDs returns the set of confirmed transaction ids.
func (j *Journal) ConfirmedIDs() map[string]struct{} {
	frauds := j.Confirmed()
	ids := make(map[string]struct{}, len(frauds))
	for _, f := range frauds {
		ids[f.TransactionID] = struct{}{}
	}
	return ids
}

func (j *Journal) readSuspects() []domain.SuspectRecord {
	var records []domain.SuspectRecord
	if !readJSON(j.SuspectPath(), &records) {
		return nil
	}
	return records
}

func (j *Journal) readConfirmed() []domain.ConfirmedFraud {
	path := j.ConfirmedPath()
	var file domain.ConfirmedFile
	if readJSON(path, &file) {
		return file.Frauds
	}
	// bare arrays are accepted too
	var frauds []domain.ConfirmedFraud
	if readJSON(path, &frauds) {
		return frauds
	}
	return nil
}

// readJSON decodes path into v. Missing, unreadable or corrupt files read as empty.
func readJSON(path string, v any) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("journal file unreadable, treating as empty", "path", path, "error", err)
		}
		return false
	}
	if len(data) == 0 {
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		slog.Debug("journal file not decodable as target", "path", path, "error", err)
		return false
	}
	return true
}

func writeAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}

	// Write to temp file first for atomic operation
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}

	// Rename for atomic write
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
