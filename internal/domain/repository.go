// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// Batch lifecycle states.
const (
	BatchPending   = "pending"
	BatchRunning   = "running"
	BatchCompleted = "completed"
	BatchError     = "error"
)

// Run lifecycle states.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// Run is one end-to-end analysis of a dataset.
type Run struct {
	ID                string     `json:"id"`
	Dataset           string     `json:"dataset"`
	Model             string     `json:"model"`
	Status            string     `json:"status"`
	TotalTransactions int        `json:"total_transactions"`
	Suspects          int        `json:"suspects"`
	Confirmed         int        `json:"confirmed"`
	StartedAt         time.Time  `json:"started_at"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
}

// BatchRecord is the persisted state of one confirmation batch.
type BatchRecord struct {
	RunID          string     `json:"run_id"`
	BatchNum       int        `json:"batch_num"`
	TransactionIDs []string   `json:"transaction_ids"`
	Status         string     `json:"status"`
	Attempts       int        `json:"attempts"`
	Frauds         int        `json:"frauds"`
	Error          string     `json:"error,omitempty"`
	TokenUsage     TokenUsage `json:"token_usage"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// AuditEvent is a pipeline event recorded by the worker.
type AuditEvent struct {
	ID            string    `json:"id"`
	RunID         string    `json:"run_id"`
	Topic         string    `json:"topic"`
	TransactionID string    `json:"transaction_id,omitempty"`
	Payload       string    `json:"payload"`
	CreatedAt     time.Time `json:"created_at"`
}

// Repository persists run history.
type Repository interface {
	// Runs
	SaveRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	LatestRun(ctx context.Context) (*Run, error)

	// Batches
	SaveBatch(ctx context.Context, batch *BatchRecord) error
	ListBatches(ctx context.Context, runID string) ([]*BatchRecord, error)

	// Per-transaction results of the confirmation stage
	SaveResults(ctx context.Context, runID string, results []AnalysisResult) error
	ListResults(ctx context.Context, runID string) ([]AnalysisResult, error)

	// Audit trail
	SaveAuditEvent(ctx context.Context, event *AuditEvent) error
	ListAuditEvents(ctx context.Context, runID string) ([]*AuditEvent, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
