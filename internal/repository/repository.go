// Package repository provides run history persistence.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveRun inserts or updates a run.
func (r *SQLRepository) SaveRun(ctx context.Context, run *domain.Run) error {
	if run.ID == "" {
		return fmt.Errorf("%w: run id is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO runs (
			id, dataset, model, status, total_transactions,
			suspects, confirmed, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			total_transactions = excluded.total_transactions,
			suspects = excluded.suspects,
			confirmed = excluded.confirmed,
			finished_at = excluded.finished_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		run.ID, run.Dataset, run.Model, run.Status, run.TotalTransactions,
		run.Suspects, run.Confirmed, run.StartedAt.UTC(), nullTime(run.FinishedAt),
	)
	return err
}

const runColumns = `id, dataset, model, status, total_transactions, suspects, confirmed, started_at, finished_at`

// GetRun retrieves a run by ID.
func (r *SQLRepository) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = ?`
	return r.scanRun(r.db.QueryRowContext(ctx, r.rebind(query), runID))
}

// LatestRun returns the most recently started run.
func (r *SQLRepository) LatestRun(ctx context.Context) (*domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC LIMIT 1`
	return r.scanRun(r.db.QueryRowContext(ctx, query))
}

func (r *SQLRepository) scanRun(row *sql.Row) (*domain.Run, error) {
	var run domain.Run
	var finished sql.NullTime

	err := row.Scan(
		&run.ID, &run.Dataset, &run.Model, &run.Status, &run.TotalTransactions,
		&run.Suspects, &run.Confirmed, &run.StartedAt, &finished,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	run.FinishedAt = timePtr(finished)
	return &run, nil
}

// SaveBatch inserts or updates a batch record.
func (r *SQLRepository) SaveBatch(ctx context.Context, batch *domain.BatchRecord) error {
	if batch.RunID == "" {
		return fmt.Errorf("%w: run id is required", ErrInvalidInput)
	}

	ids, err := json.Marshal(batch.TransactionIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal transaction ids: %w", err)
	}
	usage, err := json.Marshal(batch.TokenUsage)
	if err != nil {
		return fmt.Errorf("failed to marshal token usage: %w", err)
	}

	query := `
		INSERT INTO batches (
			run_id, batch_num, transaction_ids, status, attempts,
			frauds, error, token_usage, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, batch_num) DO UPDATE SET
			transaction_ids = excluded.transaction_ids,
			status = excluded.status,
			attempts = excluded.attempts,
			frauds = excluded.frauds,
			error = excluded.error,
			token_usage = excluded.token_usage,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		batch.RunID, batch.BatchNum, string(ids), batch.Status, batch.Attempts,
		batch.Frauds, batch.Error, string(usage), nullTime(batch.StartedAt), nullTime(batch.FinishedAt),
	)
	return err
}

// ListBatches returns the batches of a run ordered by batch number.
func (r *SQLRepository) ListBatches(ctx context.Context, runID string) ([]*domain.BatchRecord, error) {
	query := `
		SELECT run_id, batch_num, transaction_ids, status, attempts,
			   frauds, error, token_usage, started_at, finished_at
		FROM batches
		WHERE run_id = ?
		ORDER BY batch_num
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batches []*domain.BatchRecord
	for rows.Next() {
		var b domain.BatchRecord
		var ids, usage string
		var errText sql.NullString
		var started, finished sql.NullTime

		if err := rows.Scan(
			&b.RunID, &b.BatchNum, &ids, &b.Status, &b.Attempts,
			&b.Frauds, &errText, &usage, &started, &finished,
		); err != nil {
			return nil, err
		}

		if err := json.Unmarshal([]byte(ids), &b.TransactionIDs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal transaction ids: %w", err)
		}
		_ = json.Unmarshal([]byte(usage), &b.TokenUsage)
		b.Error = errText.String
		b.StartedAt = timePtr(started)
		b.FinishedAt = timePtr(finished)
		batches = append(batches, &b)
	}

	return batches, rows.Err()
}

// SaveResults upserts per-transaction results of the confirmation stage.
func (r *SQLRepository) SaveResults(ctx context.Context, runID string, results []domain.AnalysisResult) error {
	if runID == "" {
		return fmt.Errorf("%w: run id is required", ErrInvalidInput)
	}
	if len(results) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := r.rebind(`
		INSERT INTO analysis_results (
			run_id, tx_id, risk_level, risk_score, reason, anomalies, token_usage
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, tx_id) DO UPDATE SET
			risk_level = excluded.risk_level,
			risk_score = excluded.risk_score,
			reason = excluded.reason,
			anomalies = excluded.anomalies,
			token_usage = excluded.token_usage
	`)

	for _, res := range results {
		anomalies, err := json.Marshal(res.Anomalies)
		if err != nil {
			return fmt.Errorf("failed to marshal anomalies: %w", err)
		}
		usage, err := json.Marshal(res.TokenUsage)
		if err != nil {
			return fmt.Errorf("failed to marshal token usage: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query,
			runID, res.TransactionID, res.RiskLevel, res.RiskScore,
			res.Reason, string(anomalies), string(usage),
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ListResults returns the results of a run ordered by transaction id.
func (r *SQLRepository) ListResults(ctx context.Context, runID string) ([]domain.AnalysisResult, error) {
	query := `
		SELECT tx_id, risk_level, risk_score, reason, anomalies, token_usage
		FROM analysis_results
		WHERE run_id = ?
		ORDER BY tx_id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []domain.AnalysisResult
	for rows.Next() {
		var res domain.AnalysisResult
		var reason sql.NullString
		var anomalies, usage string

		if err := rows.Scan(&res.TransactionID, &res.RiskLevel, &res.RiskScore, &reason, &anomalies, &usage); err != nil {
			return nil, err
		}
		res.Reason = reason.String
		_ = json.Unmarshal([]byte(anomalies), &res.Anomalies)
		_ = json.Unmarshal([]byte(usage), &res.TokenUsage)
		results = append(results, res)
	}

	return results, rows.Err()
}

// SaveAuditEvent stores one pipeline event.
func (r *SQLRepository) SaveAuditEvent(ctx context.Context, event *domain.AuditEvent) error {
	if event.ID == "" {
		return fmt.Errorf("%w: event id is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO audit_events (id, run_id, topic, tx_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		event.ID, event.RunID, event.Topic, event.TransactionID, event.Payload, event.CreatedAt.UTC(),
	)
	return err
}

// ListAuditEvents returns the events of a run in creation order.
func (r *SQLRepository) ListAuditEvents(ctx context.Context, runID string) ([]*domain.AuditEvent, error) {
	query := `
		SELECT id, run_id, topic, tx_id, payload, created_at
		FROM audit_events
		WHERE run_id = ?
		ORDER BY created_at, id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*domain.AuditEvent
	for rows.Next() {
		var e domain.AuditEvent
		var txID sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &e.Topic, &txID, &e.Payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.TransactionID = txID.String
		events = append(events, &e)
	}

	return events, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
