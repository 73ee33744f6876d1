package repository

// Schema definitions for the run history.
// Compatible with both SQLite and PostgreSQL.

const schemaRuns = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    dataset TEXT NOT NULL,
    model TEXT NOT NULL,
    status TEXT NOT NULL,
    total_transactions INTEGER NOT NULL DEFAULT 0,
    suspects INTEGER NOT NULL DEFAULT 0,
    confirmed INTEGER NOT NULL DEFAULT 0,
    started_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
`

const schemaBatches = `
CREATE TABLE IF NOT EXISTS batches (
    run_id TEXT NOT NULL,
    batch_num INTEGER NOT NULL,
    transaction_ids TEXT NOT NULL,
    status TEXT NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0,
    frauds INTEGER NOT NULL DEFAULT 0,
    error TEXT,
    token_usage TEXT NOT NULL,
    started_at TIMESTAMP,
    finished_at TIMESTAMP,
    PRIMARY KEY (run_id, batch_num)
);

CREATE INDEX IF NOT EXISTS idx_batches_status ON batches(run_id, status);
`

const schemaResults = `
CREATE TABLE IF NOT EXISTS analysis_results (
    run_id TEXT NOT NULL,
    tx_id TEXT NOT NULL,
    risk_level TEXT NOT NULL,
    risk_score INTEGER NOT NULL,
    reason TEXT,
    anomalies TEXT NOT NULL,
    token_usage TEXT NOT NULL,
    PRIMARY KEY (run_id, tx_id)
);

CREATE INDEX IF NOT EXISTS idx_results_level ON analysis_results(run_id, risk_level);
`

const schemaAuditEvents = `
CREATE TABLE IF NOT EXISTS audit_events (
    id TEXT PRIMARY KEY,
    run_id TEXT NOT NULL,
    topic TEXT NOT NULL,
    tx_id TEXT,
    payload TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_run ON audit_events(run_id, created_at);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaRuns,
		schemaBatches,
		schemaResults,
		schemaAuditEvents,
	}
}
