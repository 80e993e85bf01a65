package repository

// Schema definitions for the CloverShield audit store.
// Compatible with both SQLite and PostgreSQL.

const schemaPredictions = `
CREATE TABLE IF NOT EXISTS predictions (
    id TEXT PRIMARY KEY,
    tx_id TEXT,
    step INTEGER NOT NULL,
    type TEXT NOT NULL,
    amount DOUBLE PRECISION NOT NULL,
    name_orig TEXT NOT NULL,
    old_balance_orig DOUBLE PRECISION NOT NULL,
    new_balance_orig DOUBLE PRECISION NOT NULL,
    name_dest TEXT NOT NULL,
    old_balance_dest DOUBLE PRECISION NOT NULL,
    new_balance_dest DOUBLE PRECISION NOT NULL,
    probability DOUBLE PRECISION NOT NULL,
    decision TEXT NOT NULL,
    risk_level TEXT NOT NULL,
    confidence DOUBLE PRECISION NOT NULL,
    mode TEXT NOT NULL,
    model_version TEXT,
    explanation TEXT,
    reasons TEXT,
    narrative TEXT,
    latency_ms DOUBLE PRECISION NOT NULL,
    trace_id TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_predictions_name_orig ON predictions(name_orig);
CREATE INDEX IF NOT EXISTS idx_predictions_decision ON predictions(decision);
CREATE INDEX IF NOT EXISTS idx_predictions_created ON predictions(created_at);
`

// schemaModels is the model registry. At most one row has status 'active'.
const schemaModels = `
CREATE TABLE IF NOT EXISTS models (
    id TEXT PRIMARY KEY,
    version TEXT NOT NULL,
    artifact_path TEXT NOT NULL,
    status TEXT NOT NULL,
    description TEXT,
    created_at TIMESTAMP NOT NULL,
    activated_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_models_status ON models(status);
`

const schemaBacktests = `
CREATE TABLE IF NOT EXISTS backtests (
    id TEXT PRIMARY KEY,
    rule TEXT NOT NULL,
    window_size INTEGER NOT NULL,
    matches INTEGER NOT NULL,
    true_positives INTEGER NOT NULL,
    false_positives INTEGER NOT NULL,
    precision_ratio DOUBLE PRECISION NOT NULL,
    recall_ratio DOUBLE PRECISION NOT NULL,
    labelled INTEGER NOT NULL DEFAULT 0,
    used_features INTEGER NOT NULL DEFAULT 0,
    duration_ms DOUBLE PRECISION NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_backtests_created ON backtests(created_at);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaPredictions,
		schemaModels,
		schemaBacktests,
	}
}
