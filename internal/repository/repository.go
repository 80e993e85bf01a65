// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/opensource-finance/clovershield/internal/domain"
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var (
		db  *sql.DB
		err error
	)
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

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{db: db, driver: cfg.Driver}
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

// SavePrediction stores a scored transaction in the audit trail.
func (r *SQLRepository) SavePrediction(ctx context.Context, rec *domain.PredictionRecord) error {
	if rec == nil || rec.ID == "" || rec.Transaction == nil {
		return fmt.Errorf("%w: prediction id and transaction are required", domain.ErrInvalidInput)
	}

	var explanation any
	if rec.Explanation != nil {
		b, err := json.Marshal(rec.Explanation)
		if err != nil {
			return fmt.Errorf("marshal explanation: %w", err)
		}
		explanation = string(b)
	}
	reasons, err := json.Marshal(rec.Reasons)
	if err != nil {
		return fmt.Errorf("marshal reasons: %w", err)
	}

	tx := rec.Transaction
	query := `
		INSERT INTO predictions (
			id, tx_id, step, type, amount,
			name_orig, old_balance_orig, new_balance_orig,
			name_dest, old_balance_dest, new_balance_dest,
			probability, decision, risk_level, confidence,
			mode, model_version, explanation, reasons, narrative,
			latency_ms, trace_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.db.ExecContext(ctx, r.rebind(query),
		rec.ID, tx.ID, tx.Step, string(tx.Type), tx.Amount,
		tx.NameOrig, tx.OldBalanceOrig, tx.NewBalanceOrig,
		tx.NameDest, tx.OldBalanceDest, tx.NewBalanceDest,
		rec.Probability, string(rec.Decision), string(rec.RiskLevel), rec.Confidence,
		rec.Mode, rec.ModelVersion, explanation, string(reasons), rec.Narrative,
		rec.LatencyMs, rec.TraceID, rec.CreatedAt.UTC(),
	)
	return err
}

// GetPrediction retrieves a stored prediction with its transaction.
func (r *SQLRepository) GetPrediction(ctx context.Context, id string) (*domain.PredictionRecord, error) {
	query := `
		SELECT id, tx_id, step, type, amount,
			   name_orig, old_balance_orig, new_balance_orig,
			   name_dest, old_balance_dest, new_balance_dest,
			   probability, decision, risk_level, confidence,
			   mode, model_version, explanation, reasons, narrative,
			   latency_ms, trace_id, created_at
		FROM predictions
		WHERE id = ?
	`

	var (
		rec                                         domain.PredictionRecord
		tx                                          domain.Transaction
		txType, decision, risk                      string
		txID, version, expl, reasons, narr, traceID sql.NullString
	)
	err := r.db.QueryRowContext(ctx, r.rebind(query), id).Scan(
		&rec.ID, &txID, &tx.Step, &txType, &tx.Amount,
		&tx.NameOrig, &tx.OldBalanceOrig, &tx.NewBalanceOrig,
		&tx.NameDest, &tx.OldBalanceDest, &tx.NewBalanceDest,
		&rec.Probability, &decision, &risk, &rec.Confidence,
		&rec.Mode, &version, &expl, &reasons, &narr,
		&rec.LatencyMs, &traceID, &rec.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("prediction %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	tx.ID = txID.String
	tx.Type = domain.TxType(txType)
	rec.Transaction = &tx
	rec.Decision = domain.Decision(decision)
	rec.RiskLevel = domain.RiskLevel(risk)
	rec.ModelVersion = version.String
	rec.Narrative = narr.String
	rec.TraceID = traceID.String

	if expl.Valid && expl.String != "" {
		rec.Explanation = &domain.Explanation{}
		if err := json.Unmarshal([]byte(expl.String), rec.Explanation); err != nil {
			return nil, fmt.Errorf("failed to parse explanation for %s: %w", id, err)
		}
	}
	if reasons.Valid && reasons.String != "" {
		if err := json.Unmarshal([]byte(reasons.String), &rec.Reasons); err != nil {
			return nil, fmt.Errorf("failed to parse reasons for %s: %w", id, err)
		}
	}
	return &rec, nil
}

// SenderStats aggregates the scored history of an origin account.
func (r *SQLRepository) SenderStats(ctx context.Context, nameOrig string) (*domain.SenderStats, error) {
	if nameOrig == "" {
		return nil, fmt.Errorf("%w: nameOrig is required", domain.ErrInvalidInput)
	}

	query := `SELECT COUNT(*), COALESCE(AVG(amount), 0) FROM predictions WHERE name_orig = ?`

	stats := &domain.SenderStats{NameOrig: nameOrig}
	if err := r.db.QueryRowContext(ctx, r.rebind(query), nameOrig).Scan(&stats.Count, &stats.MeanAmount); err != nil {
		return nil, fmt.Errorf("failed to aggregate sender history: %w", err)
	}
	return stats, nil
}

// SaveModel registers a model artifact. Re-registering an id updates it.
func (r *SQLRepository) SaveModel(ctx context.Context, m *domain.ModelRecord) error {
	if m == nil || m.ID == "" || m.ArtifactPath == "" {
		return fmt.Errorf("%w: model id and artifact path are required", domain.ErrInvalidInput)
	}

	var activated any
	if !m.ActivatedAt.IsZero() {
		activated = m.ActivatedAt.UTC()
	}

	query := `
		INSERT INTO models (id, version, artifact_path, status, description, created_at, activated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			version = excluded.version,
			artifact_path = excluded.artifact_path,
			status = excluded.status,
			description = excluded.description,
			activated_at = excluded.activated_at
	`
	_, err := r.db.ExecContext(ctx, r.rebind(query),
		m.ID, m.Version, m.ArtifactPath, m.Status, m.Description, m.CreatedAt.UTC(), activated,
	)
	return err
}

const modelColumns = `id, version, artifact_path, status, description, created_at, activated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanModel(s scanner) (*domain.ModelRecord, error) {
	var (
		m         domain.ModelRecord
		desc      sql.NullString
		activated sql.NullTime
	)
	if err := s.Scan(&m.ID, &m.Version, &m.ArtifactPath, &m.Status, &desc, &m.CreatedAt, &activated); err != nil {
		return nil, err
	}
	m.Description = desc.String
	if activated.Valid {
		m.ActivatedAt = activated.Time
	}
	return &m, nil
}

// GetModel retrieves a registered model by ID.
func (r *SQLRepository) GetModel(ctx context.Context, id string) (*domain.ModelRecord, error) {
	query := `SELECT ` + modelColumns + ` FROM models WHERE id = ?`

	m, err := scanModel(r.db.QueryRowContext(ctx, r.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("model %s: %w", id, domain.ErrNotFound)
	}
	return m, err
}

// ListModels returns every registered model, newest first.
func (r *SQLRepository) ListModels(ctx context.Context) ([]*domain.ModelRecord, error) {
	query := `SELECT ` + modelColumns + ` FROM models ORDER BY created_at DESC, id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var models []*domain.ModelRecord
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		models = append(models, m)
	}
	return models, rows.Err()
}

// ActivateModel marks id active and demotes any previously active model,
// in one transaction.
func (r *SQLRepository) ActivateModel(ctx context.Context, id string, at time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, r.rebind(`UPDATE models SET status = ?, activated_at = ? WHERE id = ?`),
		domain.ModelStatusActive, at.UTC(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("model %s: %w", id, domain.ErrNotFound)
	}

	if _, err := tx.ExecContext(ctx, r.rebind(`UPDATE models SET status = ? WHERE id <> ? AND status = ?`),
		domain.ModelStatusReady, id, domain.ModelStatusActive); err != nil {
		return err
	}
	return tx.Commit()
}

// SaveBacktest records a backtest run.
func (r *SQLRepository) SaveBacktest(ctx context.Context, b *domain.BacktestResult) error {
	if b == nil || b.ID == "" {
		return fmt.Errorf("%w: backtest id is required", domain.ErrInvalidInput)
	}

	query := `
		INSERT INTO backtests (
			id, rule, window_size, matches, true_positives, false_positives,
			precision_ratio, recall_ratio, labelled, used_features, duration_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, r.rebind(query),
		b.ID, b.Rule, b.WindowSize, b.Matches, b.TruePositives, b.FalsePositives,
		b.Precision, b.Recall, boolToInt(b.Labelled), boolToInt(b.UsedFeatures),
		b.DurationMs, b.CreatedAt.UTC(),
	)
	return err
}

// ListBacktests returns the most recent runs, newest first.
func (r *SQLRepository) ListBacktests(ctx context.Context, limit int) ([]*domain.BacktestResult, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, rule, window_size, matches, true_positives, false_positives,
			   precision_ratio, recall_ratio, labelled, used_features, duration_ms, created_at
		FROM backtests
		ORDER BY created_at DESC, id
		LIMIT ?
	`
	rows, err := r.db.QueryContext(ctx, r.rebind(query), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*domain.BacktestResult
	for rows.Next() {
		var (
			b                  domain.BacktestResult
			labelled, features int
		)
		if err := rows.Scan(
			&b.ID, &b.Rule, &b.WindowSize, &b.Matches, &b.TruePositives, &b.FalsePositives,
			&b.Precision, &b.Recall, &labelled, &features, &b.DurationMs, &b.CreatedAt,
		); err != nil {
			return nil, err
		}
		b.Labelled = labelled == 1
		b.UsedFeatures = features == 1
		results = append(results, &b)
	}
	return results, rows.Err()
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

	out := make([]byte, 0, len(query)+8)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] != '?' {
			out = append(out, query[i])
			continue
		}
		out = append(out, '$')
		out = strconv.AppendInt(out, int64(n), 10)
		n++
	}
	return string(out)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
