// Package domain defines the core interfaces and types for CloverShield.
package domain

import (
	"context"
	"time"
)

// Repository persists the scoring audit trail and the model registry.
// It is an adapter for external storage; the scoring core never depends on it.
type Repository interface {
	// Scored transactions and predictions
	SavePrediction(ctx context.Context, rec *PredictionRecord) error
	GetPrediction(ctx context.Context, id string) (*PredictionRecord, error)
	SenderStats(ctx context.Context, nameOrig string) (*SenderStats, error)

	// Model registry
	SaveModel(ctx context.Context, m *ModelRecord) error
	GetModel(ctx context.Context, id string) (*ModelRecord, error)
	ListModels(ctx context.Context) ([]*ModelRecord, error)
	ActivateModel(ctx context.Context, id string, at time.Time) error

	// Backtest runs
	SaveBacktest(ctx context.Context, r *BacktestResult) error
	ListBacktests(ctx context.Context, limit int) ([]*BacktestResult, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// SenderStats summarises an origin account's scored history.
type SenderStats struct {
	NameOrig   string  `json:"nameOrig"`
	Count      int     `json:"count"`
	MeanAmount float64 `json:"meanAmount"`
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `koanf:"driver" json:"driver"`

	// SQLite specific
	SQLitePath string `koanf:"sqlite_path" json:"sqlitePath"`

	// PostgreSQL specific
	PostgresHost     string `koanf:"postgres_host" json:"postgresHost"`
	PostgresPort     int    `koanf:"postgres_port" json:"postgresPort"`
	PostgresUser     string `koanf:"postgres_user" json:"postgresUser"`
	PostgresPassword string `koanf:"postgres_password" json:"-"`
	PostgresDB       string `koanf:"postgres_db" json:"postgresDb"`
	PostgresSSLMode  string `koanf:"postgres_sslmode" json:"postgresSslMode"`

	// Connection pool settings
	MaxOpenConns    int           `koanf:"max_open_conns" json:"maxOpenConns"`
	MaxIdleConns    int           `koanf:"max_idle_conns" json:"maxIdleConns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime" json:"connMaxLifetime"`
}
