package domain

import (
	"fmt"
	"time"
)

// Config holds the complete CloverShield configuration.
type Config struct {
	// Server settings
	Server ServerConfig `koanf:"server" json:"server"`

	// Scoring pipeline
	Model    ModelConfig    `koanf:"model" json:"model"`
	Explain  ExplainConfig  `koanf:"explain" json:"explain"`
	Backtest BacktestConfig `koanf:"backtest" json:"backtest"`
	Replay   ReplayConfig   `koanf:"replay" json:"replay"`

	// External text-generation collaborator
	Narrative NarrativeConfig `koanf:"narrative" json:"narrative"`

	// Component configurations
	Repository RepositoryConfig `koanf:"repository" json:"repository"`
	Cache      CacheConfig      `koanf:"cache" json:"cache"`
	EventBus   EventBusConfig   `koanf:"bus" json:"eventBus"`

	// Observability
	Logging LoggingConfig `koanf:"log" json:"logging"`
	Tracing TracingConfig `koanf:"tracing" json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `koanf:"host" json:"host"`
	Port         int    `koanf:"port" json:"port"`
	ReadTimeout  int    `koanf:"read_timeout" json:"readTimeout"`   // seconds
	WriteTimeout int    `koanf:"write_timeout" json:"writeTimeout"` // seconds

	// Per-client rate limit; zero disables limiting.
	RateLimitRPS   float64 `koanf:"rate_limit_rps" json:"rateLimitRps"`
	RateLimitBurst int     `koanf:"rate_limit_burst" json:"rateLimitBurst"`
}

// ModelConfig controls artifact loading, fitting and decision thresholds.
type ModelConfig struct {
	ArtifactPath string `koanf:"artifact_path" json:"artifactPath"`

	// ArtifactDir is the only directory the model registry loads from.
	// Registered paths are resolved relative to it.
	ArtifactDir string `koanf:"artifact_dir" json:"artifactDir"`

	// Required makes a missing artifact fatal at startup. When false the
	// service starts in explicit degraded mode on the rule fallback.
	Required bool `koanf:"required" json:"required"`

	// CorpusPath is the historical ledger used for fitting, backtests and
	// re-pairing artifacts that ship without transformer state.
	CorpusPath string `koanf:"corpus_path" json:"corpusPath"`

	// MaxFitRows bounds the prefix of the corpus used for fitting. Zero fits all rows.
	MaxFitRows int `koanf:"max_fit_rows" json:"maxFitRows"`

	// PageRankLimit caps the number of graph nodes entering PageRank. Zero disables the cap.
	PageRankLimit int `koanf:"pagerank_limit" json:"pageRankLimit"`

	WarnThreshold  float64 `koanf:"warn_threshold" json:"warnThreshold"`
	BlockThreshold float64 `koanf:"block_threshold" json:"blockThreshold"`

	// FallbackEnabled allows rule-based scoring while no engine is active.
	FallbackEnabled bool `koanf:"fallback_enabled" json:"fallbackEnabled"`

	// CacheTTL is how long identical scoring requests are served from cache.
	CacheTTL time.Duration `koanf:"cache_ttl" json:"cacheTtl"`
}

// ExplainConfig controls attribution computation.
type ExplainConfig struct {
	TopK         int           `koanf:"top_k" json:"topK"`
	Timeout      time.Duration `koanf:"timeout" json:"timeout"`
	Permutations int           `koanf:"permutations" json:"permutations"`
	Background   int           `koanf:"background" json:"background"` // corpus rows averaged into the baseline
}

// BacktestConfig bounds predicate evaluation.
type BacktestConfig struct {
	DefaultWindow      int  `koanf:"default_window" json:"defaultWindow"`
	MaxWindow          int  `koanf:"max_window" json:"maxWindow"`
	MaxPredicateLength int  `koanf:"max_predicate_length" json:"maxPredicateLength"`
	Persist            bool `koanf:"persist" json:"persist"`

	// MaxRows bounds the held ledger that windows are cut from. Zero holds
	// every row of model.corpus_path.
	MaxRows int `koanf:"max_rows" json:"maxRows"`
}

// ReplayConfig controls the transaction replay simulator.
type ReplayConfig struct {
	DatasetPath string        `koanf:"dataset_path" json:"datasetPath"`
	MaxRows     int           `koanf:"max_rows" json:"maxRows"`
	BaseDelay   time.Duration `koanf:"base_delay" json:"baseDelay"`
	Speed       float64       `koanf:"speed" json:"speed"`
	KeepAlive   time.Duration `koanf:"keep_alive" json:"keepAlive"`
}

// NarrativeConfig points at an OpenAI-compatible chat completions endpoint.
type NarrativeConfig struct {
	Enabled  bool          `koanf:"enabled" json:"enabled"`
	Endpoint string        `koanf:"endpoint" json:"endpoint"`
	APIKey   string        `koanf:"api_key" json:"-"`
	Model    string        `koanf:"model" json:"model"`
	Timeout  time.Duration `koanf:"timeout" json:"timeout"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level" json:"level"`   // debug, info, warn, error
	Format string `koanf:"format" json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `koanf:"enabled" json:"enabled"`
	ServiceName string `koanf:"service_name" json:"serviceName"`
}

// DefaultConfig returns the single-node configuration: SQLite, in-process
// cache and channel bus.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			ReadTimeout:    30,
			WriteTimeout:   30,
			RateLimitRPS:   50,
			RateLimitBurst: 100,
		},
		Model: ModelConfig{
			ArtifactPath:    "./models/model.json",
			ArtifactDir:     "./models",
			Required:        true,
			CorpusPath:      "./data/paysim.csv",
			MaxFitRows:      50000,
			PageRankLimit:   20000,
			WarnThreshold:   0.30,
			BlockThreshold:  0.70,
			FallbackEnabled: true,
			CacheTTL:        5 * time.Minute,
		},
		Explain: ExplainConfig{
			TopK:         10,
			Timeout:      250 * time.Millisecond,
			Permutations: 32,
			Background:   100,
		},
		Backtest: BacktestConfig{
			DefaultWindow:      1000,
			MaxWindow:          100000,
			MaxPredicateLength: 512,
			Persist:            true,
		},
		Replay: ReplayConfig{
			DatasetPath: "./data/paysim_test.csv.gz",
			MaxRows:     5000,
			BaseDelay:   2 * time.Second,
			Speed:       1,
			KeepAlive:   15 * time.Second,
		},
		Narrative: NarrativeConfig{
			Endpoint: "https://api.groq.com/openai/v1/chat/completions",
			Model:    "llama-3.1-8b-instant",
			Timeout:  10 * time.Second,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./clovershield.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "clovershield",
		},
	}
}

// ClusterConfig returns the multi-node configuration: PostgreSQL, two-phase
// Redis cache and NATS.
func ClusterConfig() *Config {
	cfg := DefaultConfig()
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "clovershield",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}

// Validate rejects configurations that cannot produce a working service.
func (c *Config) Validate() error {
	m := c.Model
	if m.WarnThreshold < 0 || m.BlockThreshold > 1 || m.WarnThreshold > m.BlockThreshold {
		return fmt.Errorf("%w: thresholds must satisfy 0 <= warn (%.3f) <= block (%.3f) <= 1",
			ErrInvalidInput, m.WarnThreshold, m.BlockThreshold)
	}
	if m.MaxFitRows < 0 || m.PageRankLimit < 0 {
		return fmt.Errorf("%w: max_fit_rows and pagerank_limit must not be negative", ErrInvalidInput)
	}
	if c.Backtest.MaxRows < 0 {
		return fmt.Errorf("%w: backtest.max_rows must not be negative", ErrInvalidInput)
	}
	if c.Explain.TopK < 1 || c.Explain.TopK > 20 {
		return fmt.Errorf("%w: explain.top_k must be within 1..20", ErrInvalidInput)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server.port %d out of range", ErrInvalidInput, c.Server.Port)
	}
	if c.Replay.Speed <= 0 || c.Replay.BaseDelay <= 0 {
		return fmt.Errorf("%w: replay speed and base delay must be positive", ErrInvalidInput)
	}
	switch c.Repository.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("%w: unsupported repository driver %q", ErrInvalidInput, c.Repository.Driver)
	}
	return nil
}
