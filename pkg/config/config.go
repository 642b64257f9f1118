// Package config loads and validates reconciler configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Postgres, Redis, Kafka, catalog store, semantic index, passes,
// scheduler, retry policy, logging, metrics).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/catalog-reconciler/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Postgres      PostgresConfig      `yaml:"postgres"`
	Redis         RedisConfig         `yaml:"redis"`
	Kafka         KafkaConfig         `yaml:"kafka"`
	CatalogStore  CatalogStoreConfig  `yaml:"catalogStore"`
	SemanticIndex SemanticIndexConfig `yaml:"semanticIndex"`
	Matching      MatchingConfig      `yaml:"matching"`
	Cleaning      CleaningConfig      `yaml:"cleaning"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Retry         RetryConfig         `yaml:"retry"`
	Breaker       BreakerConfig       `yaml:"breaker"`
	Logging       LoggingConfig       `yaml:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics"`
}

// ServerConfig holds the ops HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	// APIKey guards the trigger endpoints. Empty disables auth.
	APIKey          string        `yaml:"apiKey"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// RedisConfig holds Redis connection parameters. Redis backs the
// cross-process pass locks and the cleaner scan ledger; when disabled both
// fall back to in-process implementations.
type RedisConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	PoolSize  int           `yaml:"poolSize"`
	LockTTL   time.Duration `yaml:"lockTTL"`
	LedgerTTL time.Duration `yaml:"ledgerTTL"`
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Enabled       bool        `yaml:"enabled"`
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	ReconcileEvents   string `yaml:"reconcileEvents"`
	CatalogChanged    string `yaml:"catalogChanged"`
	PositionsIngested string `yaml:"positionsIngested"`
}

// CatalogStoreConfig selects the catalog store backend.
type CatalogStoreConfig struct {
	Backend string          `yaml:"backend"` // postgres | http | memory
	HTTP    HTTPStoreConfig `yaml:"http"`
}

// HTTPStoreConfig configures the remote catalog API client.
type HTTPStoreConfig struct {
	BaseURL string        `yaml:"baseUrl"`
	APIKey  string        `yaml:"apiKey"`
	Timeout time.Duration `yaml:"timeout"`
}

// SemanticIndexConfig selects and configures the semantic index backend.
type SemanticIndexConfig struct {
	Backend  string         `yaml:"backend"` // qdrant | memory
	Qdrant   QdrantConfig   `yaml:"qdrant"`
	Embedder EmbedderConfig `yaml:"embedder"`
}

// QdrantConfig holds the Qdrant gRPC endpoint and collection layout.
type QdrantConfig struct {
	Addr            string `yaml:"addr"`
	Collection      string `yaml:"collection"`
	Dimensions      int    `yaml:"dimensions"`
	UpsertBatchSize int    `yaml:"upsertBatchSize"`
}

// EmbedderConfig holds the Ollama embedding endpoint and its client-side
// rate limit.
type EmbedderConfig struct {
	BaseURL       string        `yaml:"baseUrl"`
	Model         string        `yaml:"model"`
	Timeout       time.Duration `yaml:"timeout"`
	RatePerSecond float64       `yaml:"ratePerSecond"`
	Burst         int           `yaml:"burst"`
}

// MatchingConfig controls the matching pass.
type MatchingConfig struct {
	Threshold   float64       `yaml:"threshold"`
	BatchSize   int           `yaml:"batchSize"`
	TopK        int           `yaml:"topK"`
	TieEpsilon  float64       `yaml:"tieEpsilon"`
	PassTimeout time.Duration `yaml:"passTimeout"`
}

// CleaningConfig controls the catalog deduplication pass.
type CleaningConfig struct {
	SuggestThreshold float64       `yaml:"suggestThreshold"`
	TopK             int           `yaml:"topK"`
	PassTimeout      time.Duration `yaml:"passTimeout"`
}

// SchedulerConfig controls pass cadences.
type SchedulerConfig struct {
	MatchingInterval time.Duration `yaml:"matchingInterval"`
	CleaningTime     string        `yaml:"cleaningTime"` // HH:MM, local time
	WarmOnStart      bool          `yaml:"warmOnStart"`
}

// RetryConfig controls backoff for calls to the store and the index.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"maxAttempts"`
	InitialDelay time.Duration `yaml:"initialDelay"`
	MaxDelay     time.Duration `yaml:"maxDelay"`
	Multiplier   float64       `yaml:"multiplier"`
}

// BreakerConfig controls the circuit breakers wrapping external clients.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failureThreshold"`
	ResetTimeout     time.Duration `yaml:"resetTimeout"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided), applies environment-variable
// overrides and validates the result. Invalid configuration is reported as
// an error wrapping ErrConfiguration.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration without reading files or the
// environment.
func Default() *Config {
	return defaultConfig()
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8090,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    2 * time.Hour,
			ShutdownTimeout: 15 * time.Second,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "tenders",
			User:            "reconciler",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Enabled:   false,
			Addr:      "localhost:6379",
			PoolSize:  10,
			LockTTL:   2 * time.Hour,
			LedgerTTL: 72 * time.Hour,
		},
		Kafka: KafkaConfig{
			Enabled:       false,
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "catalog-reconciler",
			Topics: KafkaTopics{
				ReconcileEvents:   "catalog.reconcile-events",
				CatalogChanged:    "catalog.changed",
				PositionsIngested: "positions.ingested",
			},
		},
		CatalogStore: CatalogStoreConfig{
			Backend: "postgres",
			HTTP: HTTPStoreConfig{
				BaseURL: "http://localhost:8080/api/v1",
				Timeout: 30 * time.Second,
			},
		},
		SemanticIndex: SemanticIndexConfig{
			Backend: "qdrant",
			Qdrant: QdrantConfig{
				Addr:            "localhost:6334",
				Collection:      "catalog_entries",
				Dimensions:      768,
				UpsertBatchSize: 256,
			},
			Embedder: EmbedderConfig{
				BaseURL:       "http://localhost:11434",
				Model:         "nomic-embed-text",
				Timeout:       30 * time.Second,
				RatePerSecond: 20,
				Burst:         5,
			},
		},
		Matching: MatchingConfig{
			Threshold:   0.95,
			BatchSize:   100,
			TopK:        5,
			TieEpsilon:  1e-6,
			PassTimeout: 10 * time.Minute,
		},
		Cleaning: CleaningConfig{
			SuggestThreshold: 0.98,
			TopK:             5,
			PassTimeout:      60 * time.Minute,
		},
		Scheduler: SchedulerConfig{
			MatchingInterval: 10 * time.Minute,
			CleaningTime:     "03:00",
			WarmOnStart:      true,
		},
		Retry: RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     10 * time.Second,
			Multiplier:   2.0,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// Validate checks invariants that must hold before any pass is scheduled.
func (c *Config) Validate() error {
	m, cl := c.Matching, c.Cleaning
	// Written as negated ranges so NaN fails them.
	if !(m.Threshold > 0 && m.Threshold <= 1) {
		return configErrorf("matching.threshold must be in (0, 1] (got %.4f)", m.Threshold)
	}
	if !(cl.SuggestThreshold > 0 && cl.SuggestThreshold <= 1) {
		return configErrorf("cleaning.suggestThreshold must be in (0, 1] (got %.4f)", cl.SuggestThreshold)
	}
	if !(cl.SuggestThreshold > m.Threshold) {
		return configErrorf("cleaning.suggestThreshold (%.4f) must exceed matching.threshold (%.4f)",
			cl.SuggestThreshold, m.Threshold)
	}
	if m.BatchSize <= 0 {
		return configErrorf("matching.batchSize must be positive (got %d)", m.BatchSize)
	}
	if m.TopK <= 0 || cl.TopK <= 0 {
		return configErrorf("topK must be positive (matching %d, cleaning %d)", m.TopK, cl.TopK)
	}
	if !(m.TieEpsilon >= 0) {
		return configErrorf("matching.tieEpsilon cannot be negative (got %g)", m.TieEpsilon)
	}
	if m.PassTimeout <= 0 || cl.PassTimeout <= 0 {
		return configErrorf("pass timeouts must be positive (matching %v, cleaning %v)", m.PassTimeout, cl.PassTimeout)
	}
	if c.Scheduler.MatchingInterval <= 0 {
		return configErrorf("scheduler.matchingInterval must be positive (got %v)", c.Scheduler.MatchingInterval)
	}
	if _, _, err := ParseClock(c.Scheduler.CleaningTime); err != nil {
		return configErrorf("scheduler.cleaningTime: %v", err)
	}
	if c.Retry.MaxAttempts <= 0 || c.Retry.MaxAttempts > 10 {
		return configErrorf("retry.maxAttempts must be in [1, 10] (got %d)", c.Retry.MaxAttempts)
	}
	switch c.CatalogStore.Backend {
	case "postgres", "memory":
	case "http":
		if c.CatalogStore.HTTP.BaseURL == "" {
			return configErrorf("catalogStore.http.baseUrl is required for the http backend")
		}
	default:
		return configErrorf("unknown catalogStore.backend %q", c.CatalogStore.Backend)
	}
	switch c.SemanticIndex.Backend {
	case "memory":
	case "qdrant":
		if c.SemanticIndex.Qdrant.Addr == "" || c.SemanticIndex.Qdrant.Collection == "" {
			return configErrorf("semanticIndex.qdrant.addr and collection are required")
		}
		if c.SemanticIndex.Qdrant.Dimensions <= 0 {
			return configErrorf("semanticIndex.qdrant.dimensions must be positive")
		}
	default:
		return configErrorf("unknown semanticIndex.backend %q", c.SemanticIndex.Backend)
	}
	return nil
}

// ParseClock parses an HH:MM time of day.
func ParseClock(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	return t.Hour(), t.Minute(), nil
}

func configErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", apperrors.ErrConfiguration, fmt.Sprintf(format, args...))
}

// applyEnvOverrides reads RC_* environment variables and overrides the
// corresponding config fields. Malformed numeric values are configuration
// errors rather than silently ignored, since thresholds decide links.
func applyEnvOverrides(cfg *Config) error {
	strs := map[string]*string{
		"RC_POSTGRES_HOST":         &cfg.Postgres.Host,
		"RC_POSTGRES_DATABASE":     &cfg.Postgres.Database,
		"RC_POSTGRES_USER":         &cfg.Postgres.User,
		"RC_POSTGRES_PASSWORD":     &cfg.Postgres.Password,
		"RC_POSTGRES_SSLMODE":      &cfg.Postgres.SSLMode,
		"RC_REDIS_ADDR":            &cfg.Redis.Addr,
		"RC_REDIS_PASSWORD":        &cfg.Redis.Password,
		"RC_CATALOG_BACKEND":       &cfg.CatalogStore.Backend,
		"RC_CATALOG_API_URL":       &cfg.CatalogStore.HTTP.BaseURL,
		"RC_CATALOG_API_KEY":       &cfg.CatalogStore.HTTP.APIKey,
		"RC_INDEX_BACKEND":         &cfg.SemanticIndex.Backend,
		"RC_QDRANT_ADDR":           &cfg.SemanticIndex.Qdrant.Addr,
		"RC_QDRANT_COLLECTION":     &cfg.SemanticIndex.Qdrant.Collection,
		"RC_EMBEDDER_URL":          &cfg.SemanticIndex.Embedder.BaseURL,
		"RC_EMBEDDER_MODEL":        &cfg.SemanticIndex.Embedder.Model,
		"RC_SCHEDULER_CLEANING_AT": &cfg.Scheduler.CleaningTime,
		"RC_LOGGING_LEVEL":         &cfg.Logging.Level,
		"RC_LOGGING_FORMAT":        &cfg.Logging.Format,
		"RC_SERVER_API_KEY":        &cfg.Server.APIKey,
	}
	for key, dest := range strs {
		if v := os.Getenv(key); v != "" {
			*dest = v
		}
	}
	if v := os.Getenv("RC_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}

	ints := map[string]*int{
		"RC_SERVER_PORT":         &cfg.Server.Port,
		"RC_POSTGRES_PORT":       &cfg.Postgres.Port,
		"RC_MATCHING_BATCH_SIZE": &cfg.Matching.BatchSize,
		"RC_MATCHING_TOP_K":      &cfg.Matching.TopK,
		"RC_CLEANING_TOP_K":      &cfg.Cleaning.TopK,
		"RC_RETRY_MAX_ATTEMPTS":  &cfg.Retry.MaxAttempts,
		"RC_QDRANT_DIMENSIONS":   &cfg.SemanticIndex.Qdrant.Dimensions,
		"RC_METRICS_PORT":        &cfg.Metrics.Port,
	}
	for key, dest := range ints {
		if err := parseEnvInt(key, dest); err != nil {
			return err
		}
	}

	floats := map[string]*float64{
		"RC_MATCHING_THRESHOLD": &cfg.Matching.Threshold,
		"RC_SUGGEST_THRESHOLD":  &cfg.Cleaning.SuggestThreshold,
	}
	for key, dest := range floats {
		if err := parseEnvFloat(key, dest); err != nil {
			return err
		}
	}

	durations := map[string]*time.Duration{
		"RC_MATCHING_PASS_TIMEOUT":    &cfg.Matching.PassTimeout,
		"RC_CLEANING_PASS_TIMEOUT":    &cfg.Cleaning.PassTimeout,
		"RC_SCHEDULER_MATCHING_EVERY": &cfg.Scheduler.MatchingInterval,
	}
	for key, dest := range durations {
		if err := parseEnvDuration(key, dest); err != nil {
			return err
		}
	}

	bools := map[string]*bool{
		"RC_REDIS_ENABLED":   &cfg.Redis.Enabled,
		"RC_KAFKA_ENABLED":   &cfg.Kafka.Enabled,
		"RC_METRICS_ENABLED": &cfg.Metrics.Enabled,
		"RC_WARM_ON_START":   &cfg.Scheduler.WarmOnStart,
	}
	for key, dest := range bools {
		if err := parseEnvBool(key, dest); err != nil {
			return err
		}
	}
	return nil
}

func parseEnvInt(key string, dest *int) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return configErrorf("invalid value for %s: %v", key, err)
	}
	*dest = parsed
	return nil
}

func parseEnvFloat(key string, dest *float64) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return configErrorf("invalid value for %s: %v", key, err)
	}
	*dest = parsed
	return nil
}

// parseEnvDuration accepts Go duration syntax ("90s", "10m") or a bare
// integer number of seconds.
func parseEnvDuration(key string, dest *time.Duration) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	if secs, err := strconv.Atoi(value); err == nil {
		*dest = time.Duration(secs) * time.Second
		return nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return configErrorf("invalid value for %s: %v", key, err)
	}
	*dest = parsed
	return nil
}

func parseEnvBool(key string, dest *bool) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return configErrorf("invalid value for %s: %v", key, err)
	}
	*dest = parsed
	return nil
}
