// Package config loads application configuration from specdex.yaml and
// SPECDEX_* environment variables, and initializes the global logger.
package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Embedding EmbeddingConfig `yaml:"embedding" mapstructure:"embedding"`
	Chunking  ChunkingConfig  `yaml:"chunking" mapstructure:"chunking"`
	Schema    SchemaConfig    `yaml:"schema" mapstructure:"schema"`
	Pipeline  PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`
	Retry     RetryConfig     `yaml:"retry" mapstructure:"retry"`
	Outliers  OutlierConfig   `yaml:"outliers" mapstructure:"outliers"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the Postgres/pgvector backend.
type StoreConfig struct {
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// EmbeddingConfig configures the external embedding service.
type EmbeddingConfig struct {
	BaseURL           string  `yaml:"base_url" mapstructure:"base_url"`
	APIKey            string  `yaml:"api_key" mapstructure:"api_key"`
	Model             string  `yaml:"model" mapstructure:"model"`
	Dimensions        int     `yaml:"dimensions" mapstructure:"dimensions"`
	BatchSize         int     `yaml:"batch_size" mapstructure:"batch_size"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	TimeoutSecs       int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// ChunkingConfig tunes the document chunker. Customers maps specification
// file names to the customer they belong to.
type ChunkingConfig struct {
	Window    int               `yaml:"window" mapstructure:"window"`
	Overlap   int               `yaml:"overlap" mapstructure:"overlap"`
	MinChars  int               `yaml:"min_chars" mapstructure:"min_chars"`
	Tolerance int               `yaml:"tolerance" mapstructure:"tolerance"`
	Customers map[string]string `yaml:"customers" mapstructure:"customers"`
}

// SchemaConfig holds the tabular validation rules. The rule set is
// configuration rather than hard-coded logic so operators can adjust it per
// template revision.
type SchemaConfig struct {
	HeaderScanRows     int      `yaml:"header_scan_rows" mapstructure:"header_scan_rows"`
	StatusValues       []string `yaml:"status_values" mapstructure:"status_values"`
	RequireDescription bool     `yaml:"require_description" mapstructure:"require_description"`
}

// PipelineConfig controls orchestrator concurrency.
type PipelineConfig struct {
	Workers          int `yaml:"workers" mapstructure:"workers"`
	EmbedConcurrency int `yaml:"embed_concurrency" mapstructure:"embed_concurrency"`
	StoreTimeoutSecs int `yaml:"store_timeout_secs" mapstructure:"store_timeout_secs"`
}

// RetryConfig holds the shared retry policy values.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// OutlierConfig configures the outlier sink.
type OutlierConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// LogConfig configures the global zap logger.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from specdex.yaml (working directory or
// ~/.config/specdex) with SPECDEX_* environment overrides.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("specdex")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/specdex")

	// Environment
	v.SetEnvPrefix("SPECDEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("embedding.model", "nomic-embed-text")
	v.SetDefault("embedding.dimensions", 768)
	v.SetDefault("embedding.batch_size", 64)
	v.SetDefault("embedding.requests_per_second", 4)
	v.SetDefault("embedding.timeout_secs", 60)
	v.SetDefault("chunking.window", 1000)
	v.SetDefault("chunking.overlap", 200)
	v.SetDefault("chunking.min_chars", 80)
	v.SetDefault("chunking.tolerance", 150)
	v.SetDefault("schema.header_scan_rows", 20)
	v.SetDefault("schema.status_values", []string{"Pending", "Open", "Closed"})
	v.SetDefault("schema.require_description", true)
	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.embed_concurrency", 2)
	v.SetDefault("pipeline.store_timeout_secs", 30)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 30000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("outliers.dir", "./outliers")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
