// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	// Pipeline service configuration
	Pipeline PipelineConfig `yaml:"pipeline"`

	// Benchmark layout configuration
	Bench BenchConfig `yaml:"bench"`

	// Logging configuration
	Log LogConfig `yaml:"log"`

	// Lifecycle event configuration
	Bus BusConfig `yaml:"bus"`

	// Run history configuration
	History HistoryConfig `yaml:"history"`
}

// PipelineConfig holds settings for the retrieval pipeline under test.
type PipelineConfig struct {
	URL           string        `envconfig:"RAG_PIPELINE_URL" yaml:"url"`
	UploadTimeout time.Duration `envconfig:"RAG_UPLOAD_TIMEOUT" yaml:"upload_timeout"`
	QueryTimeout  time.Duration `envconfig:"RAG_QUERY_TIMEOUT" yaml:"query_timeout"`
	RateLimit     float64       `envconfig:"RAG_RATE_LIMIT" yaml:"rate_limit"` // requests/sec, 0 = disabled
}

// BenchConfig holds where test cases live.
type BenchConfig struct {
	RepoRoot         string `envconfig:"RAG_BENCH_REPO_ROOT" yaml:"repo_root"`
	TestCasesDir     string `envconfig:"RAG_BENCH_TEST_CASES_DIR" yaml:"test_cases_dir"`
	MaxDocumentBytes int    `envconfig:"RAG_BENCH_MAX_DOCUMENT_BYTES" yaml:"max_document_bytes"` // 0 = unlimited
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `envconfig:"RAG_BENCH_LOG_LEVEL" yaml:"level"`
	Format string `envconfig:"RAG_BENCH_LOG_FORMAT" yaml:"format"`
}

// BusConfig holds lifecycle event bus settings.
type BusConfig struct {
	Type         string `envconfig:"RAG_BENCH_BUS_TYPE" yaml:"type"`
	KafkaBrokers string `envconfig:"RAG_BENCH_KAFKA_BROKERS" yaml:"kafka_brokers"`
	KafkaTopic   string `envconfig:"RAG_BENCH_KAFKA_TOPIC" yaml:"kafka_topic"`
	EventLog     string `envconfig:"RAG_BENCH_EVENT_LOG" yaml:"event_log"`
}

// HistoryConfig holds run history settings.
type HistoryConfig struct {
	RedisURL  string        `envconfig:"RAG_BENCH_REDIS_URL" yaml:"redis_url"` // empty = disabled
	KeyPrefix string        `envconfig:"RAG_BENCH_HISTORY_PREFIX" yaml:"key_prefix"`
	Retention time.Duration `envconfig:"RAG_BENCH_HISTORY_RETENTION" yaml:"retention"`
}

// Load loads configuration from environment variables and optional config file.
func Load(configPath string) (*Config, error) {
	cfg := &Config{}

	// Set defaults first
	setDefaults(cfg)

	// Load from YAML file if provided (overrides defaults)
	if configPath != "" {
		if err := loadFromFile(cfg, configPath); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	// Override with environment variables (highest priority)
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("processing env config: %w", err)
	}

	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func setDefaults(cfg *Config) {
	cfg.Pipeline = PipelineConfig{
		UploadTimeout: 120 * time.Second,
		QueryTimeout:  30 * time.Second,
	}

	cfg.Bench = BenchConfig{
		TestCasesDir:     "test-cases",
		MaxDocumentBytes: 16 << 20,
	}

	cfg.Log = LogConfig{
		Level:  "info",
		Format: "text",
	}

	cfg.Bus = BusConfig{
		Type:       "none",
		KafkaTopic: "rag-bench.events",
	}

	cfg.History = HistoryConfig{
		KeyPrefix: "ragbench:history:",
		Retention: 90 * 24 * time.Hour,
	}
}

// normalize fills values derived from the environment at startup.
func (c *Config) normalize() {
	c.Pipeline.URL = strings.TrimRight(strings.TrimSpace(c.Pipeline.URL), "/")
	if c.Bench.RepoRoot == "" {
		if wd, err := os.Getwd(); err == nil {
			c.Bench.RepoRoot = wd
		}
	}
	if abs, err := filepath.Abs(c.Bench.RepoRoot); err == nil {
		c.Bench.RepoRoot = abs
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	// Pipeline validation
	if c.Pipeline.URL == "" {
		errs = append(errs, "RAG_PIPELINE_URL is not set (e.g. http://localhost:8080)")
	} else if u, err := url.Parse(c.Pipeline.URL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Sprintf("invalid pipeline url: %s", c.Pipeline.URL))
	}

	if c.Pipeline.UploadTimeout <= 0 {
		errs = append(errs, "upload_timeout must be positive")
	}

	if c.Pipeline.QueryTimeout <= 0 {
		errs = append(errs, "query_timeout must be positive")
	}

	if c.Pipeline.RateLimit < 0 {
		errs = append(errs, "rate_limit must not be negative")
	}

	// Bench validation
	if c.Bench.TestCasesDir == "" {
		errs = append(errs, "test_cases_dir must not be empty")
	}

	if c.Bench.MaxDocumentBytes < 0 {
		errs = append(errs, "max_document_bytes must not be negative")
	}

	// Bus validation
	validBusTypes := map[string]bool{"none": true, "memory": true, "kafka": true}
	if !validBusTypes[c.Bus.Type] {
		errs = append(errs, fmt.Sprintf("invalid bus type: %s (must be none, memory, or kafka)", c.Bus.Type))
	}

	if c.Bus.Type == "kafka" && strings.TrimSpace(c.Bus.KafkaBrokers) == "" {
		errs = append(errs, "kafka_brokers must be set when bus type is kafka")
	}

	// History validation
	if c.History.Retention <= 0 {
		errs = append(errs, "history retention must be positive")
	}

	// Log validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("invalid log level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("invalid log format: %s (must be text or json)", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// TestCasesRoot returns the absolute directory holding test case folders.
func (c *Config) TestCasesRoot() string {
	if filepath.IsAbs(c.Bench.TestCasesDir) {
		return c.Bench.TestCasesDir
	}
	return filepath.Join(c.Bench.RepoRoot, c.Bench.TestCasesDir)
}

// HistoryEnabled reports whether run history should be recorded.
func (c *Config) HistoryEnabled() bool {
	return c.History.RedisURL != ""
}
