// Package config provides configuration management for the gateway.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var tableNameRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config holds the application configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Audit   AuditConfig   `yaml:"audit"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Ollama  OllamaConfig  `yaml:"ollama"`
	Cache   CacheConfig   `yaml:"cache"`
	Filters FiltersConfig `yaml:"filters"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port          string `yaml:"port" env:"PORT"`
	MasterKey     string `yaml:"master_key" env:"SECURAG_SERVER_MASTER_KEY"` // Optional: shared secret gating API routes
	BodySizeLimit string `yaml:"body_size_limit" env:"BODY_SIZE_LIMIT"`      // Max request body size (e.g., "10M", "1024K")
}

// AuditConfig holds audit persistence configuration.
type AuditConfig struct {
	// DBURI is the audit database connection string. Bare paths are
	// interpreted as local SQLite files.
	DBURI string `yaml:"db_uri" env:"SECURAG_SERVER_DB_URI"`

	// TableName is the audit table (or collection) name.
	TableName string `yaml:"table_name" env:"SECURAG_SERVER_TABLE_NAME"`

	// WriteLogs gates all persistence. When false, audit read/delete
	// endpoints return 403 and nothing is ever written.
	WriteLogs bool `yaml:"write_logs" env:"SECURAG_SERVER_WRITE_LOGS"`

	// Database is the database name for MongoDB deployments.
	Database string `yaml:"database" env:"SECURAG_SERVER_DB_NAME"`

	// MaxConns is the PostgreSQL connection pool size (default: 10).
	MaxConns int `yaml:"max_conns" env:"SECURAG_SERVER_DB_MAX_CONNS"`
}

// LoggingConfig holds application log configuration.
type LoggingConfig struct {
	// Format selects the slog handler: "console" (default) or "json".
	Format string `yaml:"format" env:"LOGGING_FORMAT"`

	// Level is the minimum level: "debug", "info", "warn", or "error".
	Level string `yaml:"level" env:"LOGGING_LEVEL"`
}

// SlogLevel maps the configured level name onto a slog.Level.
func (c LoggingConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// MetricsConfig holds observability configuration for Prometheus metrics
type MetricsConfig struct {
	// Enabled controls whether Prometheus metrics are collected and exposed
	// Default: false
	Enabled bool `yaml:"enabled" env:"METRICS_ENABLED"`

	// Endpoint is the HTTP path where metrics are exposed
	// Default: "/metrics"
	Endpoint string `yaml:"endpoint" env:"METRICS_ENDPOINT"`
}

// OllamaConfig holds the LLM collaborator configuration.
type OllamaConfig struct {
	Host          string `yaml:"host" env:"OLLAMA_HOST"`
	Model         string `yaml:"model" env:"OLLAMA_MODEL"`
	DownloadModel bool   `yaml:"download_model" env:"OLLAMA_DOWNLOAD_MODEL"`
	SystemPrompt  string `yaml:"system_prompt" env:"OLLAMA_SYSTEM_PROMPT"`
}

// CacheConfig holds the optional classifier-response cache configuration.
type CacheConfig struct {
	// Type selects the backend: "none" (default), "local", or "redis".
	Type string `yaml:"type" env:"CACHE_TYPE"`

	// TTLSeconds is the per-entry time-to-live (default: 300).
	TTLSeconds int `yaml:"ttl_seconds" env:"CACHE_TTL_SECONDS"`

	// Redis configuration (only used when Type is "redis")
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis-specific configuration
type RedisConfig struct {
	// URL is the Redis connection URL (e.g., "redis://localhost:6379")
	URL string `yaml:"url" env:"REDIS_URL"`
}

// FiltersConfig declares the executor's pipe chains.
type FiltersConfig struct {
	// RaiseOnFlag aborts a chain as soon as a pipe flags.
	RaiseOnFlag bool `yaml:"raise_on_flag" env:"FILTERS_RAISE_ON_FLAG"`

	// HFAuthToken is injected as a bearer Authorization header into HTTP
	// filters that don't set their own.
	HFAuthToken string `yaml:"hf_auth_token" env:"HF_AUTH_TOKEN"`

	InputPipes  []PipeConfig `yaml:"input_pipes"`
	OutputPipes []PipeConfig `yaml:"output_pipes"`
}

// PipeConfig defines a single pipe instance.
type PipeConfig struct {
	// Name is a unique identifier for this pipe (used in audit records)
	Name string `yaml:"name"`

	// Type selects the scheduling mode: "sequential" or "thread"
	Type string `yaml:"type"`

	// FlaggingStrategy is "any" (default), "all", or "manual"
	FlaggingStrategy string `yaml:"flagging_strategy"`

	// StopOnFlag ends module iteration (sequential) or cancels remaining
	// modules (thread) once one flags.
	StopOnFlag bool `yaml:"stop_on_flag"`

	// MaxWorkers bounds a thread pipe's concurrency (default: 5)
	MaxWorkers int `yaml:"max_workers"`

	Audit       bool   `yaml:"audit"`
	Description string `yaml:"description"`

	Modules []ModuleConfig `yaml:"modules"`
}

// ModuleConfig defines a single filter module instance.
type ModuleConfig struct {
	// Name is a unique identifier within the pipe
	Name string `yaml:"name"`

	// Type selects the filter implementation: "keyword", "regex", or "http"
	Type string `yaml:"type"`

	Description            string `yaml:"description"`
	Audit                  bool   `yaml:"audit"`
	DefaultFlaggedResponse string `yaml:"default_flagged_response"`

	// Keyword holds settings when Type is "keyword"
	Keyword KeywordSettings `yaml:"keyword"`

	// Regex holds settings when Type is "regex"
	Regex RegexSettings `yaml:"regex"`

	// HTTP holds settings when Type is "http"
	HTTP HTTPSettings `yaml:"http"`
}

// KeywordSettings holds the type-specific settings for a keyword filter.
type KeywordSettings struct {
	// Thresholds maps a minimum distinct-match count to its keyword bucket.
	Thresholds map[int][]string `yaml:"thresholds"`

	// StopOnFlag stops bucket evaluation on the first trip (default: true)
	StopOnFlag *bool `yaml:"stop_on_flag"`
}

// RegexSettings holds the type-specific settings for a regex filter.
type RegexSettings struct {
	Thresholds map[int][]string `yaml:"thresholds"`
	StopOnFlag *bool            `yaml:"stop_on_flag"`

	CaseInsensitive bool `yaml:"case_insensitive"`
	Multiline       bool `yaml:"multiline"`
	DotAll          bool `yaml:"dot_all"`
}

// HTTPSettings holds the type-specific settings for an HTTP request filter.
type HTTPSettings struct {
	URL        string            `yaml:"url"`
	QueryField string            `yaml:"query_field"`
	Headers    map[string]string `yaml:"headers"`

	// TimeoutMS bounds each classifier call in milliseconds (default: 5000)
	TimeoutMS int `yaml:"timeout_ms"`

	// JMESPath expressions evaluated against the classifier response
	ScoringField  string `yaml:"scoring_field"`
	LogsField     string `yaml:"logs_field"`
	FlaggingField string `yaml:"flagging_field"`

	FlaggingThresh    float64 `yaml:"flagging_thresh"`
	InvertedThresh    bool    `yaml:"inverted_thresh"`
	DefaultFlagOnFail bool    `yaml:"default_flag_on_fail"`

	// Cache enables the classifier-response cache for this filter.
	Cache bool `yaml:"cache"`
}

// buildDefaultConfig returns the single source of truth for all configuration defaults.
func buildDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080"},
		Audit: AuditConfig{
			TableName: "audit_log",
			Database:  "securag",
			MaxConns:  10,
		},
		Logging: LoggingConfig{
			Format: "console",
			Level:  "info",
		},
		Metrics: MetricsConfig{
			Endpoint: "/metrics",
		},
		Ollama: OllamaConfig{
			Host:          "http://localhost:11434",
			Model:         "gemma2:2b",
			DownloadModel: true,
			SystemPrompt:  "You are a helpful assistant.",
		},
		Cache: CacheConfig{
			Type:       "none",
			TTLSeconds: 300,
		},
	}
}

// Load reads configuration using a three-layer pipeline:
//
//	defaults (code) → config.yaml (optional overlay) → env vars (always win)
//
// Every run follows the same code path regardless of whether config.yaml exists.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := buildDefaultConfig()

	if err := applyYAML(cfg); err != nil {
		return nil, err
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the cross-field constraints a running gateway needs.
func (c *Config) Validate() error {
	if !tableNameRegex.MatchString(c.Audit.TableName) {
		return fmt.Errorf("invalid SECURAG_SERVER_TABLE_NAME %q: must match %s",
			c.Audit.TableName, tableNameRegex.String())
	}
	if c.Audit.WriteLogs && c.Audit.DBURI == "" {
		return fmt.Errorf("SECURAG_SERVER_WRITE_LOGS is true but SECURAG_SERVER_DB_URI is empty")
	}

	switch c.Cache.Type {
	case "", "none", "local":
	case "redis":
		if c.Cache.Redis.URL == "" {
			return fmt.Errorf("cache type is redis but no redis url is configured")
		}
	default:
		return fmt.Errorf("unknown cache type %q (valid: none, local, redis)", c.Cache.Type)
	}

	for _, group := range [][]PipeConfig{c.Filters.InputPipes, c.Filters.OutputPipes} {
		for _, p := range group {
			switch p.Type {
			case "", "sequential", "thread":
			default:
				return fmt.Errorf("pipe %q has unknown type %q (valid: sequential, thread)", p.Name, p.Type)
			}
			for _, m := range p.Modules {
				switch m.Type {
				case "keyword", "regex", "http":
				default:
					return fmt.Errorf("module %q in pipe %q has unknown type %q (valid: keyword, regex, http)",
						m.Name, p.Name, m.Type)
				}
			}
		}
	}

	return nil
}

// applyYAML reads an optional config.yaml and overlays it onto cfg.
// If no config file is found, this is a no-op (not an error).
func applyYAML(cfg *Config) error {
	paths := []string{
		"config/config.yaml",
		"config.yaml",
	}

	var data []byte
	for _, p := range paths {
		raw, err := os.ReadFile(p)
		if err == nil {
			data = raw
			break
		}
	}

	if data == nil {
		return nil
	}

	expanded := expandString(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("failed to parse config.yaml: %w", err)
	}
	return nil
}

// applyEnvOverrides walks cfg's struct fields and applies env var overrides
// based on `env` struct tags. Slices and maps are skipped (pipes are
// YAML-only configuration).
func applyEnvOverrides(cfg *Config) error {
	return applyEnvOverridesValue(reflect.ValueOf(cfg).Elem())
}

func applyEnvOverridesValue(v reflect.Value) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldVal := v.Field(i)

		switch field.Type.Kind() {
		case reflect.Map, reflect.Slice:
			continue
		case reflect.Struct:
			if err := applyEnvOverridesValue(fieldVal); err != nil {
				return err
			}
			continue
		}

		envKey := field.Tag.Get("env")
		if envKey == "" {
			continue
		}
		envVal := os.Getenv(envKey)
		if envVal == "" {
			continue
		}

		switch field.Type.Kind() {
		case reflect.String:
			fieldVal.SetString(envVal)
		case reflect.Bool:
			fieldVal.SetBool(parseBool(envVal))
		case reflect.Int:
			n, err := strconv.Atoi(envVal)
			if err != nil {
				return fmt.Errorf("invalid value for %s (%s): %q is not a valid integer", field.Name, envKey, envVal)
			}
			fieldVal.SetInt(int64(n))
		}
	}
	return nil
}

// expandString expands environment variable references like ${VAR} or ${VAR:-default} in a string.
func expandString(s string) string {
	if s == "" {
		return s
	}
	return os.Expand(s, func(key string) string {
		varname := key
		defaultValue := ""
		hasDefault := false
		if idx := strings.Index(key, ":-"); idx >= 0 {
			varname = key[:idx]
			defaultValue = key[idx+2:]
			hasDefault = true
		}
		value := os.Getenv(varname)
		if value == "" {
			if hasDefault {
				return defaultValue
			}
			return "${" + key + "}"
		}
		return value
	})
}

// parseBool returns true if s is "true" or "1" (case-insensitive).
func parseBool(s string) bool {
	return strings.EqualFold(s, "true") || s == "1"
}
