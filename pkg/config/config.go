// Package config defines the application configuration for PromptGate.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/promptgate/promptgate/pkg/telemetry"
)

// Config is the top-level application configuration.
type Config struct {
	// Server configures the HTTP API and guard proxy.
	Server ServerConfig `yaml:"server"`

	// Database configures the SQLite state store.
	Database DatabaseConfig `yaml:"database"`

	// Engine configures the evaluation pipeline.
	Engine EngineConfig `yaml:"engine"`

	// Scorer configures the ML scoring backends.
	Scorer ScorerConfig `yaml:"scorer"`

	// Upstream configures the LLM provider the proxy forwards to.
	Upstream UpstreamConfig `yaml:"upstream"`

	// Policies configures file-based policy loading.
	Policies PoliciesConfig `yaml:"policies"`

	// Audit configures evaluation recording.
	Audit AuditConfig `yaml:"audit"`

	// Logging configures structured logging.
	Logging telemetry.LoggingConfig `yaml:"logging"`

	// Tracing configures distributed tracing.
	Tracing telemetry.TracingConfig `yaml:"tracing"`

	// Metrics configures Prometheus metrics.
	Metrics telemetry.MetricsConfig `yaml:"metrics"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// ListenAddress is the address the API server binds to.
	ListenAddress string `yaml:"listen_address" validate:"required"`

	// ReadTimeout bounds how long reading a request may take.
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout bounds how long writing a response may take.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig configures SQLite storage.
type DatabaseConfig struct {
	// Path is the SQLite database file path.
	Path string `yaml:"path" validate:"required"`

	// MaxOpenConns caps open connections.
	MaxOpenConns int `yaml:"max_open_conns" validate:"gte=0"`

	// MaxIdleConns caps idle connections.
	MaxIdleConns int `yaml:"max_idle_conns" validate:"gte=0"`

	// ConnMaxLifetime bounds connection reuse.
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`

	// RetentionDays is how long evaluation records are kept. Zero
	// disables retention cleanup.
	RetentionDays int `yaml:"retention_days" validate:"gte=0"`

	// RetentionSchedule is the cron expression for the cleanup job.
	RetentionSchedule string `yaml:"retention_schedule"`
}

// EngineConfig configures the evaluation pipeline.
type EngineConfig struct {
	// FastTimeout is the per-policy deadline for deterministic
	// evaluators.
	FastTimeout time.Duration `yaml:"fast_timeout"`

	// SlowTimeout is the per-policy deadline for ML-backed evaluators.
	SlowTimeout time.Duration `yaml:"slow_timeout"`

	// MaxParallel caps concurrent policy evaluations per request.
	MaxParallel int `yaml:"max_parallel" validate:"gte=0"`
}

// ScorerConfig configures ML scoring backends.
type ScorerConfig struct {
	// Backend selects the scorer implementation (http, llm, none).
	Backend string `yaml:"backend" validate:"omitempty,oneof=http llm none"`

	// Endpoint is the base URL for the http backend.
	Endpoint string `yaml:"endpoint"`

	// Provider is the LLM provider for the llm backend (openai,
	// anthropic).
	Provider string `yaml:"provider" validate:"omitempty,oneof=openai anthropic"`

	// Model is the model name for the llm backend.
	Model string `yaml:"model"`

	// APIKey authenticates against the provider. Prefer setting this
	// through the environment.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider endpoint.
	BaseURL string `yaml:"base_url"`

	// Timeout bounds a single scoring call.
	Timeout time.Duration `yaml:"timeout"`
}

// UpstreamConfig configures the LLM provider behind the guard proxy.
type UpstreamConfig struct {
	// Provider is the upstream provider (openai, anthropic).
	Provider string `yaml:"provider" validate:"omitempty,oneof=openai anthropic"`

	// Model is the default model when requests omit one.
	Model string `yaml:"model"`

	// APIKey authenticates against the provider.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider endpoint.
	BaseURL string `yaml:"base_url"`

	// FailClosed blocks traffic when evaluation itself fails. The
	// default lets traffic through on pipeline failure.
	FailClosed bool `yaml:"fail_closed"`

	// GuardResponses runs the evaluation pipeline over upstream
	// responses as well as requests.
	GuardResponses bool `yaml:"guard_responses"`
}

// PoliciesConfig configures file-based policy loading.
type PoliciesConfig struct {
	// Paths lists YAML files or directories to load policies from.
	Paths []string `yaml:"paths"`

	// Watch reloads policies when the files change.
	Watch bool `yaml:"watch"`

	// DefaultOrganization is the organization assigned to file-loaded
	// policies that do not set one.
	DefaultOrganization string `yaml:"default_organization"`
}

// AuditConfig configures evaluation recording.
type AuditConfig struct {
	// LogPath appends evaluation results to a JSONL file when set.
	LogPath string `yaml:"log_path"`

	// PersistResults stores evaluation results in the database.
	PersistResults bool `yaml:"persist_results"`
}

// Default returns the default configuration.
func Default() *Config {
	tel := telemetry.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			ListenAddress:   ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Path:              "promptgate.db",
			MaxOpenConns:      25,
			MaxIdleConns:      5,
			ConnMaxLifetime:   5 * time.Minute,
			RetentionDays:     30,
			RetentionSchedule: "0 3 * * *",
		},
		Engine: EngineConfig{
			FastTimeout: 50 * time.Millisecond,
			SlowTimeout: 2 * time.Second,
			MaxParallel: 8,
		},
		Scorer: ScorerConfig{
			Backend: "none",
			Timeout: 5 * time.Second,
		},
		Upstream: UpstreamConfig{
			Provider:       "openai",
			GuardResponses: true,
		},
		Policies: PoliciesConfig{
			DefaultOrganization: "default",
		},
		Audit: AuditConfig{
			PersistResults: true,
		},
		Logging: tel.Logging,
		Tracing: tel.Tracing,
		Metrics: tel.Metrics,
	}
}

// Load reads a YAML configuration file over the defaults. An empty
// path returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Environment wins over file for credentials.
	if v := os.Getenv("PROMPTGATE_SCORER_API_KEY"); v != "" {
		cfg.Scorer.APIKey = v
	}
	if v := os.Getenv("PROMPTGATE_UPSTREAM_API_KEY"); v != "" {
		cfg.Upstream.APIKey = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for structural errors.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Scorer.Backend == "http" && c.Scorer.Endpoint == "" {
		return fmt.Errorf("invalid configuration: scorer.endpoint is required for the http backend")
	}
	if c.Scorer.Backend == "llm" && c.Scorer.Model == "" {
		return fmt.Errorf("invalid configuration: scorer.model is required for the llm backend")
	}
	return nil
}
