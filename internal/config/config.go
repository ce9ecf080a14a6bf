// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level worker configuration.
type Config struct {
	Server      ServerConfig     `yaml:"server"`
	Database    DatabaseConfig   `yaml:"database"`
	Auth        AuthConfig       `yaml:"auth"`
	Log         LogConfig        `yaml:"log"`
	Mediator    MediatorConfig   `yaml:"mediator"`
	Revocations RevocationConfig `yaml:"revocations"`
	Executor    ExecutorConfig   `yaml:"executor"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	AdminKey string `yaml:"admin_key"` // empty disables auth on /v1
}

// LogConfig selects the log level ("debug", "info", "warn", "error") and
// format ("text" or "json").
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MediatorConfig tunes the ready queue consumer.
type MediatorConfig struct {
	PopTimeout time.Duration `yaml:"pop_timeout"` // bound on stop latency when idle
	QueueSize  int           `yaml:"queue_size"`
}

// RevocationConfig sizes the revocation registry.
type RevocationConfig struct {
	MaxSize       int              `yaml:"max_size"`
	TTL           time.Duration    `yaml:"ttl"`
	PruneInterval time.Duration    `yaml:"prune_interval"`
	Seed          []RevocationSeed `yaml:"seed"`
}

// RevocationSeed is a task ID revoked at startup.
type RevocationSeed struct {
	TaskID string `yaml:"task_id"`
	Reason string `yaml:"reason"`
}

// ExecutorConfig configures the execution pool. RateLimits caps submissions
// per minute by task name; absent tasks are unlimited.
type ExecutorConfig struct {
	Concurrency int              `yaml:"concurrency"`
	Webhooks    []WebhookEntry   `yaml:"webhooks"`
	RateLimits  map[string]int64 `yaml:"rate_limits"`
}

// WebhookEntry binds a task name to an HTTP endpoint.
type WebhookEntry struct {
	Task    string        `yaml:"task"`
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
	OAuth   *OAuthEntry   `yaml:"oauth"`
	Auth    *AuthEntry    `yaml:"auth"`
	Breaker BreakerEntry  `yaml:"breaker"`
}

// AuthEntry configures header, GCP, or AWS authentication for a webhook.
type AuthEntry struct {
	Type    string   `yaml:"type"` // "header", "gcp_oauth", "aws_sigv4"
	Key     string   `yaml:"key"`
	Header  string   `yaml:"header"`
	Prefix  string   `yaml:"prefix"`
	Scopes  []string `yaml:"scopes"`
	Region  string   `yaml:"region"`
	Service string   `yaml:"service"`
}

// BreakerEntry tunes a webhook's circuit breaker. Zero values use defaults.
type BreakerEntry struct {
	ErrorThreshold float64       `yaml:"error_threshold"`
	MinSamples     int           `yaml:"min_samples"`
	Window         time.Duration `yaml:"window"`
	OpenTimeout    time.Duration `yaml:"open_timeout"`
}

// OAuthEntry holds client-credentials settings for a webhook.
type OAuthEntry struct {
	TokenURL     string   `yaml:"token_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Default returns the configuration used when a key is absent from the file.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN: "courier.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Mediator: MediatorConfig{
			PopTimeout: time.Second,
			QueueSize:  10_000,
		},
		Revocations: RevocationConfig{
			MaxSize:       10_000,
			TTL:           time.Hour,
			PruneInterval: 5 * time.Minute,
		},
		Executor: ExecutorConfig{
			Concurrency: 4,
		},
	}
}

// Load reads and parses a YAML config file, expanding environment variables.
// An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Mediator.PopTimeout <= 0 {
		errs = append(errs, errors.New("mediator.pop_timeout must be positive"))
	}
	if c.Mediator.QueueSize <= 0 {
		errs = append(errs, errors.New("mediator.queue_size must be positive"))
	}
	if c.Executor.Concurrency <= 0 {
		errs = append(errs, errors.New("executor.concurrency must be positive"))
	}
	if c.Revocations.MaxSize <= 0 {
		errs = append(errs, errors.New("revocations.max_size must be positive"))
	}
	if c.Revocations.TTL <= 0 {
		errs = append(errs, errors.New("revocations.ttl must be positive"))
	}
	if r := c.Telemetry.Tracing.SampleRate; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.tracing.sample_rate %v out of range [0,1]", r))
	}
	seen := make(map[string]bool, len(c.Executor.Webhooks))
	for i, w := range c.Executor.Webhooks {
		switch {
		case w.Task == "":
			errs = append(errs, fmt.Errorf("executor.webhooks[%d]: task is required", i))
		case seen[w.Task]:
			errs = append(errs, fmt.Errorf("executor.webhooks[%d]: duplicate task %q", i, w.Task))
		}
		seen[w.Task] = true
		if w.URL == "" {
			errs = append(errs, fmt.Errorf("executor.webhooks[%d]: url is required", i))
		}
		if w.OAuth != nil && w.OAuth.TokenURL == "" {
			errs = append(errs, fmt.Errorf("executor.webhooks[%d]: oauth.token_url is required", i))
		}
		if w.Auth != nil {
			switch w.Auth.Type {
			case "header", "gcp_oauth", "aws_sigv4":
			default:
				errs = append(errs, fmt.Errorf("executor.webhooks[%d]: unknown auth.type %q", i, w.Auth.Type))
			}
		}
		if r := w.Breaker.ErrorThreshold; r < 0 || r > 1.5 {
			errs = append(errs, fmt.Errorf("executor.webhooks[%d]: breaker.error_threshold %v out of range", i, r))
		}
	}
	for task, n := range c.Executor.RateLimits {
		if n < 0 {
			errs = append(errs, fmt.Errorf("executor.rate_limits[%q] must not be negative", task))
		}
	}
	for i, s := range c.Revocations.Seed {
		if s.TaskID == "" {
			errs = append(errs, fmt.Errorf("revocations.seed[%d]: task_id is required", i))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
