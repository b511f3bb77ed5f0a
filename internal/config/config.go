// ABOUTME: Configuration loading and parsing for fleet-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete fleet-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Pool      PoolConfig      `yaml:"pool" toml:"pool"`
	Queue     QueueConfig     `yaml:"queue" toml:"queue"`
	Dispatch  DispatchConfig  `yaml:"dispatch" toml:"dispatch"`
	Autoscale AutoscaleConfig `yaml:"autoscale" toml:"autoscale"`
	Runtime   RuntimeConfig   `yaml:"runtime" toml:"runtime"`
	Telemetry TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
	Ingress   IngressConfig   `yaml:"ingress" toml:"ingress"`
	Tracing   TracingConfig   `yaml:"tracing" toml:"tracing"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	// HTTPS serves the HTTP API on :443 with tailnet-issued certificates.
	HTTPS bool `yaml:"https" toml:"https"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// DatabaseConfig holds the history store configuration.
// Driver is "sqlite" (pure Go) or "sqlite3" (cgo).
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	Path   string `yaml:"path" toml:"path"`
}

// PoolConfig sizes the agent pool and its health checks
type PoolConfig struct {
	MinAgents         int    `yaml:"min_agents" toml:"min_agents"`
	MaxAgents         int    `yaml:"max_agents" toml:"max_agents"`
	DefaultCapability string `yaml:"default_capability" toml:"default_capability"`
	ErrorBudget       int    `yaml:"error_budget" toml:"error_budget"`

	HeartbeatInterval time.Duration `yaml:"-" toml:"-"`
	HeartbeatTimeout  time.Duration `yaml:"-" toml:"-"`
	ErrorGracePeriod  time.Duration `yaml:"-" toml:"-"`
	ErrorBudgetWindow time.Duration `yaml:"-" toml:"-"`
	LaunchTimeout     time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	HeartbeatTimeoutRaw  string `yaml:"heartbeat_timeout" toml:"heartbeat_timeout"`
	ErrorGracePeriodRaw  string `yaml:"error_grace_period" toml:"error_grace_period"`
	ErrorBudgetWindowRaw string `yaml:"error_budget_window" toml:"error_budget_window"`
	LaunchTimeoutRaw     string `yaml:"launch_timeout" toml:"launch_timeout"`
}

// QueueConfig holds history and ETA settings plus idempotency-key retention
type QueueConfig struct {
	HistorySize           int `yaml:"history_size" toml:"history_size"`
	AverageWindow         int `yaml:"average_window" toml:"average_window"`
	IdempotencyMaxEntries int `yaml:"idempotency_max_entries" toml:"idempotency_max_entries"`

	DefaultExecutionEstimate time.Duration `yaml:"-" toml:"-"`
	IdempotencyTTL           time.Duration `yaml:"-" toml:"-"`

	DefaultExecutionEstimateRaw string `yaml:"default_execution_estimate" toml:"default_execution_estimate"`
	IdempotencyTTLRaw           string `yaml:"idempotency_ttl" toml:"idempotency_ttl"`
}

// DispatchConfig holds dispatcher timing
type DispatchConfig struct {
	CreateOnDemand bool `yaml:"create_on_demand" toml:"create_on_demand"`

	Interval      time.Duration `yaml:"-" toml:"-"`
	CancelTimeout time.Duration `yaml:"-" toml:"-"`

	IntervalRaw      string `yaml:"interval" toml:"interval"`
	CancelTimeoutRaw string `yaml:"cancel_timeout" toml:"cancel_timeout"`
}

// AutoscaleConfig holds autoscaler settings
type AutoscaleConfig struct {
	Enabled          bool `yaml:"enabled" toml:"enabled"`
	RequestsPerAgent int  `yaml:"requests_per_agent" toml:"requests_per_agent"`

	Interval time.Duration `yaml:"-" toml:"-"`
	Cooldown time.Duration `yaml:"-" toml:"-"`

	IntervalRaw string `yaml:"interval" toml:"interval"`
	CooldownRaw string `yaml:"cooldown" toml:"cooldown"`
}

// RuntimeConfig selects how agents are backed.
// Kind is "playwright" (real browsers) or "simulated" (in-process fakes).
type RuntimeConfig struct {
	Kind            string   `yaml:"kind" toml:"kind"`
	Headless        bool     `yaml:"headless" toml:"headless"`
	InstallBrowsers bool     `yaml:"install_browsers" toml:"install_browsers"`
	Browsers        []string `yaml:"browsers" toml:"browsers"`
	FailureRate     float64  `yaml:"failure_rate" toml:"failure_rate"`

	StepTimeout   time.Duration `yaml:"-" toml:"-"`
	LaunchDelay   time.Duration `yaml:"-" toml:"-"`
	ExecutionTime time.Duration `yaml:"-" toml:"-"`

	StepTimeoutRaw   string `yaml:"step_timeout" toml:"step_timeout"`
	LaunchDelayRaw   string `yaml:"launch_delay" toml:"launch_delay"`
	ExecutionTimeRaw string `yaml:"execution_time" toml:"execution_time"`
}

// TelemetryConfig holds snapshot sampling and its sinks
type TelemetryConfig struct {
	BufferSize int         `yaml:"buffer_size" toml:"buffer_size"`
	Redis      RedisConfig `yaml:"redis" toml:"redis"`
	NATS       NATSConfig  `yaml:"nats" toml:"nats"`

	SampleInterval time.Duration `yaml:"-" toml:"-"`

	SampleIntervalRaw string `yaml:"sample_interval" toml:"sample_interval"`
}

// RedisConfig configures the Redis snapshot sink
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	Addr     string `yaml:"addr" toml:"addr"`
	Password string `yaml:"password" toml:"password"`
	DB       int    `yaml:"db" toml:"db"`
	Channel  string `yaml:"channel" toml:"channel"`
	Key      string `yaml:"key" toml:"key"`

	TTL time.Duration `yaml:"-" toml:"-"`

	TTLRaw string `yaml:"ttl" toml:"ttl"`
}

// NATSConfig configures a NATS connection used by telemetry or ingress
type NATSConfig struct {
	Enabled       bool   `yaml:"enabled" toml:"enabled"`
	URL           string `yaml:"url" toml:"url"`
	SubjectPrefix string `yaml:"subject_prefix" toml:"subject_prefix"`
	Subject       string `yaml:"subject" toml:"subject"`
	QueueGroup    string `yaml:"queue_group" toml:"queue_group"`
}

// IngressConfig holds the message-bus submission path
type IngressConfig struct {
	NATS NATSConfig `yaml:"nats" toml:"nats"`
}

// TracingConfig holds OpenTelemetry exporter settings
type TracingConfig struct {
	Exporter    string  `yaml:"exporter" toml:"exporter"`
	Endpoint    string  `yaml:"endpoint" toml:"endpoint"`
	Insecure    bool    `yaml:"insecure" toml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio" toml:"sample_ratio"`
	ServiceName string  `yaml:"service_name" toml:"service_name"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Default returns a Config populated with defaults. Load decodes the file on
// top of it, so absent keys keep these values.
func Default() Config {
	return Config{
		Server:   ServerConfig{GRPCAddr: "localhost:50051", HTTPAddr: "localhost:8080"},
		Database: DatabaseConfig{Driver: "sqlite"},
		Pool: PoolConfig{
			MinAgents:            1,
			MaxAgents:            5,
			DefaultCapability:    "chromium",
			ErrorBudget:          5,
			HeartbeatIntervalRaw: "10s",
			HeartbeatTimeoutRaw:  "60s",
			ErrorGracePeriodRaw:  "2m",
			ErrorBudgetWindowRaw: "10m",
			LaunchTimeoutRaw:     "45s",
		},
		Queue: QueueConfig{
			HistorySize:                 1000,
			AverageWindow:               50,
			IdempotencyMaxEntries:       10000,
			DefaultExecutionEstimateRaw: "30s",
			IdempotencyTTLRaw:           "10m",
		},
		Dispatch: DispatchConfig{
			CreateOnDemand:   true,
			IntervalRaw:      "1s",
			CancelTimeoutRaw: "5s",
		},
		Autoscale: AutoscaleConfig{
			Enabled:          true,
			RequestsPerAgent: 5,
			IntervalRaw:      "60s",
			CooldownRaw:      "2m",
		},
		Runtime: RuntimeConfig{
			Kind:             "simulated",
			Headless:         true,
			Browsers:         []string{"chromium"},
			StepTimeoutRaw:   "30s",
			LaunchDelayRaw:   "500ms",
			ExecutionTimeRaw: "5s",
		},
		Telemetry: TelemetryConfig{
			BufferSize:        64,
			SampleIntervalRaw: "5s",
			Redis: RedisConfig{
				Addr:    "localhost:6379",
				Channel: "fleet:telemetry",
				Key:     "fleet:snapshot",
				TTLRaw:  "1m",
			},
			NATS: NATSConfig{
				URL:           "nats://localhost:4222",
				SubjectPrefix: "fleet.telemetry",
			},
		},
		Ingress: IngressConfig{
			NATS: NATSConfig{
				URL:        "nats://localhost:4222",
				Subject:    "fleet.requests.submit",
				QueueGroup: "fleet-gateway",
			},
		},
		Tracing: TracingConfig{Exporter: "none", ServiceName: "fleet-gateway", Insecure: true},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expandedData := expandEnvVars(string(data))

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expandedData, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// LoadDefault returns the defaults with durations parsed, for running without a
// config file.
func LoadDefault() (*Config, error) {
	cfg := Default()
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// Path returns the path to the gateway config file.
// Priority: FLEET_CONFIG env var > XDG_CONFIG_HOME/fleet/gateway.yaml > ~/.config/fleet/gateway.yaml
func Path() string {
	if envPath := os.Getenv("FLEET_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "fleet", "gateway.yaml")
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server addresses are required unless Tailscale is enabled
	if !c.Tailscale.Enabled {
		if c.Server.GRPCAddr == "" {
			return fmt.Errorf("server.grpc_addr is required (or enable tailscale)")
		}
		if c.Server.HTTPAddr == "" {
			return fmt.Errorf("server.http_addr is required (or enable tailscale)")
		}
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Database.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("database.driver must be sqlite or sqlite3, got %q", c.Database.Driver)
	}

	if c.Pool.MaxAgents < 1 {
		return fmt.Errorf("pool.max_agents must be at least 1")
	}
	if c.Pool.MinAgents < 0 || c.Pool.MinAgents > c.Pool.MaxAgents {
		return fmt.Errorf("pool.min_agents must be between 0 and pool.max_agents (%d)", c.Pool.MaxAgents)
	}
	if strings.TrimSpace(c.Pool.DefaultCapability) == "" {
		return fmt.Errorf("pool.default_capability is required")
	}
	if c.Pool.LaunchTimeout >= c.Pool.HeartbeatTimeout {
		return fmt.Errorf("pool.launch_timeout must be shorter than pool.heartbeat_timeout")
	}
	if c.Autoscale.RequestsPerAgent < 1 {
		return fmt.Errorf("autoscale.requests_per_agent must be at least 1")
	}

	switch c.Runtime.Kind {
	case "simulated", "playwright":
	default:
		return fmt.Errorf("runtime.kind must be simulated or playwright, got %q", c.Runtime.Kind)
	}
	if c.Runtime.FailureRate < 0 || c.Runtime.FailureRate > 1 {
		return fmt.Errorf("runtime.failure_rate must be between 0 and 1")
	}

	if c.Telemetry.Redis.Enabled && c.Telemetry.Redis.Addr == "" {
		return fmt.Errorf("telemetry.redis.addr is required when redis is enabled")
	}
	if c.Telemetry.NATS.Enabled && c.Telemetry.NATS.URL == "" {
		return fmt.Errorf("telemetry.nats.url is required when nats is enabled")
	}
	if c.Ingress.NATS.Enabled && (c.Ingress.NATS.URL == "" || c.Ingress.NATS.Subject == "") {
		return fmt.Errorf("ingress.nats.url and ingress.nats.subject are required when ingress is enabled")
	}

	switch c.Tracing.Exporter {
	case "", "none", "stdout", "otlp", "otlphttp":
	default:
		return fmt.Errorf("tracing.exporter must be none, stdout, otlp or otlphttp, got %q", c.Tracing.Exporter)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"pool.heartbeat_interval", cfg.Pool.HeartbeatIntervalRaw, &cfg.Pool.HeartbeatInterval},
		{"pool.heartbeat_timeout", cfg.Pool.HeartbeatTimeoutRaw, &cfg.Pool.HeartbeatTimeout},
		{"pool.error_grace_period", cfg.Pool.ErrorGracePeriodRaw, &cfg.Pool.ErrorGracePeriod},
		{"pool.error_budget_window", cfg.Pool.ErrorBudgetWindowRaw, &cfg.Pool.ErrorBudgetWindow},
		{"pool.launch_timeout", cfg.Pool.LaunchTimeoutRaw, &cfg.Pool.LaunchTimeout},
		{"queue.default_execution_estimate", cfg.Queue.DefaultExecutionEstimateRaw, &cfg.Queue.DefaultExecutionEstimate},
		{"queue.idempotency_ttl", cfg.Queue.IdempotencyTTLRaw, &cfg.Queue.IdempotencyTTL},
		{"dispatch.interval", cfg.Dispatch.IntervalRaw, &cfg.Dispatch.Interval},
		{"dispatch.cancel_timeout", cfg.Dispatch.CancelTimeoutRaw, &cfg.Dispatch.CancelTimeout},
		{"autoscale.interval", cfg.Autoscale.IntervalRaw, &cfg.Autoscale.Interval},
		{"autoscale.cooldown", cfg.Autoscale.CooldownRaw, &cfg.Autoscale.Cooldown},
		{"runtime.step_timeout", cfg.Runtime.StepTimeoutRaw, &cfg.Runtime.StepTimeout},
		{"runtime.launch_delay", cfg.Runtime.LaunchDelayRaw, &cfg.Runtime.LaunchDelay},
		{"runtime.execution_time", cfg.Runtime.ExecutionTimeRaw, &cfg.Runtime.ExecutionTime},
		{"telemetry.sample_interval", cfg.Telemetry.SampleIntervalRaw, &cfg.Telemetry.SampleInterval},
		{"telemetry.redis.ttl", cfg.Telemetry.Redis.TTLRaw, &cfg.Telemetry.Redis.TTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("parsing %s %q: must not be negative", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}
