package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete layered configuration for a chiral-transferd node:
// defaults in code, overridden by a YAML file, overridden by CHIRAL_-prefixed
// environment variables, overridden by CLI flags (bound in cmd/chiral-transferd).
type Config struct {
	Node    NodeConfig    `yaml:"node"`
	Engine  EngineConfig  `yaml:"engine"`
	Payment PaymentConfig `yaml:"payment"`
	Retry   RetryConfig   `yaml:"retry"`
	Bus     BusConfig     `yaml:"bus"`
	API     APIConfig     `yaml:"api"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
	Logging LoggingConfig `yaml:"logging"`
}

// NodeConfig identifies this node instance.
type NodeConfig struct {
	ID          string `yaml:"id"`
	Environment string `yaml:"environment"`
}

// EngineConfig mirrors pkg/engine.Config's tunables (spec §4.5 defaults).
type EngineConfig struct {
	MaxParallelChunks int           `yaml:"max_parallel_chunks"`
	ChunkMaxAttempts  int           `yaml:"chunk_max_attempts"`
	ManifestRetries   int           `yaml:"manifest_retries"`
	FetchTimeout      time.Duration `yaml:"fetch_timeout"`
	StallTimeout      time.Duration `yaml:"stall_timeout"`
	CancelGrace       time.Duration `yaml:"cancel_grace"`
	StagingDir        string        `yaml:"staging_dir"`
}

// PaymentConfig holds default pricing/mode applied when a request omits them.
type PaymentConfig struct {
	DefaultMode       string  `yaml:"default_mode"`
	DefaultPricePerMB float64 `yaml:"default_price_per_mb"`
	CheckpointBytes   int64   `yaml:"checkpoint_bytes"`
}

// RetryConfig names the per-transport retry profile overrides (spec §4.5).
type RetryConfig struct {
	Default         RetryProfile `yaml:"default"`
	WebRTC          RetryProfile `yaml:"webrtc"`
	DHTPeer         RetryProfile `yaml:"dht_peer"`
	DHTBoot         RetryProfile `yaml:"dht_bootstrap"`
	MinHealthyPeers int          `yaml:"min_healthy_peers"`
}

// RetryProfile maps to retry.Config's fields.
type RetryProfile struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	BaseDelay    time.Duration `yaml:"base_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	WindowSize   int           `yaml:"window_size"`
}

// BusConfig controls event-bus throttling and buffering.
type BusConfig struct {
	SubscriberBuffer  int           `yaml:"subscriber_buffer"`
	ProgressThrottle  time.Duration `yaml:"progress_throttle"`
}

// APIConfig holds control-surface bind/auth settings.
type APIConfig struct {
	Listen       string        `yaml:"listen"`
	JWTSecret    string        `yaml:"jwt_secret"`
	TokenExpiry  time.Duration `yaml:"token_expiry"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// MetricsConfig controls the Prometheus exporter.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

// TracingConfig controls OpenTelemetry/Jaeger export.
type TracingConfig struct {
	Enabled        bool    `yaml:"enabled"`
	JaegerEndpoint string  `yaml:"jaeger_endpoint"`
	SamplingRatio  float64 `yaml:"sampling_ratio"`
}

// LoggingConfig controls the zerolog/logrus sinks.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// DefaultConfig returns the baseline configuration, overridden by file, env,
// then flags in Load.
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			Environment: "production",
		},
		Engine: EngineConfig{
			MaxParallelChunks: 10,
			ChunkMaxAttempts:  5,
			ManifestRetries:   3,
			FetchTimeout:      30 * time.Second,
			StallTimeout:      2 * time.Minute,
			CancelGrace:       5 * time.Second,
			StagingDir:        "./data/staging",
		},
		Payment: PaymentConfig{
			DefaultMode:       "",
			DefaultPricePerMB: 0,
			CheckpointBytes:   10 * 1024 * 1024,
		},
		Retry: RetryConfig{
			Default:         RetryProfile{MaxAttempts: 5, BaseDelay: 200 * time.Millisecond, MaxDelay: 30 * time.Second, WindowSize: 20},
			WebRTC:          RetryProfile{MaxAttempts: 8, BaseDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second, WindowSize: 20},
			DHTPeer:         RetryProfile{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 10 * time.Second, WindowSize: 20},
			DHTBoot:         RetryProfile{MaxAttempts: 10, BaseDelay: 1 * time.Second, MaxDelay: 60 * time.Second, WindowSize: 20},
			MinHealthyPeers: 1,
		},
		Bus: BusConfig{
			SubscriberBuffer: 256,
			ProgressThrottle: 250 * time.Millisecond,
		},
		API: APIConfig{
			Listen:       "0.0.0.0:8420",
			TokenExpiry:  24 * time.Hour,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Listen:  "0.0.0.0:9090",
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:       false,
			SamplingRatio: 0.1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load layers a config file (if any), environment variables (CHIRAL_ prefix),
// and the defaults, then validates the result. Flag binding happens in the
// caller via viper.BindPFlags before Load is called.
func Load(configFile string) (*Config, error) {
	cfg := DefaultConfig()

	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("chiral-transferd")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.AddConfigPath("/etc/chiral-transferd")
	}

	viper.SetEnvPrefix("CHIRAL")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate ensures directories this node needs exist and settings are
// internally consistent.
func (c *Config) Validate() error {
	if err := os.MkdirAll(c.Engine.StagingDir, 0o755); err != nil {
		return fmt.Errorf("create staging dir %s: %w", c.Engine.StagingDir, err)
	}
	if c.Engine.MaxParallelChunks <= 0 {
		return fmt.Errorf("engine.max_parallel_chunks must be positive")
	}
	if c.API.Listen != "" && c.API.JWTSecret == "" && c.Node.Environment == "production" {
		return fmt.Errorf("api.jwt_secret must be set in production")
	}
	return nil
}
