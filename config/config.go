package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete relay configuration.
type Config struct {
	DeviceID      string `yaml:"device_id"`
	UseSimulation bool   `yaml:"use_simulation"`

	API        APIConfig        `yaml:"api"`
	Streaming  StreamingConfig  `yaml:"streaming"`
	Polling    PollingConfig    `yaml:"polling"`
	Controller ControllerConfig `yaml:"controller"`
	Delivery   DeliveryConfig   `yaml:"delivery"`
	Reconcile  ReconcileConfig  `yaml:"reconcile"`
	Store      StoreConfig      `yaml:"store"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Log        LogConfig        `yaml:"log"`
}

// APIConfig describes the request/response endpoint used for polling,
// fallback sends, authoritative fetches and authorization.
type APIConfig struct {
	BaseURL       string        `yaml:"base_url"`
	Token         string        `yaml:"token"`
	Timeout       time.Duration `yaml:"timeout"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RateLimit     float64       `yaml:"rate_limit"`
	RateBurst     int           `yaml:"rate_burst"`
}

// StreamingConfig describes the primary websocket channel. An empty URL
// runs the relay on the polling fallback alone.
type StreamingConfig struct {
	URL          string        `yaml:"url"`
	ReconnectMin time.Duration `yaml:"reconnect_min"`
	ReconnectMax time.Duration `yaml:"reconnect_max"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// PollingConfig describes the fallback poll loop.
type PollingConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Interval         time.Duration `yaml:"interval"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	FailureThreshold int           `yaml:"failure_threshold"`
}

// ControllerConfig tunes primary/fallback switching.
type ControllerConfig struct {
	GracePeriod    time.Duration `yaml:"grace_period"`
	ProbeMin       time.Duration `yaml:"probe_min"`
	ProbeMax       time.Duration `yaml:"probe_max"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// DeliveryConfig tunes the retry/acknowledgment scheduler.
type DeliveryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	AckTimeout  time.Duration `yaml:"ack_timeout"`
	MaxAckWait  time.Duration `yaml:"max_ack_wait"`
	SendTimeout time.Duration `yaml:"send_timeout"`
}

// ReconcileConfig tunes the reconciliation engine.
type ReconcileConfig struct {
	FetchTimeout    time.Duration `yaml:"fetch_timeout"`
	MaxAttempts     int           `yaml:"max_attempts"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	Overlap         time.Duration `yaml:"overlap"`
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerReset    time.Duration `yaml:"breaker_reset"`
	Parallelism     int           `yaml:"parallelism"`
}

// StoreConfig controls the message ledger and the expiry sweeper.
type StoreConfig struct {
	Dir           string        `yaml:"dir"`
	InMemory      bool          `yaml:"in_memory"`
	SyncWrites    bool          `yaml:"sync_writes"`
	GCInterval    time.Duration `yaml:"gc_interval"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	RetainExpired time.Duration `yaml:"retain_expired"`
}

// MetricsConfig controls OTLP metric export.
type MetricsConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Endpoint       string        `yaml:"endpoint"`
	ExportInterval time.Duration `yaml:"export_interval"`
	ServiceName    string        `yaml:"service_name"`
}

// LogConfig selects the logrus level and formatter.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	return &Config{
		DeviceID: "device",
		API: APIConfig{
			BaseURL:       "http://127.0.0.1:8080",
			Timeout:       10 * time.Second,
			RetryAttempts: 3,
			RateLimit:     20,
			RateBurst:     40,
		},
		Streaming: StreamingConfig{
			ReconnectMin: time.Second,
			ReconnectMax: 60 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Polling: PollingConfig{
			Enabled:          true,
			Interval:         30 * time.Second,
			RequestTimeout:   10 * time.Second,
			FailureThreshold: 3,
		},
		Controller: ControllerConfig{
			GracePeriod:    15 * time.Second,
			ProbeMin:       time.Second,
			ProbeMax:       60 * time.Second,
			ConnectTimeout: 10 * time.Second,
		},
		Delivery: DeliveryConfig{
			MaxAttempts: 5,
			AckTimeout:  30 * time.Second,
			MaxAckWait:  8 * time.Minute,
			SendTimeout: 10 * time.Second,
		},
		Reconcile: ReconcileConfig{
			FetchTimeout:    10 * time.Second,
			MaxAttempts:     3,
			RetryBackoff:    time.Second,
			Overlap:         5 * time.Minute,
			BreakerFailures: 5,
			BreakerReset:    30 * time.Second,
			Parallelism:     4,
		},
		Store: StoreConfig{
			InMemory:      true,
			GCInterval:    5 * time.Minute,
			SweepInterval: time.Minute,
			RetainExpired: 24 * time.Hour,
		},
		Metrics: MetricsConfig{
			ExportInterval: 10 * time.Second,
			ServiceName:    "toxrelay",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML configuration file over the defaults and then applies
// TOXRELAY_* environment overrides. An empty or missing filename yields the
// defaults plus overrides.
func Load(filename string) (*Config, error) {
	cfg := Default()

	if filename != "" {
		data, err := os.ReadFile(filename)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	ApplyEnvironmentOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Marshal renders the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.DeviceID == "" {
		return fmt.Errorf("device_id cannot be empty")
	}
	if c.Streaming.URL == "" && !c.Polling.Enabled {
		return fmt.Errorf("at least one of streaming.url or polling.enabled is required")
	}
	if !c.UseSimulation && c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url cannot be empty")
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("api.timeout must be positive")
	}
	if c.API.RetryAttempts < 0 {
		return fmt.Errorf("api.retry_attempts cannot be negative")
	}
	if c.API.RateLimit < 0 || c.API.RateBurst < 0 {
		return fmt.Errorf("api.rate_limit and api.rate_burst cannot be negative")
	}
	if c.Streaming.ReconnectMin > c.Streaming.ReconnectMax {
		return fmt.Errorf("streaming.reconnect_min cannot exceed streaming.reconnect_max")
	}
	if c.Polling.Enabled && c.Polling.Interval <= 0 {
		return fmt.Errorf("polling.interval must be positive")
	}
	if c.Controller.GracePeriod < 0 {
		return fmt.Errorf("controller.grace_period cannot be negative")
	}
	if c.Controller.ProbeMin > c.Controller.ProbeMax {
		return fmt.Errorf("controller.probe_min cannot exceed controller.probe_max")
	}
	if c.Delivery.MaxAttempts < 1 {
		return fmt.Errorf("delivery.max_attempts must be at least 1")
	}
	if c.Delivery.AckTimeout <= 0 {
		return fmt.Errorf("delivery.ack_timeout must be positive")
	}
	if c.Delivery.MaxAckWait < c.Delivery.AckTimeout {
		return fmt.Errorf("delivery.max_ack_wait cannot be shorter than delivery.ack_timeout")
	}
	if c.Reconcile.MaxAttempts < 1 {
		return fmt.Errorf("reconcile.max_attempts must be at least 1")
	}
	if c.Reconcile.Overlap < 0 {
		return fmt.Errorf("reconcile.overlap cannot be negative")
	}
	if c.Reconcile.Parallelism < 1 {
		return fmt.Errorf("reconcile.parallelism must be at least 1")
	}
	if !c.Store.InMemory && c.Store.Dir == "" {
		return fmt.Errorf("store.dir required when store.in_memory is false")
	}
	if c.Store.SweepInterval <= 0 {
		return fmt.Errorf("store.sweep_interval must be positive")
	}
	if c.Metrics.Enabled && c.Metrics.Endpoint == "" {
		return fmt.Errorf("metrics.endpoint required when metrics are enabled")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}
