package config

import (
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TOXRELAY_"

// Bounds for numeric environment overrides.
const (
	// MinTimeout is the smallest accepted duration override.
	MinTimeout = 100 * time.Millisecond
	// MaxTimeout is the largest accepted duration override (1 hour).
	MaxTimeout = time.Hour
	// MinAttempts is the smallest accepted attempt count.
	MinAttempts = 1
	// MaxAttempts is the largest accepted attempt count.
	MaxAttempts = 100
)

// ApplyEnvironmentOverrides updates cfg from TOXRELAY_* environment
// variables. A value that fails to parse or is out of bounds is logged and
// the existing setting is kept.
func ApplyEnvironmentOverrides(cfg *Config) {
	parseStringSetting("DEVICE_ID", &cfg.DeviceID)
	parseBoolSetting("USE_SIMULATION", &cfg.UseSimulation)

	parseStringSetting("API_URL", &cfg.API.BaseURL)
	parseStringSetting("API_TOKEN", &cfg.API.Token)
	parseDurationSetting("NETWORK_TIMEOUT", &cfg.API.Timeout)
	parseIntSetting("RETRY_ATTEMPTS", &cfg.API.RetryAttempts, 0, MaxAttempts)

	parseStringSetting("STREAM_URL", &cfg.Streaming.URL)
	parseBoolSetting("POLLING_ENABLED", &cfg.Polling.Enabled)
	parseDurationSetting("POLL_INTERVAL", &cfg.Polling.Interval)
	parseDurationSetting("GRACE_PERIOD", &cfg.Controller.GracePeriod)

	parseIntSetting("MAX_ATTEMPTS", &cfg.Delivery.MaxAttempts, MinAttempts, MaxAttempts)
	parseDurationSetting("ACK_TIMEOUT", &cfg.Delivery.AckTimeout)

	parseStringSetting("STORE_DIR", &cfg.Store.Dir)
	if os.Getenv(EnvPrefix+"STORE_DIR") != "" {
		cfg.Store.InMemory = false
	}

	parseBoolSetting("METRICS_ENABLED", &cfg.Metrics.Enabled)
	parseStringSetting("METRICS_ENDPOINT", &cfg.Metrics.Endpoint)

	parseStringSetting("LOG_LEVEL", &cfg.Log.Level)
	parseStringSetting("LOG_FORMAT", &cfg.Log.Format)
}

func parseStringSetting(name string, target *string) {
	if value := os.Getenv(EnvPrefix + name); value != "" {
		*target = value
	}
}

// parseBoolSetting updates target from a boolean environment variable. It
// logs a warning if parsing fails and only updates target on success.
func parseBoolSetting(name string, target *bool) {
	value := os.Getenv(EnvPrefix + name)
	if value == "" {
		return
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "parseBoolSetting",
			"env_var":     EnvPrefix + name,
			"value":       value,
			"error":       err.Error(),
			"using_value": *target,
		}).Warn("Failed to parse environment variable, using default")
		return
	}
	*target = parsed
}

// parseIntSetting updates target from an integer environment variable,
// rejecting values outside [min, max].
func parseIntSetting(name string, target *int, min, max int) {
	value := os.Getenv(EnvPrefix + name)
	if value == "" {
		return
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "parseIntSetting",
			"env_var":     EnvPrefix + name,
			"value":       value,
			"error":       err.Error(),
			"using_value": *target,
		}).Warn("Failed to parse environment variable, using default")
		return
	}
	if parsed < min || parsed > max {
		logrus.WithFields(logrus.Fields{
			"function":    "parseIntSetting",
			"env_var":     EnvPrefix + name,
			"value":       parsed,
			"min":         min,
			"max":         max,
			"using_value": *target,
		}).Warn("Environment variable out of bounds, using default")
		return
	}
	*target = parsed
}

// parseDurationSetting updates target from a Go duration string such as
// "30s", rejecting values outside [MinTimeout, MaxTimeout].
func parseDurationSetting(name string, target *time.Duration) {
	value := os.Getenv(EnvPrefix + name)
	if value == "" {
		return
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "parseDurationSetting",
			"env_var":     EnvPrefix + name,
			"value":       value,
			"error":       err.Error(),
			"using_value": *target,
		}).Warn("Failed to parse environment variable, using default")
		return
	}
	if parsed < MinTimeout || parsed > MaxTimeout {
		logrus.WithFields(logrus.Fields{
			"function":    "parseDurationSetting",
			"env_var":     EnvPrefix + name,
			"value":       parsed,
			"min":         MinTimeout,
			"max":         MaxTimeout,
			"using_value": *target,
		}).Warn("Environment variable out of bounds, using default")
		return
	}
	*target = parsed
}
