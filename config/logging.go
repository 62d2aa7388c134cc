package config

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// SetupLogging applies the log level and formatter to the global logrus
// logger.
func SetupLogging(cfg LogConfig) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	logrus.SetLevel(level)

	switch cfg.Format {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	case "", "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("unknown log format %q", cfg.Format)
	}

	logrus.WithFields(logrus.Fields{
		"function": "SetupLogging",
		"level":    level.String(),
		"format":   cfg.Format,
	}).Debug("Logging configured")
	return nil
}
