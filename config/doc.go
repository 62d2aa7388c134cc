// Package config loads relay configuration from YAML with TOXRELAY_*
// environment overrides.
//
// Load starts from Default, overlays the YAML file when it exists, applies
// environment overrides and validates the result:
//
//	cfg, err := config.Load("toxrelay.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := config.SetupLogging(cfg.Log); err != nil {
//	    log.Fatal(err)
//	}
//
// Recognized environment variables:
//   - TOXRELAY_DEVICE_ID, TOXRELAY_USE_SIMULATION
//   - TOXRELAY_API_URL, TOXRELAY_API_TOKEN, TOXRELAY_NETWORK_TIMEOUT, TOXRELAY_RETRY_ATTEMPTS
//   - TOXRELAY_STREAM_URL, TOXRELAY_POLLING_ENABLED, TOXRELAY_POLL_INTERVAL, TOXRELAY_GRACE_PERIOD
//   - TOXRELAY_MAX_ATTEMPTS, TOXRELAY_ACK_TIMEOUT
//   - TOXRELAY_STORE_DIR (switches the ledger to disk)
//   - TOXRELAY_METRICS_ENABLED, TOXRELAY_METRICS_ENDPOINT
//   - TOXRELAY_LOG_LEVEL, TOXRELAY_LOG_FORMAT
//
// Durations use Go syntax ("30s", "2m"). Invalid or out-of-range values are
// logged and ignored.
package config
