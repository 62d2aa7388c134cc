package factory

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/opd-ai/toxrelay"
	"github.com/opd-ai/toxrelay/config"
	"github.com/opd-ai/toxrelay/delivery"
	"github.com/opd-ai/toxrelay/interfaces"
	"github.com/opd-ai/toxrelay/metrics"
	"github.com/opd-ai/toxrelay/persist"
	"github.com/opd-ai/toxrelay/real"
	"github.com/opd-ai/toxrelay/reconcile"
	simtest "github.com/opd-ai/toxrelay/testing"
	"github.com/opd-ai/toxrelay/transport"
	"github.com/sirupsen/logrus"
)

// Collaborators is everything a Relay needs from the outside world.
type Collaborators struct {
	Primary    transport.Transport
	Fallback   transport.Transport
	Fetcher    interfaces.MessageFetcher
	Authorizer interfaces.Authorizer

	// Ledger is set when the configuration asks for an on-disk store.
	Ledger *persist.BadgerStore

	// Simulation is the in-memory server behind a simulated build.
	Simulation *simtest.SimServer
}

// Close releases the ledger, if any.
func (c *Collaborators) Close() error {
	if c.Ledger == nil {
		return nil
	}
	return c.Ledger.Close()
}

// RelayFactory creates relay collaborators from configuration, either
// against the real API or against an in-memory simulation.
// It is safe for concurrent use.
type RelayFactory struct {
	mu     sync.RWMutex
	config *config.Config
}

// TestConfigOption is a functional option for customizing test simulation configuration.
type TestConfigOption func(*config.Config)

// NewRelayFactory creates a factory over cfg. A nil cfg selects the defaults
// with TOXRELAY_* environment overrides applied.
func NewRelayFactory(cfg *config.Config) (*RelayFactory, error) {
	if cfg == nil {
		cfg = config.Default()
		config.ApplyEnvironmentOverrides(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":        "NewRelayFactory",
		"device_id":       cfg.DeviceID,
		"use_simulation":  cfg.UseSimulation,
		"network_timeout": cfg.API.Timeout,
		"retry_attempts":  cfg.API.RetryAttempts,
		"streaming":       cfg.Streaming.URL != "",
		"polling":         cfg.Polling.Enabled,
	}).Info("Created relay factory with configuration")

	copied := *cfg
	return &RelayFactory{config: &copied}, nil
}

// Build creates the collaborators for the current mode. onMalformed, when
// set, is told about every inbound frame dropped by a decoder.
func (f *RelayFactory) Build(clock interfaces.Clock, onMalformed transport.MalformedHandler) (*Collaborators, error) {
	cfg := f.GetCurrentConfig()

	var (
		c   *Collaborators
		err error
	)
	if cfg.UseSimulation {
		c, err = buildSimulated(cfg, simtest.NewSimServer(clock), clock)
	} else {
		c, err = buildReal(cfg, clock, onMalformed)
	}
	if err != nil {
		return nil, err
	}

	if !cfg.Store.InMemory {
		ledger, err := persist.Open(persist.Config{
			Dir:        cfg.Store.Dir,
			SyncWrites: cfg.Store.SyncWrites,
			GCInterval: cfg.Store.GCInterval,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open message ledger: %w", err)
		}
		c.Ledger = ledger
	}
	return c, nil
}

func buildSimulated(cfg *config.Config, server *simtest.SimServer, clock interfaces.Clock) (*Collaborators, error) {
	logrus.WithFields(logrus.Fields{
		"function":  "buildSimulated",
		"device_id": cfg.DeviceID,
		"type":      "simulation",
	}).Info("Creating simulated relay collaborators")

	c := &Collaborators{
		Fetcher:    server,
		Authorizer: server,
		Simulation: server,
	}
	if cfg.Streaming.URL != "" {
		c.Primary = server.Stream(cfg.DeviceID)
	}
	if cfg.Polling.Enabled {
		poller, err := newPoller(cfg, server, clock)
		if err != nil {
			return nil, err
		}
		c.Fallback = poller
	}
	return c, nil
}

func buildReal(cfg *config.Config, clock interfaces.Clock, onMalformed transport.MalformedHandler) (*Collaborators, error) {
	logrus.WithFields(logrus.Fields{
		"function": "buildReal",
		"base_url": cfg.API.BaseURL,
		"type":     "real",
	}).Info("Creating real relay collaborators")

	opts := []real.Option{
		real.WithToken(cfg.API.Token),
		real.WithRateLimit(cfg.API.RateLimit, cfg.API.RateBurst),
		real.WithMalformedHandler(onMalformed),
	}
	if clock != nil {
		opts = append(opts, real.WithClock(clock))
	}
	client, err := real.NewHTTPClient(cfg.API.BaseURL, interfaces.CollaboratorConfig{
		NetworkTimeout: cfg.API.Timeout,
		RetryAttempts:  cfg.API.RetryAttempts,
	}, opts...)
	if err != nil {
		return nil, err
	}

	c := &Collaborators{Fetcher: client, Authorizer: client}

	if cfg.Streaming.URL != "" {
		header := http.Header{}
		if cfg.API.Token != "" {
			header.Set("Authorization", "Bearer "+cfg.API.Token)
		}
		stream, err := transport.NewStreamingTransport(transport.StreamingConfig{
			URL:          cfg.Streaming.URL,
			Header:       header,
			ReconnectMin: cfg.Streaming.ReconnectMin,
			ReconnectMax: cfg.Streaming.ReconnectMax,
			WriteTimeout: cfg.Streaming.WriteTimeout,
			Clock:        clock,
			OnMalformed:  onMalformed,
		})
		if err != nil {
			return nil, err
		}
		c.Primary = stream
	}
	if cfg.Polling.Enabled {
		poller, err := newPoller(cfg, client, clock)
		if err != nil {
			return nil, err
		}
		c.Fallback = poller
	}
	return c, nil
}

func newPoller(cfg *config.Config, client transport.PollClient, clock interfaces.Clock) (*transport.PollingTransport, error) {
	return transport.NewPollingTransport(client, transport.PollingConfig{
		DeviceID:         cfg.DeviceID,
		Interval:         cfg.Polling.Interval,
		RequestTimeout:   cfg.Polling.RequestTimeout,
		FailureThreshold: cfg.Polling.FailureThreshold,
		Clock:            clock,
	})
}

// Options maps the configuration and c onto relay options. m may be nil.
func (f *RelayFactory) Options(c *Collaborators, m *metrics.Metrics, clock interfaces.Clock) *toxrelay.Options {
	cfg := f.GetCurrentConfig()

	options := toxrelay.NewOptions()
	options.DeviceID = cfg.DeviceID
	options.Primary = c.Primary
	options.Fallback = c.Fallback
	options.Fetcher = c.Fetcher
	options.Authorizer = c.Authorizer
	if c.Ledger != nil {
		options.Ledger = c.Ledger
	}
	options.Metrics = m
	options.Clock = clock
	options.Controller = transport.ControllerConfig{
		GracePeriod:    cfg.Controller.GracePeriod,
		ProbeMin:       cfg.Controller.ProbeMin,
		ProbeMax:       cfg.Controller.ProbeMax,
		ConnectTimeout: cfg.Controller.ConnectTimeout,
	}
	options.Delivery = delivery.Config{
		MaxAttempts: cfg.Delivery.MaxAttempts,
		AckTimeout:  cfg.Delivery.AckTimeout,
		MaxAckWait:  cfg.Delivery.MaxAckWait,
		SendTimeout: cfg.Delivery.SendTimeout,
	}
	options.Reconcile = reconcile.Config{
		FetchTimeout:    cfg.Reconcile.FetchTimeout,
		MaxAttempts:     cfg.Reconcile.MaxAttempts,
		RetryBackoff:    cfg.Reconcile.RetryBackoff,
		Overlap:         cfg.Reconcile.Overlap,
		BreakerFailures: cfg.Reconcile.BreakerFailures,
		BreakerReset:    cfg.Reconcile.BreakerReset,
		Parallelism:     cfg.Reconcile.Parallelism,
	}
	options.SweepInterval = cfg.Store.SweepInterval
	options.RetainExpired = cfg.Store.RetainExpired
	options.AuthTimeout = cfg.API.Timeout
	return options
}

// NewRelay builds the collaborators and a relay over them. The returned
// collaborators must be closed after the relay is shut down.
func (f *RelayFactory) NewRelay(m *metrics.Metrics, clock interfaces.Clock) (*toxrelay.Relay, *Collaborators, error) {
	var onMalformed transport.MalformedHandler
	if m != nil {
		onMalformed = func(source transport.Kind, _ error) {
			m.RecordMalformed(context.Background(), source.String())
		}
	}

	c, err := f.Build(clock, onMalformed)
	if err != nil {
		return nil, nil, err
	}
	relay, err := toxrelay.New(f.Options(c, m, clock))
	if err != nil {
		c.Close()
		return nil, nil, err
	}
	return relay, c, nil
}

// WithDeviceID sets the device identifier for the test configuration.
func WithDeviceID(deviceID string) TestConfigOption {
	return func(c *config.Config) {
		c.DeviceID = deviceID
	}
}

// WithPollingOnly runs the test configuration without a streaming session.
func WithPollingOnly() TestConfigOption {
	return func(c *config.Config) {
		c.Streaming.URL = ""
		c.Polling.Enabled = true
	}
}

// WithMaxAttempts sets the delivery attempt bound for the test configuration.
func WithMaxAttempts(attempts int) TestConfigOption {
	return func(c *config.Config) {
		c.Delivery.MaxAttempts = attempts
	}
}

// CreateSimulationForTesting creates simulated collaborators over server.
// Default test configuration uses a streaming session plus polling, an
// in-memory store and a single API retry.
func (f *RelayFactory) CreateSimulationForTesting(server *simtest.SimServer, clock interfaces.Clock, opts ...TestConfigOption) (*Collaborators, error) {
	testConfig := f.GetCurrentConfig()
	testConfig.UseSimulation = true
	testConfig.Streaming.URL = "sim://stream"
	testConfig.Polling.Enabled = true
	testConfig.Store.InMemory = true
	testConfig.API.RetryAttempts = 1

	for _, opt := range opts {
		opt(testConfig)
	}
	if err := testConfig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid test configuration: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":  "CreateSimulationForTesting",
		"device_id": testConfig.DeviceID,
		"streaming": testConfig.Streaming.URL != "",
	}).Info("Creating simulation collaborators for testing")

	if server == nil {
		server = simtest.NewSimServer(clock)
	}
	return buildSimulated(testConfig, server, clock)
}

// SwitchToSimulation switches the configuration to use simulation
func (f *RelayFactory) SwitchToSimulation() {
	f.mu.Lock()
	defer f.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "SwitchToSimulation",
		"previous": f.config.UseSimulation,
	}).Info("Switching factory to simulation mode")

	f.config.UseSimulation = true
}

// SwitchToReal switches the configuration to use the real API
func (f *RelayFactory) SwitchToReal() {
	f.mu.Lock()
	defer f.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "SwitchToReal",
		"previous": f.config.UseSimulation,
	}).Info("Switching factory to real mode")

	f.config.UseSimulation = false
}

// IsUsingSimulation returns true if the factory is configured for simulation
func (f *RelayFactory) IsUsingSimulation() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.config.UseSimulation
}

// GetCurrentConfig returns a copy of the current configuration
func (f *RelayFactory) GetCurrentConfig() *config.Config {
	f.mu.RLock()
	defer f.mu.RUnlock()
	copied := *f.config
	return &copied
}

// UpdateConfig replaces the factory's configuration
func (f *RelayFactory) UpdateConfig(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":       "UpdateConfig",
		"old_simulation": f.config.UseSimulation,
		"new_simulation": cfg.UseSimulation,
		"old_device_id":  f.config.DeviceID,
		"new_device_id":  cfg.DeviceID,
	}).Info("Updating factory configuration")

	copied := *cfg
	f.config = &copied
	return nil
}
