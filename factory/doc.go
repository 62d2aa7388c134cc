// Package factory builds relay collaborators from configuration.
//
// The factory abstracts the creation of transports, the fetch and
// authorization client and the message ledger, allowing seamless switching
// between the in-memory simulation and the real API without changing
// consuming code.
//
// # Configuration
//
// The factory reads a config.Config. A nil configuration selects the
// defaults with TOXRELAY_* environment overrides applied, including
// TOXRELAY_USE_SIMULATION.
//
// # Usage
//
//	factory, err := factory.NewRelayFactory(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	relay, collaborators, err := factory.NewRelay(metrics, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer collaborators.Close()
//
// # Testing Support
//
// CreateSimulationForTesting wires collaborators to a SimServer with a
// streaming session and the polling fallback:
//
//	server := testing.NewSimServer(nil)
//	c, err := factory.CreateSimulationForTesting(server, nil, WithDeviceID("alice"))
//
// # Mode Switching
//
//	factory.SwitchToSimulation()
//	factory.SwitchToReal()
package factory
