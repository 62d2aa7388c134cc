// Package metrics exposes OpenTelemetry counters for delivery attempts,
// state changes, transport gaps and reconciliations.
//
// Metrics satisfies the observer interfaces of the delivery and reconcile
// packages. Instruments are created on the given MeterProvider, or on the
// global provider when none is given.
package metrics
