// Package sinks implements progress consumers: structured logging,
// Prometheus collectors, and an event publisher that forwards terminal run
// outcomes to a topic. Each sink satisfies progress.Sink.
package sinks
