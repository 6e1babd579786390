// Package progress carries pipeline lifecycle events (runs, steps, sub-steps,
// committed batches, enrichment passes) from the orchestrator to pluggable
// sinks. The Hub batches events on a background goroutine so emitters never
// block on logging, metrics, or event publishing.
package progress
