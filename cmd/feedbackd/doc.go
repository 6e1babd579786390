// Package main hosts the feedbackd entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server onboards owners, triggers and resets pipeline runs, and reports ledger
//     progress. Requests are validated, persisted through the owner store, and enqueued as run requests.
//   - Dispatcher & queue: run requests flow through the in-memory queue or a Pub/Sub subscription and are fanned
//     out to queue.workers workers. Each worker drives pipeline.Orchestrator for one owner at a time.
//   - Pipeline: ingestion walks the App Store, Google Play, Reddit, Trustpilot, and Twitter sub-steps in order,
//     resuming from the ledger's saved cursors; enrichment labels unlabeled records and backfills embeddings.
//     Failed steps retry after pipeline.retry_delay until pipeline.max_retries is exceeded.
//   - Persistence: owners, ledgers, and records live in Postgres (pgx), SQLite, or memory. Raw batches are
//     optionally archived as JSONL to GCS or local disk.
//   - Plumbing: Viper populates config from YAML and FEEDBACK_* env vars; zap provides structured logging;
//     Prometheus metrics are exported on /metrics; the progress hub fans lifecycle events out to log, metric,
//     and Pub/Sub sinks.
//
// Commands:
//   - feedbackd serve: API plus workers until SIGINT/SIGTERM.
//   - feedbackd onboard -f owners.yaml [--enqueue]: register owners from a file.
//   - feedbackd run --owner <id> [--reset]: drive one owner's pipeline in the foreground.
//   - feedbackd enrich: one labeling and embedding pass over every owner's records.
//   - feedbackd migrate: apply the Postgres schema.
package main
