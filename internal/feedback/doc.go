// Package feedback defines the core types shared across the ingestion,
// enrichment, and orchestration subsystems: owners, normalized records,
// the progress ledger, resume cursors, and the collaborator interfaces
// implemented by storage, source adapters, and enrichment clients.
package feedback
