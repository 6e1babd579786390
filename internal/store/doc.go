// Package store defines interfaces for persistence dependencies (ledgers,
// feedback records, owner profiles). Implementations live in the storage
// packages; this package must not import database drivers or concrete clients.
package store
