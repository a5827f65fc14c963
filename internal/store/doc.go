// Package store provides the dispatch audit ledger using SQLite.
//
// The ledger records every command operators send through the relay: the
// scope, selector, command body, and how many agents matched and received it.
// It is an append-only history for operators and is never read back into the
// connection registry, which is purely in-memory.
//
// SQLiteStore uses modernc.org/sqlite (pure Go, no cgo) in WAL mode.
// Timestamps are stored as RFC3339 text in UTC.
package store
