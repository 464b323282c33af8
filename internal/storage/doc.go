// Package storage defines the record store contract every shard backend
// satisfies and provides the in-memory implementation used for embedded
// shards and tests.
//
// # Overview
//
// A shard is an independent store holding a partition of records. The
// coordinator never talks to a storage engine directly; it receives an opaque
// Store and drives it through a small set of operations: insert, delete,
// count, scan-all and transactional scopes. Backends translate failures into
// *StoreError so callers can tell a store failure from a programming error.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│   Router / Migrator / HTTP surface  │
//	└─────────────────────────────────────┘
//	                 │
//	                 ▼
//	┌─────────────────────────────────────┐
//	│        Store / Tx interfaces        │
//	└─────────────────────────────────────┘
//	                 │
//	        ┌────────┴────────┐
//	        ▼                 ▼
//	┌──────────────┐  ┌──────────────┐
//	│ MemoryStore  │  │   pgstore    │
//	│ (in-process) │  │ (PostgreSQL) │
//	└──────────────┘  └──────────────┘
//
// # Transactions
//
// Begin opens a scope whose writes stay invisible to other readers until
// Commit. Reads through the Tx observe its own pending writes, which is what
// the migration verification step relies on: after copying candidates into
// the target scope it recounts them through the same scope before anything is
// committed.
//
// Commit and Rollback close the scope. Calling either on a closed scope
// returns ErrTxClosed, so a deferred Rollback after a successful Commit is
// harmless.
//
// MemoryStore applies a committed scope under its write lock, so concurrent
// readers see either none or all of it. Two scopes touching the same key are
// not detected; the last commit wins. Migrations serialize per shard pair, so
// this is acceptable for the embedded backend.
//
// # Error Handling
//
//   - ErrKeyNotFound: Get on a missing key
//   - ErrTxClosed: Commit/Rollback/writes on a finished scope
//   - ErrClosed: any operation on a closed store
//   - *StoreError: a backend failure, wrapping its cause
//
// # Usage Example
//
//	store := storage.NewMemoryStore()
//	tx, err := store.Begin(ctx)
//	if err != nil {
//	    return err
//	}
//	defer tx.Rollback(ctx)
//
//	if err := tx.Insert(ctx, storage.Record{Key: "user:1", Value: []byte("{}")}); err != nil {
//	    return err
//	}
//	return tx.Commit(ctx)
package storage
