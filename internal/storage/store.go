package storage

//go:generate mockgen -source=store.go -destination=mock/mock_store.go -package=mock

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrKeyNotFound is returned when a key doesn't exist in the store
	ErrKeyNotFound = errors.New("key not found")

	// ErrTxClosed is returned when a transaction is used after Commit or Rollback
	ErrTxClosed = errors.New("transaction is closed")

	// ErrClosed is returned when a store is used after Close
	ErrClosed = errors.New("store is closed")
)

// StoreError wraps a failure reported by a storage backend.
type StoreError struct {
	Op  string // Operation that failed, e.g. "insert"
	Err error  // Underlying cause
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Record is a keyed entry held by a shard.
type Record struct {
	Key   string `db:"key" json:"key"`
	Value []byte `db:"value" json:"value"`
}

// StoreStats contains statistics about the store
type StoreStats struct {
	Keys  int `json:"keys"`  // Number of keys
	Bytes int `json:"bytes"` // Total size of all values in bytes
}

// Store is the contract a shard backend implements.
// All implementations must be safe for concurrent use.
type Store interface {
	// Init prepares the backend for use, e.g. creates tables.
	// It must be idempotent.
	Init(ctx context.Context) error

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	// Insert stores records, overwriting existing keys.
	Insert(ctx context.Context, records ...Record) error

	// Get retrieves a record by key.
	// Returns ErrKeyNotFound if the key doesn't exist.
	Get(ctx context.Context, key string) (Record, error)

	// Delete removes keys and returns how many existed.
	Delete(ctx context.Context, keys ...string) (int, error)

	// Count returns how many of the given keys are present.
	Count(ctx context.Context, keys ...string) (int, error)

	// ScanAll returns every record in the store.
	// Order is not guaranteed.
	ScanAll(ctx context.Context) ([]Record, error)

	// Stats returns storage statistics.
	Stats(ctx context.Context) (StoreStats, error)

	// Begin opens a transactional scope.
	Begin(ctx context.Context) (Tx, error)

	// Close releases backend resources.
	Close() error
}

// Tx is a transactional scope on a single store.
type Tx interface {
	Insert(ctx context.Context, records ...Record) error
	// InsertMissing stores only the records whose key is absent, both when
	// called and at commit, and returns how many it staged. Existing values
	// are never overwritten.
	InsertMissing(ctx context.Context, records ...Record) (int, error)
	Delete(ctx context.Context, keys ...string) (int, error)
	Count(ctx context.Context, keys ...string) (int, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Keys returns the keys of records, in order.
func Keys(records []Record) []string {
	keys := make([]string, len(records))
	for i, r := range records {
		keys[i] = r.Key
	}
	return keys
}
