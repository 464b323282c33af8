package shard

import (
	"context"

	"go.uber.org/atomic"

	"github.com/dreamware/ringshard/internal/storage"
)

// Shard is a handle on one shard's store. It implements storage.Store and
// counts the operations that pass through it.
type Shard struct {
	ID         string        // Unique shard identifier
	ConnString string        // Connection string the store was dialed with
	store      storage.Store // The storage backend for this shard
	ops        opCounters
}

var _ storage.Store = (*Shard)(nil)

// opCounters tracks operation counts
type opCounters struct {
	gets    atomic.Uint64
	inserts atomic.Uint64
	deletes atomic.Uint64
	scans   atomic.Uint64
	txs     atomic.Uint64
}

// OperationStats is a snapshot of the operation counters
type OperationStats struct {
	Gets    uint64 `json:"gets"`    // Number of get operations
	Inserts uint64 `json:"inserts"` // Number of records inserted
	Deletes uint64 `json:"deletes"` // Number of keys deleted
	Scans   uint64 `json:"scans"`   // Number of full scans
	Txs     uint64 `json:"txs"`     // Number of transactional scopes opened
}

// Stats combines operation counts with storage statistics
type Stats struct {
	Ops     OperationStats     `json:"ops"`
	Storage storage.StoreStats `json:"storage"`
}

// Info contains metadata about a shard
type Info struct {
	ID       string `json:"id"`
	KeyCount int    `json:"key_count"`
	ByteSize int    `json:"byte_size"`
}

// New wraps store in a shard handle.
func New(id, connString string, store storage.Store) *Shard {
	return &Shard{
		ID:         id,
		ConnString: connString,
		store:      store,
	}
}

// Store returns the wrapped backend.
func (s *Shard) Store() storage.Store {
	return s.store
}

func (s *Shard) Init(ctx context.Context) error {
	return s.store.Init(ctx)
}

func (s *Shard) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Get retrieves a record from the shard
// Increments get counter for statistics
func (s *Shard) Get(ctx context.Context, key string) (storage.Record, error) {
	s.ops.gets.Inc()
	return s.store.Get(ctx, key)
}

// Insert stores records in the shard
// Increments insert counter for statistics
func (s *Shard) Insert(ctx context.Context, records ...storage.Record) error {
	s.ops.inserts.Add(uint64(len(records)))
	return s.store.Insert(ctx, records...)
}

// Delete removes keys from the shard
// Increments delete counter for statistics
func (s *Shard) Delete(ctx context.Context, keys ...string) (int, error) {
	s.ops.deletes.Add(uint64(len(keys)))
	return s.store.Delete(ctx, keys...)
}

func (s *Shard) Count(ctx context.Context, keys ...string) (int, error) {
	return s.store.Count(ctx, keys...)
}

func (s *Shard) ScanAll(ctx context.Context) ([]storage.Record, error) {
	s.ops.scans.Inc()
	return s.store.ScanAll(ctx)
}

func (s *Shard) Stats(ctx context.Context) (storage.StoreStats, error) {
	return s.store.Stats(ctx)
}

func (s *Shard) Begin(ctx context.Context) (storage.Tx, error) {
	s.ops.txs.Inc()
	return s.store.Begin(ctx)
}

func (s *Shard) Close() error {
	return s.store.Close()
}

// OpStats returns the current operation counters
func (s *Shard) OpStats() OperationStats {
	return OperationStats{
		Gets:    s.ops.gets.Load(),
		Inserts: s.ops.inserts.Load(),
		Deletes: s.ops.deletes.Load(),
		Scans:   s.ops.scans.Load(),
		Txs:     s.ops.txs.Load(),
	}
}

// GetStats returns operation counters and storage statistics
func (s *Shard) GetStats(ctx context.Context) (Stats, error) {
	storageStats, err := s.store.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Ops:     s.OpStats(),
		Storage: storageStats,
	}, nil
}

// Info returns metadata about the shard
func (s *Shard) Info(ctx context.Context) (Info, error) {
	storageStats, err := s.store.Stats(ctx)
	if err != nil {
		return Info{}, err
	}
	return Info{
		ID:       s.ID,
		KeyCount: storageStats.Keys,
		ByteSize: storageStats.Bytes,
	}, nil
}
