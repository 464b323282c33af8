package storage

import (
	"context"
	"sync"
)

// MemoryStore implements Store interface with in-memory storage
// Uses sync.RWMutex for thread-safe concurrent access
type MemoryStore struct {
	mu     sync.RWMutex      // Protects concurrent access
	data   map[string][]byte // Key-value storage
	closed bool
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string][]byte),
	}
}

// Init is a no-op; the map is ready on construction.
func (m *MemoryStore) Init(ctx context.Context) error {
	return m.check(ctx, "init")
}

// Ping reports ErrClosed once the store has been closed.
func (m *MemoryStore) Ping(ctx context.Context) error {
	return m.check(ctx, "ping")
}

// Insert stores copies of the records
func (m *MemoryStore) Insert(ctx context.Context, records ...Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkLocked(ctx, "insert"); err != nil {
		return err
	}
	for _, r := range records {
		m.data[r.Key] = clone(r.Value)
	}
	return nil
}

// Get retrieves a record by key
// Returns a copy of the value to prevent external modification
func (m *MemoryStore) Get(ctx context.Context, key string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.checkLocked(ctx, "get"); err != nil {
		return Record{}, err
	}
	value, exists := m.data[key]
	if !exists {
		return Record{}, ErrKeyNotFound
	}
	return Record{Key: key, Value: clone(value)}, nil
}

// Delete removes keys
// Missing keys are ignored (idempotent)
func (m *MemoryStore) Delete(ctx context.Context, keys ...string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkLocked(ctx, "delete"); err != nil {
		return 0, err
	}
	n := 0
	for _, key := range keys {
		if _, exists := m.data[key]; exists {
			delete(m.data, key)
			n++
		}
	}
	return n, nil
}

// Count returns how many of the keys are present
func (m *MemoryStore) Count(ctx context.Context, keys ...string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.checkLocked(ctx, "count"); err != nil {
		return 0, err
	}
	n := 0
	for _, key := range dedup(keys) {
		if _, exists := m.data[key]; exists {
			n++
		}
	}
	return n, nil
}

// ScanAll returns copies of all records
func (m *MemoryStore) ScanAll(ctx context.Context) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.checkLocked(ctx, "scan"); err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(m.data))
	for key, value := range m.data {
		records = append(records, Record{Key: key, Value: clone(value)})
	}
	return records, nil
}

// Stats returns storage statistics
func (m *MemoryStore) Stats(ctx context.Context) (StoreStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.checkLocked(ctx, "stats"); err != nil {
		return StoreStats{}, err
	}
	totalBytes := 0
	for _, value := range m.data {
		totalBytes += len(value)
	}
	return StoreStats{
		Keys:  len(m.data),
		Bytes: totalBytes,
	}, nil
}

// Begin opens a scope buffering writes until Commit
func (m *MemoryStore) Begin(ctx context.Context) (Tx, error) {
	if err := m.check(ctx, "begin"); err != nil {
		return nil, err
	}
	return &memoryTx{
		store:   m,
		writes:  make(map[string][]byte),
		missing: make(map[string][]byte),
		deletes: make(map[string]struct{}),
	}, nil
}

// Close marks the store closed; the data is dropped.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.data = make(map[string][]byte)
	return nil
}

func (m *MemoryStore) check(ctx context.Context, op string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.checkLocked(ctx, op)
}

// m.mu must be held.
func (m *MemoryStore) checkLocked(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.closed {
		return &StoreError{Op: op, Err: ErrClosed}
	}
	return nil
}

// memoryTx buffers writes against a MemoryStore.
type memoryTx struct {
	store   *MemoryStore
	mu      sync.Mutex
	writes  map[string][]byte
	missing map[string][]byte // applied at commit only if still absent
	deletes map[string]struct{}
	done    bool
}

func (tx *memoryTx) Insert(ctx context.Context, records ...Record) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.check(ctx); err != nil {
		return err
	}
	for _, r := range records {
		tx.writes[r.Key] = clone(r.Value)
		delete(tx.missing, r.Key)
		delete(tx.deletes, r.Key)
	}
	return nil
}

func (tx *memoryTx) InsertMissing(ctx context.Context, records ...Record) (int, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.check(ctx); err != nil {
		return 0, err
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()

	n := 0
	for _, r := range records {
		if tx.visibleLocked(r.Key) {
			continue
		}
		if _, deleted := tx.deletes[r.Key]; deleted {
			// Absent in this scope already; the commit check would see the
			// store's pre-delete value.
			tx.writes[r.Key] = clone(r.Value)
			delete(tx.deletes, r.Key)
		} else {
			tx.missing[r.Key] = clone(r.Value)
		}
		n++
	}
	return n, nil
}

func (tx *memoryTx) Delete(ctx context.Context, keys ...string) (int, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.check(ctx); err != nil {
		return 0, err
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()

	n := 0
	for _, key := range keys {
		if tx.visibleLocked(key) {
			n++
		}
		delete(tx.writes, key)
		delete(tx.missing, key)
		tx.deletes[key] = struct{}{}
	}
	return n, nil
}

func (tx *memoryTx) Count(ctx context.Context, keys ...string) (int, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.check(ctx); err != nil {
		return 0, err
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()

	n := 0
	for _, key := range dedup(keys) {
		if tx.visibleLocked(key) {
			n++
		}
	}
	return n, nil
}

func (tx *memoryTx) Commit(ctx context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.check(ctx); err != nil {
		return err
	}
	tx.done = true

	m := tx.store
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return &StoreError{Op: "commit", Err: ErrClosed}
	}
	for key := range tx.deletes {
		delete(m.data, key)
	}
	for key, value := range tx.writes {
		m.data[key] = value
	}
	for key, value := range tx.missing {
		if _, exists := m.data[key]; !exists {
			m.data[key] = value
		}
	}
	return nil
}

func (tx *memoryTx) Rollback(ctx context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.done {
		return ErrTxClosed
	}
	tx.done = true
	tx.writes = nil
	tx.missing = nil
	tx.deletes = nil
	return nil
}

// tx.mu must be held.
func (tx *memoryTx) check(ctx context.Context) error {
	if tx.done {
		return ErrTxClosed
	}
	return ctx.Err()
}

// tx.mu and tx.store.mu must be held.
func (tx *memoryTx) visibleLocked(key string) bool {
	if _, written := tx.writes[key]; written {
		return true
	}
	if _, staged := tx.missing[key]; staged {
		return true
	}
	if _, deleted := tx.deletes[key]; deleted {
		return false
	}
	_, exists := tx.store.data[key]
	return exists
}

func clone(value []byte) []byte {
	stored := make([]byte, len(value))
	copy(stored, value)
	return stored
}

func dedup(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := keys[:0:0]
	for _, key := range keys {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out
}
