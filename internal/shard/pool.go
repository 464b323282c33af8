package shard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/ringshard/internal/storage"
	"github.com/dreamware/ringshard/internal/storage/pgstore"
)

// ErrUnknownShard is returned when a pool has no handle for an id.
var ErrUnknownShard = errors.New("shard: unknown shard")

// Dialer opens a store for a connection string.
type Dialer func(ctx context.Context, connString string) (storage.Store, error)

// Resolver maps a key to the id of the shard owning it.
type Resolver interface {
	Resolve(key string) (string, error)
}

// Dial opens a store from a connection string:
//
//	memory://name      in-process storage.MemoryStore
//	postgres://...     pgstore backed by a pgx pool (postgresql:// also accepted)
func Dial(ctx context.Context, connString string) (storage.Store, error) {
	switch {
	case strings.HasPrefix(connString, "memory://"):
		return storage.NewMemoryStore(), nil
	case strings.HasPrefix(connString, "postgres://"), strings.HasPrefix(connString, "postgresql://"):
		return pgstore.Connect(ctx, connString)
	default:
		return nil, fmt.Errorf("shard: unsupported connection string %q", connString)
	}
}

// Pool holds one open handle per shard id.
type Pool struct {
	dial     Dialer
	resolver Resolver

	mu     sync.RWMutex
	shards map[string]*Shard
}

// NewPool creates an empty pool. A nil dial selects Dial.
func NewPool(dial Dialer, resolver Resolver) *Pool {
	if dial == nil {
		dial = Dial
	}
	return &Pool{
		dial:     dial,
		resolver: resolver,
		shards:   make(map[string]*Shard),
	}
}

// Connect dials connString and makes the store available under id.
// No lock is held while dialing.
func (p *Pool) Connect(ctx context.Context, id, connString string) (*Shard, error) {
	if _, ok := p.Get(id); ok {
		return nil, fmt.Errorf("shard %s: already connected", id)
	}
	store, err := p.dial(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("dial shard %s: %w", id, err)
	}

	s := New(id, connString, store)
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.shards[id]; exists {
		_ = store.Close()
		return nil, fmt.Errorf("shard %s: already connected", id)
	}
	p.shards[id] = s
	return s, nil
}

// Attach adds an already open store under id, replacing any previous handle.
func (p *Pool) Attach(id, connString string, store storage.Store) *Shard {
	s := New(id, connString, store)
	p.mu.Lock()
	p.shards[id] = s
	p.mu.Unlock()
	return s
}

// Release removes the handle and closes its store.
func (p *Pool) Release(id string) error {
	p.mu.Lock()
	s, ok := p.shards[id]
	delete(p.shards, id)
	p.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownShard, id)
	}
	return s.Close()
}

// Get returns the handle for id.
func (p *Pool) Get(id string) (*Shard, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.shards[id]
	return s, ok
}

// Open returns the store for id.
func (p *Pool) Open(id string) (storage.Store, error) {
	s, ok := p.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownShard, id)
	}
	return s, nil
}

// OpenForKey returns the store of the shard owning key.
func (p *Pool) OpenForKey(key string) (storage.Store, error) {
	if p.resolver == nil {
		return nil, errors.New("shard: pool has no resolver")
	}
	id, err := p.resolver.Resolve(key)
	if err != nil {
		return nil, err
	}
	return p.Open(id)
}

// IDs returns the ids of all handles, sorted.
func (p *Pool) IDs() []string {
	p.mu.RLock()
	ids := make([]string, 0, len(p.shards))
	for id := range p.shards {
		ids = append(ids, id)
	}
	p.mu.RUnlock()

	slices.Sort(ids)
	return ids
}

// ListAll returns the handles whose store answers a ping, ordered by id.
// Unreachable shards are skipped.
func (p *Pool) ListAll(ctx context.Context) []*Shard {
	var out []*Shard
	for _, id := range p.IDs() {
		s, ok := p.Get(id)
		if !ok {
			continue
		}
		if p.CanConnect(ctx, s) {
			out = append(out, s)
		}
	}
	return out
}

// CanConnect reports whether store answers a ping.
func (p *Pool) CanConnect(ctx context.Context, store storage.Store) bool {
	return store.Ping(ctx) == nil
}

// Close closes every store in the pool.
func (p *Pool) Close() error {
	p.mu.Lock()
	shards := p.shards
	p.shards = make(map[string]*Shard)
	p.mu.Unlock()

	var errs []error
	for id, s := range shards {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close shard %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
