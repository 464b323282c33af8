// Package coordinator implements the orchestration layer of ringshard.
// See doc.go for complete package documentation.
package coordinator

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/ringshard/internal/hashring"
)

// ShardDescriptor is the registry's record of one shard.
//
// Descriptors are owned by the ShardRegistry. Every accessor returns a value
// copy; changing a copy has no effect on the registry.
//
// Example:
//
//	desc := ShardDescriptor{
//	    ID:         "shard_0",
//	    Weight:     100,
//	    Active:     true,
//	    ConnString: "memory://orders-0",
//	}
type ShardDescriptor struct {
	// ID is the opaque shard identifier.
	// Configured shards are named "shard_{index}"; shards added at runtime
	// are named "shard_{uuid}".
	ID string `json:"id"`

	// Weight is proportional to the shard's number of virtual nodes.
	// Default 100.
	Weight int `json:"weight"`

	// Active is false while health checks consider the shard down.
	// Inactive shards stay on the ring.
	Active bool `json:"active"`

	// Rebalancing is true while the shard takes part in a migration.
	Rebalancing bool `json:"rebalancing"`

	// LastHealthCheck is when SetHealth last ran for this shard.
	LastHealthCheck time.Time `json:"last_health_check"`

	// ConnString is the opaque connection string, used by the pool only.
	ConnString string `json:"-"`
}

// ShardRegistry is the canonical shard set and the owner of the hash ring's
// membership.
//
// Architecture:
//
//	┌─────────────────────────────────────┐
//	│         ShardRegistry               │
//	├─────────────────────────────────────┤
//	│  shards: map[id]→descriptor         │
//	│  order: registration order          │
//	│  ring: *hashring.Ring               │
//	│  mu: RWMutex for thread safety      │
//	├─────────────────────────────────────┤
//	│  Register → ring.AddShard           │
//	│  Deregister → ring.RemoveShard      │
//	│  SetWeight → ring.UpdateWeight      │
//	└─────────────────────────────────────┘
//
// Concurrency Model:
//   - Read operations use RLock for parallel access
//   - Write operations use Lock for exclusive access
//   - Membership changes update descriptor and ring under the same Lock
//   - Ring mutations are published atomically to concurrent resolvers
//   - No locks held during store I/O
type ShardRegistry struct {
	ring   *hashring.Ring
	shards map[string]*ShardDescriptor
	order  []string
	mu     sync.RWMutex
}

// NewShardRegistry creates an empty registry managing ring.
// The ring should be empty; shards already on it are not tracked.
func NewShardRegistry(ring *hashring.Ring) *ShardRegistry {
	return &ShardRegistry{
		ring:   ring,
		shards: make(map[string]*ShardDescriptor),
	}
}

// InitialDescriptors returns one descriptor per configured connection string.
//
// Ids are derived from the position in connStrings, not from the content:
// reordering the configuration reorders the ids.
//
// Example:
//
//	InitialDescriptors([]string{"memory://a", "memory://b"})
//	// [{ID: shard_0, Weight: 100, Active: true, ...}, {ID: shard_1, ...}]
func InitialDescriptors(connStrings []string) []ShardDescriptor {
	out := make([]ShardDescriptor, len(connStrings))
	for i, cs := range connStrings {
		out[i] = ShardDescriptor{
			ID:         fmt.Sprintf("shard_%d", i),
			Weight:     hashring.DefaultWeight,
			Active:     true,
			ConnString: cs,
		}
	}
	return out
}

// NewShardRegistryFromConfig registers InitialDescriptors(connStrings) on a
// new registry over ring.
func NewShardRegistryFromConfig(connStrings []string, ring *hashring.Ring) (*ShardRegistry, error) {
	r := NewShardRegistry(ring)
	for _, desc := range InitialDescriptors(connStrings) {
		if err := r.Register(desc); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Ring returns the ring whose membership the registry owns.
// Callers must not mutate it directly.
func (r *ShardRegistry) Ring() *hashring.Ring {
	return r.ring
}

// Register adds a shard and places it on the ring.
//
// A zero Weight selects hashring.DefaultWeight.
//
// Returns:
//   - ErrShardExists if the id is already registered
//   - ErrInvalidWeight for a negative weight
//   - An error for an empty id
//
// Example:
//
//	err := registry.Register(ShardDescriptor{ID: "shard_2", Active: true})
func (r *ShardRegistry) Register(desc ShardDescriptor) error {
	if desc.ID == "" {
		return errors.New("shard ID cannot be empty")
	}
	if desc.Weight == 0 {
		desc.Weight = hashring.DefaultWeight
	}
	if desc.Weight < 0 {
		return fmt.Errorf("shard %s: %w", desc.ID, ErrInvalidWeight)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.shards[desc.ID]; exists {
		return fmt.Errorf("%w: %s", ErrShardExists, desc.ID)
	}
	if err := r.ring.AddShard(desc.ID, desc.Weight); err != nil {
		return fmt.Errorf("shard %s: %w", desc.ID, err)
	}
	r.shards[desc.ID] = &desc
	r.order = append(r.order, desc.ID)
	return nil
}

// Deregister removes a shard and its virtual nodes.
func (r *ShardRegistry) Deregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.shards[id]; !exists {
		return fmt.Errorf("%w: %s", ErrShardNotFound, id)
	}
	r.ring.RemoveShard(id)
	delete(r.shards, id)
	if i := slices.Index(r.order, id); i >= 0 {
		r.order = slices.Delete(r.order, i, i+1)
	}
	return nil
}

// SetHealth records a health check result and its time.
func (r *ShardRegistry) SetHealth(id string, healthy bool) error {
	return r.update(id, func(d *ShardDescriptor) {
		d.Active = healthy
		d.LastHealthCheck = time.Now()
	})
}

// SetWeight re-places the shard on the ring with a new weight.
//
// Virtual node positions are recomputed, so keys may move between any
// shards, not only to or from this one. No data is migrated.
func (r *ShardRegistry) SetWeight(id string, weight int) error {
	if weight <= 0 {
		return fmt.Errorf("shard %s: %w", id, ErrInvalidWeight)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	d, exists := r.shards[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrShardNotFound, id)
	}
	if err := r.ring.UpdateWeight(id, weight); err != nil {
		return err
	}
	d.Weight = weight
	return nil
}

// MarkRebalancing sets the rebalancing flag.
func (r *ShardRegistry) MarkRebalancing(id string, rebalancing bool) error {
	return r.update(id, func(d *ShardDescriptor) {
		d.Rebalancing = rebalancing
	})
}

// Get returns a copy of the descriptor for id.
func (r *ShardRegistry) Get(id string) (ShardDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, exists := r.shards[id]
	if !exists {
		return ShardDescriptor{}, fmt.Errorf("%w: %s", ErrShardNotFound, id)
	}
	return *d, nil
}

// All returns copies of every descriptor in registration order.
func (r *ShardRegistry) All() []ShardDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ShardDescriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.shards[id])
	}
	return out
}

// Len returns the number of registered shards.
func (r *ShardRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.shards)
}

func (r *ShardRegistry) update(id string, fn func(d *ShardDescriptor)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, exists := r.shards[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrShardNotFound, id)
	}
	fn(d)
	return nil
}
