// Package hashring implements a weighted consistent hash ring with virtual
// nodes. Each shard is placed on a 32-bit hash space at several positions;
// a key belongs to the shard owning the first position at or after the key's
// hash, wrapping around to the lowest position.
package hashring

import (
	"errors"
	"strconv"
	"sync"

	"github.com/gobwas/avl"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

const (
	// DefaultWeight is the weight given to shards when none is specified.
	DefaultWeight = 100

	// DefaultVirtualNodesPerWeight is the number of virtual nodes a shard of
	// DefaultWeight receives.
	DefaultVirtualNodesPerWeight = 150
)

var (
	// ErrNoShardsAvailable is returned by Resolve when the ring is empty.
	ErrNoShardsAvailable = errors.New("hashring: no shards available")

	// ErrInvalidWeight is returned when a shard weight is not positive.
	ErrInvalidWeight = errors.New("hashring: weight must be positive")
)

// VirtualNode is a single position of a shard on the ring.
type VirtualNode struct {
	Hash    uint32
	ShardID string
}

type vnode VirtualNode

func (v vnode) Compare(x avl.Item) int {
	h := x.(vnode).Hash
	switch {
	case v.Hash < h:
		return -1
	case v.Hash > h:
		return 1
	default:
		return 0
	}
}

// snapshot is an immutable view of the ring served to readers.
type snapshot struct {
	tree    avl.Tree          // tree<vnode>
	owner   map[uint32]string // hash -> shard owning that position
	weights map[string]int    // shard -> weight
}

var emptySnapshot = &snapshot{
	owner:   map[uint32]string{},
	weights: map[string]int{},
}

// Ring is a consistent hash ring. It is safe for concurrent use.
//
// Mutations are serialized and prepared off to the side; the finished view is
// swapped in under ringMu so a lookup observes either the whole mutation or
// none of it. Ring instances must not be copied; use Clone.
type Ring struct {
	hash      HashFunc
	perWeight int

	// mu serializes mutations. It guards hashes and claims.
	mu sync.Mutex

	// hashes records the positions computed for each shard, in index order.
	hashes map[string][]uint32

	// claims lists every shard that placed a virtual node on a given hash, in
	// insertion order. The last entry owns the position.
	claims map[uint32][]string

	ringMu sync.RWMutex
	snap   *snapshot
}

// NewRing creates an empty ring. A nil hash selects Murmur3 and a
// non-positive virtualNodesPerWeight selects DefaultVirtualNodesPerWeight.
func NewRing(virtualNodesPerWeight int, hash HashFunc) *Ring {
	if hash == nil {
		hash = Murmur3
	}
	if virtualNodesPerWeight <= 0 {
		virtualNodesPerWeight = DefaultVirtualNodesPerWeight
	}
	return &Ring{
		hash:      hash,
		perWeight: virtualNodesPerWeight,
		hashes:    make(map[string][]uint32),
		claims:    make(map[uint32][]string),
		snap:      emptySnapshot,
	}
}

// VirtualNodeCount returns how many virtual nodes a shard of the given weight
// receives.
func (r *Ring) VirtualNodeCount(weight int) int {
	return weight * r.perWeight / 100
}

// Hash returns the ring position of key.
func (r *Ring) Hash(key string) uint32 {
	return r.hash([]byte(key))
}

// AddShard places a shard on the ring. Adding a shard that is already present
// is a no-op.
func (r *Ring) AddShard(id string, weight int) error {
	if weight <= 0 {
		return ErrInvalidWeight
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	d := r.draft()
	if _, has := d.weights[id]; has {
		return nil
	}
	r.insert(d, id, weight)
	r.publish(d)
	return nil
}

// RemoveShard removes every virtual node of the shard. Removing an absent
// shard is a no-op.
func (r *Ring) RemoveShard(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d := r.draft()
	if _, has := d.weights[id]; !has {
		return
	}
	r.remove(d, id)
	r.publish(d)
}

// UpdateWeight re-places the shard with a new weight. Positions are
// recomputed, so keys may shift between any shards, not only the updated one.
func (r *Ring) UpdateWeight(id string, weight int) error {
	if weight <= 0 {
		return ErrInvalidWeight
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	d := r.draft()
	if _, has := d.weights[id]; has {
		r.remove(d, id)
	}
	r.insert(d, id, weight)
	r.publish(d)
	return nil
}

// Resolve returns the shard owning key.
func (r *Ring) Resolve(key string) (string, error) {
	s := r.load()
	if s.tree.Size() == 0 {
		return "", ErrNoShardsAvailable
	}
	h := r.hash([]byte(key))
	if id, has := s.owner[h]; has {
		return id, nil
	}
	x := s.tree.Successor(vnode{Hash: h})
	if x == nil {
		x = s.tree.Min()
	}
	return x.(vnode).ShardID, nil
}

// Shards returns the ids of all shards on the ring in no particular order.
func (r *Ring) Shards() []string {
	weights := r.load().weights
	ids := make([]string, 0, len(weights))
	for id := range weights {
		ids = append(ids, id)
	}
	return ids
}

// Has reports whether the shard is on the ring.
func (r *Ring) Has(id string) bool {
	_, has := r.load().weights[id]
	return has
}

// Weight returns the weight the shard was placed with.
func (r *Ring) Weight(id string) (int, bool) {
	w, has := r.load().weights[id]
	return w, has
}

// Len returns the number of occupied positions on the ring.
func (r *Ring) Len() int {
	return r.load().tree.Size()
}

// VirtualNodes returns the occupied positions in ascending hash order.
func (r *Ring) VirtualNodes() []VirtualNode {
	s := r.load()
	out := make([]VirtualNode, 0, s.tree.Size())
	s.tree.InOrder(func(x avl.Item) bool {
		out = append(out, VirtualNode(x.(vnode)))
		return true
	})
	return out
}

// Clone returns an independent ring with the same placement. Mutating the
// clone does not affect r.
func (r *Ring) Clone() *Ring {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := &Ring{
		hash:      r.hash,
		perWeight: r.perWeight,
		hashes:    make(map[string][]uint32, len(r.hashes)),
		claims:    make(map[uint32][]string, len(r.claims)),
		snap:      r.load(),
	}
	for id, hs := range r.hashes {
		c.hashes[id] = slices.Clone(hs)
	}
	for h, ids := range r.claims {
		c.claims[h] = slices.Clone(ids)
	}
	return c
}

func (r *Ring) load() *snapshot {
	r.ringMu.RLock()
	s := r.snap
	r.ringMu.RUnlock()
	return s
}

// r.mu must be held.
func (r *Ring) draft() *snapshot {
	s := r.load()
	return &snapshot{
		tree:    s.tree,
		owner:   maps.Clone(s.owner),
		weights: maps.Clone(s.weights),
	}
}

// r.mu must be held.
func (r *Ring) publish(d *snapshot) {
	r.ringMu.Lock()
	r.snap = d
	r.ringMu.Unlock()
}

// r.mu must be held.
func (r *Ring) insert(d *snapshot, id string, weight int) {
	n := r.VirtualNodeCount(weight)
	hs := make([]uint32, 0, n)
	for i := 0; i < n; i++ {
		h := r.hash([]byte(id + ":" + strconv.Itoa(i)))
		hs = append(hs, h)
		r.claims[h] = append(r.claims[h], id)
		d.tree = place(d.tree, h, id)
		d.owner[h] = id
	}
	r.hashes[id] = hs
	d.weights[id] = weight
}

// r.mu must be held.
func (r *Ring) remove(d *snapshot, id string) {
	for _, h := range r.hashes[id] {
		ids := r.claims[h]
		if i := lastIndex(ids, id); i >= 0 {
			ids = slices.Delete(ids, i, i+1)
		}
		if len(ids) == 0 {
			delete(r.claims, h)
			delete(d.owner, h)
			d.tree, _ = d.tree.Delete(vnode{Hash: h})
			continue
		}
		r.claims[h] = ids
		// A displaced claim takes the position back.
		if top := ids[len(ids)-1]; d.owner[h] != top {
			d.tree = place(d.tree, h, top)
			d.owner[h] = top
		}
	}
	delete(r.hashes, id)
	delete(d.weights, id)
}

// place sets the owner of position h, replacing any previous owner.
func place(t avl.Tree, h uint32, id string) avl.Tree {
	t, _ = t.Delete(vnode{Hash: h})
	t, _ = t.Insert(vnode{Hash: h, ShardID: id})
	return t
}

func lastIndex(ids []string, id string) int {
	for i := len(ids) - 1; i >= 0; i-- {
		if ids[i] == id {
			return i
		}
	}
	return -1
}
