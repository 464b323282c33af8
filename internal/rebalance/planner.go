package rebalance

import (
	"errors"
	"fmt"
	"strconv"

	"golang.org/x/exp/slices"

	"github.com/dreamware/ringshard/internal/hashring"
)

// DefaultSampleSize is the number of probe keys drawn per plan.
const DefaultSampleSize = 10000

var (
	// ErrShardOnRing is returned by PlanFor when the new shard is already placed.
	ErrShardOnRing = errors.New("rebalance: shard already on ring")

	// ErrShardNotOnRing is returned by PlanExisting for an unplaced shard.
	ErrShardNotOnRing = errors.New("rebalance: shard not on ring")
)

// SampleKey returns the i-th synthetic probe key.
func SampleKey(i int) string {
	return "sample_key_" + strconv.Itoa(i)
}

// Plan lists, per source shard, the probe keys that move to Target.
// The keys are a statistical sample of the affected hash ranges, not the
// records to move.
type Plan struct {
	Target     string              `json:"target"`
	Weight     int                 `json:"weight"`
	Sources    map[string][]string `json:"sources"`
	SampleSize int                 `json:"sample_size"`
}

// SourceIDs returns the source shard ids in sorted order.
func (p *Plan) SourceIDs() []string {
	ids := make([]string, 0, len(p.Sources))
	for id := range p.Sources {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Moved returns how many probe keys change owner.
func (p *Plan) Moved() int {
	n := 0
	for _, keys := range p.Sources {
		n += len(keys)
	}
	return n
}

// Empty reports whether no source has anything to hand over.
func (p *Plan) Empty() bool {
	return len(p.Sources) == 0
}

// Planner estimates which data moves when a shard joins the ring.
type Planner struct {
	ring       *hashring.Ring
	sampleSize int
}

// NewPlanner creates a planner over ring. A non-positive sampleSize selects
// DefaultSampleSize.
func NewPlanner(ring *hashring.Ring, sampleSize int) *Planner {
	if sampleSize <= 0 {
		sampleSize = DefaultSampleSize
	}
	return &Planner{ring: ring, sampleSize: sampleSize}
}

// SampleSize returns the number of probe keys per plan.
func (p *Planner) SampleSize() int {
	return p.sampleSize
}

// PlanFor simulates adding targetID with weight on a copy of the ring. The
// live ring is not modified.
func (p *Planner) PlanFor(targetID string, weight int) (*Plan, error) {
	if p.ring.Has(targetID) {
		return nil, fmt.Errorf("%w: %s", ErrShardOnRing, targetID)
	}
	before := p.ring.Clone()
	after := before.Clone()
	if err := after.AddShard(targetID, weight); err != nil {
		return nil, err
	}
	return p.compare(before, after, targetID, weight), nil
}

// PlanExisting plans as if targetID were joining a ring that holds every
// other current shard. It is used to sweep data left behind by a failed
// migration.
func (p *Planner) PlanExisting(targetID string) (*Plan, error) {
	weight, ok := p.ring.Weight(targetID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrShardNotOnRing, targetID)
	}
	after := p.ring.Clone()
	before := after.Clone()
	before.RemoveShard(targetID)
	return p.compare(before, after, targetID, weight), nil
}

func (p *Planner) compare(before, after *hashring.Ring, targetID string, weight int) *Plan {
	plan := &Plan{
		Target:     targetID,
		Weight:     weight,
		Sources:    make(map[string][]string),
		SampleSize: p.sampleSize,
	}
	for i := 0; i < p.sampleSize; i++ {
		key := SampleKey(i)
		owner, err := before.Resolve(key)
		if err != nil {
			// Nothing to move off an empty ring.
			break
		}
		next, err := after.Resolve(key)
		if err != nil || next == owner || next != targetID {
			continue
		}
		plan.Sources[owner] = append(plan.Sources[owner], key)
	}
	return plan
}

// Utilization returns how many distinct shards the first n probe keys map to.
func Utilization(ring *hashring.Ring, n int) int {
	owners := make(map[string]struct{})
	for i := 0; i < n; i++ {
		id, err := ring.Resolve(SampleKey(i))
		if err != nil {
			return 0
		}
		owners[id] = struct{}{}
	}
	return len(owners)
}
