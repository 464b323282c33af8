package rebalance

import (
	"math"
	"sort"

	"github.com/dreamware/ringshard/internal/hashring"
	"github.com/dreamware/ringshard/internal/storage"
)

// Selector picks the records of a source shard that move to the target.
type Selector interface {
	Select(source, target string, records []storage.Record, hints []string) []storage.Record
}

// DefaultThreshold returns the proximity window for a plan of sampleSize
// probe keys: the mean gap between probes on the 32-bit ring.
func DefaultThreshold(sampleSize int) uint32 {
	if sampleSize <= 0 {
		sampleSize = DefaultSampleSize
	}
	t := (uint64(math.MaxUint32) + 1) / uint64(sampleSize)
	if t > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(t)
}

// ProximitySelector selects records whose hash lies within Threshold of any
// hint key hash, measured around the ring. It over-includes rather than risk
// stranding data. A zero Threshold selects exact hash matches only.
type ProximitySelector struct {
	Hash      func(key string) uint32
	Threshold uint32
}

// NewProximitySelector returns a ProximitySelector hashing with hash. A zero
// threshold selects DefaultThreshold(sampleSize).
func NewProximitySelector(hash func(key string) uint32, threshold uint32, sampleSize int) *ProximitySelector {
	if threshold == 0 {
		threshold = DefaultThreshold(sampleSize)
	}
	return &ProximitySelector{Hash: hash, Threshold: threshold}
}

func (s *ProximitySelector) Select(_, _ string, records []storage.Record, hints []string) []storage.Record {
	if len(hints) == 0 {
		return nil
	}
	points := make([]uint32, len(hints))
	for i, key := range hints {
		points[i] = s.Hash(key)
	}
	sort.Slice(points, func(i, j int) bool { return points[i] < points[j] })

	var out []storage.Record
	for _, r := range records {
		if nearest(points, s.Hash(r.Key)) <= s.Threshold {
			out = append(out, r)
		}
	}
	return out
}

// nearest returns the circular distance from h to the closest point.
// points must be sorted and non-empty.
func nearest(points []uint32, h uint32) uint32 {
	i := sort.Search(len(points), func(i int) bool { return points[i] >= h })
	next := points[i%len(points)]
	prev := points[(i+len(points)-1)%len(points)]
	return min(distance(h, next), distance(h, prev))
}

// distance is the shorter way around the ring between a and b.
func distance(a, b uint32) uint32 {
	d := a - b
	if e := b - a; e < d {
		return e
	}
	return d
}

// OwnershipSelector selects exactly the records the live ring routes to the
// target. Hints are ignored.
type OwnershipSelector struct {
	Ring *hashring.Ring
}

func (s OwnershipSelector) Select(_, target string, records []storage.Record, _ []string) []storage.Record {
	var out []storage.Record
	for _, r := range records {
		if id, err := s.Ring.Resolve(r.Key); err == nil && id == target {
			out = append(out, r)
		}
	}
	return out
}
