package hashring

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/go-faster/city"
	"github.com/spaolacci/murmur3"
)

// HashFunc maps bytes onto the 32-bit ring space.
// Implementations must be stable across process restarts: no random seeds.
type HashFunc func(p []byte) uint32

// Names of the supported hash functions.
const (
	HashMurmur3 = "murmur3"
	HashCity    = "city"
	HashXXHash  = "xxhash"
)

// Murmur3 is the default ring hash.
func Murmur3(p []byte) uint32 {
	return murmur3.Sum32(p)
}

// City hashes with CityHash32.
func City(p []byte) uint32 {
	return city.Hash32(p)
}

// XXHash folds the 64-bit xxhash digest into 32 bits.
func XXHash(p []byte) uint32 {
	h := xxhash.Sum64(p)
	return uint32(h>>32) ^ uint32(h)
}

// ParseHashFunc returns the hash function registered under name.
// An empty name selects murmur3.
func ParseHashFunc(name string) (HashFunc, error) {
	switch name {
	case "", HashMurmur3:
		return Murmur3, nil
	case HashCity:
		return City, nil
	case HashXXHash:
		return XXHash, nil
	default:
		return nil, fmt.Errorf("hashring: unknown hash function %q", name)
	}
}
