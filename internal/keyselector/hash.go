package keyselector

import (
	"fmt"
	"hash/fnv"
	"strconv"

	xxhash32 "github.com/OneOfOne/xxhash"
	"github.com/cespare/xxhash/v2"
	"github.com/spaolacci/murmur3"

	"github.com/wudi/dataplane/internal/config"
)

// Hasher maps key bytes to a 64-bit load-balancing key.
type Hasher func(key []byte) uint64

// NewHasher builds the hasher described by spec. The seed defaults to 0.
func NewHasher(spec config.HashSpec) (Hasher, error) {
	var seed uint64
	if spec.Seed != "" {
		s, err := strconv.ParseUint(spec.Seed, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("hash %s: invalid seed %q", spec.Name, spec.Seed)
		}
		seed = s
	}

	switch spec.Name {
	case "xxhash64", "":
		if seed == 0 {
			return xxhash.Sum64, nil
		}
		return func(key []byte) uint64 {
			d := xxhash.NewWithSeed(seed)
			d.Write(key)
			return d.Sum64()
		}, nil
	case "xxhash32":
		s32, err := seed32(spec, seed)
		if err != nil {
			return nil, err
		}
		return func(key []byte) uint64 {
			return uint64(xxhash32.Checksum32S(key, s32))
		}, nil
	case "murmur3_32":
		s32, err := seed32(spec, seed)
		if err != nil {
			return nil, err
		}
		return func(key []byte) uint64 {
			return uint64(murmur3.Sum32WithSeed(key, s32))
		}, nil
	case "fnv1a":
		return func(key []byte) uint64 {
			h := fnv.New64a()
			h.Write(key)
			return h.Sum64()
		}, nil
	default:
		return nil, fmt.Errorf("unknown hash algorithm: %s", spec.Name)
	}
}

func seed32(spec config.HashSpec, seed uint64) (uint32, error) {
	if seed > 1<<32-1 {
		return 0, fmt.Errorf("hash %s: seed %d does not fit in 32 bits", spec.Name, seed)
	}
	return uint32(seed), nil
}
