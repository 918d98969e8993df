package loadbalancer

import (
	"crypto/md5"
	"encoding/binary"
	"net/http"
	"sort"

	"github.com/wudi/dataplane/internal/config"
)

// DefaultReplicas is the number of ring points per unit of weight.
const DefaultReplicas = 160

// ConsistentHash implements a consistent hash (ketama) load balancer.
// Requests with the same key always go to the same backend, and adding or
// removing a backend only moves the keys adjacent to its ring points.
type ConsistentHash struct {
	baseBalancer
	keys KeySource
	ring []ringEntry
}

type ringEntry struct {
	hash    uint32
	backend *Backend
}

// NewConsistentHash creates a new consistent hash balancer. A non-positive
// replicas value selects DefaultReplicas.
func NewConsistentHash(backends []*Backend, keys KeySource, replicas int) *ConsistentHash {
	if replicas <= 0 {
		replicas = DefaultReplicas
	}
	ch := &ConsistentHash{baseBalancer: newBase(backends), keys: keys}

	ring := make([]ringEntry, 0, len(ch.expanded)*replicas)
	for _, b := range backends {
		vnodes := replicas * b.weight()
		for i := 0; i < vnodes; i++ {
			ring = append(ring, ringEntry{hash: ketamaHash(b.Address, i), backend: b})
		}
	}
	sort.Slice(ring, func(i, j int) bool {
		if ring[i].hash == ring[j].hash {
			return ring[i].backend.Address < ring[j].backend.Address
		}
		return ring[i].hash < ring[j].hash
	})
	ch.ring = ring
	return ch
}

// ketamaHash produces a uint32 hash for a backend address and virtual node index.
func ketamaHash(key string, idx int) uint32 {
	data := make([]byte, len(key)+4)
	copy(data, key)
	binary.LittleEndian.PutUint32(data[len(key):], uint32(idx))
	sum := md5.Sum(data)
	return binary.LittleEndian.Uint32(sum[:4])
}

// ringPoint folds a 64-bit request key onto the 32-bit ring.
func ringPoint(key uint64) uint32 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], key)
	sum := md5.Sum(b[:])
	return binary.LittleEndian.Uint32(sum[:4])
}

// Select returns the backend owning the first ring point at or after the key.
func (ch *ConsistentHash) Select(r *http.Request) *Backend {
	return ch.lookup(requestKey(ch.keys, r))
}

func (ch *ConsistentHash) lookup(key uint64) *Backend {
	if len(ch.ring) == 0 {
		return nil
	}
	h := ringPoint(key)
	idx := sort.Search(len(ch.ring), func(i int) bool {
		return ch.ring[i].hash >= h
	})
	if idx >= len(ch.ring) {
		idx = 0
	}
	return ch.ring[idx].backend
}

// Kind implements Balancer.
func (ch *ConsistentHash) Kind() string { return config.SelectionKetama }
