package loadbalancer

import (
	"math/rand/v2"
	"net/http"
	"sort"

	"github.com/wudi/dataplane/internal/config"
)

// Random picks a backend with probability proportional to its weight.
type Random struct {
	baseBalancer
	cumulative  []int
	totalWeight int
}

// NewRandom creates a weighted random balancer.
func NewRandom(backends []*Backend) *Random {
	r := &Random{baseBalancer: newBase(backends)}
	r.cumulative = make([]int, len(backends))
	for i, b := range backends {
		r.totalWeight += b.weight()
		r.cumulative[i] = r.totalWeight
	}
	return r
}

// Select returns a random backend. The key is ignored.
func (r *Random) Select(_ *http.Request) *Backend {
	if r.totalWeight == 0 {
		return nil
	}
	n := rand.IntN(r.totalWeight)
	i := sort.SearchInts(r.cumulative, n+1)
	return r.backends[i]
}

// Kind implements Balancer.
func (r *Random) Kind() string { return config.SelectionRandom }
