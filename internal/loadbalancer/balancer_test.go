package loadbalancer

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"

	"github.com/wudi/dataplane/internal/config"
	"github.com/wudi/dataplane/internal/keyselector"
)

func threeBackends() []*Backend {
	return []*Backend{
		{Address: "10.0.0.1:80", Weight: 1},
		{Address: "10.0.0.2:80", Weight: 1},
		{Address: "10.0.0.3:80", Weight: 1},
	}
}

func headerSelector(t *testing.T) *keyselector.Selector {
	t.Helper()
	sel, err := keyselector.New(config.KeyProfile{Source: "${header-x-user-id}"})
	if err != nil {
		t.Fatalf("keyselector.New: %v", err)
	}
	return sel
}

func userRequest(id string) *http.Request {
	req, _ := http.NewRequest("GET", "/test", nil)
	if id != "" {
		req.Header.Set("X-User-ID", id)
	}
	return req
}

func TestNewEmptyBackends(t *testing.T) {
	for _, kind := range []string{config.SelectionRoundRobin, config.SelectionRandom, config.SelectionFNVHash, config.SelectionKetama} {
		t.Run(kind, func(t *testing.T) {
			_, err := New(kind, nil, headerSelector(t))
			if !errors.Is(err, ErrNoBackends) {
				t.Fatalf("expected ErrNoBackends, got %v", err)
			}
		})
	}
}

func TestNewErrors(t *testing.T) {
	if _, err := New("least-conn", threeBackends(), nil); err == nil {
		t.Error("unknown selection should fail")
	}
	if _, err := New(config.SelectionKetama, threeBackends(), nil); err == nil {
		t.Error("ketama without a key selector should fail")
	}
	if _, err := New(config.SelectionFNVHash, threeBackends(), nil); err == nil {
		t.Error("fnv-hash without a key selector should fail")
	}
}

func TestNewKinds(t *testing.T) {
	sel := headerSelector(t)
	for _, kind := range []string{config.SelectionRoundRobin, config.SelectionRandom, config.SelectionFNVHash, config.SelectionKetama} {
		b, err := New(kind, threeBackends(), sel)
		if err != nil {
			t.Fatalf("New(%s): %v", kind, err)
		}
		if b.Kind() != kind {
			t.Errorf("Kind() = %q, want %q", b.Kind(), kind)
		}
		if len(b.Backends()) != 3 {
			t.Errorf("%s: Backends() = %d", kind, len(b.Backends()))
		}
	}
}

func TestRoundRobinExactDistribution(t *testing.T) {
	rr := NewRoundRobin(threeBackends())

	counts := make(map[string]int)
	for i := 0; i < 300; i++ {
		counts[rr.Select(nil).Address]++
	}
	for addr, n := range counts {
		if n != 100 {
			t.Errorf("%s selected %d times, want 100", addr, n)
		}
	}

	// Order is the declaration order.
	rr = NewRoundRobin(threeBackends())
	for i, want := range []string{"10.0.0.1:80", "10.0.0.2:80", "10.0.0.3:80", "10.0.0.1:80"} {
		if got := rr.Select(nil).Address; got != want {
			t.Errorf("pick %d = %s, want %s", i, got, want)
		}
	}
}

func TestRoundRobinWeighted(t *testing.T) {
	rr := NewRoundRobin([]*Backend{
		{Address: "a", Weight: 3},
		{Address: "b", Weight: 1},
	})
	counts := make(map[string]int)
	for i := 0; i < 400; i++ {
		counts[rr.Select(nil).Address]++
	}
	if counts["a"] != 300 || counts["b"] != 100 {
		t.Errorf("counts = %v, want a=300 b=100", counts)
	}
}

func TestNewDoesNotMutateBackends(t *testing.T) {
	backends := []*Backend{{Address: "a"}, {Address: "b", Weight: -2}}
	for _, kind := range []string{config.SelectionRoundRobin, config.SelectionRandom, config.SelectionFNVHash, config.SelectionKetama} {
		b, err := New(kind, backends, headerSelector(t))
		if err != nil {
			t.Fatalf("New(%s): %v", kind, err)
		}
		if backends[0].Weight != 0 || backends[1].Weight != -2 {
			t.Fatalf("New(%s) rewrote weights: %d, %d", kind, backends[0].Weight, backends[1].Weight)
		}
		if kind == config.SelectionRoundRobin {
			counts := make(map[string]int)
			for i := 0; i < 4; i++ {
				counts[b.Select(nil).Address]++
			}
			if counts["a"] != 2 || counts["b"] != 2 {
				t.Errorf("non-positive weights must count as 1, got %v", counts)
			}
		}
	}
	ring := NewConsistentHash(backends, headerSelector(t), 0)
	if got, want := len(ring.ring), 2*DefaultReplicas; got != want {
		t.Errorf("ring size = %d, want %d", got, want)
	}
}

func TestRoundRobinConcurrent(t *testing.T) {
	rr := NewRoundRobin(threeBackends())
	var (
		mu     sync.Mutex
		counts = make(map[string]int)
		wg     sync.WaitGroup
	)
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make(map[string]int)
			for i := 0; i < 30; i++ {
				local[rr.Select(nil).Address]++
			}
			mu.Lock()
			for k, v := range local {
				counts[k] += v
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	for addr, n := range counts {
		if n != 100 {
			t.Errorf("%s selected %d times, want 100", addr, n)
		}
	}
}

func TestRandomRespectsWeights(t *testing.T) {
	r := NewRandom([]*Backend{
		{Address: "heavy", Weight: 9},
		{Address: "light", Weight: 1},
	})
	counts := make(map[string]int)
	for i := 0; i < 10000; i++ {
		counts[r.Select(nil).Address]++
	}
	if counts["heavy"] < 8000 {
		t.Errorf("heavy backend got %d of 10000 picks", counts["heavy"])
	}
	if counts["light"] == 0 {
		t.Error("light backend never picked")
	}
}

func TestRandomSingleBackend(t *testing.T) {
	r := NewRandom([]*Backend{{Address: "only", Weight: 1}})
	for i := 0; i < 10; i++ {
		if r.Select(nil).Address != "only" {
			t.Fatal("single backend must always be selected")
		}
	}
}

func TestHashSameKeySameBackend(t *testing.T) {
	sel := headerSelector(t)
	for _, b := range []Balancer{
		NewFNVHash(threeBackends(), sel),
		NewConsistentHash(threeBackends(), sel, 0),
	} {
		t.Run(b.Kind(), func(t *testing.T) {
			b1 := b.Select(userRequest("user-42"))
			for i := 0; i < 20; i++ {
				if got := b.Select(userRequest("user-42")); got.Address != b1.Address {
					t.Fatalf("same key mapped to %s and %s", b1.Address, got.Address)
				}
			}
		})
	}
}

func TestHashDifferentKeysDistribute(t *testing.T) {
	sel := headerSelector(t)
	for _, b := range []Balancer{
		NewFNVHash(threeBackends(), sel),
		NewConsistentHash(threeBackends(), sel, 0),
	} {
		t.Run(b.Kind(), func(t *testing.T) {
			hits := make(map[string]int)
			for i := 0; i < 300; i++ {
				hits[b.Select(userRequest(fmt.Sprintf("user-%d", i))).Address]++
			}
			if len(hits) != 3 {
				t.Fatalf("expected all backends used, got %v", hits)
			}
		})
	}
}

func TestHashMissingKeyUsesZero(t *testing.T) {
	sel := headerSelector(t)
	ch := NewConsistentHash(threeBackends(), sel, 0)
	fnv := NewFNVHash(threeBackends(), sel)

	if got, want := ch.Select(userRequest("")), ch.lookup(0); got != want {
		t.Errorf("ketama keyless pick = %s, want %s", got.Address, want.Address)
	}
	if got := fnv.Select(userRequest("")); got.Address != "10.0.0.1:80" {
		t.Errorf("fnv-hash keyless pick = %s, want first backend", got.Address)
	}
}

func TestKetamaStableOnRemoval(t *testing.T) {
	sel := headerSelector(t)
	full := NewConsistentHash(threeBackends(), sel, 0)
	reduced := NewConsistentHash(threeBackends()[:2], sel, 0)

	moved := 0
	for i := 0; i < 1000; i++ {
		req := userRequest(fmt.Sprintf("k-%d", i))
		before := full.Select(req)
		after := reduced.Select(req)
		if before.Address != "10.0.0.3:80" && before.Address != after.Address {
			moved++
		}
	}
	if moved != 0 {
		t.Errorf("%d keys not owned by the removed backend were remapped", moved)
	}
}

func TestKetamaRingSizeFollowsWeight(t *testing.T) {
	ch := NewConsistentHash([]*Backend{
		{Address: "a", Weight: 2},
		{Address: "b", Weight: 1},
	}, nil, 0)
	if len(ch.ring) != 3*DefaultReplicas {
		t.Errorf("ring has %d points, want %d", len(ch.ring), 3*DefaultReplicas)
	}

	owned := make(map[string]int)
	for _, e := range ch.ring {
		owned[e.backend.Address]++
	}
	if owned["a"] != 2*DefaultReplicas || owned["b"] != DefaultReplicas {
		t.Errorf("ring ownership = %v", owned)
	}
}

func TestKetamaWrapsAround(t *testing.T) {
	ch := NewConsistentHash(threeBackends(), nil, 0)
	for i := 1; i < len(ch.ring); i++ {
		if ch.ring[i-1].hash > ch.ring[i].hash {
			t.Fatal("ring must be sorted")
		}
	}

	last := ch.ring[len(ch.ring)-1].hash
	for key := uint64(0); key < 1_000_000; key++ {
		if ringPoint(key) > last {
			if got := ch.lookup(key); got != ch.ring[0].backend {
				t.Fatalf("key past the last point picked %s, want %s", got.Address, ch.ring[0].backend.Address)
			}
			return
		}
	}
	t.Skip("no key hashed past the last ring point")
}
