package ratelimit

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wudi/dataplane/internal/config"
)

func TestStorageRegistry(t *testing.T) {
	mr := miniredis.RunT(t)
	reg, err := NewStorageRegistry(map[string]config.StorageSpec{
		"local": {Kind: config.StorageMemory, MaxKeys: 100, IdleTimeout: time.Minute},
		"shared": {
			Kind:          config.StorageRedis,
			Addresses:     []string{mr.Addr()},
			Timeout:       100 * time.Millisecond,
			FailurePolicy: config.FailOpen,
		},
	})
	require.NoError(t, err)
	defer reg.Close()

	assert.Equal(t, []string{"local", "shared"}, reg.Names())

	s, err := reg.Get("local")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStorage{}, s)

	s, err = reg.Get("shared")
	require.NoError(t, err)
	assert.IsType(t, &RedisStorage{}, s)

	_, err = reg.Get("missing")
	assert.ErrorIs(t, err, ErrStorageNotFound)
}

func TestStorageRegistryUnknownKind(t *testing.T) {
	_, err := NewStorageRegistry(map[string]config.StorageSpec{"x": {Kind: "etcd"}})
	assert.Error(t, err)
}

func TestRebuildStorageRegistryCarriesUnchanged(t *testing.T) {
	specs := map[string]config.StorageSpec{
		"a": {Kind: config.StorageMemory, MaxKeys: 100, IdleTimeout: time.Minute},
		"b": {Kind: config.StorageMemory, MaxKeys: 100, IdleTimeout: time.Minute},
	}
	prev, err := NewStorageRegistry(specs)
	require.NoError(t, err)

	next, retired, err := RebuildStorageRegistry(prev, map[string]config.StorageSpec{
		"a": specs["a"],
		"b": {Kind: config.StorageMemory, MaxKeys: 200, IdleTimeout: time.Minute},
	})
	require.NoError(t, err)
	defer next.Close()

	prevA, _ := prev.Get("a")
	nextA, _ := next.Get("a")
	assert.Same(t, prevA, nextA, "unchanged storage keeps its buckets")

	prevB, _ := prev.Get("b")
	nextB, _ := next.Get("b")
	assert.NotSame(t, prevB, nextB)
	require.Len(t, retired, 1)
	assert.Same(t, prevB, retired[0])
}

func TestGetOnNilRegistry(t *testing.T) {
	var reg *StorageRegistry
	_, err := reg.Get("any")
	assert.ErrorIs(t, err, ErrStorageNotFound)
}
