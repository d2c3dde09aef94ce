package gateway

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/robomo/pulse/config"
)

func TestSnapshotCacheEmpty(t *testing.T) {
	cache := NewSnapshotCache(config.CacheConfig{}, zerolog.Nop())
	_, _, ok := cache.Last(context.Background())
	require.False(t, ok)
}

func TestSnapshotCacheStoresLastSnapshot(t *testing.T) {
	cache := NewSnapshotCache(config.CacheConfig{}, zerolog.Nop())

	first := []Device{{ID: "a", Type: "Robot"}}
	second := []Device{{ID: "b", Type: "Robot"}, {ID: "c", Type: "Robot"}}

	cache.Store(context.Background(), first)
	devices, at, ok := cache.Last(context.Background())
	require.True(t, ok)
	require.Len(t, devices, 1)
	require.False(t, at.IsZero())

	cache.Store(context.Background(), second)
	devices, _, ok = cache.Last(context.Background())
	require.True(t, ok)
	require.Len(t, devices, 2)
	require.Equal(t, "b", devices[0].ID)
}

func TestSnapshotCacheNilSafe(t *testing.T) {
	var cache *SnapshotCache
	cache.Store(context.Background(), []Device{{ID: "a", Type: "Robot"}})
	_, _, ok := cache.Last(context.Background())
	require.False(t, ok)
	require.NoError(t, cache.Close())
}
