package client

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/robomo/pulse/service"
)

func openTestStore(t *testing.T) *GraphStore {
	t.Helper()
	store, err := OpenGraphStore(filepath.Join(t.TempDir(), "graphs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleRecord(id, identity string) GraphRecord {
	return GraphRecord{
		ID:           id,
		Identity:     identity,
		DeviceID:     "braude-01",
		DeviceType:   "Robot",
		AttributeKey: "temperature",
		Series: []service.SeriesPoint{
			{Timestamp: "2026-08-30T10:00:00Z", Value: 21.5},
			{Timestamp: "2026-08-30T10:01:00Z", Value: 21.7},
		},
		ColorTag:  "#ff8800",
		CreatedAt: time.Date(2026, 8, 30, 10, 2, 0, 0, time.UTC),
	}
}

func TestGraphStoreRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, sampleRecord("g-1", "user-a")))

	records, err := store.Load(ctx, "user-a")
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "g-1", records[0].ID)
	require.Equal(t, "temperature", records[0].AttributeKey)
	require.Len(t, records[0].Series, 2)
	require.Equal(t, 21.7, records[0].Series[1].Value)
	require.Equal(t, time.Date(2026, 8, 30, 10, 2, 0, 0, time.UTC), records[0].CreatedAt)
}

func TestGraphStoreSeparatesIdentities(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, sampleRecord("g-1", "user-a")))
	require.NoError(t, store.Save(ctx, sampleRecord("g-2", "user-b")))

	records, err := store.Load(ctx, "user-a")
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "g-1", records[0].ID)
}

func TestGraphStoreDelete(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, sampleRecord("g-1", "user-a")))
	require.NoError(t, store.Delete(ctx, "g-1"))

	records, err := store.Load(ctx, "user-a")
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestGraphStoreSaveIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	record := sampleRecord("g-1", "user-a")
	require.NoError(t, store.Save(ctx, record))
	record.ColorTag = "#00ff00"
	require.NoError(t, store.Save(ctx, record))

	records, err := store.Load(ctx, "user-a")
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "#00ff00", records[0].ColorTag)
}
