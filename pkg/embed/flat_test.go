package embed

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFlatIndexSearch(t *testing.T) {
	ctx := context.Background()
	idx := NewFlatIndex(3)

	vectors := [][]float32{
		{1, 0, 0},
		{0, 1, 0},
		{0.9, 0.1, 0},
	}
	require.NoError(t, idx.Upsert(ctx, []uint32{0, 1, 2}, vectors))
	require.Equal(t, 3, idx.Count())

	results, err := idx.Search(ctx, []float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, uint32(0), results[0].ChunkID)
	require.Equal(t, uint32(2), results[1].ChunkID)
	require.InDelta(t, 1.0, float64(results[0].Score), 1e-6)
}

func TestFlatIndexTieBreak(t *testing.T) {
	ctx := context.Background()
	idx := NewFlatIndex(2)
	require.NoError(t, idx.Upsert(ctx, []uint32{0, 1}, [][]float32{{0, 1}, {0, 1}}))

	results, err := idx.Search(ctx, []float32{0, 1}, 2)
	require.NoError(t, err)
	require.Equal(t, uint32(0), results[0].ChunkID)
	require.Equal(t, uint32(1), results[1].ChunkID)
}

func TestFlatIndexEdges(t *testing.T) {
	ctx := context.Background()
	idx := NewFlatIndex(2)

	results, err := idx.Search(ctx, []float32{1, 0}, 0)
	require.NoError(t, err)
	require.Empty(t, results)

	require.Error(t, idx.Upsert(ctx, []uint32{0}, [][]float32{{1, 2, 3}}))
	require.Panics(t, func() { idx.Upsert(ctx, []uint32{5}, [][]float32{{1, 0}}) })
}

func TestFlatIndexSaveLoad(t *testing.T) {
	ctx := context.Background()
	idx := NewFlatIndex(2)
	require.NoError(t, idx.Upsert(ctx, []uint32{0, 1}, [][]float32{{1, 0}, {0, 1}}))

	path := filepath.Join(t.TempDir(), "dense.flat")
	require.NoError(t, idx.Save(path))

	loaded, err := LoadFlatIndex(path)
	require.NoError(t, err)
	require.Equal(t, 2, loaded.Count())
	require.Equal(t, 2, loaded.Dimension())

	results, err := loaded.Search(ctx, []float32{0, 1}, 1)
	require.NoError(t, err)
	require.Equal(t, uint32(1), results[0].ChunkID)
}

func TestShardRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "embeddings-000.msgpack")

	w, err := NewShardWriter(path)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, w.Write(&ShardRecord{
			ChunkID: uint32(i),
			Vector:  []float32{float32(i), float32(i) + 0.5},
		}))
	}
	require.NoError(t, w.Close())

	var got []uint32
	err = IterateShard(path, func(rec *ShardRecord) error {
		got = append(got, rec.ChunkID)
		require.Len(t, rec.Vector, 2)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []uint32{0, 1, 2, 3, 4}, got)
}
