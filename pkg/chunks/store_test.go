package chunks

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeChunksJSONL(t *testing.T, dir string, n int) string {
	t.Helper()
	path := filepath.Join(dir, "chunks.jsonl")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	enc := json.NewEncoder(f)
	for i := 0; i < n; i++ {
		require.NoError(t, enc.Encode(&Chunk{
			ChunkID:    uint32(i),
			PageID:     int64(1000 + i/3),
			PageTitle:  fmt.Sprintf("Page %d", i/3),
			Text:       fmt.Sprintf("Body of chunk %d with some padding text.", i),
			TokenCount: 8,
		}))
	}
	return path
}

func TestJSONLStoreLookup(t *testing.T) {
	path := writeChunksJSONL(t, t.TempDir(), 10)

	s, err := OpenJSONL(path)
	require.NoError(t, err)
	defer s.Close()

	require.Equal(t, 10, s.Count())

	c, err := s.Get(0)
	require.NoError(t, err)
	require.Equal(t, uint32(0), c.ChunkID)

	c, err = s.Get(7)
	require.NoError(t, err)
	require.Equal(t, uint32(7), c.ChunkID)
	require.Contains(t, c.Text, "chunk 7")
	require.Equal(t, "Page 2", c.PageTitle)

	_, err = s.Get(10)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestJSONLStoreEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chunks.jsonl")
	require.NoError(t, os.WriteFile(path, nil, 0644))

	s, err := OpenJSONL(path)
	require.NoError(t, err)
	defer s.Close()
	require.Equal(t, 0, s.Count())
}

func TestIterateJSONL(t *testing.T) {
	path := writeChunksJSONL(t, t.TempDir(), 5)

	var ids []uint32
	err := IterateJSONL(path, func(c *Chunk) error {
		ids = append(ids, c.ChunkID)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []uint32{0, 1, 2, 3, 4}, ids)
}

func TestBadgerStoreRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "badger")

	s, err := OpenBadger(dir)
	require.NoError(t, err)

	batch := []*Chunk{
		{ChunkID: 0, PageID: 1, PageTitle: "A", Text: "first", TokenCount: 1},
		{ChunkID: 1, PageID: 1, PageTitle: "A", Text: "second", TokenCount: 1},
		{ChunkID: 2, PageID: 2, PageTitle: "B", Text: "third", TokenCount: 1},
	}
	require.NoError(t, s.PutBatch(batch))
	require.Equal(t, 3, s.Count())

	c, err := s.Get(1)
	require.NoError(t, err)
	require.Equal(t, "second", c.Text)

	_, err = s.Get(99)
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, s.Close())

	// Count survives reopen.
	s, err = OpenBadger(dir)
	require.NoError(t, err)
	defer s.Close()
	require.Equal(t, 3, s.Count())

	c, err = s.Get(2)
	require.NoError(t, err)
	require.Equal(t, "B", c.PageTitle)
}

func TestZstBlockStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	input := writeChunksJSONL(t, dir, 700)
	blockPath := filepath.Join(dir, "text.zstblocks")

	require.NoError(t, WriteZstBlocks(input, blockPath, 256))

	s, err := OpenZstBlocks(blockPath)
	require.NoError(t, err)
	defer s.Close()

	require.Equal(t, 700, s.Count())

	// Hits across block boundaries, including the short final block.
	for _, id := range []uint32{0, 255, 256, 511, 512, 699} {
		c, err := s.Get(id)
		require.NoError(t, err, "id %d", id)
		require.Equal(t, id, c.ChunkID)
		require.Contains(t, c.Text, fmt.Sprintf("chunk %d", id))
	}

	_, err = s.Get(700)
	require.ErrorIs(t, err, ErrNotFound)
}
