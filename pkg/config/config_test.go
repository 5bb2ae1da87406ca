package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.Equal(t, int64(1000), cfg.StreamParse.CheckpointEveryPages)
	require.Equal(t, int64(100<<20), cfg.StreamParse.CheckpointEveryBytes)
	require.Equal(t, 512, cfg.Chunk.MaxChunkTokens)
	require.Equal(t, 100, cfg.Filter.MinChunkLength)
	require.Equal(t, []int{0}, cfg.StreamParse.AllowedNamespaces)
	require.True(t, cfg.StreamParse.SkipRedirects)
	require.False(t, cfg.StreamParse.SkipDisambiguation)
	require.Equal(t, 60, cfg.Retrieval.RRFK)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pocketwiki.yaml")
	yaml := `
work_dir: /tmp/pw-work
stream_parse:
  source_url: https://dumps.wikimedia.org/simplewiki.xml.bz2
  checkpoint_every_pages: 500
chunk:
  max_chunk_tokens: 256
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/tmp/pw-work", cfg.WorkDir)
	require.Equal(t, "https://dumps.wikimedia.org/simplewiki.xml.bz2", cfg.StreamParse.SourceURL)
	require.Equal(t, int64(500), cfg.StreamParse.CheckpointEveryPages)
	require.Equal(t, 256, cfg.Chunk.MaxChunkTokens)
	// Untouched keys keep their defaults.
	require.Equal(t, 50, cfg.Chunk.OverlapTokens)
	require.Equal(t, 5, cfg.StreamParse.MaxRetries)
}

func TestHashStable(t *testing.T) {
	a := Default().StreamParse
	b := Default().StreamParse
	require.Equal(t, Hash(a), Hash(b))
	require.Len(t, Hash(a), 16)

	b.CheckpointEveryPages = 2000
	require.NotEqual(t, Hash(a), Hash(b))
}
