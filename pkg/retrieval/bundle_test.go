package retrieval

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/orneryd/pocketwiki/pkg/config"
	"github.com/orneryd/pocketwiki/pkg/embed"
	"github.com/orneryd/pocketwiki/pkg/pipeline"
)

func buildBundle(t *testing.T, zstBlocks bool) string {
	t.Helper()
	dir := t.TempDir()

	var b strings.Builder
	b.WriteString("<mediawiki>\n")
	for i := 1; i <= 12; i++ {
		fmt.Fprintf(&b, "  <page>\n    <title>Topic %d</title>\n    <ns>0</ns>\n    <id>%d</id>\n", i, i)
		fmt.Fprintf(&b, "    <revision><text>Topic %d concerns retrieval quality and indexing behavior in depth.</text></revision>\n  </page>\n", i)
	}
	b.WriteString("</mediawiki>\n")
	dump := filepath.Join(dir, "dump.xml")
	require.NoError(t, os.WriteFile(dump, []byte(b.String()), 0644))

	cfg := config.Default()
	cfg.WorkDir = filepath.Join(dir, "work")
	cfg.BundleDir = filepath.Join(dir, "bundle")
	cfg.StreamParse.SourceURL = "file://" + dump
	cfg.Filter = config.FilterConfig{MinChunkLength: 10, MaxChunkLength: 10000}
	cfg.Embed = config.EmbedConfig{ModelName: "kw", BatchSize: 4, ShardSize: 100, Dimension: 3}
	cfg.Package.ZstBlocks = zstBlocks

	require.NoError(t, pipeline.Build(context.Background(), cfg, keywordEmbedder{}, embed.NewFlatIndex(3)))
	return cfg.BundleDir
}

func TestOpenBundleAndQuery(t *testing.T) {
	bundleDir := buildBundle(t, false)

	b, err := OpenBundle(context.Background(), bundleDir, nil)
	require.NoError(t, err)
	defer b.Close()

	require.Equal(t, b.Sparse.N(), b.Store.Count())
	require.Positive(t, b.Manifest.AvgDocLen)

	asm := NewAssembler(config.Default().Retrieval, b.Sparse, b.Dense, keywordEmbedder{}, b.Store)
	results, err := asm.Query(context.Background(), "topic 7 retrieval")
	require.NoError(t, err)
	require.NotEmpty(t, results)

	titles := make([]string, len(results))
	for i, r := range results {
		titles[i] = r.PageTitle
	}
	require.Contains(t, titles, "Topic 7")
}

func TestOpenBundlePrefersZstBlocks(t *testing.T) {
	bundleDir := buildBundle(t, true)

	b, err := OpenBundle(context.Background(), bundleDir, nil)
	require.NoError(t, err)
	defer b.Close()

	c, err := b.Store.Get(0)
	require.NoError(t, err)
	require.Contains(t, c.Text, "Topic 1")
}

func TestOpenBundleMissingManifest(t *testing.T) {
	_, err := OpenBundle(context.Background(), t.TempDir(), nil)
	require.Error(t, err)
}
