package pipeline

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/orneryd/pocketwiki/pkg/chunks"
	"github.com/orneryd/pocketwiki/pkg/config"
	"github.com/orneryd/pocketwiki/pkg/embed"
	"github.com/orneryd/pocketwiki/pkg/sparse"
	"github.com/orneryd/pocketwiki/pkg/util"
)

// fakeEmbedder derives deterministic vectors from the text bytes, standing
// in for the external model in pipeline tests.
type fakeEmbedder struct{ dim int }

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v := make([]float32, f.dim)
		h := util.HashString64(text)
		for j := range v {
			var b [8]byte
			binary.LittleEndian.PutUint64(b[:], h+uint64(j))
			v[j] = float32(binary.LittleEndian.Uint16(b[:2])) / 65535.0
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) Dimension() int { return f.dim }

func writeArticles(t *testing.T, path string, articles []Article) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	enc := json.NewEncoder(f)
	for i := range articles {
		require.NoError(t, enc.Encode(&articles[i]))
	}
}

func TestChunkStageSplitsLongArticles(t *testing.T) {
	work := t.TempDir()
	input := filepath.Join(work, "parsed", "articles.jsonl")

	long := strings.Repeat("Sentence about retrieval systems and their indexes. ", 120)
	writeArticles(t, input, []Article{
		{ID: 1, Title: "Long", Text: long},
		{ID: 2, Title: "Short", Text: "A short article body."},
	})

	cfg := config.ChunkConfig{MaxChunkTokens: 64, OverlapTokens: 8}
	st := NewChunkStage(cfg, input, work)
	require.NoError(t, st.Run(context.Background()))

	var got []*chunks.Chunk
	require.NoError(t, chunks.IterateJSONL(st.outputFile(), func(c *chunks.Chunk) error {
		cc := *c
		got = append(got, &cc)
		return nil
	}))
	require.Greater(t, len(got), 2, "long article must split into several chunks")

	for i, c := range got {
		require.Equal(t, uint32(i), c.ChunkID, "provisional ids are sequential")
		require.LessOrEqual(t, c.TokenCount, 64)
		require.Positive(t, c.TokenCount)
	}
	require.Equal(t, int64(1), got[0].PageID)
	require.Equal(t, "Long", got[0].PageTitle)
	last := got[len(got)-1]
	require.Equal(t, "Short", last.PageTitle)
}

func TestFilterStageRenumbersDensely(t *testing.T) {
	work := t.TempDir()
	input := filepath.Join(work, "chunks", "chunks.jsonl")
	require.NoError(t, os.MkdirAll(filepath.Dir(input), 0755))

	f, err := os.Create(input)
	require.NoError(t, err)
	enc := json.NewEncoder(f)
	long := strings.Repeat("adequate length chunk body ", 10)
	rows := []chunks.Chunk{
		{ChunkID: 0, PageID: 1, PageTitle: "A", Text: "tiny"},
		{ChunkID: 1, PageID: 1, PageTitle: "A", Text: long},
		{ChunkID: 2, PageID: 2, PageTitle: "B", Text: strings.Repeat("x", 600)},
		{ChunkID: 3, PageID: 2, PageTitle: "B", Text: long},
	}
	for i := range rows {
		require.NoError(t, enc.Encode(&rows[i]))
	}
	require.NoError(t, f.Close())

	st := NewFilterStage(config.FilterConfig{MinChunkLength: 100, MaxChunkLength: 500}, input, work)
	require.NoError(t, st.Run(context.Background()))

	var got []chunks.Chunk
	require.NoError(t, chunks.IterateJSONL(st.outputFile(), func(c *chunks.Chunk) error {
		got = append(got, *c)
		return nil
	}))
	require.Len(t, got, 2, "short and over-long chunks dropped")
	require.Equal(t, uint32(0), got[0].ChunkID)
	require.Equal(t, uint32(1), got[1].ChunkID)
	require.Equal(t, "A", got[0].PageTitle)
	require.Equal(t, "B", got[1].PageTitle)
}

func TestBM25BuildStage(t *testing.T) {
	work := t.TempDir()
	input := filepath.Join(work, "filtered", "filtered.jsonl")
	require.NoError(t, os.MkdirAll(filepath.Dir(input), 0755))

	f, err := os.Create(input)
	require.NoError(t, err)
	enc := json.NewEncoder(f)
	rows := []chunks.Chunk{
		{ChunkID: 0, PageID: 1, PageTitle: "Cats", Text: "cats are small felines"},
		{ChunkID: 1, PageID: 2, PageTitle: "Dogs", Text: "dogs are loyal companions"},
	}
	for i := range rows {
		require.NoError(t, enc.Encode(&rows[i]))
	}
	require.NoError(t, f.Close())

	st := NewBM25BuildStage(input, work)
	require.NoError(t, st.Run(context.Background()))

	r, err := sparse.Open(st.outputFile())
	require.NoError(t, err)
	defer r.Close()
	require.Equal(t, 2, r.N())

	results, err := r.Search([]string{"felines"}, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, uint32(0), results[0].ChunkID)
}

func TestEmbedAndDenseIndexStages(t *testing.T) {
	work := t.TempDir()
	input := filepath.Join(work, "filtered", "filtered.jsonl")
	require.NoError(t, os.MkdirAll(filepath.Dir(input), 0755))

	f, err := os.Create(input)
	require.NoError(t, err)
	enc := json.NewEncoder(f)
	for i := 0; i < 25; i++ {
		require.NoError(t, enc.Encode(&chunks.Chunk{
			ChunkID:   uint32(i),
			PageID:    int64(i),
			PageTitle: "P",
			Text:      strings.Repeat("text ", i+1),
		}))
	}
	require.NoError(t, f.Close())

	embedCfg := config.EmbedConfig{ModelName: "fake", BatchSize: 4, ShardSize: 10, Dimension: 8}
	embedder := &fakeEmbedder{dim: 8}
	es := NewEmbedStage(embedCfg, embedder, input, work)
	require.NoError(t, es.Run(context.Background()))

	shards, err := es.ShardPaths()
	require.NoError(t, err)
	require.Len(t, shards, 3, "25 records at shard size 10")

	// Shards preserve the dense id order across files.
	var ids []uint32
	for _, p := range shards {
		require.NoError(t, embed.IterateShard(p, func(rec *embed.ShardRecord) error {
			ids = append(ids, rec.ChunkID)
			return nil
		}))
	}
	require.Len(t, ids, 25)
	for i, id := range ids {
		require.Equal(t, uint32(i), id)
	}

	flat := embed.NewFlatIndex(8)
	ds := NewDenseIndexStage(config.DenseIndexConfig{Backend: "flat"}, embedCfg, es, flat, work)
	require.NoError(t, ds.Run(context.Background()))
	require.Equal(t, 25, flat.Count())

	// dense.meta.json records model, dimension, metric.
	data, err := os.ReadFile(ds.metaFile())
	require.NoError(t, err)
	var meta DenseMeta
	require.NoError(t, json.Unmarshal(data, &meta))
	require.Equal(t, "fake", meta.Model)
	require.Equal(t, 8, meta.Dimension)
	require.Equal(t, "cosine", meta.Metric)
	require.Equal(t, 25, meta.Count)

	// The flat snapshot reloads.
	loaded, err := embed.LoadFlatIndex(ds.flatFile())
	require.NoError(t, err)
	require.Equal(t, 25, loaded.Count())
}

func TestFullBuildProducesBundle(t *testing.T) {
	dir := t.TempDir()
	dump := synthDump(t, dir, 30)

	cfg := config.Default()
	cfg.WorkDir = filepath.Join(dir, "work")
	cfg.BundleDir = filepath.Join(dir, "bundle")
	cfg.StreamParse.SourceURL = "file://" + dump
	cfg.Chunk = config.ChunkConfig{MaxChunkTokens: 32, OverlapTokens: 0}
	cfg.Filter = config.FilterConfig{MinChunkLength: 10, MaxChunkLength: 10000}
	cfg.Embed = config.EmbedConfig{ModelName: "fake", BatchSize: 8, ShardSize: 50, Dimension: 8}
	cfg.Package.ZstBlocks = true

	require.NoError(t, Build(context.Background(), cfg, &fakeEmbedder{dim: 8}, embed.NewFlatIndex(8)))

	for _, name := range []string{"manifest.json", "chunks.jsonl", "sparse.idx", "dense.meta.json", "dense.flat", "text.zstblocks"} {
		_, err := os.Stat(filepath.Join(cfg.BundleDir, name))
		require.NoError(t, err, name)
	}

	var manifest Manifest
	data, err := os.ReadFile(filepath.Join(cfg.BundleDir, "manifest.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &manifest))
	require.Equal(t, ManifestVersion, manifest.Version)
	require.Positive(t, manifest.ChunkCount)
	require.Positive(t, manifest.AvgDocLen)

	// chunk store and sparse index agree on the corpus size.
	store, err := chunks.OpenJSONL(filepath.Join(cfg.BundleDir, "chunks.jsonl"))
	require.NoError(t, err)
	defer store.Close()
	require.Equal(t, manifest.ChunkCount, store.Count())

	r, err := sparse.Open(filepath.Join(cfg.BundleDir, "sparse.idx"))
	require.NoError(t, err)
	defer r.Close()
	require.Equal(t, manifest.ChunkCount, r.N())

	// A second Build skips every stage (all states intact).
	require.NoError(t, Build(context.Background(), cfg, &fakeEmbedder{dim: 8}, embed.NewFlatIndex(8)))
}
