package pipeline

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/orneryd/pocketwiki/pkg/config"
	"github.com/orneryd/pocketwiki/pkg/embed"
)

// NewDenseBackend constructs the configured ANN backend.
func NewDenseBackend(ctx context.Context, cfg *config.Config) (embed.DenseIndex, error) {
	switch cfg.DenseIndex.Backend {
	case "", "flat":
		return embed.NewFlatIndex(cfg.Embed.Dimension), nil
	case "qdrant":
		return embed.NewQdrantIndex(ctx, cfg.DenseIndex.QdrantAddr, cfg.DenseIndex.Collection, cfg.Embed.Dimension)
	default:
		return nil, fmt.Errorf("pipeline: unknown dense backend %q", cfg.DenseIndex.Backend)
	}
}

// Build wires the full stage DAG and executes it:
// StreamParse -> Chunk -> Filter -> Embed -> DenseIndex -> BM25 Build -> Package.
func Build(ctx context.Context, cfg *config.Config, embedder embed.Embedder, dense embed.DenseIndex) error {
	work := cfg.WorkDir

	streamParse := NewStreamParseStage(cfg.StreamParse, work)
	chunk := NewChunkStage(cfg.Chunk, streamParse.outputFile(), work)
	filter := NewFilterStage(cfg.Filter, chunk.outputFile(), work)
	embedStage := NewEmbedStage(cfg.Embed, embedder, filter.outputFile(), work)
	denseIndex := NewDenseIndexStage(cfg.DenseIndex, cfg.Embed, embedStage, dense, work)
	bm25 := NewBM25BuildStage(filter.outputFile(), work)
	pack := NewPackageStage(cfg.Package, cfg, work, cfg.BundleDir)

	return NewRunner(work).Execute(ctx,
		streamParse,
		chunk,
		filter,
		embedStage,
		denseIndex,
		bm25,
		pack,
	)
}

// WorkPaths exposes the well-known files inside a work directory.
type WorkPaths struct {
	Articles  string
	Chunks    string
	Filtered  string
	SparseIdx string
	DenseFlat string
	DenseMeta string
}

// PathsFor returns the work-tree layout for workDir.
func PathsFor(workDir string) WorkPaths {
	return WorkPaths{
		Articles:  filepath.Join(workDir, "parsed", "articles.jsonl"),
		Chunks:    filepath.Join(workDir, "chunks", "chunks.jsonl"),
		Filtered:  filepath.Join(workDir, "filtered", "filtered.jsonl"),
		SparseIdx: filepath.Join(workDir, "indexes", "sparse.idx"),
		DenseFlat: filepath.Join(workDir, "indexes", "dense.flat"),
		DenseMeta: filepath.Join(workDir, "indexes", "dense.meta.json"),
	}
}
