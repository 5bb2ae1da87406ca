package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"path/filepath"

	"github.com/orneryd/pocketwiki/pkg/config"
	"github.com/orneryd/pocketwiki/pkg/embed"
	"github.com/orneryd/pocketwiki/pkg/util"
)

// DenseMeta is dense.meta.json: what produced the vectors and how to
// compare them.
type DenseMeta struct {
	Model     string `json:"model"`
	Dimension int    `json:"dimension"`
	Metric    string `json:"metric"`
	Backend   string `json:"backend"`
	Count     int    `json:"count"`
}

// DenseIndexStage loads embedding shards, in shard order, into the
// configured ANN backend. Shard order preserves chunk_id order; the dense
// index must never reorder rows relative to the sparse index.
type DenseIndexStage struct {
	cfg      config.DenseIndexConfig
	embedCfg config.EmbedConfig
	embeds   *EmbedStage
	index    embed.DenseIndex
	workDir  string
}

// NewDenseIndexStage creates the stage. index is the backend to fill; for
// the flat backend pass a *embed.FlatIndex so the stage can snapshot it.
func NewDenseIndexStage(cfg config.DenseIndexConfig, embedCfg config.EmbedConfig, embeds *EmbedStage, index embed.DenseIndex, workDir string) *DenseIndexStage {
	return &DenseIndexStage{cfg: cfg, embedCfg: embedCfg, embeds: embeds, index: index, workDir: workDir}
}

func (s *DenseIndexStage) Name() string { return "dense_index" }

func (s *DenseIndexStage) InputHash() (string, error) {
	shards, err := s.embeds.ShardPaths()
	if err != nil {
		return "", err
	}
	return HashInputs(config.Hash(s.cfg), shards...)
}

func (s *DenseIndexStage) metaFile() string {
	return filepath.Join(s.workDir, "indexes", "dense.meta.json")
}

func (s *DenseIndexStage) flatFile() string {
	return filepath.Join(s.workDir, "indexes", "dense.flat")
}

func (s *DenseIndexStage) OutputFiles() []string {
	out := []string{s.metaFile()}
	if s.cfg.Backend == "flat" {
		out = append(out, s.flatFile())
	}
	return out
}

// Run streams every shard into the backend in batches.
func (s *DenseIndexStage) Run(ctx context.Context) error {
	shards, err := s.embeds.ShardPaths()
	if err != nil {
		return err
	}

	const batch = 256
	var (
		ids     []uint32
		vectors [][]float32
		total   int
		dim     int
	)
	flush := func() error {
		if len(ids) == 0 {
			return nil
		}
		if err := s.index.Upsert(ctx, ids, vectors); err != nil {
			return err
		}
		total += len(ids)
		ids = ids[:0]
		vectors = vectors[:0]
		return nil
	}

	for _, path := range shards {
		err := embed.IterateShard(path, func(rec *embed.ShardRecord) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if dim == 0 {
				dim = len(rec.Vector)
			}
			ids = append(ids, rec.ChunkID)
			vectors = append(vectors, rec.Vector)
			if len(ids) >= batch {
				return flush()
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("dense_index: %s: %w", path, err)
		}
	}
	if err := flush(); err != nil {
		return err
	}

	if flat, ok := s.index.(*embed.FlatIndex); ok {
		if err := flat.Save(s.flatFile()); err != nil {
			return err
		}
	}

	meta := DenseMeta{
		Model:     s.embedCfg.ModelName,
		Dimension: dim,
		Metric:    "cosine",
		Backend:   s.cfg.Backend,
		Count:     total,
	}
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	if err := util.WriteFileAtomic(s.metaFile(), data, 0644); err != nil {
		return err
	}
	log.Printf("[dense_index] loaded %d vectors (dim %d) into %s backend", total, dim, s.cfg.Backend)
	return nil
}
