package pipeline

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"

	"github.com/orneryd/pocketwiki/pkg/chunks"
	"github.com/orneryd/pocketwiki/pkg/config"
	"github.com/orneryd/pocketwiki/pkg/embed"
)

// EmbedStage batches filtered chunks through the external embedder and
// writes (chunk id, vector) shard files. Shards decouple embedding (slow,
// model-bound) from dense-index construction (fast, backend-bound).
type EmbedStage struct {
	cfg       config.EmbedConfig
	embedder  embed.Embedder
	inputFile string
	workDir   string
}

// NewEmbedStage creates the stage.
func NewEmbedStage(cfg config.EmbedConfig, embedder embed.Embedder, inputFile, workDir string) *EmbedStage {
	return &EmbedStage{cfg: cfg, embedder: embedder, inputFile: inputFile, workDir: workDir}
}

func (s *EmbedStage) Name() string { return "embed" }

func (s *EmbedStage) InputHash() (string, error) {
	return HashInputs(config.Hash(s.cfg), s.inputFile)
}

func (s *EmbedStage) shardDir() string {
	return filepath.Join(s.workDir, "embeddings")
}

func (s *EmbedStage) shardPath(n int) string {
	return filepath.Join(s.shardDir(), fmt.Sprintf("embeddings-%05d.msgpack", n))
}

// OutputFiles declares the first shard; ShardPaths lists all of them after
// a run.
func (s *EmbedStage) OutputFiles() []string { return []string{s.shardPath(0)} }

// ShardPaths returns every shard file in order.
func (s *EmbedStage) ShardPaths() ([]string, error) {
	entries, err := filepath.Glob(filepath.Join(s.shardDir(), "embeddings-*.msgpack"))
	if err != nil {
		return nil, err
	}
	sort.Strings(entries)
	return entries, nil
}

// Run embeds every chunk, batch by batch, sharding the output.
func (s *EmbedStage) Run(ctx context.Context) error {
	if err := os.MkdirAll(s.shardDir(), 0755); err != nil {
		return err
	}
	// Stale shards from an aborted run would corrupt the id sequence.
	old, err := s.ShardPaths()
	if err != nil {
		return err
	}
	for _, p := range old {
		os.Remove(p)
	}

	batchSize := s.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 32
	}
	shardSize := s.cfg.ShardSize
	if shardSize <= 0 {
		shardSize = 10000
	}

	var (
		batchIDs   []uint32
		batchTexts []string
		shard      *embed.ShardWriter
		shardN     int
		inShard    int
		total      int
	)

	flushBatch := func() error {
		if len(batchTexts) == 0 {
			return nil
		}
		vectors, err := s.embedder.Embed(ctx, batchTexts)
		if err != nil {
			return fmt.Errorf("embed batch at chunk %d: %w", batchIDs[0], err)
		}
		for i, vec := range vectors {
			if shard == nil {
				var err error
				shard, err = embed.NewShardWriter(s.shardPath(shardN))
				if err != nil {
					return err
				}
			}
			if err := shard.Write(&embed.ShardRecord{ChunkID: batchIDs[i], Vector: vec}); err != nil {
				return err
			}
			inShard++
			if inShard >= shardSize {
				if err := shard.Close(); err != nil {
					return err
				}
				shard = nil
				shardN++
				inShard = 0
			}
		}
		total += len(batchTexts)
		batchIDs = batchIDs[:0]
		batchTexts = batchTexts[:0]
		return nil
	}

	err = chunks.IterateJSONL(s.inputFile, func(c *chunks.Chunk) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		batchIDs = append(batchIDs, c.ChunkID)
		batchTexts = append(batchTexts, c.Text)
		if len(batchTexts) >= batchSize {
			return flushBatch()
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := flushBatch(); err != nil {
		return err
	}
	if shard != nil {
		if err := shard.Close(); err != nil {
			return err
		}
	}
	log.Printf("[embed] embedded %d chunks into %d shard(s)", total, shardN+1)
	return nil
}
