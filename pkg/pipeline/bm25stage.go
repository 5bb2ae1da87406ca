package pipeline

import (
	"context"
	"log"
	"path/filepath"

	"github.com/orneryd/pocketwiki/pkg/chunks"
	"github.com/orneryd/pocketwiki/pkg/sparse"
)

// BM25BuildStage builds the compressed lexical index over the filtered
// chunks. Chunks are consumed in chunk_id order, which the builder enforces.
type BM25BuildStage struct {
	inputFile string
	workDir   string
}

// NewBM25BuildStage creates the stage.
func NewBM25BuildStage(inputFile, workDir string) *BM25BuildStage {
	return &BM25BuildStage{inputFile: inputFile, workDir: workDir}
}

func (s *BM25BuildStage) Name() string { return "bm25_build" }

func (s *BM25BuildStage) InputHash() (string, error) {
	return HashInputs("", s.inputFile)
}

func (s *BM25BuildStage) outputFile() string {
	return filepath.Join(s.workDir, "indexes", "sparse.idx")
}

func (s *BM25BuildStage) OutputFiles() []string { return []string{s.outputFile()} }

// Run accumulates postings in one pass and writes the index atomically.
func (s *BM25BuildStage) Run(ctx context.Context) error {
	b := sparse.NewBuilder()
	err := chunks.IterateJSONL(s.inputFile, func(c *chunks.Chunk) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return b.Add(c.ChunkID, c.Text)
	})
	if err != nil {
		return err
	}
	if err := b.WriteFile(s.outputFile()); err != nil {
		return err
	}
	log.Printf("[bm25_build] indexed %d chunks (avgdl %.1f)", b.DocCount(), b.AvgDocLen())
	return nil
}
