package pipeline

import (
	"bufio"
	"context"
	"encoding/json"
	"log"
	"os"
	"path/filepath"

	"github.com/orneryd/pocketwiki/pkg/chunks"
	"github.com/orneryd/pocketwiki/pkg/config"
)

// FilterStage drops chunks outside the configured character-length band and
// renumbers survivors into the final dense chunk_id sequence (0..N-1).
// Everything downstream (both indices and the chunk store) keys off the ids
// written here, so the output order is the canonical chunk order.
type FilterStage struct {
	cfg       config.FilterConfig
	inputFile string
	workDir   string
}

// NewFilterStage creates the stage.
func NewFilterStage(cfg config.FilterConfig, inputFile, workDir string) *FilterStage {
	return &FilterStage{cfg: cfg, inputFile: inputFile, workDir: workDir}
}

func (s *FilterStage) Name() string { return "filter" }

func (s *FilterStage) InputHash() (string, error) {
	return HashInputs(config.Hash(s.cfg), s.inputFile)
}

func (s *FilterStage) outputFile() string {
	return filepath.Join(s.workDir, "filtered", "filtered.jsonl")
}

func (s *FilterStage) OutputFiles() []string { return []string{s.outputFile()} }

// Run streams the chunk file and writes the filtered, renumbered output.
func (s *FilterStage) Run(ctx context.Context) error {
	tmp := s.outputFile() + ".tmp"
	if err := os.MkdirAll(filepath.Dir(tmp), 0755); err != nil {
		return err
	}
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	w := bufio.NewWriterSize(out, 1<<20)
	enc := json.NewEncoder(w)

	var kept, seen uint32
	err = chunks.IterateJSONL(s.inputFile, func(c *chunks.Chunk) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		seen++
		if len(c.Text) < s.cfg.MinChunkLength || len(c.Text) > s.cfg.MaxChunkLength {
			return nil
		}
		c.ChunkID = kept
		kept++
		return enc.Encode(c)
	})
	if err != nil {
		out.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	log.Printf("[filter] kept %d of %d chunks", kept, seen)
	return os.Rename(tmp, s.outputFile())
}
