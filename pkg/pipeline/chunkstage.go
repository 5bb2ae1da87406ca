package pipeline

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/orneryd/pocketwiki/pkg/chunks"
	"github.com/orneryd/pocketwiki/pkg/config"
	"github.com/orneryd/pocketwiki/pkg/util"
)

// ChunkStage splits articles into token-bounded chunks with overlap.
// Chunk ids assigned here are provisional; the filter stage renumbers
// survivors into the final dense sequence.
type ChunkStage struct {
	cfg       config.ChunkConfig
	inputFile string
	workDir   string
}

// NewChunkStage creates the stage reading articles from inputFile.
func NewChunkStage(cfg config.ChunkConfig, inputFile, workDir string) *ChunkStage {
	return &ChunkStage{cfg: cfg, inputFile: inputFile, workDir: workDir}
}

func (s *ChunkStage) Name() string { return "chunk" }

func (s *ChunkStage) InputHash() (string, error) {
	return HashInputs(config.Hash(s.cfg), s.inputFile)
}

func (s *ChunkStage) outputFile() string {
	return filepath.Join(s.workDir, "chunks", "chunks.jsonl")
}

func (s *ChunkStage) OutputFiles() []string { return []string{s.outputFile()} }

// Run streams articles.jsonl and writes one chunk record per fragment.
func (s *ChunkStage) Run(ctx context.Context) error {
	in, err := os.Open(s.inputFile)
	if err != nil {
		return err
	}
	defer in.Close()

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

	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 1<<20), 64<<20)
	var nextID uint32
	var articles int
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			out.Close()
			return err
		}
		var a Article
		if err := json.Unmarshal(sc.Bytes(), &a); err != nil {
			out.Close()
			return fmt.Errorf("chunk: %s line %d: %w", s.inputFile, articles, err)
		}
		for _, text := range util.ChunkText(a.Text, s.cfg.MaxChunkTokens, s.cfg.OverlapTokens) {
			if err := enc.Encode(&chunks.Chunk{
				ChunkID:    nextID,
				PageID:     a.ID,
				PageTitle:  a.Title,
				Text:       text,
				TokenCount: util.CountApproxTokens(text),
			}); err != nil {
				out.Close()
				return err
			}
			nextID++
		}
		articles++
	}
	if err := sc.Err(); err != nil {
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
	log.Printf("[chunk] %d articles -> %d chunks", articles, nextID)
	return os.Rename(tmp, s.outputFile())
}
