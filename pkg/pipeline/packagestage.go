package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/orneryd/pocketwiki/pkg/chunks"
	"github.com/orneryd/pocketwiki/pkg/config"
	"github.com/orneryd/pocketwiki/pkg/sparse"
	"github.com/orneryd/pocketwiki/pkg/util"
)

// Manifest is bundle/manifest.json.
type Manifest struct {
	Version     string         `json:"version"`
	ToolVersion string         `json:"tool_version"`
	CreatedAt   time.Time      `json:"created_at"`
	ChunkCount  int            `json:"chunk_count"`
	AvgDocLen   float64        `json:"avgdl"`
	Config      *config.Config `json:"config"`
}

// ManifestVersion is the bundle layout version.
const ManifestVersion = "1.0.0"

// PackageStage assembles the final bundle directory from the work tree:
// chunks.jsonl, sparse.idx, the dense index artifacts, optional alternate
// chunk stores, and the manifest.
type PackageStage struct {
	cfg       config.PackageConfig
	full      *config.Config
	workDir   string
	bundleDir string
}

// NewPackageStage creates the stage.
func NewPackageStage(cfg config.PackageConfig, full *config.Config, workDir, bundleDir string) *PackageStage {
	return &PackageStage{cfg: cfg, full: full, workDir: workDir, bundleDir: bundleDir}
}

func (s *PackageStage) Name() string { return "package" }

func (s *PackageStage) InputHash() (string, error) {
	return HashInputs(config.Hash(s.cfg),
		filepath.Join(s.workDir, "filtered", "filtered.jsonl"),
		filepath.Join(s.workDir, "indexes", "sparse.idx"),
	)
}

func (s *PackageStage) manifestFile() string {
	return filepath.Join(s.bundleDir, "manifest.json")
}

func (s *PackageStage) OutputFiles() []string { return []string{s.manifestFile()} }

// Run copies the artifacts into the bundle and writes the manifest last, so
// a bundle with a manifest is always complete.
func (s *PackageStage) Run(ctx context.Context) error {
	if err := os.MkdirAll(s.bundleDir, 0755); err != nil {
		return err
	}

	copies := [][2]string{
		{filepath.Join(s.workDir, "filtered", "filtered.jsonl"), "chunks.jsonl"},
		{filepath.Join(s.workDir, "indexes", "sparse.idx"), "sparse.idx"},
		{filepath.Join(s.workDir, "indexes", "dense.meta.json"), "dense.meta.json"},
	}
	if s.full.DenseIndex.Backend == "flat" {
		copies = append(copies, [2]string{filepath.Join(s.workDir, "indexes", "dense.flat"), "dense.flat"})
	}
	for _, c := range copies {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := copyFile(c[0], filepath.Join(s.bundleDir, c[1])); err != nil {
			return fmt.Errorf("package: %s: %w", c[1], err)
		}
	}

	bundleChunks := filepath.Join(s.bundleDir, "chunks.jsonl")
	if s.cfg.ZstBlocks {
		if err := chunks.WriteZstBlocks(bundleChunks,
			filepath.Join(s.bundleDir, "text.zstblocks"), s.cfg.ZstBlockChunks); err != nil {
			return err
		}
	}
	if s.cfg.BadgerStore {
		if err := s.buildBadgerStore(bundleChunks); err != nil {
			return err
		}
	}

	// avgdl and chunk count come straight from the built index.
	r, err := sparse.Open(filepath.Join(s.bundleDir, "sparse.idx"))
	if err != nil {
		return err
	}
	manifest := Manifest{
		Version:     ManifestVersion,
		ToolVersion: ToolVersion,
		CreatedAt:   time.Now().UTC(),
		ChunkCount:  r.N(),
		AvgDocLen:   r.AvgDocLen(),
		Config:      s.full,
	}
	r.Close()

	data, err := json.MarshalIndent(&manifest, "", "  ")
	if err != nil {
		return err
	}
	if err := util.WriteFileAtomic(s.manifestFile(), data, 0644); err != nil {
		return err
	}
	log.Printf("[package] bundle at %s (%d chunks)", s.bundleDir, manifest.ChunkCount)
	return nil
}

func (s *PackageStage) buildBadgerStore(bundleChunks string) error {
	store, err := chunks.OpenBadger(filepath.Join(s.bundleDir, "chunks.badger"))
	if err != nil {
		return err
	}
	defer store.Close()

	const batchSize = 1000
	batch := make([]*chunks.Chunk, 0, batchSize)
	err = chunks.IterateJSONL(bundleChunks, func(c *chunks.Chunk) error {
		cc := *c
		batch = append(batch, &cc)
		if len(batch) >= batchSize {
			if err := store.PutBatch(batch); err != nil {
				return err
			}
			batch = batch[:0]
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(batch) > 0 {
		return store.PutBatch(batch)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
