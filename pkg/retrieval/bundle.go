package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/orneryd/pocketwiki/pkg/chunks"
	"github.com/orneryd/pocketwiki/pkg/config"
	"github.com/orneryd/pocketwiki/pkg/embed"
	"github.com/orneryd/pocketwiki/pkg/pipeline"
	"github.com/orneryd/pocketwiki/pkg/sparse"
)

// Bundle is an opened bundle directory: validated manifest, memory-mapped
// sparse index, dense backend, and chunk store.
type Bundle struct {
	Dir      string
	Manifest pipeline.Manifest

	Sparse *sparse.Reader
	Dense  embed.DenseIndex
	Store  chunks.Store
}

// OpenBundle loads and validates a bundle directory. The dense backend
// comes from the manifest's recorded configuration; pass overrideDense to
// substitute one (e.g. a live Qdrant connection).
func OpenBundle(ctx context.Context, dir string, overrideDense embed.DenseIndex) (*Bundle, error) {
	data, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		return nil, fmt.Errorf("retrieval: bundle manifest: %w", err)
	}
	var manifest pipeline.Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("retrieval: bundle manifest: %w", err)
	}

	sp, err := sparse.Open(filepath.Join(dir, "sparse.idx"))
	if err != nil {
		return nil, err
	}

	b := &Bundle{Dir: dir, Manifest: manifest, Sparse: sp}

	if b.Store, err = openStore(dir); err != nil {
		sp.Close()
		return nil, err
	}

	b.Dense = overrideDense
	if b.Dense == nil {
		b.Dense, err = openDense(ctx, dir, manifest.Config)
		if err != nil {
			b.Close()
			return nil, err
		}
	}

	if b.Store.Count() != sp.N() {
		b.Close()
		return nil, fmt.Errorf("retrieval: chunk store holds %d chunks but index holds %d", b.Store.Count(), sp.N())
	}
	return b, nil
}

// openStore prefers the zstd block store when present, then Badger, then
// the plain jsonl store.
func openStore(dir string) (chunks.Store, error) {
	if _, err := os.Stat(filepath.Join(dir, "text.zstblocks")); err == nil {
		return chunks.OpenZstBlocks(filepath.Join(dir, "text.zstblocks"))
	}
	if _, err := os.Stat(filepath.Join(dir, "chunks.badger")); err == nil {
		return chunks.OpenBadger(filepath.Join(dir, "chunks.badger"))
	}
	return chunks.OpenJSONL(filepath.Join(dir, "chunks.jsonl"))
}

func openDense(ctx context.Context, dir string, cfg *config.Config) (embed.DenseIndex, error) {
	if cfg != nil && cfg.DenseIndex.Backend == "qdrant" {
		return embed.NewQdrantIndex(ctx, cfg.DenseIndex.QdrantAddr, cfg.DenseIndex.Collection, cfg.Embed.Dimension)
	}
	flat, err := embed.LoadFlatIndex(filepath.Join(dir, "dense.flat"))
	if err != nil {
		if os.IsNotExist(err) {
			// Lexical-only bundle.
			return nil, nil
		}
		return nil, err
	}
	return flat, nil
}

// Close releases every open resource.
func (b *Bundle) Close() error {
	var first error
	if b.Sparse != nil {
		if err := b.Sparse.Close(); err != nil && first == nil {
			first = err
		}
	}
	if b.Store != nil {
		if err := b.Store.Close(); err != nil && first == nil {
			first = err
		}
	}
	if b.Dense != nil {
		if err := b.Dense.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
