// Package retrieval assembles hybrid query results: sparse BM25 and dense
// ANN retrieval fused with RRF, resolved back to chunk text with citations.
package retrieval

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/orneryd/pocketwiki/pkg/chunks"
	"github.com/orneryd/pocketwiki/pkg/config"
	"github.com/orneryd/pocketwiki/pkg/embed"
	"github.com/orneryd/pocketwiki/pkg/fusion"
	"github.com/orneryd/pocketwiki/pkg/sparse"
)

// RetrievedChunk is one fused result with its provenance.
type RetrievedChunk struct {
	ChunkID    uint32
	PageID     int64
	PageTitle  string
	Text       string
	FusedScore float64
	Rank       int
}

// Assembler runs the query path. All fields are read-only after
// construction, so one Assembler serves concurrent requests.
type Assembler struct {
	cfg      config.RetrievalConfig
	sparse   *sparse.Reader
	dense    embed.DenseIndex
	embedder embed.Embedder
	store    chunks.Store
}

// NewAssembler wires the retrieval dependencies. dense and embedder may be
// nil together for lexical-only operation.
func NewAssembler(cfg config.RetrievalConfig, sp *sparse.Reader, dense embed.DenseIndex, embedder embed.Embedder, store chunks.Store) *Assembler {
	return &Assembler{cfg: cfg, sparse: sp, dense: dense, embedder: embedder, store: store}
}

// Query runs dense and sparse retrieval in parallel, fuses the rankings,
// and resolves the surviving chunk ids.
func (a *Assembler) Query(ctx context.Context, q string) ([]RetrievedChunk, error) {
	reqID := uuid.NewString()[:8]

	var (
		denseIDs  []uint32
		sparseIDs []uint32
	)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		terms, err := sparse.Tokenize(q)
		if err != nil {
			return fmt.Errorf("tokenize query: %w", err)
		}
		results, err := a.sparse.Search(terms, a.cfg.SparseK)
		if err != nil {
			return err
		}
		sparseIDs = make([]uint32, len(results))
		for i, r := range results {
			sparseIDs[i] = r.ChunkID
		}
		return nil
	})

	if a.dense != nil && a.embedder != nil {
		g.Go(func() error {
			vectors, err := a.embedder.Embed(gctx, []string{q})
			if err != nil {
				return err
			}
			results, err := a.dense.Search(gctx, vectors[0], a.cfg.DenseK)
			if err != nil {
				return err
			}
			denseIDs = make([]uint32, len(results))
			for i, r := range results {
				denseIDs[i] = r.ChunkID
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	fused := fusion.Fuse(denseIDs, sparseIDs, a.cfg.RRFK, a.cfg.FusedK)
	log.Printf("[retrieval %s] dense=%d sparse=%d fused=%d", reqID, len(denseIDs), len(sparseIDs), len(fused))

	out := make([]RetrievedChunk, 0, len(fused))
	seenPages := make(map[int64]struct{})
	for _, f := range fused {
		c, err := a.store.Get(f.ChunkID)
		if err != nil {
			return nil, fmt.Errorf("resolve chunk %d: %w", f.ChunkID, err)
		}
		if a.cfg.DedupByPage {
			if _, dup := seenPages[c.PageID]; dup {
				continue
			}
			seenPages[c.PageID] = struct{}{}
		}
		out = append(out, RetrievedChunk{
			ChunkID:    f.ChunkID,
			PageID:     c.PageID,
			PageTitle:  c.PageTitle,
			Text:       c.Text,
			FusedScore: f.Score,
			Rank:       len(out),
		})
	}
	return out, nil
}

// BuildContext concatenates retrieved chunks into the prompt context,
// citation first, truncating at the token budget without splitting a chunk.
// Tokens are approximated as four characters each.
func BuildContext(results []RetrievedChunk, maxTokens int) string {
	var b strings.Builder
	budget := maxTokens * 4
	for _, r := range results {
		formatted := fmt.Sprintf("[%s]\n%s\n\n", r.PageTitle, r.Text)
		if b.Len()+len(formatted) > budget {
			break
		}
		b.WriteString(formatted)
	}
	return b.String()
}
