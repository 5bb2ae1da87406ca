// Package embed holds the embedding and dense-index collaborators the
// retrieval core depends on. The core only sees the two small interfaces
// here; everything else is an adapter.
package embed

import (
	"context"
	"errors"
	"fmt"
)

// ErrExternal wraps failures raised by the embedder or ANN backends so
// callers can tell collaborator faults from their own.
var ErrExternal = errors.New("embed: external backend failure")

// Embedder turns text batches into fixed-dimension vectors. Implementations
// are deterministic and stateless after load.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// DenseResult is one dense nearest-neighbor hit.
type DenseResult struct {
	ChunkID uint32
	Score   float32
}

// DenseIndex is the external ANN surface. Search returns up to k hits in
// descending similarity order.
type DenseIndex interface {
	Upsert(ctx context.Context, ids []uint32, vectors [][]float32) error
	Search(ctx context.Context, vector []float32, k int) ([]DenseResult, error)
	Close() error
}

func externalErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrExternal, op, err)
}
