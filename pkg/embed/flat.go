package embed

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/orneryd/pocketwiki/pkg/util"
)

const flatIndexFormatVersion = "1.0.0"

// FlatIndex is an exact cosine-similarity index held in memory. It is the
// fully offline DenseIndex for bundles small enough to brute-force, and the
// reference implementation the Qdrant adapter is checked against. Row i
// holds the vector for chunk id i.
type FlatIndex struct {
	mu        sync.RWMutex
	dimension int
	vectors   [][]float32 // L2-normalized at insert
}

// NewFlatIndex creates an empty index of the given dimension.
func NewFlatIndex(dimension int) *FlatIndex {
	return &FlatIndex{dimension: dimension}
}

// Upsert appends vectors. Ids must continue the dense 0..N-1 sequence; the
// filter stage assigns ids in that order and anything else is a programmer
// error.
func (f *FlatIndex) Upsert(_ context.Context, ids []uint32, vectors [][]float32) error {
	if len(ids) != len(vectors) {
		return errors.New("embed: ids and vectors length mismatch")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, id := range ids {
		if int(id) != len(f.vectors) {
			panic(fmt.Sprintf("embed: vector id %d out of order (want %d)", id, len(f.vectors)))
		}
		if len(vectors[i]) != f.dimension {
			return fmt.Errorf("embed: vector %d has dimension %d, want %d", id, len(vectors[i]), f.dimension)
		}
		f.vectors = append(f.vectors, normalize(vectors[i]))
	}
	return nil
}

// Search scans all rows and returns the top k by cosine similarity,
// descending, ties broken by ascending chunk id.
func (f *FlatIndex) Search(_ context.Context, vector []float32, k int) ([]DenseResult, error) {
	if k <= 0 {
		return nil, nil
	}
	query := normalize(vector)

	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]DenseResult, 0, len(f.vectors))
	for id, row := range f.vectors {
		out = append(out, DenseResult{ChunkID: uint32(id), Score: dot(query, row)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ChunkID < out[j].ChunkID
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// Count returns the number of indexed vectors.
func (f *FlatIndex) Count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.vectors)
}

// Dimension returns the vector width.
func (f *FlatIndex) Dimension() int { return f.dimension }

// Close is a no-op; the index is memory only.
func (f *FlatIndex) Close() error { return nil }

type flatSnapshot struct {
	Version   string      `msgpack:"v"`
	Dimension int         `msgpack:"dim"`
	Vectors   [][]float32 `msgpack:"vectors"`
}

// Save writes a msgpack snapshot of the index.
func (f *FlatIndex) Save(path string) error {
	f.mu.RLock()
	snap := flatSnapshot{
		Version:   flatIndexFormatVersion,
		Dimension: f.dimension,
		Vectors:   f.vectors,
	}
	data, err := msgpack.Marshal(&snap)
	f.mu.RUnlock()
	if err != nil {
		return err
	}
	return util.WriteFileAtomic(path, data, 0644)
}

// LoadFlatIndex reads a snapshot written by Save.
func LoadFlatIndex(path string) (*FlatIndex, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snap flatSnapshot
	if err := msgpack.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("embed: flat index snapshot: %w", err)
	}
	if snap.Version != flatIndexFormatVersion {
		return nil, fmt.Errorf("embed: flat index version %q not supported", snap.Version)
	}
	return &FlatIndex{dimension: snap.Dimension, vectors: snap.Vectors}, nil
}

func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := float32(1 / math.Sqrt(sum))
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x * inv
	}
	return out
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}
