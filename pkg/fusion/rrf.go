// Package fusion combines ranked retrieval lists with Reciprocal Rank
// Fusion. RRF is rank-only: it ignores the incomparable raw scores of the
// dense and sparse retrievers and rewards agreement between them.
package fusion

import "sort"

// DefaultK is the standard RRF smoothing constant.
const DefaultK = 60

// Fused is one entry of the combined ranking.
type Fused struct {
	ChunkID uint32
	Score   float64
}

// Fuse merges two ranked chunk-id lists. An id at 1-based rank r contributes
// 1/(k+r) per list it appears in; contributions sum across lists. Results
// are ordered by descending fused score, ties broken by ascending chunk id,
// and truncated to topK. k <= 0 falls back to DefaultK.
func Fuse(dense, sparse []uint32, k, topK int) []Fused {
	if k <= 0 {
		k = DefaultK
	}
	if topK <= 0 {
		return nil
	}

	scores := make(map[uint32]float64, len(dense)+len(sparse))
	for rank, id := range dense {
		scores[id] += 1.0 / float64(k+rank+1)
	}
	for rank, id := range sparse {
		scores[id] += 1.0 / float64(k+rank+1)
	}
	if len(scores) == 0 {
		return nil
	}

	out := make([]Fused, 0, len(scores))
	for id, score := range scores {
		out = append(out, Fused{ChunkID: id, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ChunkID < out[j].ChunkID
	})
	if len(out) > topK {
		out = out[:topK]
	}
	return out
}
