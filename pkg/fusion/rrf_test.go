package fusion

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFuseOverlap(t *testing.T) {
	// Dense = [A B C D], Sparse = [C A E F] with A=0 B=1 C=2 D=3 E=4 F=5.
	dense := []uint32{0, 1, 2, 3}
	sparse := []uint32{2, 0, 4, 5}

	got := Fuse(dense, sparse, 60, 4)
	require.Len(t, got, 4)

	require.Equal(t, uint32(0), got[0].ChunkID) // A: 1/61 + 1/62
	require.InDelta(t, 1.0/61+1.0/62, got[0].Score, 1e-12)
	require.Equal(t, uint32(2), got[1].ChunkID) // C: 1/63 + 1/61
	require.InDelta(t, 1.0/63+1.0/61, got[1].Score, 1e-12)
	require.Equal(t, uint32(1), got[2].ChunkID) // B: 1/62
	require.InDelta(t, 1.0/62, got[2].Score, 1e-12)
	require.Equal(t, uint32(4), got[3].ChunkID) // E: 1/63 (sparse rank 3) beats D's 1/64
	require.InDelta(t, 1.0/63, got[3].Score, 1e-12)

	// D and F trail when more results are requested: both score 1/64, so
	// the tie breaks by ascending chunk id.
	got = Fuse(dense, sparse, 60, 6)
	require.Len(t, got, 6)
	require.Equal(t, uint32(3), got[4].ChunkID)
	require.Equal(t, uint32(5), got[5].ChunkID)
}

func TestFuseDisjointEqualLength(t *testing.T) {
	dense := []uint32{10, 11, 12}
	sparse := []uint32{20, 21, 22}

	got := Fuse(dense, sparse, 60, 6)
	require.Len(t, got, 6)

	// With no common element, every rank r element carries exactly 1/(k+r),
	// and equal ranks tie broken by ascending chunk id.
	for r := 0; r < 3; r++ {
		require.InDelta(t, 1.0/float64(60+r+1), got[2*r].Score, 1e-12)
		require.InDelta(t, got[2*r].Score, got[2*r+1].Score, 1e-12)
		require.Less(t, got[2*r].ChunkID, got[2*r+1].ChunkID)
	}
}

func TestFuseEdgeCases(t *testing.T) {
	require.Nil(t, Fuse(nil, nil, 60, 10))
	require.Nil(t, Fuse([]uint32{1}, nil, 60, 0))

	// k <= 0 falls back to the default constant.
	got := Fuse([]uint32{7}, nil, 0, 1)
	require.Len(t, got, 1)
	require.InDelta(t, 1.0/61, got[0].Score, 1e-12)

	// One-sided input still ranks.
	got = Fuse(nil, []uint32{3, 1}, 60, 5)
	require.Equal(t, uint32(3), got[0].ChunkID)
	require.Equal(t, uint32(1), got[1].ChunkID)
}

func TestFuseTruncates(t *testing.T) {
	got := Fuse([]uint32{1, 2, 3, 4, 5}, nil, 60, 2)
	require.Len(t, got, 2)
	require.Equal(t, uint32(1), got[0].ChunkID)
	require.Equal(t, uint32(2), got[1].ChunkID)
}
