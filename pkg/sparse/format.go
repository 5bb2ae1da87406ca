package sparse

import "errors"

// On-disk layout of the BM25 index (little-endian):
//
//	magic          "PWB1"  (4 bytes)
//	version        u32
//	N              u64
//	sum_lengths    u64
//	doc_lengths_off u64
//	dict_off       u64
//	dict_bytes     u64
//	postings_off   u64
//	postings_bytes u64
//	[doc_lengths]  N x u32
//	[dictionary]   sorted (term_len varint, term_bytes, df varint, post_off varint, post_len varint)
//	[postings]     concatenated (first_doc_id varint, tf varint, (delta varint, tf varint)*)
const (
	indexMagic         = "PWB1"
	indexFormatVersion = 1
	indexHeaderSize    = 4 + 4 + 7*8
)

// BM25 parameters (standard values). Overridable at open time through
// POCKETWIKI_BM25_K1 / POCKETWIKI_BM25_B for tuning experiments.
const (
	bm25K1 = 1.2  // Term frequency saturation
	bm25B  = 0.75 // Length normalization
)

// ErrCorruptIndex is returned when the index file fails structural
// validation: bad magic, unknown version, region offsets out of bounds, or
// malformed varints inside the dictionary or a posting list.
var ErrCorruptIndex = errors.New("sparse: corrupt index")
