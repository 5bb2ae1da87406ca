package sparse

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sort"

	"golang.org/x/sys/unix"

	"github.com/orneryd/pocketwiki/pkg/envutil"
	"github.com/orneryd/pocketwiki/pkg/varint"
)

// Result is one scored document from Search.
type Result struct {
	ChunkID uint32
	Score   float64
}

type dictEntry struct {
	term    string
	df      uint64
	postOff uint64
	postLen uint64
}

// Reader serves BM25 queries from a memory-mapped index file. The mapping is
// read-only and the struct is immutable after Open, so a single Reader is
// safe for unsynchronized concurrent use.
type Reader struct {
	f    *os.File
	data []byte

	n          uint64
	sumLengths uint64
	avgDocLen  float64

	docLengthsOff uint64
	postingsOff   uint64
	postingsLen   uint64

	dict []dictEntry

	k1 float64
	b  float64
}

// Open memory-maps the index at path and validates its structure. Any
// structural problem fails loudly with ErrCorruptIndex; a truncated or
// tampered index must never serve queries.
func (r *Reader) open(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	size := st.Size()
	if size < indexHeaderSize {
		f.Close()
		return fmt.Errorf("%w: file shorter than header (%d bytes)", ErrCorruptIndex, size)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return fmt.Errorf("sparse: mmap: %w", err)
	}
	r.f = f
	r.data = data
	if err := r.parseHeader(); err != nil {
		r.Close()
		return err
	}
	return nil
}

// Open opens the index file at path read-only.
func Open(path string) (*Reader, error) {
	r := &Reader{
		k1: envutil.GetFloat("POCKETWIKI_BM25_K1", bm25K1),
		b:  envutil.GetFloat("POCKETWIKI_BM25_B", bm25B),
	}
	if err := r.open(path); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Reader) parseHeader() error {
	if string(r.data[:4]) != indexMagic {
		return fmt.Errorf("%w: bad magic %q", ErrCorruptIndex, r.data[:4])
	}
	version := binary.LittleEndian.Uint32(r.data[4:8])
	if version != indexFormatVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrCorruptIndex, version)
	}
	r.n = binary.LittleEndian.Uint64(r.data[8:16])
	r.sumLengths = binary.LittleEndian.Uint64(r.data[16:24])
	r.docLengthsOff = binary.LittleEndian.Uint64(r.data[24:32])
	dictOff := binary.LittleEndian.Uint64(r.data[32:40])
	dictLen := binary.LittleEndian.Uint64(r.data[40:48])
	r.postingsOff = binary.LittleEndian.Uint64(r.data[48:56])
	r.postingsLen = binary.LittleEndian.Uint64(r.data[56:64])

	total := uint64(len(r.data))
	if r.docLengthsOff+4*r.n > total ||
		dictOff+dictLen > total ||
		r.postingsOff+r.postingsLen > total {
		return fmt.Errorf("%w: region offsets exceed file size", ErrCorruptIndex)
	}
	if r.n > 0 {
		r.avgDocLen = float64(r.sumLengths) / float64(r.n)
	}
	r.dict = make([]dictEntry, 0, 1024)
	return r.scanDictionaryRegion(dictOff, dictLen)
}

// scanDictionaryRegion decodes the sorted dictionary into an in-memory
// offsets vector so term lookup is a binary search.
func (r *Reader) scanDictionaryRegion(off, length uint64) error {
	buf := r.data[off : off+length]
	pos := 0
	for pos < len(buf) {
		termLen, next, err := varint.Decode(buf, pos)
		if err != nil {
			return fmt.Errorf("%w: dictionary term length: %v", ErrCorruptIndex, err)
		}
		pos = next
		if pos+int(termLen) > len(buf) {
			return fmt.Errorf("%w: dictionary term overruns region", ErrCorruptIndex)
		}
		term := string(buf[pos : pos+int(termLen)])
		pos += int(termLen)

		var e dictEntry
		e.term = term
		if e.df, pos, err = varint.Decode(buf, pos); err != nil {
			return fmt.Errorf("%w: dictionary df: %v", ErrCorruptIndex, err)
		}
		if e.postOff, pos, err = varint.Decode(buf, pos); err != nil {
			return fmt.Errorf("%w: dictionary offset: %v", ErrCorruptIndex, err)
		}
		if e.postLen, pos, err = varint.Decode(buf, pos); err != nil {
			return fmt.Errorf("%w: dictionary length: %v", ErrCorruptIndex, err)
		}
		if e.postOff+e.postLen > r.postingsLen {
			return fmt.Errorf("%w: posting list for %q overruns postings region", ErrCorruptIndex, term)
		}
		if n := len(r.dict); n > 0 && r.dict[n-1].term >= term {
			return fmt.Errorf("%w: dictionary not sorted at %q", ErrCorruptIndex, term)
		}
		r.dict = append(r.dict, e)
	}
	return nil
}

// Close unmaps the index. The Reader must not be used afterwards.
func (r *Reader) Close() error {
	var err error
	if r.data != nil {
		err = unix.Munmap(r.data)
		r.data = nil
	}
	if r.f != nil {
		if cerr := r.f.Close(); err == nil {
			err = cerr
		}
		r.f = nil
	}
	return err
}

// N returns the number of indexed documents.
func (r *Reader) N() int { return int(r.n) }

// AvgDocLen returns the mean document length in tokens.
func (r *Reader) AvgDocLen() float64 { return r.avgDocLen }

// DocLength returns the indexed token count of a chunk.
func (r *Reader) DocLength(chunkID uint32) uint32 {
	off := r.docLengthsOff + 4*uint64(chunkID)
	return binary.LittleEndian.Uint32(r.data[off : off+4])
}

func (r *Reader) lookup(term string) (dictEntry, bool) {
	i := sort.Search(len(r.dict), func(i int) bool { return r.dict[i].term >= term })
	if i < len(r.dict) && r.dict[i].term == term {
		return r.dict[i], true
	}
	return dictEntry{}, false
}

// Search scores the query terms against the index and returns at most topK
// results ordered by descending BM25 score, ties broken by ascending chunk
// id. Unknown terms contribute nothing; repeated query terms are scored once.
func (r *Reader) Search(terms []string, topK int) ([]Result, error) {
	if topK <= 0 || r.n == 0 || len(terms) == 0 {
		return nil, nil
	}

	seen := make(map[string]struct{}, len(terms))
	scores := make(map[uint32]float64, 256)
	for _, term := range terms {
		if _, dup := seen[term]; dup {
			continue
		}
		seen[term] = struct{}{}

		e, ok := r.lookup(term)
		if !ok {
			continue
		}
		idf := r.idf(e.df)
		if err := r.scorePostings(e, idf, scores); err != nil {
			return nil, err
		}
	}
	if len(scores) == 0 {
		return nil, nil
	}

	out := make([]Result, 0, len(scores))
	for id, score := range scores {
		out = append(out, Result{ChunkID: id, Score: score})
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
	return out, nil
}

// scorePostings walks one posting list directly off the mapping, decoding
// varints as it goes; the list is never materialized.
func (r *Reader) scorePostings(e dictEntry, idf float64, scores map[uint32]float64) error {
	start := r.postingsOff + e.postOff
	buf := r.data[start : start+e.postLen]

	pos := 0
	docID := uint64(0)
	first := true
	for pos < len(buf) {
		v, next, err := varint.Decode(buf, pos)
		if err != nil {
			return fmt.Errorf("%w: posting doc id for %q: %v", ErrCorruptIndex, e.term, err)
		}
		pos = next
		if first {
			docID = v
			first = false
		} else {
			docID += v
		}
		tfRaw, next, err := varint.Decode(buf, pos)
		if err != nil {
			return fmt.Errorf("%w: posting tf for %q: %v", ErrCorruptIndex, e.term, err)
		}
		pos = next
		if docID >= r.n {
			return fmt.Errorf("%w: posting doc id %d out of range for %q", ErrCorruptIndex, docID, e.term)
		}

		tf := float64(tfRaw)
		dl := float64(r.DocLength(uint32(docID)))
		denom := tf + r.k1*(1-r.b+r.b*dl/r.avgDocLen)
		scores[uint32(docID)] += idf * tf * (r.k1 + 1) / denom
	}
	return nil
}

// idf uses the "+1" form so common terms never score negative.
func (r *Reader) idf(df uint64) float64 {
	n := float64(r.n)
	d := float64(df)
	return math.Log((n-d+0.5)/(d+0.5) + 1)
}
