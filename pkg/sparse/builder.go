package sparse

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/orneryd/pocketwiki/pkg/varint"
)

type builderPosting struct {
	docID uint32
	tf    uint32
}

// Builder accumulates an inverted index from a single pass over chunks and
// writes the compressed on-disk form. Input must arrive in strictly
// increasing chunk_id order starting at zero; chunk ids are dense and key
// both the posting lists and the dense vector rows, so a gap or duplicate
// here is a programmer error and panics.
type Builder struct {
	docLengths []uint32
	sumLengths uint64
	terms      map[string][]builderPosting
}

// NewBuilder creates an empty index builder.
func NewBuilder() *Builder {
	return &Builder{terms: make(map[string][]builderPosting)}
}

// Add tokenizes one chunk and folds it into the in-memory posting table.
func (b *Builder) Add(chunkID uint32, text string) error {
	if int(chunkID) != len(b.docLengths) {
		panic(fmt.Sprintf("sparse: chunk id %d out of order (want %d)", chunkID, len(b.docLengths)))
	}
	tokens, err := Tokenize(text)
	if err != nil {
		return fmt.Errorf("chunk %d: %w", chunkID, err)
	}

	b.docLengths = append(b.docLengths, uint32(len(tokens)))
	b.sumLengths += uint64(len(tokens))

	termFreq := make(map[string]uint32, len(tokens))
	for _, t := range tokens {
		termFreq[t]++
	}
	// Postings stay sorted by doc id for free: chunk ids arrive in order and
	// each term sees a given doc at most once.
	for term, tf := range termFreq {
		b.terms[term] = append(b.terms[term], builderPosting{docID: chunkID, tf: tf})
	}
	return nil
}

// DocCount returns the number of chunks added so far.
func (b *Builder) DocCount() int { return len(b.docLengths) }

// AvgDocLen returns the mean token count across added chunks.
func (b *Builder) AvgDocLen() float64 {
	if len(b.docLengths) == 0 {
		return 0
	}
	return float64(b.sumLengths) / float64(len(b.docLengths))
}

// WriteFile serializes the index to path. The bytes go to <path>.tmp and are
// renamed into place on success; any failure removes the partial file.
func (b *Builder) WriteFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := b.writeTo(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sparse: write index: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func (b *Builder) writeTo(f *os.File) error {
	// Map iteration order is controlled by an explicit lexicographic sort so
	// an interrupted-and-restarted build produces byte-identical output.
	sorted := make([]string, 0, len(b.terms))
	for term := range b.terms {
		sorted = append(sorted, term)
	}
	sort.Strings(sorted)

	// Dictionary posting offsets are relative to the postings region start.
	var dict, postings []byte
	for _, term := range sorted {
		plist := b.terms[term]
		offset := uint64(len(postings))

		prev := uint32(0)
		for i, p := range plist {
			if i == 0 {
				postings = varint.Append(postings, uint64(p.docID))
			} else {
				postings = varint.Append(postings, uint64(p.docID-prev))
			}
			postings = varint.Append(postings, uint64(p.tf))
			prev = p.docID
		}

		dict = varint.Append(dict, uint64(len(term)))
		dict = append(dict, term...)
		dict = varint.Append(dict, uint64(len(plist)))
		dict = varint.Append(dict, offset)
		dict = varint.Append(dict, uint64(len(postings))-offset)
	}

	n := uint64(len(b.docLengths))
	docLengthsOff := uint64(indexHeaderSize)
	dictOff := docLengthsOff + 4*n
	postingsOff := dictOff + uint64(len(dict))

	w := bufio.NewWriterSize(f, 1<<20)
	if _, err := w.WriteString(indexMagic); err != nil {
		return err
	}
	hdr := make([]byte, 0, indexHeaderSize-4)
	hdr = binary.LittleEndian.AppendUint32(hdr, indexFormatVersion)
	hdr = binary.LittleEndian.AppendUint64(hdr, n)
	hdr = binary.LittleEndian.AppendUint64(hdr, b.sumLengths)
	hdr = binary.LittleEndian.AppendUint64(hdr, docLengthsOff)
	hdr = binary.LittleEndian.AppendUint64(hdr, dictOff)
	hdr = binary.LittleEndian.AppendUint64(hdr, uint64(len(dict)))
	hdr = binary.LittleEndian.AppendUint64(hdr, postingsOff)
	hdr = binary.LittleEndian.AppendUint64(hdr, uint64(len(postings)))
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	for _, dl := range b.docLengths {
		if err := binary.Write(w, binary.LittleEndian, dl); err != nil {
			return err
		}
	}
	if _, err := w.Write(dict); err != nil {
		return err
	}
	if _, err := w.Write(postings); err != nil {
		return err
	}
	return w.Flush()
}
