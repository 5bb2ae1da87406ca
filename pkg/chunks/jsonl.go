package chunks

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// JSONLStore serves chunks from chunks.jsonl with an in-memory byte-offset
// array built at open, giving O(1) lookup by chunk id. Line i must hold
// chunk_id i; the packager guarantees that ordering.
type JSONLStore struct {
	mu      sync.Mutex
	f       *os.File
	offsets []int64 // offsets[i] = start of line i; final entry = file size
}

// OpenJSONL scans path once to build the offset array.
func OpenJSONL(path string) (*JSONLStore, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	s := &JSONLStore{f: f, offsets: []int64{0}}

	r := bufio.NewReaderSize(f, 1<<20)
	var pos int64
	for {
		line, err := r.ReadBytes('\n')
		pos += int64(len(line))
		if len(line) > 0 && line[len(line)-1] == '\n' {
			s.offsets = append(s.offsets, pos)
		}
		if err == io.EOF {
			// A trailing unterminated line still counts as a record.
			if len(line) > 0 && line[len(line)-1] != '\n' {
				s.offsets = append(s.offsets, pos)
			}
			break
		}
		if err != nil {
			f.Close()
			return nil, err
		}
	}
	return s, nil
}

// Count returns the number of chunks in the store.
func (s *JSONLStore) Count() int { return len(s.offsets) - 1 }

// Get reads and decodes one chunk line.
func (s *JSONLStore) Get(chunkID uint32) (*Chunk, error) {
	i := int(chunkID)
	if i >= s.Count() {
		return nil, fmt.Errorf("%w: id %d of %d", ErrNotFound, chunkID, s.Count())
	}
	start, end := s.offsets[i], s.offsets[i+1]
	buf := make([]byte, end-start)
	if _, err := s.f.ReadAt(buf, start); err != nil {
		return nil, err
	}
	var c Chunk
	if err := json.Unmarshal(buf, &c); err != nil {
		return nil, fmt.Errorf("chunks: line %d: %w", i, err)
	}
	if c.ChunkID != chunkID {
		return nil, fmt.Errorf("chunks: line %d holds chunk_id %d", i, c.ChunkID)
	}
	return &c, nil
}

// Close releases the underlying file.
func (s *JSONLStore) Close() error { return s.f.Close() }

// IterateJSONL streams every chunk in path, in file order, into fn. It is
// how build stages consume the previous stage's output without loading it
// whole.
func IterateJSONL(path string, fn func(*Chunk) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 1<<20), 64<<20)
	line := 0
	for sc.Scan() {
		var c Chunk
		if err := json.Unmarshal(sc.Bytes(), &c); err != nil {
			return fmt.Errorf("chunks: %s line %d: %w", path, line, err)
		}
		if err := fn(&c); err != nil {
			return err
		}
		line++
	}
	return sc.Err()
}
