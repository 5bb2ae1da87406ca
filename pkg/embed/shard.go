package embed

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/vmihailenco/msgpack/v5"
)

// ShardRecord is one (chunk id, vector) pair inside an embedding shard.
// The embed stage streams these to disk so the dense-index stage can be
// re-run (or resumed) without re-embedding anything.
type ShardRecord struct {
	ChunkID uint32    `msgpack:"chunk_id"`
	Vector  []float32 `msgpack:"vector"`
}

// ShardWriter appends msgpack records to an embeddings shard file.
type ShardWriter struct {
	f   *os.File
	enc *msgpack.Encoder
}

// NewShardWriter creates (truncating) the shard at path.
func NewShardWriter(path string) (*ShardWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &ShardWriter{f: f, enc: msgpack.NewEncoder(f)}, nil
}

// Write appends one record.
func (w *ShardWriter) Write(rec *ShardRecord) error {
	return w.enc.Encode(rec)
}

// Close flushes and closes the shard.
func (w *ShardWriter) Close() error {
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}

// IterateShard streams every record in a shard file into fn, in write order.
func IterateShard(path string, fn func(*ShardRecord) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := msgpack.NewDecoder(f)
	for {
		var rec ShardRecord
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("embed: shard %s: %w", path, err)
		}
		if err := fn(&rec); err != nil {
			return err
		}
	}
}
