package chunks

import (
	"fmt"
	"os"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/orneryd/pocketwiki/pkg/util"
)

// DefaultBlockChunks is how many chunks share one compressed block. Bigger
// blocks compress better; smaller blocks cost less to decompress per Get.
const DefaultBlockChunks = 256

// zstIndex is the msgpack sidecar describing block boundaries.
type zstIndex struct {
	BlockChunks int     `msgpack:"block_chunks"`
	ChunkCount  int     `msgpack:"chunk_count"`
	Offsets     []int64 `msgpack:"offsets"` // block start offsets; final entry = file size
}

// ZstBlockStore keeps chunk records in zstd-compressed blocks
// (text.zstblocks + a .idx sidecar). It trades Get latency for a much
// smaller bundle and fits the same Store contract as the jsonl store.
type ZstBlockStore struct {
	mu    sync.Mutex
	f     *os.File
	dec   *zstd.Decoder
	index zstIndex

	// Single-block cache: retrieval hits cluster, consecutive fused ids
	// usually land in the same block.
	cachedBlock  int
	cachedChunks []Chunk
}

// WriteZstBlocks compresses all chunks from the jsonl file at input into
// blockPath (+ ".idx"). Chunks must arrive in chunk_id order.
func WriteZstBlocks(input, blockPath string, blockChunks int) error {
	if blockChunks <= 0 {
		blockChunks = DefaultBlockChunks
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return err
	}
	defer enc.Close()

	tmp := blockPath + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	index := zstIndex{BlockChunks: blockChunks, Offsets: []int64{0}}
	var block []Chunk
	var written int64

	flush := func() error {
		if len(block) == 0 {
			return nil
		}
		raw, err := msgpack.Marshal(block)
		if err != nil {
			return err
		}
		compressed := enc.EncodeAll(raw, nil)
		n, err := out.Write(compressed)
		if err != nil {
			return err
		}
		written += int64(n)
		index.Offsets = append(index.Offsets, written)
		index.ChunkCount += len(block)
		block = block[:0]
		return nil
	}

	err = IterateJSONL(input, func(c *Chunk) error {
		block = append(block, *c)
		if len(block) >= blockChunks {
			return flush()
		}
		return nil
	})
	if err != nil {
		out.Close()
		return err
	}
	if err := flush(); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, blockPath); err != nil {
		return err
	}

	idxData, err := msgpack.Marshal(&index)
	if err != nil {
		return err
	}
	return util.WriteFileAtomic(blockPath+".idx", idxData, 0644)
}

// OpenZstBlocks opens a block store written by WriteZstBlocks.
func OpenZstBlocks(blockPath string) (*ZstBlockStore, error) {
	idxData, err := os.ReadFile(blockPath + ".idx")
	if err != nil {
		return nil, err
	}
	var index zstIndex
	if err := msgpack.Unmarshal(idxData, &index); err != nil {
		return nil, fmt.Errorf("chunks: zst index: %w", err)
	}
	f, err := os.Open(blockPath)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &ZstBlockStore{f: f, dec: dec, index: index, cachedBlock: -1}, nil
}

// Count returns the number of stored chunks.
func (s *ZstBlockStore) Count() int { return s.index.ChunkCount }

// Get decompresses the block containing chunkID (cached between calls) and
// returns the record.
func (s *ZstBlockStore) Get(chunkID uint32) (*Chunk, error) {
	if int(chunkID) >= s.index.ChunkCount {
		return nil, fmt.Errorf("%w: id %d of %d", ErrNotFound, chunkID, s.index.ChunkCount)
	}
	block := int(chunkID) / s.index.BlockChunks
	pos := int(chunkID) % s.index.BlockChunks

	s.mu.Lock()
	defer s.mu.Unlock()

	if block != s.cachedBlock {
		start, end := s.index.Offsets[block], s.index.Offsets[block+1]
		raw := make([]byte, end-start)
		if _, err := s.f.ReadAt(raw, start); err != nil {
			return nil, err
		}
		decompressed, err := s.dec.DecodeAll(raw, nil)
		if err != nil {
			return nil, fmt.Errorf("chunks: block %d: %w", block, err)
		}
		var records []Chunk
		if err := msgpack.Unmarshal(decompressed, &records); err != nil {
			return nil, fmt.Errorf("chunks: block %d: %w", block, err)
		}
		s.cachedBlock = block
		s.cachedChunks = records
	}
	if pos >= len(s.cachedChunks) {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, chunkID)
	}
	c := s.cachedChunks[pos]
	return &c, nil
}

// Close releases the file and decoder.
func (s *ZstBlockStore) Close() error {
	s.dec.Close()
	return s.f.Close()
}
