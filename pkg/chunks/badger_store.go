package chunks

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"
)

// chunkKeyPrefix namespaces chunk records inside the Badger keyspace.
const chunkKeyPrefix = "c:"

// metaCountKey stores the chunk count so Count is O(1) at open.
const metaCountKey = "m:count"

// BadgerStore is a Badger-backed chunk store for bundles whose jsonl offset
// array would be too large to hold, or where random reads over a spinning
// disk hurt. Values are msgpack-encoded chunks.
type BadgerStore struct {
	db    *badger.DB
	count int
}

// OpenBadger opens (or creates) a Badger chunk store at dir.
func OpenBadger(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("chunks: open badger: %w", err)
	}
	s := &BadgerStore{db: db}
	err = db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(metaCountKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			s.count = int(binary.LittleEndian.Uint64(val))
			return nil
		})
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func chunkKey(id uint32) []byte {
	key := make([]byte, len(chunkKeyPrefix)+4)
	copy(key, chunkKeyPrefix)
	binary.BigEndian.PutUint32(key[len(chunkKeyPrefix):], id)
	return key
}

// PutBatch writes chunks using a Badger write batch. Used once by the
// packager; readers never write.
func (s *BadgerStore) PutBatch(batch []*Chunk) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, c := range batch {
		val, err := msgpack.Marshal(c)
		if err != nil {
			return err
		}
		if err := wb.Set(chunkKey(c.ChunkID), val); err != nil {
			return err
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("chunks: badger write: %w", err)
	}
	s.count += len(batch)
	return s.writeCount()
}

func (s *BadgerStore) writeCount() error {
	return s.db.Update(func(txn *badger.Txn) error {
		val := make([]byte, 8)
		binary.LittleEndian.PutUint64(val, uint64(s.count))
		return txn.Set([]byte(metaCountKey), val)
	})
}

// Get fetches one chunk by id.
func (s *BadgerStore) Get(chunkID uint32) (*Chunk, error) {
	var c Chunk
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(chunkKey(chunkID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: id %d", ErrNotFound, chunkID)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return msgpack.Unmarshal(val, &c)
		})
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Count returns the number of stored chunks.
func (s *BadgerStore) Count() int { return s.count }

// Close shuts the database down.
func (s *BadgerStore) Close() error { return s.db.Close() }
