package meta

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketFiles  = []byte("files")
	bucketChunks = []byte("chunks")
	bucketState  = []byte("state")

	keyPlacementCursor = []byte("placement_cursor")
)

// Store persists the namespace and chunk directory in a bbolt database.
// Every mutation of the metadata service is one Update transaction.
type Store struct {
	db *bolt.DB
}

// OpenStore opens or creates <dir>/meta.db.
func OpenStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := bolt.Open(filepath.Join(dir, "meta.db"), 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open metadata db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketFiles, bucketChunks, bucketState} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// snapshot is the full persisted state.
type snapshot struct {
	files  []*FileEntry
	chunks []*ChunkRecord
	cursor uint64
}

func (s *Store) load() (*snapshot, error) {
	snap := &snapshot{}
	err := s.db.View(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketFiles).ForEach(func(k, v []byte) error {
			var e FileEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decode file %q: %w", k, err)
			}
			snap.files = append(snap.files, &e)
			return nil
		}); err != nil {
			return err
		}
		if err := tx.Bucket(bucketChunks).ForEach(func(k, v []byte) error {
			var r ChunkRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("decode chunk %q: %w", k, err)
			}
			snap.chunks = append(snap.chunks, &r)
			return nil
		}); err != nil {
			return err
		}
		if v := tx.Bucket(bucketState).Get(keyPlacementCursor); len(v) == 8 {
			snap.cursor = binary.BigEndian.Uint64(v)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load metadata: %w", err)
	}
	return snap, nil
}

// update runs fn in one read-write transaction.
func (s *Store) update(fn func(tx *storeTx) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&storeTx{tx: tx})
	})
}

type storeTx struct {
	tx *bolt.Tx
}

func (t *storeTx) putFile(e *FileEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return t.tx.Bucket(bucketFiles).Put([]byte(e.Path), data)
}

func (t *storeTx) deleteFile(path string) error {
	return t.tx.Bucket(bucketFiles).Delete([]byte(path))
}

func (t *storeTx) putChunk(r *ChunkRecord) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return t.tx.Bucket(bucketChunks).Put([]byte(r.ID), data)
}

func (t *storeTx) deleteChunk(id string) error {
	return t.tx.Bucket(bucketChunks).Delete([]byte(id))
}

func (t *storeTx) putCursor(c uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], c)
	return t.tx.Bucket(bucketState).Put(keyPlacementCursor, buf[:])
}
