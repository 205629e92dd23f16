// Package chunkstore is the blob store of a chunk node. Blobs are keyed by
// chunk ID, written atomically and verified against their digest on read.
package chunkstore

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/tunnelmesh/meshdfs/pkg/proto"
)

var validID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidateID reports whether id is usable as a chunk ID.
func ValidateID(id string) error {
	if !validID.MatchString(id) {
		return fmt.Errorf("chunk id %q: %w", id, proto.ErrInvalidArgument)
	}
	return nil
}

// Options configures a Store.
type Options struct {
	// Compress stores blobs zstd-compressed.
	Compress bool
	// Secret enables at-rest encryption with a key derived from it.
	Secret []byte
}

// Store holds chunk blobs under <dir>/chunks/<id[0:2]>/<id>.
type Store struct {
	dir       string
	chunksDir string
	codec     *codec
}

// New opens or creates a store rooted at dir.
func New(dir string, opts Options) (*Store, error) {
	chunksDir := filepath.Join(dir, "chunks")
	if err := os.MkdirAll(chunksDir, 0755); err != nil {
		return nil, fmt.Errorf("create chunks dir: %w", err)
	}
	c, err := newCodec(opts.Compress, opts.Secret)
	if err != nil {
		return nil, err
	}
	return &Store{dir: dir, chunksDir: chunksDir, codec: c}, nil
}

// Dir returns the store's root directory.
func (s *Store) Dir() string { return s.dir }

// Put stores data under id, replacing any existing blob, and returns the
// digest of data. Concurrent puts of the same id are last-writer-wins.
func (s *Store) Put(ctx context.Context, id string, data []byte) (string, error) {
	if err := ValidateID(id); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	blob, err := s.codec.encode(id, data)
	if err != nil {
		return "", fmt.Errorf("encode chunk %s: %w", id, err)
	}

	path := s.chunkPath(id)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("create chunk dir: %w: %w", err, proto.ErrIOFailure)
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(path), ".chunk-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w: %w", err, proto.ErrIOFailure)
	}
	tmpPath := tmpFile.Name()

	if _, err := tmpFile.Write(blob); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("write chunk: %w: %w", err, proto.ErrIOFailure)
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("sync chunk: %w: %w", err, proto.ErrIOFailure)
	}
	if err := tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("close temp file: %w: %w", err, proto.ErrIOFailure)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("rename chunk: %w: %w", err, proto.ErrIOFailure)
	}

	return Digest(data), nil
}

// PutVerified is Put that first checks data against an expected digest.
// An empty digest skips the check.
func (s *Store) PutVerified(ctx context.Context, id string, data []byte, digest string) (string, error) {
	if digest != "" && !strings.EqualFold(digest, Digest(data)) {
		return "", fmt.Errorf("chunk %s: body does not match digest %s: %w", id, digest, proto.ErrCorruptChunk)
	}
	return s.Put(ctx, id, data)
}

// Get returns the bytes stored under id and their digest.
func (s *Store) Get(ctx context.Context, id string) ([]byte, string, error) {
	if err := ValidateID(id); err != nil {
		return nil, "", err
	}
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	// Writes use atomic rename, so readers see the complete file or nothing.
	blob, err := os.ReadFile(s.chunkPath(id))
	if os.IsNotExist(err) {
		return nil, "", fmt.Errorf("chunk %s: %w", id, proto.ErrNotFound)
	}
	if err != nil {
		return nil, "", fmt.Errorf("read chunk: %w: %w", err, proto.ErrIOFailure)
	}
	return s.codec.decode(id, blob)
}

// Exists reports whether a blob is stored under id. Invalid IDs do not exist.
func (s *Store) Exists(id string) bool {
	if ValidateID(id) != nil {
		return false
	}
	_, err := os.Stat(s.chunkPath(id))
	return err == nil
}

// Delete removes the blob stored under id.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(s.chunkPath(id))
	if os.IsNotExist(err) {
		return fmt.Errorf("chunk %s: %w", id, proto.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("delete chunk: %w: %w", err, proto.ErrIOFailure)
	}
	return nil
}

// List returns every stored blob sorted by chunk ID. Sizes are on-disk sizes.
func (s *Store) List() ([]proto.StoredChunk, error) {
	var chunks []proto.StoredChunk
	err := filepath.WalkDir(s.chunksDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") || !validID.MatchString(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			// Removed between readdir and stat.
			return nil
		}
		chunks = append(chunks, proto.StoredChunk{
			ChunkID: d.Name(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w: %w", err, proto.ErrIOFailure)
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].ChunkID < chunks[j].ChunkID })
	return chunks, nil
}

// Stats returns the number of stored blobs and their total on-disk size.
func (s *Store) Stats() (count int, bytes int64, err error) {
	chunks, err := s.List()
	if err != nil {
		return 0, 0, err
	}
	for _, c := range chunks {
		bytes += c.Size
	}
	return len(chunks), bytes, nil
}

// Capacity reports volume statistics for the store's filesystem together
// with the blob totals.
func (s *Store) Capacity() (*proto.Capacity, error) {
	total, used, available, err := GetVolumeStats(s.dir)
	if err != nil {
		return nil, err
	}
	count, bytes, err := s.Stats()
	if err != nil {
		return nil, err
	}
	return &proto.Capacity{
		VolumeTotalBytes:     total,
		VolumeUsedBytes:      used,
		VolumeAvailableBytes: available,
		ChunkCount:           count,
		ChunkBytes:           bytes,
	}, nil
}

// chunkPath uses a two-level layout to keep directories small: chunks/ab/abcdef...
func (s *Store) chunkPath(id string) string {
	if len(id) < 2 {
		return filepath.Join(s.chunksDir, id)
	}
	return filepath.Join(s.chunksDir, id[:2], id)
}
