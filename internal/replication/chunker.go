// Package replication implements the client write and read paths over the
// metadata service and chunk nodes, and the reconciler that heals lost
// replicas in the background.
package replication

import (
	"errors"
	"fmt"
	"io"

	"github.com/tunnelmesh/meshdfs/pkg/proto"
)

// Chunker splits a stream of known size into fixed-size chunks. Every chunk
// but the last is exactly the chunk size; the last holds the remainder.
type Chunker struct {
	reader    io.Reader
	chunkSize int64
	remaining int64
}

// NewChunker creates a chunker that reads exactly size bytes from r.
func NewChunker(r io.Reader, size, chunkSize int64) *Chunker {
	return &Chunker{reader: r, chunkSize: chunkSize, remaining: size}
}

// Next returns the next chunk, or io.EOF once size bytes have been consumed.
// A stream shorter than size fails with ErrInvalidArgument.
func (c *Chunker) Next() ([]byte, error) {
	if c.remaining <= 0 {
		return nil, io.EOF
	}
	n := c.chunkSize
	if c.remaining < n {
		n = c.remaining
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.reader, buf); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("input ended %d bytes early: %w", c.remaining, proto.ErrInvalidArgument)
		}
		return nil, fmt.Errorf("read input: %w", err)
	}
	c.remaining -= n
	return buf, nil
}

// SplitBytes splits data into consecutive chunkSize pieces without copying.
func SplitBytes(data []byte, chunkSize int64) [][]byte {
	var out [][]byte
	for len(data) > 0 {
		n := chunkSize
		if int64(len(data)) < n {
			n = int64(len(data))
		}
		out = append(out, data[:n])
		data = data[n:]
	}
	return out
}
