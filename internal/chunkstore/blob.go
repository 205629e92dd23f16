package chunkstore

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/tunnelmesh/meshdfs/pkg/proto"
)

// Blob layout on disk:
//
//	magic[4] | flags[1] | sha256(plaintext)[32] | payload
//
// payload is the plaintext, optionally zstd-compressed, optionally sealed
// with XChaCha20-Poly1305 as nonce[24] | ciphertext. The header is bound
// to the ciphertext as additional data together with the chunk ID.
var blobMagic = [4]byte{'M', 'D', 'F', 'S'}

const (
	flagCompressed byte = 1 << 0
	flagEncrypted  byte = 1 << 1

	headerSize = len(blobMagic) + 1 + sha256.Size
)

// Digest returns the hex SHA-256 of data, the form carried in the
// chunk-digest header.
func Digest(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// codec encodes and decodes blobs. It is safe for concurrent use.
type codec struct {
	compress bool
	key      []byte // nil disables encryption

	encoderPool sync.Pool
	decoderPool sync.Pool
}

func newCodec(compress bool, secret []byte) (*codec, error) {
	c := &codec{compress: compress}
	if len(secret) > 0 {
		key := make([]byte, chacha20poly1305.KeySize)
		r := hkdf.New(sha256.New, secret, nil, []byte("meshdfs-chunk-key"))
		if _, err := io.ReadFull(r, key); err != nil {
			return nil, fmt.Errorf("derive chunk key: %w", err)
		}
		c.key = key
	}
	c.encoderPool = sync.Pool{
		New: func() interface{} {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
			return enc
		},
	}
	c.decoderPool = sync.Pool{
		New: func() interface{} {
			dec, _ := zstd.NewReader(nil)
			return dec
		},
	}
	return c, nil
}

func (c *codec) encode(id string, data []byte) ([]byte, error) {
	sum := sha256.Sum256(data)

	var flags byte
	payload := data
	if c.compress {
		enc := c.encoderPool.Get().(*zstd.Encoder)
		payload = enc.EncodeAll(data, nil)
		c.encoderPool.Put(enc)
		flags |= flagCompressed
	}
	if c.key != nil {
		flags |= flagEncrypted
	}

	header := make([]byte, 0, headerSize)
	header = append(header, blobMagic[:]...)
	header = append(header, flags)
	header = append(header, sum[:]...)

	if c.key != nil {
		aead, err := chacha20poly1305.NewX(c.key)
		if err != nil {
			return nil, fmt.Errorf("create cipher: %w", err)
		}
		nonce := make([]byte, aead.NonceSize())
		if _, err := rand.Read(nonce); err != nil {
			return nil, fmt.Errorf("generate nonce: %w", err)
		}
		sealed := aead.Seal(nonce, nonce, payload, additionalData(header, id))
		payload = sealed
	}

	out := make([]byte, 0, len(header)+len(payload))
	out = append(out, header...)
	return append(out, payload...), nil
}

// decode returns the plaintext of a blob and its digest. Any structural,
// authentication or digest failure is reported as ErrCorruptChunk.
func (c *codec) decode(id string, blob []byte) ([]byte, string, error) {
	if len(blob) < headerSize || !bytes.Equal(blob[:4], blobMagic[:]) {
		return nil, "", fmt.Errorf("chunk %s: bad header: %w", id, proto.ErrCorruptChunk)
	}
	header := blob[:headerSize]
	flags := header[4]
	want := header[5:headerSize]
	payload := blob[headerSize:]

	if flags&flagEncrypted != 0 {
		if c.key == nil {
			return nil, "", fmt.Errorf("chunk %s is encrypted but no key is configured: %w", id, proto.ErrIOFailure)
		}
		aead, err := chacha20poly1305.NewX(c.key)
		if err != nil {
			return nil, "", fmt.Errorf("create cipher: %w", err)
		}
		if len(payload) < aead.NonceSize() {
			return nil, "", fmt.Errorf("chunk %s: short ciphertext: %w", id, proto.ErrCorruptChunk)
		}
		nonce, ct := payload[:aead.NonceSize()], payload[aead.NonceSize():]
		payload, err = aead.Open(nil, nonce, ct, additionalData(header, id))
		if err != nil {
			return nil, "", fmt.Errorf("chunk %s: decrypt: %w", id, proto.ErrCorruptChunk)
		}
	}

	if flags&flagCompressed != 0 {
		dec := c.decoderPool.Get().(*zstd.Decoder)
		out, err := dec.DecodeAll(payload, nil)
		c.decoderPool.Put(dec)
		if err != nil {
			return nil, "", fmt.Errorf("chunk %s: decompress: %w", id, proto.ErrCorruptChunk)
		}
		payload = out
	}

	got := sha256.Sum256(payload)
	if !bytes.Equal(got[:], want) {
		return nil, "", fmt.Errorf("chunk %s: digest mismatch: expected %x, got %x: %w",
			id, want, got, proto.ErrCorruptChunk)
	}
	if payload == nil {
		// Empty chunks decode to a non-nil slice regardless of flags.
		payload = []byte{}
	}
	return payload, hex.EncodeToString(want), nil
}

func additionalData(header []byte, id string) []byte {
	ad := make([]byte, 0, len(header)+len(id))
	ad = append(ad, header...)
	return append(ad, id...)
}
