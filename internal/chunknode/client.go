package chunknode

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/tunnelmesh/meshdfs/internal/chunkstore"
	"github.com/tunnelmesh/meshdfs/pkg/proto"
)

// DefaultTimeout is the per-attempt timeout of a chunk RPC.
const DefaultTimeout = 10 * time.Second

// Client talks to one chunk node.
type Client struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
	retries int
}

// NewClient creates a client for the node at baseURL. A zero timeout uses
// DefaultTimeout. Failed attempts are retried once on network errors and
// 5xx responses.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
		timeout: timeout,
		retries: 1,
	}
}

// BaseURL returns the node's base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// CloseIdleConnections closes any idle connections in the HTTP client pool.
func (c *Client) CloseIdleConnections() {
	c.client.CloseIdleConnections()
}

// Put stores data under id on the node and returns the digest it recorded.
func (c *Client) Put(ctx context.Context, id string, data []byte) (string, error) {
	digest := chunkstore.Digest(data)
	header := http.Header{}
	header.Set(proto.HeaderChunkID, id)
	header.Set(proto.HeaderChunkDigest, digest)
	header.Set("Content-Type", "application/octet-stream")

	resp, err := c.do(ctx, http.MethodPost, "/chunk", header, data)
	if err != nil {
		return "", fmt.Errorf("put chunk %s: %w", id, err)
	}
	if resp.status != http.StatusCreated && resp.status != http.StatusOK {
		return "", fmt.Errorf("put chunk %s: %w", id, resp.err())
	}

	var out proto.PutChunkResponse
	if err := json.Unmarshal(resp.body, &out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return out.Digest, nil
}

// Get fetches the bytes stored under id. The body is checked against the
// node's digest header.
func (c *Client) Get(ctx context.Context, id string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, "/chunk/"+id, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("get chunk %s: %w", id, err)
	}
	if resp.status != http.StatusOK {
		return nil, fmt.Errorf("get chunk %s: %w", id, resp.err())
	}
	if want := resp.header.Get(proto.HeaderChunkDigest); want != "" && !strings.EqualFold(want, chunkstore.Digest(resp.body)) {
		return nil, fmt.Errorf("get chunk %s: body does not match digest: %w", id, proto.ErrCorruptChunk)
	}
	return resp.body, nil
}

// Exists reports whether the node holds id.
func (c *Client) Exists(ctx context.Context, id string) (bool, error) {
	resp, err := c.do(ctx, http.MethodGet, "/chunk/"+id+"/exists", nil, nil)
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", id, err)
	}
	if resp.status != http.StatusOK {
		return false, fmt.Errorf("exists %s: %w", id, resp.err())
	}
	var out proto.ExistsResponse
	if err := json.Unmarshal(resp.body, &out); err != nil {
		return false, fmt.Errorf("decode response: %w", err)
	}
	return out.Exists, nil
}

// Delete removes id from the node. A missing chunk returns ErrNotFound.
func (c *Client) Delete(ctx context.Context, id string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/chunk/"+id, nil, nil)
	if err != nil {
		return fmt.Errorf("delete chunk %s: %w", id, err)
	}
	if resp.status != http.StatusOK {
		return fmt.Errorf("delete chunk %s: %w", id, resp.err())
	}
	return nil
}

// List returns every blob stored on the node.
func (c *Client) List(ctx context.Context) ([]proto.StoredChunk, error) {
	resp, err := c.do(ctx, http.MethodGet, "/chunks", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	if resp.status != http.StatusOK {
		return nil, fmt.Errorf("list chunks: %w", resp.err())
	}
	var out proto.ListChunksResponse
	if err := json.Unmarshal(resp.body, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return out.Chunks, nil
}

// Health probes the node once, without retry, bounded by timeout.
// A non-200 answer is returned together with a nil error.
func (c *Client) Health(ctx context.Context, timeout time.Duration) (int, *proto.HealthResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := c.attempt(ctx, http.MethodGet, "/health", nil, nil)
	if err != nil {
		return 0, nil, classifyNetError(err)
	}
	var out proto.HealthResponse
	if err := json.Unmarshal(resp.body, &out); err != nil && resp.status == http.StatusOK {
		return resp.status, nil, fmt.Errorf("decode health response: %w", err)
	}
	return resp.status, &out, nil
}

type response struct {
	status int
	header http.Header
	body   []byte
}

func (r *response) err() error {
	return proto.ParseError(&http.Response{
		StatusCode: r.status,
		Body:       io.NopCloser(bytes.NewReader(r.body)),
	})
}

// do runs a request with the per-attempt timeout, retrying network errors
// and 5xx responses.
func (c *Client) do(ctx context.Context, method, path string, header http.Header, body []byte) (*response, error) {
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		actx, cancel := context.WithTimeout(ctx, c.timeout)
		resp, err := c.attempt(actx, method, path, header, body)
		cancel()

		if err == nil && resp.status < 500 {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err != nil {
			lastErr = classifyNetError(err)
			continue
		}
		if attempt == c.retries {
			return resp, nil
		}
	}
	return nil, lastErr
}

func (c *Client) attempt(ctx context.Context, method, path string, header http.Header, body []byte) (*response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &response{status: resp.StatusCode, header: resp.Header, body: data}, nil
}

// classifyNetError tags transport failures so callers can tell a refused
// connection from a timeout.
func classifyNetError(err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return fmt.Errorf("%w: %w", proto.ErrUnresponsive, err)
	case errors.Is(err, syscall.ECONNREFUSED):
		return fmt.Errorf("%w: %w", proto.ErrUnreachable, err)
	default:
		return err
	}
}
