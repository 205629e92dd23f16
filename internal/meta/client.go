package meta

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tunnelmesh/meshdfs/pkg/proto"
)

// Client talks to a metadata service over HTTP.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a metadata client. A zero timeout means 30 seconds.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the base URL of the metadata service.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// CloseIdleConnections closes any idle connections in the HTTP client pool.
func (c *Client) CloseIdleConnections() {
	c.client.CloseIdleConnections()
}

// CreateFile registers a file and returns its chunk plan.
func (c *Client) CreateFile(ctx context.Context, path string, size int64) (*proto.CreateFileResponse, error) {
	var out proto.CreateFileResponse
	if err := c.call(ctx, http.MethodPost, "/api/file", proto.CreateFileRequest{Path: path, Size: size}, &out); err != nil {
		return nil, fmt.Errorf("create file %s: %w", path, err)
	}
	return &out, nil
}

// GetFile looks up a file and its chunk records.
func (c *Client) GetFile(ctx context.Context, path string) (*proto.GetFileResponse, error) {
	var out proto.GetFileResponse
	if err := c.call(ctx, http.MethodGet, "/api/file?path="+url.QueryEscape(path), nil, &out); err != nil {
		return nil, fmt.Errorf("get file %s: %w", path, err)
	}
	return &out, nil
}

// ListFiles summarizes files whose path starts with prefix.
func (c *Client) ListFiles(ctx context.Context, prefix string) (map[string]proto.FileSummary, error) {
	out := map[string]proto.FileSummary{}
	if err := c.call(ctx, http.MethodGet, "/api/list?directory="+url.QueryEscape(prefix), nil, &out); err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	return out, nil
}

// RenameFile moves a file.
func (c *Client) RenameFile(ctx context.Context, oldPath, newPath string) error {
	var out proto.RenameResponse
	if err := c.call(ctx, http.MethodPut, "/api/file/rename", proto.RenameRequest{OldPath: oldPath, NewPath: newPath}, &out); err != nil {
		return fmt.Errorf("rename %s: %w", oldPath, err)
	}
	if !out.Success {
		return fmt.Errorf("rename %s: %s", oldPath, out.Message)
	}
	return nil
}

// DeleteFile removes a file and its chunks.
func (c *Client) DeleteFile(ctx context.Context, path string) (*proto.DeleteFileResponse, error) {
	var out proto.DeleteFileResponse
	if err := c.call(ctx, http.MethodDelete, "/api/file?path="+url.QueryEscape(path), nil, &out); err != nil {
		return nil, fmt.Errorf("delete file %s: %w", path, err)
	}
	return &out, nil
}

// ReportDegraded asks the service to repair chunks.
func (c *Client) ReportDegraded(ctx context.Context, chunkIDs []string) (int, error) {
	var out proto.DegradedReportResponse
	if err := c.call(ctx, http.MethodPost, "/api/chunks/degraded", proto.DegradedReport{ChunkIDs: chunkIDs}, &out); err != nil {
		return 0, fmt.Errorf("report degraded: %w", err)
	}
	return out.Accepted, nil
}

// Cluster returns the chunk size, replication factor and node table.
func (c *Client) Cluster(ctx context.Context) (*proto.ClusterInfo, error) {
	var out proto.ClusterInfo
	if err := c.call(ctx, http.MethodGet, "/api/cluster", nil, &out); err != nil {
		return nil, fmt.Errorf("cluster info: %w", err)
	}
	return &out, nil
}

// NodeHealth returns the health monitor's view of every node.
func (c *Client) NodeHealth(ctx context.Context) (map[string]proto.NodeStatus, error) {
	out := map[string]proto.NodeStatus{}
	if err := c.call(ctx, http.MethodGet, "/api/health", nil, &out); err != nil {
		return nil, fmt.Errorf("node health: %w", err)
	}
	return out, nil
}

func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	resp, err := c.doRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return proto.ParseError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.client.Do(req)
}
