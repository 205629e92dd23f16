// Package proto defines the wire messages shared by the metadata service,
// chunk nodes and clients.
package proto

import "time"

// Header names used by the chunk node API.
const (
	HeaderChunkID     = "chunk-id"
	HeaderLegacyID    = "X-Chunk-ID"
	HeaderChunkDigest = "chunk-digest"
)

// Node is an entry of the static node address table.
type Node struct {
	ID      string `json:"id" yaml:"id"`
	Address string `json:"address" yaml:"address"`
}

// CreateFileRequest registers a file with the metadata service.
type CreateFileRequest struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// CreateFileResponse carries the chunk plan for a new file.
// Replicas maps chunk ID to its replica set; the first node is the primary.
type CreateFileResponse struct {
	Path     string              `json:"path"`
	Chunks   []string            `json:"chunks"`
	Replicas map[string][]string `json:"replicas"`
}

// ChunkInfo is a resolved chunk record as returned by GET /api/file.
type ChunkInfo struct {
	ChunkID         string    `json:"chunk_id"`
	ChunkServers    []string  `json:"chunk_servers"`
	Primary         string    `json:"primary"`
	Version         uint64    `json:"version"`
	LeaseExpiration time.Time `json:"lease_expiration"`
	Degraded        bool      `json:"degraded,omitempty"`
}

// FileMetadata is the metadata block of a file lookup.
type FileMetadata struct {
	Size      int64       `json:"size"`
	CreatedAt time.Time   `json:"created_at"`
	Degraded  bool        `json:"degraded,omitempty"`
	Chunks    []ChunkInfo `json:"chunks"`
}

// GetFileResponse is returned by GET /api/file.
type GetFileResponse struct {
	Path     string       `json:"path"`
	Metadata FileMetadata `json:"metadata"`
}

// FileSummary is one entry of a listing.
type FileSummary struct {
	Size       int64     `json:"size"`
	ChunkCount int       `json:"chunk_count"`
	CreatedAt  time.Time `json:"created_at"`
	Degraded   bool      `json:"degraded,omitempty"`
}

// RenameRequest moves a file to a new path.
type RenameRequest struct {
	OldPath string `json:"old_path"`
	NewPath string `json:"new_path"`
}

// RenameResponse acknowledges a rename.
type RenameResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// DeleteFileResponse is returned by DELETE /api/file.
type DeleteFileResponse struct {
	Deleted       string   `json:"deleted"`
	ChunksDeleted []string `json:"chunks_deleted"`
}

// DegradedReport asks the metadata service to repair chunks whose writes
// were not acknowledged by every replica.
type DegradedReport struct {
	ChunkIDs []string `json:"chunk_ids"`
}

// DegradedReportResponse acknowledges a degraded report.
type DegradedReportResponse struct {
	Accepted int `json:"accepted"`
}

// ClusterInfo describes the static layout clients need for the write path.
type ClusterInfo struct {
	ChunkSize         int64  `json:"chunk_size"`
	ReplicationFactor int    `json:"replication_factor"`
	Nodes             []Node `json:"nodes"`
}

// PutChunkResponse is returned by POST /chunk.
type PutChunkResponse struct {
	ChunkID string `json:"chunk_id"`
	Digest  string `json:"digest"`
}

// ExistsResponse is returned by GET /chunk/{id}/exists.
type ExistsResponse struct {
	Exists bool `json:"exists"`
}

// StoredChunk describes one blob held by a chunk node.
type StoredChunk struct {
	ChunkID string    `json:"chunk_id"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// ListChunksResponse is returned by GET /chunks.
type ListChunksResponse struct {
	Chunks []StoredChunk `json:"chunks"`
}

// Capacity is a point-in-time view of a chunk node's storage.
type Capacity struct {
	VolumeTotalBytes     int64 `json:"volume_total_bytes"`
	VolumeUsedBytes      int64 `json:"volume_used_bytes"`
	VolumeAvailableBytes int64 `json:"volume_available_bytes"`
	ChunkCount           int   `json:"chunk_count"`
	ChunkBytes           int64 `json:"chunk_bytes"`
}

// HealthResponse is returned by GET /health on every service.
type HealthResponse struct {
	Status   string    `json:"status"`
	Capacity *Capacity `json:"capacity,omitempty"`
}

// NodeStatus is the health classification of one node.
type NodeStatus struct {
	Status   string    `json:"status"`
	Error    string    `json:"error,omitempty"`
	Capacity *Capacity `json:"capacity,omitempty"`
}

// Health classifications reported by the health monitor.
const (
	StatusHealthy      = "Healthy"
	StatusUnhealthy    = "Unhealthy"
	StatusUnreachable  = "Unreachable"
	StatusUnresponsive = "Unresponsive"
	StatusError        = "Error"
)

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Kind    Kind   `json:"kind,omitempty"`
	Message string `json:"message"`
}
