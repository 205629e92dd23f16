package proto

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Kind is the machine-readable error class carried in ErrorResponse.
type Kind string

// Error kinds.
const (
	KindNotFound           Kind = "NotFound"
	KindInvalidArgument    Kind = "InvalidArgument"
	KindChunkUnavailable   Kind = "ChunkUnavailable"
	KindPartialReplication Kind = "PartialReplication"
	KindIOFailure          Kind = "IOFailure"
	KindCorruptChunk       Kind = "CorruptChunk"
	KindUnreachable        Kind = "Unreachable"
	KindUnresponsive       Kind = "Unresponsive"
	KindInternal           Kind = "Internal"
)

// Sentinel errors, one per kind.
var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrChunkUnavailable   = errors.New("chunk unavailable")
	ErrPartialReplication = errors.New("partial replication")
	ErrIOFailure          = errors.New("io failure")
	ErrCorruptChunk       = errors.New("corrupt chunk")
	ErrUnreachable        = errors.New("node unreachable")
	ErrUnresponsive       = errors.New("node unresponsive")
)

var kindErrors = map[Kind]error{
	KindNotFound:           ErrNotFound,
	KindInvalidArgument:    ErrInvalidArgument,
	KindChunkUnavailable:   ErrChunkUnavailable,
	KindPartialReplication: ErrPartialReplication,
	KindIOFailure:          ErrIOFailure,
	KindCorruptChunk:       ErrCorruptChunk,
	KindUnreachable:        ErrUnreachable,
	KindUnresponsive:       ErrUnresponsive,
}

// KindOf classifies err. Unknown errors are KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	// Checked in order so that wrapped corruption is not reported as a plain IO failure.
	for _, k := range []Kind{
		KindNotFound,
		KindInvalidArgument,
		KindCorruptChunk,
		KindChunkUnavailable,
		KindPartialReplication,
		KindUnresponsive,
		KindUnreachable,
		KindIOFailure,
	} {
		if errors.Is(err, kindErrors[k]) {
			return k
		}
	}
	return KindInternal
}

// ErrorForKind returns the sentinel for a wire kind, or nil when unknown.
func ErrorForKind(k Kind) error {
	return kindErrors[k]
}

// HTTPStatus maps an error to the status code a server responds with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindPartialReplication, KindUnreachable, KindUnresponsive:
		return http.StatusBadGateway
	case KindChunkUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// RemoteError is an error decoded from an ErrorResponse. It unwraps to the
// sentinel of its kind so callers can use errors.Is across the wire.
type RemoteError struct {
	Status  int
	Kind    Kind
	Message string
}

func (e *RemoteError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s (%d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("request failed with status %d: %s", e.Status, e.Message)
}

func (e *RemoteError) Unwrap() error {
	if err := ErrorForKind(e.Kind); err != nil {
		return err
	}
	switch e.Status {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusBadRequest:
		return ErrInvalidArgument
	}
	return nil
}

// ParseError reads a non-2xx response body into a *RemoteError.
func ParseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && (errResp.Message != "" || errResp.Kind != "") {
		return &RemoteError{Status: resp.StatusCode, Kind: errResp.Kind, Message: errResp.Message}
	}
	return &RemoteError{Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
}

// NewErrorResponse builds the wire form of err.
func NewErrorResponse(err error) (ErrorResponse, int) {
	code := HTTPStatus(err)
	kind := KindOf(err)
	var re *RemoteError
	if errors.As(err, &re) && re.Kind != "" {
		kind = re.Kind
	}
	return ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Kind:    kind,
		Message: err.Error(),
	}, code
}

// ReplicaFailure records one replica that did not acknowledge a chunk write.
type ReplicaFailure struct {
	ChunkID string
	NodeID  string
	Err     error
}

// PartialReplicationError reports chunks written to some but not all of
// their replicas. The file is readable; the chunks are queued for repair.
type PartialReplicationError struct {
	Path     string
	Failures []ReplicaFailure
}

func (e *PartialReplicationError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s@%s: %v", f.ChunkID, f.NodeID, f.Err))
	}
	return fmt.Sprintf("partial replication of %s (%d replica writes failed): %s",
		e.Path, len(e.Failures), strings.Join(parts, "; "))
}

func (e *PartialReplicationError) Unwrap() error { return ErrPartialReplication }

// DegradedChunks returns the distinct chunk IDs with at least one failed replica.
func (e *PartialReplicationError) DegradedChunks() []string {
	seen := make(map[string]bool, len(e.Failures))
	var ids []string
	for _, f := range e.Failures {
		if !seen[f.ChunkID] {
			seen[f.ChunkID] = true
			ids = append(ids, f.ChunkID)
		}
	}
	return ids
}

// ChunkUnavailableError reports a chunk that no replica could serve or store.
type ChunkUnavailableError struct {
	ChunkID string
	Tried   []string
	Last    error
}

func (e *ChunkUnavailableError) Error() string {
	if e.Last != nil {
		return fmt.Sprintf("chunk %s unavailable on %v: %v", e.ChunkID, e.Tried, e.Last)
	}
	return fmt.Sprintf("chunk %s unavailable on %v", e.ChunkID, e.Tried)
}

func (e *ChunkUnavailableError) Unwrap() error { return ErrChunkUnavailable }
