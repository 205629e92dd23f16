// Package chunknode serves a chunk store over HTTP and provides the client
// used by the metadata service and the replication coordinator.
package chunknode

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/tunnelmesh/meshdfs/internal/chunkstore"
	"github.com/tunnelmesh/meshdfs/internal/metrics"
	"github.com/tunnelmesh/meshdfs/pkg/proto"
)

// MaxChunkBody bounds the body accepted by POST /chunk.
const MaxChunkBody = 256 << 20

const serviceName = "chunknode"

// Server exposes a chunkstore.Store over HTTP.
type Server struct {
	store   *chunkstore.Store
	metrics *metrics.DFSMetrics
	mux     *http.ServeMux
}

// NewServer creates a chunk node server. m may be nil.
func NewServer(store *chunkstore.Store, m *metrics.DFSMetrics) *Server {
	s := &Server{
		store:   store,
		metrics: m,
		mux:     http.NewServeMux(),
	}
	s.setupRoutes()
	s.updateStoredGauge()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("POST /chunk", metrics.Instrument(s.metrics, serviceName, "PutChunk", s.handlePut))
	s.mux.HandleFunc("GET /chunk/{id}", metrics.Instrument(s.metrics, serviceName, "GetChunk", s.handleGet))
	s.mux.HandleFunc("GET /chunk/{id}/exists", metrics.Instrument(s.metrics, serviceName, "ChunkExists", s.handleExists))
	s.mux.HandleFunc("DELETE /chunk/{id}", metrics.Instrument(s.metrics, serviceName, "DeleteChunk", s.handleDelete))
	s.mux.HandleFunc("GET /chunks", metrics.Instrument(s.metrics, serviceName, "ListChunks", s.handleList))
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", metrics.Handler())
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(proto.HeaderChunkID)
	if id == "" {
		id = r.Header.Get(proto.HeaderLegacyID)
	}
	if id == "" {
		s.jsonError(w, fmt.Errorf("missing chunk-id header: %w", proto.ErrInvalidArgument))
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxChunkBody))
	if err != nil {
		s.jsonError(w, fmt.Errorf("read chunk body: %v: %w", err, proto.ErrInvalidArgument))
		return
	}

	digest, err := s.store.PutVerified(r.Context(), id, data, r.Header.Get(proto.HeaderChunkDigest))
	if err != nil {
		log.Warn().Err(err).Str("chunk", id).Msg("put chunk failed")
		if errors.Is(err, proto.ErrCorruptChunk) {
			// The body did not match the sender's digest.
			s.jsonErrorCode(w, err, http.StatusBadRequest)
			return
		}
		s.jsonError(w, err)
		return
	}

	if s.metrics != nil {
		s.metrics.BytesStored.Add(float64(len(data)))
	}
	s.updateStoredGauge()
	log.Debug().Str("chunk", id).Int("bytes", len(data)).Msg("chunk stored")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(proto.PutChunkResponse{ChunkID: id, Digest: digest})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	data, digest, err := s.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, proto.ErrCorruptChunk) {
			log.Error().Err(err).Str("chunk", id).Msg("chunk failed verification")
			if s.metrics != nil {
				s.metrics.CorruptChunks.Inc()
			}
		}
		s.jsonError(w, err)
		return
	}

	if s.metrics != nil {
		s.metrics.BytesServed.Add(float64(len(data)))
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set(proto.HeaderChunkDigest, digest)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleExists(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, proto.ExistsResponse{Exists: s.store.Exists(r.PathValue("id"))})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.Delete(r.Context(), id); err != nil {
		s.jsonError(w, err)
		return
	}
	s.updateStoredGauge()
	log.Debug().Str("chunk", id).Msg("chunk deleted")
	s.writeJSON(w, map[string]string{"chunk_id": id})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	chunks, err := s.store.List()
	if err != nil {
		s.jsonError(w, err)
		return
	}
	if chunks == nil {
		chunks = []proto.StoredChunk{}
	}
	s.writeJSON(w, proto.ListChunksResponse{Chunks: chunks})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := proto.HealthResponse{Status: proto.StatusHealthy}
	capacity, err := s.store.Capacity()
	if err != nil {
		log.Warn().Err(err).Msg("capacity check failed")
		resp.Status = proto.StatusUnhealthy
		s.writeJSONStatus(w, http.StatusServiceUnavailable, resp)
		return
	}
	resp.Capacity = capacity
	s.writeJSON(w, resp)
}

func (s *Server) updateStoredGauge() {
	if s.metrics == nil {
		return
	}
	if count, _, err := s.store.Stats(); err == nil {
		s.metrics.ChunksStored.Set(float64(count))
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	s.writeJSONStatus(w, http.StatusOK, v)
}

func (s *Server) writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) jsonError(w http.ResponseWriter, err error) {
	resp, code := proto.NewErrorResponse(err)
	s.writeErrorResponse(w, resp, code)
}

func (s *Server) jsonErrorCode(w http.ResponseWriter, err error, code int) {
	resp, _ := proto.NewErrorResponse(err)
	resp.Code = code
	resp.Error = http.StatusText(code)
	s.writeErrorResponse(w, resp, code)
}

func (s *Server) writeErrorResponse(w http.ResponseWriter, resp proto.ErrorResponse, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}
