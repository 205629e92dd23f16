package meta

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/tunnelmesh/meshdfs/internal/metrics"
	"github.com/tunnelmesh/meshdfs/pkg/proto"
)

const serviceName = "meta"

// HealthChecker reports the health of every node. Implemented by the health monitor.
type HealthChecker interface {
	Check(ctx context.Context) map[string]proto.NodeStatus
}

// Server exposes a Service over HTTP.
type Server struct {
	svc     *Service
	health  HealthChecker
	metrics *metrics.DFSMetrics
	mux     *http.ServeMux
}

// NewServer creates the metadata HTTP server. health and m may be nil.
func NewServer(svc *Service, health HealthChecker, m *metrics.DFSMetrics) *Server {
	s := &Server{
		svc:     svc,
		health:  health,
		metrics: m,
		mux:     http.NewServeMux(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("POST /api/file", metrics.Instrument(s.metrics, serviceName, "CreateFile", s.handleCreateFile))
	s.mux.HandleFunc("GET /api/file", metrics.Instrument(s.metrics, serviceName, "GetFile", s.handleGetFile))
	s.mux.HandleFunc("DELETE /api/file", metrics.Instrument(s.metrics, serviceName, "DeleteFile", s.handleDeleteFile))
	s.mux.HandleFunc("PUT /api/file/rename", metrics.Instrument(s.metrics, serviceName, "RenameFile", s.handleRename))
	s.mux.HandleFunc("GET /api/list", metrics.Instrument(s.metrics, serviceName, "ListFiles", s.handleList))
	s.mux.HandleFunc("POST /api/chunks/degraded", metrics.Instrument(s.metrics, serviceName, "ReportDegraded", s.handleDegraded))
	s.mux.HandleFunc("GET /api/cluster", metrics.Instrument(s.metrics, serviceName, "Cluster", s.handleCluster))
	s.mux.HandleFunc("GET /api/health", metrics.Instrument(s.metrics, serviceName, "NodeHealth", s.handleNodeHealth))
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", metrics.Handler())
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleCreateFile(w http.ResponseWriter, r *http.Request) {
	var req proto.CreateFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, fmt.Errorf("invalid request body: %v: %w", err, proto.ErrInvalidArgument))
		return
	}

	resp, err := s.svc.CreateFile(r.Context(), req.Path, req.Size)
	if err != nil {
		log.Warn().Err(err).Str("path", req.Path).Msg("create file failed")
		s.jsonError(w, err)
		return
	}
	s.writeJSON(w, resp)
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	resp, err := s.svc.GetFile(r.Context(), r.URL.Query().Get("path"))
	if err != nil {
		s.jsonError(w, err)
		return
	}
	s.writeJSON(w, resp)
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	resp, err := s.svc.DeleteFile(r.Context(), r.URL.Query().Get("path"))
	if err != nil {
		s.jsonError(w, err)
		return
	}
	s.writeJSON(w, resp)
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	var req proto.RenameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, fmt.Errorf("invalid request body: %v: %w", err, proto.ErrInvalidArgument))
		return
	}
	if err := s.svc.RenameFile(r.Context(), req.OldPath, req.NewPath); err != nil {
		s.jsonError(w, err)
		return
	}
	s.writeJSON(w, proto.RenameResponse{Success: true, Message: "File renamed successfully."})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	prefix := "/"
	if q := r.URL.Query(); q.Has("directory") {
		prefix = q.Get("directory")
	}
	files, err := s.svc.ListFiles(r.Context(), prefix)
	if err != nil {
		s.jsonError(w, err)
		return
	}
	s.writeJSON(w, files)
}

func (s *Server) handleDegraded(w http.ResponseWriter, r *http.Request) {
	var req proto.DegradedReport
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, fmt.Errorf("invalid request body: %v: %w", err, proto.ErrInvalidArgument))
		return
	}
	n, err := s.svc.ReportDegraded(r.Context(), req.ChunkIDs)
	if err != nil {
		s.jsonError(w, err)
		return
	}
	s.writeJSON(w, proto.DegradedReportResponse{Accepted: n})
}

func (s *Server) handleCluster(w http.ResponseWriter, r *http.Request) {
	info, err := s.svc.Cluster(r.Context())
	if err != nil {
		s.jsonError(w, err)
		return
	}
	s.writeJSON(w, info)
}

func (s *Server) handleNodeHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		s.writeJSON(w, map[string]proto.NodeStatus{})
		return
	}
	s.writeJSON(w, s.health.Check(r.Context()))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, proto.HealthResponse{Status: proto.StatusHealthy})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) jsonError(w http.ResponseWriter, err error) {
	resp, code := proto.NewErrorResponse(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}
