package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/brainless/datastorer/internal/catalog"
	"github.com/brainless/datastorer/internal/datastore"
	"github.com/brainless/datastorer/internal/jobs"
	"github.com/brainless/datastorer/internal/log"
	"github.com/brainless/datastorer/internal/metrics"
)

// JobService is the part of the job manager the API exposes.
type JobService interface {
	GetJob(id string) (*jobs.JobStatus, error)
	ListJobs(filter jobs.JobFilter) ([]*jobs.JobStatus, error)
	CancelJob(id string) error
	RetryJob(id string) error
	GetStats() jobs.ManagerStats
	JobCountsByState() map[string]int
}

// StatusSource returns locally recorded task statuses.
type StatusSource interface {
	Get(entityID, taskType, key string) (*catalog.TaskStatus, error)
}

// Server represents the API server
type Server struct {
	httpServer *http.Server
	jobManager JobService
	statuses   StatusSource
	store      datastore.Store
}

// NewServer creates the status API. statuses and store may be nil, which
// disables the resource endpoints.
func NewServer(addr string, jobManager JobService, statuses StatusSource, store datastore.Store) *Server {
	mux := http.NewServeMux()

	server := &Server{
		jobManager: jobManager,
		statuses:   statuses,
		store:      store,
	}

	mux.HandleFunc("GET /health", healthHandler)
	mux.Handle("GET /metrics", metrics.Handler(metrics.NewJobStatsCollector(jobManager)))
	server.registerJobsRoutes(mux)
	server.registerResourceRoutes(mux)

	server.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return server
}

// Handler returns the request router.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the API server
func (s *Server) Start() error {
	log.Logger.Infof("Starting API server on %s", s.httpServer.Addr)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	return nil
}

// Stop gracefully stops the API server
func (s *Server) Stop(ctx context.Context) error {
	log.Logger.Info("Shutting down API server")

	return s.httpServer.Shutdown(ctx)
}

// healthHandler handles health check requests
func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status": "ok", "timestamp": "%s"}`, time.Now().Format(time.RFC3339))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Logger.Warnf("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
