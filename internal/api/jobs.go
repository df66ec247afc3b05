package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/brainless/datastorer/internal/jobs"
)

// JobInfo represents information about a job for API responses
type JobInfo struct {
	ID           string           `json:"id"`
	Type         string           `json:"type"`
	State        string           `json:"state"`
	ResourceID   string           `json:"resource_id,omitempty"`
	Progress     jobs.JobProgress `json:"progress"`
	CreatedAt    time.Time        `json:"created_at"`
	StartTime    *time.Time       `json:"start_time,omitempty"`
	EndTime      *time.Time       `json:"end_time,omitempty"`
	NextRunAt    *time.Time       `json:"next_run_at,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	RetryCount   int              `json:"retry_count"`
	MaxRetries   int              `json:"max_retries"`
	Description  string           `json:"description"`
}

// convertJobStatusToJobInfo converts a jobs.JobStatus to a JobInfo
func convertJobStatusToJobInfo(status *jobs.JobStatus) JobInfo {
	return JobInfo{
		ID:           status.ID,
		Type:         status.Type,
		State:        string(status.State),
		ResourceID:   status.EntityID,
		Progress:     status.Progress,
		CreatedAt:    status.CreatedAt,
		StartTime:    status.StartTime,
		EndTime:      status.EndTime,
		NextRunAt:    status.NextRunAt,
		ErrorMessage: status.ErrorMessage,
		RetryCount:   status.RetryCount,
		MaxRetries:   status.MaxRetries,
		Description:  status.Description,
	}
}

// getJobsHandler lists jobs, optionally filtered by ?state=, ?resource_id=
// and ?limit=.
func (s *Server) getJobsHandler(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := jobs.JobFilter{EntityID: query.Get("resource_id")}
	if states := query.Get("state"); states != "" {
		for _, state := range strings.Split(states, ",") {
			filter.States = append(filter.States, jobs.JobState(strings.TrimSpace(state)))
		}
	}
	if limit := query.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}

	statuses, err := s.jobManager.ListJobs(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}

	jobsList := make([]JobInfo, 0, len(statuses))
	for _, status := range statuses {
		jobsList = append(jobsList, convertJobStatusToJobInfo(status))
	}
	writeJSON(w, http.StatusOK, jobsList)
}

func (s *Server) getJobHandler(w http.ResponseWriter, r *http.Request) {
	status, err := s.jobManager.GetJob(r.PathValue("job_id"))
	if err != nil {
		s.writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, convertJobStatusToJobInfo(status))
}

func (s *Server) getJobStatsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.jobManager.GetStats())
}

// retryJobHandler queues a failed or cancelled job again
func (s *Server) retryJobHandler(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")
	if err := s.jobManager.RetryJob(jobID); err != nil {
		s.writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("Job %s queued for retry", jobID),
		"job_id":  jobID,
	})
}

// cancelJobHandler cancels a queued or running job
func (s *Server) cancelJobHandler(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")
	if err := s.jobManager.CancelJob(jobID); err != nil {
		s.writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("Job %s cancelled", jobID),
		"job_id":  jobID,
	})
}

func (s *Server) writeJobError(w http.ResponseWriter, err error) {
	if errors.Is(err, jobs.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusConflict, err.Error())
}

// registerJobsRoutes registers the jobs-related routes
func (s *Server) registerJobsRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/jobs", s.getJobsHandler)
	mux.HandleFunc("GET /api/jobs/stats", s.getJobStatsHandler)
	mux.HandleFunc("GET /api/jobs/{job_id}", s.getJobHandler)
	mux.HandleFunc("POST /api/jobs/{job_id}/retry", s.retryJobHandler)
	mux.HandleFunc("POST /api/jobs/{job_id}/cancel", s.cancelJobHandler)
}
