package jobs

import (
	"context"
	"encoding/json"
	"time"
)

// JobState represents the current state of a job
type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateRunning   JobState = "running"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateCancelled JobState = "cancelled"
)

// IsFinished returns true if the job state has completed execution
func (js JobState) IsFinished() bool {
	return js == JobStateCompleted || js == JobStateFailed || js == JobStateCancelled
}

// JobProgress represents the progress information of a job
type JobProgress struct {
	Current int64  `json:"current"`
	Total   int64  `json:"total"`
	Message string `json:"message"`
}

// Percentage returns the completion percentage (0-100)
func (jp *JobProgress) Percentage() float64 {
	if jp.Total == 0 {
		return 0
	}
	return float64(jp.Current) / float64(jp.Total) * 100
}

// JobStatus is the queue-side record of a submitted task.
type JobStatus struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	State        JobState        `json:"state"`
	EntityID     string          `json:"entity_id,omitempty"`
	Description  string          `json:"description"`
	Progress     JobProgress     `json:"progress"`
	CreatedAt    time.Time       `json:"created_at"`
	StartTime    *time.Time      `json:"start_time,omitempty"`
	EndTime      *time.Time      `json:"end_time,omitempty"`
	NextRunAt    *time.Time      `json:"next_run_at,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	RetryCount   int             `json:"retry_count"`
	MaxRetries   int             `json:"max_retries"`
	Context      json.RawMessage `json:"context"`
	Payload      json.RawMessage `json:"payload"`
}

// Duration returns the job execution duration
func (js *JobStatus) Duration() time.Duration {
	if js.StartTime == nil {
		return 0
	}
	if js.EndTime != nil {
		return js.EndTime.Sub(*js.StartTime)
	}
	if js.State == JobStateRunning {
		return time.Since(*js.StartTime)
	}
	return 0
}

// IsActive returns true if the job is queued or running
func (js *JobStatus) IsActive() bool {
	return js.State == JobStateQueued || js.State == JobStateRunning
}

// IsFinished returns true if the job has completed execution
func (js *JobStatus) IsFinished() bool {
	return js.State.IsFinished()
}

// due reports whether a queued job may run at now.
func (js *JobStatus) due(now time.Time) bool {
	return js.State == JobStateQueued && (js.NextRunAt == nil || !js.NextRunAt.After(now))
}

// Task is what a handler receives: the submitted context and payload plus
// the attempt number (0 for the first run).
type Task struct {
	ID      string
	Name    string
	Context json.RawMessage
	Payload json.RawMessage
	Attempt int
}

// ProgressCallback is called to report job progress
type ProgressCallback func(progress JobProgress)

// HandlerFunc executes a task. A returned error fails the attempt; the
// manager decides whether to retry it.
type HandlerFunc func(ctx context.Context, task Task, progress ProgressCallback) error

// JobFilter allows filtering jobs by various criteria
type JobFilter struct {
	States        []JobState
	Types         []string
	EntityID      string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Limit         int
}

// ManagerStats provides statistics about the job manager
type ManagerStats struct {
	TotalJobs     int              `json:"total_jobs"`
	ActiveJobs    int              `json:"active_jobs"`
	QueuedJobs    int              `json:"queued_jobs"`
	RunningJobs   int              `json:"running_jobs"`
	CompletedJobs int              `json:"completed_jobs"`
	FailedJobs    int              `json:"failed_jobs"`
	JobsByType    map[string]int   `json:"jobs_by_type"`
	JobsByState   map[JobState]int `json:"jobs_by_state"`
	WorkerStats   WorkerPoolStats  `json:"worker_stats"`
}

// WorkerPoolStats provides statistics about the worker pool
type WorkerPoolStats struct {
	TotalWorkers  int `json:"total_workers"`
	ActiveWorkers int `json:"active_workers"`
	IdleWorkers   int `json:"idle_workers"`
	QueueSize     int `json:"queue_size"`
}

// JobEvent represents events in the job lifecycle
type JobEvent struct {
	JobID     string         `json:"job_id"`
	EventType string         `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

// EventType constants for job events
const (
	EventJobSubmitted = "job_submitted"
	EventJobStarted   = "job_started"
	EventJobProgress  = "job_progress"
	EventJobCompleted = "job_completed"
	EventJobFailed    = "job_failed"
	EventJobCancelled = "job_cancelled"
	EventJobRetrying  = "job_retrying"
)
