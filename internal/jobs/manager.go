package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/brainless/datastorer/internal/log"
	"github.com/brainless/datastorer/internal/metrics"
)

// ErrJobNotFound is returned for unknown job ids.
var ErrJobNotFound = errors.New("job not found")

// Manager queues tasks, runs them on a worker pool and reschedules transient
// failures.
type Manager struct {
	persistence   *JobPersistence
	registry      *Registry
	workerPool    *WorkerPool
	jobs          map[string]*JobStatus
	executions    map[string]*JobExecution
	jobsMux       sync.RWMutex
	ctx           context.Context
	cancel        context.CancelFunc
	config        ManagerConfig
	eventHandlers []EventHandler
	started       int32
	now           func() time.Time
}

// ManagerConfig holds configuration for the job manager
type ManagerConfig struct {
	MaxWorkers      int
	QueueSize       int
	Retry           RetryPolicy
	CleanupInterval time.Duration
	CleanupAge      time.Duration
	JobTimeout      time.Duration
	PollInterval    time.Duration
	PersistProgress bool
}

// DefaultManagerConfig returns default configuration
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxWorkers:      4,
		QueueSize:       100,
		Retry:           DefaultRetryPolicy(),
		CleanupInterval: time.Hour,
		CleanupAge:      30 * 24 * time.Hour,
		JobTimeout:      2 * time.Hour,
		PollInterval:    5 * time.Second,
		PersistProgress: true,
	}
}

// EventHandler defines the interface for job event handlers
type EventHandler interface {
	HandleEvent(event JobEvent)
}

// NewManager creates a job manager persisting to storagePath. Submitting
// works before Start; jobs then wait in the database for a running manager.
func NewManager(storagePath string, registry *Registry, config ManagerConfig) (*Manager, error) {
	persistence, err := NewJobPersistence(storagePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create job persistence: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	manager := &Manager{
		persistence: persistence,
		registry:    registry,
		jobs:        make(map[string]*JobStatus),
		executions:  make(map[string]*JobExecution),
		ctx:         ctx,
		cancel:      cancel,
		config:      config,
		now:         time.Now,
	}
	manager.workerPool = NewWorkerPool(config.MaxWorkers, config.QueueSize, manager)

	return manager, nil
}

// Persistence exposes the job database, shared with the status tracker.
func (m *Manager) Persistence() *JobPersistence {
	return m.persistence
}

// Start starts the workers and begins polling for due jobs
func (m *Manager) Start() error {
	if !atomic.CompareAndSwapInt32(&m.started, 0, 1) {
		return fmt.Errorf("job manager is already running")
	}
	log.Logger.Info("Starting job manager...")

	if err := m.workerPool.Start(); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	if err := m.loadExistingJobs(); err != nil {
		log.Logger.Warnf("Failed to load existing jobs: %v", err)
	}
	m.dispatchDue()

	go m.pollRoutine()
	go m.cleanupRoutine()

	log.Logger.Info("Job manager started successfully")
	return nil
}

// Stop cancels running jobs, waits for the workers and closes the database.
// Interrupted jobs go back to the queue.
func (m *Manager) Stop() error {
	log.Logger.Info("Stopping job manager...")

	m.cancel()
	if err := m.workerPool.Stop(); err != nil {
		log.Logger.Warnf("Error stopping worker pool: %v", err)
	}

	if err := m.persistence.Close(); err != nil {
		log.Logger.Warnf("Error closing persistence: %v", err)
	}

	log.Logger.Info("Job manager stopped")
	return nil
}

// SubmitTask queues a task for the handler registered under name and
// returns the job id.
func (m *Manager) SubmitTask(name string, contextJSON, payloadJSON []byte) (string, error) {
	if _, ok := m.registry.Lookup(name); !ok {
		return "", fmt.Errorf("no handler registered for task %q", name)
	}
	if !json.Valid(contextJSON) {
		return "", fmt.Errorf("task context is not valid JSON")
	}
	if !json.Valid(payloadJSON) {
		return "", fmt.Errorf("task payload is not valid JSON")
	}

	var entity struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(payloadJSON, &entity)

	status := &JobStatus{
		ID:          uuid.New().String(),
		Type:        name,
		State:       JobStateQueued,
		EntityID:    entity.ID,
		Description: fmt.Sprintf("%s %s", name, entity.ID),
		CreatedAt:   m.now(),
		MaxRetries:  m.config.Retry.MaxRetries,
		Context:     json.RawMessage(contextJSON),
		Payload:     json.RawMessage(payloadJSON),
	}

	if err := m.persistence.SaveJob(status); err != nil {
		return "", fmt.Errorf("failed to persist job: %w", err)
	}

	m.jobsMux.Lock()
	m.jobs[status.ID] = status
	m.emitEvent(JobEvent{
		JobID:     status.ID,
		EventType: EventJobSubmitted,
		Timestamp: m.now(),
		Message:   fmt.Sprintf("Job %s submitted", status.ID),
	})
	m.jobsMux.Unlock()

	if atomic.LoadInt32(&m.started) == 1 {
		if err := m.dispatch(status.ID); err != nil {
			log.Logger.Warnf("Job %s left queued: %v", status.ID, err)
		}
	}

	return status.ID, nil
}

// dispatch hands a queued job to the worker pool.
func (m *Manager) dispatch(id string) error {
	m.jobsMux.Lock()
	defer m.jobsMux.Unlock()

	if _, running := m.executions[id]; running {
		return nil
	}
	status, exists := m.jobs[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if status.State != JobStateQueued {
		return fmt.Errorf("job %s cannot be started (current state: %s)", id, status.State)
	}

	handler, ok := m.registry.Lookup(status.Type)
	if !ok {
		m.finish(status, JobStateFailed, fmt.Sprintf("no handler registered for task %q", status.Type))
		return fmt.Errorf("no handler registered for task %q", status.Type)
	}

	ctx, cancel := context.WithCancel(m.ctx)
	execution := &JobExecution{
		Task: Task{
			ID:      status.ID,
			Name:    status.Type,
			Context: status.Context,
			Payload: status.Payload,
			Attempt: status.RetryCount,
		},
		Handler: handler,
		Context: ctx,
		Cancel:  cancel,
		Timeout: m.config.JobTimeout,
	}

	if err := m.workerPool.SubmitJob(execution); err != nil {
		cancel()
		return fmt.Errorf("failed to submit job to worker pool: %w", err)
	}
	m.executions[id] = execution
	return nil
}

// dispatchDue starts every queued job whose retry time has come, including
// jobs queued by other processes.
func (m *Manager) dispatchDue() {
	queued, err := m.persistence.ListJobs(JobFilter{States: []JobState{JobStateQueued}})
	if err != nil {
		log.Logger.Warnf("Failed to list queued jobs: %v", err)
		return
	}

	now := m.now()
	// oldest first
	for i := len(queued) - 1; i >= 0; i-- {
		persisted := queued[i]

		m.jobsMux.Lock()
		status, known := m.jobs[persisted.ID]
		_, running := m.executions[persisted.ID]
		if !known {
			status = persisted
			m.jobs[status.ID] = status
		} else if !running && status.State != JobStateQueued {
			// requeued by another process, e.g. "jobs retry"
			if fresh, err := m.persistence.LoadJob(status.ID); err == nil && fresh != nil && fresh.State == JobStateQueued {
				status = fresh
				m.jobs[status.ID] = status
			}
		}
		due := status.due(now)
		m.jobsMux.Unlock()

		if running || !due {
			continue
		}
		if err := m.dispatch(status.ID); err != nil {
			log.Logger.Debugf("Job %s not dispatched: %v", status.ID, err)
			return
		}
	}
}

// CancelJob cancels a queued or running job
func (m *Manager) CancelJob(id string) error {
	m.jobsMux.Lock()
	defer m.jobsMux.Unlock()

	status, err := m.lookupLocked(id)
	if err != nil {
		return err
	}
	if status.IsFinished() {
		return fmt.Errorf("job %s is already finished (state: %s)", id, status.State)
	}

	m.finish(status, JobStateCancelled, "")
	m.emitEvent(JobEvent{
		JobID:     id,
		EventType: EventJobCancelled,
		Timestamp: m.now(),
		Message:   fmt.Sprintf("Job %s cancelled", id),
	})

	if execution, ok := m.executions[id]; ok {
		execution.Cancel()
	}
	return nil
}

// RetryJob queues a failed or cancelled job again, immediately.
func (m *Manager) RetryJob(id string) error {
	m.jobsMux.Lock()
	status, err := m.lookupLocked(id)
	if err != nil {
		m.jobsMux.Unlock()
		return err
	}
	if status.State != JobStateFailed && status.State != JobStateCancelled {
		m.jobsMux.Unlock()
		return fmt.Errorf("job %s cannot be retried (current state: %s)", id, status.State)
	}

	status.State = JobStateQueued
	status.ErrorMessage = ""
	status.EndTime = nil
	status.NextRunAt = nil
	if err := m.persistence.SaveJob(status); err != nil {
		log.Logger.Warnf("Failed to persist job retry: %v", err)
	}
	m.emitEvent(JobEvent{
		JobID:     id,
		EventType: EventJobRetrying,
		Timestamp: m.now(),
		Message:   fmt.Sprintf("Job %s manually retried", id),
	})
	m.jobsMux.Unlock()

	if atomic.LoadInt32(&m.started) == 1 {
		return m.dispatch(id)
	}
	return nil
}

// GetJob retrieves a copy of a job status
func (m *Manager) GetJob(id string) (*JobStatus, error) {
	m.jobsMux.RLock()
	status, exists := m.jobs[id]
	if exists {
		statusCopy := *status
		m.jobsMux.RUnlock()
		return &statusCopy, nil
	}
	m.jobsMux.RUnlock()

	persisted, err := m.persistence.LoadJob(id)
	if err != nil {
		return nil, fmt.Errorf("failed to load job from persistence: %w", err)
	}
	if persisted == nil {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return persisted, nil
}

// ListJobs lists jobs matching the filter
func (m *Manager) ListJobs(filter JobFilter) ([]*JobStatus, error) {
	return m.persistence.ListJobs(filter)
}

// CleanupJobs removes finished jobs matching the filter and returns how many
// were removed.
func (m *Manager) CleanupJobs(filter JobFilter) (int, error) {
	jobs, err := m.ListJobs(filter)
	if err != nil {
		return 0, fmt.Errorf("failed to list jobs for cleanup: %w", err)
	}

	m.jobsMux.Lock()
	defer m.jobsMux.Unlock()

	removed := 0
	for _, job := range jobs {
		if !job.IsFinished() {
			continue
		}
		delete(m.jobs, job.ID)
		if err := m.persistence.DeleteJob(job.ID); err != nil {
			log.Logger.Warnf("Failed to delete job %s: %v", job.ID, err)
			continue
		}
		removed++
	}
	return removed, nil
}

// GetStats returns manager statistics
func (m *Manager) GetStats() ManagerStats {
	stats, err := m.persistence.GetStats()
	if err != nil {
		log.Logger.Warnf("Failed to get persistence stats: %v", err)
	}
	stats.WorkerStats = m.workerPool.GetStats()
	return stats
}

// JobCountsByState reports job counts for the metrics endpoint.
func (m *Manager) JobCountsByState() map[string]int {
	counts := make(map[string]int)
	for state, n := range m.GetStats().JobsByState {
		counts[string(state)] = n
	}
	return counts
}

// AddEventHandler adds an event handler
func (m *Manager) AddEventHandler(handler EventHandler) {
	m.jobsMux.Lock()
	defer m.jobsMux.Unlock()
	m.eventHandlers = append(m.eventHandlers, handler)
}

// Helper methods

// lookupLocked finds a job in memory or the database; jobsMux must be held.
func (m *Manager) lookupLocked(id string) (*JobStatus, error) {
	if status, ok := m.jobs[id]; ok {
		return status, nil
	}
	persisted, err := m.persistence.LoadJob(id)
	if err != nil {
		return nil, fmt.Errorf("failed to load job from persistence: %w", err)
	}
	if persisted == nil {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	m.jobs[id] = persisted
	return persisted, nil
}

// loadExistingJobs requeues jobs left running by a previous process.
func (m *Manager) loadExistingJobs() error {
	running, err := m.persistence.ListJobs(JobFilter{States: []JobState{JobStateRunning}})
	if err != nil {
		return fmt.Errorf("failed to load existing jobs: %w", err)
	}

	m.jobsMux.Lock()
	defer m.jobsMux.Unlock()

	for _, job := range running {
		job.State = JobStateQueued
		job.NextRunAt = nil
		m.jobs[job.ID] = job
		if err := m.persistence.SaveJob(job); err != nil {
			log.Logger.Warnf("Failed to requeue job %s: %v", job.ID, err)
			continue
		}
		log.Logger.Infof("Requeued interrupted job %s", job.ID)
	}
	return nil
}

// finish moves a job to a final state; jobsMux must be held.
func (m *Manager) finish(status *JobStatus, state JobState, errorMessage string) {
	endTime := m.now()
	status.State = state
	status.ErrorMessage = errorMessage
	status.EndTime = &endTime
	status.NextRunAt = nil

	if err := m.persistence.SaveJob(status); err != nil {
		log.Logger.Warnf("Failed to persist job state update: %v", err)
	}
}

func (m *Manager) jobStarted(id string) {
	m.jobsMux.Lock()
	defer m.jobsMux.Unlock()

	status, exists := m.jobs[id]
	if !exists {
		return
	}
	startTime := m.now()
	status.State = JobStateRunning
	status.StartTime = &startTime
	status.EndTime = nil
	status.NextRunAt = nil
	if err := m.persistence.SaveJob(status); err != nil {
		log.Logger.Warnf("Failed to persist job state update: %v", err)
	}

	m.emitEvent(JobEvent{
		JobID:     id,
		EventType: EventJobStarted,
		Timestamp: startTime,
		Message:   fmt.Sprintf("Job %s started (attempt %d)", id, status.RetryCount+1),
	})
}

func (m *Manager) jobProgress(id string, progress JobProgress) {
	m.jobsMux.Lock()
	defer m.jobsMux.Unlock()

	status, exists := m.jobs[id]
	if !exists {
		return
	}
	status.Progress = progress

	if m.config.PersistProgress {
		if err := m.persistence.SaveProgress(id, progress); err != nil {
			log.Logger.Warnf("Failed to persist job progress: %v", err)
		}
	}

	m.emitEvent(JobEvent{
		JobID:     id,
		EventType: EventJobProgress,
		Timestamp: m.now(),
		Message:   progress.Message,
		Data: map[string]any{
			"current":    progress.Current,
			"total":      progress.Total,
			"percentage": progress.Percentage(),
		},
	})
}

// jobFinished records the outcome of an attempt and applies the retry
// policy.
func (m *Manager) jobFinished(execution *JobExecution, err error, panicked bool) {
	id := execution.Task.ID

	m.jobsMux.Lock()
	defer m.jobsMux.Unlock()

	delete(m.executions, id)
	status, exists := m.jobs[id]
	if !exists || status.State == JobStateCancelled {
		return
	}

	switch {
	case err == nil:
		m.finish(status, JobStateCompleted, "")
		m.emitEvent(JobEvent{
			JobID:     id,
			EventType: EventJobCompleted,
			Timestamp: m.now(),
			Message:   fmt.Sprintf("Job %s completed successfully", id),
		})

	case m.ctx.Err() != nil && errors.Is(err, context.Canceled):
		// Shutdown interrupted the attempt; it does not count as a retry.
		status.State = JobStateQueued
		status.ErrorMessage = ""
		if err := m.persistence.SaveJob(status); err != nil {
			log.Logger.Warnf("Failed to persist interrupted job: %v", err)
		}

	case !panicked && m.config.Retry.ShouldRetry(err, status.RetryCount):
		next := m.now().Add(m.config.Retry.Delay)
		status.RetryCount++
		status.State = JobStateQueued
		status.ErrorMessage = err.Error()
		status.NextRunAt = &next
		if err := m.persistence.SaveJob(status); err != nil {
			log.Logger.Warnf("Failed to persist job retry: %v", err)
		}
		metrics.IncreaseRetriesScheduled()
		m.emitEvent(JobEvent{
			JobID:     id,
			EventType: EventJobRetrying,
			Timestamp: m.now(),
			Message:   fmt.Sprintf("Job %s retry %d of %d at %s", id, status.RetryCount, status.MaxRetries, next.Format(time.RFC3339)),
			Data:      map[string]any{"error": err.Error()},
		})

	default:
		m.finish(status, JobStateFailed, err.Error())
		m.emitEvent(JobEvent{
			JobID:     id,
			EventType: EventJobFailed,
			Timestamp: m.now(),
			Message:   fmt.Sprintf("Job %s failed: %v", id, err),
			Data:      map[string]any{"error": err.Error()},
		})
	}
}

// emitEvent persists an event and fans it out; jobsMux must be held.
func (m *Manager) emitEvent(event JobEvent) {
	if err := m.persistence.SaveEvent(event); err != nil {
		log.Logger.Warnf("Failed to save event: %v", err)
	}

	for _, handler := range m.eventHandlers {
		go handler.HandleEvent(event)
	}
}

// pollRoutine picks up retries that became due and jobs queued elsewhere.
func (m *Manager) pollRoutine() {
	interval := m.config.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.dispatchDue()
		}
	}
}

// cleanupRoutine runs periodic cleanup
func (m *Manager) cleanupRoutine() {
	if m.config.CleanupInterval <= 0 || m.config.CleanupAge <= 0 {
		return
	}
	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			cutoff := m.now().Add(-m.config.CleanupAge)
			filter := JobFilter{
				States:        []JobState{JobStateCompleted, JobStateFailed, JobStateCancelled},
				CreatedBefore: &cutoff,
			}
			if _, err := m.CleanupJobs(filter); err != nil {
				log.Logger.Warnf("Failed to cleanup old jobs: %v", err)
			}
		}
	}
}
