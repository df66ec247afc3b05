package jobs

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brainless/datastorer/internal/log"
)

// JobExecution is one attempt of a job, ready for a worker.
type JobExecution struct {
	Task    Task
	Handler HandlerFunc
	Context context.Context
	Cancel  context.CancelFunc
	Timeout time.Duration
}

// executionReporter receives the lifecycle of each execution.
type executionReporter interface {
	jobStarted(id string)
	jobProgress(id string, progress JobProgress)
	jobFinished(execution *JobExecution, err error, panicked bool)
}

// WorkerPool manages a pool of workers for job execution
type WorkerPool struct {
	ctx        context.Context
	cancel     context.CancelFunc
	maxWorkers int
	jobQueue   chan *JobExecution
	running    int32
	wg         sync.WaitGroup
	mu         sync.RWMutex
	stats      WorkerPoolStats
	reporter   executionReporter
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(maxWorkers, queueSize int, reporter executionReporter) *WorkerPool {
	if maxWorkers <= 0 {
		maxWorkers = runtime.NumCPU()
	}
	if queueSize <= 0 {
		queueSize = maxWorkers * 10
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &WorkerPool{
		ctx:        ctx,
		cancel:     cancel,
		maxWorkers: maxWorkers,
		jobQueue:   make(chan *JobExecution, queueSize),
		reporter:   reporter,
		stats: WorkerPoolStats{
			TotalWorkers: maxWorkers,
		},
	}
}

// Start initializes and starts all workers
func (wp *WorkerPool) Start() error {
	if !atomic.CompareAndSwapInt32(&wp.running, 0, 1) {
		return fmt.Errorf("worker pool is already running")
	}

	log.Logger.Infof("Starting worker pool with %d workers", wp.maxWorkers)

	for i := 0; i < wp.maxWorkers; i++ {
		worker := &Worker{id: i, pool: wp}
		wp.wg.Add(1)
		go worker.Start()
	}
	return nil
}

// Stop cancels running executions and waits for the workers to exit.
func (wp *WorkerPool) Stop() error {
	if !atomic.CompareAndSwapInt32(&wp.running, 1, 0) {
		return nil
	}

	log.Logger.Info("Stopping worker pool...")
	wp.cancel()
	wp.wg.Wait()
	log.Logger.Info("Worker pool stopped")
	return nil
}

// SubmitJob queues an execution without blocking.
func (wp *WorkerPool) SubmitJob(execution *JobExecution) error {
	if atomic.LoadInt32(&wp.running) == 0 {
		return fmt.Errorf("worker pool is not running")
	}

	select {
	case wp.jobQueue <- execution:
		return nil
	default:
		return fmt.Errorf("job queue is full")
	}
}

// GetStats returns current worker pool statistics
func (wp *WorkerPool) GetStats() WorkerPoolStats {
	wp.mu.RLock()
	defer wp.mu.RUnlock()

	stats := wp.stats
	stats.QueueSize = len(wp.jobQueue)
	stats.IdleWorkers = stats.TotalWorkers - stats.ActiveWorkers
	return stats
}

func (wp *WorkerPool) updateStats(updateFunc func(*WorkerPoolStats)) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	updateFunc(&wp.stats)
}

// Worker represents a single worker goroutine
type Worker struct {
	id   int
	pool *WorkerPool
}

// Start begins the worker's job processing loop
func (w *Worker) Start() {
	defer w.pool.wg.Done()

	log.Logger.Debugf("Worker %d started", w.id)

	for {
		select {
		case <-w.pool.ctx.Done():
			log.Logger.Debugf("Worker %d stopping due to context cancellation", w.id)
			return
		case execution := <-w.pool.jobQueue:
			w.executeJob(execution)
		}
	}
}

// executeJob runs one execution, recovering from handler panics.
func (w *Worker) executeJob(execution *JobExecution) {
	id := execution.Task.ID
	w.pool.updateStats(func(s *WorkerPoolStats) {
		s.ActiveWorkers++
	})
	defer w.pool.updateStats(func(s *WorkerPoolStats) {
		s.ActiveWorkers--
	})

	ctx := execution.Context
	if execution.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, execution.Timeout)
		defer cancel()
	}
	if execution.Cancel != nil {
		defer execution.Cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			log.Logger.Errorf("Worker %d panic while executing job %s: %v", w.id, id, r)
			w.pool.reporter.jobFinished(execution, fmt.Errorf("job panicked: %v", r), true)
		}
	}()

	log.Logger.Infof("Worker %d executing job %s (attempt %d)", w.id, id, execution.Task.Attempt+1)
	w.pool.reporter.jobStarted(id)

	startTime := time.Now()
	err := execution.Handler(ctx, execution.Task, func(progress JobProgress) {
		w.pool.reporter.jobProgress(id, progress)
	})
	duration := time.Since(startTime)

	if err != nil {
		log.Logger.Errorf("Worker %d job %s failed after %v: %v", w.id, id, duration, err)
	} else {
		log.Logger.Infof("Worker %d job %s completed successfully in %v", w.id, id, duration)
	}
	w.pool.reporter.jobFinished(execution, err, false)
}
