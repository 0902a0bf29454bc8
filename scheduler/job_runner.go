package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"pricewatch/logger"
)

var (
	ErrQueueFull     = errors.New("job queue is full")
	ErrRunnerClosed  = errors.New("job runner is shut down")
	ErrAlreadyQueued = errors.New("job already queued or running")
)

const defaultQueueSize = 100

// JobExecutor runs one persisted job to a terminal state.
type JobExecutor func(ctx context.Context, jobID string) error

// RunnerOption configures a JobRunner.
type RunnerOption func(*JobRunner)

// WithQueueSize sets how many jobs may wait for a worker.
func WithQueueSize(n int) RunnerOption {
	return func(r *JobRunner) {
		if n > 0 {
			r.queueSize = n
		}
	}
}

// WithAbandonHandler is called for every queued job that never started
// because the runner shut down.
func WithAbandonHandler(fn func(jobID string)) RunnerOption {
	return func(r *JobRunner) { r.onAbandon = fn }
}

// WithRunnerLogger sets the logger.
func WithRunnerLogger(l logger.Logger) RunnerOption {
	return func(r *JobRunner) { r.log = l }
}

type runState struct {
	startedAt     *time.Time
	stopRequested bool
}

// RunnerStats is a point-in-time view of the runner.
type RunnerStats struct {
	Queued     int `json:"queued"`
	Running    int `json:"running"`
	MaxWorkers int `json:"maxWorkers"`
}

// JobRunner executes jobs in the background on a fixed pool of workers and
// holds the in-process stop flags of queued and running jobs.
type JobRunner struct {
	execute    JobExecutor
	maxWorkers int
	queueSize  int
	onAbandon  func(jobID string)
	log        logger.Logger

	queue  chan string
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	jobs    map[string]*runState
	closing bool
}

// NewJobRunner starts maxWorkers workers that call execute for submitted jobs.
func NewJobRunner(execute JobExecutor, maxWorkers int, opts ...RunnerOption) *JobRunner {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	r := &JobRunner{
		execute:    execute,
		maxWorkers: maxWorkers,
		queueSize:  defaultQueueSize,
		log:        logger.NewNop(),
		jobs:       make(map[string]*runState),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.queue = make(chan string, r.queueSize)
	r.ctx, r.cancel = context.WithCancel(context.Background())

	for i := 0; i < maxWorkers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	r.log.Info("Job runner started", logger.Int("max_workers", maxWorkers))
	return r
}

// Submit queues a job for execution.
func (r *JobRunner) Submit(jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closing {
		return ErrRunnerClosed
	}
	if _, exists := r.jobs[jobID]; exists {
		return ErrAlreadyQueued
	}

	select {
	case r.queue <- jobID:
		r.jobs[jobID] = &runState{}
		r.log.Debug("Job queued", logger.String("job_id", jobID))
		return nil
	default:
		return ErrQueueFull
	}
}

// RequestStop raises the stop flag of a queued or running job. It reports
// whether this runner knows the job.
func (r *JobRunner) RequestStop(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.jobs[jobID]
	if ok {
		state.stopRequested = true
	}
	return ok
}

// IsStopRequested reports whether a stop was requested through this runner.
func (r *JobRunner) IsStopRequested(jobID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.jobs[jobID]
	return ok && state.stopRequested
}

// Owns reports whether the job is queued or running in this process.
func (r *JobRunner) Owns(jobID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.jobs[jobID]
	return ok
}

// Stats returns queue and worker counts.
func (r *JobRunner) Stats() RunnerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	running := 0
	for _, state := range r.jobs {
		if state.startedAt != nil {
			running++
		}
	}
	return RunnerStats{
		Queued:     len(r.jobs) - running,
		Running:    running,
		MaxWorkers: r.maxWorkers,
	}
}

func (r *JobRunner) worker() {
	defer r.wg.Done()
	for jobID := range r.queue {
		if r.isClosing() {
			r.abandon(jobID)
			continue
		}
		r.run(jobID)
	}
}

func (r *JobRunner) run(jobID string) {
	now := time.Now()
	r.mu.Lock()
	if state, ok := r.jobs[jobID]; ok {
		state.startedAt = &now
	}
	r.mu.Unlock()

	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("Job executor panicked",
				logger.String("job_id", jobID),
				logger.Any("panic", rec),
			)
		}
		r.mu.Lock()
		delete(r.jobs, jobID)
		r.mu.Unlock()
	}()

	if err := r.execute(r.ctx, jobID); err != nil {
		r.log.Warn("Job ended with error",
			logger.String("job_id", jobID),
			logger.Duration("duration", time.Since(now)),
			logger.Error(err),
		)
		return
	}
	r.log.Info("Job ended",
		logger.String("job_id", jobID),
		logger.Duration("duration", time.Since(now)),
	)
}

func (r *JobRunner) abandon(jobID string) {
	r.mu.Lock()
	delete(r.jobs, jobID)
	r.mu.Unlock()
	r.log.Warn("Queued job abandoned on shutdown", logger.String("job_id", jobID))
	if r.onAbandon != nil {
		r.onAbandon(jobID)
	}
}

func (r *JobRunner) isClosing() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closing
}

// Shutdown stops accepting jobs, abandons queued ones and waits for running
// jobs. When ctx ends first, running jobs are cancelled and awaited.
func (r *JobRunner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		return nil
	}
	r.closing = true
	close(r.queue)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		r.log.Info("Job runner stopped")
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		r.log.Warn("Job runner stopped after cancelling running jobs")
		return ctx.Err()
	}
}
