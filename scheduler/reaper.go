package scheduler

import (
	"context"
	"fmt"
	"time"

	"pricewatch/logger"
	"pricewatch/models"
)

const (
	defaultReapInterval = 5 * time.Minute
	reapTimeout         = 30 * time.Second
	staleJobMessage     = "job interrupted: no progress since %s"
)

// StaleJobStore finds and updates jobs for the reaper.
type StaleJobStore interface {
	FindStaleRunningJobs(ctx context.Context, updatedBefore time.Time) ([]models.PriceScrapingJob, error)
	UpdateJob(ctx context.Context, job *models.PriceScrapingJob) error
}

// Ownership reports whether this process is executing a job.
type Ownership interface {
	Owns(jobID string) bool
}

// Reaper periodically fails RUNNING jobs that stopped making progress and
// are not executed by this process, typically after a restart.
type Reaper struct {
	store      StaleJobStore
	owner      Ownership
	staleAfter time.Duration
	interval   time.Duration
	log        logger.Logger
	now        func() time.Time

	stopChan chan struct{}
	done     chan struct{}
}

// NewReaper creates a Reaper. interval defaults to five minutes.
func NewReaper(store StaleJobStore, owner Ownership, staleAfter, interval time.Duration, log logger.Logger) *Reaper {
	if interval <= 0 {
		interval = defaultReapInterval
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Reaper{
		store:      store,
		owner:      owner,
		staleAfter: staleAfter,
		interval:   interval,
		log:        log,
		now:        time.Now,
		stopChan:   make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start runs a sweep immediately and then on every tick.
func (r *Reaper) Start() {
	r.log.Info("Starting stale job reaper",
		logger.Duration("stale_after", r.staleAfter),
		logger.Duration("interval", r.interval),
	)

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		r.sweepWithTimeout()
		for {
			select {
			case <-ticker.C:
				r.sweepWithTimeout()
			case <-r.stopChan:
				r.log.Info("Stale job reaper stopped")
				return
			}
		}
	}()
}

// Stop stops the reaper and waits for a running sweep.
func (r *Reaper) Stop() {
	close(r.stopChan)
	<-r.done
}

func (r *Reaper) sweepWithTimeout() {
	ctx, cancel := context.WithTimeout(context.Background(), reapTimeout)
	defer cancel()
	if _, err := r.Sweep(ctx); err != nil {
		r.log.Error("Stale job sweep failed", logger.Error(err))
	}
}

// Sweep fails every stale RUNNING job not owned by this process and returns
// how many were failed.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	now := r.now()
	cutoff := now.Add(-r.staleAfter)
	jobs, err := r.store.FindStaleRunningJobs(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("find stale jobs: %w", err)
	}

	reaped := 0
	for i := range jobs {
		job := &jobs[i]
		if r.owner != nil && r.owner.Owns(job.ID) {
			continue
		}
		if err := job.Fail(fmt.Sprintf(staleJobMessage, job.UpdatedAt.Format(time.RFC3339)), now); err != nil {
			r.log.Warn("Cannot fail stale job", logger.String("job_id", job.ID), logger.Error(err))
			continue
		}
		if err := r.store.UpdateJob(ctx, job); err != nil {
			r.log.Error("Failed to persist reaped job", logger.String("job_id", job.ID), logger.Error(err))
			continue
		}
		reaped++
		r.log.Warn("Stale job failed", logger.String("job_id", job.ID))
	}
	return reaped, nil
}
