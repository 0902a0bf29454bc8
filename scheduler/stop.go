package scheduler

import (
	"context"

	"pricewatch/logger"
	"pricewatch/models"
)

// StatusReader reads the persisted status of a job.
type StatusReader interface {
	JobStatus(ctx context.Context, jobID string) (models.JobStatus, error)
}

// StopChecker combines the runner's in-process stop flag with the persisted
// job status, so a stop issued by another instance is also observed.
type StopChecker struct {
	runner *JobRunner
	status StatusReader
	log    logger.Logger
}

// NewStopChecker creates a StopChecker. Either source may be nil.
func NewStopChecker(runner *JobRunner, status StatusReader, log logger.Logger) *StopChecker {
	if log == nil {
		log = logger.NewNop()
	}
	return &StopChecker{runner: runner, status: status, log: log}
}

// StopRequested implements StopSignal. A status lookup error is logged and
// does not stop the job.
func (c *StopChecker) StopRequested(ctx context.Context, jobID string) bool {
	if c.runner != nil && c.runner.IsStopRequested(jobID) {
		return true
	}
	if c.status == nil {
		return false
	}
	status, err := c.status.JobStatus(ctx, jobID)
	if err != nil {
		c.log.Warn("Stop check failed", logger.String("job_id", jobID), logger.Error(err))
		return false
	}
	return status == models.JobStatusStopped
}
