package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pricewatch/logger"
	"pricewatch/models"
	"pricewatch/scheduler"
)

func TestJobRunner_ExecutesAndForgetsJobs(t *testing.T) {
	var (
		mu  sync.Mutex
		ran []string
	)
	done := make(chan struct{}, 2)
	runner := scheduler.NewJobRunner(func(_ context.Context, jobID string) error {
		mu.Lock()
		ran = append(ran, jobID)
		mu.Unlock()
		done <- struct{}{}
		return nil
	}, 2)

	require.NoError(t, runner.Submit("a"))
	require.NoError(t, runner.Submit("b"))
	<-done
	<-done

	require.NoError(t, runner.Shutdown(context.Background()))
	assert.ElementsMatch(t, []string{"a", "b"}, ran)
	assert.False(t, runner.Owns("a"))
	assert.ErrorIs(t, runner.Submit("c"), scheduler.ErrRunnerClosed)
}

func TestJobRunner_StopFlag(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	runner := scheduler.NewJobRunner(func(context.Context, string) error {
		close(started)
		<-release
		return nil
	}, 1)
	defer func() { _ = runner.Shutdown(context.Background()) }()

	require.NoError(t, runner.Submit("job-1"))
	<-started

	assert.ErrorIs(t, runner.Submit("job-1"), scheduler.ErrAlreadyQueued)
	assert.True(t, runner.Owns("job-1"))
	assert.False(t, runner.IsStopRequested("job-1"))
	assert.True(t, runner.RequestStop("job-1"))
	assert.True(t, runner.IsStopRequested("job-1"))
	assert.False(t, runner.RequestStop("unknown"))
	assert.Equal(t, scheduler.RunnerStats{Queued: 0, Running: 1, MaxWorkers: 1}, runner.Stats())

	close(release)
}

func TestJobRunner_QueueFull(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	runner := scheduler.NewJobRunner(func(context.Context, string) error {
		started <- struct{}{}
		<-release
		return nil
	}, 1, scheduler.WithQueueSize(1))
	defer func() { _ = runner.Shutdown(context.Background()) }()

	require.NoError(t, runner.Submit("running"))
	<-started
	require.NoError(t, runner.Submit("queued"))

	assert.ErrorIs(t, runner.Submit("overflow"), scheduler.ErrQueueFull)
	close(release)
}

func TestJobRunner_ShutdownAbandonsQueuedAndCancelsRunning(t *testing.T) {
	started := make(chan struct{})
	var (
		mu        sync.Mutex
		abandoned []string
	)
	runner := scheduler.NewJobRunner(func(ctx context.Context, jobID string) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, 1, scheduler.WithAbandonHandler(func(jobID string) {
		mu.Lock()
		abandoned = append(abandoned, jobID)
		mu.Unlock()
	}))

	require.NoError(t, runner.Submit("running"))
	<-started
	require.NoError(t, runner.Submit("waiting"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := runner.Shutdown(ctx)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, []string{"waiting"}, abandoned)
	assert.False(t, runner.Owns("running"))
}

type statusMap map[string]models.JobStatus

func (s statusMap) JobStatus(_ context.Context, jobID string) (models.JobStatus, error) {
	status, ok := s[jobID]
	if !ok {
		return "", errors.New("not found")
	}
	return status, nil
}

func TestStopChecker(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	runner := scheduler.NewJobRunner(func(context.Context, string) error {
		close(started)
		<-release
		return nil
	}, 1)
	defer func() {
		close(release)
		_ = runner.Shutdown(context.Background())
	}()
	require.NoError(t, runner.Submit("local"))
	<-started

	checker := scheduler.NewStopChecker(runner, statusMap{
		"local":  models.JobStatusRunning,
		"remote": models.JobStatusStopped,
		"other":  models.JobStatusRunning,
	}, logger.NewNop())

	assert.False(t, checker.StopRequested(context.Background(), "local"))
	runner.RequestStop("local")
	assert.True(t, checker.StopRequested(context.Background(), "local"))
	assert.True(t, checker.StopRequested(context.Background(), "remote"))
	assert.False(t, checker.StopRequested(context.Background(), "other"))
	assert.False(t, checker.StopRequested(context.Background(), "missing"))
}

type staleStore struct {
	jobs    []models.PriceScrapingJob
	updated []models.PriceScrapingJob
	cutoff  time.Time
}

func (s *staleStore) FindStaleRunningJobs(_ context.Context, before time.Time) ([]models.PriceScrapingJob, error) {
	s.cutoff = before
	return s.jobs, nil
}

func (s *staleStore) UpdateJob(_ context.Context, job *models.PriceScrapingJob) error {
	s.updated = append(s.updated, *job)
	return nil
}

type ownedSet map[string]bool

func (o ownedSet) Owns(jobID string) bool { return o[jobID] }

func TestReaper_Sweep(t *testing.T) {
	stale := time.Now().Add(-2 * time.Hour)
	store := &staleStore{jobs: []models.PriceScrapingJob{
		{ID: "orphan", Status: models.JobStatusRunning, UpdatedAt: stale},
		{ID: "mine", Status: models.JobStatusRunning, UpdatedAt: stale},
	}}
	reaper := scheduler.NewReaper(store, ownedSet{"mine": true}, time.Hour, time.Minute, logger.NewNop())

	n, err := reaper.Sweep(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, store.updated, 1)
	assert.Equal(t, "orphan", store.updated[0].ID)
	assert.Equal(t, models.JobStatusFailed, store.updated[0].Status)
	require.NotNil(t, store.updated[0].ErrorMessage)
	assert.Contains(t, *store.updated[0].ErrorMessage, "interrupted")
	assert.WithinDuration(t, time.Now().Add(-time.Hour), store.cutoff, 5*time.Second)
}

type starterFunc func(ctx context.Context, supplierID string) (string, error)

func (f starterFunc) StartSupplierScan(ctx context.Context, supplierID string) (string, error) {
	return f(ctx, supplierID)
}

func TestScanScheduler_RunNow(t *testing.T) {
	var started []string
	s := scheduler.NewScanScheduler(starterFunc(func(_ context.Context, supplierID string) (string, error) {
		if supplierID == "broken" {
			return "", errors.New("no products")
		}
		started = append(started, supplierID)
		return "job-" + supplierID, nil
	}), []string{"acme", "broken", "globex"}, logger.NewNop())

	s.RunNow()

	assert.Equal(t, []string{"acme", "globex"}, started)
}

func TestScanScheduler_InvalidSchedule(t *testing.T) {
	s := scheduler.NewScanScheduler(starterFunc(func(context.Context, string) (string, error) {
		return "", nil
	}), []string{"acme"}, logger.NewNop())

	require.Error(t, s.Start("not a cron"))
}
