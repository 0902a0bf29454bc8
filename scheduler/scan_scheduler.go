package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"pricewatch/logger"
)

const scheduledScanTimeout = time.Minute

// ScanStarter starts a background scan for all products of a supplier.
type ScanStarter interface {
	StartSupplierScan(ctx context.Context, supplierID string) (jobID string, err error)
}

// ScanScheduler triggers supplier scans on a cron schedule.
type ScanScheduler struct {
	cron      *cron.Cron
	starter   ScanStarter
	suppliers []string
	log       logger.Logger
}

// NewScanScheduler creates a scheduler; schedules use six-field cron
// expressions with seconds.
func NewScanScheduler(starter ScanStarter, suppliers []string, log logger.Logger) *ScanScheduler {
	if log == nil {
		log = logger.NewNop()
	}
	return &ScanScheduler{
		cron:      cron.New(cron.WithSeconds()),
		starter:   starter,
		suppliers: suppliers,
		log:       log,
	}
}

// Start registers the schedule and starts the cron loop.
func (s *ScanScheduler) Start(schedule string) error {
	if len(s.suppliers) == 0 {
		s.log.Info("No scheduled suppliers, scan scheduler idle")
		return nil
	}
	if _, err := s.cron.AddFunc(schedule, s.RunNow); err != nil {
		return fmt.Errorf("schedule scans %q: %w", schedule, err)
	}
	s.cron.Start()
	s.log.Info("Scan scheduler started",
		logger.String("schedule", schedule),
		logger.Strings("suppliers", s.suppliers),
	)
	return nil
}

// Stop stops the cron loop; a scan being triggered finishes first.
func (s *ScanScheduler) Stop() {
	<-s.cron.Stop().Done()
}

// RunNow starts one scan per scheduled supplier.
func (s *ScanScheduler) RunNow() {
	ctx, cancel := context.WithTimeout(context.Background(), scheduledScanTimeout)
	defer cancel()

	for _, supplierID := range s.suppliers {
		jobID, err := s.starter.StartSupplierScan(ctx, supplierID)
		if err != nil {
			s.log.Error("Scheduled scan not started",
				logger.String("supplier_id", supplierID),
				logger.Error(err),
			)
			continue
		}
		s.log.Info("Scheduled scan started",
			logger.String("supplier_id", supplierID),
			logger.String("job_id", jobID),
		)
	}
}
