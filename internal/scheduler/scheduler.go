package scheduler

import (
	"time"

	"cardvault-backend/internal/jobs"
	"cardvault-backend/internal/logger"

	"github.com/robfig/cron/v3"
)

// Scheduler manages cron job scheduling
type Scheduler struct {
	cron *cron.Cron
	jobs *jobs.JobRunner
}

// NewScheduler creates a new scheduler with the provided job runner
func NewScheduler(jobRunner *jobs.JobRunner) (*Scheduler, error) {
	// UTC with seconds precision
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithSeconds(),
	)

	s := &Scheduler{
		cron: c,
		jobs: jobRunner,
	}

	if err := s.registerJobs(); err != nil {
		return nil, err
	}
	return s, nil
}

// registerJobs registers every sweep and stops at the first bad schedule.
func (s *Scheduler) registerJobs() error {
	cfg := s.jobs.Config().Scheduler

	sweeps := []struct {
		name string
		spec string
		run  func()
	}{
		{"ExpireUnits", cfg.ExpireUnits, s.jobs.ExpireUnits},
		{"ReleaseStaleReservations", cfg.ReleaseStaleReservations, s.jobs.ReleaseStaleReservations},
		{"ReconcileOrders", cfg.ReconcileOrders, s.jobs.ReconcileOrders},
		{"VerifyLedgerBalances", cfg.VerifyLedgerBalances, s.jobs.VerifyLedgerBalances},
	}
	for _, sw := range sweeps {
		if _, err := s.cron.AddFunc(sw.spec, sw.run); err != nil {
			logger.Error("Failed to register job", "job", sw.name, "schedule", sw.spec, "error", err)
			return err
		}
		logger.Debug("Registered job", "job", sw.name, "schedule", sw.spec)
	}

	logger.Info("All cron jobs registered successfully", "count", len(sweeps))
	return nil
}

// Start begins the cron scheduler
func (s *Scheduler) Start() {
	logger.Info("Starting cron scheduler...")
	s.cron.Start()
	logger.Info("Cron scheduler started successfully")
}

// Stop waits for running jobs to finish
func (s *Scheduler) Stop() {
	logger.Info("Stopping cron scheduler...")
	ctx := s.cron.Stop()
	<-ctx.Done()
	logger.Info("Cron scheduler stopped")
}

// JobCount returns the number of registered jobs
func (s *Scheduler) JobCount() int {
	return len(s.cron.Entries())
}
