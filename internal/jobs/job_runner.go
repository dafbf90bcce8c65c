package jobs

import (
	"cardvault-backend/internal/config"
	"cardvault-backend/internal/logger"
	"cardvault-backend/internal/repository"
	"cardvault-backend/internal/service"
)

// JobRunner coordinates all scheduled sweeps
type JobRunner struct {
	repos    *Repositories
	services *Services
	config   *config.Config
}

// Repositories holds the storage the sweeps read directly
type Repositories struct {
	Inventory repository.InventoryRepository
	Orders    repository.OrderRepository
	Ledger    repository.LedgerRepository
}

// Services holds all service dependencies needed by jobs
type Services struct {
	Inventory   service.InventoryService
	Reservation service.ReservationService
	Fulfillment service.FulfillmentService
}

// NewJobRunner creates a new job runner with all dependencies
func NewJobRunner(repos *Repositories, services *Services, cfg *config.Config) *JobRunner {
	return &JobRunner{
		repos:    repos,
		services: services,
		config:   cfg,
	}
}

// Config returns the configuration the runner was built with
func (jr *JobRunner) Config() *config.Config {
	return jr.config
}

// runWithRecovery wraps job execution with panic recovery
func (jr *JobRunner) runWithRecovery(jobName string, jobFunc func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Job panicked", "job", jobName, "panic", r)
		}
	}()

	logger.Info("Starting job", "job", jobName)
	jobFunc()
	logger.Info("Job completed", "job", jobName)
}

// RunAllSweeps runs every sweep once (for manual execution)
func (jr *JobRunner) RunAllSweeps() {
	jr.ExpireUnits()
	jr.ReconcileOrders()
	jr.ReleaseStaleReservations()
	jr.VerifyLedgerBalances()
}
