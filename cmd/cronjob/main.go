package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"

	"cardvault-backend/internal/config"
	"cardvault-backend/internal/jobs"
	"cardvault-backend/internal/logger"
	"cardvault-backend/internal/repository/postgres"
	"cardvault-backend/internal/scheduler"
	"cardvault-backend/internal/service"
)

func main() {
	// Parse command-line flags
	configPath := flag.String("config", "config/config.yaml", "Path to configuration file")
	runOnce := flag.String("run-once", "", "Run a specific job once and exit (e.g., 'reconcile-orders', 'all')")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logger
	logger.Initialize(cfg.Log.Level, cfg.Log.Format)
	logger.Info("Starting CardVault sweep runner...", "log_level", cfg.Log.Level)

	// Sweeps only make sense against shared storage
	if cfg.Database.Driver != "postgres" {
		log.Fatalf("The sweep runner requires the postgres driver, got %q", cfg.Database.Driver)
	}

	// Initialize Database
	logger.Info("Connecting to database...", "host", cfg.Database.Host, "port", cfg.Database.Port)
	db, err := sql.Open("postgres", cfg.GetDatabaseConnectionString())
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	// Initialize Repositories
	store := postgres.NewStore(db)

	// Test database connection
	if err := store.Ping(context.Background()); err != nil {
		logger.Error("Failed to ping database", "error", err)
		log.Fatalf("Failed to ping database: %v", err)
	}
	logger.Info("Database connection established")

	// Initialize Services
	f := cfg.Fulfillment
	compensator := service.NewCompensator(f.CompensationMaxTries, f.CompensationInitialInterval())

	var sinks []service.AlertSink
	if cfg.Notification.SendgridAPIKey != "" {
		sinks = append(sinks, service.NewEmailService(
			cfg.Notification.SendgridAPIKey,
			cfg.Notification.FromEmail,
			cfg.Notification.FromName,
			cfg.Notification.LowStockEmail,
		))
	}
	fanout := service.NewAlertFanout(0, sinks...)
	defer fanout.Wait()

	inventoryService := service.NewInventoryService(
		store.ProductRepository,
		store.InventoryRepository,
		fanout,
		f.LowStockThreshold,
		f.MaxImportErrors,
	)
	reservationService := service.NewReservationService(store.InventoryRepository)
	ledgerService := service.NewLedgerService(store.LedgerRepository, f.Currency)
	fulfillmentService := service.NewFulfillmentService(
		store.ProductRepository,
		store.InventoryRepository,
		store.OrderRepository,
		store.LedgerRepository,
		reservationService,
		ledgerService,
		inventoryService,
		nil,
		compensator,
		f.Currency,
	)

	jobRepos := &jobs.Repositories{
		Inventory: store.InventoryRepository,
		Orders:    store.OrderRepository,
		Ledger:    store.LedgerRepository,
	}
	jobServices := &jobs.Services{
		Inventory:   inventoryService,
		Reservation: reservationService,
		Fulfillment: fulfillmentService,
	}

	// Initialize Job Runner
	jobRunner := jobs.NewJobRunner(jobRepos, jobServices, cfg)

	// Check if running a single job
	if *runOnce != "" {
		logger.Info("Running job once", "job", *runOnce)
		runJobOnce(jobRunner, *runOnce)
		logger.Info("Job execution completed", "job", *runOnce)
		return
	}

	// Initialize Scheduler
	cronScheduler, err := scheduler.NewScheduler(jobRunner)
	if err != nil {
		log.Fatalf("Failed to register jobs: %v", err)
	}

	// Start scheduler
	cronScheduler.Start()
	logger.Info("Cronjob scheduler is running. Press Ctrl+C to stop.", "jobs", cronScheduler.JobCount())

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	// Graceful shutdown
	logger.Info("Shutting down cronjob scheduler...")
	cronScheduler.Stop()
	logger.Info("Cronjob scheduler stopped. Goodbye!")
}

// runJobOnce runs a specific job once and exits
func runJobOnce(jobRunner *jobs.JobRunner, jobName string) {
	switch jobName {
	case "expire-units":
		jobRunner.ExpireUnits()
	case "release-stale-reservations":
		jobRunner.ReleaseStaleReservations()
	case "reconcile-orders":
		jobRunner.ReconcileOrders()
	case "verify-ledger-balances":
		jobRunner.VerifyLedgerBalances()
	case "all":
		jobRunner.RunAllSweeps()
	default:
		logger.Error("Unknown job name", "job", jobName)
		fmt.Printf("Available jobs:\n")
		fmt.Printf("  - expire-units\n")
		fmt.Printf("  - release-stale-reservations\n")
		fmt.Printf("  - reconcile-orders\n")
		fmt.Printf("  - verify-ledger-balances\n")
		fmt.Printf("  - all\n")
		os.Exit(1)
	}
}
