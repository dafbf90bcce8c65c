package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpapi "cardvault-backend/internal/api/http"
	"cardvault-backend/internal/config"
	"cardvault-backend/internal/events"
	"cardvault-backend/internal/idempotency"
	"cardvault-backend/internal/logger"
	"cardvault-backend/internal/repository"
	"cardvault-backend/internal/repository/memory"
	"cardvault-backend/internal/repository/postgres"
	"cardvault-backend/internal/security"
	"cardvault-backend/internal/service"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
)

type repositories struct {
	products  repository.ProductRepository
	inventory repository.InventoryRepository
	ledger    repository.LedgerRepository
	orders    repository.OrderRepository
}

func main() {
	// Parse command-line flags
	configPath := flag.String("config", "config/config.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logger
	logger.Initialize(cfg.Log.Level, cfg.Log.Format)
	logger.Info("Starting CardVault API server...", "log_level", cfg.Log.Level, "log_format", cfg.Log.Format)
	logger.Info("Server configuration", "address", cfg.GetServerAddress())

	if cfg.Fulfillment.IDCodecSecret == "" {
		log.Fatalf("fulfillment.id_codec_secret (or ID_CODEC_SECRET) is required")
	}
	codec, err := security.NewIDCodec(cfg.Fulfillment.IDCodecSecret)
	if err != nil {
		log.Fatalf("Failed to initialize id codec: %v", err)
	}

	// Initialize Repositories
	repos, closeStore := openStore(cfg)
	defer closeStore()

	// Low-stock alert sinks
	var sinks []service.AlertSink
	if cfg.Notification.SendgridAPIKey != "" {
		logger.Info("Low-stock email enabled", "to", cfg.Notification.LowStockEmail)
		sinks = append(sinks, service.NewEmailService(
			cfg.Notification.SendgridAPIKey,
			cfg.Notification.FromEmail,
			cfg.Notification.FromName,
			cfg.Notification.LowStockEmail,
		))
	}
	if len(cfg.Kafka.Brokers) > 0 {
		logger.Info("Low-stock events enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.LowStockTopic)
		publisher := events.NewLowStockPublisher(events.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.LowStockTopic), cfg.Kafka.LowStockTopic)
		defer publisher.Close()
		sinks = append(sinks, publisher)
	}
	fanout := service.NewAlertFanout(time.Duration(cfg.Notification.TimeoutSeconds)*time.Second, sinks...)

	// Idempotency cache
	var idem service.IdempotencyCache
	if cfg.Redis.Addr != "" {
		client := idempotency.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		defer client.Close()
		if err := client.Ping(context.Background()).Err(); err != nil {
			logger.Warn("Redis not reachable, idempotency falls back to the database", "addr", cfg.Redis.Addr, "error", err)
		}
		cache, err := idempotency.NewRedisCache(client, cfg.Fulfillment.IdempotencyTTL(), idempotency.DefaultLockTTL)
		if err != nil {
			log.Fatalf("Failed to initialize idempotency cache: %v", err)
		}
		idem = cache
	}

	// Initialize Services
	f := cfg.Fulfillment
	compensator := service.NewCompensator(f.CompensationMaxTries, f.CompensationInitialInterval())
	inventorySvc := service.NewInventoryService(repos.products, repos.inventory, fanout, f.LowStockThreshold, f.MaxImportErrors)
	reservationSvc := service.NewReservationService(repos.inventory)
	ledgerSvc := service.NewLedgerService(repos.ledger, f.Currency)
	fulfillmentSvc := service.NewFulfillmentService(
		repos.products,
		repos.inventory,
		repos.orders,
		repos.ledger,
		reservationSvc,
		ledgerSvc,
		inventorySvc,
		idem,
		compensator,
		f.Currency,
	)
	cancellationSvc := service.NewCancellationService(
		repos.orders,
		repos.inventory,
		repos.ledger,
		reservationSvc,
		ledgerSvc,
		inventorySvc,
		compensator,
	)

	// Set up HTTP server
	router := mux.NewRouter()
	httpapi.NewHandler(inventorySvc, fulfillmentSvc, cancellationSvc, ledgerSvc, codec, cfg.Server.MaxUploadMB<<20).RegisterRoutes(router)

	srv := &http.Server{
		Addr:              cfg.GetServerAddress(),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
	}

	go func() {
		logger.Info("HTTP server listening", "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", "error", err)
			log.Fatalf("Failed to serve: %v", err)
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	// Graceful shutdown
	logger.Info("Shutting down HTTP server...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}
	fanout.Wait()
	logger.Info("Server stopped. Goodbye!")
}

// openStore connects the configured storage driver. The memory driver starts
// empty and is meant for local runs.
func openStore(cfg *config.Config) (repositories, func()) {
	if cfg.Database.Driver == "memory" {
		logger.Warn("Using in-memory storage; data is lost on restart")
		store := memory.NewStore()
		return repositories{store.ProductRepository, store.InventoryRepository, store.LedgerRepository, store.OrderRepository}, func() {}
	}

	logger.Info("Database configuration", "host", cfg.Database.Host, "port", cfg.Database.Port, "database", cfg.Database.Database, "user", cfg.Database.User)
	logger.Debug("Connecting to database...", "connection_string", fmt.Sprintf("%s@%s:%d/%s", cfg.Database.User, cfg.Database.Host, cfg.Database.Port, cfg.Database.Database))
	db, err := sql.Open("postgres", cfg.GetDatabaseConnectionString())
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		log.Fatalf("Failed to connect to database: %v", err)
	}
	if cfg.Database.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	}

	store := postgres.NewStore(db)
	if err := store.Ping(context.Background()); err != nil {
		logger.Error("Failed to ping database", "error", err)
		log.Fatalf("Failed to ping database: %v", err)
	}
	logger.Info("Database connection established")

	return repositories{store.ProductRepository, store.InventoryRepository, store.LedgerRepository, store.OrderRepository},
		func() { db.Close() }
}
