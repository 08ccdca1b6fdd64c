package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/lamvh/ads-provisioner/internal/config"
	"github.com/lamvh/ads-provisioner/internal/credstore"
	"github.com/lamvh/ads-provisioner/internal/provision/orchestrator"
	"github.com/lamvh/ads-provisioner/internal/provision/ratelimit"
	"github.com/lamvh/ads-provisioner/internal/provision/reconcile"
	"github.com/lamvh/ads-provisioner/internal/provision/remote"
	"github.com/lamvh/ads-provisioner/internal/provision/retry"
	"github.com/lamvh/ads-provisioner/internal/provision/routing"
	"github.com/lamvh/ads-provisioner/internal/provision/slots"
	"github.com/lamvh/ads-provisioner/internal/worker"
	"github.com/lamvh/ads-provisioner/internal/worker/storage"
	"github.com/lamvh/ads-provisioner/shared/logger"
	"github.com/lamvh/ads-provisioner/shared/postgresql"
	"github.com/lamvh/ads-provisioner/shared/rabbitmq"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Initialize PostgreSQL client
	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	appLogger.Info("Database connection established")

	// Initialize RabbitMQ client
	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}

	appLogger.Info("RabbitMQ connection established")

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Wire the provisioning pipeline
	workerInstance, err := buildWorker(ctx, cfg, appLogger.Logger, dbClient, rabbitClient)
	if err != nil {
		return fmt.Errorf("failed to build worker: %w", err)
	}

	// Start worker in a goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := workerInstance.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	appLogger.Info("Worker service started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		appLogger.Error("Worker error",
			slog.Any("error", err),
		)
		return err
	}

	// Cancel context to stop worker
	cancel()

	// Give worker time to shutdown gracefully
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	// Stop worker
	done := make(chan struct{})
	go func() {
		workerInstance.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	// Cleanup function to close all resources
	cleanup := func() {
		if dbClient != nil {
			dbClient.Close()
		}
		if rabbitClient != nil {
			rabbitClient.Close()
		}
	}
	cleanup()

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// buildWorker wires storage, credentials, rate limiting and the orchestrator
// into a running worker.
func buildWorker(ctx context.Context, cfg *config.Config, log *slog.Logger,
	dbClient *postgresql.Client, rabbitClient *rabbitmq.Client) (*worker.Worker, error) {

	store := storage.NewStorage(dbClient.GetDB(), log)

	creds, err := credstore.New(dbClient.GetDB(), cfg.Credentials.EncryptionKey, log)
	if err != nil {
		return nil, err
	}

	// Seed the rate-limit tracker with every known credential; usage counters
	// fill in as responses report quota metadata.
	records, err := creds.ListRecords(ctx)
	if err != nil {
		return nil, err
	}
	seeds := make([]ratelimit.Seed, len(records))
	for i, r := range records {
		seeds[i] = ratelimit.Seed{
			CredentialID: r.CredentialID,
			OwnerUserID:  r.OwnerUserID,
			Pool:         r.Pool,
			Active:       r.Active,
		}
	}
	limiter := ratelimit.NewTracker(ratelimit.Config{
		SoftThreshold:    cfg.Provisioner.SoftThreshold,
		HardThreshold:    cfg.Provisioner.HardThreshold,
		DefaultCallLimit: cfg.Provisioner.DefaultCallLimit,
		Logger:           log,
	}, seeds)

	client := remote.NewHTTPClient(remote.HTTPConfig{
		BaseURL: cfg.Platform.BaseURL,
		Timeout: cfg.Platform.Timeout,
		Logger:  log,
	})

	ledger := slots.NewTracker(store, cfg.Provisioner.MaxSlotRetries, log)
	recon := reconcile.NewService(client, ledger, store, log)

	orch := orchestrator.New(store, ledger, recon, client, limiter, creds, store,
		orchestrator.Config{
			BatchSize:        cfg.Provisioner.BatchSize,
			FailureRatio:     cfg.Provisioner.FailureRatio,
			PlatformGroupCap: cfg.Provisioner.PlatformGroupCap,
			MaxSlotRetries:   cfg.Provisioner.MaxSlotRetries,
			RetryPolicy: retry.Policy{
				RetryBudget: cfg.Provisioner.RetryBudget,
				BaseDelay:   cfg.Provisioner.BaseDelay,
				MaxDelay:    cfg.Provisioner.MaxDelay,
			},
			Routing: routing.Policy{
				SoftThreshold: cfg.Provisioner.SoftThreshold,
				HardThreshold: cfg.Provisioner.HardThreshold,
				PoolAccounts:  cfg.Credentials.PoolAccounts,
			},
		}, log)

	queueProc := worker.NewQueueProcessor(store, orch, cfg.Worker.QueueInterval, cfg.Provisioner.BatchSize, log)

	return worker.NewWorker(&worker.Config{
		Logger:        log,
		RabbitClient:  rabbitClient,
		Orchestrator:  orch,
		Queue:         queueProc,
		Limiter:       limiter,
		Concurrency:   cfg.Worker.Concurrency,
		PrefetchCount: cfg.RabbitMQ.Consumer.PrefetchCount,
		JobTimeout:    cfg.Worker.JobTimeout,
		WindowTick:    cfg.Worker.WindowTick,
		QueueName:     cfg.RabbitMQ.Queue.Name,
	}), nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}
