// Package worker consumes provisioning job ids from RabbitMQ and drives each
// job through the orchestrator with a bounded goroutine pool. It also runs the
// deferred-request processor and the rate-limit window ticker.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lamvh/ads-provisioner/internal/provision/ratelimit"
	"github.com/lamvh/ads-provisioner/shared/rabbitmq"
)

// JobRunner drives one provisioning job as far as it can go in a single pass.
// Satisfied by the orchestrator.
type JobRunner interface {
	Run(ctx context.Context, jobID string) error
}

// jobMessage carries one dispatched job through the pool along with the
// delivery tag needed to ACK/NACK it.
type jobMessage struct {
	JobID       string
	DeliveryTag uint64
}

// Config holds worker configuration
type Config struct {
	Logger        *slog.Logger
	RabbitClient  *rabbitmq.Client
	Orchestrator  JobRunner
	Queue         *QueueProcessor
	Limiter       *ratelimit.Tracker
	Concurrency   int
	PrefetchCount int
	JobTimeout    time.Duration
	WindowTick    time.Duration
	QueueName     string
}

// Worker represents the background provisioning worker
type Worker struct {
	logger       *slog.Logger
	rabbitClient *rabbitmq.Client
	orch         JobRunner
	queue        *QueueProcessor
	limiter      *ratelimit.Tracker

	workerID          string
	concurrency       int
	prefetchCount     int
	jobTimeout        time.Duration
	windowTick        time.Duration
	rabbitMQQueueName string

	jobsChan chan *jobMessage
	wg       sync.WaitGroup
	stopChan chan struct{}
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	return &Worker{
		logger:            cfg.Logger,
		rabbitClient:      cfg.RabbitClient,
		orch:              cfg.Orchestrator,
		queue:             cfg.Queue,
		limiter:           cfg.Limiter,
		workerID:          uuid.New().String()[:8],
		concurrency:       cfg.Concurrency,
		prefetchCount:     cfg.PrefetchCount,
		jobTimeout:        cfg.JobTimeout,
		windowTick:        cfg.WindowTick,
		rabbitMQQueueName: cfg.QueueName,
		jobsChan:          make(chan *jobMessage, cfg.Concurrency),
		stopChan:          make(chan struct{}),
	}
}

// Start begins processing jobs. Blocks until ctx is canceled.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
	)

	deliveries, err := w.setupConsumer(ctx)
	if err != nil {
		return err
	}

	w.spawnWorkerPool(ctx)

	if w.queue != nil {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.queue.Run(ctx)
		}()
	}

	w.wg.Add(1)
	go w.windowTickLoop(ctx)

	w.startMessageDispatcher(ctx, deliveries)

	w.logger.Info("Worker context canceled, stopping...")
	return nil
}

// Stop gracefully stops the worker
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	close(w.stopChan)
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}

// windowTickLoop periodically resets rate-limit counters whose window has
// elapsed, so idle credentials recover without traffic.
func (w *Worker) windowTickLoop(ctx context.Context) {
	defer w.wg.Done()

	if w.limiter == nil || w.windowTick <= 0 {
		return
	}

	ticker := time.NewTicker(w.windowTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-ticker.C:
			w.limiter.Tick()
		}
	}
}
