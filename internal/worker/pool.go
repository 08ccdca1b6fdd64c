package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lamvh/ads-provisioner/internal/provision/domain"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}

	w.logger.Info("Worker pool spawned successfully",
		slog.Int("worker_count", w.concurrency),
	)
}

// workerLoop is the main processing loop for each worker goroutine
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Info("Worker goroutine started",
		slog.String("worker_name", workerName),
		slog.Int("worker_num", workerNum),
	)

	for {
		select {
		case <-w.stopChan:
			w.logger.Info("Worker goroutine stopping - stopChan closed",
				slog.String("worker_name", workerName),
			)
			return

		case <-ctx.Done():
			w.logger.Info("Worker goroutine stopping - context canceled",
				slog.String("worker_name", workerName),
			)
			return

		case msg, ok := <-w.jobsChan:
			if !ok {
				w.logger.Info("Worker goroutine stopping - jobsChan closed",
					slog.String("worker_name", workerName),
				)
				return
			}

			w.logger.Info("Worker received job",
				slog.String("worker_name", workerName),
				slog.String("job_id", msg.JobID),
				slog.Uint64("delivery_tag", msg.DeliveryTag),
			)

			err := w.processJob(ctx, msg)

			// Get RabbitMQ channel for ACK/NACK
			channel := w.rabbitClient.GetChannel()
			if channel == nil {
				w.logger.Error("Failed to get RabbitMQ channel for ACK/NACK",
					slog.String("worker_name", workerName),
					slog.String("job_id", msg.JobID),
				)
				continue
			}

			// A deferral is a handled outcome: the job is parked in the
			// deferred queue and the message must not redeliver.
			if err == nil || errors.Is(err, domain.ErrJobDeferred) {
				if ackErr := channel.Ack(msg.DeliveryTag, false); ackErr != nil {
					w.logger.Error("Failed to ACK message",
						slog.String("worker_name", workerName),
						slog.String("job_id", msg.JobID),
						slog.String("error", ackErr.Error()),
					)
				} else {
					w.logger.Info("Job pass finished",
						slog.String("worker_name", workerName),
						slog.String("job_id", msg.JobID),
						slog.Bool("deferred", err != nil),
					)
				}
				continue
			}

			w.logger.Error("Job processing failed",
				slog.String("worker_name", workerName),
				slog.String("job_id", msg.JobID),
				slog.String("error", err.Error()),
			)

			// Smart requeue decision based on error type
			requeue := w.shouldRequeueJob(err)

			if nackErr := channel.Nack(msg.DeliveryTag, false, requeue); nackErr != nil {
				w.logger.Error("Failed to NACK message",
					slog.String("worker_name", workerName),
					slog.String("job_id", msg.JobID),
					slog.String("error", nackErr.Error()),
				)
			} else {
				w.logger.Info("Message NACKed",
					slog.String("worker_name", workerName),
					slog.String("job_id", msg.JobID),
					slog.Bool("requeue", requeue),
				)
			}
		}
	}
}

// processJob runs one orchestrator pass for the job under the configured
// timeout.
func (w *Worker) processJob(ctx context.Context, msg *jobMessage) error {
	jobCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	return w.orch.Run(jobCtx, msg.JobID)
}

// shouldRequeueJob determines if a job message should be redelivered based on
// the error type. The orchestrator persists terminal outcomes itself, so only
// infrastructure-level failures are worth a redelivery.
func (w *Worker) shouldRequeueJob(err error) bool {
	// Another worker holds the job; redelivering would just collide again
	if errors.Is(err, domain.ErrJobAlreadyClaimed) {
		return false
	}

	// Unknown job ids never become valid
	if errors.Is(err, domain.ErrJobNotFound) {
		return false
	}

	// Permanent remote outcomes already drove the job to a terminal state
	if domain.Classify(err) == domain.ClassPermanent {
		return false
	}

	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		return false
	}

	// Timeouts and storage errors: the job is resumable, redeliver
	return true
}
