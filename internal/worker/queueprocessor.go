package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/lamvh/ads-provisioner/internal/provision/domain"
)

// QueueStorage is the deferred-queue persistence the processor drives.
// ClaimDueRequests must be a conditional update so two processors never pick
// up the same entry.
type QueueStorage interface {
	ClaimDueRequests(ctx context.Context, now time.Time, limit int) ([]domain.QueuedRequest, error)
	CompleteRequest(ctx context.Context, requestID string) error
	FailRequest(ctx context.Context, requestID string) error
	RescheduleRequest(ctx context.Context, requestID string, at time.Time) error
}

// QueueProcessor re-runs jobs that were deferred because every eligible
// credential had exhausted its quota. Entries become due when their window
// reset passes; each claimed entry gets one orchestrator pass.
type QueueProcessor struct {
	storage     QueueStorage
	orch        JobRunner
	interval    time.Duration
	batchSize   int
	maxAttempts int
	logger      *slog.Logger
}

// NewQueueProcessor creates a deferred-queue processor.
func NewQueueProcessor(storage QueueStorage, orch JobRunner, interval time.Duration, batchSize int, logger *slog.Logger) *QueueProcessor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &QueueProcessor{
		storage:     storage,
		orch:        orch,
		interval:    interval,
		batchSize:   batchSize,
		maxAttempts: 10,
		logger:      logger,
	}
}

// Run polls for due entries until ctx is canceled.
func (p *QueueProcessor) Run(ctx context.Context) {
	p.logger.Info("Deferred-queue processor started",
		slog.Duration("interval", p.interval),
	)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Deferred-queue processor stopped")
			return
		case <-ticker.C:
			if err := p.ProcessDue(ctx, time.Now()); err != nil {
				p.logger.Error("Deferred-queue pass failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// ProcessDue claims every due entry and re-runs its job once.
func (p *QueueProcessor) ProcessDue(ctx context.Context, now time.Time) error {
	due, err := p.storage.ClaimDueRequests(ctx, now, p.batchSize)
	if err != nil {
		return err
	}

	for i := range due {
		req := &due[i]
		p.processOne(ctx, req)
	}
	return nil
}

func (p *QueueProcessor) processOne(ctx context.Context, req *domain.QueuedRequest) {
	p.logger.Info("Resuming deferred job",
		slog.String("request_id", req.RequestID),
		slog.String("job_id", req.JobID),
		slog.Int("attempts", req.Attempts),
	)

	err := p.orch.Run(ctx, req.JobID)
	switch {
	case err == nil:
		if cerr := p.storage.CompleteRequest(ctx, req.RequestID); cerr != nil {
			p.logger.Error("Failed to complete queued request",
				slog.String("request_id", req.RequestID),
				slog.String("error", cerr.Error()),
			)
		}

	case errors.Is(err, domain.ErrJobDeferred):
		// The run enqueued a fresh entry with the new window reset; this
		// claimed one is superseded.
		p.logger.Info("Job deferred again",
			slog.String("job_id", req.JobID),
		)
		if cerr := p.storage.CompleteRequest(ctx, req.RequestID); cerr != nil {
			p.logger.Error("Failed to close superseded request",
				slog.String("request_id", req.RequestID),
				slog.String("error", cerr.Error()),
			)
		}

	case errors.Is(err, domain.ErrJobNotFound),
		domain.Classify(err) == domain.ClassPermanent:
		p.logger.Warn("Deferred job cannot be resumed",
			slog.String("job_id", req.JobID),
			slog.String("error", err.Error()),
		)
		if ferr := p.storage.FailRequest(ctx, req.RequestID); ferr != nil {
			p.logger.Error("Failed to fail queued request",
				slog.String("request_id", req.RequestID),
				slog.String("error", ferr.Error()),
			)
		}

	default:
		// Transient infrastructure failure: try again next interval, up to a
		// cap so a poisoned entry cannot spin forever.
		if req.Attempts >= p.maxAttempts {
			p.logger.Error("Deferred job exceeded resume attempts",
				slog.String("job_id", req.JobID),
				slog.Int("attempts", req.Attempts),
			)
			if ferr := p.storage.FailRequest(ctx, req.RequestID); ferr != nil {
				p.logger.Error("Failed to fail queued request",
					slog.String("request_id", req.RequestID),
					slog.String("error", ferr.Error()),
				)
			}
			return
		}
		p.logger.Warn("Deferred job resume failed, rescheduling",
			slog.String("job_id", req.JobID),
			slog.String("error", err.Error()),
		)
		if rerr := p.storage.RescheduleRequest(ctx, req.RequestID, time.Now().Add(p.interval)); rerr != nil {
			p.logger.Error("Failed to reschedule queued request",
				slog.String("request_id", req.RequestID),
				slog.String("error", rerr.Error()),
			)
		}
	}
}
