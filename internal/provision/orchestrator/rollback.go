package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lamvh/ads-provisioner/internal/provision/domain"
)

// Rollback reverses everything the job created, in strict reverse dependency
// order: ads, then ad groups, then the campaign root. Deletes are idempotent
// (an already-deleted resource counts as deleted). Rollback is all-or-nothing
// for the job's resources regardless of how much of the job had succeeded; if
// reversal itself fails the job freezes in FAILED for manual intervention and
// is never silently retried.
func (o *Orchestrator) Rollback(ctx context.Context, job *domain.Job, reason string) error {
	o.logger.Warn("Rolling back job",
		slog.String("job_id", job.JobID),
		slog.String("reason", reason),
	)

	if aerr := o.appendError(ctx, job, "rollback", fmt.Errorf("rollback triggered: %s", reason)); aerr != nil {
		o.logger.Error("Failed to record rollback reason",
			slog.String("job_id", job.JobID),
			slog.String("error", aerr.Error()),
		)
	}

	ledger, err := o.ledger.SlotsByJob(ctx, job.JobID)
	if err != nil {
		return o.freeze(ctx, job, fmt.Errorf("failed to load slot ledger for rollback: %w", err))
	}
	groupSlots, adSlots := splitLedger(ledger)

	// Ads first, then groups.
	for _, batch := range [][]domain.Slot{adSlots, groupSlots} {
		for i := range batch {
			slot := &batch[i]
			if err := o.rollbackSlot(ctx, job, slot); err != nil {
				if errors.Is(err, domain.ErrJobDeferred) {
					return err
				}
				return o.freeze(ctx, job, err)
			}
		}
	}

	if job.RootRemoteID != "" {
		credID, token, err := o.routeCredential(ctx, job)
		if err != nil {
			return err
		}
		if err := o.deleteRemote(ctx, credID, token, job.RootRemoteID); err != nil {
			return o.freeze(ctx, job, fmt.Errorf("failed to delete campaign %s: %w", job.RootRemoteID, err))
		}
		o.logger.Info("Campaign deleted",
			slog.String("job_id", job.JobID),
			slog.String("campaign_id", job.RootRemoteID),
		)
	}

	if err := o.jobs.TransitionJob(ctx, job.JobID, job.State, domain.JobStateRolledBack); err != nil {
		return err
	}
	job.State = domain.JobStateRolledBack

	o.logger.Info("Job rolled back",
		slog.String("job_id", job.JobID),
		slog.String("reason", reason),
	)
	return nil
}

func (o *Orchestrator) rollbackSlot(ctx context.Context, job *domain.Job, slot *domain.Slot) error {
	if slot.Status == domain.SlotRolledBack {
		return nil
	}

	if slot.Status == domain.SlotCreated && slot.RemoteID != "" {
		credID, token, err := o.routeCredential(ctx, job)
		if err != nil {
			return err
		}
		if err := o.deleteRemote(ctx, credID, token, slot.RemoteID); err != nil {
			return fmt.Errorf("failed to delete %s %s (slot %d): %w", slot.Kind, slot.RemoteID, slot.SlotNumber, err)
		}
	}

	return o.ledger.MarkRolledBack(ctx, slot)
}

// deleteRemote deletes one resource through the retry executor, treating
// not-found as success.
func (o *Orchestrator) deleteRemote(ctx context.Context, credID, token, remoteID string) error {
	err := o.executor.Execute(ctx, credID, func(ctx context.Context) (*domain.Usage, error) {
		usage, derr := o.client.Delete(ctx, token, remoteID)
		if derr != nil {
			if errors.Is(derr, domain.ErrRemoteNotFound) {
				// Already gone; idempotent delete.
				return usage, nil
			}
			return usage, derr
		}
		return usage, nil
	})
	return err
}

// freeze parks the job in FAILED when neither completion nor safe rollback is
// possible.
func (o *Orchestrator) freeze(ctx context.Context, job *domain.Job, cause error) error {
	if aerr := o.appendError(ctx, job, "rollback_failed", cause); aerr != nil {
		o.logger.Error("Failed to record rollback failure",
			slog.String("job_id", job.JobID),
			slog.String("error", aerr.Error()),
		)
	}
	if terr := o.jobs.TransitionJob(ctx, job.JobID, job.State, domain.JobStateFailed); terr != nil {
		return terr
	}
	job.State = domain.JobStateFailed
	o.logger.Error("Rollback failed, job frozen for manual intervention",
		slog.String("job_id", job.JobID),
		slog.String("error", cause.Error()),
		slog.Time("frozen_at", time.Now()),
	)
	return cause
}
