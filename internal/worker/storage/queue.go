package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lamvh/ads-provisioner/internal/provision/domain"
)

// EnqueueDeferred parks a request whose quota is exhausted until its window
// resets. One QUEUED entry per job at a time; re-deferring an already queued
// job just pushes its schedule out.
func (s *Storage) EnqueueDeferred(ctx context.Context, req *domain.QueuedRequest) error {
	query := `
		INSERT INTO queued_requests (
			request_id, job_id, user_id, reason, scheduled_at,
			status, attempts, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		ON CONFLICT (job_id) WHERE status = 'QUEUED'
		DO UPDATE SET scheduled_at = EXCLUDED.scheduled_at,
		              reason = EXCLUDED.reason,
		              updated_at = NOW()
	`
	if _, err := s.db.ExecContext(ctx, query,
		req.RequestID, req.JobID, req.UserID, req.Reason, req.ScheduledAt,
		domain.QueuedStatusQueued, req.Attempts,
	); err != nil {
		return fmt.Errorf("failed to enqueue deferred request: %w", err)
	}

	return nil
}

// ClaimDueRequests atomically claims queued entries whose schedule has passed.
// The conditional update is the claim: two processors cannot pick up the same
// entry.
func (s *Storage) ClaimDueRequests(ctx context.Context, now time.Time, limit int) ([]domain.QueuedRequest, error) {
	query := `
		UPDATE queued_requests
		SET status = $1, attempts = attempts + 1, updated_at = NOW()
		WHERE request_id IN (
			SELECT request_id FROM queued_requests
			WHERE status = $2 AND scheduled_at <= $3
			ORDER BY scheduled_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING request_id, job_id, user_id, reason, scheduled_at,
		          status, attempts, created_at, updated_at
	`

	rows, err := s.db.QueryxContext(ctx, query,
		domain.QueuedStatusProcessing, domain.QueuedStatusQueued, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim due requests: %w", err)
	}
	defer rows.Close()

	var out []domain.QueuedRequest
	for rows.Next() {
		var req domain.QueuedRequest
		if err := rows.Scan(
			&req.RequestID, &req.JobID, &req.UserID, &req.Reason, &req.ScheduledAt,
			&req.Status, &req.Attempts, &req.CreatedAt, &req.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan queued request: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// CompleteRequest marks a claimed entry as done.
func (s *Storage) CompleteRequest(ctx context.Context, requestID string) error {
	return s.setRequestStatus(ctx, requestID, domain.QueuedStatusCompleted)
}

// FailRequest marks a claimed entry as permanently failed.
func (s *Storage) FailRequest(ctx context.Context, requestID string) error {
	return s.setRequestStatus(ctx, requestID, domain.QueuedStatusFailed)
}

func (s *Storage) setRequestStatus(ctx context.Context, requestID, status string) error {
	query := `
		UPDATE queued_requests
		SET status = $1, updated_at = NOW()
		WHERE request_id = $2
	`
	if _, err := s.db.ExecContext(ctx, query, status, requestID); err != nil {
		return fmt.Errorf("failed to set request status: %w", err)
	}
	return nil
}

// RescheduleRequest puts a claimed entry back in the queue at a later time,
// used when a re-run defers again.
func (s *Storage) RescheduleRequest(ctx context.Context, requestID string, at time.Time) error {
	query := `
		UPDATE queued_requests
		SET status = $1, scheduled_at = $2, updated_at = NOW()
		WHERE request_id = $3
	`
	if _, err := s.db.ExecContext(ctx, query, domain.QueuedStatusQueued, at, requestID); err != nil {
		return fmt.Errorf("failed to reschedule request: %w", err)
	}
	return nil
}

// InsertVerificationRecord persists one reconciliation outcome for audit.
func (s *Storage) InsertVerificationRecord(ctx context.Context, rec *domain.VerificationRecord) error {
	discrepant, err := json.Marshal(rec.Discrepant)
	if err != nil {
		return fmt.Errorf("failed to marshal discrepancy list: %w", err)
	}

	query := `
		INSERT INTO verification_records (
			record_id, job_id, kind, expected, tracked_count,
			remote_count, discrepant, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	if _, err := s.db.ExecContext(ctx, query,
		rec.RecordID, rec.JobID, rec.Kind, rec.Expected, rec.TrackedCount,
		rec.RemoteCount, discrepant, rec.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to insert verification record: %w", err)
	}
	return nil
}
