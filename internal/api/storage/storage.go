package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/lamvh/ads-provisioner/internal/api/domain"
	"github.com/lamvh/ads-provisioner/internal/api/model"
	"github.com/lamvh/ads-provisioner/shared/postgresql"
)

type Storage struct {
	db *sqlx.DB
}

func NewStorage(pg *postgresql.Client) *Storage {
	return &Storage{
		db: pg.GetDB(),
	}
}

// CreateJob inserts a new provisioning job. A duplicate idempotency key
// returns domain.ErrIdempotencyReplay so the handler can return the original
// job instead.
func (s *Storage) CreateJob(ctx context.Context, job *model.ProvisioningJob) error {
	query := `
		INSERT INTO provisioning_jobs (
			job_id, idempotency_key, user_id, account_ref, campaign_name,
			requested_groups, requested_items, state, retry_budget,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11
		)
	`

	_, err := s.db.ExecContext(
		ctx,
		query,
		job.JobID,
		job.IdempotencyKey,
		job.UserID,
		job.AccountRef,
		job.CampaignName,
		job.RequestedGroups,
		job.RequestedItems,
		job.State,
		job.RetryBudget,
		job.CreatedAt,
		job.UpdatedAt,
	)

	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return domain.ErrIdempotencyReplay
		}
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

// GetJobByIdempotencyKey returns the job previously created with this key.
func (s *Storage) GetJobByIdempotencyKey(ctx context.Context, key string) (*model.ProvisioningJob, error) {
	var job model.ProvisioningJob
	query := jobSelect + ` WHERE idempotency_key = $1`

	if err := s.db.GetContext(ctx, &job, query, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job by idempotency key: %w", err)
	}
	return &job, nil
}

const jobSelect = `
	SELECT
		job_id, idempotency_key, user_id, account_ref, campaign_name,
		requested_groups, requested_items, state,
		COALESCE(root_remote_id, '') AS root_remote_id,
		retry_count, retry_budget, cancel_requested,
		COALESCE(error_history, '[]'::jsonb) AS error_history,
		created_at, updated_at
	FROM provisioning_jobs
`

func (s *Storage) GetJobByID(ctx context.Context, jobID string) (*model.ProvisioningJob, error) {
	var job model.ProvisioningJob
	query := jobSelect + ` WHERE job_id = $1`

	if err := s.db.GetContext(ctx, &job, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

// SlotSummaries returns the job's slot ledger aggregated per kind and status.
func (s *Storage) SlotSummaries(ctx context.Context, jobID string) ([]model.SlotSummary, error) {
	query := `
		SELECT kind, status, COUNT(*) AS count
		FROM provisioning_slots
		WHERE job_id = $1
		GROUP BY kind, status
		ORDER BY kind, status
	`

	var out []model.SlotSummary
	if err := s.db.SelectContext(ctx, &out, query, jobID); err != nil {
		return nil, fmt.Errorf("failed to summarize slots: %w", err)
	}
	return out, nil
}

// RequestCancel flags a non-terminal job for rollback. The worker picks up
// the flag at its next cancel checkpoint.
func (s *Storage) RequestCancel(ctx context.Context, jobID string) error {
	query := `
		UPDATE provisioning_jobs
		SET cancel_requested = TRUE, updated_at = NOW()
		WHERE job_id = $1
		  AND state NOT IN ('COMPLETED', 'FAILED', 'ROLLED_BACK')
	`

	result, err := s.db.ExecContext(ctx, query, jobID)
	if err != nil {
		return fmt.Errorf("failed to request cancel: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		// Either unknown or already terminal; disambiguate for the handler.
		if _, gerr := s.GetJobByID(ctx, jobID); gerr != nil {
			return gerr
		}
		return domain.ErrJobNotCancelable
	}
	return nil
}

type JobFilter struct {
	UserID   string
	State    string
	PageSize int
	Cursor   *JobCursor
}

type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

func (s *Storage) ListJobs(ctx context.Context, filter JobFilter) ([]model.ProvisioningJob, error) {
	query := jobSelect + ` WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	// Filters
	if filter.UserID != "" {
		query += fmt.Sprintf(" AND user_id = $%d", argIdx)
		args = append(args, filter.UserID)
		argIdx++
	}

	if filter.State != "" {
		query += fmt.Sprintf(" AND state = $%d", argIdx)
		args = append(args, filter.State)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	// Order by created_at DESC, job_id DESC for consistent pagination
	query += " ORDER BY created_at DESC, job_id DESC"

	// Fetch one extra to determine if there are more results
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var jobs []model.ProvisioningJob
	err := s.db.SelectContext(ctx, &jobs, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return jobs, nil
}

// ListQueuedRequests returns a user's deferred-queue entries, optionally
// narrowed to one job, newest schedule first.
func (s *Storage) ListQueuedRequests(ctx context.Context, userID, jobID string, limit int) ([]model.QueuedRequest, error) {
	query, args := buildQueuedRequestsQuery(userID, jobID, limit)

	var out []model.QueuedRequest
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list queued requests: %w", err)
	}
	return out, nil
}

func buildQueuedRequestsQuery(userID, jobID string, limit int) (string, []interface{}) {
	query := `
		SELECT request_id, job_id, user_id, reason, scheduled_at,
		       status, attempts, created_at, updated_at
		FROM queued_requests
		WHERE user_id = $1
	`
	args := []interface{}{userID}
	if jobID != "" {
		query += fmt.Sprintf(" AND job_id = $%d", len(args)+1)
		args = append(args, jobID)
	}
	query += fmt.Sprintf(" ORDER BY scheduled_at DESC LIMIT $%d", len(args)+1)
	args = append(args, limit)
	return query, args
}
