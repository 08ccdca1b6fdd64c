package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/lamvh/ads-provisioner/internal/provision/domain"
)

// Storage handles all database operations for the worker
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

// GetJob retrieves a provisioning job by its ID
func (s *Storage) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `
		SELECT job_id, user_id, account_ref, campaign_name,
		       requested_groups, requested_items, state, root_remote_id,
		       retry_count, retry_budget, cancel_requested, error_history,
		       created_at, updated_at
		FROM provisioning_jobs
		WHERE job_id = $1
	`

	var job domain.Job
	var rootRemoteID sql.NullString
	var errorHistory []byte

	err := s.db.QueryRowContext(ctx, query, jobID).Scan(
		&job.JobID,
		&job.UserID,
		&job.AccountRef,
		&job.CampaignName,
		&job.RequestedGroups,
		&job.RequestedItems,
		&job.State,
		&rootRemoteID,
		&job.RetryCount,
		&job.RetryBudget,
		&job.CancelRequested,
		&errorHistory,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	if rootRemoteID.Valid {
		job.RootRemoteID = rootRemoteID.String
	}
	if len(errorHistory) > 0 {
		if err := json.Unmarshal(errorHistory, &job.ErrorHistory); err != nil {
			return nil, fmt.Errorf("failed to decode error history: %w", err)
		}
	}

	return &job, nil
}

// TransitionJob moves a job between states with claim semantics: the update
// only applies while the job is still in `from`, so concurrent workers cannot
// both advance the same job.
func (s *Storage) TransitionJob(ctx context.Context, jobID, from, to string) error {
	query := `
		UPDATE provisioning_jobs
		SET state = $1, updated_at = NOW()
		WHERE job_id = $2 AND state = $3
	`

	result, err := s.db.ExecContext(ctx, query, to, jobID, from)
	if err != nil {
		return fmt.Errorf("failed to transition job: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		s.logger.Warn("Job transition refused - not in expected state",
			slog.String("job_id", jobID),
			slog.String("from", from),
			slog.String("to", to),
		)
		return domain.ErrJobAlreadyClaimed
	}

	s.logger.Info("Job state updated",
		slog.String("job_id", jobID),
		slog.String("state", to),
	)
	return nil
}

// SetRootRemoteID records the campaign id created (or adopted) for the job
func (s *Storage) SetRootRemoteID(ctx context.Context, jobID, remoteID string) error {
	query := `
		UPDATE provisioning_jobs
		SET root_remote_id = $1, updated_at = NOW()
		WHERE job_id = $2
	`
	if _, err := s.db.ExecContext(ctx, query, remoteID, jobID); err != nil {
		return fmt.Errorf("failed to set root remote id: %w", err)
	}
	return nil
}

// AppendJobError appends one entry to the job's error history
func (s *Storage) AppendJobError(ctx context.Context, jobID string, jerr domain.JobError) error {
	entry, err := json.Marshal(jerr)
	if err != nil {
		return fmt.Errorf("failed to marshal job error: %w", err)
	}

	query := `
		UPDATE provisioning_jobs
		SET error_history = COALESCE(error_history, '[]'::jsonb) || $1::jsonb,
		    updated_at = NOW()
		WHERE job_id = $2
	`
	if _, err := s.db.ExecContext(ctx, query, entry, jobID); err != nil {
		return fmt.Errorf("failed to append job error: %w", err)
	}
	return nil
}

// IncrementJobRetry bumps the job-level retry counter and returns the new value
func (s *Storage) IncrementJobRetry(ctx context.Context, jobID string) (int, error) {
	query := `
		UPDATE provisioning_jobs
		SET retry_count = retry_count + 1, updated_at = NOW()
		WHERE job_id = $1
		RETURNING retry_count
	`
	var count int
	if err := s.db.QueryRowContext(ctx, query, jobID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to increment job retry: %w", err)
	}
	return count, nil
}

// InsertSlots persists a job's freshly initialized slot ledger
func (s *Storage) InsertSlots(ctx context.Context, slots []domain.Slot) error {
	if len(slots) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO provisioning_slots (
			job_id, slot_number, kind, parent_ref, remote_id,
			status, retry_count, permanent, error_message
		) VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9)
	`
	for _, slot := range slots {
		if _, err := tx.ExecContext(ctx, query,
			slot.JobID, slot.SlotNumber, slot.Kind, slot.ParentRef, slot.RemoteID,
			slot.Status, slot.RetryCount, slot.Permanent, slot.ErrorMessage,
		); err != nil {
			return fmt.Errorf("failed to insert slot: %w", err)
		}
	}

	return tx.Commit()
}

// SlotsByJob returns the full slot ledger of a job in slot order
func (s *Storage) SlotsByJob(ctx context.Context, jobID string) ([]domain.Slot, error) {
	query := `
		SELECT job_id, slot_number, kind, COALESCE(parent_ref, '') AS parent_ref,
		       COALESCE(remote_id, '') AS remote_id, status, retry_count, permanent,
		       COALESCE(error_message, '') AS error_message
		FROM provisioning_slots
		WHERE job_id = $1
		ORDER BY kind, slot_number
	`

	var slots []slotRow
	if err := s.db.SelectContext(ctx, &slots, query, jobID); err != nil {
		return nil, fmt.Errorf("failed to list slots: %w", err)
	}

	out := make([]domain.Slot, len(slots))
	for i, r := range slots {
		out[i] = r.toDomain()
	}
	return out, nil
}

// GetSlot fetches one slot by its composite key
func (s *Storage) GetSlot(ctx context.Context, jobID string, slotNumber int, kind string) (*domain.Slot, error) {
	query := `
		SELECT job_id, slot_number, kind, COALESCE(parent_ref, '') AS parent_ref,
		       COALESCE(remote_id, '') AS remote_id, status, retry_count, permanent,
		       COALESCE(error_message, '') AS error_message
		FROM provisioning_slots
		WHERE job_id = $1 AND slot_number = $2 AND kind = $3
	`

	var r slotRow
	if err := s.db.GetContext(ctx, &r, query, jobID, slotNumber, kind); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("slot %d/%s of job %s not found", slotNumber, kind, jobID)
		}
		return nil, fmt.Errorf("failed to get slot: %w", err)
	}

	slot := r.toDomain()
	return &slot, nil
}

// UpdateSlot persists a slot's status, remote id and error message
func (s *Storage) UpdateSlot(ctx context.Context, slot *domain.Slot) error {
	query := `
		UPDATE provisioning_slots
		SET status = $1,
		    remote_id = NULLIF($2, ''),
		    parent_ref = NULLIF($3, ''),
		    retry_count = $4,
		    permanent = $5,
		    error_message = NULLIF($6, ''),
		    updated_at = NOW()
		WHERE job_id = $7 AND slot_number = $8 AND kind = $9
	`
	if _, err := s.db.ExecContext(ctx, query,
		slot.Status, slot.RemoteID, slot.ParentRef, slot.RetryCount, slot.Permanent, slot.ErrorMessage,
		slot.JobID, slot.SlotNumber, slot.Kind,
	); err != nil {
		return fmt.Errorf("failed to update slot: %w", err)
	}
	return nil
}

// CountSlots counts a job's slots of one kind in one status
func (s *Storage) CountSlots(ctx context.Context, jobID, kind, status string) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM provisioning_slots
		WHERE job_id = $1 AND kind = $2 AND status = $3
	`
	var count int
	if err := s.db.GetContext(ctx, &count, query, jobID, kind, status); err != nil {
		return 0, fmt.Errorf("failed to count slots: %w", err)
	}
	return count, nil
}

type slotRow struct {
	JobID        string `db:"job_id"`
	SlotNumber   int    `db:"slot_number"`
	Kind         string `db:"kind"`
	ParentRef    string `db:"parent_ref"`
	RemoteID     string `db:"remote_id"`
	Status       string `db:"status"`
	RetryCount   int    `db:"retry_count"`
	Permanent    bool   `db:"permanent"`
	ErrorMessage string `db:"error_message"`
}

func (r slotRow) toDomain() domain.Slot {
	return domain.Slot{
		JobID:        r.JobID,
		SlotNumber:   r.SlotNumber,
		Kind:         r.Kind,
		ParentRef:    r.ParentRef,
		RemoteID:     r.RemoteID,
		Status:       r.Status,
		RetryCount:   r.RetryCount,
		Permanent:    r.Permanent,
		ErrorMessage: r.ErrorMessage,
	}
}
