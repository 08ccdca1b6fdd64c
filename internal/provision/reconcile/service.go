// Package reconcile compares tracked slot state against the remote platform's
// authoritative state. It exists because the platform may report a successful
// create whose resource never materializes; local bookkeeping is never trusted
// as ground truth on its own.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lamvh/ads-provisioner/internal/provision/domain"
	"github.com/lamvh/ads-provisioner/internal/provision/remote"
	"github.com/lamvh/ads-provisioner/internal/provision/slots"
)

// Existence is the three-way outcome of verifying one remote resource.
// API failures are Unknown, never Missing: a resource must not be re-created
// just because the check itself failed.
type Existence int

const (
	ExistenceUnknown Existence = iota
	ExistenceExists
	ExistenceMissing
)

// RecordStore persists verification outcomes for audit.
type RecordStore interface {
	InsertVerificationRecord(ctx context.Context, rec *domain.VerificationRecord) error
}

// Service re-verifies created slots against live remote state.
type Service struct {
	client  remote.Client
	tracker *slots.Tracker
	records RecordStore
	logger  *slog.Logger
}

// NewService creates a reconciliation service.
func NewService(client remote.Client, tracker *slots.Tracker, records RecordStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{client: client, tracker: tracker, records: records, logger: logger}
}

// VerifyEntityExists checks a single remote resource.
func (s *Service) VerifyEntityExists(ctx context.Context, credential, remoteID string) (Existence, error) {
	_, err := s.client.Get(ctx, credential, remoteID)
	if err == nil {
		return ExistenceExists, nil
	}
	if errors.Is(err, domain.ErrRemoteNotFound) {
		return ExistenceMissing, nil
	}
	return ExistenceUnknown, err
}

// RemoteCounts returns the authoritative child count per kind under parentRef.
func (s *Service) RemoteCounts(ctx context.Context, credential, parentRef string) (map[string]int, *domain.Usage, error) {
	res, err := s.client.List(ctx, credential, parentRef)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list children of %s: %w", parentRef, err)
	}
	counts := make(map[string]int)
	for _, r := range res.Resources {
		counts[r.Kind]++
	}
	return counts, res.Usage, nil
}

// Reconcile re-verifies every slot the job tracks as created. Slots whose
// resources are missing remotely are flagged for targeted re-creation, and one
// VerificationRecord per kind captures expected vs. actual with the discrepancy
// list. Unknown outcomes leave the slot untouched.
func (s *Service) Reconcile(ctx context.Context, job *domain.Job, credential string) ([]domain.VerificationRecord, error) {
	ledger, err := s.tracker.SlotsByJob(ctx, job.JobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load slot ledger: %w", err)
	}

	expected := map[string]int{
		domain.KindAdGroup: job.RequestedGroups,
		domain.KindAd:      job.RequestedGroups * job.RequestedItems,
	}

	tracked := make(map[string]int)
	missing := make(map[string][]int)

	for i := range ledger {
		slot := &ledger[i]
		if slot.Status != domain.SlotCreated {
			continue
		}
		tracked[slot.Kind]++

		if slot.RemoteID == "" {
			// Satisfied-without-action: no resource of our own to verify.
			continue
		}

		existence, verr := s.VerifyEntityExists(ctx, credential, slot.RemoteID)
		switch existence {
		case ExistenceMissing:
			s.logger.Warn("Tracked resource missing remotely, flagging slot for re-creation",
				slog.String("job_id", job.JobID),
				slog.String("kind", slot.Kind),
				slog.Int("slot_number", slot.SlotNumber),
			)
			missing[slot.Kind] = append(missing[slot.Kind], slot.SlotNumber)
			if merr := s.tracker.MarkMissing(ctx, slot, "resource missing on remote platform"); merr != nil {
				return nil, merr
			}
		case ExistenceUnknown:
			s.logger.Warn("Could not verify resource, leaving slot untouched",
				slog.String("job_id", job.JobID),
				slog.Int("slot_number", slot.SlotNumber),
				slog.String("error", verr.Error()),
			)
		}
	}

	var out []domain.VerificationRecord
	for _, kind := range []string{domain.KindAdGroup, domain.KindAd} {
		if expected[kind] == 0 {
			continue
		}
		rec := domain.VerificationRecord{
			RecordID:     uuid.New().String(),
			JobID:        job.JobID,
			Kind:         kind,
			Expected:     expected[kind],
			TrackedCount: tracked[kind],
			RemoteCount:  tracked[kind] - len(missing[kind]),
			Discrepant:   missing[kind],
			CreatedAt:    time.Now(),
		}
		if err := s.records.InsertVerificationRecord(ctx, &rec); err != nil {
			return nil, fmt.Errorf("failed to persist verification record: %w", err)
		}
		out = append(out, rec)
	}

	return out, nil
}
