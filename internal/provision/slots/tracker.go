// Package slots keeps the per-job ledger of intended versus believed-actual
// resource state. The slot set is fixed at initialization and every status
// change goes through the tracker so transitions stay legal.
package slots

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lamvh/ads-provisioner/internal/provision/domain"
)

// Store is the persistence the tracker writes through.
type Store interface {
	InsertSlots(ctx context.Context, slots []domain.Slot) error
	SlotsByJob(ctx context.Context, jobID string) ([]domain.Slot, error)
	GetSlot(ctx context.Context, jobID string, slotNumber int, kind string) (*domain.Slot, error)
	UpdateSlot(ctx context.Context, slot *domain.Slot) error
	CountSlots(ctx context.Context, jobID, kind, status string) (int, error)
}

// Tracker enforces the slot state machine over a Store.
type Tracker struct {
	store          Store
	maxSlotRetries int
	logger         *slog.Logger
}

// NewTracker creates a tracker. maxSlotRetries caps failed→creating re-entries
// per slot.
func NewTracker(store Store, maxSlotRetries int, logger *slog.Logger) *Tracker {
	if maxSlotRetries <= 0 {
		maxSlotRetries = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{store: store, maxSlotRetries: maxSlotRetries, logger: logger}
}

// Initialize creates exactly the requested slots for the job: one ad_group
// slot per requested group, and per group one ad slot per requested item.
// Re-initializing an already-initialized job is rejected; the slot count per
// job never changes after this call.
func (t *Tracker) Initialize(ctx context.Context, job *domain.Job) error {
	existing, err := t.store.SlotsByJob(ctx, job.JobID)
	if err != nil {
		return fmt.Errorf("failed to check existing slots: %w", err)
	}
	if len(existing) > 0 {
		return domain.ErrSlotsAlreadyInitialized
	}

	total := job.RequestedGroups + job.RequestedGroups*job.RequestedItems
	slots := make([]domain.Slot, 0, total)
	for g := 1; g <= job.RequestedGroups; g++ {
		slots = append(slots, domain.Slot{
			JobID:      job.JobID,
			SlotNumber: g,
			Kind:       domain.KindAdGroup,
			ParentRef:  job.RootRemoteID,
			Status:     domain.SlotPending,
		})
		for i := 1; i <= job.RequestedItems; i++ {
			slots = append(slots, domain.Slot{
				JobID:      job.JobID,
				SlotNumber: (g-1)*job.RequestedItems + i,
				Kind:       domain.KindAd,
				Status:     domain.SlotPending,
			})
		}
	}

	if err := t.store.InsertSlots(ctx, slots); err != nil {
		return fmt.Errorf("failed to initialize slots: %w", err)
	}

	t.logger.Info("Slots initialized",
		slog.String("job_id", job.JobID),
		slog.Int("ad_group_slots", job.RequestedGroups),
		slog.Int("ad_slots", job.RequestedGroups*job.RequestedItems),
	)
	return nil
}

// MarkCreating moves a slot into CREATING. A FAILED slot re-enters CREATING
// only while under the retry cap, and never after a permanent rejection.
func (t *Tracker) MarkCreating(ctx context.Context, jobID string, slotNumber int, kind string) (*domain.Slot, error) {
	slot, err := t.store.GetSlot(ctx, jobID, slotNumber, kind)
	if err != nil {
		return nil, err
	}

	if slot.Status == domain.SlotCreating {
		// Already mid-create; a restarted job resumes it in place. The
		// idempotency gate upstream decides whether the create still runs.
		return slot, nil
	}

	if slot.Status == domain.SlotFailed {
		if slot.Permanent || slot.RetryCount >= t.maxSlotRetries {
			return nil, domain.ErrSlotRetriesExceeded
		}
		slot.RetryCount++
	}

	if err := t.transition(ctx, slot, domain.SlotCreating); err != nil {
		return nil, err
	}
	return slot, nil
}

// MarkCreated records the remote id reported for a slot's resource.
func (t *Tracker) MarkCreated(ctx context.Context, slot *domain.Slot, remoteID string) error {
	slot.RemoteID = remoteID
	slot.ErrorMessage = ""
	return t.transition(ctx, slot, domain.SlotCreated)
}

// MarkFailed records a failure message on the slot. permanent flags a
// rejection that must not be retried.
func (t *Tracker) MarkFailed(ctx context.Context, slot *domain.Slot, message string, permanent bool) error {
	slot.ErrorMessage = message
	slot.Permanent = permanent
	return t.transition(ctx, slot, domain.SlotFailed)
}

// MarkMissing flags a slot whose resource was reported created but no longer
// exists remotely, so targeted re-creation can pick it up. The remote id is
// cleared; the reconciliation record keeps the audit trail.
func (t *Tracker) MarkMissing(ctx context.Context, slot *domain.Slot, message string) error {
	slot.RemoteID = ""
	slot.ErrorMessage = message
	// A vanished resource is re-creatable even if an earlier attempt was
	// rejected; the remote evidently accepted it once.
	slot.Permanent = false
	// CREATED→FAILED is not a normal transition; missing resources are the
	// one sanctioned path back.
	slot.Status = domain.SlotFailed
	return t.store.UpdateSlot(ctx, slot)
}

// MarkRolledBack finalizes a slot after rollback.
func (t *Tracker) MarkRolledBack(ctx context.Context, slot *domain.Slot) error {
	if slot.Status == domain.SlotPending || slot.Status == domain.SlotRolledBack {
		// Nothing was created; leave pending slots as-is.
		if slot.Status == domain.SlotPending {
			slot.Status = domain.SlotRolledBack
			return t.store.UpdateSlot(ctx, slot)
		}
		return nil
	}
	return t.transition(ctx, slot, domain.SlotRolledBack)
}

// SlotsByJob returns the job's full ledger.
func (t *Tracker) SlotsByJob(ctx context.Context, jobID string) ([]domain.Slot, error) {
	return t.store.SlotsByJob(ctx, jobID)
}

// CreatedCount returns how many slots of the kind are tracked as created.
func (t *Tracker) CreatedCount(ctx context.Context, jobID, kind string) (int, error) {
	return t.store.CountSlots(ctx, jobID, kind, domain.SlotCreated)
}

// FailedCount returns how many slots of the kind are tracked as failed.
func (t *Tracker) FailedCount(ctx context.Context, jobID, kind string) (int, error) {
	return t.store.CountSlots(ctx, jobID, kind, domain.SlotFailed)
}

func (t *Tracker) transition(ctx context.Context, slot *domain.Slot, to string) error {
	if !domain.SlotTransitionAllowed(slot.Status, to) {
		return fmt.Errorf("illegal slot transition %s -> %s (job %s, slot %d/%s)",
			slot.Status, to, slot.JobID, slot.SlotNumber, slot.Kind)
	}
	slot.Status = to
	if err := t.store.UpdateSlot(ctx, slot); err != nil {
		return fmt.Errorf("failed to persist slot update: %w", err)
	}
	return nil
}
