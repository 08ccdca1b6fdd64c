// Package orchestrator drives the provisioning state machine for one job:
// pre-flight, root creation, slot-by-slot child creation behind the live
// idempotency gate, reconciliation, and the rollback decision.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lamvh/ads-provisioner/internal/provision/domain"
	"github.com/lamvh/ads-provisioner/internal/provision/ratelimit"
	"github.com/lamvh/ads-provisioner/internal/provision/reconcile"
	"github.com/lamvh/ads-provisioner/internal/provision/remote"
	"github.com/lamvh/ads-provisioner/internal/provision/retry"
	"github.com/lamvh/ads-provisioner/internal/provision/routing"
	"github.com/lamvh/ads-provisioner/internal/provision/slots"
)

// Config holds orchestrator tuning.
type Config struct {
	// BatchSize is how many creations run between intermediate reconciliations.
	BatchSize int
	// FailureRatio is the proportion of failed slots that escalates the whole
	// job to rollback.
	FailureRatio float64
	// PlatformGroupCap is the remote platform's own per-campaign group cap,
	// checked during pre-flight.
	PlatformGroupCap int
	// MaxSlotRetries caps failed->creating re-entries per slot.
	MaxSlotRetries int
	RetryPolicy    retry.Policy
	Routing        routing.Policy
}

// Orchestrator runs provisioning jobs to a terminal state.
type Orchestrator struct {
	jobs     JobStore
	ledger   *slots.Tracker
	recon    *reconcile.Service
	client   remote.Client
	limiter  *ratelimit.Tracker
	creds    CredentialResolver
	queue    QueueStore
	executor *retry.Executor
	cfg      Config
	logger   *slog.Logger
}

// New creates an orchestrator.
func New(jobs JobStore, ledger *slots.Tracker, recon *reconcile.Service, client remote.Client,
	limiter *ratelimit.Tracker, creds CredentialResolver, queue QueueStore, cfg Config, logger *slog.Logger) *Orchestrator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	if cfg.FailureRatio <= 0 {
		cfg.FailureRatio = 0.5
	}
	if cfg.PlatformGroupCap <= 0 {
		cfg.PlatformGroupCap = 500
	}
	if cfg.MaxSlotRetries <= 0 {
		cfg.MaxSlotRetries = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		jobs:     jobs,
		ledger:   ledger,
		recon:    recon,
		client:   client,
		limiter:  limiter,
		creds:    creds,
		queue:    queue,
		executor: retry.NewExecutor(cfg.RetryPolicy, limiter, logger),
		cfg:      cfg,
		logger:   logger,
	}
}

// Executor exposes the retry executor, for test configuration.
func (o *Orchestrator) Executor() *retry.Executor { return o.executor }

// rollbackError carries the reason a job must be reversed.
type rollbackError struct {
	reason string
	cause  error
}

func (e *rollbackError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("rollback required (%s): %v", e.reason, e.cause)
	}
	return fmt.Sprintf("rollback required (%s)", e.reason)
}

func (e *rollbackError) Unwrap() error { return e.cause }

// Run drives the job identified by jobID as far as it can go in one invocation:
// to a terminal state, or to a deferral (domain.ErrJobDeferred) when every
// eligible credential is exhausted. Run is safe to invoke again on a resumed or
// restarted job; all progress decisions are made against persisted slot state
// and live remote counts, never in-memory bookkeeping alone.
func (o *Orchestrator) Run(ctx context.Context, jobID string) error {
	job, err := o.jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if domain.JobStateTerminal(job.State) {
		o.logger.Debug("Job already terminal, nothing to do",
			slog.String("job_id", job.JobID),
			slog.String("state", job.State),
		)
		return nil
	}
	if job.CancelRequested {
		return o.Rollback(ctx, job, "canceled by user")
	}

	if job.State == domain.JobStatePending {
		if err := o.jobs.TransitionJob(ctx, job.JobID, domain.JobStatePending, domain.JobStateVerifying); err != nil {
			if errors.Is(err, domain.ErrJobAlreadyClaimed) {
				o.logger.Warn("Job claimed by another worker, skipping",
					slog.String("job_id", job.JobID),
				)
				return nil
			}
			return err
		}
		job.State = domain.JobStateVerifying
	}

	if job.State == domain.JobStateVerifying {
		if err := o.verify(ctx, job); err != nil {
			return err
		}
		job.State = domain.JobStateInProgress
	}

	return o.provision(ctx, job)
}

// verify runs pre-flight checks and creates the root resource. Any failure
// here aborts the job as failed before any child work starts.
func (o *Orchestrator) verify(ctx context.Context, job *domain.Job) error {
	credID, token, err := o.routeCredential(ctx, job)
	if err != nil {
		return err
	}

	if err := o.preflight(ctx, job, credID, token); err != nil {
		return o.failJob(ctx, job, "preflight", err)
	}

	if err := o.ledger.Initialize(ctx, job); err != nil && !errors.Is(err, domain.ErrSlotsAlreadyInitialized) {
		return o.failJob(ctx, job, "initialize_slots", err)
	}

	if err := o.ensureRoot(ctx, job, credID, token); err != nil {
		if errors.Is(err, domain.ErrJobDeferred) {
			return err
		}
		return o.failJob(ctx, job, "create_root", err)
	}

	if err := o.jobs.TransitionJob(ctx, job.JobID, domain.JobStateVerifying, domain.JobStateInProgress); err != nil {
		return err
	}

	o.logger.Info("Job verified, provisioning started",
		slog.String("job_id", job.JobID),
		slog.String("campaign_id", job.RootRemoteID),
		slog.Int("requested_groups", job.RequestedGroups),
		slog.Int("requested_items", job.RequestedItems),
	)
	return nil
}

// preflight checks the account is reachable and not suspended, that no
// exact-name campaign duplicate exists, and that the request fits under the
// platform's own cap.
func (o *Orchestrator) preflight(ctx context.Context, job *domain.Job, credID, token string) error {
	if job.RequestedGroups <= 0 {
		return &domain.ValidationError{Field: "requested_groups", Reason: "must be positive"}
	}
	if job.RequestedGroups > o.cfg.PlatformGroupCap {
		return &domain.ValidationError{
			Field:  "requested_groups",
			Reason: fmt.Sprintf("exceeds platform cap of %d", o.cfg.PlatformGroupCap),
		}
	}

	var listed *remote.ListResult
	err := o.executor.Execute(ctx, credID, func(ctx context.Context) (*domain.Usage, error) {
		res, err := o.client.List(ctx, token, job.AccountRef)
		if err != nil {
			return nil, err
		}
		listed = res
		return res.Usage, nil
	})
	if err != nil {
		return fmt.Errorf("account %s unreachable: %w", job.AccountRef, err)
	}

	// A campaign created by a previous attempt of this same job is resumable,
	// not a duplicate.
	for _, r := range listed.Resources {
		if r.Name == job.CampaignName && r.RemoteID != job.RootRemoteID {
			if job.RootRemoteID == "" {
				// Could be our own crashed attempt; adopt it in ensureRoot.
				continue
			}
			return &domain.ValidationError{Field: "campaign_name", Reason: "exact-name duplicate already exists"}
		}
	}
	return nil
}

// ensureRoot creates the campaign, adopting an identically named one left by a
// previous attempt instead of creating a second.
func (o *Orchestrator) ensureRoot(ctx context.Context, job *domain.Job, credID, token string) error {
	if job.RootRemoteID != "" {
		return nil
	}

	var listed *remote.ListResult
	err := o.executor.Execute(ctx, credID, func(ctx context.Context) (*domain.Usage, error) {
		res, err := o.client.List(ctx, token, job.AccountRef)
		if err != nil {
			return nil, err
		}
		listed = res
		return res.Usage, nil
	})
	if err != nil {
		return err
	}
	for _, r := range listed.Resources {
		if r.Name == job.CampaignName {
			o.logger.Info("Adopting existing campaign from previous attempt",
				slog.String("job_id", job.JobID),
				slog.String("campaign_id", r.RemoteID),
			)
			job.RootRemoteID = r.RemoteID
			return o.jobs.SetRootRemoteID(ctx, job.JobID, r.RemoteID)
		}
	}

	var remoteID string
	err = o.executor.Execute(ctx, credID, func(ctx context.Context) (*domain.Usage, error) {
		res, err := o.client.Create(ctx, token, job.AccountRef, remote.ResourceSpec{
			Kind: "campaign",
			Name: job.CampaignName,
		})
		if err != nil {
			return nil, err
		}
		remoteID = res.RemoteID
		return res.Usage, nil
	})
	if err != nil {
		return err
	}

	job.RootRemoteID = remoteID
	return o.jobs.SetRootRemoteID(ctx, job.JobID, remoteID)
}

// provision runs creation passes until the job completes, defers, or escalates.
func (o *Orchestrator) provision(ctx context.Context, job *domain.Job) error {
	for {
		if err := o.refreshCancel(ctx, job); err != nil {
			return err
		}
		if job.CancelRequested {
			return o.Rollback(ctx, job, "canceled by user")
		}

		err := o.provisionPass(ctx, job)
		if err != nil {
			var rbe *rollbackError
			switch {
			case errors.Is(err, domain.ErrJobDeferred):
				return err
			case errors.As(err, &rbe):
				return o.Rollback(ctx, job, rbe.reason)
			default:
				return o.failJob(ctx, job, "provision", err)
			}
		}

		_, token, err := o.routeCredential(ctx, job)
		if err != nil {
			return err
		}

		records, err := o.recon.Reconcile(ctx, job, token)
		if err != nil {
			return o.failJob(ctx, job, "reconcile", err)
		}

		if allMatched(records) {
			if err := o.jobs.TransitionJob(ctx, job.JobID, domain.JobStateInProgress, domain.JobStateCompleted); err != nil {
				return err
			}
			o.logger.Info("Job completed",
				slog.String("job_id", job.JobID),
				slog.String("campaign_id", job.RootRemoteID),
			)
			return nil
		}

		retries, err := o.jobs.IncrementJobRetry(ctx, job.JobID)
		if err != nil {
			return err
		}
		if retries > job.RetryBudget {
			return o.Rollback(ctx, job, "retry budget exhausted with residual shortfall")
		}
		o.logger.Warn("Reconciliation found shortfall, re-running provisioning pass",
			slog.String("job_id", job.JobID),
			slog.Int("retry", retries),
		)
	}
}

// provisionPass walks every slot in dependency order (groups, then ads under
// each created group), creating what the idempotency gate allows.
func (o *Orchestrator) provisionPass(ctx context.Context, job *domain.Job) error {
	ledger, err := o.ledger.SlotsByJob(ctx, job.JobID)
	if err != nil {
		return err
	}

	groupSlots, adSlots := splitLedger(ledger)

	if err := o.provisionKind(ctx, job, groupSlots, job.RootRemoteID, job.RequestedGroups, nil); err != nil {
		return err
	}

	// Reload: group creations just assigned remote ids the ad pass needs.
	ledger, err = o.ledger.SlotsByJob(ctx, job.JobID)
	if err != nil {
		return err
	}
	groupSlots, adSlots = splitLedger(ledger)

	for _, g := range groupSlots {
		if g.Status != domain.SlotCreated || g.RemoteID == "" {
			continue
		}
		children := adSlotsOfGroup(adSlots, g.SlotNumber, job.RequestedItems)
		if err := o.provisionKind(ctx, job, children, g.RemoteID, job.RequestedItems, &g); err != nil {
			return err
		}
	}

	return o.checkFailureRatio(ctx, job)
}

// provisionKind serializes creation of one kind under one parent around the
// idempotency gate: immediately before each creation the live remote count is
// consulted and remaining = requested − max(trackedCreated, remoteObserved);
// a non-positive remainder skips creation. This check, not local bookkeeping,
// is what keeps the final count from ever exceeding the request.
func (o *Orchestrator) provisionKind(ctx context.Context, job *domain.Job, kindSlots []domain.Slot, parentRef string, requested int, group *domain.Slot) error {
	sinceReconcile := 0

	for i := range kindSlots {
		slot := &kindSlots[i]
		if slot.Status == domain.SlotCreated || slot.Status == domain.SlotRolledBack {
			continue
		}
		if slot.Status == domain.SlotFailed && (slot.Permanent || slot.RetryCount >= o.cfg.MaxSlotRetries) {
			continue
		}

		credID, token, err := o.routeCredential(ctx, job)
		if err != nil {
			return err
		}

		observed, err := o.gateCounts(ctx, job, credID, token, parentRef, slot.Kind)
		if err != nil {
			return err
		}
		tracked := countCreated(kindSlots)
		if remaining := requested - maxInt(tracked, observed); remaining <= 0 {
			if err := o.adoptOrSatisfy(ctx, job, credID, token, parentRef, slot, kindSlots); err != nil {
				return err
			}
			continue
		}

		working, err := o.ledger.MarkCreating(ctx, job.JobID, slot.SlotNumber, slot.Kind)
		if err != nil {
			if errors.Is(err, domain.ErrSlotRetriesExceeded) {
				continue
			}
			return err
		}
		working.ParentRef = parentRef

		spec := remote.ResourceSpec{Kind: slot.Kind, Name: o.slotName(job, slot, group)}
		var remoteID string
		err = o.executor.Execute(ctx, credID, func(ctx context.Context) (*domain.Usage, error) {
			res, cerr := o.client.Create(ctx, token, parentRef, spec)
			if cerr != nil {
				return nil, cerr
			}
			remoteID = res.RemoteID
			return res.Usage, nil
		})

		if err != nil {
			permanent := domain.Classify(err) == domain.ClassPermanent
			if merr := o.ledger.MarkFailed(ctx, working, err.Error(), permanent); merr != nil {
				return merr
			}
			if aerr := o.appendError(ctx, job, "create_"+slot.Kind, err); aerr != nil {
				return aerr
			}
			kindSlots[i] = *working

			if permanent {
				if rerr := o.checkFailureRatio(ctx, job); rerr != nil {
					return rerr
				}
			}
			continue
		}

		if err := o.ledger.MarkCreated(ctx, working, remoteID); err != nil {
			return err
		}
		kindSlots[i] = *working

		o.logger.Info("Resource created",
			slog.String("job_id", job.JobID),
			slog.String("kind", slot.Kind),
			slog.Int("slot_number", slot.SlotNumber),
			slog.String("remote_id", remoteID),
		)

		sinceReconcile++
		if sinceReconcile >= o.cfg.BatchSize {
			sinceReconcile = 0
			if _, rerr := o.recon.Reconcile(ctx, job, token); rerr != nil {
				return rerr
			}
		}
	}
	return nil
}

// gateCounts is the idempotency-gate count, read through the reconciliation
// service so the gate and reconciliation share one view of remote state. A
// rate-limited or exhausted check is treated as unknown: creation pauses and
// the job defers rather than proceed optimistically.
func (o *Orchestrator) gateCounts(ctx context.Context, job *domain.Job, credID, token, parentRef, kind string) (int, error) {
	var counts map[string]int
	err := o.executor.Execute(ctx, credID, func(ctx context.Context) (*domain.Usage, error) {
		c, usage, lerr := o.recon.RemoteCounts(ctx, token, parentRef)
		if lerr != nil {
			return nil, lerr
		}
		counts = c
		return usage, nil
	})
	if err != nil {
		if domain.Classify(err) == domain.ClassPermanent {
			return 0, &rollbackError{reason: "idempotency check failed permanently", cause: err}
		}
		o.logger.Warn("Idempotency check unavailable, pausing creation",
			slog.String("job_id", job.JobID),
			slog.String("parent_ref", parentRef),
			slog.String("error", err.Error()),
		)
		return 0, o.deferJob(ctx, job, "idempotency check unavailable", time.Time{})
	}
	return counts[kind], nil
}

// adoptOrSatisfy resolves a slot whose resource already exists remotely: adopt
// a matching untracked remote resource when identifiable, otherwise mark the
// slot satisfied without action.
func (o *Orchestrator) adoptOrSatisfy(ctx context.Context, job *domain.Job, credID, token, parentRef string, slot *domain.Slot, kindSlots []domain.Slot) error {
	var listed *remote.ListResult
	err := o.executor.Execute(ctx, credID, func(ctx context.Context) (*domain.Usage, error) {
		res, lerr := o.client.List(ctx, token, parentRef)
		if lerr != nil {
			return nil, lerr
		}
		listed = res
		return res.Usage, nil
	})
	if err != nil {
		if domain.Classify(err) == domain.ClassPermanent {
			return &rollbackError{reason: "adoption listing failed permanently", cause: err}
		}
		o.logger.Warn("Adoption listing unavailable, pausing creation",
			slog.String("job_id", job.JobID),
			slog.String("parent_ref", parentRef),
			slog.String("error", err.Error()),
		)
		return o.deferJob(ctx, job, "adoption listing unavailable", time.Time{})
	}

	claimed := make(map[string]bool, len(kindSlots))
	for _, s := range kindSlots {
		if s.RemoteID != "" {
			claimed[s.RemoteID] = true
		}
	}

	working, err := o.ledger.MarkCreating(ctx, job.JobID, slot.SlotNumber, slot.Kind)
	if err != nil {
		if errors.Is(err, domain.ErrSlotRetriesExceeded) {
			return nil
		}
		return err
	}

	for _, r := range listed.Resources {
		if r.Kind == slot.Kind && !claimed[r.RemoteID] {
			o.logger.Info("Adopting existing remote resource for slot",
				slog.String("job_id", job.JobID),
				slog.String("kind", slot.Kind),
				slog.Int("slot_number", slot.SlotNumber),
				slog.String("remote_id", r.RemoteID),
			)
			if err := o.ledger.MarkCreated(ctx, working, r.RemoteID); err != nil {
				return err
			}
			slot.Status = domain.SlotCreated
			slot.RemoteID = r.RemoteID
			return nil
		}
	}

	// Requested count already satisfied but no adoptable resource identified.
	o.logger.Info("Slot satisfied without action, remote count already at request",
		slog.String("job_id", job.JobID),
		slog.String("kind", slot.Kind),
		slog.Int("slot_number", slot.SlotNumber),
	)
	if err := o.ledger.MarkCreated(ctx, working, ""); err != nil {
		return err
	}
	slot.Status = domain.SlotCreated
	return nil
}

// checkFailureRatio escalates to rollback once the failed-slot proportion
// crosses the configured threshold.
func (o *Orchestrator) checkFailureRatio(ctx context.Context, job *domain.Job) error {
	ledger, err := o.ledger.SlotsByJob(ctx, job.JobID)
	if err != nil {
		return err
	}
	failed, total := 0, 0
	for _, s := range ledger {
		total++
		if s.Status == domain.SlotFailed {
			failed++
		}
	}
	if total == 0 {
		return nil
	}
	if ratio := float64(failed) / float64(total); ratio >= o.cfg.FailureRatio {
		return &rollbackError{reason: fmt.Sprintf("failed slot ratio %.2f over threshold", ratio)}
	}
	return nil
}

// routeCredential routes the next outbound call, deferring the job when every
// eligible credential is exhausted.
func (o *Orchestrator) routeCredential(ctx context.Context, job *domain.Job) (string, string, error) {
	dec := routing.Route(routing.Request{
		AccountRef:  job.AccountRef,
		OwnerUserID: job.UserID,
	}, o.limiter.SnapshotAll(), o.cfg.Routing)

	if !dec.Proceed {
		return "", "", o.deferJob(ctx, job, "all eligible credentials exhausted", dec.RequeueAfter)
	}

	token, err := o.creds.Resolve(ctx, dec.CredentialID)
	if err != nil {
		return "", "", fmt.Errorf("failed to resolve credential: %w", err)
	}
	return dec.CredentialID, token, nil
}

// deferJob parks the job on the deferred queue.
func (o *Orchestrator) deferJob(ctx context.Context, job *domain.Job, reason string, at time.Time) error {
	if at.IsZero() {
		at = time.Now().Add(time.Minute)
	}
	req := &domain.QueuedRequest{
		RequestID:   uuid.New().String(),
		JobID:       job.JobID,
		UserID:      job.UserID,
		Reason:      reason,
		ScheduledAt: at,
		Status:      domain.QueuedStatusQueued,
		CreatedAt:   time.Now(),
	}
	if err := o.queue.EnqueueDeferred(ctx, req); err != nil {
		return fmt.Errorf("failed to enqueue deferred request: %w", err)
	}
	o.logger.Info("Job deferred",
		slog.String("job_id", job.JobID),
		slog.String("reason", reason),
		slog.Time("scheduled_at", at),
	)
	return fmt.Errorf("%w: %s", domain.ErrJobDeferred, reason)
}

// failJob freezes the job in FAILED for manual intervention.
func (o *Orchestrator) failJob(ctx context.Context, job *domain.Job, stage string, cause error) error {
	if aerr := o.appendError(ctx, job, stage, cause); aerr != nil {
		o.logger.Error("Failed to append job error",
			slog.String("job_id", job.JobID),
			slog.String("error", aerr.Error()),
		)
	}
	if terr := o.jobs.TransitionJob(ctx, job.JobID, job.State, domain.JobStateFailed); terr != nil {
		return terr
	}
	job.State = domain.JobStateFailed
	o.logger.Error("Job failed",
		slog.String("job_id", job.JobID),
		slog.String("stage", stage),
		slog.String("error", cause.Error()),
	)
	return cause
}

// appendError records an error with the last known-good remote counts so
// user-visible messages never reduce to a bare trace.
func (o *Orchestrator) appendError(ctx context.Context, job *domain.Job, stage string, cause error) error {
	groups, _ := o.ledger.CreatedCount(ctx, job.JobID, domain.KindAdGroup)
	items, _ := o.ledger.CreatedCount(ctx, job.JobID, domain.KindAd)
	return o.jobs.AppendJobError(ctx, job.JobID, domain.JobError{
		OccurredAt:      time.Now(),
		Stage:           stage,
		Message:         cause.Error(),
		KnownGoodGroups: groups,
		KnownGoodItems:  items,
	})
}

func (o *Orchestrator) refreshCancel(ctx context.Context, job *domain.Job) error {
	fresh, err := o.jobs.GetJob(ctx, job.JobID)
	if err != nil {
		return err
	}
	job.CancelRequested = fresh.CancelRequested
	job.State = fresh.State
	return nil
}

func (o *Orchestrator) slotName(job *domain.Job, slot *domain.Slot, group *domain.Slot) string {
	if slot.Kind == domain.KindAdGroup {
		return fmt.Sprintf("%s - Group %d", job.CampaignName, slot.SlotNumber)
	}
	ordinal := slot.SlotNumber
	if group != nil && job.RequestedItems > 0 {
		ordinal = slot.SlotNumber - (group.SlotNumber-1)*job.RequestedItems
	}
	if group != nil {
		return fmt.Sprintf("%s - Group %d - Ad %d", job.CampaignName, group.SlotNumber, ordinal)
	}
	return fmt.Sprintf("%s - Ad %d", job.CampaignName, ordinal)
}

func splitLedger(ledger []domain.Slot) (groups, ads []domain.Slot) {
	for _, s := range ledger {
		switch s.Kind {
		case domain.KindAdGroup:
			groups = append(groups, s)
		case domain.KindAd:
			ads = append(ads, s)
		}
	}
	return groups, ads
}

func adSlotsOfGroup(ads []domain.Slot, groupNumber, itemsPerGroup int) []domain.Slot {
	if itemsPerGroup <= 0 {
		return nil
	}
	lo := (groupNumber-1)*itemsPerGroup + 1
	hi := groupNumber * itemsPerGroup
	var out []domain.Slot
	for _, s := range ads {
		if s.SlotNumber >= lo && s.SlotNumber <= hi {
			out = append(out, s)
		}
	}
	return out
}

func countCreated(kindSlots []domain.Slot) int {
	n := 0
	for _, s := range kindSlots {
		if s.Status == domain.SlotCreated {
			n++
		}
	}
	return n
}

func allMatched(records []domain.VerificationRecord) bool {
	for i := range records {
		if !records[i].Matched() {
			return false
		}
	}
	return len(records) > 0
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
