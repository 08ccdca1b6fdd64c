package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lamvh/ads-provisioner/internal/provision/domain"
	"github.com/lamvh/ads-provisioner/internal/provision/ratelimit"
	"github.com/lamvh/ads-provisioner/internal/provision/reconcile"
	"github.com/lamvh/ads-provisioner/internal/provision/remote"
	"github.com/lamvh/ads-provisioner/internal/provision/retry"
	"github.com/lamvh/ads-provisioner/internal/provision/routing"
	"github.com/lamvh/ads-provisioner/internal/provision/slots"
)

// fakeJobStore keeps jobs in memory with the same conditional-transition
// semantics as the SQL store.
type fakeJobStore struct {
	mu        sync.Mutex
	jobs      map[string]*domain.Job
	failClaim bool
}

func newFakeJobStore(jobs ...*domain.Job) *fakeJobStore {
	s := &fakeJobStore{jobs: make(map[string]*domain.Job)}
	for _, j := range jobs {
		s.jobs[j.JobID] = j
	}
	return s
}

func (s *fakeJobStore) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *fakeJobStore) TransitionJob(ctx context.Context, jobID, from, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failClaim {
		return domain.ErrJobAlreadyClaimed
	}
	j, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	if j.State != from {
		return domain.ErrJobAlreadyClaimed
	}
	j.State = to
	return nil
}

func (s *fakeJobStore) SetRootRemoteID(ctx context.Context, jobID, remoteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[jobID].RootRemoteID = remoteID
	return nil
}

func (s *fakeJobStore) AppendJobError(ctx context.Context, jobID string, jerr domain.JobError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[jobID]
	j.ErrorHistory = append(j.ErrorHistory, jerr)
	return nil
}

func (s *fakeJobStore) IncrementJobRetry(ctx context.Context, jobID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[jobID]
	j.RetryCount++
	return j.RetryCount, nil
}

func (s *fakeJobStore) state(jobID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[jobID].State
}

// memSlots is an in-memory slots.Store with deterministic ordering.
type memSlots struct {
	mu   sync.Mutex
	rows map[string]*domain.Slot
}

func newMemSlots() *memSlots {
	return &memSlots{rows: make(map[string]*domain.Slot)}
}

func slotKey(jobID string, slotNumber int, kind string) string {
	return fmt.Sprintf("%s/%s/%d", jobID, kind, slotNumber)
}

func (m *memSlots) InsertSlots(ctx context.Context, in []domain.Slot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range in {
		s := in[i]
		m.rows[slotKey(s.JobID, s.SlotNumber, s.Kind)] = &s
	}
	return nil
}

func (m *memSlots) SlotsByJob(ctx context.Context, jobID string) ([]domain.Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Slot
	for _, s := range m.rows {
		if s.JobID == jobID {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind > out[j].Kind // ad_group before ad
		}
		return out[i].SlotNumber < out[j].SlotNumber
	})
	return out, nil
}

func (m *memSlots) GetSlot(ctx context.Context, jobID string, slotNumber int, kind string) (*domain.Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[slotKey(jobID, slotNumber, kind)]
	if !ok {
		return nil, fmt.Errorf("slot %d/%s not found for job %s", slotNumber, kind, jobID)
	}
	cp := *s
	return &cp, nil
}

func (m *memSlots) UpdateSlot(ctx context.Context, slot *domain.Slot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *slot
	m.rows[slotKey(slot.JobID, slot.SlotNumber, slot.Kind)] = &cp
	return nil
}

func (m *memSlots) CountSlots(ctx context.Context, jobID, kind, status string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.rows {
		if s.JobID == jobID && s.Kind == kind && s.Status == status {
			n++
		}
	}
	return n, nil
}

type recordSink struct {
	mu      sync.Mutex
	records []domain.VerificationRecord
}

func (r *recordSink) InsertVerificationRecord(ctx context.Context, rec *domain.VerificationRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, *rec)
	return nil
}

type fakeQueue struct {
	mu       sync.Mutex
	requests []domain.QueuedRequest
}

func (q *fakeQueue) EnqueueDeferred(ctx context.Context, req *domain.QueuedRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.requests = append(q.requests, *req)
	return nil
}

type fakeResolver struct{}

func (fakeResolver) Resolve(ctx context.Context, credentialID string) (string, error) {
	return "tok-" + credentialID, nil
}

// fakeRemote is a scriptable in-memory ads platform.
type fakeRemote struct {
	mu        sync.Mutex
	resources map[string]remote.Resource
	nextID    int

	// createErr, when set, is consulted before every create; attempt is the
	// 1-based attempt count for that (parent, name) pair.
	createErr func(parentRef string, spec remote.ResourceSpec, attempt int) error
	// deleteErr, when set, is consulted before every delete.
	deleteErr func(remoteID string) error
	// listErr, when set, is consulted before every list.
	listErr func(parentRef string) error

	attempts    map[string]int
	createCalls map[string]int
	deleted     []string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		resources:   make(map[string]remote.Resource),
		attempts:    make(map[string]int),
		createCalls: make(map[string]int),
	}
}

func (f *fakeRemote) add(remoteID, parentRef, kind, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resources[remoteID] = remote.Resource{RemoteID: remoteID, ParentRef: parentRef, Kind: kind, Name: name}
}

func (f *fakeRemote) Create(ctx context.Context, credential, parentRef string, spec remote.ResourceSpec) (*remote.CreateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := parentRef + "/" + spec.Name
	f.attempts[key]++
	f.createCalls[spec.Kind]++

	if f.createErr != nil {
		if err := f.createErr(parentRef, spec, f.attempts[key]); err != nil {
			return nil, err
		}
	}

	f.nextID++
	id := fmt.Sprintf("%s-%d", spec.Kind, f.nextID)
	f.resources[id] = remote.Resource{RemoteID: id, ParentRef: parentRef, Kind: spec.Kind, Name: spec.Name}
	return &remote.CreateResult{RemoteID: id}, nil
}

func (f *fakeRemote) Get(ctx context.Context, credential, remoteID string) (*remote.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.resources[remoteID]
	if !ok {
		return nil, domain.ErrRemoteNotFound
	}
	cp := r
	return &cp, nil
}

func (f *fakeRemote) List(ctx context.Context, credential, parentRef string) (*remote.ListResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		if err := f.listErr(parentRef); err != nil {
			return nil, err
		}
	}
	var out []remote.Resource
	for _, r := range f.resources {
		if r.ParentRef == parentRef {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RemoteID < out[j].RemoteID })
	return &remote.ListResult{Resources: out}, nil
}

func (f *fakeRemote) Delete(ctx context.Context, credential, remoteID string) (*domain.Usage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		if err := f.deleteErr(remoteID); err != nil {
			return nil, err
		}
	}
	if _, ok := f.resources[remoteID]; !ok {
		return nil, domain.ErrRemoteNotFound
	}
	delete(f.resources, remoteID)
	f.deleted = append(f.deleted, remoteID)
	return nil, nil
}

func (f *fakeRemote) countKind(kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.resources {
		if r.Kind == kind {
			n++
		}
	}
	return n
}

func (f *fakeRemote) totalCreateCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.createCalls {
		n += c
	}
	return n
}

// orchEnv wires an orchestrator over in-memory fakes.
type orchEnv struct {
	jobs    *fakeJobStore
	store   *memSlots
	queue   *fakeQueue
	client  *fakeRemote
	limiter *ratelimit.Tracker
	records *recordSink
	orch    *Orchestrator
}

func testJob() *domain.Job {
	return &domain.Job{
		JobID:           "job-1",
		UserID:          "user-1",
		AccountRef:      "acct-1",
		CampaignName:    "Spring Sale",
		RequestedGroups: 2,
		RequestedItems:  2,
		State:           domain.JobStatePending,
		RetryBudget:     2,
	}
}

func newEnv(t *testing.T, job *domain.Job, client *fakeRemote) *orchEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	jobs := newFakeJobStore(job)
	store := newMemSlots()
	queue := &fakeQueue{}
	records := &recordSink{}

	limiter := ratelimit.NewTracker(ratelimit.Config{
		SoftThreshold:    0.8,
		HardThreshold:    0.95,
		DefaultCallLimit: 1000,
		Logger:           logger,
	}, []ratelimit.Seed{
		{CredentialID: "cred-1", OwnerUserID: job.UserID, Active: true},
	})

	ledger := slots.NewTracker(store, 2, logger)
	recon := reconcile.NewService(client, ledger, records, logger)

	orch := New(jobs, ledger, recon, client, limiter, fakeResolver{}, queue, Config{
		BatchSize:        50,
		FailureRatio:     0.5,
		PlatformGroupCap: 500,
		MaxSlotRetries:   2,
		RetryPolicy:      retry.Policy{RetryBudget: 3, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond},
		Routing:          routing.Policy{SoftThreshold: 0.8, HardThreshold: 0.95},
	}, logger)
	orch.Executor().SetSleep(func(ctx context.Context, d time.Duration) error { return nil })
	orch.Executor().SetJitter(func(d time.Duration) time.Duration { return d })

	return &orchEnv{jobs: jobs, store: store, queue: queue, client: client, limiter: limiter, records: records, orch: orch}
}

func TestRun_ProvisionsFullHierarchy(t *testing.T) {
	job := testJob()
	client := newFakeRemote()
	env := newEnv(t, job, client)

	err := env.orch.Run(context.Background(), job.JobID)
	require.NoError(t, err)

	assert.Equal(t, domain.JobStateCompleted, env.jobs.state(job.JobID))
	assert.Equal(t, 1, client.countKind("campaign"))
	assert.Equal(t, 2, client.countKind(domain.KindAdGroup))
	assert.Equal(t, 4, client.countKind(domain.KindAd))

	ledger, err := env.store.SlotsByJob(context.Background(), job.JobID)
	require.NoError(t, err)
	require.Len(t, ledger, 6)
	for _, s := range ledger {
		assert.Equal(t, domain.SlotCreated, s.Status)
		assert.NotEmpty(t, s.RemoteID)
	}
}

func TestRun_RateLimitedCallsStillComplete(t *testing.T) {
	job := testJob()
	client := newFakeRemote()
	// Every resource's first create attempt bounces off the quota.
	client.createErr = func(parentRef string, spec remote.ResourceSpec, attempt int) error {
		if attempt == 1 {
			return &domain.RemoteError{Code: domain.CodeRateLimited, Message: "quota", RetryAfter: time.Second}
		}
		return nil
	}
	env := newEnv(t, job, client)

	var waited int
	env.orch.Executor().SetSleep(func(ctx context.Context, d time.Duration) error {
		waited++
		return nil
	})

	err := env.orch.Run(context.Background(), job.JobID)
	require.NoError(t, err)

	assert.Equal(t, domain.JobStateCompleted, env.jobs.state(job.JobID))
	// 1 campaign + 2 groups + 4 ads, each created exactly once after one
	// rate-limited attempt.
	assert.Equal(t, 7, len(client.resources))
	assert.Equal(t, 14, client.totalCreateCalls())
	assert.GreaterOrEqual(t, waited, 7)
}

func TestRun_PermanentAdFailuresRollBackEverything(t *testing.T) {
	job := testJob()
	client := newFakeRemote()
	client.createErr = func(parentRef string, spec remote.ResourceSpec, attempt int) error {
		if spec.Kind == domain.KindAd {
			return &domain.RemoteError{Code: domain.CodeRejected, Message: "policy violation"}
		}
		return nil
	}
	env := newEnv(t, job, client)

	err := env.orch.Run(context.Background(), job.JobID)
	require.NoError(t, err)

	assert.Equal(t, domain.JobStateRolledBack, env.jobs.state(job.JobID))
	// Campaign and both groups were created, then reversed.
	assert.Empty(t, client.resources)
	assert.Len(t, client.deleted, 3)

	history := env.jobs.jobs[job.JobID].ErrorHistory
	require.NotEmpty(t, history)
	var stages []string
	for _, e := range history {
		stages = append(stages, e.Stage)
	}
	assert.Contains(t, stages, "create_"+domain.KindAd)
	assert.Contains(t, stages, "rollback")
}

func TestRun_AdoptsResourcesFromCrashedAttempt(t *testing.T) {
	job := testJob()
	client := newFakeRemote()
	// A previous attempt created the campaign, both groups and one ad before
	// crashing; none of it is tracked locally.
	client.add("camp-old", "acct-1", "campaign", "Spring Sale")
	client.add("grp-a", "camp-old", domain.KindAdGroup, "Spring Sale - Group 1")
	client.add("grp-b", "camp-old", domain.KindAdGroup, "Spring Sale - Group 2")
	client.add("ad-old", "grp-a", domain.KindAd, "Spring Sale - Group 1 - Ad 1")
	env := newEnv(t, job, client)

	err := env.orch.Run(context.Background(), job.JobID)
	require.NoError(t, err)

	assert.Equal(t, domain.JobStateCompleted, env.jobs.state(job.JobID))
	assert.Equal(t, "camp-old", env.jobs.jobs[job.JobID].RootRemoteID)

	// The final count exactly matches the request: nothing pre-existing was
	// duplicated.
	assert.Equal(t, 1, client.countKind("campaign"))
	assert.Equal(t, 2, client.countKind(domain.KindAdGroup))
	assert.Equal(t, 4, client.countKind(domain.KindAd))
	assert.Equal(t, 0, client.createCalls["campaign"])
	assert.Equal(t, 0, client.createCalls[domain.KindAdGroup])
	assert.Equal(t, 3, client.createCalls[domain.KindAd])
}

func TestRun_ResumeNeverDoubleCreates(t *testing.T) {
	job := testJob()
	job.State = domain.JobStateInProgress
	job.RootRemoteID = "camp-1"

	client := newFakeRemote()
	client.add("camp-1", "acct-1", "campaign", "Spring Sale")
	client.add("grp-1", "camp-1", domain.KindAdGroup, "Spring Sale - Group 1")
	client.add("grp-2", "camp-1", domain.KindAdGroup, "Spring Sale - Group 2")
	client.add("ad-1", "grp-1", domain.KindAd, "Spring Sale - Group 1 - Ad 1")
	// ad-x was created remotely before the crash but the slot update never
	// landed; it must be adopted, not re-created.
	client.add("ad-x", "grp-1", domain.KindAd, "Spring Sale - Group 1 - Ad 2")
	client.add("ad-3", "grp-2", domain.KindAd, "Spring Sale - Group 2 - Ad 1")
	client.add("ad-4", "grp-2", domain.KindAd, "Spring Sale - Group 2 - Ad 2")

	env := newEnv(t, job, client)
	require.NoError(t, env.store.InsertSlots(context.Background(), []domain.Slot{
		{JobID: job.JobID, SlotNumber: 1, Kind: domain.KindAdGroup, ParentRef: "camp-1", RemoteID: "grp-1", Status: domain.SlotCreated},
		{JobID: job.JobID, SlotNumber: 2, Kind: domain.KindAdGroup, ParentRef: "camp-1", RemoteID: "grp-2", Status: domain.SlotCreated},
		{JobID: job.JobID, SlotNumber: 1, Kind: domain.KindAd, ParentRef: "grp-1", RemoteID: "ad-1", Status: domain.SlotCreated},
		{JobID: job.JobID, SlotNumber: 2, Kind: domain.KindAd, Status: domain.SlotPending},
		{JobID: job.JobID, SlotNumber: 3, Kind: domain.KindAd, ParentRef: "grp-2", RemoteID: "ad-3", Status: domain.SlotCreated},
		{JobID: job.JobID, SlotNumber: 4, Kind: domain.KindAd, ParentRef: "grp-2", RemoteID: "ad-4", Status: domain.SlotCreated},
	}))

	err := env.orch.Run(context.Background(), job.JobID)
	require.NoError(t, err)

	assert.Equal(t, domain.JobStateCompleted, env.jobs.state(job.JobID))
	assert.Equal(t, 0, client.totalCreateCalls())
	assert.Equal(t, 4, client.countKind(domain.KindAd))

	slot, err := env.store.GetSlot(context.Background(), job.JobID, 2, domain.KindAd)
	require.NoError(t, err)
	assert.Equal(t, domain.SlotCreated, slot.Status)
	assert.Equal(t, "ad-x", slot.RemoteID)
}

func TestRun_DefersWhenAllCredentialsExhausted(t *testing.T) {
	job := testJob()
	client := newFakeRemote()
	env := newEnv(t, job, client)

	resetAt := time.Now().Add(45 * time.Second)
	env.limiter.RecordUsage("cred-1", 1000, 1000, resetAt)

	err := env.orch.Run(context.Background(), job.JobID)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrJobDeferred)

	require.Len(t, env.queue.requests, 1)
	req := env.queue.requests[0]
	assert.Equal(t, job.JobID, req.JobID)
	assert.Equal(t, domain.QueuedStatusQueued, req.Status)
	assert.WithinDuration(t, resetAt, req.ScheduledAt, time.Second)

	// The claim happened but no remote call did.
	assert.Equal(t, domain.JobStateVerifying, env.jobs.state(job.JobID))
	assert.Equal(t, 0, client.totalCreateCalls())
}

func TestRun_CancelRequestedRollsBackProgress(t *testing.T) {
	job := testJob()
	job.State = domain.JobStateInProgress
	job.RootRemoteID = "camp-1"
	job.CancelRequested = true
	job.RequestedItems = 1

	client := newFakeRemote()
	client.add("camp-1", "acct-1", "campaign", "Spring Sale")
	client.add("grp-1", "camp-1", domain.KindAdGroup, "Spring Sale - Group 1")
	client.add("grp-2", "camp-1", domain.KindAdGroup, "Spring Sale - Group 2")

	env := newEnv(t, job, client)
	require.NoError(t, env.store.InsertSlots(context.Background(), []domain.Slot{
		{JobID: job.JobID, SlotNumber: 1, Kind: domain.KindAdGroup, ParentRef: "camp-1", RemoteID: "grp-1", Status: domain.SlotCreated},
		{JobID: job.JobID, SlotNumber: 2, Kind: domain.KindAdGroup, ParentRef: "camp-1", RemoteID: "grp-2", Status: domain.SlotCreated},
		{JobID: job.JobID, SlotNumber: 1, Kind: domain.KindAd, Status: domain.SlotPending},
		{JobID: job.JobID, SlotNumber: 2, Kind: domain.KindAd, Status: domain.SlotPending},
	}))

	err := env.orch.Run(context.Background(), job.JobID)
	require.NoError(t, err)

	assert.Equal(t, domain.JobStateRolledBack, env.jobs.state(job.JobID))
	assert.Empty(t, client.resources)

	ledger, err := env.store.SlotsByJob(context.Background(), job.JobID)
	require.NoError(t, err)
	for _, s := range ledger {
		assert.Equal(t, domain.SlotRolledBack, s.Status)
	}
}

func TestRun_SkipsJobClaimedElsewhere(t *testing.T) {
	job := testJob()
	client := newFakeRemote()
	env := newEnv(t, job, client)
	env.jobs.failClaim = true

	err := env.orch.Run(context.Background(), job.JobID)
	require.NoError(t, err)
	assert.Equal(t, 0, client.totalCreateCalls())
}

func TestRun_TerminalJobIsNoOp(t *testing.T) {
	job := testJob()
	job.State = domain.JobStateCompleted
	client := newFakeRemote()
	env := newEnv(t, job, client)

	err := env.orch.Run(context.Background(), job.JobID)
	require.NoError(t, err)
	assert.Equal(t, 0, client.totalCreateCalls())
}

func TestRun_GroupCapFailsPreflight(t *testing.T) {
	job := testJob()
	job.RequestedGroups = 501
	client := newFakeRemote()
	env := newEnv(t, job, client)

	err := env.orch.Run(context.Background(), job.JobID)
	require.Error(t, err)

	var verr *domain.ValidationError
	assert.ErrorAs(t, err, &verr)
	assert.Equal(t, domain.JobStateFailed, env.jobs.state(job.JobID))
	assert.Equal(t, 0, client.totalCreateCalls())
}

func TestRun_DuplicateCampaignNameFailsPreflight(t *testing.T) {
	job := testJob()
	job.State = domain.JobStateVerifying
	job.RootRemoteID = "camp-1"

	client := newFakeRemote()
	client.add("camp-1", "acct-1", "campaign", "Spring Sale")
	client.add("camp-dup", "acct-1", "campaign", "Spring Sale")
	env := newEnv(t, job, client)

	err := env.orch.Run(context.Background(), job.JobID)
	require.Error(t, err)

	var verr *domain.ValidationError
	assert.ErrorAs(t, err, &verr)
	assert.Equal(t, "campaign_name", verr.Field)
	assert.Equal(t, domain.JobStateFailed, env.jobs.state(job.JobID))
}

func TestRun_ExhaustedRetryBudgetWithShortfallRollsBack(t *testing.T) {
	job := testJob()
	client := newFakeRemote()
	// One ad never comes up; every attempt fails transiently.
	client.createErr = func(parentRef string, spec remote.ResourceSpec, attempt int) error {
		if spec.Name == "Spring Sale - Group 2 - Ad 2" {
			return &domain.RemoteError{Code: domain.CodeUnavailable, Message: "backend down"}
		}
		return nil
	}
	env := newEnv(t, job, client)

	err := env.orch.Run(context.Background(), job.JobID)
	require.NoError(t, err)

	assert.Equal(t, domain.JobStateRolledBack, env.jobs.state(job.JobID))
	assert.Empty(t, client.resources)
	assert.Greater(t, env.jobs.jobs[job.JobID].RetryCount, job.RetryBudget)
}

func TestRollback_FreezesJobWhenDeleteFails(t *testing.T) {
	job := testJob()
	job.State = domain.JobStateInProgress
	job.RootRemoteID = "camp-1"
	job.CancelRequested = true
	job.RequestedItems = 1

	client := newFakeRemote()
	client.add("camp-1", "acct-1", "campaign", "Spring Sale")
	client.add("grp-1", "camp-1", domain.KindAdGroup, "Spring Sale - Group 1")
	client.deleteErr = func(remoteID string) error {
		if remoteID == "grp-1" {
			return &domain.RemoteError{Code: domain.CodeUnavailable, Message: "backend down"}
		}
		return nil
	}

	env := newEnv(t, job, client)
	require.NoError(t, env.store.InsertSlots(context.Background(), []domain.Slot{
		{JobID: job.JobID, SlotNumber: 1, Kind: domain.KindAdGroup, ParentRef: "camp-1", RemoteID: "grp-1", Status: domain.SlotCreated},
	}))

	err := env.orch.Run(context.Background(), job.JobID)
	require.Error(t, err)

	var berr *domain.BudgetExhaustedError
	assert.ErrorAs(t, err, &berr)
	assert.Equal(t, domain.JobStateFailed, env.jobs.state(job.JobID))

	// The campaign survives; nothing was silently re-deleted after the freeze.
	assert.Contains(t, client.resources, "camp-1")
}

func TestRun_GroupsOnlyJobCompletes(t *testing.T) {
	job := testJob()
	job.RequestedItems = 0
	client := newFakeRemote()
	env := newEnv(t, job, client)

	err := env.orch.Run(context.Background(), job.JobID)
	require.NoError(t, err)

	assert.Equal(t, domain.JobStateCompleted, env.jobs.state(job.JobID))
	assert.Equal(t, 1, client.countKind("campaign"))
	assert.Equal(t, 2, client.countKind(domain.KindAdGroup))
	assert.Equal(t, 0, client.countKind(domain.KindAd))

	ledger, err := env.store.SlotsByJob(context.Background(), job.JobID)
	require.NoError(t, err)
	require.Len(t, ledger, 2)
	for _, s := range ledger {
		assert.Equal(t, domain.KindAdGroup, s.Kind)
		assert.Equal(t, domain.SlotCreated, s.Status)
	}
}

func TestRun_PermanentSlotFailureNotRetried(t *testing.T) {
	job := testJob()
	client := newFakeRemote()
	// One ad is rejected outright on every attempt; the others are fine.
	client.createErr = func(parentRef string, spec remote.ResourceSpec, attempt int) error {
		if spec.Name == "Spring Sale - Group 1 - Ad 2" {
			return &domain.RemoteError{Code: domain.CodeRejected, Message: "name policy violation"}
		}
		return nil
	}
	env := newEnv(t, job, client)

	err := env.orch.Run(context.Background(), job.JobID)
	require.NoError(t, err)

	// Rejected resources are never re-submitted, even with slot retries left.
	attempts := 0
	for key, n := range client.attempts {
		if strings.HasSuffix(key, "/Spring Sale - Group 1 - Ad 2") {
			attempts += n
		}
	}
	assert.Equal(t, 1, attempts)

	// The persistent shortfall exhausts the job's retry budget and rolls back.
	assert.Equal(t, domain.JobStateRolledBack, env.jobs.state(job.JobID))
	assert.Empty(t, client.resources)
}

func TestRun_PermanentGateFailureRollsBack(t *testing.T) {
	job := testJob()
	job.State = domain.JobStateInProgress
	job.RootRemoteID = "camp-1"

	client := newFakeRemote()
	client.add("camp-1", "acct-1", "campaign", "Spring Sale")
	client.listErr = func(parentRef string) error {
		if parentRef == "camp-1" {
			return &domain.RemoteError{Code: domain.CodeAccountSuspended, Message: "account suspended"}
		}
		return nil
	}

	env := newEnv(t, job, client)
	require.NoError(t, env.store.InsertSlots(context.Background(), []domain.Slot{
		{JobID: job.JobID, SlotNumber: 1, Kind: domain.KindAdGroup, Status: domain.SlotPending},
		{JobID: job.JobID, SlotNumber: 2, Kind: domain.KindAdGroup, Status: domain.SlotPending},
		{JobID: job.JobID, SlotNumber: 1, Kind: domain.KindAd, Status: domain.SlotPending},
		{JobID: job.JobID, SlotNumber: 2, Kind: domain.KindAd, Status: domain.SlotPending},
		{JobID: job.JobID, SlotNumber: 3, Kind: domain.KindAd, Status: domain.SlotPending},
		{JobID: job.JobID, SlotNumber: 4, Kind: domain.KindAd, Status: domain.SlotPending},
	}))

	err := env.orch.Run(context.Background(), job.JobID)
	require.NoError(t, err)

	// The suspended account surfaced through the pre-create count check;
	// nothing was created and the existing campaign was reversed.
	assert.Equal(t, domain.JobStateRolledBack, env.jobs.state(job.JobID))
	assert.Equal(t, 0, client.totalCreateCalls())
	assert.Empty(t, client.resources)
}

func TestRun_ReconcileRecreatesVanishedResources(t *testing.T) {
	job := testJob()
	client := newFakeRemote()
	env := newEnv(t, job, client)

	// First pass completes normally, but one ad silently vanishes between its
	// create and the reconciliation sweep. Simulate by deleting it out-of-band
	// after the third ad create.
	adCreates := 0
	client.createErr = func(parentRef string, spec remote.ResourceSpec, attempt int) error {
		if spec.Kind == domain.KindAd {
			adCreates++
			if adCreates == 3 {
				// Drop the previously created ad behind the platform's back.
				for id, r := range client.resources {
					if r.Kind == domain.KindAd {
						delete(client.resources, id)
						break
					}
				}
			}
		}
		return nil
	}

	err := env.orch.Run(context.Background(), job.JobID)
	require.NoError(t, err)

	assert.Equal(t, domain.JobStateCompleted, env.jobs.state(job.JobID))
	assert.Equal(t, 4, client.countKind(domain.KindAd))
	// 4 first-pass creates plus 1 targeted re-create.
	assert.Equal(t, 5, client.createCalls[domain.KindAd])

	// The discrepancy was recorded for audit before the re-create pass.
	var flagged bool
	for _, rec := range env.records.records {
		if rec.Kind == domain.KindAd && len(rec.Discrepant) > 0 {
			flagged = true
		}
	}
	assert.True(t, flagged)
}
