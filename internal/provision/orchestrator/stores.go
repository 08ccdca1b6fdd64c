package orchestrator

import (
	"context"

	"github.com/lamvh/ads-provisioner/internal/provision/domain"
)

// JobStore is the job persistence the orchestrator drives its state machine
// through. TransitionJob must be a conditional update (claim semantics): it
// returns domain.ErrJobAlreadyClaimed when the job is no longer in `from`.
type JobStore interface {
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	TransitionJob(ctx context.Context, jobID, from, to string) error
	SetRootRemoteID(ctx context.Context, jobID, remoteID string) error
	AppendJobError(ctx context.Context, jobID string, jerr domain.JobError) error
	IncrementJobRetry(ctx context.Context, jobID string) (int, error)
}

// QueueStore parks work deferred by quota exhaustion.
type QueueStore interface {
	EnqueueDeferred(ctx context.Context, req *domain.QueuedRequest) error
}

// CredentialResolver resolves the decrypted bearer token for a credential id.
// Tokens are encrypted at rest and must never be logged.
type CredentialResolver interface {
	Resolve(ctx context.Context, credentialID string) (string, error)
}
