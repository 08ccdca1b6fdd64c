// Package remote is the typed interface to the ads platform, plus its
// net/http implementation. Implementations return *domain.RemoteError for
// platform failures and domain.ErrRemoteNotFound for missing resources, and
// surface quota metadata on responses that carry it.
package remote

import (
	"context"

	"github.com/lamvh/ads-provisioner/internal/provision/domain"
)

// ResourceSpec describes one resource to create under a parent.
type ResourceSpec struct {
	Kind string
	Name string
}

// Resource is a remote resource as reported by the platform.
type Resource struct {
	RemoteID  string
	ParentRef string
	Kind      string
	Name      string
}

// CreateResult is the outcome of a successful create call.
type CreateResult struct {
	RemoteID string
	Usage    *domain.Usage
}

// ListResult is the outcome of a successful list call.
type ListResult struct {
	Resources []Resource
	Usage     *domain.Usage
}

// Client is the ads platform API. The credential argument is the decrypted
// bearer token resolved per call; it must never be logged.
type Client interface {
	// Create provisions one resource under parentRef.
	Create(ctx context.Context, credential, parentRef string, spec ResourceSpec) (*CreateResult, error)

	// Get fetches a resource by its remote id. Returns domain.ErrRemoteNotFound
	// when the platform reports the resource does not exist.
	Get(ctx context.Context, credential, remoteID string) (*Resource, error)

	// List returns the direct children of parentRef.
	List(ctx context.Context, credential, parentRef string) (*ListResult, error)

	// Delete removes a resource. Deleting an already-deleted resource returns
	// domain.ErrRemoteNotFound, which callers treat as success.
	Delete(ctx context.Context, credential, remoteID string) (*domain.Usage, error)
}
