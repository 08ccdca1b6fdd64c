package domain

import "time"

// Usage is the quota metadata a remote response may carry.
type Usage struct {
	Used    int
	Limit   int
	ResetAt time.Time
}

// CredentialRecord is a callable identity with its own quota window.
// Pool credentials are shared across eligible accounts; non-pool credentials
// belong to a single operator.
type CredentialRecord struct {
	CredentialID string
	OwnerUserID  string
	Pool         bool
	Active       bool
	CallLimit    int
	CallsUsed    int
	WindowReset  time.Time
}
