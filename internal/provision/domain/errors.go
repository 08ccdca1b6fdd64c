package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = errors.New("job not found")

	// ErrJobAlreadyClaimed is returned when a job is not in the expected state
	// for the attempted transition (e.g. another worker claimed it first)
	ErrJobAlreadyClaimed = errors.New("job already claimed or not in expected state")

	// ErrSlotsAlreadyInitialized is returned on re-initialization of a job's slot ledger
	ErrSlotsAlreadyInitialized = errors.New("slots already initialized for job")

	// ErrSlotRetriesExceeded is returned when a failed slot has spent its retry cap
	ErrSlotRetriesExceeded = errors.New("slot retry cap exceeded")

	// ErrRemoteNotFound is returned by the platform client for a missing resource
	ErrRemoteNotFound = errors.New("remote resource not found")

	// ErrJobDeferred signals that the job was parked on the deferred queue
	// because no credential could be routed; not a failure.
	ErrJobDeferred = errors.New("job deferred until credential quota resets")
)

// Remote error codes, as classified from the platform's typed responses.
const (
	CodeInvalidCredential = "INVALID_CREDENTIAL"
	CodeAccountSuspended  = "ACCOUNT_SUSPENDED"
	CodeRejected          = "RESOURCE_REJECTED"
	CodeRateLimited       = "RATE_LIMITED"
	CodeUnavailable       = "UNAVAILABLE"
)

// ValidationError is a pre-flight failure. Non-retryable, surfaced immediately.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// RemoteError is a typed failure from the ads platform. Classification into
// permanent / rate-limited / transient drives every retry decision.
type RemoteError struct {
	Code       string
	Message    string
	RetryAfter time.Duration // for RATE_LIMITED, when known
	Usage      *Usage        // quota metadata, when the response carried it
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %s: %s", e.Code, e.Message)
}

// Permanent reports whether the error can never succeed on retry.
func (e *RemoteError) Permanent() bool {
	switch e.Code {
	case CodeInvalidCredential, CodeAccountSuspended, CodeRejected:
		return true
	}
	return false
}

// RateLimited reports whether the error is a quota rejection.
func (e *RemoteError) RateLimited() bool {
	return e.Code == CodeRateLimited
}

// BudgetExhaustedError is raised once a call's retry budget is spent.
// The orchestrator escalates it into a retry-vs-rollback decision.
type BudgetExhaustedError struct {
	Attempts int
	Last     error
}

func (e *BudgetExhaustedError) Error() string {
	return fmt.Sprintf("retry budget exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *BudgetExhaustedError) Unwrap() error {
	return e.Last
}

// Error classes for retry decisions.
type ErrorClass int

const (
	ClassTransient ErrorClass = iota
	ClassRateLimited
	ClassPermanent
)

// Classify maps an error to its retry class. Unknown errors (network faults,
// decode failures) are transient: retried with backoff against budget.
func Classify(err error) ErrorClass {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return ClassPermanent
	}

	var rerr *RemoteError
	if errors.As(err, &rerr) {
		switch {
		case rerr.Permanent():
			return ClassPermanent
		case rerr.RateLimited():
			return ClassRateLimited
		}
	}

	return ClassTransient
}
