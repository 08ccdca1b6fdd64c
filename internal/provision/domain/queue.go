package domain

import "time"

// Queued request status constants
const (
	QueuedStatusQueued     = "QUEUED"
	QueuedStatusProcessing = "PROCESSING"
	QueuedStatusCompleted  = "COMPLETED"
	QueuedStatusFailed     = "FAILED"
)

// QueuedRequest is a unit of work deferred because every eligible credential
// was exhausted. It references the job by id only; the QueueProcessor resumes
// the job once the scheduled time has elapsed and routing succeeds again.
type QueuedRequest struct {
	RequestID   string
	JobID       string
	UserID      string
	Reason      string
	ScheduledAt time.Time
	Status      string
	Attempts    int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
