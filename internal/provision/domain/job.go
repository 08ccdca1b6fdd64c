package domain

import "time"

// Job status constants
const (
	JobStatePending    = "PENDING"
	JobStateVerifying  = "VERIFYING"
	JobStateInProgress = "IN_PROGRESS"
	JobStateCompleted  = "COMPLETED"
	JobStateFailed     = "FAILED"
	JobStateRolledBack = "ROLLED_BACK"
)

// jobTransitions lists the legal state moves of the provisioning state machine.
var jobTransitions = map[string][]string{
	JobStatePending:    {JobStateVerifying, JobStateFailed, JobStateRolledBack},
	JobStateVerifying:  {JobStateInProgress, JobStateFailed, JobStateRolledBack},
	JobStateInProgress: {JobStateCompleted, JobStateRolledBack, JobStateFailed},
}

// JobTransitionAllowed reports whether a job may move from one state to another.
func JobTransitionAllowed(from, to string) bool {
	for _, next := range jobTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// JobStateTerminal reports whether a state ends the job's lifecycle.
func JobStateTerminal(state string) bool {
	return state == JobStateCompleted || state == JobStateFailed || state == JobStateRolledBack
}

// Job is one bulk-create request: a campaign plus a fixed number of ad groups,
// each with a fixed number of ads.
type Job struct {
	JobID           string
	UserID          string
	AccountRef      string
	CampaignName    string
	RequestedGroups int
	RequestedItems  int // ads per group
	State           string
	RootRemoteID    string
	RetryCount      int
	RetryBudget     int
	CancelRequested bool
	ErrorHistory    []JobError
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// JobError is one entry in a job's error history.
type JobError struct {
	OccurredAt time.Time `json:"occurred_at"`
	Stage      string    `json:"stage"`
	Message    string    `json:"message"`
	// KnownGoodGroups/KnownGoodItems capture the last verified remote counts
	// at the time of the error, so user-facing messages never show a bare trace.
	KnownGoodGroups int `json:"known_good_groups"`
	KnownGoodItems  int `json:"known_good_items"`
}
