package domain

// Slot kinds, in dependency order under the campaign root.
const (
	KindAdGroup = "ad_group"
	KindAd      = "ad"
)

// Slot status constants
const (
	SlotPending    = "PENDING"
	SlotCreating   = "CREATING"
	SlotCreated    = "CREATED"
	SlotFailed     = "FAILED"
	SlotRolledBack = "ROLLED_BACK"
)

var slotTransitions = map[string][]string{
	SlotPending:  {SlotCreating},
	SlotCreating: {SlotCreated, SlotFailed},
	// A failed slot may be retried up to the per-slot cap.
	SlotFailed:  {SlotCreating, SlotRolledBack},
	SlotCreated: {SlotRolledBack},
}

// SlotTransitionAllowed reports whether a slot may move from one status to another.
func SlotTransitionAllowed(from, to string) bool {
	for _, next := range slotTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Slot is one planned resource within a job. The set of slots for a job is
// fixed at initialization; whether the resource actually exists remotely is
// tracked through Status and RemoteID.
type Slot struct {
	JobID      string
	SlotNumber int
	Kind       string
	// ParentRef is the remote parent this slot's resource is created under:
	// the campaign id for ad groups, the owning group's remote id for ads.
	ParentRef  string
	RemoteID   string
	Status     string
	RetryCount int
	// Permanent marks a failure the platform rejected outright; such a slot
	// is never re-created, regardless of remaining retries.
	Permanent    bool
	ErrorMessage string
}
