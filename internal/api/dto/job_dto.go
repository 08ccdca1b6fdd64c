package dto

// SubmitJobRequest is the payload for creating a provisioning job: one
// campaign with requested_groups ad groups of requested_items ads each.
// requested_items may be zero for a groups-only campaign.
type SubmitJobRequest struct {
	IdempotencyKey  string `json:"idempotency_key" binding:"required"`
	UserID          string `json:"user_id" binding:"required"`
	AccountRef      string `json:"account_ref" binding:"required"`
	CampaignName    string `json:"campaign_name" binding:"required"`
	RequestedGroups int    `json:"requested_groups" binding:"required,min=1"`
	RequestedItems  int    `json:"requested_items" binding:"omitempty,gte=0"`
	RetryBudget     int    `json:"retry_budget" binding:"omitempty,min=1,max=10"`
}

type ListJobsRequest struct {
	UserID   string `form:"user_id"`
	State    string `form:"state"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID           string `json:"job_id"`
	IdempotencyKey  string `json:"idempotency_key"`
	UserID          string `json:"user_id"`
	AccountRef      string `json:"account_ref"`
	CampaignName    string `json:"campaign_name"`
	RequestedGroups int    `json:"requested_groups"`
	RequestedItems  int    `json:"requested_items"`
	State           string `json:"state"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

// SlotSummaryDTO reports per-kind slot progress.
type SlotSummaryDTO struct {
	Kind       string `json:"kind"`
	Requested  int    `json:"requested"`
	Created    int    `json:"created"`
	Failed     int    `json:"failed"`
	RolledBack int    `json:"rolled_back"`
}

// JobErrorDTO is one entry of the job's append-only error history.
type JobErrorDTO struct {
	OccurredAt      string `json:"occurred_at"`
	Stage           string `json:"stage"`
	Message         string `json:"message"`
	KnownGoodGroups int    `json:"known_good_groups"`
	KnownGoodItems  int    `json:"known_good_items"`
}

// JobStatusResponse is the detailed status view of one job.
type JobStatusResponse struct {
	JobID           string           `json:"job_id"`
	UserID          string           `json:"user_id"`
	AccountRef      string           `json:"account_ref"`
	CampaignName    string           `json:"campaign_name"`
	RequestedGroups int              `json:"requested_groups"`
	RequestedItems  int              `json:"requested_items"`
	State           string           `json:"state"`
	CampaignID      string           `json:"campaign_id,omitempty"`
	RetryCount      int              `json:"retry_count"`
	RetryBudget     int              `json:"retry_budget"`
	CancelRequested bool             `json:"cancel_requested"`
	Slots           []SlotSummaryDTO `json:"slots"`
	Errors          []JobErrorDTO    `json:"errors,omitempty"`
	CreatedAt       string           `json:"created_at"`
	UpdatedAt       string           `json:"updated_at"`
}

// QueuedRequestDTO is one deferred-queue entry.
type QueuedRequestDTO struct {
	RequestID   string `json:"request_id"`
	JobID       string `json:"job_id"`
	UserID      string `json:"user_id"`
	Reason      string `json:"reason"`
	ScheduledAt string `json:"scheduled_at"`
	Status      string `json:"status"`
	Attempts    int    `json:"attempts"`
}

type ListQueuedResponse struct {
	Requests []QueuedRequestDTO `json:"requests"`
}
