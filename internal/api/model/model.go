package model

import "time"

// ProvisioningJob is the jobs table row as the API sees it.
type ProvisioningJob struct {
	JobID           string    `db:"job_id"`
	IdempotencyKey  string    `db:"idempotency_key"`
	UserID          string    `db:"user_id"`
	AccountRef      string    `db:"account_ref"`
	CampaignName    string    `db:"campaign_name"`
	RequestedGroups int       `db:"requested_groups"`
	RequestedItems  int       `db:"requested_items"`
	State           string    `db:"state"`
	RootRemoteID    string    `db:"root_remote_id"`
	RetryCount      int       `db:"retry_count"`
	RetryBudget     int       `db:"retry_budget"`
	CancelRequested bool      `db:"cancel_requested"`
	ErrorHistory    []byte    `db:"error_history"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

// SlotSummary aggregates a job's slot ledger per kind and status.
type SlotSummary struct {
	Kind   string `db:"kind"`
	Status string `db:"status"`
	Count  int    `db:"count"`
}

// QueuedRequest is the deferred-queue row as the API sees it.
type QueuedRequest struct {
	RequestID   string    `db:"request_id"`
	JobID       string    `db:"job_id"`
	UserID      string    `db:"user_id"`
	Reason      string    `db:"reason"`
	ScheduledAt time.Time `db:"scheduled_at"`
	Status      string    `db:"status"`
	Attempts    int       `db:"attempts"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}
