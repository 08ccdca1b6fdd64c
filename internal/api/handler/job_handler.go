package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/lamvh/ads-provisioner/internal/api/domain"
	"github.com/lamvh/ads-provisioner/internal/api/dto"
	"github.com/lamvh/ads-provisioner/internal/api/model"
	"github.com/lamvh/ads-provisioner/internal/api/storage"
	provision "github.com/lamvh/ads-provisioner/internal/provision/domain"
)

// SubmitJob handles POST /api/v1/provisioning/jobs
// Accepts a bulk provisioning request and enqueues it for the worker.
func (h *JobHandler) SubmitJob(c *gin.Context) {
	var req dto.SubmitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	if req.RequestedGroups > h.limits.PlatformGroupCap {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "requested_groups exceeds the platform cap",
			"cap":   h.limits.PlatformGroupCap,
		})
		return
	}

	retryBudget := req.RetryBudget
	if retryBudget == 0 {
		retryBudget = h.limits.DefaultRetryBudget
	}

	job := model.ProvisioningJob{
		JobID:           uuid.New().String(),
		IdempotencyKey:  req.IdempotencyKey,
		UserID:          req.UserID,
		AccountRef:      req.AccountRef,
		CampaignName:    req.CampaignName,
		RequestedGroups: req.RequestedGroups,
		RequestedItems:  req.RequestedItems,
		State:           provision.JobStatePending,
		RetryBudget:     retryBudget,
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}

	err := h.storage.CreateJob(c.Request.Context(), &job)
	if errors.Is(err, domain.ErrIdempotencyReplay) {
		// Same key, same job: return the original submission.
		existing, gerr := h.storage.GetJobByIdempotencyKey(c.Request.Context(), req.IdempotencyKey)
		if gerr != nil {
			h.logger.Error("Failed to load replayed job", slog.String("error", gerr.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to create job",
			})
			return
		}
		c.JSON(http.StatusOK, toJobDTO(existing))
		return
	}
	if err != nil {
		h.logger.Error("Failed to create job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create job",
		})
		return
	}

	// Hand the job id to the worker; the job stays PENDING until claimed.
	msg, _ := json.Marshal(gin.H{"job_id": job.JobID})
	if err := h.rabbitClient.PublishWithRetry(c.Request.Context(), msg, "application/json"); err != nil {
		h.logger.Error("Failed to publish job",
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Job stored but could not be enqueued",
		})
		return
	}

	h.logger.Info("Provisioning job submitted",
		slog.String("job_id", job.JobID),
		slog.String("user_id", job.UserID),
		slog.Int("requested_groups", job.RequestedGroups),
		slog.Int("requested_items", job.RequestedItems),
	)

	c.JSON(http.StatusAccepted, toJobDTO(&job))
}

// GetJobStatus handles GET /api/v1/provisioning/jobs/:job_id
// Returns the job's state machine position, per-kind slot progress, and the
// accumulated error history.
func (h *JobHandler) GetJobStatus(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	job, err := h.storage.GetJobByID(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Job not found",
			})
			return
		}
		h.logger.Error("Failed to get job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	summaries, err := h.storage.SlotSummaries(c.Request.Context(), jobID)
	if err != nil {
		h.logger.Error("Failed to summarize slots", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	resp := dto.JobStatusResponse{
		JobID:           job.JobID,
		UserID:          job.UserID,
		AccountRef:      job.AccountRef,
		CampaignName:    job.CampaignName,
		RequestedGroups: job.RequestedGroups,
		RequestedItems:  job.RequestedItems,
		State:           job.State,
		CampaignID:      job.RootRemoteID,
		RetryCount:      job.RetryCount,
		RetryBudget:     job.RetryBudget,
		CancelRequested: job.CancelRequested,
		Slots:           buildSlotSummaries(job, summaries),
		CreatedAt:       job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       job.UpdatedAt.Format(time.RFC3339),
	}

	var history []provision.JobError
	if len(job.ErrorHistory) > 0 {
		if err := json.Unmarshal(job.ErrorHistory, &history); err != nil {
			h.logger.Warn("Undecodable error history",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			)
		}
	}
	for _, e := range history {
		resp.Errors = append(resp.Errors, dto.JobErrorDTO{
			OccurredAt:      e.OccurredAt.Format(time.RFC3339),
			Stage:           e.Stage,
			Message:         e.Message,
			KnownGoodGroups: e.KnownGoodGroups,
			KnownGoodItems:  e.KnownGoodItems,
		})
	}

	c.JSON(http.StatusOK, resp)
}

// ListJobs handles GET /api/v1/provisioning/jobs
// Lists jobs with optional filtering and cursor pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	filter := storage.JobFilter{
		UserID:   req.UserID,
		State:    req.State,
		PageSize: req.PageSize,
		Cursor:   cursor,
	}

	jobs, err := h.storage.ListJobs(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	jobResponse := make([]dto.JobDTO, len(jobs))
	for i := range jobs {
		jobResponse[i] = *toJobDTO(&jobs[i])
	}

	var nextCursor string
	if hasMore {
		lastJob := jobs[len(jobs)-1]
		cursorObj := storage.JobCursor{
			CreatedAt: lastJob.CreatedAt,
			JobID:     lastJob.JobID,
		}
		nextCursor, err = EncodeJobCursor(&cursorObj)
		if err != nil {
			h.logger.Error("Failed to encode next cursor", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to encode next cursor",
			})
			return
		}
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobResponse,
		NextCursor: nextCursor,
	})
}

// CancelJob handles POST /api/v1/provisioning/jobs/:job_id/cancel
// Flags a non-terminal job for rollback. The worker observes the flag at its
// next checkpoint and reverses everything the job created.
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	err := h.storage.RequestCancel(c.Request.Context(), jobID)
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Job not found",
		})
		return
	case errors.Is(err, domain.ErrJobNotCancelable):
		c.JSON(http.StatusConflict, gin.H{
			"error": "Job is already in a terminal state",
		})
		return
	case err != nil:
		h.logger.Error("Failed to cancel job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to cancel job",
		})
		return
	}

	h.logger.Info("Job cancellation requested",
		slog.String("job_id", jobID),
	)

	c.JSON(http.StatusAccepted, gin.H{
		"job_id": jobID,
		"status": "cancel_requested",
	})
}

// ListQueued handles GET /api/v1/provisioning/queue
// Shows a user's deferred requests waiting for a rate-limit window reset.
func (h *JobHandler) ListQueued(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "user_id is required",
		})
		return
	}

	jobID := c.Query("job_id")
	if jobID != "" {
		if _, err := uuid.Parse(jobID); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "job_id must be a valid UUID",
			})
			return
		}
	}

	requests, err := h.storage.ListQueuedRequests(c.Request.Context(), userID, jobID, 100)
	if err != nil {
		h.logger.Error("Failed to list queued requests", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list queued requests",
		})
		return
	}

	resp := dto.ListQueuedResponse{Requests: []dto.QueuedRequestDTO{}}
	for _, r := range requests {
		resp.Requests = append(resp.Requests, dto.QueuedRequestDTO{
			RequestID:   r.RequestID,
			JobID:       r.JobID,
			UserID:      r.UserID,
			Reason:      r.Reason,
			ScheduledAt: r.ScheduledAt.Format(time.RFC3339),
			Status:      r.Status,
			Attempts:    r.Attempts,
		})
	}

	c.JSON(http.StatusOK, resp)
}

func toJobDTO(job *model.ProvisioningJob) *dto.JobDTO {
	return &dto.JobDTO{
		JobID:           job.JobID,
		IdempotencyKey:  job.IdempotencyKey,
		UserID:          job.UserID,
		AccountRef:      job.AccountRef,
		CampaignName:    job.CampaignName,
		RequestedGroups: job.RequestedGroups,
		RequestedItems:  job.RequestedItems,
		State:           job.State,
		CreatedAt:       job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       job.UpdatedAt.Format(time.RFC3339),
	}
}

// buildSlotSummaries folds per-status counts into one row per kind.
func buildSlotSummaries(job *model.ProvisioningJob, summaries []model.SlotSummary) []dto.SlotSummaryDTO {
	byKind := map[string]*dto.SlotSummaryDTO{
		provision.KindAdGroup: {
			Kind:      provision.KindAdGroup,
			Requested: job.RequestedGroups,
		},
		provision.KindAd: {
			Kind:      provision.KindAd,
			Requested: job.RequestedGroups * job.RequestedItems,
		},
	}

	for _, s := range summaries {
		entry, ok := byKind[s.Kind]
		if !ok {
			continue
		}
		switch s.Status {
		case provision.SlotCreated:
			entry.Created += s.Count
		case provision.SlotFailed:
			entry.Failed += s.Count
		case provision.SlotRolledBack:
			entry.RolledBack += s.Count
		}
	}

	return []dto.SlotSummaryDTO{
		*byKind[provision.KindAdGroup],
		*byKind[provision.KindAd],
	}
}
