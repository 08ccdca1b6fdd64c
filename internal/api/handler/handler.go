package handler

import (
	"log/slog"

	"github.com/lamvh/ads-provisioner/internal/api/storage"
	"github.com/lamvh/ads-provisioner/shared/postgresql"
	"github.com/lamvh/ads-provisioner/shared/rabbitmq"
)

// Limits are the submission-time bounds enforced by the API.
type Limits struct {
	PlatformGroupCap   int
	DefaultRetryBudget int
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger       *slog.Logger
	DBClient     *postgresql.Client
	RabbitClient *rabbitmq.Client
	Limits       Limits
}

// JobHandler handles provisioning job HTTP requests
type JobHandler struct {
	logger       *slog.Logger
	storage      *storage.Storage
	rabbitClient *rabbitmq.Client
	limits       Limits
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	limits := deps.Limits
	if limits.PlatformGroupCap <= 0 {
		limits.PlatformGroupCap = 500
	}
	if limits.DefaultRetryBudget <= 0 {
		limits.DefaultRetryBudget = 5
	}
	return &JobHandler{
		logger:       deps.Logger,
		storage:      storage.NewStorage(deps.DBClient),
		rabbitClient: deps.RabbitClient,
		limits:       limits,
	}
}
