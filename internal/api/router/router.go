package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lamvh/ads-provisioner/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "ads-provisioner-api",
		})
	})

	// Initialize job handler
	jobHandler := handler.NewJobHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		provisioning := v1.Group("/provisioning")
		{
			jobs := provisioning.Group("/jobs")
			{
				// POST /api/v1/provisioning/jobs - Submit a bulk provisioning job
				jobs.POST("", jobHandler.SubmitJob)

				// GET /api/v1/provisioning/jobs - List jobs with filtering and pagination
				jobs.GET("", jobHandler.ListJobs)

				// GET /api/v1/provisioning/jobs/:job_id - Job state, slot progress, errors
				jobs.GET("/:job_id", jobHandler.GetJobStatus)

				// POST /api/v1/provisioning/jobs/:job_id/cancel - Request rollback
				jobs.POST("/:job_id/cancel", jobHandler.CancelJob)
			}

			// GET /api/v1/provisioning/queue - Deferred requests awaiting window reset
			provisioning.GET("/queue", jobHandler.ListQueued)
		}
	}

	return r
}
