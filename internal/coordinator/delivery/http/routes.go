package http

import (
	"github.com/filthyrake/vlog-coordinator/internal/coordinator"
	"github.com/filthyrake/vlog-coordinator/internal/middleware"
	"github.com/labstack/echo/v4"
)

func MapCoordRoutes(jobGroup, workerGroup *echo.Group, h coordinator.Handlers, mw *middleware.MiddlewareManager) {
	jobGroup.Use(mw.RequestLoggerMiddleware)
	workerGroup.Use(mw.RequestLoggerMiddleware)

	jobGroup.POST("", h.CreateJob())
	jobGroup.POST("/claim", h.ClaimJob())
	jobGroup.POST("/:job_id/progress", h.ReportProgress())
	jobGroup.POST("/:job_id/complete", h.CompleteJob())
	jobGroup.POST("/:job_id/fail", h.FailJob())
	jobGroup.GET("/:job_id", h.GetJobState())

	workerGroup.POST("", h.RegisterWorker())
	workerGroup.POST("/:worker_id/heartbeat", h.Heartbeat())
	workerGroup.GET("", h.ListWorkers())
}
