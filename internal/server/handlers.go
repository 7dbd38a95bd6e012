package server

import (
	"net/http"

	coordHttp "github.com/filthyrake/vlog-coordinator/internal/coordinator/delivery/http"
	coordRepository "github.com/filthyrake/vlog-coordinator/internal/coordinator/repository"
	coordUsecase "github.com/filthyrake/vlog-coordinator/internal/coordinator/usecase"
	"github.com/filthyrake/vlog-coordinator/internal/dispatch"
	"github.com/filthyrake/vlog-coordinator/internal/middleware"
	"github.com/filthyrake/vlog-coordinator/internal/reconciler"
	"github.com/filthyrake/vlog-coordinator/pkg/utils"
	"github.com/labstack/echo/v4"
)

func (s *Server) MapHandlers(e *echo.Echo) error {
	cRepo := coordRepository.NewCoordRepo(s.db)
	cDispatchRepo := coordRepository.NewDispatchRedisRepo(
		s.redisClient,
		s.cfg.Redis.JobStreamKey,
		s.cfg.Redis.ConsumerGroup,
		s.cfg.Redis.ProgressChan,
		s.cfg.Redis.AlertsChan,
	)
	accelerator := dispatch.NewAccelerator(cDispatchRepo, s.logger)

	coordUC := coordUsecase.NewCoordUseCase(s.cfg, cRepo, accelerator, s.logger)
	coordHandlers := coordHttp.NewCoordHandler(coordUC, s.logger)

	s.reconciler = reconciler.NewReconciler(s.cfg, cRepo, accelerator, s.logger)

	mw := middleware.NewMiddlewareManager(s.cfg, s.logger)

	v1 := e.Group("/api/v1")
	health := v1.Group("/health")
	jobGroup := v1.Group("/jobs")
	workerGroup := v1.Group("/workers")

	coordHttp.MapCoordRoutes(jobGroup, workerGroup, coordHandlers, mw)
	health.GET("", func(c echo.Context) error {
		s.logger.Infof("Health check RequestID: %s", utils.GetRequestID(c))
		return c.JSON(http.StatusOK, map[string]string{
			"status":      "OK",
			"accelerator": accelerator.State().String(),
		})
	})
	return nil
}
