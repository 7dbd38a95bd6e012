package middleware

import (
	"time"

	"github.com/filthyrake/vlog-coordinator/internal/config"
	"github.com/filthyrake/vlog-coordinator/pkg/logger"
	"github.com/filthyrake/vlog-coordinator/pkg/utils"
	"github.com/labstack/echo/v4"
)

type MiddlewareManager struct {
	cfg    *config.Config
	logger logger.Logger
}

// Middleware manager constructor
func NewMiddlewareManager(cfg *config.Config, logger logger.Logger) *MiddlewareManager {
	return &MiddlewareManager{cfg: cfg, logger: logger}
}

func (mw *MiddlewareManager) RequestLoggerMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		mw.logger.Infof("RequestID: %s, Method: %s, URI: %s, Status: %v, Time: %s",
			utils.GetRequestID(c),
			c.Request().Method,
			c.Request().URL,
			c.Response().Status,
			time.Since(start),
		)
		return err
	}
}
