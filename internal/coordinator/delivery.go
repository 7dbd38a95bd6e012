package coordinator

import "github.com/labstack/echo/v4"

type Handlers interface {
	CreateJob() echo.HandlerFunc
	ClaimJob() echo.HandlerFunc
	ReportProgress() echo.HandlerFunc
	CompleteJob() echo.HandlerFunc
	FailJob() echo.HandlerFunc
	GetJobState() echo.HandlerFunc
	RegisterWorker() echo.HandlerFunc
	Heartbeat() echo.HandlerFunc
	ListWorkers() echo.HandlerFunc
}
