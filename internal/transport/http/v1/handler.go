// Package v1 implements the versioned HTTP handlers.
package v1

import (
	"time"

	"github.com/labstack/echo/v4"

	"github.com/agencyenterprise/AE-Scientist-sub002/internal/service"
)

// StreamConfig tunes the websocket stream.
type StreamConfig struct {
	KeepaliveInterval time.Duration
}

// Handler serves the run supervision API.
type Handler struct {
	service *service.Service
	stream  StreamConfig
}

// NewHandler creates a handler backed by the service.
func NewHandler(svc *service.Service, stream StreamConfig) *Handler {
	if stream.KeepaliveInterval <= 0 {
		stream.KeepaliveInterval = 25 * time.Second
	}
	return &Handler{service: svc, stream: stream}
}

// RegisterRoutes registers all routes on the echo instance.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// Viewer-facing
	e.POST("/v1/runs", h.LaunchRun)
	e.GET("/v1/runs/:run_id", h.GetRun)
	e.GET("/v1/runs/:run_id/state", h.GetState)
	e.GET("/v1/runs/:run_id/events", h.ListEvents)
	e.GET("/v1/runs/:run_id/stream", h.StreamRun)
	e.POST("/v1/runs/:run_id/terminate", h.TerminateRun)

	// Called from inside the running job
	e.POST("/internal/v1/runs/:run_id/events", h.IngestEvent)
	e.POST("/internal/v1/runs/:run_id/heartbeat", h.Heartbeat)
	e.POST("/internal/v1/runs/:run_id/complete", h.CompleteRun)
}
