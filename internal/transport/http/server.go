// Package http provides the HTTP server for the run supervision API.
package http

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/agencyenterprise/AE-Scientist-sub002/internal/service"
	v1 "github.com/agencyenterprise/AE-Scientist-sub002/internal/transport/http/v1"
)

// NewServer creates and configures the HTTP server. It carries both the
// viewer-facing routes and the internal routes the running job calls
// (events, heartbeats).
func NewServer(svc *service.Service, cfg v1.StreamConfig) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	h := v1.NewHandler(svc, cfg)
	h.RegisterRoutes(e)

	return e
}
