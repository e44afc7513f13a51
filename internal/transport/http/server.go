// Package http provides the HTTP server implementation for agentbridge.
package http

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/xiaot623/gogo/agentbridge/internal/service"
	"github.com/xiaot623/gogo/agentbridge/internal/transport/http/chat"
	v1 "github.com/xiaot623/gogo/agentbridge/internal/transport/http/v1"
)

// NewServer creates and configures the HTTP server.
func NewServer(svc *service.Service) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// Handlers
	v1Handler := v1.NewHandler(svc)
	chatHandler := chat.NewHandler(svc)

	// Register Routes
	v1Handler.RegisterRoutes(e)
	chatHandler.RegisterRoutes(e)

	return e
}
