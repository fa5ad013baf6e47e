package session

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes registers the session lifecycle routes.
func RegisterRoutes(e *echo.Echo, manager *Manager) {
	h := &handler{
		manager: manager,
	}

	g := e.Group("/session")
	g.POST("/login", h.login)
	g.POST("/logout", h.logout)
}
