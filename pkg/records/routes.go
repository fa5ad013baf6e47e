package records

import (
	"github.com/labstack/echo/v4"
	"github.com/lumehealth/lume-sync/pkg/outbox"
)

// RegisterRoutes registers the records and sync-status routes.
func RegisterRoutes(e *echo.Echo, recordsService *Service, outboxService *outbox.Service) {
	h := &handler{
		recordsService: recordsService,
		outboxService:  outboxService,
	}

	g := e.Group("/records")
	g.POST("", h.create)
	g.GET("", h.list)
	g.DELETE("/:id", h.delete)

	sync := e.Group("/sync")
	sync.GET("/status", h.syncStatus)
	sync.POST("/retry", h.retrySync)
}
