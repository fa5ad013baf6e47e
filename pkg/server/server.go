package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/lumehealth/lume-sync/pkg/binder"
	"github.com/lumehealth/lume-sync/pkg/config"
	"github.com/lumehealth/lume-sync/pkg/errcodes"
	"github.com/lumehealth/lume-sync/pkg/outbox"
	"github.com/lumehealth/lume-sync/pkg/records"
	"github.com/lumehealth/lume-sync/pkg/session"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/echo/v4/health"
	"github.com/robinjoseph08/golib/echo/v4/middleware/logger"
	"github.com/robinjoseph08/golib/echo/v4/middleware/recovery"
)

// New assembles the engine's local HTTP surface: records and sync status for
// the presentation layer, and the session lifecycle endpoints.
func New(cfg *config.Config, recordsService *records.Service, outboxService *outbox.Service, manager *session.Manager) (*http.Server, error) {
	e := echo.New()

	b, err := binder.New()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	e.Binder = b

	e.Use(logger.Middleware())
	e.Use(recovery.Middleware())

	health.RegisterRoutes(e)

	records.RegisterRoutes(e, recordsService, outboxService)
	session.RegisterRoutes(e, manager)

	echo.NotFoundHandler = notFoundHandler
	e.HTTPErrorHandler = errcodes.NewHandler().Handle

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.ServerPort),
		Handler:           e,
		ReadHeaderTimeout: 3 * time.Second,
	}

	return srv, nil
}

func notFoundHandler(c echo.Context) error {
	c.SetPath("/:path")
	return errcodes.NotFound("Page")
}
