package session

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/lumehealth/lume-sync/pkg/models"
	"github.com/pkg/errors"
)

type handler struct {
	manager *Manager
}

func (h *handler) login(c echo.Context) error {
	ctx := c.Request().Context()

	payload := LoginPayload{}
	if err := c.Bind(&payload); err != nil {
		return errors.WithStack(err)
	}

	err := h.manager.Login(ctx, payload.UserID, models.TokenPair{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
	})
	if err != nil {
		return errors.WithStack(err)
	}

	return errors.WithStack(c.JSON(http.StatusOK, echo.Map{
		"user_id":   payload.UserID,
		"logged_in": true,
	}))
}

func (h *handler) logout(c echo.Context) error {
	ctx := c.Request().Context()

	payload := LogoutPayload{}
	if err := c.Bind(&payload); err != nil {
		return errors.WithStack(err)
	}

	if err := h.manager.Logout(ctx, payload.UserID); err != nil {
		return errors.WithStack(err)
	}

	return errors.WithStack(c.JSON(http.StatusOK, echo.Map{
		"user_id":   payload.UserID,
		"logged_in": false,
	}))
}
