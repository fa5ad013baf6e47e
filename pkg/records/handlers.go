package records

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/lumehealth/lume-sync/pkg/dedup"
	"github.com/lumehealth/lume-sync/pkg/errcodes"
	"github.com/lumehealth/lume-sync/pkg/outbox"
	"github.com/pkg/errors"
	"github.com/segmentio/encoding/json"
)

type handler struct {
	recordsService *Service
	outboxService  *outbox.Service
}

func (h *handler) create(c echo.Context) error {
	ctx := c.Request().Context()

	payload := CreateRecordPayload{}
	if err := c.Bind(&payload); err != nil {
		return errors.WithStack(err)
	}

	candidate := dedup.Candidate{
		EntityType:     payload.EntityType,
		UserID:         payload.UserID,
		Value:          payload.Value,
		ValueTimestamp: payload.ValueTimestamp,
		SubDayTime:     payload.SubDayTime,
	}
	if len(payload.Payload) > 0 {
		b, err := json.Marshal(payload.Payload)
		if err != nil {
			return errcodes.MalformedPayload()
		}
		candidate.Payload = string(b)
	}

	record, err := h.recordsService.Save(ctx, candidate)
	if err != nil {
		return errors.WithStack(err)
	}

	return errors.WithStack(c.JSON(http.StatusCreated, record))
}

func (h *handler) list(c echo.Context) error {
	ctx := c.Request().Context()

	params := ListRecordsQuery{}
	if err := c.Bind(&params); err != nil {
		return errors.WithStack(err)
	}

	opts := FetchOptions{UserID: params.UserID}
	if params.EntityType != nil {
		opts.EntityType = *params.EntityType
	}
	if params.From != nil {
		from, err := time.Parse("2006-01-02", *params.From)
		if err != nil {
			return errcodes.ValidationError("from should be in the format of YYYY-MM-DD")
		}
		opts.From = from
	}
	if params.To != nil {
		to, err := time.Parse("2006-01-02", *params.To)
		if err != nil {
			return errcodes.ValidationError("to should be in the format of YYYY-MM-DD")
		}
		// To is an inclusive date in the query, exclusive in the fetch.
		opts.To = to.AddDate(0, 0, 1)
	}

	records, err := h.recordsService.Fetch(ctx, opts)
	if err != nil {
		return errors.WithStack(err)
	}

	return errors.WithStack(c.JSON(http.StatusOK, echo.Map{
		"records": records,
		"total":   len(records),
	}))
}

func (h *handler) delete(c echo.Context) error {
	ctx := c.Request().Context()

	params := DeleteRecordQuery{}
	if err := c.Bind(&params); err != nil {
		return errors.WithStack(err)
	}

	if err := h.recordsService.Delete(ctx, params.UserID, c.Param("id")); err != nil {
		return errors.WithStack(err)
	}

	return errors.WithStack(c.NoContent(http.StatusNoContent))
}

func (h *handler) syncStatus(c echo.Context) error {
	ctx := c.Request().Context()

	params := SyncStatusQuery{}
	if err := c.Bind(&params); err != nil {
		return errors.WithStack(err)
	}

	summary, err := h.recordsService.SyncStatusSummary(ctx, params.UserID)
	if err != nil {
		return errors.WithStack(err)
	}

	return errors.WithStack(c.JSON(http.StatusOK, summary))
}

func (h *handler) retrySync(c echo.Context) error {
	ctx := c.Request().Context()

	payload := RetrySyncPayload{}
	if err := c.Bind(&payload); err != nil {
		return errors.WithStack(err)
	}

	retried, err := h.outboxService.RetryFailed(ctx, payload.UserID)
	if err != nil {
		return errors.WithStack(err)
	}

	return errors.WithStack(c.JSON(http.StatusOK, echo.Map{
		"retried": retried,
	}))
}
