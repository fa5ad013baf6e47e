package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lumehealth/lume-sync/pkg/config"
	"github.com/lumehealth/lume-sync/pkg/models"
	"github.com/pkg/errors"
	"github.com/segmentio/encoding/json"
)

// ErrUnauthorized is returned when the backend rejects the access token. The
// dispatcher reacts by refreshing the token and retrying the same event once;
// it is never counted as a delivery failure.
var ErrUnauthorized = errors.New("access token rejected")

// TransientError covers failures worth retrying with backoff: network
// errors, timeouts, 429, and 5xx responses. StatusCode is 0 when the request
// never got a response.
type TransientError struct {
	StatusCode int
	Cause      string
}

func (e *TransientError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("transient gateway error: %s", e.Cause)
	}
	return fmt.Sprintf("transient gateway error: status %d: %s", e.StatusCode, e.Cause)
}

// PermanentError covers 4xx rejections that retrying cannot fix.
type PermanentError struct {
	StatusCode int
	Cause      string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent gateway error: status %d: %s", e.StatusCode, e.Cause)
}

// RecordPayload is the backend's wire shape for a health record.
type RecordPayload struct {
	EntityType     string          `json:"entity_type"`
	Value          float64         `json:"value"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	ValueTimestamp time.Time       `json:"value_timestamp"`
	SubDayTime     *string         `json:"sub_day_time,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// RecordResponse is the backend's acknowledgment of a stored record.
type RecordResponse struct {
	BackendID string `json:"backend_id"`
}

// Client talks to the remote backend. All calls take the bearer token
// explicitly so the token refresh coordinator stays in charge of credential
// lifecycle.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(cfg *config.Config) *Client {
	return &Client{
		baseURL: cfg.RemoteBaseURL,
		http:    &http.Client{Timeout: cfg.RemoteTimeout},
	}
}

// CreateRecord stores a record remotely for the first time. The idempotency
// key is derived from the local record id, so redelivering the same outbox
// event can never create two remote resources.
func (c *Client) CreateRecord(ctx context.Context, accessToken string, payload RecordPayload) (*RecordResponse, error) {
	return c.sendRecord(ctx, http.MethodPost, c.baseURL+"/records", accessToken, payload)
}

// UpdateRecord upserts the current state of an already-acknowledged record.
func (c *Client) UpdateRecord(ctx context.Context, accessToken, backendID string, payload RecordPayload) (*RecordResponse, error) {
	return c.sendRecord(ctx, http.MethodPut, c.baseURL+"/records/"+backendID, accessToken, payload)
}

func (c *Client) sendRecord(ctx context.Context, method, url, accessToken string, payload RecordPayload) (*RecordResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Idempotency-Key", payload.IdempotencyKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransientError{Cause: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &TransientError{Cause: err.Error()}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		rr := &RecordResponse{}
		if err := json.Unmarshal(respBody, rr); err != nil {
			return nil, errors.Wrap(err, "failed to decode record response")
		}
		return rr, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, ErrUnauthorized
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &TransientError{StatusCode: resp.StatusCode, Cause: string(respBody)}
	default:
		return nil, &PermanentError{StatusCode: resp.StatusCode, Cause: string(respBody)}
	}
}

// Refresh exchanges a refresh token for a new rotated pair. A 4xx response
// means the token is genuinely revoked or expired; the coordinator treats
// that as terminal for the session.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*models.TokenPair, error) {
	body, err := json.Marshal(map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return nil, errors.WithStack(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/refresh", bytes.NewReader(body))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransientError{Cause: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &TransientError{Cause: err.Error()}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		pair := &models.TokenPair{}
		if err := json.Unmarshal(respBody, pair); err != nil {
			return nil, errors.Wrap(err, "failed to decode token pair")
		}
		return pair, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, &PermanentError{StatusCode: resp.StatusCode, Cause: string(respBody)}
	default:
		return nil, &TransientError{StatusCode: resp.StatusCode, Cause: string(respBody)}
	}
}
