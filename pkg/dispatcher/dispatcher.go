package dispatcher

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/lumehealth/lume-sync/pkg/config"
	"github.com/lumehealth/lume-sync/pkg/gateway"
	"github.com/lumehealth/lume-sync/pkg/models"
	"github.com/lumehealth/lume-sync/pkg/notify"
	"github.com/lumehealth/lume-sync/pkg/outbox"
	"github.com/lumehealth/lume-sync/pkg/records"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
	"github.com/segmentio/encoding/json"
)

const claimBatchSize = 20

// Gateway is the slice of the remote client the dispatcher needs.
type Gateway interface {
	CreateRecord(ctx context.Context, accessToken string, payload gateway.RecordPayload) (*gateway.RecordResponse, error)
	UpdateRecord(ctx context.Context, accessToken, backendID string, payload gateway.RecordPayload) (*gateway.RecordResponse, error)
}

// TokenSource hands out access tokens and coordinates refreshes. Satisfied
// by tokens.Coordinator.
type TokenSource interface {
	AccessToken(ctx context.Context, userID string) (string, error)
	RefreshAccessToken(ctx context.Context, userID, staleToken string) (string, error)
}

// Dispatcher drains one user's outbox in the background: claim due events,
// ship the record's current state to the backend, and settle the outcome.
// One dispatcher runs per logged-in user; the session manager owns its
// lifecycle.
type Dispatcher struct {
	cfg    *config.Config
	log    logger.Logger
	userID string

	recordsService *records.Service
	outboxService  *outbox.Service
	notifier       *notify.Notifier
	gateway        Gateway
	tokens         TokenSource

	// onAuthFailure fires when a freshly refreshed token is still rejected.
	onAuthFailure func(userID string)

	shutdown chan struct{}
	done     chan struct{}
}

func New(cfg *config.Config, userID string, recordsService *records.Service, outboxService *outbox.Service, notifier *notify.Notifier, gw Gateway, tokenSource TokenSource) *Dispatcher {
	return &Dispatcher{
		cfg:            cfg,
		log:            logger.New().Root(logger.Data{"user_id": userID}),
		userID:         userID,
		recordsService: recordsService,
		outboxService:  outboxService,
		notifier:       notifier,
		gateway:        gw,
		tokens:         tokenSource,
		shutdown:       make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// OnAuthFailure registers the teardown callback for the
// rejected-after-refresh case. Set before Start.
func (d *Dispatcher) OnAuthFailure(fn func(userID string)) {
	d.onAuthFailure = fn
}

func (d *Dispatcher) Start() {
	go d.run()
}

// Stop signals the loop and waits for the in-flight batch to settle.
func (d *Dispatcher) Stop() {
	close(d.shutdown)
	<-d.done
}

func (d *Dispatcher) run() {
	defer close(d.done)

	dispatchTimer := time.NewTimer(d.cfg.DispatchInterval)
	defer dispatchTimer.Stop()
	pruneTicker := time.NewTicker(d.cfg.PruneInterval)
	defer pruneTicker.Stop()

	for {
		select {
		case <-d.shutdown:
			return
		case <-dispatchTimer.C:
			d.dispatchDue()
			dispatchTimer.Reset(d.cfg.DispatchInterval)
		case <-pruneTicker.C:
			pruned, err := d.outboxService.PruneCompleted(context.Background(), time.Now().Add(-d.cfg.PruneInterval))
			if err != nil {
				d.log.Err(err).Error("prune completed events error")
			} else if pruned > 0 {
				d.log.Info("pruned completed events", logger.Data{"count": pruned})
			}
		}
	}
}

func (d *Dispatcher) dispatchDue() {
	ctx := context.Background()

	events, err := d.outboxService.ClaimDue(ctx, d.userID, claimBatchSize, time.Now())
	if err != nil {
		d.log.Err(err).Error("claim due events error")
		return
	}

	for i, ev := range events {
		if i > 0 {
			// Space calls out so a burst of local writes doesn't hammer the
			// backend.
			select {
			case <-d.shutdown:
				d.releaseRemaining(ctx, events[i:])
				return
			case <-time.After(d.cfg.DispatchMinSpacing):
			}
		}
		select {
		case <-d.shutdown:
			d.releaseRemaining(ctx, events[i:])
			return
		default:
		}
		d.dispatchEvent(ctx, ev)
	}
}

// releaseRemaining hands claimed-but-unsent events back to the queue so a
// later session picks them up with their attempt budget intact.
func (d *Dispatcher) releaseRemaining(ctx context.Context, events []*models.OutboxEvent) {
	for _, ev := range events {
		if err := d.outboxService.ReleaseEvent(ctx, ev); err != nil {
			d.log.Err(err).Error("release claimed event error", logger.Data{"event_id": ev.ID})
		}
	}
}

func (d *Dispatcher) dispatchEvent(ctx context.Context, ev *models.OutboxEvent) {
	log := d.log.ID(uuid.NewString()).Root(logger.Data{
		"user_id":         d.userID,
		"event_id":        ev.ID,
		"local_record_id": ev.LocalRecordID,
		"entity_type":     ev.EntityType,
	})
	ctx = log.WithContext(ctx)

	record, err := d.recordsService.RetrieveRecord(ctx, ev.LocalRecordID)
	if err != nil {
		// The record went away under the event; nothing left to deliver.
		log.Err(err).Warn("record missing for event, completing")
		if _, cerr := d.outboxService.CompleteEvent(ctx, ev); cerr != nil {
			log.Err(cerr).Error("complete orphaned event error")
		}
		return
	}

	if err := d.recordsService.MarkSyncing(ctx, record.LocalID); err != nil {
		log.Err(err).Error("mark record syncing error")
		return
	}

	token, err := d.tokens.AccessToken(ctx, d.userID)
	if err != nil {
		// The backend never saw this event, so no delivery attempt is spent.
		// Hand it back and leave the record pending; if the refresh failure
		// was terminal the coordinator has already torn the session down, and
		// the event resumes on the next login.
		log.Err(err).Warn("no usable access token")
		if err := d.outboxService.ReleaseEvent(ctx, ev); err != nil {
			log.Err(err).Error("release event error")
		}
		if err := d.recordsService.MarkPending(ctx, record.LocalID); err != nil {
			log.Err(err).Error("mark record pending error")
		}
		return
	}

	resp, err := d.send(ctx, token, record)
	if errors.Is(err, gateway.ErrUnauthorized) {
		// The token went stale between the expiry check and the call. One
		// refresh, one retry of the same event.
		token, err = d.tokens.RefreshAccessToken(ctx, d.userID, token)
		if err != nil {
			log.Err(err).Warn("refresh after 401 failed")
			if err := d.outboxService.ReleaseEvent(ctx, ev); err != nil {
				log.Err(err).Error("release event error")
			}
			if err := d.recordsService.MarkPending(ctx, record.LocalID); err != nil {
				log.Err(err).Error("mark record pending error")
			}
			return
		}
		resp, err = d.send(ctx, token, record)
		if errors.Is(err, gateway.ErrUnauthorized) {
			// A token the backend just issued is being rejected. That is an
			// auth failure no retry fixes.
			log.Error("fresh token rejected, tearing down session")
			if err := d.outboxService.ReleaseEvent(ctx, ev); err != nil {
				log.Err(err).Error("release event error")
			}
			if err := d.recordsService.MarkPending(ctx, record.LocalID); err != nil {
				log.Err(err).Error("mark record pending error")
			}
			if d.onAuthFailure != nil {
				d.onAuthFailure(d.userID)
			}
			return
		}
	}
	if err != nil {
		d.settleFailure(ctx, log, ev, record, err)
		return
	}

	d.settleSuccess(ctx, log, ev, record, resp.BackendID)
}

func (d *Dispatcher) send(ctx context.Context, token string, record *models.Record) (*gateway.RecordResponse, error) {
	payload := gateway.RecordPayload{
		EntityType:     record.EntityType,
		Value:          record.Value,
		ValueTimestamp: record.ValueTimestamp,
		SubDayTime:     record.SubDayTime,
		IdempotencyKey: record.LocalID,
	}
	if record.Payload != "" {
		payload.Payload = json.RawMessage(record.Payload)
	}

	if record.BackendID == nil {
		return d.gateway.CreateRecord(ctx, token, payload)
	}
	return d.gateway.UpdateRecord(ctx, token, *record.BackendID, payload)
}

func (d *Dispatcher) settleSuccess(ctx context.Context, log logger.Logger, ev *models.OutboxEvent, record *models.Record, backendID string) {
	requeued, err := d.outboxService.CompleteEvent(ctx, ev)
	if err != nil {
		log.Err(err).Error("complete event error")
		return
	}

	if requeued {
		// The record changed while this delivery was in flight. Keep the
		// backend identity but leave the record pending; the requeued event
		// ships the newer state.
		log.Info("record changed mid-flight, requeued")
		if err := d.recordsService.SetBackendID(ctx, record.LocalID, backendID); err != nil {
			log.Err(err).Error("set backend id error")
		}
		return
	}

	if err := d.recordsService.MarkSynced(ctx, record.LocalID, backendID, time.Now()); err != nil {
		log.Err(err).Error("mark record synced error")
		return
	}

	log.Info("record synced", logger.Data{"backend_id": backendID})
	d.notifier.Publish(notify.Event{
		UserID:        record.UserID,
		EntityType:    record.EntityType,
		LocalRecordID: record.LocalID,
		SyncStatus:    models.RecordStatusSynced,
	})
}

func (d *Dispatcher) settleFailure(ctx context.Context, log logger.Logger, ev *models.OutboxEvent, record *models.Record, cause error) {
	var pe *gateway.PermanentError
	permanent := errors.As(cause, &pe)
	exhausted := ev.AttemptCount+1 >= d.cfg.DispatchMaxAttempts

	if permanent || exhausted {
		log.Err(cause).Error("delivery failed permanently", logger.Data{"attempts": ev.AttemptCount + 1})
		if err := d.outboxService.FailEventPermanently(ctx, ev, cause.Error()); err != nil {
			log.Err(err).Error("fail event error")
			return
		}
		if err := d.recordsService.MarkFailed(ctx, record.LocalID); err != nil {
			log.Err(err).Error("mark record failed error")
		}
		d.notifier.Publish(notify.Event{
			UserID:        record.UserID,
			EntityType:    record.EntityType,
			LocalRecordID: record.LocalID,
			SyncStatus:    models.RecordStatusFailed,
		})
		return
	}

	delay := nextAttemptDelay(d.cfg.DispatchBackoffBase, d.cfg.DispatchBackoffMax, ev.AttemptCount)
	log.Err(cause).Warn("delivery failed, rescheduling", logger.Data{
		"attempt":  ev.AttemptCount + 1,
		"retry_in": delay.String(),
	})
	if err := d.outboxService.RescheduleEvent(ctx, ev, cause.Error(), time.Now().Add(delay)); err != nil {
		log.Err(err).Error("reschedule event error")
		return
	}
	if err := d.recordsService.MarkPending(ctx, record.LocalID); err != nil {
		log.Err(err).Error("mark record pending error")
	}
}
