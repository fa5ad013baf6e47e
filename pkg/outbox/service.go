package outbox

import (
	"context"
	"time"

	"github.com/lumehealth/lume-sync/pkg/models"
	"github.com/pkg/errors"
	"github.com/uptrace/bun"
)

// Service owns the outbox_events table: the durable queue of "this local
// record still needs to be delivered". Events are only ever created inside
// the same transaction as the record write they describe, which is what makes
// delivery survive crashes between commit and dispatch.
type Service struct {
	db *bun.DB
}

func NewService(db *bun.DB) *Service {
	return &Service{db}
}

// EnqueueTx inserts the delivery intent for a record inside the caller's
// transaction. If the record already has a non-terminal event, that event is
// refreshed instead: the partial unique index on active events turns the
// insert into an update, so at most one non-terminal event exists per record.
// A refreshed event gets a fresh attempt budget and is due immediately; new
// data should not wait out backoff earned by an older delivery.
func (svc *Service) EnqueueTx(ctx context.Context, idb bun.IDB, record *models.Record, isNew bool) error {
	now := time.Now()
	ev := &models.OutboxEvent{
		EntityType:    record.EntityType,
		LocalRecordID: record.LocalID,
		UserID:        record.UserID,
		IsNewRecord:   isNew,
		Status:        models.OutboxStatusPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	_, err := idb.NewInsert().
		Model(ev).
		On("CONFLICT (local_record_id) WHERE status IN ('pending', 'processing') DO UPDATE").
		Set("updated_at = EXCLUDED.updated_at").
		Set("next_attempt_at = EXCLUDED.next_attempt_at").
		Set("attempt_count = 0").
		Exec(ctx)
	if err != nil {
		return errors.WithStack(err)
	}

	return nil
}

// ClaimDue picks up the user's due pending events in FIFO order and marks
// them processing. The engine runs one dispatcher per user, so the
// select-then-update pair doesn't race with another claimer.
func (svc *Service) ClaimDue(ctx context.Context, userID string, limit int, now time.Time) ([]*models.OutboxEvent, error) {
	events := []*models.OutboxEvent{}
	err := svc.db.NewSelect().
		Model(&events).
		Where("oe.user_id = ?", userID).
		Where("oe.status = ?", models.OutboxStatusPending).
		Where("oe.next_attempt_at <= ?", now).
		Order("oe.id ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if len(events) == 0 {
		return events, nil
	}

	ids := make([]int64, 0, len(events))
	for _, ev := range events {
		ids = append(ids, ev.ID)
	}

	claimedAt := time.Now()
	_, err = svc.db.NewUpdate().
		Model((*models.OutboxEvent)(nil)).
		Set("status = ?", models.OutboxStatusProcessing).
		Set("updated_at = ?", claimedAt).
		Where("id IN (?)", bun.In(ids)).
		Exec(ctx)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	for _, ev := range events {
		ev.Status = models.OutboxStatusProcessing
		ev.UpdatedAt = claimedAt
	}

	return events, nil
}

// CompleteEvent marks a delivered event completed. If the record was written
// again while the event was in flight (the enqueue upsert bumps updated_at),
// the delivered state is stale, so the event is requeued instead of
// completed to preserve at-least-once delivery of the newest state.
func (svc *Service) CompleteEvent(ctx context.Context, ev *models.OutboxEvent) (requeued bool, err error) {
	res, err := svc.db.NewUpdate().
		Model((*models.OutboxEvent)(nil)).
		Set("status = ?", models.OutboxStatusCompleted).
		Set("updated_at = ?", time.Now()).
		Where("id = ?", ev.ID).
		Where("updated_at = ?", ev.UpdatedAt).
		Exec(ctx)
	if err != nil {
		return false, errors.WithStack(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, errors.WithStack(err)
	}
	if affected > 0 {
		ev.Status = models.OutboxStatusCompleted
		return false, nil
	}

	_, err = svc.db.NewUpdate().
		Model((*models.OutboxEvent)(nil)).
		Set("status = ?", models.OutboxStatusPending).
		Set("attempt_count = 0").
		Set("next_attempt_at = ?", time.Now()).
		Where("id = ?", ev.ID).
		Exec(ctx)
	if err != nil {
		return false, errors.WithStack(err)
	}
	return true, nil
}

// RescheduleEvent records a transient delivery failure and pushes the event
// back to pending with its next attempt time.
func (svc *Service) RescheduleEvent(ctx context.Context, ev *models.OutboxEvent, cause string, nextAttemptAt time.Time) error {
	ev.AttemptCount++
	ev.Status = models.OutboxStatusPending
	ev.NextAttemptAt = nextAttemptAt
	ev.LastError = &cause
	ev.UpdatedAt = time.Now()

	_, err := svc.db.NewUpdate().
		Model(ev).
		Column("attempt_count", "status", "next_attempt_at", "last_error", "updated_at").
		WherePK().
		Exec(ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// ReleaseEvent puts a claimed event back to pending without counting an
// attempt against it. Used when the dispatcher stops mid-batch and the event
// was never actually sent.
func (svc *Service) ReleaseEvent(ctx context.Context, ev *models.OutboxEvent) error {
	ev.Status = models.OutboxStatusPending
	ev.UpdatedAt = time.Now()

	_, err := svc.db.NewUpdate().
		Model(ev).
		Column("status", "updated_at").
		WherePK().
		Exec(ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// FailEventPermanently parks the event. It stays in the table until a caller
// retries it explicitly or the record is deleted.
func (svc *Service) FailEventPermanently(ctx context.Context, ev *models.OutboxEvent, cause string) error {
	ev.Status = models.OutboxStatusFailedPermanent
	ev.LastError = &cause
	ev.UpdatedAt = time.Now()

	_, err := svc.db.NewUpdate().
		Model(ev).
		Column("status", "last_error", "updated_at").
		WherePK().
		Exec(ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// RetryFailed puts a user's permanently failed events back in the queue and
// resets their records to pending so the UI reflects the new attempt.
func (svc *Service) RetryFailed(ctx context.Context, userID string) (int, error) {
	now := time.Now()
	res, err := svc.db.NewUpdate().
		Model((*models.OutboxEvent)(nil)).
		Set("status = ?", models.OutboxStatusPending).
		Set("attempt_count = 0").
		Set("next_attempt_at = ?", now).
		Set("updated_at = ?", now).
		Where("user_id = ?", userID).
		Where("status = ?", models.OutboxStatusFailedPermanent).
		Exec(ctx)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, errors.WithStack(err)
	}

	if affected > 0 {
		_, err = svc.db.NewUpdate().
			Model((*models.Record)(nil)).
			Set("sync_status = ?", models.RecordStatusPending).
			Set("updated_at = ?", now).
			Where("user_id = ?", userID).
			Where("sync_status = ?", models.RecordStatusFailed).
			Exec(ctx)
		if err != nil {
			return 0, errors.WithStack(err)
		}
	}

	return int(affected), nil
}

// ResetStuckProcessing requeues events left in processing by a crash. Called
// once at startup before any dispatcher runs.
func (svc *Service) ResetStuckProcessing(ctx context.Context) (int, error) {
	res, err := svc.db.NewUpdate().
		Model((*models.OutboxEvent)(nil)).
		Set("status = ?", models.OutboxStatusPending).
		Set("updated_at = ?", time.Now()).
		Where("status = ?", models.OutboxStatusProcessing).
		Exec(ctx)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return int(affected), nil
}

// PruneCompleted deletes completed events older than the cutoff. Terminal
// failures are deliberately kept.
func (svc *Service) PruneCompleted(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := svc.db.NewDelete().
		Model((*models.OutboxEvent)(nil)).
		Where("status = ?", models.OutboxStatusCompleted).
		Where("updated_at < ?", olderThan).
		Exec(ctx)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return int(affected), nil
}

// PendingCount reports how many non-terminal events a user has queued.
func (svc *Service) PendingCount(ctx context.Context, userID string) (int, error) {
	count, err := svc.db.NewSelect().
		Model((*models.OutboxEvent)(nil)).
		Where("user_id = ?", userID).
		Where("status IN (?)", bun.In([]string{models.OutboxStatusPending, models.OutboxStatusProcessing})).
		Count(ctx)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return count, nil
}
