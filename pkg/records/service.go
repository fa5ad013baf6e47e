package records

import (
	"context"
	"database/sql"
	"time"

	"github.com/lumehealth/lume-sync/pkg/dedup"
	"github.com/lumehealth/lume-sync/pkg/errcodes"
	"github.com/lumehealth/lume-sync/pkg/models"
	"github.com/lumehealth/lume-sync/pkg/notify"
	"github.com/lumehealth/lume-sync/pkg/outbox"
	"github.com/pkg/errors"
	"github.com/uptrace/bun"
)

// RefreshScheduler is notified after every local read so it can decide
// whether the read window is stale enough to warrant a background pull from
// the origin. Reads never wait on it.
type RefreshScheduler interface {
	ScheduleRefresh(userID string, entityType string)
}

// Service owns the local store. Every write commits locally first: the
// record, its dedup resolution, and its outbox event land in one
// transaction, and only after that commit does anything else (notification,
// eventually the network) happen.
type Service struct {
	db        *bun.DB
	dedup     *dedup.Service
	outbox    *outbox.Service
	notifier  *notify.Notifier
	scheduler RefreshScheduler
}

func NewService(db *bun.DB, dedupService *dedup.Service, outboxService *outbox.Service, notifier *notify.Notifier) *Service {
	return &Service{
		db:       db,
		dedup:    dedupService,
		outbox:   outboxService,
		notifier: notifier,
	}
}

// SetRefreshScheduler wires the staleness checker. Set once at startup,
// before the server takes reads.
func (svc *Service) SetRefreshScheduler(s RefreshScheduler) {
	svc.scheduler = s
}

// Save writes a single candidate through the full dedup + outbox path.
func (svc *Service) Save(ctx context.Context, candidate dedup.Candidate) (*models.Record, error) {
	res, err := svc.SaveBatch(ctx, candidate.UserID, []dedup.Candidate{candidate})
	if err != nil {
		return nil, err
	}
	return res.All[0], nil
}

// SaveBatch resolves a batch of candidates against the store and commits
// the outcome in one transaction: new records inserted, cumulative merges
// applied, and an outbox event upserted for every record that changed.
// Subscribers are notified only after the transaction has committed, so a
// notification never describes state that could still roll back.
func (svc *Service) SaveBatch(ctx context.Context, userID string, candidates []dedup.Candidate) (*dedup.Resolution, error) {
	if len(candidates) == 0 {
		return &dedup.Resolution{}, nil
	}

	var res *dedup.Resolution
	err := svc.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		res, err = svc.dedup.Resolve(ctx, tx, userID, candidates)
		if err != nil {
			return err
		}

		if len(res.Inserted) > 0 {
			if _, err := tx.NewInsert().Model(&res.Inserted).Exec(ctx); err != nil {
				return errors.WithStack(err)
			}
		}
		for _, r := range res.Merged {
			_, err := tx.NewUpdate().
				Model(r).
				Column("value", "payload", "sync_status", "updated_at").
				WherePK().
				Exec(ctx)
			if err != nil {
				return errors.WithStack(err)
			}
		}

		for _, r := range res.Inserted {
			if err := svc.outbox.EnqueueTx(ctx, tx, r, true); err != nil {
				return err
			}
		}
		for _, r := range res.Merged {
			if err := svc.outbox.EnqueueTx(ctx, tx, r, r.BackendID == nil); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, r := range res.Inserted {
		svc.publish(r)
	}
	for _, r := range res.Merged {
		svc.publish(r)
	}

	return res, nil
}

func (svc *Service) publish(r *models.Record) {
	svc.notifier.Publish(notify.Event{
		UserID:        r.UserID,
		EntityType:    r.EntityType,
		LocalRecordID: r.LocalID,
		SyncStatus:    r.SyncStatus,
	})
}

type FetchOptions struct {
	UserID     string
	EntityType string
	From       time.Time
	To         time.Time
}

// Fetch answers from the local store only. If a refresh scheduler is wired
// and the read names an entity type, the scheduler is poked so stale windows
// get refreshed behind the reader.
func (svc *Service) Fetch(ctx context.Context, opts FetchOptions) ([]*models.Record, error) {
	records := []*models.Record{}
	q := svc.db.NewSelect().
		Model(&records).
		Where("r.user_id = ?", opts.UserID).
		Order("r.value_timestamp ASC")
	if opts.EntityType != "" {
		q = q.Where("r.entity_type = ?", opts.EntityType)
	}
	if !opts.From.IsZero() {
		q = q.Where("r.value_timestamp >= ?", opts.From)
	}
	if !opts.To.IsZero() {
		q = q.Where("r.value_timestamp < ?", opts.To)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, errors.WithStack(err)
	}

	if svc.scheduler != nil && opts.EntityType != "" {
		svc.scheduler.ScheduleRefresh(opts.UserID, opts.EntityType)
	}

	return records, nil
}

func (svc *Service) RetrieveRecord(ctx context.Context, localID string) (*models.Record, error) {
	record := &models.Record{}
	err := svc.db.NewSelect().
		Model(record).
		Where("r.local_id = ?", localID).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errcodes.NotFound("Record")
		}
		return nil, errors.WithStack(err)
	}
	return record, nil
}

// Delete removes a record and its undelivered outbox events in one
// transaction, so the dispatcher can't ship a record that no longer exists.
func (svc *Service) Delete(ctx context.Context, userID, localID string) error {
	return svc.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		result, err := tx.NewDelete().
			Model((*models.Record)(nil)).
			Where("local_id = ?", localID).
			Where("user_id = ?", userID).
			Exec(ctx)
		if err != nil {
			return errors.WithStack(err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return errors.WithStack(err)
		}
		if affected == 0 {
			return errcodes.NotFound("Record")
		}

		_, err = tx.NewDelete().
			Model((*models.OutboxEvent)(nil)).
			Where("local_record_id = ?", localID).
			Where("status IN (?)", bun.In([]string{models.OutboxStatusPending, models.OutboxStatusProcessing})).
			Exec(ctx)
		if err != nil {
			return errors.WithStack(err)
		}
		return nil
	})
}

// MarkSyncing flips the record to syncing while its event is in flight.
func (svc *Service) MarkSyncing(ctx context.Context, localID string) error {
	return svc.setStatus(ctx, localID, models.RecordStatusSyncing)
}

// MarkPending flips the record back to pending, e.g. when its delivery got
// rescheduled for a later attempt.
func (svc *Service) MarkPending(ctx context.Context, localID string) error {
	return svc.setStatus(ctx, localID, models.RecordStatusPending)
}

// MarkFailed flips the record to failed after its event has been given up
// on. The record stays readable locally either way.
func (svc *Service) MarkFailed(ctx context.Context, localID string) error {
	return svc.setStatus(ctx, localID, models.RecordStatusFailed)
}

func (svc *Service) setStatus(ctx context.Context, localID, status string) error {
	_, err := svc.db.NewUpdate().
		Model((*models.Record)(nil)).
		Set("sync_status = ?", status).
		Set("updated_at = ?", time.Now()).
		Where("local_id = ?", localID).
		Exec(ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// MarkSynced records the backend acknowledgement: backend id, synced status,
// and the sync time.
func (svc *Service) MarkSynced(ctx context.Context, localID, backendID string, at time.Time) error {
	_, err := svc.db.NewUpdate().
		Model((*models.Record)(nil)).
		Set("backend_id = ?", backendID).
		Set("sync_status = ?", models.RecordStatusSynced).
		Set("last_synced_at = ?", at).
		Set("updated_at = ?", time.Now()).
		Where("local_id = ?", localID).
		Exec(ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// SetBackendID stores the backend id without touching sync status. Used
// when an acknowledged record was rewritten mid-flight: the new write is
// already pending again, but the backend identity must not be lost.
func (svc *Service) SetBackendID(ctx context.Context, localID, backendID string) error {
	_, err := svc.db.NewUpdate().
		Model((*models.Record)(nil)).
		Set("backend_id = ?", backendID).
		Where("local_id = ?", localID).
		Exec(ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// SyncStatusSummary is what the presentation layer shows for "is my data
// safe" style indicators.
type SyncStatusSummary struct {
	PendingCount int        `json:"pending_count"`
	FailedCount  int        `json:"failed_count"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
}

func (svc *Service) SyncStatusSummary(ctx context.Context, userID string) (*SyncStatusSummary, error) {
	summary := &SyncStatusSummary{}

	pending, err := svc.db.NewSelect().
		Model((*models.Record)(nil)).
		Where("r.user_id = ?", userID).
		Where("r.sync_status IN (?)", bun.In([]string{models.RecordStatusPending, models.RecordStatusSyncing})).
		Count(ctx)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	summary.PendingCount = pending

	failed, err := svc.db.NewSelect().
		Model((*models.Record)(nil)).
		Where("r.user_id = ?", userID).
		Where("r.sync_status = ?", models.RecordStatusFailed).
		Count(ctx)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	summary.FailedCount = failed

	latest := &models.Record{}
	err = svc.db.NewSelect().
		Model(latest).
		Where("r.user_id = ?", userID).
		Where("r.last_synced_at IS NOT NULL").
		Order("r.last_synced_at DESC").
		Limit(1).
		Scan(ctx)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, errors.WithStack(err)
	}
	if err == nil {
		summary.LastSyncedAt = latest.LastSyncedAt
	}

	return summary, nil
}
