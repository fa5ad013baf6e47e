package migrations

import (
	"context"

	"github.com/pkg/errors"
	"github.com/uptrace/bun"
)

func init() {
	up := func(_ context.Context, db *bun.DB) error {
		_, err := db.Exec(`
			CREATE TABLE records (
				local_id TEXT PRIMARY KEY,
				backend_id TEXT,
				entity_type TEXT NOT NULL,
				user_id TEXT NOT NULL,
				value REAL NOT NULL DEFAULT 0,
				payload TEXT,
				value_timestamp TIMESTAMPTZ NOT NULL,
				sub_day_time TEXT,
				sync_status TEXT NOT NULL DEFAULT 'pending',
				last_synced_at TIMESTAMPTZ,
				created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
			)
		`)
		if err != nil {
			return errors.WithStack(err)
		}

		// Dedup resolution and the read path both query by user, type, and
		// time window.
		_, err = db.Exec(`CREATE INDEX ix_records_user_type_ts ON records(user_id, entity_type, value_timestamp)`)
		if err != nil {
			return errors.WithStack(err)
		}

		// Sync status summary queries.
		_, err = db.Exec(`CREATE INDEX ix_records_user_status ON records(user_id, sync_status)`)
		if err != nil {
			return errors.WithStack(err)
		}

		_, err = db.Exec(`
			CREATE TABLE outbox_events (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				entity_type TEXT NOT NULL,
				local_record_id TEXT NOT NULL REFERENCES records(local_id) ON DELETE CASCADE,
				user_id TEXT NOT NULL,
				is_new_record BOOLEAN NOT NULL DEFAULT FALSE,
				attempt_count INTEGER NOT NULL DEFAULT 0,
				next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				status TEXT NOT NULL DEFAULT 'pending',
				last_error TEXT,
				created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
			)
		`)
		if err != nil {
			return errors.WithStack(err)
		}

		// At most one non-terminal event per record. Enforced in SQLite with
		// a partial unique index so a repeat write hits the upsert path
		// instead of inserting a second event.
		_, err = db.Exec(`
			CREATE UNIQUE INDEX ux_outbox_events_active_record
			ON outbox_events(local_record_id)
			WHERE status IN ('pending', 'processing')
		`)
		if err != nil {
			return errors.WithStack(err)
		}

		// Dispatcher claim query: due pending events for one user in FIFO
		// order.
		_, err = db.Exec(`CREATE INDEX ix_outbox_events_user_status_due ON outbox_events(user_id, status, next_attempt_at)`)
		if err != nil {
			return errors.WithStack(err)
		}

		_, err = db.Exec(`
			CREATE TABLE sessions (
				user_id TEXT PRIMARY KEY,
				access_token TEXT NOT NULL,
				refresh_token TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
			)
		`)
		if err != nil {
			return errors.WithStack(err)
		}

		return nil
	}

	down := func(_ context.Context, db *bun.DB) error {
		_, err := db.Exec(`DROP TABLE IF EXISTS sessions`)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec(`DROP TABLE IF EXISTS outbox_events`)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec(`DROP TABLE IF EXISTS records`)
		if err != nil {
			return errors.WithStack(err)
		}
		return nil
	}

	Migrations.MustRegister(up, down)
}
