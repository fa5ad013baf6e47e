package models

import (
	"time"

	"github.com/uptrace/bun"
)

const (
	OutboxStatusPending         = "pending"
	OutboxStatusProcessing      = "processing"
	OutboxStatusCompleted       = "completed"
	OutboxStatusFailedPermanent = "failed_permanent"
)

// OutboxEvent records that a local record's current state still needs to be
// delivered to the remote backend. It is created in the same transaction as
// the record write so a committed write can never lose its delivery intent.
//
// At most one non-terminal event exists per LocalRecordID; a write against a
// record that already has a pending event refreshes that event instead of
// enqueueing a second one. The dispatcher always sends the record's current
// state, so collapsing events this way is safe.
type OutboxEvent struct {
	bun.BaseModel `bun:"table:outbox_events,alias:oe"`

	ID            int64     `bun:",pk,autoincrement" json:"id"`
	EntityType    string    `bun:",nullzero" json:"entity_type"`
	LocalRecordID string    `bun:",nullzero" json:"local_record_id"`
	UserID        string    `bun:",nullzero" json:"user_id"`
	IsNewRecord   bool      `json:"is_new_record"`
	AttemptCount  int       `json:"attempt_count"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	Status        string    `bun:",nullzero" json:"status"`
	LastError     *string   `bun:",nullzero" json:"last_error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Terminal reports whether the event has reached a final state.
func (ev *OutboxEvent) Terminal() bool {
	return ev.Status == OutboxStatusCompleted || ev.Status == OutboxStatusFailedPermanent
}
