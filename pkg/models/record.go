package models

import (
	"time"

	"github.com/uptrace/bun"
)

const (
	RecordStatusPending = "pending"
	RecordStatusSyncing = "syncing"
	RecordStatusSynced  = "synced"
	RecordStatusFailed  = "failed"
)

// Record is a locally persisted health fact. The local copy is the source of
// truth for reads; BackendID is only set after the remote backend has
// acknowledged the record at least once.
type Record struct {
	bun.BaseModel `bun:"table:records,alias:r"`

	LocalID        string     `bun:",pk" json:"local_id"`
	BackendID      *string    `bun:",nullzero" json:"backend_id,omitempty"`
	EntityType     string     `bun:",nullzero" json:"entity_type"`
	UserID         string     `bun:",nullzero" json:"user_id"`
	Value          float64    `json:"value"`
	Payload        string     `bun:",nullzero" json:"payload,omitempty"`
	ValueTimestamp time.Time  `json:"value_timestamp"`
	SubDayTime     *string    `bun:",nullzero" json:"sub_day_time,omitempty"`
	SyncStatus     string     `bun:",nullzero" json:"sync_status"`
	LastSyncedAt   *time.Time `bun:",nullzero" json:"last_synced_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Day returns the record's value timestamp truncated to its calendar day in
// UTC. Dedup match keys are built on it.
func (r *Record) Day() time.Time {
	return DayOf(r.ValueTimestamp)
}

// DayOf truncates a timestamp to its UTC calendar day.
func DayOf(ts time.Time) time.Time {
	y, m, d := ts.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
