package dedup

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/lumehealth/lume-sync/pkg/models"
	"github.com/pkg/errors"
	"github.com/uptrace/bun"
)

// Candidate is an incoming fact that has not yet been resolved against the
// local store. The presence of SubDayTime picks the matching strategy: a
// sub-day sample is matched exactly (same day and time bucket, value within
// tolerance), while a day-granular fact is merged cumulatively into the
// day's record.
type Candidate struct {
	EntityType     string
	UserID         string
	Value          float64
	Payload        string
	ValueTimestamp time.Time
	SubDayTime     *string
}

// Resolution is the outcome of resolving a batch of candidates.
//
// Inserted, Merged, and Skipped partition the batch by what should happen to
// each candidate. All holds the resolved record for every candidate in batch
// order, so callers can hand back the full current state of the window (a
// skipped duplicate still resolves to the record it duplicated).
type Resolution struct {
	Inserted []*models.Record
	Merged   []*models.Record
	Skipped  []*models.Record
	All      []*models.Record
}

// Service decides whether candidate writes are new facts, duplicates, or
// cumulative updates of existing records.
type Service struct {
	tolerance float64
}

// NewService creates a dedup service. tolerance absorbs floating-point noise
// from origin sources that re-deliver the same sample with slightly different
// representations.
func NewService(tolerance float64) *Service {
	return &Service{tolerance: tolerance}
}

type matchKey struct {
	entityType string
	day        time.Time
	subDayTime string // empty for day-granular facts
}

func candidateKey(c Candidate) matchKey {
	k := matchKey{
		entityType: c.EntityType,
		day:        models.DayOf(c.ValueTimestamp),
	}
	if c.SubDayTime != nil {
		k.subDayTime = *c.SubDayTime
	}
	return k
}

func recordKey(r *models.Record) matchKey {
	k := matchKey{
		entityType: r.EntityType,
		day:        r.Day(),
	}
	if r.SubDayTime != nil {
		k.subDayTime = *r.SubDayTime
	}
	return k
}

// Resolve matches candidates against the records already stored for their
// user and time window. It issues exactly one windowed fetch for the whole
// batch regardless of batch size, then resolves in memory. The passed IDB is
// expected to be the transaction the caller will commit the resolution in,
// so resolution always sees the authoritative local copy.
//
// All candidates must share one userID; mixing users in a batch is a caller
// bug.
func (svc *Service) Resolve(ctx context.Context, idb bun.IDB, userID string, candidates []Candidate) (*Resolution, error) {
	res := &Resolution{}
	if len(candidates) == 0 {
		return res, nil
	}

	existing, err := svc.fetchWindow(ctx, idb, userID, candidates)
	if err != nil {
		return nil, err
	}

	// Sub-day samples can legitimately share a key with a different value,
	// so those buckets hold every record under the key.
	byKey := map[matchKey][]*models.Record{}
	for _, r := range existing {
		k := recordKey(r)
		byKey[k] = append(byKey[k], r)
	}

	now := time.Now()
	merged := map[string]bool{}

	for _, c := range candidates {
		k := candidateKey(c)

		if c.SubDayTime != nil {
			if r := svc.findSame(byKey[k], c.Value); r != nil {
				res.Skipped = append(res.Skipped, r)
				res.All = append(res.All, r)
				continue
			}
			r := newRecord(c, now)
			byKey[k] = append(byKey[k], r)
			res.Inserted = append(res.Inserted, r)
			res.All = append(res.All, r)
			continue
		}

		// Day-granular cumulative: merge into the day's record, keeping its
		// original LocalID and ValueTimestamp so later contributions on the
		// same day keep resolving to it.
		if rs := byKey[k]; len(rs) > 0 {
			r := rs[0]
			r.Value += c.Value
			r.SyncStatus = models.RecordStatusPending
			r.UpdatedAt = now
			if c.Payload != "" {
				r.Payload = c.Payload
			}
			if !merged[r.LocalID] && !contains(res.Inserted, r) {
				merged[r.LocalID] = true
				res.Merged = append(res.Merged, r)
			}
			res.All = append(res.All, r)
			continue
		}
		r := newRecord(c, now)
		byKey[k] = append(byKey[k], r)
		res.Inserted = append(res.Inserted, r)
		res.All = append(res.All, r)
	}

	return res, nil
}

// fetchWindow pulls every stored record that could match any candidate in
// one query: all entity types in the batch, over the batch's full day span.
func (svc *Service) fetchWindow(ctx context.Context, idb bun.IDB, userID string, candidates []Candidate) ([]*models.Record, error) {
	entityTypes := map[string]bool{}
	var from, to time.Time
	for i, c := range candidates {
		entityTypes[c.EntityType] = true
		day := models.DayOf(c.ValueTimestamp)
		if i == 0 || day.Before(from) {
			from = day
		}
		if i == 0 || day.After(to) {
			to = day
		}
	}
	types := make([]string, 0, len(entityTypes))
	for et := range entityTypes {
		types = append(types, et)
	}

	records := []*models.Record{}
	err := idb.NewSelect().
		Model(&records).
		Where("r.user_id = ?", userID).
		Where("r.entity_type IN (?)", bun.In(types)).
		Where("r.value_timestamp >= ?", from).
		Where("r.value_timestamp < ?", to.AddDate(0, 0, 1)).
		Order("r.value_timestamp ASC").
		Scan(ctx)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return records, nil
}

// findSame returns the first record whose value is within tolerance of v.
func (svc *Service) findSame(rs []*models.Record, v float64) *models.Record {
	for _, r := range rs {
		if math.Abs(r.Value-v) <= svc.tolerance {
			return r
		}
	}
	return nil
}

func newRecord(c Candidate, now time.Time) *models.Record {
	return &models.Record{
		LocalID:        uuid.NewString(),
		EntityType:     c.EntityType,
		UserID:         c.UserID,
		Value:          c.Value,
		Payload:        c.Payload,
		ValueTimestamp: c.ValueTimestamp,
		SubDayTime:     c.SubDayTime,
		SyncStatus:     models.RecordStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func contains(rs []*models.Record, target *models.Record) bool {
	for _, r := range rs {
		if r == target {
			return true
		}
	}
	return false
}
