package dedup

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lumehealth/lume-sync/pkg/migrations"
	"github.com/lumehealth/lume-sync/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

func newTestDB(t *testing.T) *bun.DB {
	t.Helper()

	sqldb, err := sql.Open(sqliteshim.ShimName, ":memory:")
	require.NoError(t, err)

	db := bun.NewDB(sqldb, sqlitedialect.New())

	_, err = migrations.BringUpToDate(context.Background(), db)
	require.NoError(t, err)

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

// countingHook counts SELECT queries against the records table.
type countingHook struct {
	selects atomic.Int32
}

func (*countingHook) BeforeQuery(ctx context.Context, _ *bun.QueryEvent) context.Context {
	return ctx
}

func (h *countingHook) AfterQuery(_ context.Context, event *bun.QueryEvent) {
	q := strings.ToUpper(event.Query)
	if strings.HasPrefix(q, "SELECT") && strings.Contains(q, "RECORDS") {
		h.selects.Add(1)
	}
}

func insertRecord(ctx context.Context, t *testing.T, db *bun.DB, r *models.Record) {
	t.Helper()
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
		r.UpdatedAt = now
	}
	if r.SyncStatus == "" {
		r.SyncStatus = models.RecordStatusPending
	}
	_, err := db.NewInsert().Model(r).Exec(ctx)
	require.NoError(t, err)
}

func strptr(s string) *string { return &s }

func TestResolve_SubDaySampleWithinToleranceIsSkipped(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	svc := NewService(1e-6)
	ctx := context.Background()

	ts := time.Date(2026, 8, 20, 7, 30, 0, 0, time.UTC)
	existing := &models.Record{
		LocalID:        "rec-1",
		EntityType:     "heart_rate",
		UserID:         "user-1",
		Value:          62.0,
		ValueTimestamp: ts,
		SubDayTime:     strptr("07:30"),
	}
	insertRecord(ctx, t, db, existing)

	res, err := svc.Resolve(ctx, db, "user-1", []Candidate{{
		EntityType:     "heart_rate",
		UserID:         "user-1",
		Value:          62.0000000001, // representation noise from the origin
		ValueTimestamp: ts,
		SubDayTime:     strptr("07:30"),
	}})
	require.NoError(t, err)

	assert.Empty(t, res.Inserted)
	assert.Empty(t, res.Merged)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, "rec-1", res.Skipped[0].LocalID)
	require.Len(t, res.All, 1)
	assert.Equal(t, "rec-1", res.All[0].LocalID)
}

func TestResolve_SubDaySampleOutsideToleranceInserts(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	svc := NewService(1e-6)
	ctx := context.Background()

	ts := time.Date(2026, 8, 20, 7, 30, 0, 0, time.UTC)
	insertRecord(ctx, t, db, &models.Record{
		LocalID:        "rec-1",
		EntityType:     "heart_rate",
		UserID:         "user-1",
		Value:          62.0,
		ValueTimestamp: ts,
		SubDayTime:     strptr("07:30"),
	})

	res, err := svc.Resolve(ctx, db, "user-1", []Candidate{{
		EntityType:     "heart_rate",
		UserID:         "user-1",
		Value:          90.0,
		ValueTimestamp: ts,
		SubDayTime:     strptr("07:30"),
	}})
	require.NoError(t, err)

	require.Len(t, res.Inserted, 1)
	assert.NotEqual(t, "rec-1", res.Inserted[0].LocalID)
}

func TestResolve_CumulativeMergePreservesIdentity(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	svc := NewService(1e-6)
	ctx := context.Background()

	morning := time.Date(2026, 8, 20, 8, 0, 0, 0, time.UTC)
	evening := time.Date(2026, 8, 20, 20, 0, 0, 0, time.UTC)
	insertRecord(ctx, t, db, &models.Record{
		LocalID:        "rec-1",
		EntityType:     "water_intake",
		UserID:         "user-1",
		Value:          0.5,
		ValueTimestamp: morning,
		SyncStatus:     models.RecordStatusSynced,
	})

	res, err := svc.Resolve(ctx, db, "user-1", []Candidate{{
		EntityType:     "water_intake",
		UserID:         "user-1",
		Value:          0.3,
		ValueTimestamp: evening,
	}})
	require.NoError(t, err)

	require.Len(t, res.Merged, 1)
	r := res.Merged[0]
	assert.Equal(t, "rec-1", r.LocalID)
	assert.InDelta(t, 0.8, r.Value, 1e-9)
	// Original creation timestamp is kept so the day's match key stays
	// stable for later contributions.
	assert.Equal(t, morning, r.ValueTimestamp.UTC())
	assert.Equal(t, models.RecordStatusPending, r.SyncStatus)
}

func TestResolve_CumulativeMergeWithinBatch(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	svc := NewService(1e-6)
	ctx := context.Background()

	day := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	candidates := []Candidate{}
	for i := 0; i < 4; i++ {
		candidates = append(candidates, Candidate{
			EntityType:     "steps",
			UserID:         "user-1",
			Value:          1000,
			ValueTimestamp: day.Add(time.Duration(i) * time.Hour),
		})
	}

	res, err := svc.Resolve(ctx, db, "user-1", candidates)
	require.NoError(t, err)

	require.Len(t, res.Inserted, 1)
	assert.Empty(t, res.Merged)
	assert.InDelta(t, 4000.0, res.Inserted[0].Value, 1e-9)
	assert.Len(t, res.All, 4)
	for _, r := range res.All {
		assert.Equal(t, res.Inserted[0].LocalID, r.LocalID)
	}
}

func TestResolve_BatchUsesSingleFetch(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	svc := NewService(1e-6)
	ctx := context.Background()

	day := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)

	// 55 samples already recorded locally.
	for i := 0; i < 55; i++ {
		insertRecord(ctx, t, db, &models.Record{
			LocalID:        fmt.Sprintf("rec-%d", i),
			EntityType:     "heart_rate",
			UserID:         "user-1",
			Value:          60 + float64(i),
			ValueTimestamp: day.Add(time.Duration(i) * 10 * time.Minute),
			SubDayTime:     strptr(fmt.Sprintf("%02d:%02d", i/6, (i%6)*10)),
		})
	}

	hook := &countingHook{}
	db.AddQueryHook(hook)

	// Re-ingest all 55 plus 9 new ones.
	candidates := []Candidate{}
	for i := 0; i < 64; i++ {
		candidates = append(candidates, Candidate{
			EntityType:     "heart_rate",
			UserID:         "user-1",
			Value:          60 + float64(i),
			ValueTimestamp: day.Add(time.Duration(i) * 10 * time.Minute),
			SubDayTime:     strptr(fmt.Sprintf("%02d:%02d", i/6, (i%6)*10)),
		})
	}

	res, err := svc.Resolve(ctx, db, "user-1", candidates)
	require.NoError(t, err)

	assert.Equal(t, int32(1), hook.selects.Load(), "resolution should issue exactly one windowed fetch")
	assert.Len(t, res.Inserted, 9)
	assert.Len(t, res.Skipped, 55)
	assert.Len(t, res.All, 64)
}

func TestResolve_DistinctDaysStayDistinct(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	svc := NewService(1e-6)
	ctx := context.Background()

	res, err := svc.Resolve(ctx, db, "user-1", []Candidate{
		{
			EntityType:     "water_intake",
			UserID:         "user-1",
			Value:          0.5,
			ValueTimestamp: time.Date(2026, 8, 20, 23, 30, 0, 0, time.UTC),
		},
		{
			EntityType:     "water_intake",
			UserID:         "user-1",
			Value:          0.3,
			ValueTimestamp: time.Date(2026, 8, 21, 0, 30, 0, 0, time.UTC),
		},
	})
	require.NoError(t, err)

	assert.Len(t, res.Inserted, 2)
	assert.Empty(t, res.Merged)
}
