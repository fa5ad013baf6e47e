package dispatcher

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/lumehealth/lume-sync/pkg/config"
	"github.com/lumehealth/lume-sync/pkg/dedup"
	"github.com/lumehealth/lume-sync/pkg/gateway"
	"github.com/lumehealth/lume-sync/pkg/migrations"
	"github.com/lumehealth/lume-sync/pkg/models"
	"github.com/lumehealth/lume-sync/pkg/notify"
	"github.com/lumehealth/lume-sync/pkg/outbox"
	"github.com/lumehealth/lume-sync/pkg/records"
	"github.com/robinjoseph08/golib/pointerutil"
	"github.com/segmentio/encoding/json"
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

// fakeBackend is an httptest stand-in for the remote API. It accepts tokens
// in validTokens, remembers idempotency keys, and can fail the first N
// requests with a given status.
type fakeBackend struct {
	mu          sync.Mutex
	validTokens map[string]bool
	failFirst   int
	failStatus  int
	requests    []backendRequest
	onRequest   func() // called before responding, under no lock
}

type backendRequest struct {
	Method         string
	Path           string
	Token          string
	IdempotencyKey string
}

func (b *fakeBackend) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if b.onRequest != nil {
			b.onRequest()
		}

		token := r.Header.Get("Authorization")
		b.mu.Lock()
		b.requests = append(b.requests, backendRequest{
			Method:         r.Method,
			Path:           r.URL.Path,
			Token:          token,
			IdempotencyKey: r.Header.Get("Idempotency-Key"),
		})
		if !b.validTokens[token] {
			b.mu.Unlock()
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if b.failFirst > 0 {
			b.failFirst--
			status := b.failStatus
			b.mu.Unlock()
			w.WriteHeader(status)
			return
		}
		b.mu.Unlock()

		w.Header().Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"backend_id": "backend-1"})
	}
}

func (b *fakeBackend) recorded() []backendRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]backendRequest, len(b.requests))
	copy(out, b.requests)
	return out
}

type fakeTokens struct {
	mu        sync.Mutex
	current   string
	refreshed string
	refreshes int
	err       error
}

func (f *fakeTokens) AccessToken(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	return f.current, nil
}

func (f *fakeTokens) RefreshAccessToken(_ context.Context, _, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	f.current = f.refreshed
	return f.refreshed, nil
}

type fixture struct {
	db       *bun.DB
	cfg      *config.Config
	records  *records.Service
	outbox   *outbox.Service
	notifier *notify.Notifier
	tokens   *fakeTokens
	backend  *fakeBackend
	d        *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := newTestDB(t)
	backend := &fakeBackend{validTokens: map[string]bool{"Bearer token-1": true}}
	server := httptest.NewServer(backend.handler())
	t.Cleanup(server.Close)

	cfg := config.NewForTest()
	cfg.RemoteBaseURL = server.URL

	notifier := notify.New()
	outboxService := outbox.NewService(db)
	recordsService := records.NewService(db, dedup.NewService(cfg.DedupTolerance), outboxService, notifier)
	tokenSource := &fakeTokens{current: "token-1", refreshed: "token-2"}

	d := New(cfg, "user-1", recordsService, outboxService, notifier, gateway.NewClient(cfg), tokenSource)

	return &fixture{
		db:       db,
		cfg:      cfg,
		records:  recordsService,
		outbox:   outboxService,
		notifier: notifier,
		tokens:   tokenSource,
		backend:  backend,
		d:        d,
	}
}

func (f *fixture) save(ctx context.Context, t *testing.T, value float64) *models.Record {
	t.Helper()
	ts := time.Date(2026, 8, 27, 9, 30, 0, 0, time.UTC)
	record, err := f.records.Save(ctx, dedup.Candidate{
		EntityType:     "heart_rate",
		UserID:         "user-1",
		Value:          value,
		ValueTimestamp: ts,
		SubDayTime:     pointerutil.String("09:30"),
	})
	require.NoError(t, err)
	return record
}

func (f *fixture) event(ctx context.Context, t *testing.T, localID string) *models.OutboxEvent {
	t.Helper()
	ev := &models.OutboxEvent{}
	err := f.db.NewSelect().
		Model(ev).
		Where("oe.local_record_id = ?", localID).
		Order("oe.id DESC").
		Limit(1).
		Scan(ctx)
	require.NoError(t, err)
	return ev
}

func TestDispatchDue_CreatesAndSettles(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	events, cancel := f.notifier.Subscribe(8)
	defer cancel()

	record := f.save(ctx, t, 72)
	f.d.dispatchDue()

	got, err := f.records.RetrieveRecord(ctx, record.LocalID)
	require.NoError(t, err)
	assert.Equal(t, models.RecordStatusSynced, got.SyncStatus)
	require.NotNil(t, got.BackendID)
	assert.Equal(t, "backend-1", *got.BackendID)
	require.NotNil(t, got.LastSyncedAt)

	ev := f.event(ctx, t, record.LocalID)
	assert.Equal(t, models.OutboxStatusCompleted, ev.Status)

	reqs := f.backend.recorded()
	require.Len(t, reqs, 1)
	assert.Equal(t, http.MethodPost, reqs[0].Method)
	assert.Equal(t, "/records", reqs[0].Path)
	assert.Equal(t, record.LocalID, reqs[0].IdempotencyKey)

	// Local write notification first, then the sync confirmation, both on
	// the same funnel.
	first := <-events
	assert.Equal(t, models.RecordStatusPending, first.SyncStatus)
	second := <-events
	assert.Equal(t, models.RecordStatusSynced, second.SyncStatus)
	assert.Equal(t, record.LocalID, second.LocalRecordID)
}

func TestDispatchDue_UpdateUsesBackendID(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	// A record the backend has already acknowledged gets a new write, so
	// its delivery must target the existing backend identity.
	record, err := f.records.Save(ctx, dedup.Candidate{
		EntityType:     "steps",
		UserID:         "user-1",
		Value:          4000,
		ValueTimestamp: time.Date(2026, 8, 27, 8, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.NoError(t, f.records.SetBackendID(ctx, record.LocalID, "backend-7"))

	f.d.dispatchDue()

	reqs := f.backend.recorded()
	require.Len(t, reqs, 1)
	assert.Equal(t, http.MethodPut, reqs[0].Method)
	assert.Equal(t, "/records/backend-7", reqs[0].Path)
	assert.Equal(t, record.LocalID, reqs[0].IdempotencyKey)
}

func TestDispatchDue_RetryKeepsIdempotencyKey(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	f.backend.failFirst = 1
	f.backend.failStatus = http.StatusBadGateway

	record := f.save(ctx, t, 72)
	f.d.dispatchDue()

	ev := f.event(ctx, t, record.LocalID)
	assert.Equal(t, models.OutboxStatusPending, ev.Status)
	assert.Equal(t, 1, ev.AttemptCount)
	require.NotNil(t, ev.LastError)

	got, err := f.records.RetrieveRecord(ctx, record.LocalID)
	require.NoError(t, err)
	assert.Equal(t, models.RecordStatusPending, got.SyncStatus)

	// Wait out the backoff, then the retry succeeds with the same key.
	require.Eventually(t, func() bool {
		f.d.dispatchDue()
		got, err := f.records.RetrieveRecord(ctx, record.LocalID)
		require.NoError(t, err)
		return got.SyncStatus == models.RecordStatusSynced
	}, 2*time.Second, 10*time.Millisecond)

	reqs := f.backend.recorded()
	require.GreaterOrEqual(t, len(reqs), 2)
	for _, r := range reqs {
		assert.Equal(t, record.LocalID, r.IdempotencyKey)
	}
}

func TestDispatchDue_PermanentFailureParksEvent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	f.backend.failFirst = 1
	f.backend.failStatus = http.StatusUnprocessableEntity

	events, cancel := f.notifier.Subscribe(8)
	defer cancel()

	record := f.save(ctx, t, 72)
	f.d.dispatchDue()

	ev := f.event(ctx, t, record.LocalID)
	assert.Equal(t, models.OutboxStatusFailedPermanent, ev.Status)

	got, err := f.records.RetrieveRecord(ctx, record.LocalID)
	require.NoError(t, err)
	assert.Equal(t, models.RecordStatusFailed, got.SyncStatus)

	<-events // pending, from the save
	failure := <-events
	assert.Equal(t, models.RecordStatusFailed, failure.SyncStatus)

	// Parked events are not claimed again.
	f.d.dispatchDue()
	assert.Len(t, f.backend.recorded(), 1)
}

func TestDispatchDue_ExhaustedAttemptsGoPermanent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	f.cfg.DispatchMaxAttempts = 1
	f.backend.failFirst = 1
	f.backend.failStatus = http.StatusBadGateway

	record := f.save(ctx, t, 72)
	f.d.dispatchDue()

	ev := f.event(ctx, t, record.LocalID)
	assert.Equal(t, models.OutboxStatusFailedPermanent, ev.Status)
}

func TestDispatchDue_RefreshesOnceAfter401(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	// The stored token is stale; only the refreshed one is accepted.
	f.tokens.current = "stale-token"
	f.backend.mu.Lock()
	f.backend.validTokens = map[string]bool{"Bearer token-2": true}
	f.backend.mu.Unlock()

	record := f.save(ctx, t, 72)
	f.d.dispatchDue()

	got, err := f.records.RetrieveRecord(ctx, record.LocalID)
	require.NoError(t, err)
	assert.Equal(t, models.RecordStatusSynced, got.SyncStatus)
	assert.Equal(t, 1, f.tokens.refreshes)

	reqs := f.backend.recorded()
	require.Len(t, reqs, 2)
	assert.Equal(t, "Bearer stale-token", reqs[0].Token)
	assert.Equal(t, "Bearer token-2", reqs[1].Token)
}

func TestDispatchDue_TokenSourceFailureReleasesEvent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	record := f.save(ctx, t, 72)

	// The proactive token fetch fails terminally: the refresh token is
	// revoked, so the coordinator surfaces the gateway's 4xx. The backend
	// never saw the event, so it must not be parked as a delivery failure.
	f.tokens.err = &gateway.PermanentError{StatusCode: http.StatusUnauthorized, Cause: "refresh token revoked"}
	f.d.dispatchDue()

	ev := f.event(ctx, t, record.LocalID)
	assert.Equal(t, models.OutboxStatusPending, ev.Status)
	assert.Equal(t, 0, ev.AttemptCount)

	got, err := f.records.RetrieveRecord(ctx, record.LocalID)
	require.NoError(t, err)
	assert.Equal(t, models.RecordStatusPending, got.SyncStatus)
	assert.Empty(t, f.backend.recorded())

	// A transient refresh error gets the same treatment: no attempt spent.
	f.tokens.err = &gateway.TransientError{Cause: "connection refused"}
	f.d.dispatchDue()

	ev = f.event(ctx, t, record.LocalID)
	assert.Equal(t, models.OutboxStatusPending, ev.Status)
	assert.Equal(t, 0, ev.AttemptCount)
	assert.Empty(t, f.backend.recorded())

	// With tokens back, the event delivers on the next pass.
	f.tokens.err = nil
	f.d.dispatchDue()

	got, err = f.records.RetrieveRecord(ctx, record.LocalID)
	require.NoError(t, err)
	assert.Equal(t, models.RecordStatusSynced, got.SyncStatus)
}

func TestDispatchDue_SecondRejectionTearsDown(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	// Even the refreshed token is rejected.
	f.tokens.current = "stale-token"
	f.tokens.refreshed = "also-bad"
	f.backend.mu.Lock()
	f.backend.validTokens = map[string]bool{}
	f.backend.mu.Unlock()

	var torndown []string
	f.d.OnAuthFailure(func(userID string) {
		torndown = append(torndown, userID)
	})

	record := f.save(ctx, t, 72)
	f.d.dispatchDue()

	assert.Equal(t, []string{"user-1"}, torndown)

	// The event goes back to the queue with its attempt budget intact.
	ev := f.event(ctx, t, record.LocalID)
	assert.Equal(t, models.OutboxStatusPending, ev.Status)
	assert.Equal(t, 0, ev.AttemptCount)

	got, err := f.records.RetrieveRecord(ctx, record.LocalID)
	require.NoError(t, err)
	assert.Equal(t, models.RecordStatusPending, got.SyncStatus)
}

func TestDispatchDue_MidFlightWriteRequeues(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	record, err := f.records.Save(ctx, dedup.Candidate{
		EntityType:     "steps",
		UserID:         "user-1",
		Value:          4000,
		ValueTimestamp: time.Date(2026, 8, 27, 8, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	// While the event is in flight the day's record takes another
	// contribution: the active event absorbs the write, so completion must
	// requeue instead.
	var once sync.Once
	f.backend.onRequest = func() {
		once.Do(func() {
			time.Sleep(5 * time.Millisecond)
			_, err := f.records.Save(ctx, dedup.Candidate{
				EntityType:     "steps",
				UserID:         "user-1",
				Value:          1500,
				ValueTimestamp: time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC),
			})
			require.NoError(t, err)
		})
	}

	f.d.dispatchDue()

	ev := f.event(ctx, t, record.LocalID)
	assert.Equal(t, models.OutboxStatusPending, ev.Status)

	// Backend identity is kept, but the record stays pending until the
	// newer state ships.
	got, err := f.records.RetrieveRecord(ctx, record.LocalID)
	require.NoError(t, err)
	require.NotNil(t, got.BackendID)
	assert.Equal(t, models.RecordStatusPending, got.SyncStatus)
}

func TestStartStop(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	record := f.save(ctx, t, 72)

	f.d.Start()
	require.Eventually(t, func() bool {
		got, err := f.records.RetrieveRecord(ctx, record.LocalID)
		require.NoError(t, err)
		return got.SyncStatus == models.RecordStatusSynced
	}, 2*time.Second, 10*time.Millisecond)
	f.d.Stop()
}

func TestNextAttemptDelay(t *testing.T) {
	t.Parallel()

	base := 2 * time.Second
	max := 5 * time.Minute

	for attempt := 0; attempt < 10; attempt++ {
		for i := 0; i < 50; i++ {
			d := nextAttemptDelay(base, max, attempt)
			assert.GreaterOrEqual(t, d, base/2)
			assert.LessOrEqual(t, d, max)
		}
	}

	// Early attempts stay inside their jitter window.
	d := nextAttemptDelay(base, max, 1)
	assert.GreaterOrEqual(t, d, 2*time.Second)
	assert.Less(t, d, 6*time.Second)
}
