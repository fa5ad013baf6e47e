package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/lumehealth/lume-sync/pkg/dedup"
	"github.com/lumehealth/lume-sync/pkg/models"
	"github.com/lumehealth/lume-sync/pkg/records"
	"github.com/robinjoseph08/golib/logger"
)

// Sample is a raw measurement as an origin source hands it over, before
// dedup has decided whether it is new information.
type Sample struct {
	EntityType     string
	Value          float64
	Payload        string
	ValueTimestamp time.Time
	SubDayTime     *string
}

// Adapter is the boundary to an origin source (a platform health store, a
// device SDK). Pull returns every sample for the entity type since the
// given time; redelivering already-seen samples is expected and harmless.
type Adapter interface {
	Pull(ctx context.Context, userID string, entityType string, since time.Time) ([]Sample, error)
}

type pullKey struct {
	userID     string
	entityType string
}

// Service routes origin pulls through the store's write path and runs the
// staleness-triggered background refresh behind local reads.
type Service struct {
	records   *records.Service
	adapter   Adapter
	staleness time.Duration
	log       logger.Logger

	mu       sync.Mutex
	lastPull map[pullKey]time.Time
	inFlight map[pullKey]bool
}

func NewService(recordsService *records.Service, adapter Adapter, staleness time.Duration) *Service {
	return &Service{
		records:   recordsService,
		adapter:   adapter,
		staleness: staleness,
		log:       logger.New(),
		lastPull:  map[pullKey]time.Time{},
		inFlight:  map[pullKey]bool{},
	}
}

// IngestBatch pulls from the origin and commits the whole batch through one
// dedup resolution: one windowed store fetch no matter how many samples came
// back. The returned slice is the current local record for every sample, so
// callers see merged and duplicate samples resolved to the records they
// landed on.
func (svc *Service) IngestBatch(ctx context.Context, userID, entityType string, since time.Time) ([]*models.Record, error) {
	samples, err := svc.adapter.Pull(ctx, userID, entityType, since)
	if err != nil {
		return nil, err
	}

	candidates := make([]dedup.Candidate, len(samples))
	for i, s := range samples {
		candidates[i] = dedup.Candidate{
			EntityType:     s.EntityType,
			UserID:         userID,
			Value:          s.Value,
			Payload:        s.Payload,
			ValueTimestamp: s.ValueTimestamp,
			SubDayTime:     s.SubDayTime,
		}
	}

	res, err := svc.records.SaveBatch(ctx, userID, candidates)
	if err != nil {
		return nil, err
	}

	svc.mu.Lock()
	svc.lastPull[pullKey{userID, entityType}] = time.Now()
	svc.mu.Unlock()

	return res.All, nil
}

// ScheduleRefresh kicks a background origin pull if the last one for this
// user and entity type is older than the staleness threshold. At most one
// pull per key is in flight; the caller never waits.
func (svc *Service) ScheduleRefresh(userID, entityType string) {
	k := pullKey{userID, entityType}

	svc.mu.Lock()
	last := svc.lastPull[k]
	if svc.inFlight[k] || time.Since(last) < svc.staleness {
		svc.mu.Unlock()
		return
	}
	svc.inFlight[k] = true
	svc.mu.Unlock()

	go func() {
		defer func() {
			svc.mu.Lock()
			delete(svc.inFlight, k)
			svc.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		if _, err := svc.IngestBatch(ctx, userID, entityType, last); err != nil {
			// The local copy stays authoritative; the next read retries.
			svc.log.Err(err).Warn("background refresh failed", logger.Data{
				"user_id":     userID,
				"entity_type": entityType,
			})
		}
	}()
}
