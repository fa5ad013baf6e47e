package main

import (
	"context"
	"time"

	"github.com/lumehealth/lume-sync/pkg/ingest"
)

// originAdapter is where a platform health-store integration plugs in. The
// daemon build has no platform SDK linked, so the default adapter pulls
// nothing and all samples arrive through POST /records.
type originAdapter struct{}

func newOriginAdapter() ingest.Adapter {
	return originAdapter{}
}

func (originAdapter) Pull(_ context.Context, _, _ string, _ time.Time) ([]ingest.Sample, error) {
	return nil, nil
}
