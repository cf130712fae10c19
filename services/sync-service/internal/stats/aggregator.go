package stats

import (
	"context"
	"fmt"
	"time"

	"counselsync/services/sync-service/internal/model"
)

// Counts are the rollup counters over the full appointment collection.
type Counts struct {
	Total     int
	Cancelled int
	Upcoming  int
}

// Store reads counters over the whole collection and persists the singleton
// snapshot.
type Store interface {
	CountAppointments(ctx context.Context, now time.Time) (Counts, error)
	SaveSnapshot(ctx context.Context, snap model.StatsSnapshot) error
}

// Aggregator recomputes the snapshot wholesale after each pass. Full
// recompute, not incremental: partial pass failures and concurrent writers
// can never make the counters drift.
type Aggregator struct {
	store Store
	now   func() time.Time
}

func NewAggregator(store Store) *Aggregator {
	return &Aggregator{store: store, now: time.Now}
}

// WithClock substitutes the clock in tests.
func (a *Aggregator) WithClock(now func() time.Time) *Aggregator {
	a.now = now
	return a
}

func (a *Aggregator) Recompute(ctx context.Context, syncType string) (model.StatsSnapshot, error) {
	now := a.now().UTC()
	counts, err := a.store.CountAppointments(ctx, now)
	if err != nil {
		return model.StatsSnapshot{}, fmt.Errorf("count appointments: %w", err)
	}
	snap := model.StatsSnapshot{
		TotalBookings:     counts.Total,
		UpcomingBookings:  counts.Upcoming,
		CancelledBookings: counts.Cancelled,
		LastSync:          now,
		SyncType:          syncType,
	}
	if err := a.store.SaveSnapshot(ctx, snap); err != nil {
		return model.StatsSnapshot{}, fmt.Errorf("save snapshot: %w", err)
	}
	return snap, nil
}
