package stats

import (
	"context"
	"errors"
	"testing"
	"time"

	"counselsync/services/sync-service/internal/model"
)

type fakeStore struct {
	counts   Counts
	countErr error
	saveErr  error
	saved    *model.StatsSnapshot
}

func (s *fakeStore) CountAppointments(context.Context, time.Time) (Counts, error) {
	if s.countErr != nil {
		return Counts{}, s.countErr
	}
	return s.counts, nil
}

func (s *fakeStore) SaveSnapshot(_ context.Context, snap model.StatsSnapshot) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saved = &snap
	return nil
}

func TestRecompute(t *testing.T) {
	now := time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)
	store := &fakeStore{counts: Counts{Total: 10, Cancelled: 3, Upcoming: 4}}
	a := NewAggregator(store).WithClock(func() time.Time { return now })

	snap, err := a.Recompute(context.Background(), "manual")
	if err != nil {
		t.Fatalf("Recompute failed: %v", err)
	}
	if snap.TotalBookings != 10 || snap.CancelledBookings != 3 || snap.UpcomingBookings != 4 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if !snap.LastSync.Equal(now) || snap.SyncType != "manual" {
		t.Fatalf("unexpected snapshot metadata %+v", snap)
	}
	if store.saved == nil || *store.saved != snap {
		t.Fatalf("persisted snapshot differs: %+v", store.saved)
	}
}

func TestRecompute_CountError(t *testing.T) {
	store := &fakeStore{countErr: errors.New("db down")}
	a := NewAggregator(store)
	if _, err := a.Recompute(context.Background(), "scheduled"); err == nil {
		t.Fatal("expected error")
	}
	if store.saved != nil {
		t.Fatal("snapshot must not be saved when counting fails")
	}
}

func TestRecompute_SaveError(t *testing.T) {
	store := &fakeStore{saveErr: errors.New("db down")}
	a := NewAggregator(store)
	if _, err := a.Recompute(context.Background(), "scheduled"); err == nil {
		t.Fatal("expected error")
	}
}
