package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"counselsync/libs/db"
	"counselsync/services/sync-service/internal/model"
	"counselsync/services/sync-service/internal/stats"
)

// StatsRepository counts over the full appointment collection and keeps the
// singleton rollup row.
type StatsRepository struct {
	pool *db.Pool
}

func NewStatsRepository(pool *db.Pool) *StatsRepository {
	return &StatsRepository{pool: pool}
}

func (r *StatsRepository) CountAppointments(ctx context.Context, now time.Time) (stats.Counts, error) {
	var c stats.Counts
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE status = 'cancelled'),
			COUNT(*) FILTER (WHERE status <> 'cancelled' AND start_time > $1)
		FROM appointments
	`, now).Scan(&c.Total, &c.Cancelled, &c.Upcoming)
	if err != nil {
		return stats.Counts{}, err
	}
	return c, nil
}

func (r *StatsRepository) SaveSnapshot(ctx context.Context, snap model.StatsSnapshot) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO booking_stats (id, total_bookings, upcoming_bookings, cancelled_bookings, last_sync, sync_type)
		VALUES (1, $1, $2, $3, $4, $5)
		ON CONFLICT (id)
		DO UPDATE SET total_bookings = EXCLUDED.total_bookings,
		              upcoming_bookings = EXCLUDED.upcoming_bookings,
		              cancelled_bookings = EXCLUDED.cancelled_bookings,
		              last_sync = EXCLUDED.last_sync,
		              sync_type = EXCLUDED.sync_type
	`, snap.TotalBookings, snap.UpcomingBookings, snap.CancelledBookings, snap.LastSync, snap.SyncType)
	return err
}

func (r *StatsRepository) GetSnapshot(ctx context.Context) (model.StatsSnapshot, bool, error) {
	var snap model.StatsSnapshot
	err := r.pool.QueryRow(ctx, `
		SELECT total_bookings, upcoming_bookings, cancelled_bookings, last_sync, COALESCE(sync_type, '')
		FROM booking_stats
		WHERE id = 1
	`).Scan(&snap.TotalBookings, &snap.UpcomingBookings, &snap.CancelledBookings, &snap.LastSync, &snap.SyncType)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.StatsSnapshot{}, false, nil
	}
	if err != nil {
		return model.StatsSnapshot{}, false, err
	}
	return snap, true, nil
}
