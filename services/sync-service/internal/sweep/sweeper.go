package sweep

import (
	"context"
	"log/slog"
	"time"

	"counselsync/libs/db"
)

// Store transitions due appointments to completed. CompleteDue must apply the
// whole batch atomically and only touch records that are still scheduled with
// a start time at or before now; it returns the event ids it completed.
type Store interface {
	CompleteDue(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// Sweeper is the time-based pass marking elapsed scheduled appointments as
// completed, independent of provider sync. Its selection predicate is
// re-entrant: anything missed by a crashed sweep is picked up next tick.
type Sweeper struct {
	store       Store
	pool        *db.Pool
	logger      *slog.Logger
	batchLimit  int
	advisoryKey int64
	now         func() time.Time
}

type Config struct {
	BatchLimit      int
	AdvisoryLockKey int64
	Now             func() time.Time
}

func NewSweeper(store Store, pool *db.Pool, logger *slog.Logger, cfg Config) *Sweeper {
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 500
	}
	if cfg.AdvisoryLockKey == 0 {
		cfg.AdvisoryLockKey = 7241102
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Sweeper{
		store:       store,
		pool:        pool,
		logger:      logger,
		batchLimit:  cfg.BatchLimit,
		advisoryKey: cfg.AdvisoryLockKey,
		now:         cfg.Now,
	}
}

func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	if s.pool != nil {
		if !s.acquireLock(ctx) {
			return
		}
		defer func() {
			_, _ = s.pool.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, s.advisoryKey)
		}()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("sweep failed", "err", err)
			} else if n > 0 {
				s.logger.Info("sweep complete", "completed", n)
			}
		}
	}
}

// SweepOnce completes one bounded batch and reports how many records moved.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	ids, err := s.store.CompleteDue(ctx, s.now().UTC(), s.batchLimit)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (s *Sweeper) acquireLock(ctx context.Context) bool {
	for {
		if ctx.Err() != nil {
			return false
		}
		var locked bool
		if err := s.pool.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, s.advisoryKey).Scan(&locked); err != nil {
			s.logger.Error("sweep: failed to acquire advisory lock", "err", err)
			sleepCtx(ctx, 5*time.Second)
			continue
		}
		if !locked {
			s.logger.Info("sweep: advisory lock held by another instance", "lock_key", s.advisoryKey)
			sleepCtx(ctx, 30*time.Second)
			continue
		}
		return true
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
