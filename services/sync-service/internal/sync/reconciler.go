package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"counselsync/libs/db"
	"counselsync/services/sync-service/internal/calendly"
	"counselsync/services/sync-service/internal/identity"
	"counselsync/services/sync-service/internal/model"
)

// CalendarAPI is the read-only slice of the provider client the reconciler
// needs.
type CalendarAPI interface {
	CurrentUser(ctx context.Context) (calendly.Account, error)
	ListScheduledEvents(ctx context.Context, organizationURI string, w calendly.Window, status string) ([]calendly.Event, error)
	ListInvitees(ctx context.Context, eventURI string) ([]calendly.Invitee, error)
}

// AppointmentStore is the merge surface over the appointment collection.
// Implementations must write status and updated_at only on the update path,
// never created_at, and must refuse transitions out of terminal statuses.
type AppointmentStore interface {
	GetByEventID(ctx context.Context, eventID string) (model.Appointment, bool, error)
	Insert(ctx context.Context, appt model.Appointment) error
	UpdateStatus(ctx context.Context, eventID, status string, updatedAt time.Time) error
}

// IdentityResolver maps the provider account email to a therapist identity.
type IdentityResolver interface {
	Resolve(ctx context.Context, email string) identity.Identity
}

// StatsRecomputer rebuilds the rollup snapshot from the full collection.
type StatsRecomputer interface {
	Recompute(ctx context.Context, syncType string) (model.StatsSnapshot, error)
}

// Result reports one reconciliation pass.
type Result struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Total   int `json:"total"`
}

type Reconciler struct {
	api      CalendarAPI
	store    AppointmentStore
	resolver IdentityResolver
	stats    StatsRecomputer
	pool     *db.Pool
	logger   *slog.Logger

	source      string
	lookback    time.Duration
	lookahead   time.Duration
	passTimeout time.Duration
	advisoryKey int64
	now         func() time.Time
}

type Config struct {
	// Source tags records written by this entry point ("scheduled" or
	// "manual").
	Source string
	// Lookback/Lookahead bound the listing window around now.
	Lookback  time.Duration
	Lookahead time.Duration
	// PassTimeout caps one pass end to end.
	PassTimeout time.Duration
	// AdvisoryLockKey guards the periodic loop across instances. Zero picks a
	// stable default.
	AdvisoryLockKey int64
	// Now substitutes the clock in tests.
	Now func() time.Time
}

// NewReconciler builds the engine. pool may be nil when the caller does not
// run the periodic loop (the callable entry point and tests).
func NewReconciler(api CalendarAPI, store AppointmentStore, resolver IdentityResolver, stats StatsRecomputer, pool *db.Pool, logger *slog.Logger, cfg Config) *Reconciler {
	if cfg.Source == "" {
		cfg.Source = "scheduled"
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 30 * 24 * time.Hour
	}
	if cfg.Lookahead <= 0 {
		cfg.Lookahead = 60 * 24 * time.Hour
	}
	if cfg.PassTimeout <= 0 {
		cfg.PassTimeout = 300 * time.Second
	}
	if cfg.AdvisoryLockKey == 0 {
		cfg.AdvisoryLockKey = 7241101
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Reconciler{
		api:         api,
		store:       store,
		resolver:    resolver,
		stats:       stats,
		pool:        pool,
		logger:      logger,
		source:      cfg.Source,
		lookback:    cfg.Lookback,
		lookahead:   cfg.Lookahead,
		passTimeout: cfg.PassTimeout,
		advisoryKey: cfg.AdvisoryLockKey,
		now:         cfg.Now,
	}
}

// Run executes a pass immediately and then on every tick until ctx ends.
// Only the instance holding the advisory lock reconciles, so running more
// than one copy of the service is safe.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}

	if r.pool != nil {
		if !r.acquireLock(ctx) {
			return
		}
		defer func() {
			_, _ = r.pool.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, r.advisoryKey)
		}()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// First pass right away so a restart self-heals without waiting a tick.
	r.runPass(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runPass(ctx)
		}
	}
}

func (r *Reconciler) acquireLock(ctx context.Context) bool {
	for {
		if ctx.Err() != nil {
			return false
		}
		var locked bool
		if err := r.pool.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, r.advisoryKey).Scan(&locked); err != nil {
			r.logger.Error("sync: failed to acquire advisory lock", "err", err)
			sleepCtx(ctx, 5*time.Second)
			continue
		}
		if !locked {
			r.logger.Info("sync: advisory lock held by another instance", "lock_key", r.advisoryKey)
			sleepCtx(ctx, 30*time.Second)
			continue
		}
		return true
	}
}

func (r *Reconciler) runPass(ctx context.Context) {
	passCtx, cancel := context.WithTimeout(ctx, r.passTimeout)
	defer cancel()

	res, err := r.ReconcileOnce(passCtx)
	if err != nil {
		// Fatal for this pass only; the next tick retries.
		r.logger.Error("sync pass failed", "err", err)
		return
	}
	r.logger.Info("sync pass complete", "created", res.Created, "updated", res.Updated, "total", res.Total)
}

// ReconcileOnce resolves the token's own account and reconciles as that
// identity.
func (r *Reconciler) ReconcileOnce(ctx context.Context) (Result, error) {
	account, err := r.api.CurrentUser(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("fetch account: %w", err)
	}
	id := r.resolver.Resolve(ctx, account.Email)
	return r.reconcile(ctx, account, id)
}

// ReconcileAs runs one pass attributing records to the given identity. Used
// by the callable entry point, which names the therapist explicitly.
func (r *Reconciler) ReconcileAs(ctx context.Context, id identity.Identity) (Result, error) {
	account, err := r.api.CurrentUser(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("fetch account: %w", err)
	}
	return r.reconcile(ctx, account, id)
}

// reconcile is all-or-nothing up to the event listing and best-effort per
// event after it: one bad event or store write never blocks the rest.
func (r *Reconciler) reconcile(ctx context.Context, account calendly.Account, id identity.Identity) (Result, error) {
	now := r.now().UTC()
	window := calendly.Window{
		MinStart: now.Add(-r.lookback),
		MaxStart: now.Add(r.lookahead),
	}
	events, err := r.api.ListScheduledEvents(ctx, account.OrganizationURI, window, calendly.EventStatusActive)
	if err != nil {
		return Result{}, fmt.Errorf("list events: %w", err)
	}

	var res Result
	for _, ev := range events {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		r.reconcileEvent(ctx, ev, id, now, &res)
	}

	snap, err := r.stats.Recompute(ctx, r.source)
	if err != nil {
		r.logger.Error("stats recompute failed", "err", err)
	} else {
		res.Total = snap.TotalBookings
	}
	return res, nil
}

// reconcileEvent processes one event sequentially. Events key on disjoint
// event ids, so this loop could run with bounded parallelism without changing
// the outcome.
func (r *Reconciler) reconcileEvent(ctx context.Context, ev calendly.Event, id identity.Identity, now time.Time, res *Result) {
	eventID := EventID(ev.URI)
	if eventID == "" {
		r.logger.Warn("skipping event with empty uri")
		return
	}

	invitees, err := r.api.ListInvitees(ctx, ev.URI)
	if err != nil {
		// Soft failure: sync the event without a client identity.
		r.logger.Warn("invitee fetch failed, mapping without invitee", "err", err, "event_id", eventID)
		invitees = nil
	}
	var first *calendly.Invitee
	if len(invitees) > 0 {
		first = &invitees[0]
	}

	candidate := MapEvent(ev, first, id, r.source, now)

	existing, found, err := r.store.GetByEventID(ctx, eventID)
	if err != nil {
		r.logger.Warn("appointment lookup failed, skipping event", "err", err, "event_id", eventID)
		return
	}

	if !found {
		if err := r.store.Insert(ctx, candidate); err != nil {
			r.logger.Warn("appointment insert failed", "err", err, "event_id", eventID)
			return
		}
		res.Created++
		return
	}

	if existing.Status == candidate.Status {
		// Unchanged: no write. The pass runs every few minutes and must not
		// generate spurious version bumps.
		return
	}
	if model.Terminal(existing.Status) {
		// completed/cancelled never revert to scheduled.
		return
	}
	if err := r.store.UpdateStatus(ctx, eventID, candidate.Status, now); err != nil {
		r.logger.Warn("appointment status update failed", "err", err, "event_id", eventID)
		return
	}
	res.Updated++
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
