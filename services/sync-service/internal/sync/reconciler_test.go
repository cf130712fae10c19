package sync

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"counselsync/services/sync-service/internal/calendly"
	"counselsync/services/sync-service/internal/identity"
	"counselsync/services/sync-service/internal/model"
)

type fakeAPI struct {
	account    calendly.Account
	accountErr error
	events     []calendly.Event
	listErr    error
	invitees   map[string][]calendly.Invitee
	inviteeErr map[string]error
}

func (f *fakeAPI) CurrentUser(context.Context) (calendly.Account, error) {
	if f.accountErr != nil {
		return calendly.Account{}, f.accountErr
	}
	return f.account, nil
}

func (f *fakeAPI) ListScheduledEvents(context.Context, string, calendly.Window, string) ([]calendly.Event, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.events, nil
}

func (f *fakeAPI) ListInvitees(_ context.Context, eventURI string) ([]calendly.Invitee, error) {
	id := calendly.LastPathSegment(eventURI)
	if err := f.inviteeErr[id]; err != nil {
		return nil, err
	}
	return f.invitees[id], nil
}

type memStore struct {
	records map[string]model.Appointment
	getErr  map[string]error
	inserts []string
	updates []string
}

func newMemStore() *memStore {
	return &memStore{records: map[string]model.Appointment{}}
}

func (s *memStore) GetByEventID(_ context.Context, eventID string) (model.Appointment, bool, error) {
	if err := s.getErr[eventID]; err != nil {
		return model.Appointment{}, false, err
	}
	appt, ok := s.records[eventID]
	return appt, ok, nil
}

func (s *memStore) Insert(_ context.Context, appt model.Appointment) error {
	s.records[appt.EventID] = appt
	s.inserts = append(s.inserts, appt.EventID)
	return nil
}

// UpdateStatus mirrors the repository's merge write: status and updated_at
// only, and only while the record is still scheduled.
func (s *memStore) UpdateStatus(_ context.Context, eventID, status string, updatedAt time.Time) error {
	appt, ok := s.records[eventID]
	if !ok || appt.Status != model.StatusScheduled {
		return nil
	}
	appt.Status = status
	appt.UpdatedAt = updatedAt
	s.records[eventID] = appt
	s.updates = append(s.updates, eventID)
	return nil
}

type fakeStats struct {
	store    *memStore
	lastType string
	err      error
}

func (f *fakeStats) Recompute(_ context.Context, syncType string) (model.StatsSnapshot, error) {
	if f.err != nil {
		return model.StatsSnapshot{}, f.err
	}
	f.lastType = syncType
	return model.StatsSnapshot{TotalBookings: len(f.store.records), SyncType: syncType}, nil
}

type staticResolver struct{ id identity.Identity }

func (r staticResolver) Resolve(context.Context, string) identity.Identity { return r.id }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func activeEvent(id string, start time.Time) calendly.Event {
	return calendly.Event{
		URI:       "https://api.calendly.com/scheduled_events/" + id,
		Name:      "Session",
		Status:    "active",
		StartTime: start,
		EndTime:   start.Add(50 * time.Minute),
	}
}

func newTestReconciler(api *fakeAPI, store *memStore) (*Reconciler, *fakeStats) {
	stats := &fakeStats{store: store}
	r := NewReconciler(api, store, staticResolver{id: identity.Identity{TherapistID: "ther-1", Email: "dr.lane@example.com"}}, stats, nil, discardLogger(), Config{
		Source: "scheduled",
		Now:    func() time.Time { return time.Date(2025, 1, 9, 12, 0, 0, 0, time.UTC) },
	})
	return r, stats
}

func TestReconcile_CreatesNewAppointment(t *testing.T) {
	start := time.Date(2025, 1, 10, 15, 0, 0, 0, time.UTC)
	api := &fakeAPI{
		account: calendly.Account{Email: "dr.lane@example.com", OrganizationURI: "org"},
		events:  []calendly.Event{activeEvent("abc", start)},
		invitees: map[string][]calendly.Invitee{
			"abc": {{Email: "client@example.com", Name: "J. Doe"}},
		},
	}
	store := newMemStore()
	r, _ := newTestReconciler(api, store)

	res, err := r.ReconcileOnce(context.Background())
	if err != nil {
		t.Fatalf("ReconcileOnce failed: %v", err)
	}
	if res.Created != 1 || res.Updated != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Total != 1 {
		t.Fatalf("expected total 1, got %d", res.Total)
	}

	appt := store.records["abc"]
	if appt.Status != model.StatusScheduled {
		t.Fatalf("unexpected status %q", appt.Status)
	}
	if appt.ClientEmail != "client@example.com" || appt.InviteeName != "J. Doe" {
		t.Fatalf("unexpected record %+v", appt)
	}
}

func TestReconcile_SecondRunIsNoOp(t *testing.T) {
	start := time.Date(2025, 1, 10, 15, 0, 0, 0, time.UTC)
	api := &fakeAPI{
		account: calendly.Account{Email: "dr.lane@example.com"},
		events:  []calendly.Event{activeEvent("abc", start)},
		invitees: map[string][]calendly.Invitee{
			"abc": {{Email: "client@example.com", Name: "J. Doe"}},
		},
	}
	store := newMemStore()
	r, _ := newTestReconciler(api, store)

	if _, err := r.ReconcileOnce(context.Background()); err != nil {
		t.Fatalf("first pass failed: %v", err)
	}
	res, err := r.ReconcileOnce(context.Background())
	if err != nil {
		t.Fatalf("second pass failed: %v", err)
	}
	if res.Created != 0 || res.Updated != 0 {
		t.Fatalf("expected no-op second pass, got %+v", res)
	}
	if len(store.inserts) != 1 || len(store.updates) != 0 {
		t.Fatalf("unexpected writes: inserts=%v updates=%v", store.inserts, store.updates)
	}
}

func TestReconcile_CancellationObserved(t *testing.T) {
	start := time.Date(2025, 1, 10, 15, 0, 0, 0, time.UTC)
	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	store := newMemStore()
	store.records["abc"] = model.Appointment{
		EventID:   "abc",
		Status:    model.StatusScheduled,
		StartTime: start,
		CreatedAt: created,
		UpdatedAt: created,
	}

	ev := activeEvent("abc", start)
	ev.Status = "canceled"
	api := &fakeAPI{
		account: calendly.Account{Email: "dr.lane@example.com"},
		events:  []calendly.Event{ev},
	}
	r, _ := newTestReconciler(api, store)

	res, err := r.ReconcileOnce(context.Background())
	if err != nil {
		t.Fatalf("ReconcileOnce failed: %v", err)
	}
	if res.Created != 0 || res.Updated != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	appt := store.records["abc"]
	if appt.Status != model.StatusCancelled {
		t.Fatalf("unexpected status %q", appt.Status)
	}
	if !appt.CreatedAt.Equal(created) {
		t.Fatalf("created_at changed: %v", appt.CreatedAt)
	}
	if appt.UpdatedAt.Equal(created) {
		t.Fatal("updated_at was not refreshed")
	}
}

func TestReconcile_NeverResurrectsTerminal(t *testing.T) {
	start := time.Date(2025, 1, 10, 15, 0, 0, 0, time.UTC)
	for _, status := range []string{model.StatusCancelled, model.StatusCompleted} {
		store := newMemStore()
		store.records["abc"] = model.Appointment{EventID: "abc", Status: status, StartTime: start}

		api := &fakeAPI{
			account: calendly.Account{Email: "dr.lane@example.com"},
			events:  []calendly.Event{activeEvent("abc", start)},
		}
		r, _ := newTestReconciler(api, store)

		res, err := r.ReconcileOnce(context.Background())
		if err != nil {
			t.Fatalf("ReconcileOnce failed: %v", err)
		}
		if res.Created != 0 || res.Updated != 0 {
			t.Fatalf("terminal %s record was written: %+v", status, res)
		}
		if store.records["abc"].Status != status {
			t.Fatalf("terminal %s record transitioned to %q", status, store.records["abc"].Status)
		}
	}
}

func TestReconcile_InviteeFailureIsolated(t *testing.T) {
	start := time.Date(2025, 1, 10, 15, 0, 0, 0, time.UTC)
	api := &fakeAPI{
		account: calendly.Account{Email: "dr.lane@example.com"},
		events: []calendly.Event{
			activeEvent("e1", start),
			activeEvent("e2", start.Add(time.Hour)),
			activeEvent("e3", start.Add(2*time.Hour)),
		},
		invitees: map[string][]calendly.Invitee{
			"e1": {{Email: "a@example.com", Name: "A"}},
			"e3": {{Email: "c@example.com", Name: "C"}},
		},
		inviteeErr: map[string]error{"e2": errors.New("boom")},
	}
	store := newMemStore()
	r, _ := newTestReconciler(api, store)

	res, err := r.ReconcileOnce(context.Background())
	if err != nil {
		t.Fatalf("ReconcileOnce failed: %v", err)
	}
	if res.Created != 3 {
		t.Fatalf("expected 3 created, got %+v", res)
	}
	if store.records["e1"].ClientEmail != "a@example.com" || store.records["e3"].ClientEmail != "c@example.com" {
		t.Fatal("healthy events mis-mapped")
	}
	if store.records["e2"].ClientEmail != model.ClientUnknown {
		t.Fatalf("expected fallback client for e2, got %q", store.records["e2"].ClientEmail)
	}
}

func TestReconcile_StoreFailureSkipsRecord(t *testing.T) {
	start := time.Date(2025, 1, 10, 15, 0, 0, 0, time.UTC)
	api := &fakeAPI{
		account: calendly.Account{Email: "dr.lane@example.com"},
		events: []calendly.Event{
			activeEvent("e1", start),
			activeEvent("e2", start.Add(time.Hour)),
		},
	}
	store := newMemStore()
	store.getErr = map[string]error{"e2": errors.New("store down")}
	r, _ := newTestReconciler(api, store)

	res, err := r.ReconcileOnce(context.Background())
	if err != nil {
		t.Fatalf("ReconcileOnce failed: %v", err)
	}
	if res.Created != 1 {
		t.Fatalf("expected 1 created, got %+v", res)
	}
	if _, ok := store.records["e2"]; ok {
		t.Fatal("failed record should have been skipped")
	}
}

func TestReconcile_ListFailureAbortsPass(t *testing.T) {
	api := &fakeAPI{
		account: calendly.Account{Email: "dr.lane@example.com"},
		listErr: &calendly.UpstreamError{Status: 502, Path: "/scheduled_events"},
	}
	store := newMemStore()
	r, _ := newTestReconciler(api, store)

	_, err := r.ReconcileOnce(context.Background())
	var upstream *calendly.UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if len(store.inserts) != 0 || len(store.updates) != 0 {
		t.Fatal("aborted pass must leave local data untouched")
	}
}

func TestReconcile_AuthFailureAbortsPass(t *testing.T) {
	api := &fakeAPI{accountErr: &calendly.AuthError{Status: 401}}
	store := newMemStore()
	r, _ := newTestReconciler(api, store)

	_, err := r.ReconcileOnce(context.Background())
	var authErr *calendly.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
}

func TestReconcileAs_UsesGivenIdentityAndSource(t *testing.T) {
	start := time.Date(2025, 1, 10, 15, 0, 0, 0, time.UTC)
	api := &fakeAPI{
		account: calendly.Account{Email: "front-desk@example.com"},
		events:  []calendly.Event{activeEvent("abc", start)},
	}
	store := newMemStore()
	stats := &fakeStats{store: store}
	r := NewReconciler(api, store, staticResolver{}, stats, nil, discardLogger(), Config{Source: "manual"})

	res, err := r.ReconcileAs(context.Background(), identity.Identity{TherapistID: "ther-9", Email: "dr.okafor@example.com"})
	if err != nil {
		t.Fatalf("ReconcileAs failed: %v", err)
	}
	if res.Created != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	appt := store.records["abc"]
	if appt.TherapistID != "ther-9" || appt.Source != "manual" {
		t.Fatalf("unexpected attribution %+v", appt)
	}
	if stats.lastType != "manual" {
		t.Fatalf("stats recomputed with sync type %q", stats.lastType)
	}
}
