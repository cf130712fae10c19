package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"counselsync/libs/auth"
	"counselsync/libs/httpx"
	"counselsync/services/sync-service/internal/identity"
	"counselsync/services/sync-service/internal/model"
	"counselsync/services/sync-service/internal/sync"
)

const testSecret = "test-secret"

type fakeSyncer struct {
	result sync.Result
	err    error
	lastID identity.Identity
	calls  int
}

func (f *fakeSyncer) ReconcileAs(_ context.Context, id identity.Identity) (sync.Result, error) {
	f.calls++
	f.lastID = id
	if f.err != nil {
		return sync.Result{}, f.err
	}
	return f.result, nil
}

type fakeDirectory struct {
	therapists map[string]model.Therapist
	err        error
}

func (f *fakeDirectory) GetByID(_ context.Context, id string) (model.Therapist, bool, error) {
	if f.err != nil {
		return model.Therapist{}, false, f.err
	}
	t, ok := f.therapists[id]
	return t, ok, nil
}

type fakeLister struct {
	appts  []model.Appointment
	err    error
	lastID string
	limit  int
}

func (f *fakeLister) ListByTherapist(_ context.Context, therapistID string, limit int) ([]model.Appointment, error) {
	f.lastID = therapistID
	f.limit = limit
	if f.err != nil {
		return nil, f.err
	}
	return f.appts, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func signedToken(t *testing.T, therapistID, role string) string {
	t.Helper()
	token, err := auth.SignHS256(auth.Claims{
		Sub:         "user-1",
		TherapistID: therapistID,
		Role:        role,
		Exp:         time.Now().Add(time.Hour).Unix(),
		Iat:         time.Now().Unix(),
	}, testSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func doSync(h *SyncHandler, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/sync", strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler := httpx.WithBearerAuth(testSecret, auth.RoleTherapist, auth.RoleAdmin)(http.HandlerFunc(h.Sync))
	handler.ServeHTTP(rec, req)
	return rec
}

func TestSync_TherapistSyncsOwnCalendar(t *testing.T) {
	syncer := &fakeSyncer{result: sync.Result{Created: 2, Updated: 1, Total: 12}}
	dir := &fakeDirectory{therapists: map[string]model.Therapist{
		"ther-1": {ID: "ther-1", CalendlyEmail: "dr.lane@example.com"},
	}}
	h := NewSyncHandler(syncer, dir, &fakeLister{}, discardLogger())

	rec := doSync(h, signedToken(t, "ther-1", auth.RoleTherapist), `{"therapist_id":"ther-1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Created int `json:"created"`
		Updated int `json:"updated"`
		Total   int `json:"total"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Created != 2 || resp.Updated != 1 || resp.Total != 12 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if syncer.lastID.TherapistID != "ther-1" || syncer.lastID.Email != "dr.lane@example.com" {
		t.Fatalf("unexpected identity %+v", syncer.lastID)
	}
}

func TestSync_TherapistCannotSyncOthers(t *testing.T) {
	syncer := &fakeSyncer{}
	dir := &fakeDirectory{therapists: map[string]model.Therapist{
		"ther-2": {ID: "ther-2"},
	}}
	h := NewSyncHandler(syncer, dir, &fakeLister{}, discardLogger())

	rec := doSync(h, signedToken(t, "ther-1", auth.RoleTherapist), `{"therapist_id":"ther-2"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if syncer.calls != 0 {
		t.Fatal("sync must not run for a foreign therapist id")
	}
}

func TestSync_AdminSyncsAnyTherapist(t *testing.T) {
	syncer := &fakeSyncer{result: sync.Result{Created: 1}}
	dir := &fakeDirectory{therapists: map[string]model.Therapist{
		"ther-2": {ID: "ther-2", CalendlyEmail: "dr.okafor@example.com"},
	}}
	h := NewSyncHandler(syncer, dir, &fakeLister{}, discardLogger())

	rec := doSync(h, signedToken(t, "", auth.RoleAdmin), `{"therapist_id":"ther-2"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	if syncer.lastID.TherapistID != "ther-2" {
		t.Fatalf("unexpected identity %+v", syncer.lastID)
	}
}

func TestSync_UnknownTherapist(t *testing.T) {
	h := NewSyncHandler(&fakeSyncer{}, &fakeDirectory{}, &fakeLister{}, discardLogger())
	rec := doSync(h, signedToken(t, "", auth.RoleAdmin), `{"therapist_id":"nope"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unexpected status %d", rec.Code)
	}
}

func TestSync_ProviderFailure(t *testing.T) {
	syncer := &fakeSyncer{err: errors.New("provider 502")}
	dir := &fakeDirectory{therapists: map[string]model.Therapist{"ther-1": {ID: "ther-1"}}}
	h := NewSyncHandler(syncer, dir, &fakeLister{}, discardLogger())

	rec := doSync(h, signedToken(t, "ther-1", auth.RoleTherapist), `{"therapist_id":"ther-1"}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var resp struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error != "sync failed" {
		t.Fatalf("unexpected error body %q", resp.Error)
	}
}

func TestSync_RejectsMissingToken(t *testing.T) {
	h := NewSyncHandler(&fakeSyncer{}, &fakeDirectory{}, &fakeLister{}, discardLogger())
	rec := doSync(h, "", `{"therapist_id":"ther-1"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status %d", rec.Code)
	}
}

func TestSync_MethodNotAllowed(t *testing.T) {
	h := NewSyncHandler(&fakeSyncer{}, &fakeDirectory{}, &fakeLister{}, discardLogger())
	req := httptest.NewRequest(http.MethodGet, "/v1/sync", nil)
	rec := httptest.NewRecorder()
	h.Sync(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("unexpected status %d", rec.Code)
	}
}

func TestSync_InvalidBody(t *testing.T) {
	h := NewSyncHandler(&fakeSyncer{}, &fakeDirectory{}, &fakeLister{}, discardLogger())
	rec := doSync(h, signedToken(t, "ther-1", auth.RoleTherapist), `{`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status %d", rec.Code)
	}
}

func doList(h *SyncHandler, token, query string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/v1/appointments"+query, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler := httpx.WithBearerAuth(testSecret, auth.RoleTherapist, auth.RoleAdmin)(http.HandlerFunc(h.ListAppointments))
	handler.ServeHTTP(rec, req)
	return rec
}

func TestListAppointments_TherapistScopedToOwnRecords(t *testing.T) {
	lister := &fakeLister{appts: []model.Appointment{{
		EventID:     "abc",
		TherapistID: "ther-1",
		ClientEmail: "client@example.com",
		StartTime:   time.Date(2025, 1, 10, 15, 0, 0, 0, time.UTC),
		EndTime:     time.Date(2025, 1, 10, 15, 50, 0, 0, time.UTC),
		Status:      model.StatusScheduled,
	}}}
	h := NewSyncHandler(&fakeSyncer{}, &fakeDirectory{}, lister, discardLogger())

	// A therapist asking for another id still gets their own records.
	rec := doList(h, signedToken(t, "ther-1", auth.RoleTherapist), "?therapist_id=ther-2")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	if lister.lastID != "ther-1" {
		t.Fatalf("query not scoped to token identity: %q", lister.lastID)
	}
	if lister.limit != 50 {
		t.Fatalf("unexpected default limit %d", lister.limit)
	}

	var resp struct {
		Appointments []struct {
			EventID   string `json:"event_id"`
			StartTime string `json:"start_time"`
		} `json:"appointments"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Appointments) != 1 || resp.Appointments[0].EventID != "abc" {
		t.Fatalf("unexpected appointments %+v", resp.Appointments)
	}
	if resp.Appointments[0].StartTime != "2025-01-10T15:00:00Z" {
		t.Fatalf("unexpected start time %q", resp.Appointments[0].StartTime)
	}
}

func TestListAppointments_AdminNamesAnyTherapist(t *testing.T) {
	lister := &fakeLister{}
	h := NewSyncHandler(&fakeSyncer{}, &fakeDirectory{}, lister, discardLogger())

	rec := doList(h, signedToken(t, "", auth.RoleAdmin), "?therapist_id=ther-2&limit=10")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if lister.lastID != "ther-2" || lister.limit != 10 {
		t.Fatalf("unexpected query %q/%d", lister.lastID, lister.limit)
	}
}

func TestListAppointments_InvalidLimit(t *testing.T) {
	h := NewSyncHandler(&fakeSyncer{}, &fakeDirectory{}, &fakeLister{}, discardLogger())
	for _, q := range []string{"?limit=0", "?limit=501", "?limit=abc"} {
		rec := doList(h, signedToken(t, "ther-1", auth.RoleTherapist), q)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: unexpected status %d", q, rec.Code)
		}
	}
}
