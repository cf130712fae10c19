package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"counselsync/libs/auth"
	"counselsync/libs/httpx"
	"counselsync/services/sync-service/internal/identity"
	"counselsync/services/sync-service/internal/model"
	"counselsync/services/sync-service/internal/sync"
)

// Syncer runs one reconciliation pass attributed to an explicit identity.
type Syncer interface {
	ReconcileAs(ctx context.Context, id identity.Identity) (sync.Result, error)
}

// TherapistDirectory resolves the therapist named in a sync request.
type TherapistDirectory interface {
	GetByID(ctx context.Context, id string) (model.Therapist, bool, error)
}

// AppointmentLister serves the portal's read view.
type AppointmentLister interface {
	ListByTherapist(ctx context.Context, therapistID string, limit int) ([]model.Appointment, error)
}

type SyncHandler struct {
	syncer     Syncer
	therapists TherapistDirectory
	lister     AppointmentLister
	logger     *slog.Logger
}

func NewSyncHandler(syncer Syncer, therapists TherapistDirectory, lister AppointmentLister, logger *slog.Logger) *SyncHandler {
	return &SyncHandler{
		syncer:     syncer,
		therapists: therapists,
		lister:     lister,
		logger:     logger,
	}
}

type syncRequest struct {
	TherapistID string `json:"therapist_id"`
}

type syncResponse struct {
	Created int    `json:"created"`
	Updated int    `json:"updated"`
	Total   int    `json:"total"`
	Error   string `json:"error,omitempty"`
}

// Sync is the on-demand counterpart of the scheduled pass. The client only
// triggers it; the provider credential never leaves the server.
func (h *SyncHandler) Sync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.TherapistID = strings.TrimSpace(req.TherapistID)
	if req.TherapistID == "" {
		http.Error(w, "therapist_id is required", http.StatusBadRequest)
		return
	}

	claims := httpx.ClaimsFromContext(r.Context())
	if claims != nil && claims.Role != auth.RoleAdmin && claims.TherapistID != req.TherapistID {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	ctx := r.Context()
	therapist, found, err := h.therapists.GetByID(ctx, req.TherapistID)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	if !found {
		http.Error(w, "unknown therapist", http.StatusNotFound)
		return
	}

	res, err := h.syncer.ReconcileAs(ctx, identity.Identity{
		TherapistID: therapist.ID,
		Email:       therapist.CalendlyEmail,
	})
	if err != nil {
		h.logger.Error("manual sync failed", "err", err, "therapist_id", therapist.ID)
		writeJSON(w, http.StatusBadGateway, syncResponse{Error: "sync failed"})
		return
	}

	writeJSON(w, http.StatusOK, syncResponse{
		Created: res.Created,
		Updated: res.Updated,
		Total:   res.Total,
	})
}

type appointmentItem struct {
	EventID     string `json:"event_id"`
	TherapistID string `json:"therapist_id"`
	ClientEmail string `json:"client_email"`
	InviteeName string `json:"invitee_name"`
	StartTime   string `json:"start_time"`
	EndTime     string `json:"end_time"`
	Status      string `json:"status"`
	CompletedAt string `json:"completed_at,omitempty"`
}

// ListAppointments serves the therapist portal. Therapists see their own
// records; admins may name any therapist_id.
func (h *SyncHandler) ListAppointments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	therapistID := strings.TrimSpace(r.URL.Query().Get("therapist_id"))
	claims := httpx.ClaimsFromContext(r.Context())
	if claims != nil && claims.Role != auth.RoleAdmin {
		therapistID = claims.TherapistID
	}
	if therapistID == "" {
		http.Error(w, "therapist_id is required", http.StatusBadRequest)
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	appts, err := h.lister.ListByTherapist(r.Context(), therapistID, limit)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}

	items := make([]appointmentItem, 0, len(appts))
	for _, appt := range appts {
		item := appointmentItem{
			EventID:     appt.EventID,
			TherapistID: appt.TherapistID,
			ClientEmail: appt.ClientEmail,
			InviteeName: appt.InviteeName,
			StartTime:   appt.StartTime.UTC().Format(time.RFC3339),
			EndTime:     appt.EndTime.UTC().Format(time.RFC3339),
			Status:      appt.Status,
		}
		if appt.CompletedAt != nil {
			item.CompletedAt = appt.CompletedAt.UTC().Format(time.RFC3339)
		}
		items = append(items, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{"appointments": items})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
