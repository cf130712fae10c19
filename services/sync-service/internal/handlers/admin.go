package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"counselsync/libs/auth"
	"counselsync/services/sync-service/internal/model"
)

// RoleStore is the slice of storage the role migration touches.
type RoleStore interface {
	ListTherapists(ctx context.Context) ([]model.Therapist, error)
	PortalUserForTherapist(ctx context.Context, therapistID string) (model.PortalUser, bool, error)
	SetPortalUserRole(ctx context.Context, userID, role string) error
}

type AdminHandler struct {
	store        RoleStore
	logger       *slog.Logger
	adminKeyHash string
}

// NewAdminHandler takes the bcrypt hash of the operational admin key
// (ADMIN_KEY_HASH); the raw key is only ever presented by the operator.
func NewAdminHandler(store RoleStore, logger *slog.Logger, adminKeyHash string) *AdminHandler {
	return &AdminHandler{
		store:        store,
		logger:       logger,
		adminKeyHash: strings.TrimSpace(adminKeyHash),
	}
}

type roleMigrationResponse struct {
	Fixed          int `json:"fixed"`
	AlreadyCorrect int `json:"already_correct"`
	Errors         int `json:"errors"`
}

// RoleMigration walks every therapist profile and ensures its linked portal
// identity carries the therapist role. Safe to re-run any number of times.
func (h *AdminHandler) RoleMigration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.adminKeyHash == "" {
		http.Error(w, "admin endpoint disabled", http.StatusServiceUnavailable)
		return
	}
	key := r.Header.Get("X-Admin-Key")
	if key == "" || bcrypt.CompareHashAndPassword([]byte(h.adminKeyHash), []byte(key)) != nil {
		http.Error(w, "invalid admin key", http.StatusUnauthorized)
		return
	}

	ctx := r.Context()
	therapists, err := h.store.ListTherapists(ctx)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}

	var resp roleMigrationResponse
	for _, t := range therapists {
		user, found, err := h.store.PortalUserForTherapist(ctx, t.ID)
		if err != nil {
			h.logger.Warn("portal user lookup failed", "err", err, "therapist_id", t.ID)
			resp.Errors++
			continue
		}
		if !found {
			h.logger.Warn("therapist has no linked portal user", "therapist_id", t.ID)
			resp.Errors++
			continue
		}
		if user.Role == auth.RoleTherapist {
			resp.AlreadyCorrect++
			continue
		}
		if err := h.store.SetPortalUserRole(ctx, user.ID, auth.RoleTherapist); err != nil {
			h.logger.Warn("role update failed", "err", err, "portal_user_id", user.ID)
			resp.Errors++
			continue
		}
		h.logger.Info("portal user role fixed", "portal_user_id", user.ID, "therapist_id", t.ID, "was", user.Role)
		resp.Fixed++
	}

	writeJSON(w, http.StatusOK, resp)
}
