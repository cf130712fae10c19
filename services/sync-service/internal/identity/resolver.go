package identity

import (
	"context"
	"log/slog"

	"counselsync/services/sync-service/internal/model"
)

// Identity is the resolved owner of synced appointments.
type Identity struct {
	TherapistID string
	Email       string
}

// Directory looks up therapist profiles by the email their Calendly account
// uses.
type Directory interface {
	TherapistByCalendlyEmail(ctx context.Context, email string) (model.Therapist, bool, error)
}

type Resolver struct {
	dir    Directory
	logger *slog.Logger
}

func NewResolver(dir Directory, logger *slog.Logger) *Resolver {
	return &Resolver{dir: dir, logger: logger}
}

// Resolve maps a provider account email to a therapist identity. Lookup is
// best-effort: on a miss or a store error the email itself becomes the
// therapist id, so records are never orphaned for lack of a mapping.
func (r *Resolver) Resolve(ctx context.Context, email string) Identity {
	t, ok, err := r.dir.TherapistByCalendlyEmail(ctx, email)
	if err != nil {
		r.logger.Warn("therapist lookup failed, falling back to email identity", "err", err, "email", email)
		return Identity{TherapistID: email, Email: email}
	}
	if !ok {
		return Identity{TherapistID: email, Email: email}
	}
	return Identity{TherapistID: t.ID, Email: email}
}
