package storage

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"counselsync/libs/db"
	"counselsync/services/sync-service/internal/model"
)

// TherapistRepository reads practice profiles and the portal identities
// linked to them.
type TherapistRepository struct {
	pool *db.Pool
}

func NewTherapistRepository(pool *db.Pool) *TherapistRepository {
	return &TherapistRepository{pool: pool}
}

const therapistColumns = `id, email, COALESCE(name, ''), COALESCE(calendly_email, email)`

func (r *TherapistRepository) TherapistByCalendlyEmail(ctx context.Context, email string) (model.Therapist, bool, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+therapistColumns+`
		FROM therapists
		WHERE calendly_email = $1 OR email = $1
		LIMIT 1
	`, email)
	return scanTherapist(row)
}

func (r *TherapistRepository) GetByID(ctx context.Context, id string) (model.Therapist, bool, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+therapistColumns+`
		FROM therapists
		WHERE id = $1
	`, id)
	return scanTherapist(row)
}

func (r *TherapistRepository) ListTherapists(ctx context.Context) ([]model.Therapist, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+therapistColumns+`
		FROM therapists
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var therapists []model.Therapist
	for rows.Next() {
		t, _, err := scanTherapist(rows)
		if err != nil {
			return nil, err
		}
		therapists = append(therapists, t)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return therapists, nil
}

func (r *TherapistRepository) PortalUserForTherapist(ctx context.Context, therapistID string) (model.PortalUser, bool, error) {
	var u model.PortalUser
	err := r.pool.QueryRow(ctx, `
		SELECT id, email, therapist_id, COALESCE(role, '')
		FROM portal_users
		WHERE therapist_id = $1
		LIMIT 1
	`, therapistID).Scan(&u.ID, &u.Email, &u.TherapistID, &u.Role)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.PortalUser{}, false, nil
	}
	if err != nil {
		return model.PortalUser{}, false, err
	}
	return u, true, nil
}

func (r *TherapistRepository) SetPortalUserRole(ctx context.Context, userID, role string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE portal_users
		SET role = $2,
			updated_at = now()
		WHERE id = $1
	`, userID, role)
	return err
}

func scanTherapist(row pgx.Row) (model.Therapist, bool, error) {
	var t model.Therapist
	err := row.Scan(&t.ID, &t.Email, &t.Name, &t.CalendlyEmail)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Therapist{}, false, nil
	}
	if err != nil {
		return model.Therapist{}, false, err
	}
	return t, true, nil
}
