package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"counselsync/libs/db"
	"counselsync/services/sync-service/internal/model"
	"counselsync/services/sync-service/internal/outbox"
)

type AppointmentRepository struct {
	pool   *db.Pool
	outbox *outbox.Repository
}

func NewAppointmentRepository(pool *db.Pool, outboxRepo *outbox.Repository) *AppointmentRepository {
	return &AppointmentRepository{pool: pool, outbox: outboxRepo}
}

const appointmentColumns = `
	event_id, external_uri, therapist_id, therapist_email, client_email, invitee_name,
	start_time, end_time, status, source, created_at, updated_at, completed_at`

func (r *AppointmentRepository) GetByEventID(ctx context.Context, eventID string) (model.Appointment, bool, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE event_id = $1
	`, eventID)
	appt, err := scanAppointment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Appointment{}, false, nil
	}
	if err != nil {
		return model.Appointment{}, false, err
	}
	return appt, true, nil
}

// Insert creates the record and queues a synced event in one transaction.
// created_at is written here and never touched again.
func (r *AppointmentRepository) Insert(ctx context.Context, appt model.Appointment) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO appointments
			(event_id, external_uri, therapist_id, therapist_email, client_email, invitee_name,
			 start_time, end_time, status, source, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
	`, appt.EventID, appt.ExternalURI, appt.TherapistID, appt.TherapistEmail, appt.ClientEmail,
		appt.InviteeName, appt.StartTime, appt.EndTime, appt.Status, appt.Source, appt.CreatedAt)
	if err != nil {
		return err
	}

	if err := r.outbox.Insert(ctx, tx, outbox.Event{
		AggregateType: "appointment",
		AggregateID:   appt.EventID,
		EventType:     outbox.EventAppointmentSynced,
		Payload:       appointmentPayload(appt, appt.CreatedAt),
	}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// UpdateStatus is a merge write: status and updated_at only, and only while
// the record is still scheduled. A concurrent transition to a terminal status
// makes this a silent no-op, which keeps overlapping passes commutative.
func (r *AppointmentRepository) UpdateStatus(ctx context.Context, eventID, status string, updatedAt time.Time) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
			updated_at = $3
		WHERE event_id = $1 AND status = 'scheduled'
		RETURNING `+appointmentColumns+`
	`, eventID, status, updatedAt)
	appt, err := scanAppointment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return tx.Commit(ctx)
	}
	if err != nil {
		return err
	}

	if status == model.StatusCancelled {
		if err := r.outbox.Insert(ctx, tx, outbox.Event{
			AggregateType: "appointment",
			AggregateID:   eventID,
			EventType:     outbox.EventAppointmentCancelled,
			Payload:       appointmentPayload(appt, updatedAt),
		}); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// CompleteDue moves every scheduled appointment whose start time has passed
// to completed, bounded to limit, atomically with its outbox events.
func (r *AppointmentRepository) CompleteDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		UPDATE appointments
		SET status = 'completed',
			completed_at = $1,
			updated_at = $1
		WHERE event_id IN (
			SELECT event_id FROM appointments
			WHERE status = 'scheduled' AND start_time <= $1
			ORDER BY start_time
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+appointmentColumns+`
	`, now, limit)
	if err != nil {
		return nil, err
	}
	completed, err := collectAppointments(rows)
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, appt := range completed {
		if err := r.outbox.Insert(ctx, tx, outbox.Event{
			AggregateType: "appointment",
			AggregateID:   appt.EventID,
			EventType:     outbox.EventAppointmentCompleted,
			Payload:       appointmentPayload(appt, now),
		}); err != nil {
			return nil, err
		}
		ids = append(ids, appt.EventID)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *AppointmentRepository) ListByTherapist(ctx context.Context, therapistID string, limit int) ([]model.Appointment, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE therapist_id = $1
		ORDER BY start_time DESC
		LIMIT $2
	`, therapistID, limit)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func appointmentPayload(appt model.Appointment, occurredAt time.Time) []byte {
	payload, _ := json.Marshal(map[string]any{
		"event_id":     appt.EventID,
		"therapist_id": appt.TherapistID,
		"client_email": appt.ClientEmail,
		"start_time":   appt.StartTime.UTC().Format(time.RFC3339),
		"end_time":     appt.EndTime.UTC().Format(time.RFC3339),
		"status":       appt.Status,
		"occurred_at":  occurredAt.UTC().Format(time.RFC3339),
	})
	return payload
}

func scanAppointment(row pgx.Row) (model.Appointment, error) {
	var appt model.Appointment
	var completedAt *time.Time
	err := row.Scan(
		&appt.EventID,
		&appt.ExternalURI,
		&appt.TherapistID,
		&appt.TherapistEmail,
		&appt.ClientEmail,
		&appt.InviteeName,
		&appt.StartTime,
		&appt.EndTime,
		&appt.Status,
		&appt.Source,
		&appt.CreatedAt,
		&appt.UpdatedAt,
		&completedAt,
	)
	if err != nil {
		return model.Appointment{}, err
	}
	appt.CompletedAt = completedAt
	return appt, nil
}

func collectAppointments(rows pgx.Rows) ([]model.Appointment, error) {
	defer rows.Close()
	var appts []model.Appointment
	for rows.Next() {
		appt, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		appts = append(appts, appt)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return appts, nil
}
