package outbox

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	otelx "counselsync/libs/otel"
)

// Record is a stored outbox row awaiting publication.
type Record struct {
	ID          int64
	EventID     string
	EventType   string
	AggregateID string
	Payload     []byte
	Traceparent string
	Tracestate  string
}

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// Insert writes the event inside the caller's transaction so it commits or
// rolls back with the appointment write.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, ev Event) error {
	traceparent, tracestate := otelx.TraceContextStrings(ctx)
	_, err := tx.Exec(ctx, `
		INSERT INTO outbox_events (event_id, aggregate_type, aggregate_id, event_type, payload, traceparent, tracestate)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, uuid.NewString(), ev.AggregateType, ev.AggregateID, ev.EventType, ev.Payload, traceparent, tracestate)
	return err
}

func (r *Repository) FetchUnpublished(ctx context.Context, tx pgx.Tx, limit int) ([]Record, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, event_id, event_type, aggregate_id, payload, COALESCE(traceparent, ''), COALESCE(tracestate, '')
		FROM outbox_events
		WHERE published_at IS NULL
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.EventID, &rec.EventType, &rec.AggregateID, &rec.Payload, &rec.Traceparent, &rec.Tracestate); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

func (r *Repository) MarkPublished(ctx context.Context, tx pgx.Tx, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := tx.Exec(ctx, `
		UPDATE outbox_events
		SET published_at = now()
		WHERE id = ANY($1)
	`, ids)
	return err
}
