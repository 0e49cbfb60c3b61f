// Package outbox stores integration events in the same transaction as the
// state change that produced them and relays them to Kafka.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	EventOrderCreated     = "order.created"
	EventPaymentConfirmed = "payment.confirmed"
	EventPaymentFailed    = "payment.failed"
	EventStatusOverridden = "order.status_overridden"
	// EventRefundRequired means money was authorized but the order could not
	// be fulfilled; someone has to refund it at the provider.
	EventRefundRequired = "refund.required"
)

var ErrNotFound = errors.New("outbox event not found")

type Event struct {
	ID          string          `json:"id"`
	AggregateID string          `json:"aggregate_id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
	PublishedAt *time.Time      `json:"published_at,omitempty"`
}

func NewEvent(aggregateID, typ string, payload any) (*Event, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return &Event{
		ID:          uuid.NewString(),
		AggregateID: aggregateID,
		Type:        typ,
		Payload:     b,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// Writer appends events inside the caller's transaction.
type Writer interface {
	Append(ctx context.Context, e *Event) error
}

type Repository interface {
	Writer
	Unpublished(ctx context.Context, limit int) ([]Event, error)
	MarkPublished(ctx context.Context, id string) error
}

type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type PGRepo struct{ db DBTX }

func NewPGRepo(db DBTX) *PGRepo { return &PGRepo{db: db} }

func (r *PGRepo) Append(ctx context.Context, e *Event) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO outbox_events (id, aggregate_id, event_type, payload, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, e.ID, e.AggregateID, e.Type, []byte(e.Payload), e.CreatedAt)
	return err
}

func (r *PGRepo) Unpublished(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `
		SELECT id, aggregate_id, event_type, payload, created_at
		FROM outbox_events
		WHERE published_at IS NULL
		ORDER BY created_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e       Event
			payload []byte
		)
		if err := rows.Scan(&e.ID, &e.AggregateID, &e.Type, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Payload = payload
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *PGRepo) MarkPublished(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `UPDATE outbox_events SET published_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
