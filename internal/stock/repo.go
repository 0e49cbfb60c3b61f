package stock

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrItemNotFound is returned when the item row does not exist.
var ErrItemNotFound = errors.New("stock: item not found")

type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGStore keeps quantities in items.stock.
type PGStore struct{ db DBTX }

func NewPGStore(db DBTX) *PGStore { return &PGStore{db: db} }

func (s *PGStore) Available(ctx context.Context, itemID string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `SELECT stock FROM items WHERE id=$1 FOR UPDATE`, itemID).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrItemNotFound
	}
	return n, err
}

func (s *PGStore) Decrement(ctx context.Context, itemID string, qty int) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE items
		SET stock = stock - $2, updated_at = NOW()
		WHERE id = $1 AND stock >= $2
	`, itemID, qty)
	if err != nil {
		return false, fmt.Errorf("decrement stock %s: %w", itemID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PGStore) Increment(ctx context.Context, itemID string, qty int) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE items
		SET stock = stock + $2, updated_at = NOW()
		WHERE id = $1
	`, itemID, qty)
	if err != nil {
		return fmt.Errorf("increment stock %s: %w", itemID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrItemNotFound
	}
	return nil
}
