// Package catalog provides the sellable item model and its PostgreSQL repository.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound    = errors.New("item not found")
	ErrInvalidItem = errors.New("invalid item")
)

type Repository interface {
	Create(ctx context.Context, it *Item) error
	GetByID(ctx context.Context, id string) (*Item, error)
	List(ctx context.Context, q Query) ([]Item, error)
}

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PGRepo struct{ db DBTX }

func NewPGRepo(db DBTX) *PGRepo { return &PGRepo{db: db} }

// Validate checks the invariants every stored item must hold.
func Validate(it *Item) error {
	switch {
	case it.ID == "" || it.ProviderID == "" || strings.TrimSpace(it.Name) == "":
		return fmt.Errorf("%w: id, provider and name are required", ErrInvalidItem)
	case !it.Kind.Valid():
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidItem, it.Kind)
	case it.Price.IsNegative():
		return fmt.Errorf("%w: price must be non-negative", ErrInvalidItem)
	case it.Stock < 0:
		return fmt.Errorf("%w: stock must be non-negative", ErrInvalidItem)
	}
	return nil
}

func (r *PGRepo) Create(ctx context.Context, it *Item) error {
	if err := Validate(it); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return r.db.QueryRow(ctx, `
		INSERT INTO items (id, kind, name, description, price, stock, provider_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,NOW(),NOW())
		RETURNING created_at, updated_at
	`, it.ID, string(it.Kind), it.Name, it.Description, it.Price.String(), it.Stock, it.ProviderID).
		Scan(&it.CreatedAt, &it.UpdatedAt)
}

func (r *PGRepo) GetByID(ctx context.Context, id string) (*Item, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	it, err := scanItem(r.db.QueryRow(ctx, `
		SELECT id, kind, name, description, price::text, stock, provider_id, created_at, updated_at
		FROM items WHERE id=$1
	`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get item %s: %w", id, err)
	}
	return it, nil
}

func (r *PGRepo) List(ctx context.Context, q Query) ([]Item, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	limit := q.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	rows, err := r.db.Query(ctx, `
		SELECT id, kind, name, description, price::text, stock, provider_id, created_at, updated_at
		FROM items
		WHERE ($1 = '' OR name ILIKE '%'||$1||'%' OR description ILIKE '%'||$1||'%')
		  AND ($2 = '' OR provider_id = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`, strings.TrimSpace(q.Q), q.ProviderID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *it)
	}
	return out, rows.Err()
}

func scanItem(row pgx.Row) (*Item, error) {
	var (
		it    Item
		kind  string
		price string
	)
	if err := row.Scan(&it.ID, &kind, &it.Name, &it.Description, &price, &it.Stock, &it.ProviderID, &it.CreatedAt, &it.UpdatedAt); err != nil {
		return nil, err
	}
	p, err := decimal.NewFromString(price)
	if err != nil {
		return nil, fmt.Errorf("item %s price %q: %w", it.ID, price, err)
	}
	it.Kind = Kind(kind)
	it.Price = p
	return &it, nil
}
