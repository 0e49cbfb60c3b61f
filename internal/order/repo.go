package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/MikeMC777/marketplace-saga/internal/catalog"
)

var (
	ErrNotFound          = errors.New("order not found")
	ErrPaymentNotFound   = errors.New("payment not found")
	ErrAlreadyProcessed  = errors.New("payment already processed")
	ErrInvalidTransition = errors.New("invalid order status transition")
	ErrInvalidQuantity   = errors.New("quantity must be greater than zero")
	ErrInvalidStatus     = errors.New("invalid order status")
)

type Repository interface {
	Create(ctx context.Context, o *Order) error
	GetByID(ctx context.Context, id string) (*Order, error)
	// GetForUpdate locks the order row until the surrounding transaction ends.
	GetForUpdate(ctx context.Context, id string) (*Order, error)
	ListByBuyer(ctx context.Context, buyerID string, limit, offset int) ([]Order, error)
	// ListAbandoned returns pending orders created before cutoff whose
	// payment never received a gateway token.
	ListAbandoned(ctx context.Context, before time.Time, limit int) ([]Order, error)
	Update(ctx context.Context, o *Order) error
}

type PaymentRepository interface {
	Create(ctx context.Context, p *Payment) error
	GetByOrderID(ctx context.Context, orderID string) (*Payment, error)
	GetByOrderIDForUpdate(ctx context.Context, orderID string) (*Payment, error)
	GetByToken(ctx context.Context, token string) (*Payment, error)
	// ListStale returns initiated payments holding a token whose last update
	// happened before cutoff.
	ListStale(ctx context.Context, before time.Time, limit int) ([]Payment, error)
	Update(ctx context.Context, p *Payment) error
	// ClaimCommit marks an initiated payment as being committed at `at`.
	// It reports false when the payment is settled or another claim newer
	// than staleBefore is held.
	ClaimCommit(ctx context.Context, id string, at, staleBefore time.Time) (bool, error)
	// ReleaseCommit drops the claim taken at `at`, if it is still the
	// current one.
	ReleaseCommit(ctx context.Context, id string, at time.Time) error
}

type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

type PGRepo struct{ db DBTX }

func NewPGRepo(db DBTX) *PGRepo { return &PGRepo{db: db} }

const orderColumns = `id, kind, buyer_id, item_id, provider_id, quantity,
	unit_price::text, total::text, commission::text, net_amount::text,
	status, stock_reserved, created_at, updated_at`

func (r *PGRepo) Create(ctx context.Context, o *Order) error {
	return r.db.QueryRow(ctx, `
    INSERT INTO orders (id, kind, buyer_id, item_id, provider_id, quantity,
                        unit_price, total, commission, net_amount, status, stock_reserved,
                        created_at, updated_at)
    VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,NOW(),NOW())
    RETURNING created_at, updated_at
  `, o.ID, string(o.Kind), o.BuyerID, o.ItemID, o.ProviderID, o.Quantity,
		o.UnitPrice.String(), o.Total.String(), o.Commission.String(), o.NetAmount.String(),
		string(o.Status), o.StockReserved).Scan(&o.CreatedAt, &o.UpdatedAt)
}

func (r *PGRepo) GetByID(ctx context.Context, id string) (*Order, error) {
	return r.get(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, id)
}

func (r *PGRepo) GetForUpdate(ctx context.Context, id string) (*Order, error) {
	return r.get(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1 FOR UPDATE`, id)
}

func (r *PGRepo) get(ctx context.Context, sql, id string) (*Order, error) {
	o, err := scanOrder(r.db.QueryRow(ctx, sql, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	return o, nil
}

func (r *PGRepo) ListByBuyer(ctx context.Context, buyerID string, limit, offset int) ([]Order, error) {
	limit, offset = clampPage(limit, offset)
	rows, err := r.db.Query(ctx, `
    SELECT `+orderColumns+`
    FROM orders WHERE buyer_id=$1
    ORDER BY created_at DESC LIMIT $2 OFFSET $3
  `, buyerID, limit, offset)
	if err != nil {
		return nil, err
	}
	return collectOrders(rows)
}

func (r *PGRepo) ListAbandoned(ctx context.Context, before time.Time, limit int) ([]Order, error) {
	rows, err := r.db.Query(ctx, `
    SELECT `+orderColumns+`
    FROM orders
    WHERE status = $1 AND created_at < $3
      AND id IN (SELECT order_id FROM payments WHERE status = $2 AND token IS NULL)
    ORDER BY created_at LIMIT $4
  `, string(StatusPending), string(PaymentInitiated), before, limit)
	if err != nil {
		return nil, err
	}
	return collectOrders(rows)
}

func (r *PGRepo) Update(ctx context.Context, o *Order) error {
	tag, err := r.db.Exec(ctx, `
    UPDATE orders
    SET status = $2, stock_reserved = $3, updated_at = NOW()
    WHERE id = $1
  `, o.ID, string(o.Status), o.StockReserved)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func collectOrders(rows pgx.Rows) ([]Order, error) {
	defer rows.Close()
	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func scanOrder(row pgx.Row) (*Order, error) {
	var (
		o                                 Order
		kind, status                      string
		unitPrice, total, commission, net string
	)
	if err := row.Scan(&o.ID, &kind, &o.BuyerID, &o.ItemID, &o.ProviderID, &o.Quantity,
		&unitPrice, &total, &commission, &net, &status, &o.StockReserved, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.Kind = catalog.Kind(kind)
	o.Status = Status(status)
	var err error
	if o.UnitPrice, err = decimal.NewFromString(unitPrice); err != nil {
		return nil, err
	}
	if o.Total, err = decimal.NewFromString(total); err != nil {
		return nil, err
	}
	if o.Commission, err = decimal.NewFromString(commission); err != nil {
		return nil, err
	}
	if o.NetAmount, err = decimal.NewFromString(net); err != nil {
		return nil, err
	}
	return &o, nil
}

type PGPaymentRepo struct{ db DBTX }

func NewPGPaymentRepo(db DBTX) *PGPaymentRepo { return &PGPaymentRepo{db: db} }

const paymentColumns = `id, order_id, amount::text, provider, status, token, gateway_status, created_at, updated_at, commit_started_at`

func (r *PGPaymentRepo) Create(ctx context.Context, p *Payment) error {
	return r.db.QueryRow(ctx, `
    INSERT INTO payments (id, order_id, amount, provider, status, token, gateway_status, created_at, updated_at)
    VALUES ($1,$2,$3,$4,$5,$6,$7,NOW(),NOW())
    RETURNING created_at, updated_at
  `, p.ID, p.OrderID, p.Amount.String(), string(p.Provider), string(p.Status), p.Token, p.GatewayStatus).
		Scan(&p.CreatedAt, &p.UpdatedAt)
}

func (r *PGPaymentRepo) GetByOrderID(ctx context.Context, orderID string) (*Payment, error) {
	return r.get(ctx, `SELECT `+paymentColumns+` FROM payments WHERE order_id=$1`, orderID)
}

func (r *PGPaymentRepo) GetByOrderIDForUpdate(ctx context.Context, orderID string) (*Payment, error) {
	return r.get(ctx, `SELECT `+paymentColumns+` FROM payments WHERE order_id=$1 FOR UPDATE`, orderID)
}

func (r *PGPaymentRepo) GetByToken(ctx context.Context, token string) (*Payment, error) {
	return r.get(ctx, `SELECT `+paymentColumns+` FROM payments WHERE token=$1`, token)
}

func (r *PGPaymentRepo) get(ctx context.Context, sql, arg string) (*Payment, error) {
	p, err := scanPayment(r.db.QueryRow(ctx, sql, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return p, nil
}

func (r *PGPaymentRepo) ListStale(ctx context.Context, before time.Time, limit int) ([]Payment, error) {
	rows, err := r.db.Query(ctx, `
    SELECT `+paymentColumns+`
    FROM payments
    WHERE status = $1 AND token IS NOT NULL AND updated_at < $2
    ORDER BY updated_at LIMIT $3
  `, string(PaymentInitiated), before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (r *PGPaymentRepo) Update(ctx context.Context, p *Payment) error {
	tag, err := r.db.Exec(ctx, `
    UPDATE payments
    SET status = $2, token = $3, gateway_status = $4, updated_at = NOW()
    WHERE id = $1
  `, p.ID, string(p.Status), p.Token, p.GatewayStatus)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

func (r *PGPaymentRepo) ClaimCommit(ctx context.Context, id string, at, staleBefore time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
    UPDATE payments
    SET commit_started_at = $2
    WHERE id = $1 AND status = $3
      AND (commit_started_at IS NULL OR commit_started_at < $4)
  `, id, at, string(PaymentInitiated), staleBefore)
	if err != nil {
		return false, fmt.Errorf("claim commit: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PGPaymentRepo) ReleaseCommit(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.Exec(ctx, `
    UPDATE payments SET commit_started_at = NULL
    WHERE id = $1 AND commit_started_at = $2
  `, id, at)
	return err
}

func scanPayment(row pgx.Row) (*Payment, error) {
	var (
		p                        Payment
		amount, provider, status string
	)
	if err := row.Scan(&p.ID, &p.OrderID, &amount, &provider, &status, &p.Token, &p.GatewayStatus, &p.CreatedAt, &p.UpdatedAt, &p.CommitStartedAt); err != nil {
		return nil, err
	}
	a, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, err
	}
	p.Amount = a
	p.Provider = Provider(provider)
	p.Status = PaymentStatus(status)
	return &p, nil
}
