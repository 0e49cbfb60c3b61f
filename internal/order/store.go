package order

import (
	"context"

	"github.com/MikeMC777/marketplace-saga/internal/catalog"
	"github.com/MikeMC777/marketplace-saga/internal/outbox"
	"github.com/MikeMC777/marketplace-saga/internal/stock"
)

// Tx exposes the repositories bound to one unit of work.
type Tx interface {
	Items() catalog.Repository
	Stock() stock.Store
	Orders() Repository
	Payments() PaymentRepository
	Events() outbox.Writer
}

// Store gives non-transactional access through the embedded Tx and runs
// atomic units of work through RunInTx. Any error returned by fn rolls the
// whole unit back.
type Store interface {
	Tx
	RunInTx(ctx context.Context, fn func(tx Tx) error) error
}

// Load returns the order with its payment attached.
func Load(ctx context.Context, tx Tx, orderID string) (*Order, error) {
	o, err := tx.Orders().GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	p, err := tx.Payments().GetByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	o.Payment = p
	return o, nil
}

// LoadForUpdate is Load with both rows locked.
func LoadForUpdate(ctx context.Context, tx Tx, orderID string) (*Order, error) {
	o, err := tx.Orders().GetForUpdate(ctx, orderID)
	if err != nil {
		return nil, err
	}
	p, err := tx.Payments().GetByOrderIDForUpdate(ctx, orderID)
	if err != nil {
		return nil, err
	}
	o.Payment = p
	return o, nil
}
