// Package stock guards and mutates the available quantity of physical items.
package stock

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidQuantity   = errors.New("quantity must be greater than zero")
	ErrUnknownPolicy     = errors.New("unknown stock policy")
)

// Policy decides when available quantity is decremented.
type Policy string

const (
	// PolicyEager decrements when the order is created and releases on a
	// failed or abandoned payment.
	PolicyEager Policy = "eager"
	// PolicyLazy only checks at creation and decrements when the payment is
	// confirmed, re-checking availability at that point.
	PolicyLazy Policy = "lazy"
)

func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case PolicyEager, PolicyLazy:
		return p, nil
	case "":
		return PolicyEager, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
}

// Store is the row-level view of item quantities. Implementations run inside
// the caller's transaction.
type Store interface {
	// Available returns the current quantity and locks the item row until the
	// surrounding transaction ends.
	Available(ctx context.Context, itemID string) (int, error)
	// Decrement subtracts qty only if at least qty is available and reports
	// whether a row was changed.
	Decrement(ctx context.Context, itemID string, qty int) (bool, error)
	Increment(ctx context.Context, itemID string, qty int) error
}

type Ledger struct{ store Store }

func NewLedger(s Store) *Ledger { return &Ledger{store: s} }

// CheckAvailable fails closed with ErrInsufficientStock when qty exceeds the
// available quantity.
func (l *Ledger) CheckAvailable(ctx context.Context, itemID string, qty int) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	avail, err := l.store.Available(ctx, itemID)
	if err != nil {
		return err
	}
	if qty > avail {
		return fmt.Errorf("%w: item %s has %d, requested %d", ErrInsufficientStock, itemID, avail, qty)
	}
	return nil
}

// Reserve atomically decrements qty. It never trusts an earlier
// CheckAvailable: the decrement itself is conditional.
func (l *Ledger) Reserve(ctx context.Context, itemID string, qty int) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	ok, err := l.store.Decrement(ctx, itemID, qty)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: item %s, requested %d", ErrInsufficientStock, itemID, qty)
	}
	return nil
}

// Release gives back a previous reservation.
func (l *Ledger) Release(ctx context.Context, itemID string, qty int) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	return l.store.Increment(ctx, itemID, qty)
}
