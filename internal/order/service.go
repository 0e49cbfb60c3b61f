package order

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/MikeMC777/marketplace-saga/internal/access"
	"github.com/MikeMC777/marketplace-saga/internal/logx"
	"github.com/MikeMC777/marketplace-saga/internal/outbox"
)

// Service covers the order operations outside the payment saga: reads,
// fulfilment by the provider and administrative overrides.
type Service struct {
	store Store
}

func NewService(store Store) *Service { return &Service{store: store} }

func (s *Service) Get(ctx context.Context, caller access.Identity, id string) (*Order, error) {
	o, err := Load(ctx, s.store, id)
	if err != nil {
		return nil, err
	}
	if err := access.RequireParticipant(caller, o.BuyerID, o.ProviderID); err != nil {
		return nil, err
	}
	return o, nil
}

func (s *Service) ListByBuyer(ctx context.Context, caller access.Identity, buyerID string, limit, offset int) ([]Order, error) {
	if err := access.RequireBuyer(caller, buyerID); err != nil {
		return nil, err
	}
	out, err := s.store.Orders().ListByBuyer(ctx, buyerID, limit, offset)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []Order{}
	}
	return out, nil
}

// Complete marks a paid order as fulfilled. Only the provider of the order
// (or an admin) may do it.
func (s *Service) Complete(ctx context.Context, caller access.Identity, id string) (*Order, error) {
	var out *Order
	err := s.store.RunInTx(ctx, func(tx Tx) error {
		o, err := LoadForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := access.RequireProvider(caller, o.ProviderID); err != nil {
			return err
		}
		if err := o.MarkCompleted(); err != nil {
			return fmt.Errorf("%w: %s -> %s", err, o.Status, StatusCompleted)
		}
		if err := tx.Orders().Update(ctx, o); err != nil {
			return err
		}
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	logx.FromContext(ctx).Info("order_completed", zap.String("order_id", id), zap.String("by", caller.UserID))
	return out, nil
}

// Override sets the order status regardless of the lifecycle. Payment rows
// are never touched: they only move through the saga.
func (s *Service) Override(ctx context.Context, caller access.Identity, id string, in StatusOverride) (*Order, error) {
	if err := access.RequireAdmin(caller); err != nil {
		return nil, err
	}
	if !in.Status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, in.Status)
	}

	var out *Order
	err := s.store.RunInTx(ctx, func(tx Tx) error {
		o, err := LoadForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		from := o.Status
		o.Status = in.Status
		o.touch()
		if err := tx.Orders().Update(ctx, o); err != nil {
			return err
		}
		evt, err := outbox.NewEvent(o.ID, outbox.EventStatusOverridden, map[string]string{
			"order_id": o.ID,
			"from":     string(from),
			"to":       string(o.Status),
			"reason":   in.Reason,
			"by":       caller.UserID,
		})
		if err != nil {
			return err
		}
		out = o
		return tx.Events().Append(ctx, evt)
	})
	if err != nil {
		return nil, err
	}
	logx.FromContext(ctx).Warn("order_status_overridden",
		zap.String("order_id", id), zap.String("to", string(in.Status)),
		zap.String("reason", in.Reason), zap.String("by", caller.UserID))
	return out, nil
}
