package order

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/MikeMC777/marketplace-saga/internal/access"
	"github.com/MikeMC777/marketplace-saga/internal/catalog"
	"github.com/MikeMC777/marketplace-saga/internal/commission"
	"github.com/MikeMC777/marketplace-saga/internal/logx"
	"github.com/MikeMC777/marketplace-saga/internal/metrics"
	"github.com/MikeMC777/marketplace-saga/internal/outbox"
	"github.com/MikeMC777/marketplace-saga/internal/stock"
)

var tracer = otel.Tracer("github.com/MikeMC777/marketplace-saga/internal/order")

// Assembler creates an order and its payment in one unit of work. It never
// talks to the payment gateway.
type Assembler struct {
	store    Store
	policy   stock.Policy
	provider Provider
}

func NewAssembler(store Store, policy stock.Policy) *Assembler {
	if policy == "" {
		policy = stock.PolicyEager
	}
	return &Assembler{store: store, policy: policy, provider: ProviderWebpay}
}

// CreateOrder validates the request, prices it and persists Order+Payment.
// Under the eager policy the stock is reserved in the same transaction.
func (a *Assembler) CreateOrder(ctx context.Context, buyer access.Identity, req CreateOrderRequest) (_ *Order, _ *Payment, err error) {
	ctx, span := tracer.Start(ctx, "order.CreateOrder")
	span.SetAttributes(attribute.String("item.id", req.ItemID), attribute.Int("order.quantity", req.Quantity))
	variant := "unknown"
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = outcomeOf(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		}
		metrics.Step("create", variant, outcome)
		span.End()
	}()

	if buyer.UserID == "" {
		return nil, nil, access.ErrUnauthenticated
	}

	var (
		o *Order
		p *Payment
	)
	err = a.store.RunInTx(ctx, func(tx Tx) error {
		item, err := tx.Items().GetByID(ctx, req.ItemID)
		if err != nil {
			return err
		}
		variant = string(item.Kind)
		if item.ProviderID == buyer.UserID {
			return fmt.Errorf("%w: providers cannot buy their own items", access.ErrForbidden)
		}

		qty := req.Quantity
		if !item.Kind.Stocked() {
			qty = 1
		} else if qty <= 0 {
			return ErrInvalidQuantity
		}

		reserved := false
		if item.Kind.Stocked() {
			ledger := stock.NewLedger(tx.Stock())
			if err := ledger.CheckAvailable(ctx, item.ID, qty); err != nil {
				return err
			}
			if a.policy == stock.PolicyEager {
				if err := ledger.Reserve(ctx, item.ID, qty); err != nil {
					return err
				}
				reserved = true
			}
		}

		subtotal := item.Price.Mul(decimal.NewFromInt(int64(qty)))
		fee, net := commission.Calculate(subtotal)

		o = &Order{
			ID:            uuid.NewString(),
			Kind:          item.Kind,
			BuyerID:       buyer.UserID,
			ItemID:        item.ID,
			ProviderID:    item.ProviderID,
			Quantity:      qty,
			UnitPrice:     item.Price,
			Total:         subtotal,
			Commission:    fee,
			NetAmount:     net,
			Status:        StatusPending,
			StockReserved: reserved,
		}
		if err := tx.Orders().Create(ctx, o); err != nil {
			return fmt.Errorf("create order: %w", err)
		}
		p = &Payment{
			ID:       uuid.NewString(),
			OrderID:  o.ID,
			Amount:   subtotal.Add(fee),
			Provider: a.provider,
			Status:   PaymentInitiated,
		}
		if err := tx.Payments().Create(ctx, p); err != nil {
			return fmt.Errorf("create payment: %w", err)
		}

		evt, err := outbox.NewEvent(o.ID, outbox.EventOrderCreated, eventPayload(o, p))
		if err != nil {
			return err
		}
		return tx.Events().Append(ctx, evt)
	})
	if err != nil {
		logx.FromContext(ctx).Info("order_create_rejected",
			zap.String("item_id", req.ItemID), zap.Int("quantity", req.Quantity), zap.Error(err))
		return nil, nil, err
	}

	o.Payment = p
	span.SetAttributes(attribute.String("order.id", o.ID))
	logx.FromContext(ctx).Info("order_created",
		zap.String("order_id", o.ID),
		zap.String("payment_id", p.ID),
		zap.String("kind", string(o.Kind)),
		zap.Bool("stock_reserved", o.StockReserved),
	)
	return o, p, nil
}

// EventPayload is the body of every order/payment outbox event.
type EventPayload struct {
	OrderID       string        `json:"order_id"`
	PaymentID     string        `json:"payment_id"`
	BuyerID       string        `json:"buyer_id"`
	ProviderID    string        `json:"provider_id"`
	Kind          catalog.Kind  `json:"kind"`
	OrderStatus   Status        `json:"order_status"`
	PaymentStatus PaymentStatus `json:"payment_status"`
	Amount        string        `json:"amount"`
}

func eventPayload(o *Order, p *Payment) EventPayload {
	return EventPayload{
		OrderID:       o.ID,
		PaymentID:     p.ID,
		BuyerID:       o.BuyerID,
		ProviderID:    o.ProviderID,
		Kind:          o.Kind,
		OrderStatus:   o.Status,
		PaymentStatus: p.Status,
		Amount:        p.Amount.String(),
	}
}

// NewEvent builds an outbox event describing the current state of o and its payment.
func NewEvent(typ string, o *Order) (*outbox.Event, error) {
	if o.Payment == nil {
		return nil, errors.New("order event without payment")
	}
	return outbox.NewEvent(o.ID, typ, eventPayload(o, o.Payment))
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, stock.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, catalog.ErrNotFound), errors.Is(err, ErrNotFound), errors.Is(err, ErrPaymentNotFound):
		return "not_found"
	case errors.Is(err, access.ErrForbidden), errors.Is(err, access.ErrUnauthenticated):
		return "forbidden"
	case errors.Is(err, ErrInvalidQuantity), errors.Is(err, stock.ErrInvalidQuantity):
		return "invalid"
	case errors.Is(err, ErrAlreadyProcessed), errors.Is(err, ErrInvalidTransition):
		return "conflict"
	}
	return "error"
}
