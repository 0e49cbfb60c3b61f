package order

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/MikeMC777/marketplace-saga/internal/catalog"
)

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

type PaymentStatus string

const (
	PaymentInitiated PaymentStatus = "INITIATED"
	PaymentConfirmed PaymentStatus = "CONFIRMED"
	PaymentFailed    PaymentStatus = "FAILED"
)

func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentConfirmed || s == PaymentFailed
}

// Provider identifies the payment gateway a payment goes through.
type Provider string

const ProviderWebpay Provider = "webpay"

// Order is a frozen quote: UnitPrice, Total, Commission and NetAmount are
// computed once at creation and never re-derived from the live item.
type Order struct {
	ID         string          `json:"id"`
	Kind       catalog.Kind    `json:"kind"`
	BuyerID    string          `json:"buyer_id"`
	ItemID     string          `json:"item_id"`
	ProviderID string          `json:"provider_id"`
	Quantity   int             `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	Total      decimal.Decimal `json:"total"`
	Commission decimal.Decimal `json:"commission"`
	NetAmount  decimal.Decimal `json:"net_amount"`
	Status     Status          `json:"status"`
	// StockReserved is true while Quantity units are held back from the item.
	StockReserved bool      `json:"stock_reserved"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`

	Payment *Payment `json:"payment,omitempty"`
}

type Payment struct {
	ID       string          `json:"id"`
	OrderID  string          `json:"order_id"`
	Amount   decimal.Decimal `json:"amount"`
	Provider Provider        `json:"provider"`
	Status   PaymentStatus   `json:"status"`
	// Token is nil until the gateway transaction is initiated.
	Token *string `json:"token,omitempty"`
	// GatewayStatus is the raw status reported by the last commit.
	GatewayStatus string    `json:"gateway_status,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	// CommitStartedAt is set while a caller is talking to the gateway
	// about this payment. Update never writes it.
	CommitStartedAt *time.Time `json:"-"`
}

var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusCompleted},
}

// CanTransitionTo reports whether the one-way lifecycle allows from -> to.
func CanTransitionTo(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (o *Order) transition(to Status) error {
	if !CanTransitionTo(o.Status, to) {
		return ErrInvalidTransition
	}
	o.Status = to
	o.touch()
	return nil
}

func (o *Order) MarkProcessing() error { return o.transition(StatusProcessing) }
func (o *Order) MarkFailed() error     { return o.transition(StatusFailed) }
func (o *Order) MarkCompleted() error  { return o.transition(StatusCompleted) }

func (o *Order) touch() { o.UpdatedAt = time.Now().UTC() }

func (p *Payment) settle(to PaymentStatus, gatewayStatus string) error {
	if p.Status.IsTerminal() {
		return ErrAlreadyProcessed
	}
	p.Status = to
	p.GatewayStatus = gatewayStatus
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (p *Payment) Confirm(gatewayStatus string) error { return p.settle(PaymentConfirmed, gatewayStatus) }
func (p *Payment) Fail(gatewayStatus string) error    { return p.settle(PaymentFailed, gatewayStatus) }

// SetToken records the gateway transaction token. Only initiated payments
// may receive one.
func (p *Payment) SetToken(token string) error {
	if p.Status.IsTerminal() {
		return ErrAlreadyProcessed
	}
	p.Token = &token
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (p *Payment) TokenValue() string {
	if p.Token == nil {
		return ""
	}
	return *p.Token
}
