package order

// CreateOrderRequest payload de creación de orden.
// swagger:model CreateOrderRequest
type CreateOrderRequest struct {
	ItemID   string `json:"item_id"  example:"4e7d4e5c-5cb9-4a3f-9f21-7e1a4f9f2b2a"`
	Quantity int    `json:"quantity" example:"2"`
}

// InitiatePaymentRequest asks the gateway for a transaction.
// swagger:model InitiatePaymentRequest
type InitiatePaymentRequest struct {
	ReturnURL string `json:"return_url" example:"https://shop.example/payments/return"`
}

// ConfirmPaymentRequest carries the token the gateway handed back.
// swagger:model ConfirmPaymentRequest
type ConfirmPaymentRequest struct {
	Token string `json:"token" form:"token_ws"`
}

// StatusOverride is the administrative order status change.
// swagger:model StatusOverride
type StatusOverride struct {
	Status Status `json:"status" example:"COMPLETED"`
	Reason string `json:"reason" example:"manual reconciliation"`
}

// CreateOrderResponse returns the order with its payment.
// swagger:model CreateOrderResponse
type CreateOrderResponse struct {
	Order   *Order   `json:"order"`
	Payment *Payment `json:"payment"`
}

// ListResponse is a page of orders.
// swagger:model OrderListResponse
type ListResponse struct {
	Limit  int     `json:"limit"`
	Offset int     `json:"offset"`
	Items  []Order `json:"items"`
}

// PaymentRedirect tells the client where to send the buyer to pay.
// swagger:model PaymentRedirect
type PaymentRedirect struct {
	OrderID     string `json:"order_id"`
	Token       string `json:"token"        example:"01ab5c0d2f..."`
	RedirectURL string `json:"redirect_url" example:"https://webpay3gint.transbank.cl/webpayserver/initTransaction"`
}
