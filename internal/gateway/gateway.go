// Package gateway wraps the remote payment provider's create, commit and
// status transaction calls.
package gateway

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/MikeMC777/marketplace-saga/internal/catalog"
)

var (
	// ErrUnavailable means the outcome of the call is unknown: network
	// failure, timeout or a provider side error. It is never a decline.
	ErrUnavailable = errors.New("payment gateway unavailable")
	// ErrRejected means the provider refused the request itself (4xx).
	ErrRejected = errors.New("payment gateway rejected the request")
	// ErrInvalidAmount is a local configuration error; no call is made.
	ErrInvalidAmount = errors.New("payment amount must be greater than zero")
	// ErrMismatch means the commit response belongs to another buy order.
	ErrMismatch = errors.New("payment gateway response does not match the order")
)

// Raw transaction statuses reported by the provider. Only AUTHORIZED counts
// as paid.
const (
	StatusAuthorized  = "AUTHORIZED"
	StatusInitialized = "INITIALIZED"
	StatusFailed      = "FAILED"
	StatusNullified   = "NULLIFIED"
	StatusReversed    = "REVERSED"
)

// Outcome is what a transaction status means for the payment.
type Outcome int

const (
	OutcomeUnknown Outcome = iota
	OutcomePaid
	// OutcomeDeclined covers transactions that were refused or fully given
	// back: no money was kept.
	OutcomeDeclined
	// OutcomeUnpaid is a transaction the buyer never completed.
	OutcomeUnpaid
)

// Classify maps a raw status to an Outcome. Statuses that leave money with
// the commerce in some other shape (captures, partial refunds) are unknown
// and need a person.
func Classify(status string, responseCode int) Outcome {
	switch status {
	case StatusAuthorized:
		if responseCode == 0 {
			return OutcomePaid
		}
	case StatusFailed, StatusNullified, StatusReversed:
		return OutcomeDeclined
	case StatusInitialized:
		return OutcomeUnpaid
	}
	return OutcomeUnknown
}

type InitiateResult struct {
	Token       string `json:"token"`
	RedirectURL string `json:"redirect_url"`
}

// CommitResult is the provider's view of a transaction, as returned by both
// Commit and Status.
type CommitResult struct {
	Authorized   bool
	RawStatus    string
	ResponseCode int
	RawOrderRef  string
	Amount       decimal.Decimal
}

// Adapter is the contract the payment saga depends on. Commit is not
// idempotent at the provider: callers must not commit a settled token twice.
// Status only reads and may be repeated.
type Adapter interface {
	Initiate(ctx context.Context, buyOrderRef, sessionRef string, amount decimal.Decimal, returnURL string) (*InitiateResult, error)
	Commit(ctx context.Context, token string) (*CommitResult, error)
	Status(ctx context.Context, token string) (*CommitResult, error)
}

// buyOrderMax is the provider's limit on buy_order length.
const buyOrderMax = 26

// BuyOrderRef derives the provider-side order reference from the order id, so
// repeated initiations of one order are traceable at the provider.
func BuyOrderRef(kind catalog.Kind, orderID string) string {
	prefix := "G"
	switch kind {
	case catalog.KindProduct:
		prefix = "P"
	case catalog.KindService:
		prefix = "S"
	case catalog.KindJob:
		prefix = "J"
	}
	ref := prefix + "-" + strings.ReplaceAll(orderID, "-", "")
	if len(ref) > buyOrderMax {
		ref = ref[:buyOrderMax]
	}
	return ref
}

// Authorized applies the provider rule: status AUTHORIZED and response code 0.
func Authorized(status string, responseCode int) bool {
	return status == StatusAuthorized && responseCode == 0
}
