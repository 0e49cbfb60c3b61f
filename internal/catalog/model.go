package catalog

import (
	"time"

	"github.com/shopspring/decimal"
)

// Kind is the variant of a sellable item. Only products carry stock.
type Kind string

const (
	KindProduct Kind = "product"
	KindService Kind = "service"
	KindJob     Kind = "job"
)

func (k Kind) Valid() bool {
	switch k {
	case KindProduct, KindService, KindJob:
		return true
	}
	return false
}

// Stocked reports whether items of this kind have a finite available quantity.
func (k Kind) Stocked() bool { return k == KindProduct }

type Item struct {
	ID          string          `json:"id"`
	Kind        Kind            `json:"kind"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Price       decimal.Decimal `json:"price"`
	// Stock is only meaningful for products.
	Stock      int       `json:"stock"`
	ProviderID string    `json:"provider_id"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Query filters catalog listings.
type Query struct {
	Q          string
	ProviderID string
	Limit      int
	Offset     int
}
