package product

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a requested product does not exist.
var ErrNotFound = errors.New("product not found")

// Product is the pricing view of a catalog item. The catalog owns it; pricing
// only reads it.
type Product struct {
	ID         int64
	CategoryID int64
	Name       string
	BasePrice  decimal.Decimal
}

// Repository defines read operations for the product catalog.
type Repository interface {
	GetByID(ctx context.Context, id int64) (*Product, error)
}
