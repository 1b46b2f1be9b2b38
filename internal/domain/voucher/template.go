package voucher

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Kind enumerates the supported voucher discount strategies.
type Kind string

const (
	// KindFixed takes a fixed amount off the order.
	KindFixed Kind = "fixed"
	// KindPercent takes a percentage of the order subtotal.
	KindPercent Kind = "percent"
)

var (
	// ErrNotFound is returned when a voucher template does not exist.
	ErrNotFound = errors.New("voucher template not found")
	// ErrInactive is returned when a template has been disabled.
	ErrInactive = errors.New("voucher template inactive")
	// ErrExpired is returned when a template is past its expiry.
	ErrExpired = errors.New("voucher template expired")
	// ErrExhausted is returned when every unit of a limited template has been redeemed.
	ErrExhausted = errors.New("voucher template exhausted")
	// ErrBelowMinimum is returned when an order subtotal is under the template minimum.
	ErrBelowMinimum = errors.New("order below voucher minimum")
)

// Template is the reusable definition of a voucher's terms and inventory.
type Template struct {
	ID         int64
	Name       string
	CodePrefix string
	Kind       Kind
	Value      decimal.Decimal
	MinOrder   decimal.Decimal
	// MaxDiscount caps the discount when set.
	MaxDiscount *decimal.Decimal
	PointCost   int64
	// ExpiresAt is nil for templates that never expire.
	ExpiresAt *time.Time
	Active    bool
	// TotalQuantity is nil for unlimited templates.
	TotalQuantity *int64
	Redeemed      int64
}

// Expired reports whether the template is past its expiry at now.
func (t *Template) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && !t.ExpiresAt.After(now)
}

// Exhausted reports whether a limited template has no units left.
func (t *Template) Exhausted() bool {
	return t.TotalQuantity != nil && t.Redeemed >= *t.TotalQuantity
}

// Remaining returns the units left, or nil for unlimited templates.
func (t *Template) Remaining() *int64 {
	if t.TotalQuantity == nil {
		return nil
	}
	left := max(*t.TotalQuantity-t.Redeemed, 0)
	return &left
}

// Open checks that a unit of the template can be redeemed at now. The checks
// run in a fixed order: active, expiry, quantity.
func (t *Template) Open(now time.Time) error {
	switch {
	case !t.Active:
		return ErrInactive
	case t.Expired(now):
		return ErrExpired
	case t.Exhausted():
		return ErrExhausted
	}
	return nil
}

// Repository provides read access to voucher templates.
type Repository interface {
	GetTemplate(ctx context.Context, id int64) (*Template, error)
	// ListOpen returns templates that are active, unexpired and not exhausted
	// at now, ordered by point cost then ID.
	ListOpen(ctx context.Context, now time.Time) ([]Template, error)
}
