package voucher

import (
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Discount computes the amount the template takes off an order with the given
// subtotal. Percent amounts are rounded half-to-even to places decimal places.
// The result never exceeds MaxDiscount (when set) nor the subtotal itself.
func (t *Template) Discount(subtotal decimal.Decimal, places int32) (decimal.Decimal, error) {
	if subtotal.LessThan(t.MinOrder) {
		return decimal.Zero, ErrBelowMinimum
	}

	var raw decimal.Decimal
	switch t.Kind {
	case KindFixed:
		raw = t.Value
	case KindPercent:
		raw = subtotal.Mul(t.Value).Div(hundred).RoundBank(places)
	default:
		return decimal.Zero, errors.Errorf("unsupported voucher kind: %q", t.Kind)
	}

	amount := raw
	if t.MaxDiscount != nil {
		amount = decimal.Min(amount, *t.MaxDiscount)
	}
	amount = decimal.Min(amount, subtotal)
	return floorAtZero(amount), nil
}

// floorAtZero clamps negative values to zero.
func floorAtZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
