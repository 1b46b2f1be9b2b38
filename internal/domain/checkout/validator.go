// Package checkout re-validates redeemed voucher codes against an order.
package checkout

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-promo/internal/domain/redemption"
	"github.com/xenking/kart-promo/internal/domain/voucher"
)

// ErrInvalidSubtotal is returned for a negative order subtotal.
var ErrInvalidSubtotal = errors.New("invalid order subtotal")

// CodeLookup resolves an account's active code and its template.
type CodeLookup interface {
	Lookup(ctx context.Context, accountID int64, code string) (*redemption.Code, *voucher.Template, error)
}

// Result is the discount a code grants on an order.
type Result struct {
	Code       string
	TemplateID int64
	Discount   decimal.Decimal
}

// Validator computes voucher discounts at checkout. It never consumes the
// code; that happens when the order completes.
type Validator struct {
	codes  CodeLookup
	places int32
}

// NewValidator creates a Validator rounding percent discounts to places.
func NewValidator(codes CodeLookup, places int32) *Validator {
	return &Validator{codes: codes, places: places}
}

// Validate checks that code is usable by accountID for an order of subtotal
// and returns the discount to apply.
func (v *Validator) Validate(ctx context.Context, accountID int64, code string, subtotal decimal.Decimal) (*Result, error) {
	if subtotal.IsNegative() {
		return nil, ErrInvalidSubtotal
	}

	c, tmpl, err := v.codes.Lookup(ctx, accountID, code)
	if err != nil {
		return nil, err
	}

	amount, err := tmpl.Discount(subtotal, v.places)
	if err != nil {
		if errors.Is(err, voucher.ErrBelowMinimum) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", redemption.ErrInternal, err)
	}

	return &Result{
		Code:       c.Code,
		TemplateID: tmpl.ID,
		Discount:   amount,
	}, nil
}
