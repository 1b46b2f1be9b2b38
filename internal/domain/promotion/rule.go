package promotion

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ScopeKind enumerates which products a rule applies to.
type ScopeKind string

const (
	// ScopeAll applies the rule to every product.
	ScopeAll ScopeKind = "all"
	// ScopeCategory applies the rule to products of one category.
	ScopeCategory ScopeKind = "category"
	// ScopeProduct applies the rule to a single product.
	ScopeProduct ScopeKind = "product"
)

// Scope is the set of products a rule covers. RefID holds the category or
// product identifier and is ignored for ScopeAll.
type Scope struct {
	Kind  ScopeKind
	RefID int64
}

// AllProducts returns a scope covering the whole catalog.
func AllProducts() Scope { return Scope{Kind: ScopeAll} }

// Category returns a scope covering one category.
func Category(id int64) Scope { return Scope{Kind: ScopeCategory, RefID: id} }

// SingleProduct returns a scope covering one product.
func SingleProduct(id int64) Scope { return Scope{Kind: ScopeProduct, RefID: id} }

// Includes reports whether the scope covers the given product.
func (s Scope) Includes(productID, categoryID int64) bool {
	switch s.Kind {
	case ScopeAll:
		return true
	case ScopeCategory:
		return s.RefID == categoryID
	case ScopeProduct:
		return s.RefID == productID
	default:
		return false
	}
}

// DiscountKind enumerates how a rule changes the price.
type DiscountKind string

const (
	// DiscountPercent takes a percentage off the base price.
	DiscountPercent DiscountKind = "percent"
	// DiscountFixedPrice sells the product at a target price.
	DiscountFixedPrice DiscountKind = "fixed_price"
)

// Discount describes the price change of a rule. Percent is used by
// DiscountPercent, Target by DiscountFixedPrice.
type Discount struct {
	Kind    DiscountKind
	Percent uint8
	Target  *decimal.Decimal
}

// PercentOff returns a percentage discount.
func PercentOff(p uint8) Discount { return Discount{Kind: DiscountPercent, Percent: p} }

// FixedPrice returns a discount selling at the target price.
func FixedPrice(target decimal.Decimal) Discount {
	return Discount{Kind: DiscountFixedPrice, Target: &target}
}

// TimeWindow is a daily window [Start, End) expressed as offsets from
// midnight. End <= Start means the window wraps past midnight.
type TimeWindow struct {
	Start time.Duration
	End   time.Duration
}

// Contains reports whether the time-of-day offset falls in the window. A
// window with End == Start is empty.
func (w TimeWindow) Contains(tod time.Duration) bool {
	if w.End == w.Start {
		return false
	}
	if w.End > w.Start {
		return tod >= w.Start && tod < w.End
	}
	return tod >= w.Start || tod < w.End
}

// Rule is a time-windowed, scope-limited promotion.
type Rule struct {
	ID       int64
	Name     string
	Scope    Scope
	Discount Discount

	// StartDate and EndDate are calendar dates (time part ignored), both inclusive.
	StartDate time.Time
	EndDate   time.Time

	// Window restricts the rule to part of the day when set.
	Window *TimeWindow
	// Weekdays restricts the rule to some days of the week; zero means every day.
	Weekdays Weekdays

	// Visible controls catalog display.
	Visible bool
	// ApplyToPrice distinguishes price rules from display-only banners.
	ApplyToPrice bool
}

// ErrInvalidRule is returned by Validate for malformed rule definitions.
var ErrInvalidRule = errors.New("invalid promotion rule")

// Validate reports the first structural problem of the rule.
func (r *Rule) Validate() error {
	switch r.Discount.Kind {
	case DiscountPercent:
		if r.Discount.Percent > 100 {
			return errors.Wrapf(ErrInvalidRule, "percent %d out of range", r.Discount.Percent)
		}
	case DiscountFixedPrice:
		if r.Discount.Target == nil {
			return errors.Wrap(ErrInvalidRule, "fixed price without target")
		}
		if r.Discount.Target.IsNegative() {
			return errors.Wrap(ErrInvalidRule, "negative target price")
		}
	default:
		return errors.Wrapf(ErrInvalidRule, "unsupported discount kind %q", r.Discount.Kind)
	}
	switch r.Scope.Kind {
	case ScopeAll, ScopeCategory, ScopeProduct:
	default:
		return errors.Wrapf(ErrInvalidRule, "unsupported scope %q", r.Scope.Kind)
	}
	if dateOf(r.EndDate).Before(dateOf(r.StartDate)) {
		return errors.Wrap(ErrInvalidRule, "end date before start date")
	}
	if r.Window != nil && r.Window.Start == r.Window.End {
		return errors.Wrap(ErrInvalidRule, "empty daily window")
	}
	return nil
}

// RuleSource supplies the current rule set. Administration of rules happens
// elsewhere; the engine only reads them.
type RuleSource interface {
	ListRules(ctx context.Context) ([]Rule, error)
}
