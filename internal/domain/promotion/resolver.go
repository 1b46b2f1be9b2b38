package promotion

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-promo/internal/domain/product"
)

// ErrInvalidPrice is returned when a product carries a negative base price.
var ErrInvalidPrice = errors.New("invalid base price")

var hundred = decimal.NewFromInt(100)

// Quote is the outcome of pricing one product.
type Quote struct {
	ProductID  int64
	BasePrice  decimal.Decimal
	FinalPrice decimal.Decimal
	// Winner is the rule that produced FinalPrice, nil when no rule lowered it.
	Winner *Rule
}

// Resolve picks the single rule giving the lowest price for p. Candidates are
// computed from the base price so rules never stack. Percent prices are
// rounded half-to-even to places decimal places. A candidate wins only when
// strictly lower than the current best, so ties keep the earlier rule.
func Resolve(p product.Product, rules []Rule, places int32) Quote {
	q := Quote{
		ProductID:  p.ID,
		BasePrice:  p.BasePrice,
		FinalPrice: p.BasePrice,
	}
	for i := range rules {
		r := &rules[i]
		if !r.Scope.Includes(p.ID, p.CategoryID) {
			continue
		}
		candidate, ok := candidatePrice(p.BasePrice, r.Discount, places)
		if !ok {
			continue
		}
		if candidate.LessThan(q.FinalPrice) {
			q.FinalPrice = candidate
			winner := *r
			q.Winner = &winner
		}
	}
	return q
}

func candidatePrice(base decimal.Decimal, d Discount, places int32) (decimal.Decimal, bool) {
	switch d.Kind {
	case DiscountFixedPrice:
		if d.Target == nil {
			return decimal.Decimal{}, false
		}
		return decimal.Min(base, *d.Target), true
	case DiscountPercent:
		// A zero percent never lowers the price; rounding must not make it win.
		if d.Percent == 0 || d.Percent > 100 {
			return decimal.Decimal{}, false
		}
		keep := hundred.Sub(decimal.NewFromInt(int64(d.Percent)))
		return base.Mul(keep).Div(hundred).RoundBank(places), true
	default:
		return decimal.Decimal{}, false
	}
}

// PriceService quotes catalog products against the rules active at a given
// instant.
type PriceService struct {
	products product.Repository
	rules    *Store
	places   int32
}

// NewPriceService creates a PriceService. places is the number of decimal
// places prices are rounded to.
func NewPriceService(products product.Repository, rules *Store, places int32) *PriceService {
	return &PriceService{products: products, rules: rules, places: places}
}

// Quote prices the product at instant.
func (s *PriceService) Quote(ctx context.Context, productID int64, at time.Time) (*Quote, error) {
	p, err := s.products.GetByID(ctx, productID)
	if err != nil {
		return nil, errors.Wrap(err, "get product")
	}
	if p.BasePrice.IsNegative() {
		return nil, errors.Wrapf(ErrInvalidPrice, "product %d", p.ID)
	}

	rules, err := s.rules.PricingRulesAt(ctx, at)
	if err != nil {
		return nil, errors.Wrap(err, "active rules")
	}

	q := Resolve(*p, rules, s.places)
	return &q, nil
}

// Promotions returns the visible rules active at instant.
func (s *PriceService) Promotions(ctx context.Context, at time.Time) ([]Rule, error) {
	return s.rules.ActiveAt(ctx, at)
}
