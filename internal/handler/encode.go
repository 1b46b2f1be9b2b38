package handler

import (
	"fmt"
	"time"

	"github.com/go-faster/jx"

	"github.com/xenking/kart-promo/internal/domain/promotion"
	"github.com/xenking/kart-promo/internal/domain/redemption"
	"github.com/xenking/kart-promo/internal/domain/voucher"
)

func encodeTime(e *jx.Encoder, t time.Time) {
	e.Str(t.UTC().Format(time.RFC3339))
}

func encodeClock(e *jx.Encoder, d time.Duration) {
	e.Str(fmt.Sprintf("%02d:%02d", int(d.Hours()), int(d.Minutes())%60))
}

func encodeQuote(e *jx.Encoder, q *promotion.Quote) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("productId", func(e *jx.Encoder) { e.Int64(q.ProductID) })
		e.Field("basePrice", func(e *jx.Encoder) { e.Str(q.BasePrice.String()) })
		e.Field("finalPrice", func(e *jx.Encoder) { e.Str(q.FinalPrice.String()) })
		if q.Winner != nil {
			e.Field("promotion", func(e *jx.Encoder) { encodeRule(e, q.Winner) })
		}
	})
}

func encodeRule(e *jx.Encoder, r *promotion.Rule) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Int64(r.ID) })
		e.Field("name", func(e *jx.Encoder) { e.Str(r.Name) })
		e.Field("scope", func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				e.Field("kind", func(e *jx.Encoder) { e.Str(string(r.Scope.Kind)) })
				if r.Scope.Kind != promotion.ScopeAll {
					e.Field("refId", func(e *jx.Encoder) { e.Int64(r.Scope.RefID) })
				}
			})
		})
		e.Field("discount", func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				e.Field("kind", func(e *jx.Encoder) { e.Str(string(r.Discount.Kind)) })
				switch r.Discount.Kind {
				case promotion.DiscountPercent:
					e.Field("percent", func(e *jx.Encoder) { e.Int(int(r.Discount.Percent)) })
				case promotion.DiscountFixedPrice:
					if r.Discount.Target != nil {
						e.Field("target", func(e *jx.Encoder) { e.Str(r.Discount.Target.String()) })
					}
				}
			})
		})
		e.Field("startDate", func(e *jx.Encoder) { e.Str(r.StartDate.Format(time.DateOnly)) })
		e.Field("endDate", func(e *jx.Encoder) { e.Str(r.EndDate.Format(time.DateOnly)) })
		if r.Window != nil {
			e.Field("window", func(e *jx.Encoder) {
				e.Obj(func(e *jx.Encoder) {
					e.Field("start", func(e *jx.Encoder) { encodeClock(e, r.Window.Start) })
					e.Field("end", func(e *jx.Encoder) { encodeClock(e, r.Window.End) })
				})
			})
		}
		if r.Weekdays != 0 {
			e.Field("weekdays", func(e *jx.Encoder) {
				e.Arr(func(e *jx.Encoder) {
					for _, d := range r.Weekdays.Days() {
						e.Int(d)
					}
				})
			})
		}
		e.Field("applyToPrice", func(e *jx.Encoder) { e.Bool(r.ApplyToPrice) })
	})
}

func encodeTemplate(e *jx.Encoder, t *voucher.Template) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Int64(t.ID) })
		e.Field("name", func(e *jx.Encoder) { e.Str(t.Name) })
		e.Field("kind", func(e *jx.Encoder) { e.Str(string(t.Kind)) })
		e.Field("value", func(e *jx.Encoder) { e.Str(t.Value.String()) })
		e.Field("minOrder", func(e *jx.Encoder) { e.Str(t.MinOrder.String()) })
		if t.MaxDiscount != nil {
			e.Field("maxDiscount", func(e *jx.Encoder) { e.Str(t.MaxDiscount.String()) })
		}
		e.Field("pointCost", func(e *jx.Encoder) { e.Int64(t.PointCost) })
		if t.ExpiresAt != nil {
			e.Field("expiresAt", func(e *jx.Encoder) { encodeTime(e, *t.ExpiresAt) })
		}
		if left := t.Remaining(); left != nil {
			e.Field("remaining", func(e *jx.Encoder) { e.Int64(*left) })
		}
	})
}

func encodeCode(e *jx.Encoder, c *redemption.Code) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("code", func(e *jx.Encoder) { e.Str(c.Code) })
		e.Field("templateId", func(e *jx.Encoder) { e.Int64(c.TemplateID) })
		e.Field("status", func(e *jx.Encoder) { e.Str(string(c.Status)) })
		e.Field("createdAt", func(e *jx.Encoder) { encodeTime(e, c.CreatedAt) })
		if c.ExpiresAt != nil {
			e.Field("expiresAt", func(e *jx.Encoder) { encodeTime(e, *c.ExpiresAt) })
		}
		if c.OrderRef != nil {
			e.Field("orderRef", func(e *jx.Encoder) { e.Str(*c.OrderRef) })
		}
		e.Field("updatedAt", func(e *jx.Encoder) { encodeTime(e, c.UpdatedAt) })
	})
}
