package rulecache

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-promo/internal/domain/promotion"
)

const dateLayout = time.DateOnly

func encodeRules(rules []promotion.Rule) []byte {
	var e jx.Encoder
	e.Arr(func(e *jx.Encoder) {
		for i := range rules {
			encodeRule(e, &rules[i])
		}
	})
	return e.Bytes()
}

func encodeRule(e *jx.Encoder, r *promotion.Rule) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Int64(r.ID) })
		e.Field("name", func(e *jx.Encoder) { e.Str(r.Name) })
		e.Field("scope", func(e *jx.Encoder) { e.Str(string(r.Scope.Kind)) })
		e.Field("ref", func(e *jx.Encoder) { e.Int64(r.Scope.RefID) })
		e.Field("discount", func(e *jx.Encoder) { e.Str(string(r.Discount.Kind)) })
		e.Field("percent", func(e *jx.Encoder) { e.Int(int(r.Discount.Percent)) })
		if r.Discount.Target != nil {
			e.Field("target", func(e *jx.Encoder) { e.Str(r.Discount.Target.String()) })
		}
		e.Field("start", func(e *jx.Encoder) { e.Str(r.StartDate.Format(dateLayout)) })
		e.Field("end", func(e *jx.Encoder) { e.Str(r.EndDate.Format(dateLayout)) })
		if r.Window != nil {
			e.Field("window", func(e *jx.Encoder) {
				e.Arr(func(e *jx.Encoder) {
					e.Int64(int64(r.Window.Start))
					e.Int64(int64(r.Window.End))
				})
			})
		}
		e.Field("weekdays", func(e *jx.Encoder) { e.Int(int(r.Weekdays)) })
		e.Field("visible", func(e *jx.Encoder) { e.Bool(r.Visible) })
		e.Field("price", func(e *jx.Encoder) { e.Bool(r.ApplyToPrice) })
	})
}

func decodeRules(data []byte) ([]promotion.Rule, error) {
	var rules []promotion.Rule
	d := jx.DecodeBytes(data)
	if err := d.Arr(func(d *jx.Decoder) error {
		r, err := decodeRule(d)
		if err != nil {
			return err
		}
		rules = append(rules, r)
		return nil
	}); err != nil {
		return nil, errors.Wrap(err, "decode rules")
	}
	return rules, nil
}

func decodeRule(d *jx.Decoder) (promotion.Rule, error) {
	var r promotion.Rule
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "id":
			r.ID, err = d.Int64()
		case "name":
			r.Name, err = d.Str()
		case "scope":
			var s string
			s, err = d.Str()
			r.Scope.Kind = promotion.ScopeKind(s)
		case "ref":
			r.Scope.RefID, err = d.Int64()
		case "discount":
			var s string
			s, err = d.Str()
			r.Discount.Kind = promotion.DiscountKind(s)
		case "percent":
			var p int
			p, err = d.Int()
			if err == nil && (p < 0 || p > 255) {
				return errors.Errorf("percent %d out of range", p)
			}
			r.Discount.Percent = uint8(p)
		case "target":
			var s string
			if s, err = d.Str(); err != nil {
				return err
			}
			t, perr := decimal.NewFromString(s)
			if perr != nil {
				return errors.Wrap(perr, "target")
			}
			r.Discount.Target = &t
		case "start":
			r.StartDate, err = decodeDate(d)
		case "end":
			r.EndDate, err = decodeDate(d)
		case "window":
			var bounds []int64
			err = d.Arr(func(d *jx.Decoder) error {
				v, err := d.Int64()
				bounds = append(bounds, v)
				return err
			})
			if err == nil && len(bounds) != 2 {
				return errors.Errorf("window has %d bounds", len(bounds))
			}
			if err == nil {
				r.Window = &promotion.TimeWindow{
					Start: time.Duration(bounds[0]),
					End:   time.Duration(bounds[1]),
				}
			}
		case "weekdays":
			var w int
			w, err = d.Int()
			r.Weekdays = promotion.Weekdays(uint8(w))
		case "visible":
			r.Visible, err = d.Bool()
		case "price":
			r.ApplyToPrice, err = d.Bool()
		default:
			return d.Skip()
		}
		return err
	})
	return r, err
}

func decodeDate(d *jx.Decoder) (time.Time, error) {
	s, err := d.Str()
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(dateLayout, s)
}
