package main

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/xenking/kart-promo/internal/domain/product"
	"github.com/xenking/kart-promo/internal/domain/promotion"
	"github.com/xenking/kart-promo/internal/domain/redemption"
	"github.com/xenking/kart-promo/internal/domain/voucher"
)

type categoryDoc struct {
	ID   int64  `yaml:"id"`
	Name string `yaml:"name"`
}

type productDoc struct {
	ID       int64  `yaml:"id"`
	Category int64  `yaml:"category"`
	Name     string `yaml:"name"`
	Price    string `yaml:"price"`
}

type promotionDoc struct {
	ID    int64  `yaml:"id"`
	Name  string `yaml:"name"`
	Scope struct {
		Kind string `yaml:"kind"`
		Ref  int64  `yaml:"ref"`
	} `yaml:"scope"`
	Discount struct {
		Kind    string `yaml:"kind"`
		Percent uint8  `yaml:"percent"`
		Target  string `yaml:"target"`
	} `yaml:"discount"`
	Start  string `yaml:"start"`
	End    string `yaml:"end"`
	Window *struct {
		Start string `yaml:"start"`
		End   string `yaml:"end"`
	} `yaml:"window"`
	Weekdays     []int `yaml:"weekdays"`
	Hidden       bool  `yaml:"hidden"`
	ApplyToPrice *bool `yaml:"apply_to_price"`
}

type templateDoc struct {
	ID            int64  `yaml:"id"`
	Name          string `yaml:"name"`
	Prefix        string `yaml:"prefix"`
	Kind          string `yaml:"kind"`
	Value         string `yaml:"value"`
	MinOrder      string `yaml:"min_order"`
	MaxDiscount   string `yaml:"max_discount"`
	PointCost     int64  `yaml:"point_cost"`
	TotalQuantity *int64 `yaml:"total_quantity"`
	ExpiresAt     string `yaml:"expires_at"`
	Inactive      bool   `yaml:"inactive"`
}

type catalogDoc struct {
	Categories []categoryDoc       `yaml:"categories"`
	Products   []productDoc        `yaml:"products"`
	Promotions []promotionDoc      `yaml:"promotions"`
	Templates  []templateDoc       `yaml:"templates"`
	Accounts   []accountDoc `yaml:"accounts"`
}

type accountDoc struct {
	ID     int64  `yaml:"id"`
	Email  string `yaml:"email"`
	Points int64  `yaml:"points"`
}

type category struct {
	ID   int64
	Name string
}

type account struct {
	redemption.Account
	Email string
}

// catalog is a parsed and validated seed file.
type catalog struct {
	Categories []category
	Products   []product.Product
	Promotions []promotion.Rule
	Templates  []voucher.Template
	Accounts   []account
}

func parseCatalog(data []byte) (*catalog, error) {
	var doc catalogDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, "decode yaml")
	}

	c := &catalog{}
	categories := make(map[int64]struct{}, len(doc.Categories))
	for _, d := range doc.Categories {
		categories[d.ID] = struct{}{}
		c.Categories = append(c.Categories, category{ID: d.ID, Name: d.Name})
	}

	for _, d := range doc.Products {
		if _, ok := categories[d.Category]; !ok {
			return nil, errors.Errorf("product %d: unknown category %d", d.ID, d.Category)
		}
		price, err := decimal.NewFromString(d.Price)
		if err != nil {
			return nil, errors.Wrapf(err, "product %d: price", d.ID)
		}
		if price.IsNegative() {
			return nil, errors.Errorf("product %d: negative price", d.ID)
		}
		c.Products = append(c.Products, product.Product{
			ID:         d.ID,
			CategoryID: d.Category,
			Name:       d.Name,
			BasePrice:  price,
		})
	}

	for _, d := range doc.Promotions {
		rule, err := d.rule()
		if err != nil {
			return nil, errors.Wrapf(err, "promotion %d", d.ID)
		}
		c.Promotions = append(c.Promotions, rule)
	}

	for _, d := range doc.Templates {
		t, err := d.template()
		if err != nil {
			return nil, errors.Wrapf(err, "template %d", d.ID)
		}
		c.Templates = append(c.Templates, t)
	}

	for _, d := range doc.Accounts {
		if d.Points < 0 {
			return nil, errors.Errorf("account %d: negative points", d.ID)
		}
		c.Accounts = append(c.Accounts, account{
			Account: redemption.Account{ID: d.ID, Points: d.Points},
			Email:   d.Email,
		})
	}
	return c, nil
}

func (d promotionDoc) rule() (promotion.Rule, error) {
	r := promotion.Rule{
		ID:           d.ID,
		Name:         d.Name,
		Scope:        promotion.Scope{Kind: promotion.ScopeKind(d.Scope.Kind), RefID: d.Scope.Ref},
		Weekdays:     promotion.NewWeekdays(d.Weekdays...),
		Visible:      !d.Hidden,
		ApplyToPrice: d.ApplyToPrice == nil || *d.ApplyToPrice,
	}

	switch promotion.DiscountKind(d.Discount.Kind) {
	case promotion.DiscountPercent:
		r.Discount = promotion.PercentOff(d.Discount.Percent)
	case promotion.DiscountFixedPrice:
		target, err := decimal.NewFromString(d.Discount.Target)
		if err != nil {
			return r, errors.Wrap(err, "target price")
		}
		r.Discount = promotion.FixedPrice(target)
	default:
		r.Discount = promotion.Discount{Kind: promotion.DiscountKind(d.Discount.Kind)}
	}

	var err error
	if r.StartDate, err = time.Parse(time.DateOnly, d.Start); err != nil {
		return r, errors.Wrap(err, "start date")
	}
	if r.EndDate, err = time.Parse(time.DateOnly, d.End); err != nil {
		return r, errors.Wrap(err, "end date")
	}
	if d.Window != nil {
		start, err := clock(d.Window.Start)
		if err != nil {
			return r, errors.Wrap(err, "window start")
		}
		end, err := clock(d.Window.End)
		if err != nil {
			return r, errors.Wrap(err, "window end")
		}
		r.Window = &promotion.TimeWindow{Start: start, End: end}
	}
	return r, r.Validate()
}

// clock parses "HH:MM" into an offset from midnight.
func clock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func (d templateDoc) template() (voucher.Template, error) {
	t := voucher.Template{
		ID:            d.ID,
		Name:          d.Name,
		CodePrefix:    d.Prefix,
		Kind:          voucher.Kind(d.Kind),
		PointCost:     d.PointCost,
		Active:        !d.Inactive,
		TotalQuantity: d.TotalQuantity,
	}
	switch t.Kind {
	case voucher.KindFixed, voucher.KindPercent:
	default:
		return t, errors.Errorf("unsupported kind %q", d.Kind)
	}
	if t.CodePrefix == "" {
		t.CodePrefix = "V"
	}
	if t.PointCost < 0 {
		return t, errors.New("negative point cost")
	}

	var err error
	if t.Value, err = decimal.NewFromString(d.Value); err != nil {
		return t, errors.Wrap(err, "value")
	}
	if t.Kind == voucher.KindPercent && t.Value.GreaterThan(decimal.NewFromInt(100)) {
		return t, errors.New("percent value above 100")
	}
	if d.MinOrder != "" {
		if t.MinOrder, err = decimal.NewFromString(d.MinOrder); err != nil {
			return t, errors.Wrap(err, "min order")
		}
	}
	if d.MaxDiscount != "" {
		v, err := decimal.NewFromString(d.MaxDiscount)
		if err != nil {
			return t, errors.Wrap(err, "max discount")
		}
		t.MaxDiscount = &v
	}
	if d.ExpiresAt != "" {
		at, err := time.Parse(time.RFC3339, d.ExpiresAt)
		if err != nil {
			return t, errors.Wrap(err, "expires at")
		}
		t.ExpiresAt = &at
	}
	return t, nil
}
