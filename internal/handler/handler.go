// Package handler exposes pricing, voucher and redemption operations over HTTP.
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-promo/internal/domain/checkout"
	"github.com/xenking/kart-promo/internal/domain/promotion"
	"github.com/xenking/kart-promo/internal/domain/redemption"
	"github.com/xenking/kart-promo/internal/domain/voucher"
)

// Pricing quotes product prices and lists promotions.
type Pricing interface {
	Quote(ctx context.Context, productID int64, at time.Time) (*promotion.Quote, error)
	Promotions(ctx context.Context, at time.Time) ([]promotion.Rule, error)
}

// Catalog lists voucher templates.
type Catalog interface {
	ListOpen(ctx context.Context) ([]voucher.Template, error)
	Get(ctx context.Context, id int64) (*voucher.Template, error)
}

// Ledger redeems points and drives the code lifecycle.
type Ledger interface {
	Redeem(ctx context.Context, accountID, templateID int64) (*redemption.Redemption, error)
	Codes(ctx context.Context, accountID int64) ([]redemption.Code, error)
	Consume(ctx context.Context, accountID int64, code, orderRef string) (*redemption.Code, error)
	Cancel(ctx context.Context, accountID int64, code string) (*redemption.Code, error)
}

// Validator checks codes against an order subtotal.
type Validator interface {
	Validate(ctx context.Context, accountID int64, code string, subtotal decimal.Decimal) (*checkout.Result, error)
}

// Handler serves the /api routes.
type Handler struct {
	pricing   Pricing
	catalog   Catalog
	ledger    Ledger
	validator Validator
	now       func() time.Time
}

// New creates a Handler.
func New(pricing Pricing, catalog Catalog, ledger Ledger, validator Validator) *Handler {
	return &Handler{
		pricing:   pricing,
		catalog:   catalog,
		ledger:    ledger,
		validator: validator,
		now:       time.Now,
	}
}

// maxBodyBytes bounds request bodies; every payload here is a handful of fields.
const maxBodyBytes = 1 << 16

// Routes returns the API router. Middlewares are applied in order and see
// the resolved route pattern once the inner handler returns.
func (h *Handler) Routes(middlewares ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middlewares...)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, kindNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, kindInvalidRequest, "method not allowed")
	})

	r.Get("/products/{productID}/price", h.getPrice)
	r.Get("/promotions", h.listPromotions)
	r.Get("/vouchers", h.listVouchers)
	r.Get("/vouchers/{templateID}", h.getVoucher)

	r.Route("/accounts/{accountID}", func(r chi.Router) {
		r.Post("/redemptions", h.redeem)
		r.Get("/codes", h.listCodes)
		r.Route("/codes/{code}", func(r chi.Router) {
			r.Post("/validate", h.validate)
			r.Post("/consume", h.consume)
			r.Post("/cancel", h.cancel)
		})
	})
	return r
}
