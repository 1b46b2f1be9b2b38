package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-promo/internal/domain/checkout"
	"github.com/xenking/kart-promo/internal/domain/product"
	"github.com/xenking/kart-promo/internal/domain/promotion"
	"github.com/xenking/kart-promo/internal/domain/redemption"
	"github.com/xenking/kart-promo/internal/domain/voucher"
)

// --- Mock implementations ---

type mockPricing struct {
	quote  *promotion.Quote
	rules  []promotion.Rule
	err    error
	lastAt time.Time
	lastID int64
}

func (m *mockPricing) Quote(_ context.Context, productID int64, at time.Time) (*promotion.Quote, error) {
	m.lastID, m.lastAt = productID, at
	return m.quote, m.err
}

func (m *mockPricing) Promotions(_ context.Context, at time.Time) ([]promotion.Rule, error) {
	m.lastAt = at
	return m.rules, m.err
}

type mockCatalog struct {
	templates []voucher.Template
	err       error
}

func (m *mockCatalog) ListOpen(context.Context) ([]voucher.Template, error) {
	return m.templates, m.err
}

func (m *mockCatalog) Get(_ context.Context, id int64) (*voucher.Template, error) {
	for _, t := range m.templates {
		if t.ID == id {
			return &t, nil
		}
	}
	return nil, voucher.ErrNotFound
}

type mockLedger struct {
	redemption *redemption.Redemption
	codes      []redemption.Code
	code       *redemption.Code
	err        error

	lastAccount  int64
	lastTemplate int64
	lastCode     string
	lastOrderRef string
}

func (m *mockLedger) Redeem(_ context.Context, accountID, templateID int64) (*redemption.Redemption, error) {
	m.lastAccount, m.lastTemplate = accountID, templateID
	return m.redemption, m.err
}

func (m *mockLedger) Codes(_ context.Context, accountID int64) ([]redemption.Code, error) {
	m.lastAccount = accountID
	return m.codes, m.err
}

func (m *mockLedger) Consume(_ context.Context, accountID int64, code, orderRef string) (*redemption.Code, error) {
	m.lastAccount, m.lastCode, m.lastOrderRef = accountID, code, orderRef
	return m.code, m.err
}

func (m *mockLedger) Cancel(_ context.Context, accountID int64, code string) (*redemption.Code, error) {
	m.lastAccount, m.lastCode = accountID, code
	return m.code, m.err
}

type mockValidator struct {
	result       *checkout.Result
	err          error
	lastSubtotal decimal.Decimal
}

func (m *mockValidator) Validate(_ context.Context, _ int64, _ string, subtotal decimal.Decimal) (*checkout.Result, error) {
	m.lastSubtotal = subtotal
	return m.result, m.err
}

// --- Helpers ---

var fixedNow = time.Date(2025, 6, 13, 12, 0, 0, 0, time.UTC)

type deps struct {
	pricing   *mockPricing
	catalog   *mockCatalog
	ledger    *mockLedger
	validator *mockValidator
}

func newTestServer(t *testing.T) (*httptest.Server, *deps) {
	t.Helper()
	d := &deps{
		pricing:   &mockPricing{},
		catalog:   &mockCatalog{},
		ledger:    &mockLedger{},
		validator: &mockValidator{},
	}
	h := New(d.pricing, d.catalog, d.ledger, d.validator)
	h.now = func() time.Time { return fixedNow }

	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)
	return srv, d
}

func do(t *testing.T, srv *httptest.Server, method, path, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), method, srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var out any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	if m, ok := out.(map[string]any); ok {
		return resp.StatusCode, m
	}
	return resp.StatusCode, map[string]any{"items": out}
}

// --- Tests ---

func TestGetPrice(t *testing.T) {
	srv, d := newTestServer(t)
	winner := promotion.Rule{
		ID:        4,
		Name:      "Drinks 20%",
		Scope:     promotion.Category(5),
		Discount:  promotion.PercentOff(20),
		StartDate: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC),
		Window:    &promotion.TimeWindow{Start: 22 * time.Hour, End: 2 * time.Hour},
		Weekdays:  promotion.NewWeekdays(5),
	}
	d.pricing.quote = &promotion.Quote{
		ProductID:  42,
		BasePrice:  decimal.NewFromInt(100000),
		FinalPrice: decimal.NewFromInt(80000),
		Winner:     &winner,
	}

	status, body := do(t, srv, http.MethodGet, "/products/42/price?at=2025-06-13T22:30:00Z", "")
	require.Equal(t, http.StatusOK, status)

	assert.Equal(t, int64(42), d.pricing.lastID)
	assert.Equal(t, time.Date(2025, 6, 13, 22, 30, 0, 0, time.UTC), d.pricing.lastAt)
	assert.Equal(t, "100000", body["basePrice"])
	assert.Equal(t, "80000", body["finalPrice"])

	promo := body["promotion"].(map[string]any)
	assert.Equal(t, float64(4), promo["id"])
	assert.Equal(t, "category", promo["scope"].(map[string]any)["kind"])
	assert.Equal(t, float64(20), promo["discount"].(map[string]any)["percent"])
	assert.Equal(t, map[string]any{"start": "22:00", "end": "02:00"}, promo["window"])
	assert.Equal(t, []any{float64(5)}, promo["weekdays"])
	assert.Equal(t, "2025-06-01", promo["startDate"])
}

func TestGetPrice_DefaultsToNow(t *testing.T) {
	srv, d := newTestServer(t)
	d.pricing.quote = &promotion.Quote{ProductID: 1, BasePrice: decimal.NewFromInt(10), FinalPrice: decimal.NewFromInt(10)}

	status, body := do(t, srv, http.MethodGet, "/products/1/price", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, fixedNow, d.pricing.lastAt)
	assert.NotContains(t, body, "promotion")
}

func TestGetPrice_Errors(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		err    error
		status int
		kind   string
	}{
		{name: "bad id", path: "/products/abc/price", status: http.StatusBadRequest, kind: kindInvalidRequest},
		{name: "bad instant", path: "/products/1/price?at=yesterday", status: http.StatusBadRequest, kind: kindInvalidRequest},
		{name: "unknown product", path: "/products/1/price", err: errors.Wrap(product.ErrNotFound, "get product"), status: http.StatusNotFound, kind: kindNotFound},
		{name: "negative price", path: "/products/1/price", err: promotion.ErrInvalidPrice, status: http.StatusUnprocessableEntity, kind: kindInvalidRequest},
		{name: "storage failure", path: "/products/1/price", err: errors.New("connection reset"), status: http.StatusInternalServerError, kind: kindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, d := newTestServer(t)
			d.pricing.err = tt.err

			status, body := do(t, srv, http.MethodGet, tt.path, "")
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.kind, body["kind"])
			assert.Equal(t, float64(tt.status), body["code"])
			assert.NotContains(t, body["message"], "connection reset")
		})
	}
}

func TestListPromotions(t *testing.T) {
	srv, d := newTestServer(t)
	d.pricing.rules = []promotion.Rule{
		{ID: 1, Name: "Everything", Scope: promotion.AllProducts(), Discount: promotion.FixedPrice(decimal.NewFromInt(500))},
		{ID: 2, Name: "Banner", Scope: promotion.SingleProduct(3), Discount: promotion.PercentOff(0)},
	}

	status, body := do(t, srv, http.MethodGet, "/promotions", "")
	require.Equal(t, http.StatusOK, status)

	items := body["items"].([]any)
	require.Len(t, items, 2)
	first := items[0].(map[string]any)
	assert.Equal(t, "500", first["discount"].(map[string]any)["target"])
	assert.NotContains(t, first["scope"].(map[string]any), "refId")
}

func TestListVouchers(t *testing.T) {
	srv, d := newTestServer(t)
	maxDiscount := decimal.NewFromInt(20000)
	d.catalog.templates = []voucher.Template{{
		ID:            3,
		Name:          "10% off",
		Kind:          voucher.KindPercent,
		Value:         decimal.NewFromInt(10),
		MaxDiscount:   &maxDiscount,
		PointCost:     50,
		Active:        true,
		TotalQuantity: func() *int64 { v := int64(10); return &v }(),
		Redeemed:      4,
	}}

	status, body := do(t, srv, http.MethodGet, "/vouchers", "")
	require.Equal(t, http.StatusOK, status)
	items := body["items"].([]any)
	require.Len(t, items, 1)
	tmpl := items[0].(map[string]any)
	assert.Equal(t, "20000", tmpl["maxDiscount"])
	assert.Equal(t, float64(6), tmpl["remaining"])
	assert.Equal(t, float64(50), tmpl["pointCost"])

	status, body = do(t, srv, http.MethodGet, "/vouchers/3", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "10% off", body["name"])

	status, body = do(t, srv, http.MethodGet, "/vouchers/99", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, kindNotFound, body["kind"])
}

func TestRedeem(t *testing.T) {
	srv, d := newTestServer(t)
	d.ledger.redemption = &redemption.Redemption{
		Code: redemption.Code{
			Code:       "TEN-4K2Q9Z",
			TemplateID: 3,
			AccountID:  7,
			Status:     redemption.StatusActive,
			CreatedAt:  fixedNow,
			UpdatedAt:  fixedNow,
		},
		RemainingPoints: 0,
	}

	status, body := do(t, srv, http.MethodPost, "/accounts/7/redemptions", `{"templateId":3}`)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, int64(7), d.ledger.lastAccount)
	assert.Equal(t, int64(3), d.ledger.lastTemplate)
	assert.Equal(t, float64(0), body["remainingPoints"])
	code := body["code"].(map[string]any)
	assert.Equal(t, "TEN-4K2Q9Z", code["code"])
	assert.Equal(t, "active", code["status"])
	assert.Equal(t, "2025-06-13T12:00:00Z", code["createdAt"])
}

func TestRedeem_Errors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		err    error
		status int
		kind   string
	}{
		{name: "malformed body", body: `{"templateId":`, status: http.StatusBadRequest, kind: kindInvalidRequest},
		{name: "missing template", body: `{}`, status: http.StatusBadRequest, kind: kindInvalidRequest},
		{name: "exhausted", body: `{"templateId":3}`, err: voucher.ErrExhausted, status: http.StatusUnprocessableEntity, kind: kindExhausted},
		{name: "inactive", body: `{"templateId":3}`, err: voucher.ErrInactive, status: http.StatusUnprocessableEntity, kind: kindInactive},
		{name: "expired template", body: `{"templateId":3}`, err: voucher.ErrExpired, status: http.StatusUnprocessableEntity, kind: kindExpired},
		{name: "insufficient points", body: `{"templateId":3}`, err: redemption.ErrInsufficientPoints, status: http.StatusUnprocessableEntity, kind: kindInsufficientPoints},
		{name: "unknown account", body: `{"templateId":3}`, err: redemption.ErrNotFound, status: http.StatusNotFound, kind: kindNotFound},
		{name: "unknown template", body: `{"templateId":3}`, err: voucher.ErrNotFound, status: http.StatusNotFound, kind: kindNotFound},
		{name: "conflict", body: `{"templateId":3}`, err: fmt.Errorf("%w: %w", redemption.ErrConflict, redemption.ErrSerialization), status: http.StatusConflict, kind: kindConflict},
		{name: "internal", body: `{"templateId":3}`, err: fmt.Errorf("%w: %w", redemption.ErrInternal, errors.New("disk full")), status: http.StatusInternalServerError, kind: kindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, d := newTestServer(t)
			d.ledger.err = tt.err

			status, body := do(t, srv, http.MethodPost, "/accounts/7/redemptions", tt.body)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.kind, body["kind"])
			assert.NotContains(t, body["message"], "disk full")
		})
	}
}

func TestListCodes(t *testing.T) {
	srv, d := newTestServer(t)
	ref := "order-9"
	d.ledger.codes = []redemption.Code{
		{Code: "A-000002", Status: redemption.StatusUsed, OrderRef: &ref, CreatedAt: fixedNow, UpdatedAt: fixedNow},
		{Code: "A-000001", Status: redemption.StatusExpired, CreatedAt: fixedNow, UpdatedAt: fixedNow},
	}

	status, body := do(t, srv, http.MethodGet, "/accounts/7/codes", "")
	require.Equal(t, http.StatusOK, status)
	items := body["items"].([]any)
	require.Len(t, items, 2)
	assert.Equal(t, "order-9", items[0].(map[string]any)["orderRef"])
	assert.Equal(t, "expired", items[1].(map[string]any)["status"])
}

func TestValidate(t *testing.T) {
	for _, body := range []string{`{"subtotal":"150000"}`, `{"subtotal":150000}`} {
		srv, d := newTestServer(t)
		d.validator.result = &checkout.Result{Code: "A-000001", TemplateID: 3, Discount: decimal.NewFromInt(15000)}

		status, resp := do(t, srv, http.MethodPost, "/accounts/7/codes/a-000001/validate", body)
		require.Equal(t, http.StatusOK, status, body)
		assert.True(t, decimal.NewFromInt(150000).Equal(d.validator.lastSubtotal))
		assert.Equal(t, "15000", resp["discount"])
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		err    error
		status int
		kind   string
	}{
		{name: "missing subtotal", body: `{}`, status: http.StatusBadRequest, kind: kindInvalidRequest},
		{name: "not a number", body: `{"subtotal":"lots"}`, status: http.StatusBadRequest, kind: kindInvalidRequest},
		{name: "below minimum", body: `{"subtotal":"150000"}`, err: voucher.ErrBelowMinimum, status: http.StatusUnprocessableEntity, kind: kindBelowMinimum},
		{name: "just expired", body: `{"subtotal":"1"}`, err: redemption.ErrExpired, status: http.StatusUnprocessableEntity, kind: kindExpired},
		{name: "already expired", body: `{"subtotal":"1"}`, err: fmt.Errorf("%w: %w", redemption.ErrNotActive, redemption.ErrExpired), status: http.StatusUnprocessableEntity, kind: kindNotActive},
		{name: "used", body: `{"subtotal":"1"}`, err: redemption.ErrNotActive, status: http.StatusUnprocessableEntity, kind: kindNotActive},
		{name: "not found", body: `{"subtotal":"1"}`, err: redemption.ErrNotFound, status: http.StatusNotFound, kind: kindNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, d := newTestServer(t)
			d.validator.err = tt.err

			status, body := do(t, srv, http.MethodPost, "/accounts/7/codes/A-000001/validate", tt.body)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.kind, body["kind"])
		})
	}
}

func TestConsumeAndCancel(t *testing.T) {
	srv, d := newTestServer(t)
	ref := "order-1"
	d.ledger.code = &redemption.Code{Code: "A-000001", Status: redemption.StatusUsed, OrderRef: &ref, CreatedAt: fixedNow, UpdatedAt: fixedNow}

	status, body := do(t, srv, http.MethodPost, "/accounts/7/codes/A-000001/consume", `{"orderRef":" order-1 "}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "order-1", d.ledger.lastOrderRef)
	assert.Equal(t, "used", body["status"])

	status, body = do(t, srv, http.MethodPost, "/accounts/7/codes/A-000001/consume", `{}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, kindInvalidRequest, body["kind"])

	d.ledger.code = &redemption.Code{Code: "A-000001", Status: redemption.StatusCancelled, CreatedAt: fixedNow, UpdatedAt: fixedNow}
	status, body = do(t, srv, http.MethodPost, "/accounts/7/codes/A-000001/cancel", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "cancelled", body["status"])
	assert.Equal(t, "A-000001", d.ledger.lastCode)
}

func TestNotFoundRoute(t *testing.T) {
	srv, _ := newTestServer(t)
	status, body := do(t, srv, http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, kindNotFound, body["kind"])

	status, body = do(t, srv, http.MethodDelete, "/vouchers", "")
	assert.Equal(t, http.StatusMethodNotAllowed, status)
	assert.Equal(t, kindInvalidRequest, body["kind"])
}
