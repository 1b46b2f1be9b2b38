package checkout

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-promo/internal/domain/redemption"
	"github.com/xenking/kart-promo/internal/domain/voucher"
)

type mockLookup struct {
	code  *redemption.Code
	tmpl  *voucher.Template
	err   error
	calls int
}

func (m *mockLookup) Lookup(_ context.Context, accountID int64, code string) (*redemption.Code, *voucher.Template, error) {
	m.calls++
	if m.err != nil {
		return nil, nil, m.err
	}
	if m.code.AccountID != accountID || m.code.Code != code {
		return nil, nil, redemption.ErrNotFound
	}
	return m.code, m.tmpl, nil
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func dp(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

func activeCode() *redemption.Code {
	return &redemption.Code{
		Code:       "SAVE-ABC123",
		TemplateID: 3,
		AccountID:  1,
		Status:     redemption.StatusActive,
		CreatedAt:  time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestValidator_Validate(t *testing.T) {
	tests := []struct {
		name     string
		tmpl     voucher.Template
		subtotal string
		want     string
		wantErr  error
	}{
		{
			name:     "fixed amount",
			tmpl:     voucher.Template{ID: 3, Kind: voucher.KindFixed, Value: d("15000")},
			subtotal: "100000",
			want:     "15000",
		},
		{
			name:     "percent",
			tmpl:     voucher.Template{ID: 3, Kind: voucher.KindPercent, Value: d("10")},
			subtotal: "150000",
			want:     "15000",
		},
		{
			name:     "percent capped by max discount",
			tmpl:     voucher.Template{ID: 3, Kind: voucher.KindPercent, Value: d("50"), MaxDiscount: dp("20000")},
			subtotal: "100000",
			want:     "20000",
		},
		{
			name:     "fixed capped by subtotal",
			tmpl:     voucher.Template{ID: 3, Kind: voucher.KindFixed, Value: d("50000")},
			subtotal: "30000",
			want:     "30000",
		},
		{
			name:     "percent rounds half to even",
			tmpl:     voucher.Template{ID: 3, Kind: voucher.KindPercent, Value: d("10")},
			subtotal: "25",
			want:     "2",
		},
		{
			name:     "minimum reached exactly",
			tmpl:     voucher.Template{ID: 3, Kind: voucher.KindFixed, Value: d("10000"), MinOrder: d("200000")},
			subtotal: "200000",
			want:     "10000",
		},
		{
			name:     "below minimum",
			tmpl:     voucher.Template{ID: 3, Kind: voucher.KindFixed, Value: d("10000"), MinOrder: d("200000")},
			subtotal: "150000",
			wantErr:  voucher.ErrBelowMinimum,
		},
		{
			name:     "unknown kind",
			tmpl:     voucher.Template{ID: 3, Kind: voucher.Kind("bogus"), Value: d("1")},
			subtotal: "100",
			wantErr:  redemption.ErrInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpl := tt.tmpl
			v := NewValidator(&mockLookup{code: activeCode(), tmpl: &tmpl}, 0)

			res, err := v.Validate(context.Background(), 1, "SAVE-ABC123", d(tt.subtotal))
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.True(t, d(tt.want).Equal(res.Discount), "got %s want %s", res.Discount, tt.want)
			assert.Equal(t, int64(3), res.TemplateID)
			assert.Equal(t, "SAVE-ABC123", res.Code)
		})
	}
}

func TestValidator_DiscountNeverExceedsCaps(t *testing.T) {
	tmpl := voucher.Template{ID: 3, Kind: voucher.KindPercent, Value: d("100"), MaxDiscount: dp("70000")}
	v := NewValidator(&mockLookup{code: activeCode(), tmpl: &tmpl}, 0)

	for _, s := range []string{"0", "1", "999", "50000", "70000", "70001", "1000000"} {
		subtotal := d(s)
		res, err := v.Validate(context.Background(), 1, "SAVE-ABC123", subtotal)
		require.NoError(t, err)
		assert.True(t, res.Discount.LessThanOrEqual(subtotal), s)
		assert.True(t, res.Discount.LessThanOrEqual(*tmpl.MaxDiscount), s)
		assert.False(t, res.Discount.IsNegative(), s)
	}
}

func TestValidator_LookupFailures(t *testing.T) {
	for _, want := range []error{
		redemption.ErrNotFound,
		redemption.ErrNotActive,
		redemption.ErrExpired,
		fmt.Errorf("%w: %w", redemption.ErrNotActive, redemption.ErrExpired),
	} {
		v := NewValidator(&mockLookup{err: want}, 0)
		_, err := v.Validate(context.Background(), 1, "SAVE-ABC123", d("1000"))
		require.ErrorIs(t, err, want)
	}
}

func TestValidator_WrongAccount(t *testing.T) {
	tmpl := voucher.Template{ID: 3, Kind: voucher.KindFixed, Value: d("100")}
	v := NewValidator(&mockLookup{code: activeCode(), tmpl: &tmpl}, 0)

	_, err := v.Validate(context.Background(), 2, "SAVE-ABC123", d("1000"))
	require.ErrorIs(t, err, redemption.ErrNotFound)
}

func TestValidator_NegativeSubtotal(t *testing.T) {
	m := &mockLookup{code: activeCode()}
	v := NewValidator(m, 0)

	_, err := v.Validate(context.Background(), 1, "SAVE-ABC123", d("-1"))
	require.ErrorIs(t, err, ErrInvalidSubtotal)
	assert.Zero(t, m.calls)
}
