package voucher

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockTemplateRepo struct {
	templates []Template
	err       error
}

func (m *mockTemplateRepo) GetTemplate(_ context.Context, id int64) (*Template, error) {
	for _, t := range m.templates {
		if t.ID == id {
			return &t, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockTemplateRepo) ListOpen(_ context.Context, _ time.Time) ([]Template, error) {
	if m.err != nil {
		return nil, m.err
	}
	out := make([]Template, len(m.templates))
	copy(out, m.templates)
	return out, nil
}

func TestTemplate_Open(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	tests := []struct {
		name     string
		template Template
		want     error
	}{
		{name: "open unlimited", template: Template{Active: true}},
		{name: "inactive", template: Template{Active: false}, want: ErrInactive},
		{name: "expired", template: Template{Active: true, ExpiresAt: &past}, want: ErrExpired},
		{name: "expires exactly now", template: Template{Active: true, ExpiresAt: &now}, want: ErrExpired},
		{name: "not yet expired", template: Template{Active: true, ExpiresAt: &future}},
		{name: "exhausted", template: Template{Active: true, TotalQuantity: ptr(int64(1)), Redeemed: 1}, want: ErrExhausted},
		{name: "one left", template: Template{Active: true, TotalQuantity: ptr(int64(2)), Redeemed: 1}},
		{name: "inactive wins over expired", template: Template{Active: false, ExpiresAt: &past}, want: ErrInactive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.template.Open(now)
			if tt.want == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestTemplate_Remaining(t *testing.T) {
	assert.Nil(t, (&Template{}).Remaining())
	assert.Equal(t, int64(3), *(&Template{TotalQuantity: ptr(int64(5)), Redeemed: 2}).Remaining())
	assert.Equal(t, int64(0), *(&Template{TotalQuantity: ptr(int64(5)), Redeemed: 7}).Remaining())
}

func TestCatalog_ListOpen(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	repo := &mockTemplateRepo{templates: []Template{
		{ID: 1, Active: true},
		{ID: 2, Active: false},
		{ID: 3, Active: true, ExpiresAt: &past},
		{ID: 4, Active: true, TotalQuantity: ptr(int64(10)), Redeemed: 10},
		{ID: 5, Active: true, TotalQuantity: ptr(int64(10)), Redeemed: 9},
	}}

	c := NewCatalog(repo)
	c.now = func() time.Time { return now }

	got, err := c.ListOpen(context.Background())
	require.NoError(t, err)

	var gotIDs []int64
	for _, tmpl := range got {
		gotIDs = append(gotIDs, tmpl.ID)
	}
	assert.Equal(t, []int64{1, 5}, gotIDs)
}

func TestCatalog_ListOpenError(t *testing.T) {
	c := NewCatalog(&mockTemplateRepo{err: errors.New("db error")})

	_, err := c.ListOpen(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list open templates")
}
