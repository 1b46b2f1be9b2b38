package redemption

import (
	"context"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCode(t *testing.T) {
	tests := []struct {
		prefix string
		want   *regexp.Regexp
	}{
		{prefix: "SUMMER", want: regexp.MustCompile(`^SUMMER-[0-9A-Z]{6}$`)},
		{prefix: " vip ", want: regexp.MustCompile(`^VIP-[0-9A-Z]{6}$`)},
		{prefix: "", want: regexp.MustCompile(`^V-[0-9A-Z]{6}$`)},
	}

	for _, tt := range tests {
		t.Run(tt.prefix, func(t *testing.T) {
			code, err := NewCode(tt.prefix)
			require.NoError(t, err)
			assert.Regexp(t, tt.want, code)
		})
	}
}

func TestNewCode_Distinct(t *testing.T) {
	seen := make(map[string]struct{}, 1000)
	for range 1000 {
		code, err := NewCode("X")
		require.NoError(t, err)
		seen[code] = struct{}{}
	}
	// 36^6 possible suffixes; a handful of collisions in 1000 draws is
	// already astronomically unlikely.
	assert.Greater(t, len(seen), 995)
}

func TestCodeFilter(t *testing.T) {
	f := NewCodeFilter(1000, 0.001)
	assert.False(t, f.MaybeIssued("A-000001"))
	assert.Zero(t, f.FillRatio())

	f.Add("A-000001")
	assert.True(t, f.MaybeIssued("A-000001"))
	assert.Equal(t, uint(1), f.Count())
	assert.Greater(t, f.FillRatio(), 0.0)
}

func TestCodeFilter_Warm(t *testing.T) {
	store := newMemStore()
	store.codes["A-000001"] = Code{Code: "A-000001"}
	store.codes["A-000002"] = Code{Code: "A-000002"}

	f := NewCodeFilter(1000, 0.001)
	require.NoError(t, f.Warm(context.Background(), store))

	assert.Equal(t, uint(2), f.Count())
	assert.True(t, f.MaybeIssued("A-000001"))
	assert.True(t, f.MaybeIssued("A-000002"))
}
