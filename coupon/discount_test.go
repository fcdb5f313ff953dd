package coupon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/coupon-ledger/generic"
)

func TestComputeDiscount(t *testing.T) {
	tests := []struct {
		name    string
		balance string
		total   string
		want    string
	}{
		{"total below balance", "100", "60", "60"},
		{"balance below total", "30", "50", "30"},
		{"equal", "25.50", "25.50", "25.50"},
		{"zero balance", "0", "50", "0"},
		{"zero total", "40", "0", "0"},
		{"cents", "10.01", "10.02", "10.01"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			balance, total := generic.MustAmount(tt.balance), generic.MustAmount(tt.total)

			got, err := ComputeDiscount(balance, total)
			require.NoError(t, err)

			assert.True(t, got.Equal(generic.MustAmount(tt.want)), "got %s", got)
			assert.False(t, got.GreaterThan(balance))
			assert.False(t, got.GreaterThan(total))
		})
	}
}

func TestComputeDiscount_RejectsNegative(t *testing.T) {
	_, err := ComputeDiscount(generic.MustAmount("-1"), generic.MustAmount("10"))
	assert.ErrorIs(t, err, generic.ErrInvalidArgument)

	_, err = ComputeDiscount(generic.MustAmount("10"), generic.MustAmount("-0.01"))
	assert.ErrorIs(t, err, generic.ErrInvalidArgument)
}
