package coupon

import (
	"fmt"

	"github.com/warp/coupon-ledger/generic"
)

// ComputeDiscount returns the discount a balance can cover on an order total:
// min(orderTotal, balance). Amounts are never negative; negative input is an
// invalid-argument error.
func ComputeDiscount(balance, orderTotal generic.Amount) (generic.Amount, error) {
	if balance.IsNegative() {
		return generic.ZeroAmount(), fmt.Errorf("%w: balance %s is negative", generic.ErrInvalidArgument, balance)
	}
	if orderTotal.IsNegative() {
		return generic.ZeroAmount(), fmt.Errorf("%w: order total %s is negative", generic.ErrInvalidArgument, orderTotal)
	}
	return orderTotal.Min(balance), nil
}
