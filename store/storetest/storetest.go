// Package storetest holds the behaviour every coupon store must share.
// store/memory and store/sqlite both run it.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/coupon-ledger/coupon"
	"github.com/warp/coupon-ledger/generic"
)

// Backend is a store serving both the ledger and the storefront's orders.
type Backend interface {
	coupon.Store
	coupon.OrderSource
	SaveOrder(ctx context.Context, order coupon.Order) error
	GetOrder(ctx context.Context, ref coupon.OrderRef) (coupon.Order, error)
	SetOrderStatus(ctx context.Context, ref coupon.OrderRef, status coupon.OrderStatus) error
	Reset(ctx context.Context) error
}

var base = time.Date(2025, time.April, 2, 8, 30, 0, 0, time.UTC)

func amt(s string) generic.Amount { return generic.MustAmount(s) }

func instrument(code, initial, current string) coupon.Instrument {
	return coupon.Instrument{
		Code:           coupon.Code(code),
		InitialBalance: amt(initial),
		CurrentBalance: amt(current),
		CreatedAt:      base,
		UpdatedAt:      base,
	}
}

// Run exercises newBackend against the shared store contract.
func Run(t *testing.T, newBackend func(t *testing.T) Backend) {
	t.Run("create and get round trip", func(t *testing.T) {
		s, ctx := newBackend(t), context.Background()

		expires := base.Add(-time.Nanosecond)
		inst := instrument("gift", "100", "40")
		inst.ExpiresAt = &expires
		inst.CustomerEmail = "ana@example.com"
		inst.History = []coupon.UsageRecord{
			{ID: "r1", OrderRef: "o1", AmountUsed: amt("60"), AmountDebited: amt("60"), RemainingBalance: amt("40"), Timestamp: base},
			{ID: "r2", OrderRef: "o2", AmountUsed: amt("0.5"), AmountDebited: amt("0"), RemainingBalance: amt("40"), Timestamp: base.Add(time.Minute)},
		}
		require.NoError(t, s.Create(ctx, inst))

		got, err := s.Get(ctx, "gift")
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.Version)
		assert.True(t, got.CurrentBalance.Equal(amt("40")))
		assert.Equal(t, "ana@example.com", got.CustomerEmail)
		require.NotNil(t, got.ExpiresAt)
		assert.True(t, got.ExpiresAt.Equal(expires), "nanosecond expiry must survive")
		require.Len(t, got.History, 2)
		assert.Equal(t, coupon.OrderRef("o1"), got.History[0].OrderRef)
		assert.True(t, got.History[1].AmountUsed.Equal(amt("0.5")))
		assert.True(t, got.History[1].Shortfall().Equal(amt("0.5")))
	})

	t.Run("unknown code", func(t *testing.T) {
		s, ctx := newBackend(t), context.Background()

		_, err := s.Get(ctx, "nope")
		assert.ErrorIs(t, err, generic.ErrInstrumentNotFound)

		err = s.Save(ctx, instrument("nope", "10", "10"))
		assert.ErrorIs(t, err, generic.ErrInstrumentNotFound)
	})

	t.Run("duplicate code", func(t *testing.T) {
		s, ctx := newBackend(t), context.Background()

		require.NoError(t, s.Create(ctx, instrument("gift", "10", "10")))
		err := s.Create(ctx, instrument("gift", "20", "20"))
		assert.ErrorIs(t, err, generic.ErrDuplicateCode)
	})

	t.Run("invalid instrument rejected", func(t *testing.T) {
		s, ctx := newBackend(t), context.Background()

		err := s.Create(ctx, instrument("gift", "10", "11"))
		assert.ErrorIs(t, err, generic.ErrInvalidArgument)
	})

	t.Run("save is compare and swap", func(t *testing.T) {
		s, ctx := newBackend(t), context.Background()
		require.NoError(t, s.Create(ctx, instrument("gift", "100", "100")))

		// GIVEN: two writers read version 1
		first, err := s.Get(ctx, "gift")
		require.NoError(t, err)
		second := first.Clone()

		// WHEN: the first writer saves
		first.CurrentBalance = amt("70")
		first.History = append(first.History, coupon.UsageRecord{
			ID: "r1", OrderRef: "o1", AmountUsed: amt("30"), AmountDebited: amt("30"), RemainingBalance: amt("70"), Timestamp: base,
		})
		require.NoError(t, s.Save(ctx, first))

		// THEN: the second writer's stale save is refused and changes nothing
		second.CurrentBalance = amt("10")
		err = s.Save(ctx, second)
		assert.ErrorIs(t, err, generic.ErrConcurrentModification)
		assert.True(t, generic.IsRetryable(err))

		got, err := s.Get(ctx, "gift")
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.Version)
		assert.True(t, got.CurrentBalance.Equal(amt("70")))
		require.Len(t, got.History, 1)
		assert.Equal(t, base, got.CreatedAt.UTC())
	})

	t.Run("save rewrites history", func(t *testing.T) {
		s, ctx := newBackend(t), context.Background()
		inst := instrument("gift", "100", "70")
		inst.History = []coupon.UsageRecord{
			{ID: "r1", OrderRef: "o1", AmountUsed: amt("10"), AmountDebited: amt("10"), RemainingBalance: amt("90"), Timestamp: base},
			{ID: "r2", OrderRef: "o2", AmountUsed: amt("20"), AmountDebited: amt("20"), RemainingBalance: amt("70"), Timestamp: base},
		}
		require.NoError(t, s.Create(ctx, inst))

		got, err := s.Get(ctx, "gift")
		require.NoError(t, err)
		got.History = got.History[1:]
		got.CurrentBalance = amt("80")
		require.NoError(t, s.Save(ctx, got))

		got, err = s.Get(ctx, "gift")
		require.NoError(t, err)
		require.Len(t, got.History, 1)
		assert.Equal(t, "r2", got.History[0].ID)
	})

	t.Run("list filters and sorts", func(t *testing.T) {
		s, ctx := newBackend(t), context.Background()
		soon, later := base.Add(time.Hour), base.Add(48*time.Hour)

		a := instrument("gift-a", "50", "5")
		a.CustomerEmail = "ana@example.com"
		a.ExpiresAt = &later
		b := instrument("gift-b", "50", "50")
		b.ExpiresAt = &soon
		c := instrument("promo-c", "50", "25")
		c.CustomerEmail = "ana@example.com"
		for _, inst := range []coupon.Instrument{a, b, c} {
			require.NoError(t, s.Create(ctx, inst))
		}

		codes := func(q coupon.ListQuery) []coupon.Code {
			t.Helper()
			list, err := s.List(ctx, q)
			require.NoError(t, err)
			out := make([]coupon.Code, 0, len(list))
			for _, inst := range list {
				out = append(out, inst.Code)
			}
			return out
		}

		assert.Equal(t, []coupon.Code{"gift-a", "gift-b", "promo-c"}, codes(coupon.ListQuery{}))
		assert.Equal(t, []coupon.Code{"promo-c", "gift-b", "gift-a"}, codes(coupon.ListQuery{Desc: true}))
		assert.Equal(t, []coupon.Code{"gift-b", "promo-c", "gift-a"},
			codes(coupon.ListQuery{SortBy: coupon.SortByCurrentBalance, Desc: true}))
		assert.Equal(t, []coupon.Code{"gift-b", "gift-a", "promo-c"},
			codes(coupon.ListQuery{SortBy: coupon.SortByExpiresAt}))
		assert.Equal(t, []coupon.Code{"gift-a", "gift-b", "promo-c"},
			codes(coupon.ListQuery{SortBy: coupon.SortByExpiresAt, Desc: true}))
		assert.Equal(t, []coupon.Code{"gift-a", "promo-c"},
			codes(coupon.ListQuery{CustomerEmail: " ANA@example.com"}))
		assert.Equal(t, []coupon.Code{"gift-a", "gift-b"}, codes(coupon.ListQuery{Search: "GIFT"}))
		assert.Empty(t, codes(coupon.ListQuery{Search: "zzz"}))
	})

	t.Run("orders", func(t *testing.T) {
		s, ctx := newBackend(t), context.Background()

		require.NoError(t, s.SaveOrder(ctx, coupon.Order{
			Ref:    "o1",
			Status: coupon.OrderCompletedStatus,
			Coupons: []coupon.OrderCouponLine{
				{Code: " GIFT ", Discount: amt("10")},
				{Code: "promo", Discount: amt("5")},
				{Code: "gift", Discount: amt("2.5")},
			},
		}))

		codes, err := s.AppliedCodes(ctx, "o1")
		require.NoError(t, err)
		assert.Equal(t, []coupon.Code{"gift", "promo", "gift"}, codes)

		d, err := s.CouponDiscount(ctx, "o1", "gift")
		require.NoError(t, err)
		// A repeated code uses its first line.
		assert.True(t, d.Equal(amt("10")), "got %s", d)

		d, err = s.CouponDiscount(ctx, "o1", "other")
		require.NoError(t, err)
		assert.True(t, d.IsZero())

		require.NoError(t, s.SetOrderStatus(ctx, "o1", coupon.OrderRefundedStatus))
		order, err := s.GetOrder(ctx, "o1")
		require.NoError(t, err)
		assert.Equal(t, coupon.OrderRefundedStatus, order.Status)
		assert.Len(t, order.Coupons, 3)

		_, err = s.AppliedCodes(ctx, "missing")
		assert.ErrorIs(t, err, generic.ErrOrderNotFound)
		assert.ErrorIs(t, s.SetOrderStatus(ctx, "missing", coupon.OrderCancelledStatus), generic.ErrOrderNotFound)
		assert.ErrorIs(t, s.SaveOrder(ctx, coupon.Order{}), generic.ErrInvalidArgument)
	})

	t.Run("reset", func(t *testing.T) {
		s, ctx := newBackend(t), context.Background()
		require.NoError(t, s.Create(ctx, instrument("gift", "10", "10")))
		require.NoError(t, s.SaveOrder(ctx, coupon.Order{Ref: "o1"}))

		require.NoError(t, s.Reset(ctx))

		_, err := s.Get(ctx, "gift")
		assert.ErrorIs(t, err, generic.ErrInstrumentNotFound)
		_, err = s.GetOrder(ctx, "o1")
		assert.ErrorIs(t, err, generic.ErrOrderNotFound)
	})
}
