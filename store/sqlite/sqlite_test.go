package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/coupon-ledger/coupon"
	"github.com/warp/coupon-ledger/generic"
	"github.com/warp/coupon-ledger/lock"
	"github.com/warp/coupon-ledger/store/sqlite"
	"github.com/warp/coupon-ledger/store/storetest"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Backend {
		return newStore(t)
	})
}

func TestReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "coupons.db")

	s, err := sqlite.New(path)
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, coupon.Instrument{
		Code:           "gift",
		InitialBalance: generic.MustAmount("75.25"),
		CurrentBalance: generic.MustAmount("75.25"),
	}))
	require.NoError(t, s.Close())

	s, err = sqlite.New(path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get(ctx, "gift")
	require.NoError(t, err)
	assert.True(t, got.InitialBalance.Equal(generic.MustAmount("75.25")))
}

// The ledger against a real database: settle, refund, settle again.
func TestLedgerOnSQLite(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	clock := generic.NewFixedClock(time.Date(2025, time.May, 5, 10, 0, 0, 0, time.UTC))

	engine, err := coupon.NewEngine(coupon.EngineDeps{
		Store:  s,
		Orders: s,
		Locker: lock.NewKeyed(time.Second),
		Clock:  clock,
	}, coupon.DefaultEngineOptions())
	require.NoError(t, err)
	service := coupon.NewService(s, engine, clock)

	_, err = service.Issue(ctx, coupon.Definition{Code: "gift", InitialBalance: generic.MustAmount("50")})
	require.NoError(t, err)

	order := func(ref, discount string) coupon.OrderRef {
		require.NoError(t, s.SaveOrder(ctx, coupon.Order{
			Ref:     coupon.OrderRef(ref),
			Coupons: []coupon.OrderCouponLine{{Code: "gift", Discount: generic.MustAmount(discount)}},
		}))
		return coupon.OrderRef(ref)
	}

	// GIVEN: an order that drains the coupon
	_, err = engine.Settle(ctx, order("o1", "50"))
	require.NoError(t, err)

	check, err := service.CheckBalance(ctx, "gift")
	require.NoError(t, err)
	assert.Equal(t, coupon.StatusExhausted, check.Status)

	// WHEN: the order is refunded
	_, err = engine.Reverse(ctx, "o1")
	require.NoError(t, err)

	// THEN: the balance and the expiry are restored
	inst, err := s.Get(ctx, "gift")
	require.NoError(t, err)
	assert.True(t, inst.CurrentBalance.Equal(generic.MustAmount("50")))
	assert.Nil(t, inst.ExpiresAt)
	assert.Empty(t, inst.History)
	assert.Equal(t, int64(3), inst.Version)

	report, err := engine.Settle(ctx, order("o2", "20"))
	require.NoError(t, err)
	require.Len(t, report.Lines, 1)
	assert.Equal(t, coupon.OutcomeApplied, report.Lines[0].Outcome)

	drifts, checked, err := service.Audit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, checked)
	assert.Empty(t, drifts)
}
