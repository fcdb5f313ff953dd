package coupon_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/coupon-ledger/coupon"
	"github.com/warp/coupon-ledger/generic"
)

type notice struct {
	message  string
	severity coupon.Severity
}

type noticeRecorder struct {
	notices []notice
}

func (n *noticeRecorder) AddNotice(message string, severity coupon.Severity) {
	n.notices = append(n.notices, notice{message: message, severity: severity})
}

type fakeCart struct {
	codes    []coupon.Code
	subtotal generic.Amount
}

func (c *fakeCart) AppliedCodes() []coupon.Code { return append([]coupon.Code(nil), c.codes...) }
func (c *fakeCart) Subtotal() generic.Amount    { return c.subtotal }
func (c *fakeCart) RemoveCode(code coupon.Code) {
	kept := c.codes[:0]
	for _, existing := range c.codes {
		if existing != code {
			kept = append(kept, existing)
		}
	}
	c.codes = kept
}

// exhaust settles the full balance of code through the engine.
func (f *fixture) exhaust(t *testing.T, code, balance string) {
	t.Helper()
	ref := f.order(t, "drain-"+code, line(code, balance))
	_, err := f.engine.Settle(f.ctx, ref)
	require.NoError(t, err)
}

func TestGuards_CartMutationRemovesExhausted(t *testing.T) {
	// GIVEN: a cart with one exhausted, one active and one plain coupon
	f := newFixture(t, coupon.DefaultEngineOptions())
	f.issue(t, "empty", "20")
	f.exhaust(t, "empty", "20")
	f.issue(t, "full", "20")
	cart := &fakeCart{codes: []coupon.Code{"empty", "full", "percent-off"}}
	notices := &noticeRecorder{}
	guards := coupon.NewGuards(f.store, f.clock, nil)

	// WHEN
	removed := guards.OnCartMutated(f.ctx, cart, notices)

	// THEN
	assert.Equal(t, []coupon.Code{"empty"}, removed)
	assert.Equal(t, []coupon.Code{"full", "percent-off"}, cart.codes)
	require.Len(t, notices.notices, 1)
	assert.Contains(t, notices.notices[0].message, `"empty"`)
	assert.Equal(t, coupon.SeverityError, notices.notices[0].severity)
}

func TestGuards_ApplyRefusesAnythingNotActive(t *testing.T) {
	f := newFixture(t, coupon.DefaultEngineOptions())
	f.issue(t, "empty", "20")
	f.exhaust(t, "empty", "20")
	past := t0.Add(-time.Hour)
	_, err := f.service.Issue(f.ctx, coupon.Definition{Code: "old", InitialBalance: amt("20"), ExpiresAt: &past})
	require.NoError(t, err)
	f.issue(t, "good", "20")
	guards := coupon.NewGuards(f.store, f.clock, nil)

	tests := []struct {
		code    coupon.Code
		allowed bool
		notices int
	}{
		{"empty", false, 1},
		{"old", false, 1},
		{"good", true, 0},
		{"not-a-balance-coupon", true, 0},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			notices := &noticeRecorder{}
			assert.Equal(t, tt.allowed, guards.OnApply(f.ctx, tt.code, notices))
			assert.Len(t, notices.notices, tt.notices)
		})
	}
}

func TestGuards_CheckoutReviewCatchesBalanceSpentElsewhere(t *testing.T) {
	// GIVEN: a coupon applied while it still had balance
	f := newFixture(t, coupon.DefaultEngineOptions())
	f.issue(t, "shared", "50")
	guards := coupon.NewGuards(f.store, f.clock, nil)
	cart := &fakeCart{codes: []coupon.Code{"shared"}}
	require.True(t, guards.OnApply(f.ctx, "shared", &noticeRecorder{}))

	// WHEN: another checkout spends it before this one pays
	f.exhaust(t, "shared", "50")
	notices := &noticeRecorder{}
	removed := guards.OnCheckoutReview(f.ctx, cart, notices)

	// THEN
	assert.Equal(t, []coupon.Code{"shared"}, removed)
	assert.Empty(t, cart.codes)
	assert.Len(t, notices.notices, 1)
}

func TestGuards_CheckpointsAgree(t *testing.T) {
	// Every checkpoint reaches the verdict Evaluate gives at the same instant.
	f := newFixture(t, coupon.DefaultEngineOptions())
	f.issue(t, "a", "10")
	f.issue(t, "b", "10")
	f.exhaust(t, "b", "10")
	guards := coupon.NewGuards(f.store, f.clock, nil)

	for _, code := range []coupon.Code{"a", "b"} {
		exhausted := coupon.Evaluate(f.get(t, string(code)), f.clock.Now()) == coupon.StatusExhausted

		cart := &fakeCart{codes: []coupon.Code{code}}
		removedOnMutation := len(guards.OnCartMutated(f.ctx, cart, &noticeRecorder{})) == 1
		cart = &fakeCart{codes: []coupon.Code{code}}
		removedOnReview := len(guards.OnCheckoutReview(f.ctx, cart, &noticeRecorder{})) == 1
		refused := !guards.OnApply(f.ctx, code, &noticeRecorder{})

		assert.Equal(t, exhausted, removedOnMutation, code)
		assert.Equal(t, exhausted, removedOnReview, code)
		assert.Equal(t, exhausted, refused, code)
	}
}

func TestGuards_CartBalances(t *testing.T) {
	f := newFixture(t, coupon.DefaultEngineOptions())
	f.issue(t, "a", "10")
	f.issue(t, "b", "10")
	f.exhaust(t, "b", "10")
	guards := coupon.NewGuards(f.store, f.clock, nil)

	lines := guards.CartBalances(f.ctx, &fakeCart{codes: []coupon.Code{"A", "b", "other"}})

	require.Len(t, lines, 2)
	assert.Equal(t, coupon.Code("a"), lines[0].Code)
	assert.Equal(t, coupon.StatusActive, lines[0].Status)
	assert.True(t, lines[0].Balance.Equal(amt("10")))
	assert.Equal(t, coupon.StatusExhausted, lines[1].Status)
}
