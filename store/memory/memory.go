// Package memory provides in-memory implementations of the coupon stores.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/warp/coupon-ledger/coupon"
	"github.com/warp/coupon-ledger/generic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Store implements coupon.Store and coupon.OrderSource.
type Store struct {
	mu          sync.RWMutex
	instruments map[coupon.Code]coupon.Instrument
	orders      map[coupon.OrderRef]coupon.Order

	// beforeSave, when set, runs at the start of Save without the mutex held.
	// Tests use it to interleave writers.
	beforeSave func(code coupon.Code)
}

func New() *Store {
	return &Store{
		instruments: make(map[coupon.Code]coupon.Instrument),
		orders:      make(map[coupon.OrderRef]coupon.Order),
	}
}

// Get returns a private copy of the instrument.
func (m *Store) Get(_ context.Context, code coupon.Code) (coupon.Instrument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inst, ok := m.instruments[code]
	if !ok {
		return coupon.Instrument{}, fmt.Errorf("%w: %s", generic.ErrInstrumentNotFound, code)
	}
	return inst.Clone(), nil
}

func (m *Store) Create(_ context.Context, inst coupon.Instrument) error {
	if err := inst.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.instruments[inst.Code]; exists {
		return fmt.Errorf("%w: %s", generic.ErrDuplicateCode, inst.Code)
	}
	inst = inst.Clone()
	inst.Version = 1
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = time.Now().UTC()
	}
	if inst.UpdatedAt.IsZero() {
		inst.UpdatedAt = inst.CreatedAt
	}
	m.instruments[inst.Code] = inst
	return nil
}

// Save replaces the instrument if the stored version matches inst.Version.
func (m *Store) Save(_ context.Context, inst coupon.Instrument) error {
	if err := inst.Validate(); err != nil {
		return err
	}
	if hook := m.hook(); hook != nil {
		hook(inst.Code)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.instruments[inst.Code]
	if !ok {
		return fmt.Errorf("%w: %s", generic.ErrInstrumentNotFound, inst.Code)
	}
	if current.Version != inst.Version {
		return fmt.Errorf("%w: %s at version %d, write based on %d",
			generic.ErrConcurrentModification, inst.Code, current.Version, inst.Version)
	}
	inst = inst.Clone()
	inst.Version++
	inst.CreatedAt = current.CreatedAt
	m.instruments[inst.Code] = inst
	return nil
}

func (m *Store) List(_ context.Context, q coupon.ListQuery) ([]coupon.Instrument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	email := strings.ToLower(strings.TrimSpace(q.CustomerEmail))
	search := string(coupon.NormalizeCode(q.Search))

	result := make([]coupon.Instrument, 0, len(m.instruments))
	for _, inst := range m.instruments {
		if email != "" && inst.CustomerEmail != email {
			continue
		}
		if search != "" && !strings.Contains(string(inst.Code), search) {
			continue
		}
		result = append(result, inst.Clone())
	}
	sortInstruments(result, q.SortBy, q.Desc)
	return result, nil
}

// sortInstruments orders by the requested field, then by code. Instruments
// without expiry sort after those with one in both directions.
func sortInstruments(insts []coupon.Instrument, by coupon.SortField, desc bool) {
	sort.SliceStable(insts, func(i, j int) bool {
		a, b := insts[i], insts[j]
		var c int
		switch by {
		case coupon.SortByCurrentBalance:
			c = a.CurrentBalance.Value.Cmp(b.CurrentBalance.Value)
		case coupon.SortByExpiresAt:
			switch {
			case a.ExpiresAt == nil && b.ExpiresAt == nil:
			case a.ExpiresAt == nil:
				return false
			case b.ExpiresAt == nil:
				return true
			default:
				c = a.ExpiresAt.Compare(*b.ExpiresAt)
			}
		default:
			if desc {
				return a.Code > b.Code
			}
			return a.Code < b.Code
		}
		if desc {
			c = -c
		}
		if c != 0 {
			return c < 0
		}
		return a.Code < b.Code
	})
}

func (m *Store) hook() func(coupon.Code) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.beforeSave
}

// SetBeforeSave installs a hook run at the start of every Save.
func (m *Store) SetBeforeSave(fn func(code coupon.Code)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.beforeSave = fn
}

// =============================================================================
// ORDERS
// =============================================================================

// SaveOrder records or replaces an order snapshot.
func (m *Store) SaveOrder(_ context.Context, order coupon.Order) error {
	if order.Ref == "" {
		return fmt.Errorf("%w: empty order reference", generic.ErrInvalidArgument)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	lines := make([]coupon.OrderCouponLine, 0, len(order.Coupons))
	for _, l := range order.Coupons {
		lines = append(lines, coupon.OrderCouponLine{Code: coupon.NormalizeCode(string(l.Code)), Discount: l.Discount})
	}
	order.Coupons = lines
	m.orders[order.Ref] = order
	return nil
}

func (m *Store) GetOrder(_ context.Context, ref coupon.OrderRef) (coupon.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	order, ok := m.orders[ref]
	if !ok {
		return coupon.Order{}, fmt.Errorf("%w: %s", generic.ErrOrderNotFound, ref)
	}
	order.Coupons = append([]coupon.OrderCouponLine(nil), order.Coupons...)
	return order, nil
}

// SetOrderStatus records the latest lifecycle status of an order.
func (m *Store) SetOrderStatus(_ context.Context, ref coupon.OrderRef, status coupon.OrderStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[ref]
	if !ok {
		return fmt.Errorf("%w: %s", generic.ErrOrderNotFound, ref)
	}
	order.Status = status
	m.orders[ref] = order
	return nil
}

func (m *Store) AppliedCodes(ctx context.Context, ref coupon.OrderRef) ([]coupon.Code, error) {
	order, err := m.GetOrder(ctx, ref)
	if err != nil {
		return nil, err
	}
	codes := make([]coupon.Code, 0, len(order.Coupons))
	for _, l := range order.Coupons {
		codes = append(codes, l.Code)
	}
	return codes, nil
}

// CouponDiscount returns the discount of the order's first line for code. A
// code the order did not use discounts zero.
func (m *Store) CouponDiscount(ctx context.Context, ref coupon.OrderRef, code coupon.Code) (generic.Amount, error) {
	order, err := m.GetOrder(ctx, ref)
	if err != nil {
		return generic.ZeroAmount(), err
	}
	for _, l := range order.Coupons {
		if l.Code == code {
			return l.Discount, nil
		}
	}
	return generic.ZeroAmount(), nil
}

// Reset drops everything.
func (m *Store) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instruments = make(map[coupon.Code]coupon.Instrument)
	m.orders = make(map[coupon.OrderRef]coupon.Order)
	return nil
}
