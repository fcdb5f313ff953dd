/*
Package lock provides per-instrument mutual exclusion.

IMPLEMENTATIONS:
  Keyed: in-process, one slot per key. Correct for a single replica.
  Redis: SETNX + TTL with an owner token. Correct across replicas.

Both return generic.ErrLockTimeout when the lock is not acquired before the
wait budget or the caller's context ends. ErrLockTimeout wraps
generic.ErrConcurrentModification, so the ledger retries it like a version
conflict.

SEE ALSO:
  - coupon/store.go: Locker interface
  - coupon/ledger.go: lock -> read -> modify -> write -> unlock
*/
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/warp/coupon-ledger/generic"
)

const DefaultWait = 5 * time.Second

// Keyed is an in-process keyed mutex. Slots are created on demand and
// dropped when the last holder or waiter leaves.
type Keyed struct {
	mu    sync.Mutex
	slots map[string]*slot
	wait  time.Duration
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewKeyed builds a keyed lock. wait <= 0 uses DefaultWait.
func NewKeyed(wait time.Duration) *Keyed {
	if wait <= 0 {
		wait = DefaultWait
	}
	return &Keyed{slots: make(map[string]*slot), wait: wait}
}

// Lock blocks until key is held, the wait budget elapses or ctx ends.
func (k *Keyed) Lock(ctx context.Context, key string) (func(), error) {
	s := k.acquireSlot(key)

	ctx, cancel := context.WithTimeout(ctx, k.wait)
	defer cancel()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		k.releaseSlot(key, s)
		return nil, fmt.Errorf("%w: %s: %v", generic.ErrLockTimeout, key, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			k.releaseSlot(key, s)
		})
	}, nil
}

func (k *Keyed) acquireSlot(key string) *slot {
	k.mu.Lock()
	defer k.mu.Unlock()
	s, ok := k.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		k.slots[key] = s
	}
	s.refs++
	return s
}

func (k *Keyed) releaseSlot(key string, s *slot) {
	k.mu.Lock()
	defer k.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(k.slots, key)
	}
}

// size is the number of live slots. Test helper.
func (k *Keyed) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.slots)
}
