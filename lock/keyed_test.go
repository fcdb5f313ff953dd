package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/coupon-ledger/generic"
)

func TestKeyed_SerializesSameKey(t *testing.T) {
	k := NewKeyed(time.Second)

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := k.Lock(context.Background(), "gift-100")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Zero(t, k.size(), "slots are dropped once unused")
}

func TestKeyed_DifferentKeysDoNotBlock(t *testing.T) {
	k := NewKeyed(50 * time.Millisecond)

	unlockA, err := k.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer unlockA()

	unlockB, err := k.Lock(context.Background(), "b")
	require.NoError(t, err)
	unlockB()
}

func TestKeyed_TimesOutAsConflict(t *testing.T) {
	k := NewKeyed(20 * time.Millisecond)

	unlock, err := k.Lock(context.Background(), "gift-100")
	require.NoError(t, err)
	defer unlock()

	_, err = k.Lock(context.Background(), "gift-100")
	require.Error(t, err)
	assert.ErrorIs(t, err, generic.ErrLockTimeout)
	assert.True(t, generic.IsRetryable(err))
}

func TestKeyed_UnlockIsIdempotent(t *testing.T) {
	k := NewKeyed(20 * time.Millisecond)

	unlock, err := k.Lock(context.Background(), "x")
	require.NoError(t, err)
	unlock()
	unlock()

	unlock2, err := k.Lock(context.Background(), "x")
	require.NoError(t, err)
	unlock2()
}
